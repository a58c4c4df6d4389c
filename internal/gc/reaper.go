// Package gc implements the reaper: the between-crank sweep that turns
// refcount changes recorded during cranks into dropExports/retireImports/
// retireExports notifications. The reaper never runs
// concurrently with a crank — it acquires the same store transaction
// primitive a crank does, so from Store's point of view a reaper pass is
// indistinguishable from one more crank, just one that never talks to a
// worker.
package gc

import (
	"context"
	"fmt"
	"time"

	"github.com/ocap-kernel/kernel/internal/krefs"
	"github.com/ocap-kernel/kernel/internal/kvstore"
	"github.com/ocap-kernel/kernel/internal/logging"
	"github.com/ocap-kernel/kernel/internal/metrics"
	"github.com/ocap-kernel/kernel/internal/observability"
	"github.com/ocap-kernel/kernel/internal/queue"
	"github.com/ocap-kernel/kernel/internal/runqueue"
	"github.com/ocap-kernel/kernel/internal/translator"
)

// Stats summarizes one reaper pass, used for metrics and tests.
type Stats struct {
	DropExportsIssued   int
	RetireExportsIssued int
	RetireImportsIssued int
}

// Reaper runs periodically between cranks: a ticker, a single-flight
// sweep per tick, and eviction decisions based on a scan over live
// records rather than an event stream.
type Reaper struct {
	store    kvstore.Store
	notifier queue.Notifier
	interval time.Duration
}

// New constructs a Reaper. notifier may be nil (defaults to a no-op),
// matching runqueue.New's convention.
func New(store kvstore.Store, notifier queue.Notifier, interval time.Duration) *Reaper {
	return &Reaper{store: store, notifier: notifier, interval: interval}
}

// Run blocks, sweeping every tick until ctx is done. A failed sweep is
// logged and retried on the next tick rather than aborting the loop,
// mirroring a cleanup loop that never exits on a single cycle's
// error.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.CollectOnce(ctx); err != nil {
				logging.Op().Warn("gc sweep failed", "error", err)
			}
		}
	}
}

// CollectOnce runs exactly one sweep pass inside a single transaction
// and commits it atomically.
func (r *Reaper) CollectOnce(ctx context.Context) (Stats, error) {
	ctx, span := observability.StartSpan(ctx, "kernel.gc.sweep")
	defer span.End()

	start := time.Now()
	txn, err := r.store.BeginCrank(ctx)
	if err != nil {
		observability.SetSpanError(span, err)
		return Stats{}, fmt.Errorf("gc: begin sweep: %w", err)
	}
	table := krefs.NewTable(txn)
	q := runqueue.New(txn, r.notifier)

	stats, err := r.sweep(ctx, txn, table, q)
	if err != nil {
		_ = txn.Rollback(ctx)
		observability.SetSpanError(span, err)
		return Stats{}, err
	}
	if err := txn.Commit(ctx); err != nil {
		observability.SetSpanError(span, err)
		return Stats{}, fmt.Errorf("gc: commit sweep: %w", err)
	}
	observability.SetSpanOK(span)
	drops := stats.DropExportsIssued + stats.RetireExportsIssued
	metrics.RecordGCPass(time.Since(start).Milliseconds(), drops, stats.RetireImportsIssued)
	metrics.Global().RecordGCPass(drops, stats.RetireImportsIssued)
	if drops+stats.RetireImportsIssued > 0 {
		logging.Op().Info("gc sweep",
			"drop_exports", stats.DropExportsIssued,
			"retire_exports", stats.RetireExportsIssued,
			"retire_imports", stats.RetireImportsIssued)
	}
	return stats, nil
}

// sweep runs the three candidate scans in sequence — they read disjoint
// predicates over the same object table and do not depend on one
// another, but all three share the crank's single kvstore.Txn, which a
// Postgres-backed store cannot drive from more than one goroutine at a
// time (pgx.Tx is not safe for concurrent use) — then applies the
// five-step algorithm in the fixed order the tie-break rule requires:
// drops before retires for the same kref, retires batched per
// destination vat.
func (r *Reaper) sweep(ctx context.Context, txn kvstore.Txn, table *krefs.Table, q *runqueue.Queue) (Stats, error) {
	droppable, err := table.ScanDroppable(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("gc: candidate scan: %w", err)
	}
	retirable, err := table.ScanRetirable(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("gc: candidate scan: %w", err)
	}
	terminalOwned, err := table.ScanOwnedByTerminalVat(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("gc: candidate scan: %w", err)
	}

	var stats Stats

	// Step 2: reachable fell to 0 and owner is still live -> dropExports.
	// Tie-break requires these land on the run queue before any retire
	// entries for the same kref, so this step always runs first.
	dropsByOwner := map[string][]krefs.Kref{}
	for _, cand := range droppable {
		dropsByOwner[cand.Record.Owner] = append(dropsByOwner[cand.Record.Owner], cand.Kref)
	}
	for owner, krefList := range dropsByOwner {
		for _, k := range krefList {
			if err := table.MarkDropIssued(ctx, k); err != nil {
				return Stats{}, err
			}
		}
		if _, err := q.Push(ctx, runqueue.Entry{
			Kind:  runqueue.KindGC,
			VatID: owner,
			GC:    &runqueue.GCPayload{DropExports: krefList},
		}); err != nil {
			return Stats{}, err
		}
		stats.DropExportsIssued += len(krefList)
	}

	// Steps 3-4: recognizable fell to 0 -> retireExports to the owner and
	// retireImports to every other current importer, then the record is
	// freed. Objects owned by a now-terminal vat skip the owner
	// notification — it is gone — but
	// still fan retireImports out to whoever else held the reference.
	retiresByOwner := map[string][]krefs.Kref{}
	retireImportsByVat := map[string][]krefs.Kref{}
	seen := map[krefs.Kref]bool{}

	for _, cand := range append(append([]krefs.GCCandidate{}, retirable...), terminalOwned...) {
		if seen[cand.Kref] {
			continue
		}
		seen[cand.Kref] = true

		if !cand.Record.Terminal {
			retiresByOwner[cand.Record.Owner] = append(retiresByOwner[cand.Record.Owner], cand.Kref)
		}

		importers, err := translator.FindImporters(ctx, txn, cand.Kref)
		if err != nil {
			return Stats{}, err
		}
		for _, vatID := range importers {
			if vatID == cand.Record.Owner {
				continue
			}
			retireImportsByVat[vatID] = append(retireImportsByVat[vatID], cand.Kref)
		}

		if err := table.RemoveObject(ctx, cand.Kref); err != nil {
			return Stats{}, err
		}
	}

	for owner, krefList := range retiresByOwner {
		if _, err := q.Push(ctx, runqueue.Entry{
			Kind:  runqueue.KindGC,
			VatID: owner,
			GC:    &runqueue.GCPayload{RetireExports: krefList},
		}); err != nil {
			return Stats{}, err
		}
		stats.RetireExportsIssued += len(krefList)
	}
	for vatID, krefList := range retireImportsByVat {
		if _, err := q.Push(ctx, runqueue.Entry{
			Kind:  runqueue.KindGC,
			VatID: vatID,
			GC:    &runqueue.GCPayload{RetireImports: krefList},
		}); err != nil {
			return Stats{}, err
		}
		stats.RetireImportsIssued += len(krefList)
	}

	return stats, nil
}
