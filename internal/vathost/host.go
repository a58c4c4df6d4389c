// Package vathost runs the crank loop: pop one run-queue entry, open a
// transaction, translate the payload into the target vat's c-list,
// deliver it to the vat's worker, service every syscall the worker
// emits synchronously within the same transaction, and commit or roll
// back depending on whether the vat faulted.
//
// The pipeline mirrors a request/response invocation pipeline
// (internal/executor/executor.go's Invoke): a drain-check, loading the
// target vat's c-list context and worker handle, dispatch, and commit,
// run one after another; logging and metrics are recorded inline,
// before the next crank starts.
package vathost

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocap-kernel/kernel/internal/kernelerrors"
	"github.com/ocap-kernel/kernel/internal/krefs"
	"github.com/ocap-kernel/kernel/internal/kvstore"
	"github.com/ocap-kernel/kernel/internal/logging"
	"github.com/ocap-kernel/kernel/internal/metrics"
	"github.com/ocap-kernel/kernel/internal/observability"
	"github.com/ocap-kernel/kernel/internal/promise"
	"github.com/ocap-kernel/kernel/internal/runqueue"
	"github.com/ocap-kernel/kernel/internal/translator"
	"github.com/ocap-kernel/kernel/internal/worker"
)

// VatstoreKeyPrefix roots a vat's private key/value partition under
// v<id>.ks., kept distinct from the kernel's own kref/c-list keyspace.
func VatstoreKeyPrefix(vatID string) string { return fmt.Sprintf("v%s.ks.", vatID) }

// workerRetryDelay is how long RunOne backs off when the head entry's
// vat is live but its worker has not finished relaunching.
const workerRetryDelay = 25 * time.Millisecond

// Registry resolves a vat ID to its live worker handle. The kernel
// façade owns the mapping; vathost only reads it.
type Registry interface {
	WorkerFor(vatID string) (worker.Worker, bool)

	// VatLive reports whether vatID still has a non-terminated record.
	// A delivery addressed to a live vat with no worker (mid-restart)
	// stays queued; a delivery to a dead vat is discarded with its
	// result promise rejected.
	VatLive(ctx context.Context, vatID string) (bool, error)
}

// Host runs cranks against a store and a vat registry. It is not
// re-entrant: a single sync.Mutex around the active-crank region
// enforces the single-threaded crank model, matching the
// documented invariant that the store connection is exclusive
// to one process at a time.
type Host struct {
	store    kvstore.Store
	registry Registry
	logger   *logging.Logger
	mu       sync.Mutex
	closing  atomic.Bool
	inflight sync.WaitGroup
	onFault  func(vatID string, err error)
}

// New constructs a Host. onFault, if non-nil, is invoked (outside the
// crank's transaction, after rollback) whenever a crank ends in a fault,
// so the kernel façade can schedule a vat restart.
func New(store kvstore.Store, registry Registry, onFault func(vatID string, err error)) *Host {
	return &Host{
		store:   store,
		registry: registry,
		logger:  logging.Default(),
		onFault: onFault,
	}
}

// RunOne pops and processes exactly one run-queue entry. It returns
// ok=false if the queue was empty (nothing to do). A fault during the
// crank is reported via onFault and does not itself return an error —
// only a store/transport failure that prevented the crank from even
// attempting delivery does.
func (h *Host) RunOne(ctx context.Context, q *runqueue.Queue) (bool, error) {
	if h.closing.Load() {
		return false, fmt.Errorf("vathost: shutting down")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inflight.Add(1)
	defer h.inflight.Done()

	start := time.Now()
	txn, err := h.store.BeginCrank(ctx)
	if err != nil {
		return false, fmt.Errorf("vathost: begin crank: %w", err)
	}

	txnQueue := runqueue.New(txn, nil)
	entry, ok, err := txnQueue.Pop(ctx)
	if err != nil {
		_ = txn.Rollback(ctx)
		return false, err
	}
	if !ok {
		_ = txn.Rollback(ctx)
		return false, nil
	}

	ctx, span := observability.Tracer().Start(ctx, "kernel.crank")
	span.SetAttributes(
		observability.AttrVatID.String(entry.VatID),
		observability.AttrEntryKind.String(string(entry.Kind)),
	)
	if entry.Kind == runqueue.KindSend && entry.Send != nil {
		span.SetAttributes(
			observability.AttrMethod.String(entry.Send.Method),
			observability.AttrKref.String(entry.Send.Target.String()),
		)
	}
	defer span.End()

	w, ok := h.registry.WorkerFor(entry.VatID)
	if !ok {
		live, lerr := h.registry.VatLive(ctx, entry.VatID)
		if lerr != nil {
			_ = txn.Rollback(ctx)
			observability.SetSpanError(span, lerr)
			return true, lerr
		}
		if live {
			// The vat exists but its worker is mid-restart: put the
			// entry back and let the loop come around again once the
			// relaunch lands.
			_ = txn.Rollback(ctx)
			time.Sleep(workerRetryDelay)
			return true, nil
		}
		// The vat is gone. Consume the entry instead of letting it
		// starve the queue, rejecting its result promise.
		if entry.Kind == runqueue.KindSend && entry.Send != nil && !entry.Send.ResultP.IsZero() {
			resolver := promise.NewResolver(krefs.NewTable(txn), txnQueue)
			if err := resolver.RejectAsKernel(ctx, entry.Send.ResultP, krefs.CapData{Body: `"vat terminated"`}); err != nil {
				_ = txn.Rollback(ctx)
				observability.SetSpanError(span, err)
				return true, err
			}
		}
		if err := txn.Commit(ctx); err != nil {
			observability.SetSpanError(span, err)
			return true, fmt.Errorf("vathost: discard entry for dead vat %q: %w", entry.VatID, err)
		}
		logging.Op().Warn("discarded delivery for dead vat", "vat", entry.VatID, "kind", entry.Kind)
		observability.SetSpanError(span, kernelerrors.ErrVatNotFound(entry.VatID))
		return true, nil
	}

	table := krefs.NewTable(txn)
	clist := translator.NewCList(txn, entry.VatID)
	tr := translator.New(table, clist, entry.VatID)
	resolver := promise.NewResolver(table, txnQueue)

	c := &crank{
		ctx:      ctx,
		txn:      txn,
		table:    table,
		clist:    clist,
		tr:       tr,
		resolver: resolver,
		queue:    txnQueue,
		vatID:    entry.VatID,
		worker:   w,
	}

	outcome, err := c.run(entry)
	if err != nil || outcome.Faulted {
		_ = txn.Rollback(ctx)
		faultErr := err
		if faultErr == nil {
			faultErr = kernelerrors.ErrVatFault(entry.VatID, fmt.Errorf("%s", outcome.FaultMsg))
		}
		logging.Op().Warn("crank faulted", "vat", entry.VatID, "kind", entry.Kind, "error", faultErr,
			"trace_id", observability.GetTraceID(ctx), "span_id", observability.GetSpanID(ctx))
		observability.SetSpanError(span, faultErr)
		metrics.RecordCrank(string(entry.Kind), time.Since(start).Milliseconds(), false)
		metrics.RecordVatFault(entry.VatID)
		metrics.Global().RecordCrank(time.Since(start).Milliseconds(), true)
		if serr := h.settleFaultedEntry(ctx, entry); serr != nil {
			return true, serr
		}
		if h.onFault != nil {
			h.onFault(entry.VatID, faultErr)
		}
		return true, nil
	}

	if err := txn.Commit(ctx); err != nil {
		observability.SetSpanError(span, err)
		return true, fmt.Errorf("vathost: commit crank for vat %q: %w", entry.VatID, err)
	}
	observability.SetSpanOK(span)
	logging.Op().Debug("crank committed", "vat", entry.VatID, "kind", entry.Kind, "trace_id", observability.GetTraceID(ctx))
	metrics.RecordCrank(string(entry.Kind), time.Since(start).Milliseconds(), true)
	metrics.Global().RecordCrank(time.Since(start).Milliseconds(), false)
	return true, nil
}

// settleFaultedEntry consumes a delivery whose crank faulted. The
// crank's own transaction was rolled back, which put the entry back at
// the queue head — left there, the same delivery would fault forever.
// A fresh transaction pops it and rejects its result promise, so the
// sender observes the fault and the next queued delivery proceeds once
// the vat is back.
func (h *Host) settleFaultedEntry(ctx context.Context, entry runqueue.Entry) error {
	txn, err := h.store.BeginCrank(ctx)
	if err != nil {
		return fmt.Errorf("vathost: begin fault cleanup: %w", err)
	}
	txnQueue := runqueue.New(txn, nil)
	popped, ok, err := txnQueue.Pop(ctx)
	if err != nil {
		_ = txn.Rollback(ctx)
		return err
	}
	if !ok || popped.Seq != entry.Seq {
		// The head moved underneath us (vat termination raced the
		// fault); whoever consumed the entry settled it.
		_ = txn.Rollback(ctx)
		return nil
	}
	if popped.Kind == runqueue.KindSend && popped.Send != nil && !popped.Send.ResultP.IsZero() {
		resolver := promise.NewResolver(krefs.NewTable(txn), txnQueue)
		if err := resolver.RejectAsKernel(ctx, popped.Send.ResultP, krefs.CapData{Body: `"vat fault"`}); err != nil {
			_ = txn.Rollback(ctx)
			return err
		}
	}
	if err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("vathost: commit fault cleanup: %w", err)
	}
	return nil
}

// Shutdown blocks until every in-flight crank finishes and rejects new
// RunOne calls thereafter.
func (h *Host) Shutdown() {
	h.closing.Store(true)
	h.inflight.Wait()
}
