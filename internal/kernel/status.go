package kernel

import (
	"context"

	"github.com/ocap-kernel/kernel/internal/cluster"
	"github.com/ocap-kernel/kernel/internal/gc"
	"github.com/ocap-kernel/kernel/internal/kvstore"
	"github.com/ocap-kernel/kernel/internal/metrics"
	"github.com/ocap-kernel/kernel/internal/runqueue"
)

// Status is the result of the operator RPC getStatus: a snapshot of
// queue depth, vat count, and backend/subcluster registration, enough
// for an operator dashboard or health probe without exposing raw store
// contents.
type Status struct {
	SchemaVersion  int      `json:"schema_version"`
	QueueDepth     int      `json:"queue_depth"`
	RunningVats    []string `json:"running_vats"`
	Backends       []string `json:"backends"`
	Subclusters    []string `json:"subclusters"`
}

// GetStatus implements the operator RPC getStatus.
func (k *Kernel) GetStatus(ctx context.Context) (*Status, error) {
	depth, err := k.queue.Len(ctx)
	if err != nil {
		return nil, err
	}

	k.mu.RLock()
	vats := make([]string, 0, len(k.workers))
	for vatID := range k.workers {
		vats = append(vats, vatID)
	}
	subclusters := make([]string, 0, len(k.subclusters))
	for name := range k.subclusters {
		subclusters = append(subclusters, name)
	}
	k.mu.RUnlock()

	backends := make([]string, 0)
	for _, n := range k.backends.ListNodes() {
		backends = append(backends, n.ID)
	}

	metrics.SetQueueDepth(depth)
	metrics.SetRunningVats(len(vats))

	return &Status{
		SchemaVersion: schemaVersion,
		QueueDepth:    depth,
		RunningVats:   vats,
		Backends:      backends,
		Subclusters:   subclusters,
	}, nil
}

// RegisterBackend registers a worker backend node so LaunchVat's
// scheduler can place new vats on it (repurposing internal/cluster.Registry for a
// second namespace beyond subcluster membership).
func (k *Kernel) RegisterBackend(ctx context.Context, id string, maxLoad int) error {
	return k.backends.RegisterNode(ctx, &cluster.Node{ID: id, Name: id, MaxLoad: maxLoad})
}

// CollectGarbage implements the operator RPC collectGarbage: a hint that
// runs one reaper pass immediately rather than waiting for the next
// scheduled tick; collectGarbage is a hint that asks each vat to run
// its local reaper. The kernel-side half of that hint is
// running its own between-crank sweep early; propagating the hint to
// vats themselves happens via a bringOutYourDead entry per running vat,
// which is how a vat is asked to publish its own drops/retires.
func (k *Kernel) CollectGarbage(ctx context.Context) (gc.Stats, error) {
	k.mu.RLock()
	vatIDs := make([]string, 0, len(k.workers))
	for vatID := range k.workers {
		vatIDs = append(vatIDs, vatID)
	}
	k.mu.RUnlock()

	for _, vatID := range vatIDs {
		if _, err := k.queue.Push(ctx, runqueue.Entry{Kind: runqueue.KindBringOutYourDead, VatID: vatID}); err != nil {
			return gc.Stats{}, err
		}
	}
	return k.reaper.CollectOnce(ctx)
}

// ClearState implements the operator RPC clearState: terminates every
// running vat, then wipes the entire store keyspace, the schema-version
// marker included (the marker is rewritten immediately after) — a hard
// reset used by tests and local development, never by production
// automation.
func (k *Kernel) ClearState(ctx context.Context) error {
	k.mu.RLock()
	vatIDs := make([]string, 0, len(k.workers))
	for vatID := range k.workers {
		vatIDs = append(vatIDs, vatID)
	}
	k.mu.RUnlock()
	for _, vatID := range vatIDs {
		_ = k.TerminateVat(ctx, vatID)
	}

	rows, err := k.store.ExecuteQuery(ctx, kvstore.Scan{Prefix: ""})
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := k.store.Delete(ctx, row.Key); err != nil {
			return err
		}
	}
	return checkSchemaVersion(ctx, k.store)
}

// ExecuteDBQuery implements the operator RPC executeDBQuery, exposing a
// raw prefix-scan escape hatch over the kernel's keyspace for debugging
// and the admin UI; it never accepts arbitrary SQL, only
// the same kvstore.Scan predicate every other kernel component uses.
func (k *Kernel) ExecuteDBQuery(ctx context.Context, q kvstore.Scan) ([]kvstore.Row, error) {
	return k.store.ExecuteQuery(ctx, q)
}
