package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ocap-kernel/kernel/internal/cluster"
	"github.com/ocap-kernel/kernel/internal/kernelerrors"
	"github.com/ocap-kernel/kernel/internal/krefs"
	"github.com/ocap-kernel/kernel/internal/logging"
	"github.com/ocap-kernel/kernel/internal/metrics"
	"github.com/ocap-kernel/kernel/internal/promise"
	"github.com/ocap-kernel/kernel/internal/runqueue"
	"github.com/ocap-kernel/kernel/internal/translator"
)

// VatState is the vat lifecycle state:
// nonexistent -> launching -> running -> paused -> terminating -> terminated.
type VatState string

const (
	VatLaunching   VatState = "launching"
	VatRunning     VatState = "running"
	VatPaused      VatState = "paused"
	VatTerminating VatState = "terminating"
	VatTerminated  VatState = "terminated"
)

// VatRecord is the façade's durable record of one vat, distinct from the
// krefs/c-list tables the crank loop manipulates directly.
type VatRecord struct {
	ID           string    `json:"id"`
	State        VatState  `json:"state"`
	BackendID    string    `json:"backend_id,omitempty"`
	Subcluster   string    `json:"subcluster,omitempty"`
	RootKref     string    `json:"root_kref,omitempty"` // this vat's o+0, allocated at launch
	RestartCount int       `json:"restart_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// Bundle is retained across restarts: a restart re-launches the same
	// vat image without replaying queue history, so the kernel
	// must keep the code/config it originally launched with rather than
	// relying on the caller to resupply it.
	Bundle []byte `json:"bundle,omitempty"`
}

func vatKey(vatID string) string { return "kernel.vat." + vatID }

func (k *Kernel) getVatRecord(ctx context.Context, vatID string) (*VatRecord, bool, error) {
	b, ok, err := k.store.Get(ctx, vatKey(vatID))
	if err != nil || !ok {
		return nil, ok, err
	}
	var rec VatRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, false, fmt.Errorf("kernel: decode vat record %s: %w", vatID, err)
	}
	return &rec, true, nil
}

func (k *Kernel) putVatRecord(ctx context.Context, rec *VatRecord) error {
	rec.UpdatedAt = time.Now()
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return k.store.Set(ctx, vatKey(rec.ID), b)
}

// LaunchVatRequest describes a new vat to launch.
type LaunchVatRequest struct {
	VatID      string // required, caller-assigned; the kernel never generates vat IDs
	Bundle     []byte // the vat's code/config, handed to worker.Launch
	Subcluster string // optional: if set, the vat joins this subcluster's membership registry
}

// LaunchVat brings a vat from nonexistent to running: picks a backend via
// the cluster scheduler, launches its worker, and records it running.
func (k *Kernel) LaunchVat(ctx context.Context, req LaunchVatRequest) (*VatRecord, error) {
	if req.VatID == "" {
		return nil, kernelerrors.ErrCListViolation("", "launchVat: vat id is required")
	}
	if existing, ok, err := k.getVatRecord(ctx, req.VatID); err != nil {
		return nil, err
	} else if ok && existing.State != VatTerminated {
		return nil, kernelerrors.ErrVatAlreadyExists(req.VatID)
	}

	rec := &VatRecord{ID: req.VatID, State: VatLaunching, Subcluster: req.Subcluster, Bundle: req.Bundle, CreatedAt: time.Now()}
	if err := k.putVatRecord(ctx, rec); err != nil {
		return nil, err
	}

	backend, err := k.selectBackend()
	if err != nil {
		return nil, fmt.Errorf("kernel: launch vat %q: %w", req.VatID, err)
	}

	w, err := k.launcher(ctx, req.VatID, backend, req.Bundle)
	if err != nil {
		rec.State = VatTerminated
		_ = k.putVatRecord(ctx, rec)
		return nil, fmt.Errorf("kernel: launch worker for vat %q: %w", req.VatID, err)
	}
	if err := w.Launch(ctx, req.VatID, req.Bundle); err != nil {
		rec.State = VatTerminated
		_ = k.putVatRecord(ctx, rec)
		return nil, fmt.Errorf("kernel: worker launch handshake for vat %q: %w", req.VatID, err)
	}

	k.mu.Lock()
	k.workers[req.VatID] = w
	k.mu.Unlock()

	if backend != nil {
		rec.BackendID = backend.ID
		k.bumpBackendLoad(ctx, backend.ID, 1)
	}

	rootKref, err := k.allocateRoot(ctx, req.VatID)
	if err != nil {
		return nil, fmt.Errorf("kernel: allocate root object for vat %q: %w", req.VatID, err)
	}
	rec.RootKref = rootKref.String()

	rec.State = VatRunning
	if err := k.putVatRecord(ctx, rec); err != nil {
		return nil, err
	}

	if req.Subcluster != "" {
		if err := k.joinSubcluster(ctx, req.Subcluster, req.VatID); err != nil {
			return nil, err
		}
	}

	logging.Op().Info("vat launched", "vat", req.VatID, "backend", rec.BackendID, "subcluster", req.Subcluster)
	metrics.RecordVatLaunched()
	metrics.Global().RecordVatLaunched()
	return rec, nil
}

func (k *Kernel) selectBackend() (*cluster.Node, error) {
	if len(k.backends.ListHealthyNodes()) == 0 {
		return nil, nil // no registered backends: single-process deployment, worker runs locally
	}
	sched := cluster.NewScheduler(k.backends, cluster.StrategyLeastLoaded)
	return sched.SelectNode()
}

// allocateRoot gives a newly launched vat its canonical entry point: the
// object a vat exports as vref o+0, which every bootstrap/introduction
// message addresses. The kernel allocates it proactively (rather than
// waiting for the vat's first export) so subcluster bootstrap can
// reference every member's root before any crank has run against it.
func (k *Kernel) allocateRoot(ctx context.Context, vatID string) (krefs.Kref, error) {
	txn, err := k.store.BeginCrank(ctx)
	if err != nil {
		return krefs.Kref{}, err
	}
	table := krefs.NewTable(txn)
	clist := translator.NewCList(txn, vatID)

	kref, err := table.AllocateObject(ctx, vatID)
	if err != nil {
		_ = txn.Rollback(ctx)
		return krefs.Kref{}, err
	}
	if err := clist.Insert(ctx, kref, translator.Vref{Kind: translator.VKindObject, Export: true, Number: 0}); err != nil {
		_ = txn.Rollback(ctx)
		return krefs.Kref{}, err
	}
	if err := txn.Commit(ctx); err != nil {
		return krefs.Kref{}, err
	}
	return kref, nil
}

func (k *Kernel) bumpBackendLoad(ctx context.Context, backendID string, delta int) {
	node, err := k.backends.GetNode(backendID)
	if err != nil {
		return
	}
	if err := k.backends.UpdateHeartbeat(ctx, backendID, node.ActiveLoad+delta, node.QueueDepth); err != nil {
		logging.Op().Warn("failed to update backend load", "backend", backendID, "error", err)
	}
}

// TerminateVat runs the termination sweep: every promise
// the vat still decides is auto-rejected, its c-list is torn down, its
// worker is stopped, and every object it owned is marked terminal so the
// reaper retires them without waiting for refcounts to drain.
func (k *Kernel) TerminateVat(ctx context.Context, vatID string) error {
	rec, ok, err := k.getVatRecord(ctx, vatID)
	if err != nil {
		return err
	}
	if !ok {
		return kernelerrors.ErrVatNotFound(vatID)
	}
	if rec.State == VatTerminated {
		return kernelerrors.ErrVatDeleted(vatID)
	}

	rec.State = VatTerminating
	if err := k.putVatRecord(ctx, rec); err != nil {
		return err
	}

	if err := k.rejectOutstandingAndTeardown(ctx, vatID); err != nil {
		return err
	}

	k.mu.Lock()
	w, ok := k.workers[vatID]
	delete(k.workers, vatID)
	k.mu.Unlock()
	if ok {
		if err := w.Terminate(ctx); err != nil {
			logging.Op().Warn("worker terminate error", "vat", vatID, "error", err)
		}
	}

	if rec.BackendID != "" {
		k.bumpBackendLoad(ctx, rec.BackendID, -1)
	}
	if rec.Subcluster != "" {
		k.leaveSubcluster(rec.Subcluster, vatID)
	}

	rec.State = VatTerminated
	if err := k.putVatRecord(ctx, rec); err != nil {
		return err
	}
	logging.Op().Info("vat terminated", "vat", vatID)
	metrics.RecordVatTerminated()
	metrics.Global().RecordVatTerminated()
	return nil
}

// rejectOutstandingAndTeardown runs the store-side half of termination in
// a single transaction: reject every promise vatID still decides, mark
// its exports terminal for the reaper, and destroy its c-list.
func (k *Kernel) rejectOutstandingAndTeardown(ctx context.Context, vatID string) error {
	txn, err := k.store.BeginCrank(ctx)
	if err != nil {
		return fmt.Errorf("kernel: begin termination transaction: %w", err)
	}
	table := krefs.NewTable(txn)
	clist := translator.NewCList(txn, vatID)
	resolver := promise.NewResolver(table, runqueue.New(txn, k.notifier))

	outstanding, err := table.ListUnresolvedByDecider(ctx, vatID)
	if err != nil {
		_ = txn.Rollback(ctx)
		return err
	}
	reason := krefs.CapData{Body: `"vat terminated"`}
	for _, p := range outstanding {
		if err := resolver.RejectAsKernel(ctx, p, reason); err != nil {
			_ = txn.Rollback(ctx)
			return err
		}
	}

	if err := table.SetOwnerTerminal(ctx, vatID); err != nil {
		_ = txn.Rollback(ctx)
		return err
	}
	if err := clist.Destroy(ctx); err != nil {
		_ = txn.Rollback(ctx)
		return err
	}

	return txn.Commit(ctx)
}

// RestartVat kills and relaunches vatID's worker in place: the vat's
// c-list, vatstore partition, root object, and decided promises all
// survive. Vats are stateless between cranks except for their vatstore,
// so no queue history is replayed — the next queued delivery proceeds
// normally against the fresh worker. Called by onCrankFault (automatic)
// or directly by an operator.
func (k *Kernel) RestartVat(ctx context.Context, vatID string) error {
	rec, ok, err := k.getVatRecord(ctx, vatID)
	if err != nil {
		return err
	}
	if !ok {
		return kernelerrors.ErrVatNotFound(vatID)
	}
	if rec.State == VatTerminated || rec.State == VatTerminating {
		return kernelerrors.ErrVatDeleted(vatID)
	}

	rec.State = VatPaused
	if err := k.putVatRecord(ctx, rec); err != nil {
		return err
	}

	k.mu.Lock()
	w, hadWorker := k.workers[vatID]
	delete(k.workers, vatID)
	k.mu.Unlock()
	if hadWorker {
		if err := w.Terminate(ctx); err != nil {
			logging.Op().Warn("worker terminate error", "vat", vatID, "error", err)
		}
	}

	backend, err := k.selectBackend()
	if err != nil {
		return fmt.Errorf("kernel: restart vat %q: %w", vatID, err)
	}
	nw, err := k.launcher(ctx, vatID, backend, rec.Bundle)
	if err != nil {
		return fmt.Errorf("kernel: relaunch worker for vat %q: %w", vatID, err)
	}
	if err := nw.Launch(ctx, vatID, rec.Bundle); err != nil {
		return fmt.Errorf("kernel: worker relaunch handshake for vat %q: %w", vatID, err)
	}

	k.mu.Lock()
	k.workers[vatID] = nw
	k.mu.Unlock()

	if backend != nil && backend.ID != rec.BackendID {
		if rec.BackendID != "" {
			k.bumpBackendLoad(ctx, rec.BackendID, -1)
		}
		k.bumpBackendLoad(ctx, backend.ID, 1)
		rec.BackendID = backend.ID
	}

	rec.State = VatRunning
	rec.RestartCount++
	if err := k.putVatRecord(ctx, rec); err != nil {
		return err
	}
	logging.Op().Info("vat restarted", "vat", vatID, "restarts", rec.RestartCount)
	metrics.RecordVatRestart(vatID)
	metrics.Global().RecordVatRestart()
	return nil
}

// vatExists reports whether vatID has any non-terminated record, used by
// syscall/operator paths that need to validate a target before queuing
// work against it.
func (k *Kernel) vatExists(ctx context.Context, vatID string) (bool, error) {
	rec, ok, err := k.getVatRecord(ctx, vatID)
	if err != nil || !ok {
		return false, err
	}
	return rec.State != VatTerminated, nil
}
