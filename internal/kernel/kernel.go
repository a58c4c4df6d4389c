// Package kernel is the façade: it owns the durable store, the run queue,
// the vat worker registry, the GC reaper, and the subcluster/backend
// placement registries, and exposes the operator-facing operations
// (launch/terminate/restart a vat, queue a message, collect garbage,
// clear state, inspect status) plus their subcluster-scoped and
// snapshot variants.
//
// Grounded on a typed request/response service shape: a
// typed request/response struct per operation, validated against
// kernelerrors sentinels before the store is ever touched.
package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ocap-kernel/kernel/internal/circuitbreaker"
	"github.com/ocap-kernel/kernel/internal/cluster"
	"github.com/ocap-kernel/kernel/internal/gc"
	"github.com/ocap-kernel/kernel/internal/kvstore"
	"github.com/ocap-kernel/kernel/internal/logging"
	"github.com/ocap-kernel/kernel/internal/metrics"
	"github.com/ocap-kernel/kernel/internal/queue"
	"github.com/ocap-kernel/kernel/internal/runqueue"
	"github.com/ocap-kernel/kernel/internal/vathost"
	"github.com/ocap-kernel/kernel/internal/worker"
)

// schemaVersion gates forward migrations. Stored at the fixed key
// schemaVersionKey and checked on Open; a store stamped with a higher
// version than this binary's (one written by a newer binary) is refused
// rather than silently reinterpreted.
const schemaVersion = 1

const schemaVersionKey = "kernel.schemaVersion"

// RestartPolicy configures the per-vat circuit breaker that gates
// automatic restarts after a crank fault.
type RestartPolicy struct {
	ErrorPct       float64
	WindowDuration time.Duration
	OpenDuration   time.Duration
	HalfOpenProbes int
}

// DefaultRestartPolicy mirrors a conventional default breaker
// tuning, applied per vat instead of per function.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		ErrorPct:       50,
		WindowDuration: 30 * time.Second,
		OpenDuration:   10 * time.Second,
		HalfOpenProbes: 1,
	}
}

// Config bundles Kernel's tunables.
type Config struct {
	GCInterval    time.Duration
	RestartPolicy RestartPolicy
}

// DefaultConfig returns production-reasonable defaults.
func DefaultConfig() Config {
	return Config{
		GCInterval:    2 * time.Second,
		RestartPolicy: DefaultRestartPolicy(),
	}
}

// Kernel is the top-level façade. One Kernel owns exactly one store.
type Kernel struct {
	store    kvstore.Store
	notifier queue.Notifier
	queue    *runqueue.Queue
	host     *vathost.Host
	reaper   *gc.Reaper
	breakers *circuitbreaker.Registry
	backends *cluster.Registry

	cfg Config

	mu          sync.RWMutex
	workers     map[string]worker.Worker // vatID -> live worker handle
	subclusters map[string]*cluster.Registry

	launcher WorkerLauncher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WorkerLauncher constructs a worker.Worker for a vat given the backend
// node it was placed on. The kernel façade does not itself know how to
// spin up a subprocess or an in-process goroutine worker — that is
// supplied by the caller (cmd/kerneld wires worker/subprocess or
// worker/inproc depending on configuration).
type WorkerLauncher func(ctx context.Context, vatID string, backend *cluster.Node, bundle []byte) (worker.Worker, error)

// Open opens a Kernel over an already-constructed store and notifier,
// checking and stamping the schema version. cfg's zero value is replaced
// with DefaultConfig.
func Open(ctx context.Context, store kvstore.Store, notifier queue.Notifier, launcher WorkerLauncher, cfg Config) (*Kernel, error) {
	if notifier == nil {
		notifier = queue.NewNoopNotifier()
	}
	if cfg.GCInterval <= 0 {
		cfg = DefaultConfig()
	}

	if err := checkSchemaVersion(ctx, store); err != nil {
		return nil, err
	}

	k := &Kernel{
		store:       store,
		notifier:    notifier,
		queue:       runqueue.New(store, notifier),
		breakers:    circuitbreaker.NewRegistry(),
		backends:    cluster.NewRegistry(store, cluster.DefaultConfig("backends")),
		cfg:         cfg,
		workers:     make(map[string]worker.Worker),
		subclusters: make(map[string]*cluster.Registry),
		launcher:    launcher,
	}
	k.host = vathost.New(store, k, k.onCrankFault)
	k.reaper = gc.New(store, notifier, cfg.GCInterval)

	if err := k.backends.LoadFromStore(ctx); err != nil {
		return nil, fmt.Errorf("kernel: load backend registry: %w", err)
	}
	if err := k.loadSubclusters(ctx); err != nil {
		return nil, err
	}
	return k, nil
}

func checkSchemaVersion(ctx context.Context, store kvstore.Store) error {
	b, ok, err := store.Get(ctx, schemaVersionKey)
	if err != nil {
		return fmt.Errorf("kernel: read schema version: %w", err)
	}
	if !ok {
		return store.Set(ctx, schemaVersionKey, []byte(fmt.Sprintf("%d", schemaVersion)))
	}
	var stored int
	fmt.Sscanf(string(b), "%d", &stored)
	if stored > schemaVersion {
		return fmt.Errorf("kernel: store schema version %d is newer than this binary supports (%d)", stored, schemaVersion)
	}
	// Forward migrations from an older stored version would run here, in
	// ascending order, each stamping the new version on success. None are
	// needed yet: schemaVersion has never moved past its initial value.
	return nil
}

// WorkerFor implements vathost.Registry.
func (k *Kernel) WorkerFor(vatID string) (worker.Worker, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	w, ok := k.workers[vatID]
	return w, ok
}

// VatLive implements vathost.Registry: a vat counts as live while its
// record exists and has not reached the terminated state, even if its
// worker is momentarily gone mid-restart.
func (k *Kernel) VatLive(ctx context.Context, vatID string) (bool, error) {
	return k.vatExists(ctx, vatID)
}

// onCrankFault is vathost.Host's fault callback: it charges the vat's
// circuit breaker and, while the breaker still allows it, schedules a
// restart. Once the breaker opens, repeated faults stop triggering
// restarts and the vat surfaces as faulted until an operator
// intervenes, so the kernel stops immediately retrying a hot-looping
// vat.
func (k *Kernel) onCrankFault(vatID string, err error) {
	logging.Op().Warn("vat fault", "vat", vatID, "error", err)
	b := k.breakers.Get(vatID, circuitbreaker.Config{
		ErrorPct:       k.cfg.RestartPolicy.ErrorPct,
		WindowDuration: k.cfg.RestartPolicy.WindowDuration,
		OpenDuration:   k.cfg.RestartPolicy.OpenDuration,
		HalfOpenProbes: k.cfg.RestartPolicy.HalfOpenProbes,
	})
	if b == nil || !b.Allow() {
		if b != nil {
			b.RecordFailure()
			recordBreakerState(vatID, b)
		}
		logging.Op().Warn("vat restart backoff open, not restarting", "vat", vatID)
		return
	}
	b.RecordFailure()
	recordBreakerState(vatID, b)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := k.RestartVat(ctx, vatID); err != nil {
			logging.Op().Error("vat restart failed", "vat", vatID, "error", err)
		}
	}()
}

// Run starts the crank loop and the GC reaper as background goroutines,
// returning once both are scheduled. Call Shutdown to stop them.
func (k *Kernel) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	k.cancel = cancel

	k.wg.Add(2)
	go func() {
		defer k.wg.Done()
		k.crankLoop(ctx)
	}()
	go func() {
		defer k.wg.Done()
		k.reaper.Run(ctx)
	}()
}

func (k *Kernel) crankLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		ok, err := k.host.RunOne(ctx, k.queue)
		if err != nil {
			logging.Op().Error("crank loop error", "error", err)
			continue
		}
		if ok {
			continue // more work may be queued; loop without waiting
		}
		if err := k.queue.WaitForWork(ctx); err != nil {
			return
		}
	}
}

// Shutdown stops the crank loop and reaper and blocks until both have
// returned, then shuts down vathost's in-flight crank tracking.
func (k *Kernel) Shutdown() {
	if k.cancel != nil {
		k.cancel()
	}
	k.wg.Wait()
	k.host.Shutdown()
	_ = k.notifier.Close()
}

// subclusterNamespacePrefix is the fixed prefix cluster.Registry derives
// its storage keys from for a subcluster named name (registry.go's
// Registry.key: "cluster.<namespace>.<nodeID>").
func subclusterNamespacePrefix() string { return "cluster.subcluster." }

// loadSubclusters rediscovers every subcluster with at least one
// persisted member by scanning the cluster registries' own keyspace —
// subclusters have no separate index record, their existence is implied
// by having member rows under cluster.subcluster.<name>.<vatID>.
func (k *Kernel) loadSubclusters(ctx context.Context) error {
	prefix := subclusterNamespacePrefix()
	rows, err := k.store.ExecuteQuery(ctx, kvstore.Scan{Prefix: prefix})
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, row := range rows {
		rest := row.Key[len(prefix):] // "<name>.<vatID>"
		var name string
		for i := 0; i < len(rest); i++ {
			if rest[i] == '.' {
				name = rest[:i]
				break
			}
		}
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		reg := cluster.NewRegistry(k.store, cluster.DefaultConfig("subcluster."+name))
		if err := reg.LoadFromStore(ctx); err != nil {
			return err
		}
		k.subclusters[name] = reg
	}
	return nil
}

// recordBreakerState reports a vat's restart breaker state to the
// Prometheus metric store, including a trip event whenever the state differs from closed.
func recordBreakerState(vatID string, b *circuitbreaker.Breaker) {
	state := b.State()
	metrics.SetBreakerState(vatID, int(state))
	if state != circuitbreaker.StateClosed {
		metrics.RecordBreakerTrip(vatID, state.String())
	}
}
