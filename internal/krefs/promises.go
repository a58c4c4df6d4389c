package krefs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ocap-kernel/kernel/internal/kvstore"
)

// PromiseState is the promise lifecycle state: a promise
// starts unresolved, and is resolved exactly once, either fulfilled or
// rejected.
type PromiseState string

const (
	PromiseUnresolved PromiseState = "unresolved"
	PromiseFulfilled  PromiseState = "fulfilled"
	PromiseRejected   PromiseState = "rejected"
)

// KernelPseudoVat is the decider identity used for a promise the kernel
// itself has introduced but not yet handed to an owning vat: the result
// promise of a send syscall and the operator queueMessage RPC's
// introduced promises both start out decided by this pseudo-vat until
// the send lands at a real vat.
const KernelPseudoVat = "kernel"

// CapData is the kernel's wire representation of a marshalled value: a
// body string plus the kref slots it references.
type CapData struct {
	Body  string   `json:"body"`
	Slots []string `json:"slots"`
}

// PipelinedCall is a message sent to an as-yet-unresolved promise's
// eventual value (E(p).method(...)). The kernel holds these in FIFO order
// and splices them onto the run queue, addressed to the resolution's
// target, the moment the promise settles.
type PipelinedCall struct {
	Target  Kref     `json:"target"` // the promise kref this call was queued against
	Method  string   `json:"method"`
	Args    CapData  `json:"args"`
	ResultP Kref     `json:"result_p,omitempty"` // kref of the promise for *this* call's own result, if any
}

// PromiseRecord is the per-kp bookkeeping: decider, subscriber set,
// pipelined queue, and (once resolved) the settled value.
type PromiseRecord struct {
	State       PromiseState    `json:"state"`
	Decider     string          `json:"decider"` // vatId, or "" once resolved
	Subscribers []string        `json:"subscribers"`
	Pipelined   []PipelinedCall `json:"pipelined,omitempty"`
	Value       *CapData        `json:"value,omitempty"`
}

func (r *PromiseRecord) MarshalBinary() ([]byte, error)  { return json.Marshal(r) }
func (r *PromiseRecord) UnmarshalBinary(b []byte) error { return json.Unmarshal(b, r) }

func promiseKey(k Kref) string { return fmt.Sprintf("%s.rec", k) }

// AllocatePromise assigns a fresh promise kref decided by decider
// (normally the vat that will eventually resolve it).
func (t *Table) AllocatePromise(ctx context.Context, decider string) (Kref, error) {
	n, err := nextID(ctx, t.store, "kp")
	if err != nil {
		return Kref{}, err
	}
	kref := Kref{Kind: KindPromise, N: n}
	rec := &PromiseRecord{State: PromiseUnresolved, Decider: decider}
	if err := t.putPromise(ctx, kref, rec); err != nil {
		return Kref{}, err
	}
	return kref, nil
}

func (t *Table) putPromise(ctx context.Context, k Kref, r *PromiseRecord) error {
	b, err := r.MarshalBinary()
	if err != nil {
		return err
	}
	return t.store.Set(ctx, promiseKey(k), b)
}

// GetPromise returns the live record for k.
func (t *Table) GetPromise(ctx context.Context, k Kref) (*PromiseRecord, bool, error) {
	b, ok, err := t.store.Get(ctx, promiseKey(k))
	if err != nil || !ok {
		return nil, ok, err
	}
	rec := &PromiseRecord{}
	if err := rec.UnmarshalBinary(b); err != nil {
		return nil, false, fmt.Errorf("krefs: decode promise record %s: %w", k, err)
	}
	return rec, true, nil
}

// Subscribe adds vatID to k's subscriber set. Idempotent: subscribing the
// same vat twice leaves the set unchanged, so a subscriber is notified
// at most once per resolution.
func (t *Table) Subscribe(ctx context.Context, k Kref, vatID string) error {
	rec, ok, err := t.GetPromise(ctx, k)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("krefs: subscribe to unknown promise %s", k)
	}
	for _, s := range rec.Subscribers {
		if s == vatID {
			return nil
		}
	}
	rec.Subscribers = append(rec.Subscribers, vatID)
	return t.putPromise(ctx, k, rec)
}

// Pipeline appends a call addressed to k's eventual resolution. A k that
// is already resolved is refused with an error; promise.Resolver.RouteSend
// checks state before calling this and routes a send to a resolved
// promise by its settled value instead.
func (t *Table) Pipeline(ctx context.Context, k Kref, call PipelinedCall) error {
	rec, ok, err := t.GetPromise(ctx, k)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("krefs: pipeline onto unknown promise %s", k)
	}
	if rec.State != PromiseUnresolved {
		return fmt.Errorf("krefs: pipeline onto already-resolved promise %s", k)
	}
	rec.Pipelined = append(rec.Pipelined, call)
	return t.putPromise(ctx, k, rec)
}

// ReassignDecider changes k's decider, used when a kernel-owned result
// promise created by a send syscall lands at its target vat and that vat
// becomes responsible for resolving it.
func (t *Table) ReassignDecider(ctx context.Context, k Kref, vatID string) error {
	rec, ok, err := t.GetPromise(ctx, k)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("krefs: reassign decider of unknown promise %s", k)
	}
	if rec.State != PromiseUnresolved {
		return nil // already settled, nothing to reassign
	}
	rec.Decider = vatID
	return t.putPromise(ctx, k, rec)
}

// Resolve settles k exactly once. Returns an error if k was already
// resolved (resolution is not idempotent at this layer — the resolver in
// internal/promise is responsible for treating a second resolvePromise
// syscall for the same kref as a vat bug).
func (t *Table) Resolve(ctx context.Context, k Kref, rejected bool, value CapData) (*PromiseRecord, error) {
	rec, ok, err := t.GetPromise(ctx, k)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("krefs: resolve unknown promise %s", k)
	}
	if rec.State != PromiseUnresolved {
		return nil, fmt.Errorf("krefs: promise %s already resolved", k)
	}
	rec.State = PromiseFulfilled
	if rejected {
		rec.State = PromiseRejected
	}
	rec.Decider = ""
	rec.Value = &value
	if err := t.putPromise(ctx, k, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ClearPipeline empties k's pipelined queue once every entry has been
// spliced onto the run queue by the resolver.
func (t *Table) ClearPipeline(ctx context.Context, k Kref) error {
	rec, ok, err := t.GetPromise(ctx, k)
	if err != nil || !ok {
		return err
	}
	rec.Pipelined = nil
	return t.putPromise(ctx, k, rec)
}

// ListUnresolvedByDecider returns every promise kref still decided by
// vatID, used during vat termination to auto-reject outstanding
// promises.
func (t *Table) ListUnresolvedByDecider(ctx context.Context, vatID string) ([]Kref, error) {
	rows, err := t.store.ExecuteQuery(ctx, kvstore.Scan{Prefix: "kp"})
	if err != nil {
		return nil, err
	}
	var out []Kref
	for _, row := range rows {
		rec := &PromiseRecord{}
		if err := rec.UnmarshalBinary(row.Value); err != nil {
			continue
		}
		if rec.State != PromiseUnresolved || rec.Decider != vatID {
			continue
		}
		k, err := ParseKref(row.Key[:len(row.Key)-len(".rec")])
		if err != nil {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}
