// Package promise implements promise resolution: the decider-checked
// resolvePromise syscall, subscriber fan-out via notify entries, and the
// pipelining splice rule that re-routes calls queued against an
// unresolved promise once it settles. The propagation
// shape mirrors a workflow DAG's readiness fan-out: resolving a promise
// is this kernel's analogue of a node finishing and waking every
// dependent that was blocked on it.
package promise

import (
	"context"
	"fmt"

	"github.com/ocap-kernel/kernel/internal/kernelerrors"
	"github.com/ocap-kernel/kernel/internal/krefs"
	"github.com/ocap-kernel/kernel/internal/runqueue"
)

// Resolver settles promises and fans their resolution out to subscribers
// and pipelined callers.
type Resolver struct {
	table *krefs.Table
	queue *runqueue.Queue
}

func NewResolver(table *krefs.Table, queue *runqueue.Queue) *Resolver {
	return &Resolver{table: table, queue: queue}
}

// Resolution is one entry of a resolvePromise syscall's batch argument.
type Resolution struct {
	Promise  krefs.Kref
	Rejected bool
	Value    krefs.CapData
}

// Subscribe implements the subscribe(kpid) syscall: vatID is added to
// p's subscriber set, a no-op if already present. If p is already resolved, the caller (vathost) is
// responsible for synthesizing the notify immediately instead of
// calling this method — Subscribe only manages unresolved promises.
func (r *Resolver) Subscribe(ctx context.Context, p krefs.Kref, vatID string) error {
	return r.table.Subscribe(ctx, p, vatID)
}

// Pipeline implements the eventual-send path: a call addressed to p's
// future value is queued rather than delivered immediately, since p has
// not settled yet.
func (r *Resolver) Pipeline(ctx context.Context, p krefs.Kref, call krefs.PipelinedCall) error {
	return r.table.Pipeline(ctx, p, call)
}

// Resolve settles each resolution in order, requiring deciderVatID to be
// the current decider of every promise in the batch — a vat resolving a
// promise it does not decide is a c-list violation. All resolutions take
// effect atomically with the rest of the crank's transaction, since this
// runs inside the same kvstore.Txn as everything else in the crank.
func (r *Resolver) Resolve(ctx context.Context, deciderVatID string, resolutions []Resolution) error {
	for _, res := range resolutions {
		if err := r.resolveOne(ctx, deciderVatID, res); err != nil {
			return err
		}
	}
	return nil
}

// RejectAsKernel settles p as rejected on the kernel's own authority,
// bypassing the decider check: a faulted delivery's result promise and a
// terminated vat's outstanding promises are rejected by the kernel, not
// by a vat's resolve syscall. Subscribers are notified and pipelined
// calls rejected the same way a vat-initiated rejection would. Rejecting
// a promise that is already settled (or has no record) is a no-op, so
// fault cleanup and the termination sweep can overlap safely.
func (r *Resolver) RejectAsKernel(ctx context.Context, p krefs.Kref, value krefs.CapData) error {
	return r.settleAsKernel(ctx, p, true, value)
}

// settleAsKernel is the kernel-authority settling path shared by
// RejectAsKernel and RouteSend's short-circuit cases: no decider check,
// full subscriber/pipeline fan-out, no-op on a promise that is already
// settled or unknown.
func (r *Resolver) settleAsKernel(ctx context.Context, p krefs.Kref, rejected bool, value krefs.CapData) error {
	rec, ok, err := r.table.GetPromise(ctx, p)
	if err != nil {
		return err
	}
	if !ok || rec.State != krefs.PromiseUnresolved {
		return nil
	}
	settled, err := r.table.Resolve(ctx, p, rejected, value)
	if err != nil {
		return err
	}
	if err := r.notifySubscribers(ctx, p, settled.Subscribers); err != nil {
		return err
	}
	if err := r.splicePipelined(ctx, p, settled); err != nil {
		return err
	}
	return r.table.ClearPipeline(ctx, p)
}

func (r *Resolver) resolveOne(ctx context.Context, deciderVatID string, res Resolution) error {
	rec, ok, err := r.table.GetPromise(ctx, res.Promise)
	if err != nil {
		return err
	}
	if !ok {
		return kernelerrors.ErrCListViolation(deciderVatID, fmt.Sprintf("resolve unknown promise %s", res.Promise))
	}
	if rec.State != krefs.PromiseUnresolved {
		return kernelerrors.ErrCListViolation(deciderVatID, fmt.Sprintf("promise %s already resolved", res.Promise))
	}
	if rec.Decider != deciderVatID {
		return kernelerrors.ErrCListViolation(deciderVatID, fmt.Sprintf("vat is not decider of promise %s", res.Promise))
	}

	settled, err := r.table.Resolve(ctx, res.Promise, res.Rejected, res.Value)
	if err != nil {
		return err
	}

	if err := r.notifySubscribers(ctx, res.Promise, settled.Subscribers); err != nil {
		return err
	}
	if err := r.splicePipelined(ctx, res.Promise, settled); err != nil {
		return err
	}
	return r.table.ClearPipeline(ctx, res.Promise)
}

// notifySubscribers enqueues one notify entry per subscriber. Vats enter
// the subscriber set only through Subscribe, which suppresses duplicates,
// so this produces exactly one notify per vat regardless of how many
// times it subscribed. Translating a promise into a vat's c-list does not
// by itself add the vat to the subscriber set.
func (r *Resolver) notifySubscribers(ctx context.Context, p krefs.Kref, subscribers []string) error {
	for _, vatID := range subscribers {
		_, err := r.queue.Push(ctx, runqueue.Entry{
			Kind:   runqueue.KindNotify,
			VatID:  vatID,
			Notify: &runqueue.NotifyPayload{Promise: p},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// maxResolutionHops bounds RouteSend's chase through chains of resolved
// promises, so a pair of promises resolved to each other cannot spin the
// router forever.
const maxResolutionHops = 32

// RouteSend addresses a call at target, chasing chains of resolved
// promises until it reaches an object or a promise that has not settled
// yet. An unresolved promise anywhere along the chain gets the call
// pipelined onto its own queue — never the main run queue — so the call
// is delivered only once that promise settles, in its queued order. An
// object target lands on the main run queue for the owning vat. A
// rejected promise, or a fulfilled one whose value is not a single
// reference, settles the call's result promise directly instead of
// delivering anywhere. senderVatID attributes protocol violations; the
// kernel pseudo-vat is a valid sender.
func (r *Resolver) RouteSend(ctx context.Context, senderVatID string, target krefs.Kref, method string, args krefs.CapData, resultP krefs.Kref) error {
	for hops := 0; target.Kind == krefs.KindPromise; hops++ {
		if hops >= maxResolutionHops {
			return kernelerrors.ErrCListViolation(senderVatID, fmt.Sprintf("send: resolution chain through %s exceeds %d hops", target, maxResolutionHops))
		}
		rec, ok, err := r.table.GetPromise(ctx, target)
		if err != nil {
			return err
		}
		if !ok {
			return kernelerrors.ErrCListViolation(senderVatID, "send: unknown target promise "+target.String())
		}
		switch rec.State {
		case krefs.PromiseUnresolved:
			return r.table.Pipeline(ctx, target, krefs.PipelinedCall{
				Target:  target,
				Method:  method,
				Args:    args,
				ResultP: resultP,
			})
		case krefs.PromiseRejected:
			if resultP.IsZero() {
				return nil
			}
			return r.settleAsKernel(ctx, resultP, true, *rec.Value)
		case krefs.PromiseFulfilled:
			if next, ok := singleSlotTarget(rec.Value); ok {
				target = next
				continue
			}
			if resultP.IsZero() {
				return nil
			}
			return r.settleAsKernel(ctx, resultP, false, *rec.Value)
		}
	}

	ownerVatID, err := r.ownerOf(ctx, target)
	if err != nil {
		return err
	}
	_, err = r.queue.Push(ctx, runqueue.Entry{
		Kind:  runqueue.KindSend,
		VatID: ownerVatID,
		Send: &runqueue.SendPayload{
			Target:  target,
			Method:  method,
			Args:    args,
			ResultP: resultP,
		},
	})
	return err
}

// splicePipelined re-routes every call that was queued against p while it
// was still unresolved. A rejected promise rejects every pipelined call's
// own result promise instead of delivering it anywhere; a fulfilled
// promise hands each call back to RouteSend, which chases the resolution
// to an object or re-pipelines onto a still-unresolved promise.
func (r *Resolver) splicePipelined(ctx context.Context, p krefs.Kref, settled *krefs.PromiseRecord) error {
	for _, call := range settled.Pipelined {
		if settled.State == krefs.PromiseRejected {
			if call.ResultP.IsZero() {
				continue
			}
			if err := r.settleAsKernel(ctx, call.ResultP, true, *settled.Value); err != nil {
				return err
			}
			continue
		}

		target, ok := singleSlotTarget(settled.Value)
		if !ok {
			// Resolved to a composite or reference-free value: there is
			// nothing to deliver the call to, so its result settles with
			// that value directly.
			if call.ResultP.IsZero() {
				continue
			}
			if err := r.settleAsKernel(ctx, call.ResultP, false, *settled.Value); err != nil {
				return err
			}
			continue
		}
		if err := r.RouteSend(ctx, krefs.KernelPseudoVat, target, call.Method, call.Args, call.ResultP); err != nil {
			return err
		}
	}
	return nil
}

// singleSlotTarget extracts the single kref a fulfilled promise resolved
// to, when its capdata is a bare slot reference (the common case for an
// object-valued resolution). ok=false for composite or slot-free values.
func singleSlotTarget(value *krefs.CapData) (krefs.Kref, bool) {
	if value == nil || len(value.Slots) != 1 {
		return krefs.Kref{}, false
	}
	k, err := krefs.ParseKref(value.Slots[0])
	if err != nil {
		return krefs.Kref{}, false
	}
	return k, true
}

// ownerOf looks up the vat RouteSend should queue a delivery for once the
// chase has bottomed out on an object kref.
func (r *Resolver) ownerOf(ctx context.Context, target krefs.Kref) (string, error) {
	rec, ok, err := r.table.GetObject(ctx, target)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("promise: send target %s has no record", target)
	}
	return rec.Owner, nil
}
