package vathost

import (
	"context"
	"fmt"

	"github.com/ocap-kernel/kernel/internal/kernelerrors"
	"github.com/ocap-kernel/kernel/internal/krefs"
	"github.com/ocap-kernel/kernel/internal/kvstore"
	"github.com/ocap-kernel/kernel/internal/observability"
	"github.com/ocap-kernel/kernel/internal/promise"
	"github.com/ocap-kernel/kernel/internal/runqueue"
	"github.com/ocap-kernel/kernel/internal/translator"
	"github.com/ocap-kernel/kernel/internal/worker"
)

// crank holds everything needed to process exactly one run-queue entry
// against exactly one vat, all scoped to a single kvstore.Txn.
type crank struct {
	ctx      context.Context
	txn      kvstore.Txn
	table    *krefs.Table
	clist    *translator.CList
	tr       *translator.Translator
	resolver *promise.Resolver
	queue    *runqueue.Queue
	vatID    string
	worker   worker.Worker
}

// run builds the Delivery for entry, dispatches it to the worker, and
// services every syscall the worker emits until the worker reports its
// Outcome.
func (c *crank) run(entry runqueue.Entry) (worker.Outcome, error) {
	delivery, err := c.buildDelivery(entry)
	if err != nil {
		return worker.Outcome{}, err
	}

	syscalls := make(chan worker.Syscall)
	outcomeCh := make(chan deliverResult, 1)
	go func() {
		out, err := c.worker.Deliver(c.ctx, delivery, syscalls)
		outcomeCh <- deliverResult{out, err}
	}()

	seq := 0
	for {
		select {
		case sc := <-syscalls:
			sc.Seq = seq
			seq++
			if err := c.handleSyscall(sc); err != nil {
				return worker.Outcome{Faulted: true, FaultMsg: err.Error()}, nil
			}
		case res := <-outcomeCh:
			if res.err != nil {
				return worker.Outcome{}, fmt.Errorf("vathost: deliver to vat %q: %w", c.vatID, res.err)
			}
			return res.outcome, nil
		case <-c.ctx.Done():
			return worker.Outcome{}, c.ctx.Err()
		}
	}
}

type deliverResult struct {
	outcome worker.Outcome
	err     error
}

// buildDelivery translates entry's kernel-kref payload into the target
// vat's c-list, producing the vref-addressed Delivery the worker expects.
func (c *crank) buildDelivery(entry runqueue.Entry) (worker.Delivery, error) {
	d, err := c.dispatchDelivery(entry)
	if err != nil {
		return worker.Delivery{}, err
	}
	d.Trace = observability.ExtractTraceContext(c.ctx)
	return d, nil
}

func (c *crank) dispatchDelivery(entry runqueue.Entry) (worker.Delivery, error) {
	switch entry.Kind {
	case runqueue.KindSend:
		return c.buildSendDelivery(entry)
	case runqueue.KindNotify:
		return c.buildNotifyDelivery(entry)
	case runqueue.KindGC:
		return c.buildGCDelivery(entry)
	case runqueue.KindBringOutYourDead:
		return worker.Delivery{Kind: worker.DeliveryBringOutYourDead}, nil
	default:
		return worker.Delivery{}, kernelerrors.ErrCListViolation(c.vatID, fmt.Sprintf("unknown run queue entry kind %q", entry.Kind))
	}
}

func (c *crank) buildSendDelivery(entry runqueue.Entry) (worker.Delivery, error) {
	send := entry.Send
	if send == nil {
		return worker.Delivery{}, kernelerrors.ErrCListViolation(c.vatID, "send entry missing payload")
	}

	targetVref, err := c.tr.ImportToVat(c.ctx, send.Target, c.table)
	if err != nil {
		return worker.Delivery{}, err
	}
	body, slots, err := c.tr.TranslateOut(c.ctx, send.Args.Body, capDataSlots(send.Args), c.table)
	if err != nil {
		return worker.Delivery{}, err
	}

	d := worker.Delivery{
		Kind:   worker.DeliverySend,
		Target: targetVref.String(),
		Method: send.Method,
		Args:   worker.VCapData{Body: body, Slots: slots},
	}

	if !send.ResultP.IsZero() {
		if err := c.table.ReassignDecider(c.ctx, send.ResultP, c.vatID); err != nil {
			return worker.Delivery{}, err
		}
		resultVref, err := c.tr.ImportToVat(c.ctx, send.ResultP, c.table)
		if err != nil {
			return worker.Delivery{}, err
		}
		d.ResultP = resultVref.String()
	}
	return d, nil
}

func (c *crank) buildNotifyDelivery(entry runqueue.Entry) (worker.Delivery, error) {
	notify := entry.Notify
	if notify == nil {
		return worker.Delivery{}, kernelerrors.ErrCListViolation(c.vatID, "notify entry missing payload")
	}
	rec, ok, err := c.table.GetPromise(c.ctx, notify.Promise)
	if err != nil {
		return worker.Delivery{}, err
	}
	if !ok {
		return worker.Delivery{}, kernelerrors.ErrCListViolation(c.vatID, fmt.Sprintf("notify for unknown promise %s", notify.Promise))
	}
	promiseVref, err := c.tr.ImportToVat(c.ctx, notify.Promise, c.table)
	if err != nil {
		return worker.Delivery{}, err
	}

	var body string
	var slots []string
	if rec.Value != nil {
		body, slots, err = c.tr.TranslateOut(c.ctx, rec.Value.Body, rec.Value.Slots, c.table)
		if err != nil {
			return worker.Delivery{}, err
		}
	}

	return worker.Delivery{
		Kind:    worker.DeliveryNotify,
		Promise: promiseVref.String(),
		State:   rec.State,
		Value:   worker.VCapData{Body: body, Slots: slots},
	}, nil
}

func (c *crank) buildGCDelivery(entry runqueue.Entry) (worker.Delivery, error) {
	gc := entry.GC
	if gc == nil {
		return worker.Delivery{}, kernelerrors.ErrCListViolation(c.vatID, "gc entry missing payload")
	}
	d := worker.Delivery{Kind: worker.DeliveryGC}
	var err error
	if d.DropExports, err = c.vrefsFor(gc.DropExports); err != nil {
		return worker.Delivery{}, err
	}
	if d.RetireImports, err = c.vrefsFor(gc.RetireImports); err != nil {
		return worker.Delivery{}, err
	}
	if d.RetireExports, err = c.vrefsFor(gc.RetireExports); err != nil {
		return worker.Delivery{}, err
	}
	return d, nil
}

func (c *crank) vrefsFor(krefList []krefs.Kref) ([]string, error) {
	out := make([]string, 0, len(krefList))
	for _, k := range krefList {
		v, ok, err := c.clist.LookupVref(c.ctx, k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // already gone from this vat's c-list, nothing to tell it
		}
		out = append(out, v.String())
	}
	return out, nil
}

func capDataSlots(cd krefs.CapData) []string { return cd.Slots }
