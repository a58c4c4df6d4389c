package vathost

import (
	"strings"

	"github.com/ocap-kernel/kernel/internal/kernelerrors"
	"github.com/ocap-kernel/kernel/internal/krefs"
	"github.com/ocap-kernel/kernel/internal/promise"
	"github.com/ocap-kernel/kernel/internal/runqueue"
	"github.com/ocap-kernel/kernel/internal/translator"
	"github.com/ocap-kernel/kernel/internal/worker"
)

// handleSyscall processes one syscall emitted mid-crank, synchronously
// within the crank's transaction.
func (c *crank) handleSyscall(sc worker.Syscall) error {
	switch sc.Kind {
	case worker.SyscallSend:
		return c.syscallSend(sc)
	case worker.SyscallSubscribe:
		return c.syscallSubscribe(sc)
	case worker.SyscallResolve:
		return c.syscallResolve(sc)
	case worker.SyscallExit:
		return c.syscallExit(sc)
	case worker.SyscallDropImports:
		return c.syscallDropImports(sc)
	case worker.SyscallRetireImports:
		return c.syscallRetireImports(sc)
	case worker.SyscallRetireExports:
		return c.syscallRetireExports(sc)
	case worker.SyscallVatstoreGet, worker.SyscallVatstoreNextKey:
		return c.syscallVatstoreRead(sc)
	case worker.SyscallVatstoreSet:
		return c.syscallVatstoreSet(sc)
	case worker.SyscallVatstoreDelete:
		return c.syscallVatstoreDelete(sc)
	default:
		return kernelerrors.ErrCListViolation(c.vatID, "unrecognized syscall kind "+string(sc.Kind))
	}
}

// syscallSend implements send(target, args, result?): the target vref is
// translated to a kref (must already be in this vat's c-list — a vat can
// only send to something it holds), the args are translated in, and the
// call is handed to promise.Resolver.RouteSend, which queues it for a
// live object's owner or pipelines it onto a still-unresolved promise
// (the same router the operator queueMessage path and the splice-on-
// resolve path use). If result was requested, a fresh promise is
// allocated decided by the "kernel" pseudo-vat, not by this vat — it
// only becomes decided by the target vat once the send lands there
// (crank.go reassigns it at dispatch time).
func (c *crank) syscallSend(sc worker.Syscall) error {
	if sc.Send == nil {
		return kernelerrors.ErrCListViolation(c.vatID, "send syscall missing args")
	}
	targetVref, err := translator.ParseVref(sc.Send.Target)
	if err != nil {
		return kernelerrors.ErrCListViolation(c.vatID, "send: malformed target vref")
	}
	targetKref, ok, err := c.clist.LookupKref(c.ctx, targetVref)
	if err != nil {
		return err
	}
	if !ok {
		return kernelerrors.ErrCListViolation(c.vatID, "send: target vref not in c-list")
	}

	body, slots, err := c.tr.TranslateIn(c.ctx, sc.Send.Args.Body, sc.Send.Args.Slots)
	if err != nil {
		return err
	}

	var resultKref krefs.Kref
	if sc.Send.ResultP != "" {
		resultVref, err := translator.ParseVref(sc.Send.ResultP)
		if err != nil {
			return kernelerrors.ErrCListViolation(c.vatID, "send: malformed result vref")
		}
		resultKref, err = c.tr.ExportResultPromise(c.ctx, resultVref)
		if err != nil {
			return err
		}
	}

	return c.resolver.RouteSend(c.ctx, c.vatID, targetKref, sc.Send.Method, krefs.CapData{Body: body, Slots: slots}, resultKref)
}

// syscallSubscribe implements subscribe(kpid): the promise vref must
// already be in this vat's c-list. A promise that is already resolved
// gets its notify queued for this vat immediately instead.
func (c *crank) syscallSubscribe(sc worker.Syscall) error {
	if sc.Subscribe == nil {
		return kernelerrors.ErrCListViolation(c.vatID, "subscribe syscall missing args")
	}
	kref, err := c.krefForVrefString(sc.Subscribe.Promise)
	if err != nil {
		return err
	}
	if rec, ok, err := c.table.GetPromise(c.ctx, kref); err != nil {
		return err
	} else if ok && rec.State != krefs.PromiseUnresolved {
		_, err := c.queue.Push(c.ctx, runqueue.Entry{
			Kind:   runqueue.KindNotify,
			VatID:  c.vatID,
			Notify: &runqueue.NotifyPayload{Promise: kref},
		})
		return err
	}
	return c.resolver.Subscribe(c.ctx, kref, c.vatID)
}

// syscallResolve implements resolve([[kpid, rejected?, capdata], ...]):
// the vat must be the current decider of every promise in the batch
// (enforced inside promise.Resolver).
func (c *crank) syscallResolve(sc worker.Syscall) error {
	resolutions := make([]promise.Resolution, 0, len(sc.Resolve))
	for _, r := range sc.Resolve {
		kref, err := c.krefForVrefString(r.Promise)
		if err != nil {
			return err
		}
		body, slots, err := c.tr.TranslateIn(c.ctx, r.Value.Body, r.Value.Slots)
		if err != nil {
			return err
		}
		resolutions = append(resolutions, promise.Resolution{
			Promise:  kref,
			Rejected: r.Rejected,
			Value:    krefs.CapData{Body: body, Slots: slots},
		})
	}
	return c.resolver.Resolve(c.ctx, c.vatID, resolutions)
}

// syscallExit implements exit(isFailure, capdata): every promise the vat
// still decides is rejected with "vat terminated" and its c-list torn
// down. Neither this handler nor any later step of the crank or the
// kernel tears down the vat's worker, changes its vat record, or sweeps
// the object table; other vats' c-list entries for this vat's exports
// are left as they are.
func (c *crank) syscallExit(sc worker.Syscall) error {
	outstanding, err := c.table.ListUnresolvedByDecider(c.ctx, c.vatID)
	if err != nil {
		return err
	}
	reason := krefs.CapData{Body: `"vat terminated"`}
	for _, p := range outstanding {
		if err := c.resolver.RejectAsKernel(c.ctx, p, reason); err != nil {
			return err
		}
	}
	return c.tr.Destroy(c.ctx)
}

// syscallDropImports implements dropImports(krefs): the vat reports it no
// longer holds strong refs to the listed krefs.
func (c *crank) syscallDropImports(sc worker.Syscall) error {
	for _, v := range sc.DropImports {
		kref, err := c.krefForVrefString(v)
		if err != nil {
			return err
		}
		if _, err := c.table.DecReachable(c.ctx, kref); err != nil {
			return err
		}
	}
	return nil
}

// syscallRetireImports implements retireImports(krefs): the vat reports
// it no longer holds weak refs; the kernel decrements recognizable and
// removes the c-list entry.
func (c *crank) syscallRetireImports(sc worker.Syscall) error {
	for _, v := range sc.RetireImports {
		vref, err := translator.ParseVref(v)
		if err != nil {
			return kernelerrors.ErrCListViolation(c.vatID, "retireImports: malformed vref")
		}
		kref, ok, err := c.clist.LookupKref(c.ctx, vref)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if _, err := c.table.DecRecognizable(c.ctx, kref); err != nil {
			return err
		}
		if err := c.clist.Remove(c.ctx, kref, vref); err != nil {
			return err
		}
	}
	return nil
}

// syscallRetireExports implements retireExports(krefs): the vat reports
// an export is gone; the kernel may issue retires to importers. The
// actual fan-out to other vats' c-lists is the GC reaper's job (it scans
// for recognizable==0 independently); here the kernel only marks the
// export side retired in this vat's own c-list.
func (c *crank) syscallRetireExports(sc worker.Syscall) error {
	for _, v := range sc.RetireExports {
		vref, err := translator.ParseVref(v)
		if err != nil {
			return kernelerrors.ErrCListViolation(c.vatID, "retireExports: malformed vref")
		}
		kref, ok, err := c.clist.LookupKref(c.ctx, vref)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := c.table.MarkDropIssued(c.ctx, kref); err != nil {
			return err
		}
		if err := c.clist.Remove(c.ctx, kref, vref); err != nil {
			return err
		}
	}
	return nil
}

func (c *crank) syscallVatstoreRead(sc worker.Syscall) error {
	key := VatstoreKeyPrefix(c.vatID) + sc.VatstoreKey
	var reply worker.VatstoreReply
	if sc.Kind == worker.SyscallVatstoreNextKey {
		next, ok, err := c.txn.GetNextKey(c.ctx, key)
		reply = worker.VatstoreReply{Key: strings.TrimPrefix(next, VatstoreKeyPrefix(c.vatID)), OK: ok, Err: err}
	} else {
		value, ok, err := c.txn.Get(c.ctx, key)
		reply = worker.VatstoreReply{Value: value, OK: ok, Err: err}
	}
	if sc.ReplyVatstore != nil {
		sc.ReplyVatstore <- reply
	}
	return reply.Err
}

func (c *crank) syscallVatstoreSet(sc worker.Syscall) error {
	return c.txn.Set(c.ctx, VatstoreKeyPrefix(c.vatID)+sc.VatstoreKey, sc.VatstoreValue)
}

func (c *crank) syscallVatstoreDelete(sc worker.Syscall) error {
	return c.txn.Delete(c.ctx, VatstoreKeyPrefix(c.vatID)+sc.VatstoreKey)
}

// krefForVrefString parses v and resolves it through this vat's c-list,
// returning a c-list violation if the vref is unparseable or unknown.
func (c *crank) krefForVrefString(v string) (krefs.Kref, error) {
	vref, err := translator.ParseVref(v)
	if err != nil {
		return krefs.Kref{}, kernelerrors.ErrCListViolation(c.vatID, "malformed vref "+v)
	}
	kref, ok, err := c.clist.LookupKref(c.ctx, vref)
	if err != nil {
		return krefs.Kref{}, err
	}
	if !ok {
		return krefs.Kref{}, kernelerrors.ErrCListViolation(c.vatID, "unknown vref "+v)
	}
	return kref, nil
}
