package vathost

import (
	"context"
	"testing"

	"github.com/ocap-kernel/kernel/internal/krefs"
	"github.com/ocap-kernel/kernel/internal/kvstore"
	"github.com/ocap-kernel/kernel/internal/promise"
	"github.com/ocap-kernel/kernel/internal/runqueue"
	"github.com/ocap-kernel/kernel/internal/translator"
	"github.com/ocap-kernel/kernel/internal/worker"
	"github.com/ocap-kernel/kernel/internal/worker/inproc"
)

func TestSyscallSendPipelinesOntoUnresolvedPromiseTarget(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	table := krefs.NewTable(store)
	q := runqueue.New(store, nil)
	clist := translator.NewCList(store, "vatA")
	tr := translator.New(table, clist, "vatA")
	resolver := promise.NewResolver(table, q)

	kp, err := table.AllocatePromise(ctx, "vatB")
	if err != nil {
		t.Fatalf("AllocatePromise: %v", err)
	}
	if err := clist.Insert(ctx, kp, translator.Vref{Kind: translator.VKindPromise, Export: false, Number: 0}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	c := &crank{ctx: ctx, table: table, clist: clist, tr: tr, resolver: resolver, queue: q, vatID: "vatA"}

	err = c.syscallSend(worker.Syscall{Kind: worker.SyscallSend, Send: &worker.SendArgs{
		Target: "p-0",
		Method: "inc",
		Args:   worker.VCapData{},
	}})
	if err != nil {
		t.Fatalf("syscallSend: %v", err)
	}

	if n, err := q.Len(ctx); err != nil || n != 0 {
		t.Fatalf("expected a send to an unresolved promise to be pipelined, not queued: len=%d err=%v", n, err)
	}

	rec, ok, err := table.GetPromise(ctx, kp)
	if err != nil || !ok {
		t.Fatalf("GetPromise: ok=%v err=%v", ok, err)
	}
	if len(rec.Pipelined) != 1 {
		t.Fatalf("expected 1 pipelined call on the target promise, got %+v", rec.Pipelined)
	}
	if rec.Pipelined[0].Method != "inc" || rec.Pipelined[0].Target != kp {
		t.Fatalf("unexpected pipelined call: %+v", rec.Pipelined[0])
	}
}

func TestSyscallSendAllocatesResultPromiseDecidedByKernelPseudoVat(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	table := krefs.NewTable(store)
	q := runqueue.New(store, nil)
	clist := translator.NewCList(store, "vatA")
	tr := translator.New(table, clist, "vatA")
	resolver := promise.NewResolver(table, q)

	targetKref, err := table.AllocateObject(ctx, "vatB")
	if err != nil {
		t.Fatalf("AllocateObject: %v", err)
	}
	if err := clist.Insert(ctx, targetKref, translator.Vref{Kind: translator.VKindObject, Export: false, Number: 0}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	c := &crank{ctx: ctx, table: table, clist: clist, tr: tr, resolver: resolver, queue: q, vatID: "vatA"}

	err = c.syscallSend(worker.Syscall{Kind: worker.SyscallSend, Send: &worker.SendArgs{
		Target:  "o-0",
		Method:  "foo",
		Args:    worker.VCapData{},
		ResultP: "p+0",
	}})
	if err != nil {
		t.Fatalf("syscallSend: %v", err)
	}

	entry, ok, err := q.Pop(ctx)
	if err != nil || !ok {
		t.Fatalf("expected a send entry queued for the live object target: ok=%v err=%v", ok, err)
	}
	if entry.VatID != "vatB" {
		t.Fatalf("expected send routed to object owner vatB, got %q", entry.VatID)
	}
	resultKref := entry.Send.ResultP
	if resultKref.IsZero() {
		t.Fatalf("expected a result promise kref on the queued entry")
	}

	rec, ok, err := table.GetPromise(ctx, resultKref)
	if err != nil || !ok {
		t.Fatalf("GetPromise: ok=%v err=%v", ok, err)
	}
	if rec.Decider != krefs.KernelPseudoVat {
		t.Fatalf("expected result promise decided by the kernel pseudo-vat, got %q", rec.Decider)
	}
}

// fakeRegistry adapts a plain map to the vathost.Registry interface for
// tests that drive Host.RunOne directly rather than through the kernel
// façade.
type fakeRegistry map[string]worker.Worker

func (f fakeRegistry) WorkerFor(vatID string) (worker.Worker, bool) {
	w, ok := f[vatID]
	return w, ok
}

func (f fakeRegistry) VatLive(ctx context.Context, vatID string) (bool, error) {
	_, ok := f[vatID]
	return ok, nil
}

// TestPipelinedSendsDeliverInOrderAfterPromiseResolves drives the
// promise-pipelining scenario end to end across real cranks: vatA
// sends makeCounter() to vatB expecting a result promise, pipelines two
// inc() calls onto that still-unresolved promise before vatB ever
// responds, and only once vatB resolves the promise to a fresh counter
// object do the two inc sends land on vatB's queue, in their original
// order.
func TestPipelinedSendsDeliverInOrderAfterPromiseResolves(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	table := krefs.NewTable(store)
	q := runqueue.New(store, nil)

	bRoot, err := table.AllocateObject(ctx, "vatB")
	if err != nil {
		t.Fatalf("AllocateObject: %v", err)
	}

	aClist := translator.NewCList(store, "vatA")
	aTr := translator.New(table, aClist, "vatA")
	bImportVref, err := aTr.ImportToVat(ctx, bRoot, table)
	if err != nil {
		t.Fatalf("ImportToVat: %v", err)
	}

	aImage := func(_ context.Context, d worker.Delivery, syscalls chan<- worker.Syscall) (worker.Outcome, error) {
		if d.Kind != worker.DeliveryBringOutYourDead {
			return worker.Outcome{}, nil
		}
		syscalls <- worker.Syscall{Kind: worker.SyscallSend, Send: &worker.SendArgs{
			Target: bImportVref.String(), Method: "makeCounter", Args: worker.VCapData{}, ResultP: "p+0",
		}}
		syscalls <- worker.Syscall{Kind: worker.SyscallSend, Send: &worker.SendArgs{
			Target: "p+0", Method: "inc", Args: worker.VCapData{Body: `"first"`},
		}}
		syscalls <- worker.Syscall{Kind: worker.SyscallSend, Send: &worker.SendArgs{
			Target: "p+0", Method: "inc", Args: worker.VCapData{Body: `"second"`},
		}}
		return worker.Outcome{}, nil
	}

	var received []string
	bImage := func(_ context.Context, d worker.Delivery, syscalls chan<- worker.Syscall) (worker.Outcome, error) {
		switch {
		case d.Kind == worker.DeliverySend && d.Method == "makeCounter":
			syscalls <- worker.Syscall{Kind: worker.SyscallResolve, Resolve: []worker.ResolveArgs{{
				Promise: d.ResultP,
				Value:   worker.VCapData{Body: `null`, Slots: []string{"o+5"}},
			}}}
		case d.Kind == worker.DeliverySend && d.Method == "inc":
			received = append(received, d.Args.Body)
		}
		return worker.Outcome{}, nil
	}

	aWorker := inproc.New(aImage)
	bWorker := inproc.New(bImage)
	if err := aWorker.Launch(ctx, "vatA", nil); err != nil {
		t.Fatalf("Launch vatA: %v", err)
	}
	if err := bWorker.Launch(ctx, "vatB", nil); err != nil {
		t.Fatalf("Launch vatB: %v", err)
	}
	registry := fakeRegistry{"vatA": aWorker, "vatB": bWorker}
	host := New(store, registry, nil)

	if _, err := q.Push(ctx, runqueue.Entry{Kind: runqueue.KindBringOutYourDead, VatID: "vatA"}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	// Crank 1: vatA emits makeCounter plus two pipelined incs against its
	// own not-yet-resolved result promise.
	if ok, err := host.RunOne(ctx, q); err != nil || !ok {
		t.Fatalf("crank 1: ok=%v err=%v", ok, err)
	}

	resultKref, ok, err := aClist.LookupKref(ctx, translator.Vref{Kind: translator.VKindPromise, Export: true, Number: 0})
	if err != nil || !ok {
		t.Fatalf("expected vatA's result promise vref in its c-list: ok=%v err=%v", ok, err)
	}
	rec, ok, err := table.GetPromise(ctx, resultKref)
	if err != nil || !ok {
		t.Fatalf("GetPromise: ok=%v err=%v", ok, err)
	}
	if rec.Decider != krefs.KernelPseudoVat {
		t.Fatalf("expected result promise still decided by the kernel pseudo-vat before dispatch, got %q", rec.Decider)
	}
	if len(rec.Pipelined) != 2 {
		t.Fatalf("expected 2 inc calls pipelined onto the unresolved result promise, got %d", len(rec.Pipelined))
	}
	if n, err := q.Len(ctx); err != nil || n != 1 {
		t.Fatalf("expected exactly the makeCounter send queued after crank 1, got len=%d err=%v", n, err)
	}

	// Crank 2: vatB receives makeCounter and resolves the promise, which
	// splices the two pipelined incs onto the run queue.
	if ok, err := host.RunOne(ctx, q); err != nil || !ok {
		t.Fatalf("crank 2: ok=%v err=%v", ok, err)
	}
	rec, ok, err = table.GetPromise(ctx, resultKref)
	if err != nil || !ok {
		t.Fatalf("GetPromise: ok=%v err=%v", ok, err)
	}
	if rec.State != krefs.PromiseFulfilled {
		t.Fatalf("expected result promise fulfilled, got %q", rec.State)
	}
	if n, err := q.Len(ctx); err != nil || n != 2 {
		t.Fatalf("expected the 2 pipelined incs spliced onto the queue, got len=%d err=%v", n, err)
	}

	// Cranks 3 and 4: vatB receives both inc deliveries, in pipelined order.
	for i := 0; i < 2; i++ {
		if ok, err := host.RunOne(ctx, q); err != nil || !ok {
			t.Fatalf("crank %d: ok=%v err=%v", i+3, ok, err)
		}
	}

	if len(received) != 2 || received[0] != `"first"` || received[1] != `"second"` {
		t.Fatalf("expected pipelined incs delivered in order [\"first\" \"second\"], got %v", received)
	}
}
