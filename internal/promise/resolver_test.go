package promise

import (
	"context"
	"testing"

	"github.com/ocap-kernel/kernel/internal/kernelerrors"
	"github.com/ocap-kernel/kernel/internal/krefs"
	"github.com/ocap-kernel/kernel/internal/kvstore"
	"github.com/ocap-kernel/kernel/internal/runqueue"
)

func newTestResolver() (*Resolver, *krefs.Table, *runqueue.Queue) {
	store := kvstore.NewMemoryStore()
	table := krefs.NewTable(store)
	q := runqueue.New(store, nil)
	return NewResolver(table, q), table, q
}

func TestResolveRejectsNonDecider(t *testing.T) {
	ctx := context.Background()
	r, table, _ := newTestResolver()

	p, err := table.AllocatePromise(ctx, "v1")
	if err != nil {
		t.Fatalf("AllocatePromise: %v", err)
	}

	err = r.Resolve(ctx, "v2", []Resolution{{Promise: p, Value: krefs.CapData{Body: "x"}}})
	if err == nil {
		t.Fatal("expected error resolving a promise from a non-decider vat")
	}
	if kernelerrors.CodeOf(err) != kernelerrors.CodeCListViolation {
		t.Fatalf("expected a c-list violation, got %v", err)
	}
}

func TestResolveRejectsAlreadyResolved(t *testing.T) {
	ctx := context.Background()
	r, table, _ := newTestResolver()

	p, _ := table.AllocatePromise(ctx, "v1")
	if err := r.Resolve(ctx, "v1", []Resolution{{Promise: p, Value: krefs.CapData{Body: "x"}}}); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if err := r.Resolve(ctx, "v1", []Resolution{{Promise: p, Value: krefs.CapData{Body: "y"}}}); err == nil {
		t.Fatal("expected error resolving an already-resolved promise")
	}
}

func TestResolveNotifiesSubscribers(t *testing.T) {
	ctx := context.Background()
	r, table, q := newTestResolver()

	p, _ := table.AllocatePromise(ctx, "v1")
	if err := r.Subscribe(ctx, p, "v2"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := r.Subscribe(ctx, p, "v3"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := r.Resolve(ctx, "v1", []Resolution{{Promise: p, Value: krefs.CapData{Body: "done"}}}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		entry, ok, err := q.Pop(ctx)
		if err != nil || !ok {
			t.Fatalf("expected notify entry %d: ok=%v err=%v", i, ok, err)
		}
		if entry.Kind != runqueue.KindNotify || entry.Notify.Promise != p {
			t.Fatalf("unexpected entry: %+v", entry)
		}
		seen[entry.VatID] = true
	}
	if !seen["v2"] || !seen["v3"] {
		t.Fatalf("expected notifies for both subscribers, got %v", seen)
	}
}

func TestSubscribeIsIdempotentThroughResolver(t *testing.T) {
	ctx := context.Background()
	r, table, q := newTestResolver()

	p, _ := table.AllocatePromise(ctx, "v1")
	_ = r.Subscribe(ctx, p, "v2")
	_ = r.Subscribe(ctx, p, "v2")

	if err := r.Resolve(ctx, "v1", []Resolution{{Promise: p, Value: krefs.CapData{Body: "done"}}}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one notify despite duplicate subscribe, got %d", n)
	}
}

func TestResolveSplicesPipelinedCallsToObjectTarget(t *testing.T) {
	ctx := context.Background()
	r, table, q := newTestResolver()

	target, err := table.AllocateObject(ctx, "target-owner")
	if err != nil {
		t.Fatalf("AllocateObject: %v", err)
	}
	p, _ := table.AllocatePromise(ctx, "v1")
	if err := r.Pipeline(ctx, p, krefs.PipelinedCall{
		Target: p, Method: "doIt", Args: krefs.CapData{Body: "args"},
	}); err != nil {
		t.Fatalf("Pipeline: %v", err)
	}

	if err := r.Resolve(ctx, "v1", []Resolution{{
		Promise: p, Value: krefs.CapData{Body: "", Slots: []string{target.String()}},
	}}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	entry, ok, err := q.Pop(ctx)
	if err != nil || !ok {
		t.Fatalf("expected spliced send entry: ok=%v err=%v", ok, err)
	}
	if entry.Kind != runqueue.KindSend || entry.VatID != "target-owner" {
		t.Fatalf("expected send to target-owner, got %+v", entry)
	}
	if entry.Send.Target != target || entry.Send.Method != "doIt" {
		t.Fatalf("unexpected spliced send payload: %+v", entry.Send)
	}

	rec, _, _ := table.GetPromise(ctx, p)
	if len(rec.Pipelined) != 0 {
		t.Fatalf("expected pipeline cleared after splice, got %v", rec.Pipelined)
	}
}

func TestResolveSplicesPipelinedCallsOntoUnresolvedPromise(t *testing.T) {
	ctx := context.Background()
	r, table, q := newTestResolver()

	p, _ := table.AllocatePromise(ctx, "v1")
	next, _ := table.AllocatePromise(ctx, "v2")

	for _, method := range []string{"first", "second"} {
		if err := r.Pipeline(ctx, p, krefs.PipelinedCall{
			Target: p, Method: method, Args: krefs.CapData{Body: "args"},
		}); err != nil {
			t.Fatalf("Pipeline %s: %v", method, err)
		}
	}

	// p resolves to next, which has not itself settled: the two calls
	// must move onto next's own pipeline, not the main run queue.
	if err := r.Resolve(ctx, "v1", []Resolution{{
		Promise: p, Value: krefs.CapData{Body: "", Slots: []string{next.String()}},
	}}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if n, err := q.Len(ctx); err != nil || n != 0 {
		t.Fatalf("expected nothing on the main queue while next is unresolved: len=%d err=%v", n, err)
	}
	nextRec, ok, err := table.GetPromise(ctx, next)
	if err != nil || !ok {
		t.Fatalf("GetPromise next: ok=%v err=%v", ok, err)
	}
	if len(nextRec.Pipelined) != 2 || nextRec.Pipelined[0].Method != "first" || nextRec.Pipelined[1].Method != "second" {
		t.Fatalf("expected both calls re-pipelined onto next in order, got %+v", nextRec.Pipelined)
	}
	pRec, _, _ := table.GetPromise(ctx, p)
	if len(pRec.Pipelined) != 0 {
		t.Fatalf("expected p's pipeline cleared after splice, got %v", pRec.Pipelined)
	}

	// Once next settles to an object, the calls land on the main queue
	// in their original order.
	target, err := table.AllocateObject(ctx, "target-owner")
	if err != nil {
		t.Fatalf("AllocateObject: %v", err)
	}
	if err := r.Resolve(ctx, "v2", []Resolution{{
		Promise: next, Value: krefs.CapData{Body: "", Slots: []string{target.String()}},
	}}); err != nil {
		t.Fatalf("Resolve next: %v", err)
	}
	for _, method := range []string{"first", "second"} {
		entry, ok, err := q.Pop(ctx)
		if err != nil || !ok {
			t.Fatalf("expected spliced %s send: ok=%v err=%v", method, ok, err)
		}
		if entry.Kind != runqueue.KindSend || entry.VatID != "target-owner" || entry.Send.Method != method {
			t.Fatalf("expected %s send to target-owner, got %+v", method, entry)
		}
		if entry.Send.Target != target {
			t.Fatalf("expected %s re-addressed to the resolved object, got %+v", method, entry.Send)
		}
	}
}

func TestRouteSendChasesResolvedChainToUnresolvedPromise(t *testing.T) {
	ctx := context.Background()
	r, table, q := newTestResolver()

	// head is already fulfilled, pointing at tail, which is not.
	tail, _ := table.AllocatePromise(ctx, "v2")
	head, _ := table.AllocatePromise(ctx, "v1")
	if err := r.Resolve(ctx, "v1", []Resolution{{
		Promise: head, Value: krefs.CapData{Body: "", Slots: []string{tail.String()}},
	}}); err != nil {
		t.Fatalf("Resolve head: %v", err)
	}

	if err := r.RouteSend(ctx, krefs.KernelPseudoVat, head, "poke", krefs.CapData{}, krefs.Kref{}); err != nil {
		t.Fatalf("RouteSend: %v", err)
	}

	if n, err := q.Len(ctx); err != nil || n != 0 {
		t.Fatalf("expected no main-queue delivery through an unresolved tail: len=%d err=%v", n, err)
	}
	tailRec, ok, err := table.GetPromise(ctx, tail)
	if err != nil || !ok {
		t.Fatalf("GetPromise tail: ok=%v err=%v", ok, err)
	}
	if len(tailRec.Pipelined) != 1 || tailRec.Pipelined[0].Method != "poke" {
		t.Fatalf("expected the call pipelined onto tail, got %+v", tailRec.Pipelined)
	}
}

func TestResolveRejectsPipelinedCallsOnRejection(t *testing.T) {
	ctx := context.Background()
	r, table, q := newTestResolver()

	p, _ := table.AllocatePromise(ctx, "v1")
	resultP, _ := table.AllocatePromise(ctx, "kernel")
	if err := r.Pipeline(ctx, p, krefs.PipelinedCall{
		Target: p, Method: "doIt", ResultP: resultP,
	}); err != nil {
		t.Fatalf("Pipeline: %v", err)
	}

	if err := r.Resolve(ctx, "v1", []Resolution{{
		Promise: p, Rejected: true, Value: krefs.CapData{Body: "boom"},
	}}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// Rejection does not enqueue a send for the pipelined call.
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("expected no run-queue entries from a rejected splice, got %d", n)
	}

	resultRec, ok, err := table.GetPromise(ctx, resultP)
	if err != nil || !ok {
		t.Fatalf("expected result promise record: ok=%v err=%v", ok, err)
	}
	if resultRec.State != krefs.PromiseRejected {
		t.Fatalf("expected result promise rejected, got %v", resultRec.State)
	}
}
