package krefs

import (
	"context"
	"testing"
)

func TestAllocatePromiseStartsUnresolved(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable()

	k, err := tbl.AllocatePromise(ctx, "v1")
	if err != nil {
		t.Fatalf("AllocatePromise: %v", err)
	}
	rec, ok, err := tbl.GetPromise(ctx, k)
	if err != nil || !ok {
		t.Fatalf("GetPromise: ok=%v err=%v", ok, err)
	}
	if rec.State != PromiseUnresolved || rec.Decider != "v1" {
		t.Fatalf("unexpected fresh promise record: %+v", rec)
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable()
	k, _ := tbl.AllocatePromise(ctx, "v1")

	if err := tbl.Subscribe(ctx, k, "v2"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := tbl.Subscribe(ctx, k, "v2"); err != nil {
		t.Fatalf("Subscribe again: %v", err)
	}
	rec, _, _ := tbl.GetPromise(ctx, k)
	if len(rec.Subscribers) != 1 {
		t.Fatalf("expected exactly one subscriber, got %v", rec.Subscribers)
	}
}

func TestPipelineRejectsOnResolvedPromise(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable()
	k, _ := tbl.AllocatePromise(ctx, "v1")

	if _, err := tbl.Resolve(ctx, k, false, CapData{Body: "ok"}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := tbl.Pipeline(ctx, k, PipelinedCall{Method: "m"}); err == nil {
		t.Fatal("expected error pipelining onto a resolved promise")
	}
}

func TestPipelineAccumulatesCalls(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable()
	k, _ := tbl.AllocatePromise(ctx, "v1")

	if err := tbl.Pipeline(ctx, k, PipelinedCall{Method: "m1"}); err != nil {
		t.Fatalf("Pipeline m1: %v", err)
	}
	if err := tbl.Pipeline(ctx, k, PipelinedCall{Method: "m2"}); err != nil {
		t.Fatalf("Pipeline m2: %v", err)
	}
	rec, _, _ := tbl.GetPromise(ctx, k)
	if len(rec.Pipelined) != 2 {
		t.Fatalf("expected 2 pipelined calls, got %d", len(rec.Pipelined))
	}
}

func TestResolveIsNotIdempotent(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable()
	k, _ := tbl.AllocatePromise(ctx, "v1")

	if _, err := tbl.Resolve(ctx, k, false, CapData{Body: "ok"}); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if _, err := tbl.Resolve(ctx, k, false, CapData{Body: "ok again"}); err == nil {
		t.Fatal("expected error resolving an already-resolved promise")
	}
}

func TestResolveClearsDeciderAndSetsValue(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable()
	k, _ := tbl.AllocatePromise(ctx, "v1")

	rec, err := tbl.Resolve(ctx, k, true, CapData{Body: "rejected"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.State != PromiseRejected {
		t.Fatalf("expected PromiseRejected, got %v", rec.State)
	}
	if rec.Decider != "" {
		t.Fatalf("expected decider cleared, got %q", rec.Decider)
	}
	if rec.Value == nil || rec.Value.Body != "rejected" {
		t.Fatalf("expected settled value, got %+v", rec.Value)
	}
}

func TestReassignDeciderNoopOnceResolved(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable()
	k, _ := tbl.AllocatePromise(ctx, "v1")
	_, _ = tbl.Resolve(ctx, k, false, CapData{Body: "ok"})

	if err := tbl.ReassignDecider(ctx, k, "v2"); err != nil {
		t.Fatalf("ReassignDecider on resolved promise should be a no-op, got error: %v", err)
	}
	rec, _, _ := tbl.GetPromise(ctx, k)
	if rec.Decider != "" {
		t.Fatalf("expected decider to stay cleared, got %q", rec.Decider)
	}
}

func TestClearPipelineEmptiesQueue(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable()
	k, _ := tbl.AllocatePromise(ctx, "v1")
	_ = tbl.Pipeline(ctx, k, PipelinedCall{Method: "m1"})

	if err := tbl.ClearPipeline(ctx, k); err != nil {
		t.Fatalf("ClearPipeline: %v", err)
	}
	rec, _, _ := tbl.GetPromise(ctx, k)
	if len(rec.Pipelined) != 0 {
		t.Fatalf("expected empty pipeline, got %v", rec.Pipelined)
	}
}

func TestListUnresolvedByDecider(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable()
	k1, _ := tbl.AllocatePromise(ctx, "v1")
	k2, _ := tbl.AllocatePromise(ctx, "v1")
	k3, _ := tbl.AllocatePromise(ctx, "v2")
	_, _ = tbl.Resolve(ctx, k2, false, CapData{Body: "done"})

	unresolved, err := tbl.ListUnresolvedByDecider(ctx, "v1")
	if err != nil {
		t.Fatalf("ListUnresolvedByDecider: %v", err)
	}
	if len(unresolved) != 1 || unresolved[0] != k1 {
		t.Fatalf("expected [%s], got %v", k1, unresolved)
	}
	_ = k3
}
