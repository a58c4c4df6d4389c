package inproc

import (
	"context"
	"testing"

	"github.com/ocap-kernel/kernel/internal/worker"
)

func echoImage(_ context.Context, d worker.Delivery, syscalls chan<- worker.Syscall) (worker.Outcome, error) {
	if d.ResultP != "" {
		syscalls <- worker.Syscall{Kind: worker.SyscallResolve, Resolve: []worker.ResolveArgs{{
			Promise: d.ResultP, Value: d.Args,
		}}}
	}
	return worker.Outcome{}, nil
}

func TestDeliverBeforeLaunchFails(t *testing.T) {
	w := New(echoImage)
	ch := make(chan worker.Syscall, 1)
	if _, err := w.Deliver(context.Background(), worker.Delivery{}, ch); err == nil {
		t.Fatal("expected error delivering before launch")
	}
}

func TestLaunchThenDeliver(t *testing.T) {
	ctx := context.Background()
	w := New(echoImage)

	if err := w.Launch(ctx, "v1", nil); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := w.Ping(ctx); err != nil {
		t.Fatalf("Ping after launch: %v", err)
	}

	ch := make(chan worker.Syscall, 1)
	outcome, err := w.Deliver(ctx, worker.Delivery{
		Kind: worker.DeliverySend, ResultP: "p+0", Args: worker.VCapData{Body: "hi"},
	}, ch)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if outcome.Faulted {
		t.Fatalf("unexpected fault: %+v", outcome)
	}

	select {
	case sc := <-ch:
		if sc.Kind != worker.SyscallResolve || len(sc.Resolve) != 1 || sc.Resolve[0].Promise != "p+0" {
			t.Fatalf("unexpected syscall: %+v", sc)
		}
	default:
		t.Fatal("expected a resolve syscall emitted by the image")
	}
}

func TestLaunchTwiceFails(t *testing.T) {
	ctx := context.Background()
	w := New(echoImage)
	if err := w.Launch(ctx, "v1", nil); err != nil {
		t.Fatalf("first Launch: %v", err)
	}
	if err := w.Launch(ctx, "v1", nil); err == nil {
		t.Fatal("expected error on second Launch")
	}
}

func TestTerminateResetsLaunchedState(t *testing.T) {
	ctx := context.Background()
	w := New(echoImage)
	_ = w.Launch(ctx, "v1", nil)

	if err := w.Terminate(ctx); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if err := w.Ping(ctx); err == nil {
		t.Fatal("expected Ping to fail after Terminate")
	}

	ch := make(chan worker.Syscall, 1)
	if _, err := w.Deliver(ctx, worker.Delivery{}, ch); err == nil {
		t.Fatal("expected Deliver to fail after Terminate")
	}
}
