// Package worker defines the kernel's view of a vat's execution endpoint:
// launch, deliver a crank, and tear down. It is the kernel-domain
// analogue of a VM execution backend:
// CreateVM/NewClient/StopVM become Launch/(implicit client)/Terminate,
// and Client.Execute/Init/Ping become Deliver/the launch handshake/
// health respectively.
package worker

import (
	"context"

	"github.com/ocap-kernel/kernel/internal/krefs"
	"github.com/ocap-kernel/kernel/internal/observability"
)

// DeliveryKind tags what kind of crank input is being delivered to a vat.
type DeliveryKind string

const (
	DeliverySend             DeliveryKind = "send"
	DeliveryNotify           DeliveryKind = "notify"
	DeliveryGC               DeliveryKind = "gc"
	DeliveryBringOutYourDead DeliveryKind = "bringOutYourDead"
)

// Delivery is one crank's worth of input to a vat, expressed in the
// vat's own vref-space — the caller (vathost) has already run
// translateOut before constructing this.
type Delivery struct {
	Kind DeliveryKind

	// Populated for DeliverySend.
	Target  string // vref string
	Method  string
	Args    VCapData
	ResultP string // vref of the result promise, if the sender wants one

	// Populated for DeliveryNotify.
	Promise string // vref string
	State   krefs.PromiseState
	Value   VCapData

	// Populated for DeliveryGC: krefs the kernel has translated into this
	// vat's vrefs that it must drop/retire bookkeeping for.
	DropExports   []string
	RetireImports []string
	RetireExports []string

	// Trace carries the crank's trace context across the worker transport,
	// so a subprocess vat's own logging can correlate with the span that
	// triggered its delivery.
	Trace observability.TraceContext
}

// VCapData is capdata expressed with vat-local vref slots rather than
// kernel krefs — the shape that actually crosses the worker transport.
type VCapData struct {
	Body  string   `json:"body"`
	Slots []string `json:"slots"`
}

// SyscallKind enumerates the syscalls a worker may emit mid-crank.
type SyscallKind string

const (
	SyscallSend            SyscallKind = "send"
	SyscallSubscribe       SyscallKind = "subscribe"
	SyscallResolve         SyscallKind = "resolve"
	SyscallExit            SyscallKind = "exit"
	SyscallDropImports     SyscallKind = "dropImports"
	SyscallRetireImports   SyscallKind = "retireImports"
	SyscallRetireExports   SyscallKind = "retireExports"
	SyscallVatstoreGet     SyscallKind = "vatstoreGet"
	SyscallVatstoreSet     SyscallKind = "vatstoreSet"
	SyscallVatstoreDelete  SyscallKind = "vatstoreDelete"
	SyscallVatstoreNextKey SyscallKind = "vatstoreGetNextKey"
)

// Syscall is one syscall emitted by the worker during a crank. Exactly
// one of the typed payload fields is populated, selected by Kind. This is
// the in-process representation vathost consumes; worker implementations
// that cross a real transport (worker/subprocess) decode their own wire
// messages into this shape rather than serializing it directly, since
// ReplyVatstore is a live channel, not wire data.
type Syscall struct {
	Kind SyscallKind
	Seq  int // order within the crank, for deterministic replay comparison

	Send          *SendArgs
	Subscribe     *SubscribeArgs
	Resolve       []ResolveArgs
	Exit          *ExitArgs
	DropImports   []string // vrefs
	RetireImports []string
	RetireExports []string
	VatstoreKey   string
	VatstoreValue []byte

	// ReplyVatstore is set by vathost before handing the syscall back to
	// the worker's processing loop, used only for the vatstoreGet/
	// GetNextKey syscalls that need a synchronous answer mid-crank.
	ReplyVatstore chan<- VatstoreReply
}

type SendArgs struct {
	Target  string
	Method  string
	Args    VCapData
	ResultP string
}

type SubscribeArgs struct {
	Promise string
}

type ResolveArgs struct {
	Promise  string
	Rejected bool
	Value    VCapData
}

type ExitArgs struct {
	IsFailure bool
	Value     VCapData
}

// VatstoreReply carries the vathost's synchronous answer to a
// vatstoreGet/GetNextKey syscall back to the worker, since those are the
// only syscalls that return a value mid-crank.
type VatstoreReply struct {
	Value []byte
	Key   string
	OK    bool
	Err   error
}

// Outcome is the worker's report of how a delivery went.
type Outcome struct {
	// Syscalls is the ordered list of syscalls the worker issued while
	// processing the delivery, most of which vathost will already have
	// serviced synchronously via the Worker's syscall channel — Outcome
	// carries the final tally for logging/replay comparison.
	Syscalls []Syscall

	// Faulted is true if the vat's crank ended in an uncaught exception
	// or otherwise could not complete; vathost treats this as fatal to
	// the crank and schedules a restart.
	Faulted  bool
	FaultMsg string
}

// Worker is the kernel's handle to one running vat's execution endpoint.
// Implementations: worker/inproc (in-process, for tests and embedded
// example vats) and worker/subprocess (newline-delimited JSON over a
// child process's stdio).
type Worker interface {
	// Launch starts the vat's execution environment and performs the
	// initial handshake, handing it bundle (the vat's code/config).
	Launch(ctx context.Context, vatID string, bundle []byte) error

	// Deliver sends one crank's input to the vat and blocks for the
	// outcome. Syscalls is a channel the worker writes to synchronously,
	// one at a time, during the delivery; vathost reads and services
	// each before the worker proceeds (a vatstoreGet's reply is sent
	// back via the Syscall's ReplyVatstore channel before the worker is
	// allowed to continue).
	Deliver(ctx context.Context, d Delivery, syscalls chan<- Syscall) (Outcome, error)

	// Ping checks whether the vat's execution endpoint is still
	// responsive, used by the restart/health-check path.
	Ping(ctx context.Context) error

	// Terminate tears down the vat's execution environment.
	Terminate(ctx context.Context) error
}
