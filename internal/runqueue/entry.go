// Package runqueue implements the kernel's FIFO run queue: the ordered
// sequence of send/notify/gc/bringOutYourDead entries that the crank
// loop drains one at a time.
package runqueue

import "github.com/ocap-kernel/kernel/internal/krefs"

// Kind tags the variant of a run queue Entry, mirroring a
// tagged-union approach to heterogeneous work items.
type Kind string

const (
	KindSend             Kind = "send"
	KindNotify           Kind = "notify"
	KindGC               Kind = "gc"
	KindBringOutYourDead Kind = "bringOutYourDead"
)

// SendPayload is a message delivery addressed to a target kref.
type SendPayload struct {
	Target  krefs.Kref    `json:"target"`
	Method  string        `json:"method"`
	Args    krefs.CapData `json:"args"`
	ResultP krefs.Kref    `json:"result_p,omitempty"`
}

// NotifyPayload tells a vat that a promise it subscribed to has settled.
type NotifyPayload struct {
	Promise krefs.Kref `json:"promise"`
}

// GCPayload asks the owning vat to drop/retire the listed krefs.
type GCPayload struct {
	DropExports   []krefs.Kref `json:"drop_exports,omitempty"`
	RetireImports []krefs.Kref `json:"retire_imports,omitempty"`
	RetireExports []krefs.Kref `json:"retire_exports,omitempty"`
}

// Entry is one unit of run-queue work. Exactly one of the payload fields
// is populated, matching Kind. VatID is the entry's destination — the
// vat the crank loop must deliver it to.
type Entry struct {
	Seq    uint64         `json:"seq"`
	Kind   Kind           `json:"kind"`
	VatID  string         `json:"vat_id"`
	Send   *SendPayload   `json:"send,omitempty"`
	Notify *NotifyPayload `json:"notify,omitempty"`
	GC     *GCPayload     `json:"gc,omitempty"`
}
