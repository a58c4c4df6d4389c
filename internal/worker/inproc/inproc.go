// Package inproc implements worker.Worker as a goroutine running an
// in-process vat image, used by the test suite and by example vats that
// ship as plain Go functions instead of a subprocess bundle. Grounded on
// an in-process execution path for quick local testing
// without spinning a VM/container.
package inproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/ocap-kernel/kernel/internal/worker"
)

// Image is the vat-author-supplied logic an in-process vat runs. It
// receives a Delivery (already translated into this vat's vref-space)
// and a syscalls channel to emit syscalls on, returning the final
// Outcome once the delivery is fully processed.
type Image func(ctx context.Context, d worker.Delivery, syscalls chan<- worker.Syscall) (worker.Outcome, error)

// Worker adapts an Image to worker.Worker.
type Worker struct {
	mu       sync.Mutex
	image    Image
	launched bool
	vatID    string
}

// New constructs an in-process worker around image. The bundle argument
// to Launch is ignored — the image is already a compiled Go closure, not
// a bundle to load — matching how a local in-process executor
// skips VM provisioning entirely.
func New(image Image) *Worker {
	return &Worker{image: image}
}

func (w *Worker) Launch(_ context.Context, vatID string, _ []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.launched {
		return fmt.Errorf("inproc: worker for vat %q already launched", vatID)
	}
	w.vatID = vatID
	w.launched = true
	return nil
}

func (w *Worker) Deliver(ctx context.Context, d worker.Delivery, syscalls chan<- worker.Syscall) (worker.Outcome, error) {
	w.mu.Lock()
	launched := w.launched
	w.mu.Unlock()
	if !launched {
		return worker.Outcome{}, fmt.Errorf("inproc: deliver before launch")
	}
	return w.image(ctx, d, syscalls)
}

func (w *Worker) Ping(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.launched {
		return fmt.Errorf("inproc: not launched")
	}
	return nil
}

func (w *Worker) Terminate(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.launched = false
	return nil
}
