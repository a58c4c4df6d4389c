package kernel

import (
	"context"
	"fmt"

	"github.com/ocap-kernel/kernel/internal/kernelerrors"
	"github.com/ocap-kernel/kernel/internal/krefs"
	"github.com/ocap-kernel/kernel/internal/promise"
	"github.com/ocap-kernel/kernel/internal/runqueue"
)

// kernelPseudoVat is the decider identity queueMessage uses for any
// promise it introduces before a target vat's crank takes over deciding
// it: the caller is treated as the "kernel" pseudo-vat, decider of any
// introduced promises until reassigned. Shared with
// the send syscall's result-promise allocation in internal/vathost.
const kernelPseudoVat = krefs.KernelPseudoVat

// QueueMessage implements the operator RPC queueMessage(target, method,
// args): send target.method(args), returning the kref of a promise the
// caller can later learn the answer to via notify or another queued
// message against it. args is capdata whose slots are already kernel
// krefs (the operator surface speaks krefs directly; vat-local vref
// translation only happens once a crank actually delivers to a vat).
func (k *Kernel) QueueMessage(ctx context.Context, target string, method string, args krefs.CapData) (string, error) {
	targetKref, err := krefs.ParseKref(target)
	if err != nil {
		return "", kernelerrors.ErrCListViolation(kernelPseudoVat, fmt.Sprintf("queueMessage: malformed target %q", target))
	}

	txn, err := k.store.BeginCrank(ctx)
	if err != nil {
		return "", fmt.Errorf("kernel: begin queueMessage transaction: %w", err)
	}
	table := krefs.NewTable(txn)
	q := runqueue.New(txn, k.notifier)

	resultP, err := table.AllocatePromise(ctx, kernelPseudoVat)
	if err != nil {
		_ = txn.Rollback(ctx)
		return "", err
	}

	// The same router the send syscall and the splice-on-resolve path
	// use: queue for a live object's owner, pipeline onto a still-
	// unresolved promise, settle the result directly for anything else.
	resolver := promise.NewResolver(table, q)
	if err := resolver.RouteSend(ctx, kernelPseudoVat, targetKref, method, args, resultP); err != nil {
		_ = txn.Rollback(ctx)
		return "", err
	}

	if err := txn.Commit(ctx); err != nil {
		return "", fmt.Errorf("kernel: commit queueMessage transaction: %w", err)
	}
	return resultP.String(), nil
}
