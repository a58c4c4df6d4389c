package translator

import (
	"context"
	"fmt"

	"github.com/ocap-kernel/kernel/internal/kernelerrors"
	"github.com/ocap-kernel/kernel/internal/krefs"
)

// Translator mediates between a vat's c-list and the kernel's object and
// promise tables. One Translator is constructed per crank, scoped to the
// vat being delivered to, and shares the crank's kvstore.Txn so every
// mutation lands in the same atomic unit of work.
type Translator struct {
	table *krefs.Table
	clist *CList
	vatID string
}

func New(table *krefs.Table, clist *CList, vatID string) *Translator {
	return &Translator{table: table, clist: clist, vatID: vatID}
}

// ExportFromVat resolves a vat-assigned export vref to its kernel kref,
// allocating a fresh kref and backing object/promise record on first
// sight: if vref is an export and not present, allocate a new kref,
// create an object/promise record owned by vatID,
// insert both directions."
func (t *Translator) ExportFromVat(ctx context.Context, vref Vref) (krefs.Kref, error) {
	if !vref.Export {
		return krefs.Kref{}, kernelerrors.ErrCListViolation(t.vatID, fmt.Sprintf("exportFromVat called with import vref %s", vref))
	}
	if k, ok, err := t.clist.LookupKref(ctx, vref); err != nil {
		return krefs.Kref{}, err
	} else if ok {
		return k, nil
	}

	var kref krefs.Kref
	var err error
	switch vref.Kind {
	case VKindPromise:
		kref, err = t.table.AllocatePromise(ctx, t.vatID)
	default:
		kref, err = t.table.AllocateObject(ctx, t.vatID)
	}
	if err != nil {
		return krefs.Kref{}, err
	}
	if err := t.clist.Insert(ctx, kref, vref); err != nil {
		return krefs.Kref{}, err
	}
	return kref, nil
}

// ExportResultPromise resolves a vat-assigned result-promise vref (the
// optional third argument of a send syscall) to its kernel kref, exactly
// like ExportFromVat except that a freshly allocated promise starts out
// decided by the kernel pseudo-vat rather than by the sending vat: a
// send's result is a kernel-decided promise until the
// send lands at its target and that vat's crank (see crank.go's
// ReassignDecider call at dispatch time) takes over deciding it; the
// sending vat never gets to resolve its own call's result.
func (t *Translator) ExportResultPromise(ctx context.Context, vref Vref) (krefs.Kref, error) {
	if !vref.Export {
		return krefs.Kref{}, kernelerrors.ErrCListViolation(t.vatID, fmt.Sprintf("exportResultPromise called with import vref %s", vref))
	}
	if vref.Kind != VKindPromise {
		return krefs.Kref{}, kernelerrors.ErrCListViolation(t.vatID, fmt.Sprintf("exportResultPromise called with non-promise vref %s", vref))
	}
	if k, ok, err := t.clist.LookupKref(ctx, vref); err != nil {
		return krefs.Kref{}, err
	} else if ok {
		return k, nil
	}

	kref, err := t.table.AllocatePromise(ctx, krefs.KernelPseudoVat)
	if err != nil {
		return krefs.Kref{}, err
	}
	if err := t.clist.Insert(ctx, kref, vref); err != nil {
		return krefs.Kref{}, err
	}
	return kref, nil
}

// ImportToVat resolves a kernel kref to this vat's local vref, allocating
// a fresh negative-numbered import vref on first sight and bumping the
// object's reachable count — unless dropped forbids it, in which case the
// call is rejected as a c-list violation rather than silently reviving
// a retired reference.
func (t *Translator) ImportToVat(ctx context.Context, kref krefs.Kref, dropped DroppedChecker) (Vref, error) {
	if v, ok, err := t.clist.LookupVref(ctx, kref); err != nil {
		return Vref{}, err
	} else if ok {
		return v, nil
	}

	if dropped != nil {
		wasDropped, err := dropped.WasDropped(ctx, kref)
		if err != nil {
			return Vref{}, err
		}
		if wasDropped {
			return Vref{}, kernelerrors.ErrCListViolation(t.vatID, fmt.Sprintf("forbidden re-import of dropped kref %s", kref))
		}
	}

	kind := VKindObject
	if kref.Kind == krefs.KindPromise {
		kind = VKindPromise
	}
	vref, err := t.clist.AllocateImportVref(ctx, kind)
	if err != nil {
		return Vref{}, err
	}
	if err := t.clist.Insert(ctx, kref, vref); err != nil {
		return Vref{}, err
	}
	if kref.Kind == krefs.KindObject {
		if err := t.table.IncReachable(ctx, kref); err != nil {
			return Vref{}, err
		}
	}
	return vref, nil
}

// DroppedChecker reports whether a kref was previously dropped by its
// owning vat, used to enforce the forbidden-re-import rule in
// ImportToVat. Satisfied by krefs.Table in production; a stub in tests.
type DroppedChecker interface {
	WasDropped(ctx context.Context, k krefs.Kref) (bool, error)
}

// TranslateOut walks a capdata's slots (each a kref string as produced by
// the kernel's own bookkeeping) and produces an equivalent capdata whose
// slots are this vat's vrefs, allocating c-list entries as needed so every
// referenced kref is present in the vat's c-list before the payload is
// handed to the worker.
func (t *Translator) TranslateOut(ctx context.Context, body string, slots []string, dropped DroppedChecker) (string, []string, error) {
	out := make([]string, len(slots))
	for i, slot := range slots {
		kref, err := krefs.ParseKref(slot)
		if err != nil {
			return "", nil, kernelerrors.ErrCListViolation(t.vatID, fmt.Sprintf("translateOut: slot %q is not a kref", slot))
		}
		vref, err := t.ImportToVat(ctx, kref, dropped)
		if err != nil {
			return "", nil, err
		}
		out[i] = vref.String()
	}
	return body, out, nil
}

// TranslateIn is the inverse: a capdata whose slots are this vat's vrefs
// is translated into one whose slots are kernel krefs. A new export
// introduced by the vat gets a fresh kref/object-record via
// ExportFromVat; every import slot already known to the c-list passes
// through unchanged; an import vref the c-list does not know is a c-list
// violation. Every new export object produced by this translation has its
// recognizable count bumped by one; TranslateIn leaves the reachable
// count unchanged.
func (t *Translator) TranslateIn(ctx context.Context, body string, vslots []string) (string, []string, error) {
	out := make([]string, len(vslots))
	for i, raw := range vslots {
		vref, err := ParseVref(raw)
		if err != nil {
			return "", nil, kernelerrors.ErrCListViolation(t.vatID, fmt.Sprintf("translateIn: slot %q is not a vref", raw))
		}

		if existing, ok, err := t.clist.LookupKref(ctx, vref); err != nil {
			return "", nil, err
		} else if ok {
			out[i] = existing.String()
			continue
		}

		if !vref.Export {
			return "", nil, kernelerrors.ErrCListViolation(t.vatID, fmt.Sprintf("translateIn: unknown import vref %s", vref))
		}

		kref, err := t.ExportFromVat(ctx, vref)
		if err != nil {
			return "", nil, err
		}
		if kref.Kind == krefs.KindObject {
			if err := t.table.IncRecognizable(ctx, kref); err != nil {
				return "", nil, err
			}
		}
		out[i] = kref.String()
	}
	return body, out, nil
}

// Destroy tears down this vat's entire c-list, used during termination.
func (t *Translator) Destroy(ctx context.Context) error {
	return t.clist.Destroy(ctx)
}
