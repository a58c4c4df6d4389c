// Package translator implements the per-vat c-list: the bidirectional
// mapping between a vat's local references (vrefs) and the kernel's
// global references (krefs), plus the allocation and refcount-bump rules
// that keep the two in sync.
package translator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ocap-kernel/kernel/internal/krefs"
)

// VKind mirrors krefs.Kind at the vat-local layer.
type VKind string

const (
	VKindObject  VKind = "object"
	VKindPromise VKind = "promise"
)

func (k VKind) sigil() string {
	if k == VKindPromise {
		return "p"
	}
	return "o"
}

// Vref is a vat-local reference: a sigil, a polarity (export vs import),
// and a number. Exports are numbered by the vat itself (o+0, o+1, ...);
// imports are numbered by the kernel using the next negative number
// for the vat, rendered with the "-" polarity sigil rather
// than a literal negative integer so the two numbering spaces never
// collide textually.
type Vref struct {
	Kind    VKind
	Export  bool // true: o+/p+ (vat-assigned); false: o-/p- (kernel-assigned import)
	Number  uint64
}

func (v Vref) String() string {
	polarity := "-"
	if v.Export {
		polarity = "+"
	}
	return fmt.Sprintf("%s%s%d", v.Kind.sigil(), polarity, v.Number)
}

func (v Vref) IsZero() bool { return v.Kind == "" }

// ParseVref parses strings of the form "o+0", "o-3", "p+1", "p-2".
func ParseVref(s string) (Vref, error) {
	if len(s) < 3 {
		return Vref{}, fmt.Errorf("translator: malformed vref %q", s)
	}
	var kind VKind
	switch s[0] {
	case 'o':
		kind = VKindObject
	case 'p':
		kind = VKindPromise
	default:
		return Vref{}, fmt.Errorf("translator: unknown vref sigil in %q", s)
	}
	var export bool
	switch s[1] {
	case '+':
		export = true
	case '-':
		export = false
	default:
		return Vref{}, fmt.Errorf("translator: unknown vref polarity in %q", s)
	}
	n, err := strconv.ParseUint(s[2:], 10, 64)
	if err != nil {
		return Vref{}, fmt.Errorf("translator: malformed vref number in %q: %w", s, err)
	}
	return Vref{Kind: kind, Export: export, Number: n}, nil
}

func LooksLikeVref(s string) bool {
	return strings.HasPrefix(s, "o+") || strings.HasPrefix(s, "o-") ||
		strings.HasPrefix(s, "p+") || strings.HasPrefix(s, "p-")
}

// krefKindFor maps a Vref's kind to the matching krefs.Kind when
// allocating a fresh kernel reference for a vat-assigned export.
func krefKindFor(k VKind) krefs.Kind {
	if k == VKindPromise {
		return krefs.KindPromise
	}
	return krefs.KindObject
}
