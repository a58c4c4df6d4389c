// Package kernelerrors defines the kernel's fixed error-code enumeration
// and the classification helpers the rest of the kernel uses to decide
// "is this a protocol violation" vs "is this a not-found" vs "is this a
// fatal fault requiring a vat restart".
package kernelerrors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Code is one of the fixed error codes the kernel ever marshals across
// the operator RPC boundary or into a rejected promise's capdata.
type Code string

const (
	CodeVatNotFound        Code = "VAT_NOT_FOUND"
	CodeVatAlreadyExists   Code = "VAT_ALREADY_EXISTS"
	CodeVatDeleted         Code = "VAT_DELETED"
	CodeStreamReadError    Code = "STREAM_READ_ERROR"
	CodeSubclusterNotFound Code = "SUBCLUSTER_NOT_FOUND"
	CodeDuplicateEndowment Code = "DUPLICATE_ENDOWMENT"
	CodeCListViolation     Code = "CLIST_VIOLATION"
	CodeVatFault           Code = "VAT_FAULT"
	CodeUnknown            Code = "UNKNOWN"
)

var (
	errNotFound       = errors.New("not found")
	errAlreadyExists  = errors.New("already exists")
	errCListViolation = errors.New("c-list violation")
	errVatFault       = errors.New("vat fault")
	errVatDeleted     = errors.New("vat deleted")
)

// classifiedError pairs a sentinel classification with a concrete code
// and message, following a validation/conflict sentinel
// pattern generalized to the kernel's fixed code set.
type classifiedError struct {
	kind error
	code Code
	msg  string
}

func (e *classifiedError) Error() string { return e.msg }
func (e *classifiedError) Unwrap() error { return e.kind }
func (e *classifiedError) Code() Code    { return e.code }

// ErrVatNotFound reports that a vat ID has no live record.
func ErrVatNotFound(vatID string) error {
	return &classifiedError{kind: errNotFound, code: CodeVatNotFound, msg: fmt.Sprintf("vat %q not found", vatID)}
}

// ErrVatAlreadyExists reports a launch collision on an explicit vat ID.
func ErrVatAlreadyExists(vatID string) error {
	return &classifiedError{kind: errAlreadyExists, code: CodeVatAlreadyExists, msg: fmt.Sprintf("vat %q already exists", vatID)}
}

// ErrVatDeleted reports delivery to a vat that has already been terminated.
func ErrVatDeleted(vatID string) error {
	return &classifiedError{kind: errVatDeleted, code: CodeVatDeleted, msg: fmt.Sprintf("vat %q deleted", vatID)}
}

// ErrStreamReadError reports a worker transport read failure.
func ErrStreamReadError(vatID string, cause error) error {
	return &classifiedError{kind: errVatFault, code: CodeStreamReadError, msg: fmt.Sprintf("vat %q stream read error: %v", vatID, cause)}
}

// ErrSubclusterNotFound reports an unknown subcluster name.
func ErrSubclusterNotFound(name string) error {
	return &classifiedError{kind: errNotFound, code: CodeSubclusterNotFound, msg: fmt.Sprintf("subcluster %q not found", name)}
}

// ErrDuplicateEndowment reports a vat bundle declaring the same endowment twice.
func ErrDuplicateEndowment(name string) error {
	return &classifiedError{kind: errAlreadyExists, code: CodeDuplicateEndowment, msg: fmt.Sprintf("duplicate endowment %q", name)}
}

// ErrCListViolation reports a vat referencing a kref/vref outside the
// protocol (unknown kref, forbidden re-import of a dropped kref, etc.).
// This is fatal to the crank: the crank is rolled back and the vat
// restarted.
func ErrCListViolation(vatID, detail string) error {
	return &classifiedError{kind: errCListViolation, code: CodeCListViolation, msg: fmt.Sprintf("vat %q c-list violation: %s", vatID, detail)}
}

// ErrVatFault wraps an uncaught worker exception or unrecognized syscall.
func ErrVatFault(vatID string, cause error) error {
	return &classifiedError{kind: errVatFault, code: CodeVatFault, msg: fmt.Sprintf("vat %q fault: %v", vatID, cause)}
}

func IsNotFound(err error) bool { return errors.Is(err, errNotFound) }

func IsAlreadyExists(err error) bool { return errors.Is(err, errAlreadyExists) }

func IsCListViolation(err error) bool { return errors.Is(err, errCListViolation) }

func IsVatFault(err error) bool { return errors.Is(err, errVatFault) }

func IsVatDeleted(err error) bool { return errors.Is(err, errVatDeleted) }

// IsFatalToCrank reports whether err requires the crank's transaction to
// be rolled back and the owning vat scheduled for restart: c-list
// violations and vat faults are fatal; not-found/already-exists errors
// raised by operator calls are not (they never enter a crank).
func IsFatalToCrank(err error) bool {
	return IsCListViolation(err) || IsVatFault(err)
}

// CodeOf extracts the Code from err, falling back to CodeUnknown for
// errors that did not originate in this package.
func CodeOf(err error) Code {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.code
	}
	return CodeUnknown
}

// Marshalled is the wire shape for an error crossing the capdata
// boundary (a rejected promise's value, or an operator RPC failure):
// message, fixed code, optional structured data, and an optional cause
// chain rendered as a string (never a live error value — the kernel
// never serializes arbitrary Go types into capdata).
type Marshalled struct {
	Message string          `json:"message"`
	Code    Code            `json:"code"`
	Data    json.RawMessage `json:"data,omitempty"`
	Cause   string          `json:"cause,omitempty"`
}

// Marshal renders err as a Marshalled value suitable for capdata.
func Marshal(err error) Marshalled {
	m := Marshalled{Message: err.Error(), Code: CodeOf(err)}
	if unwrapped := errors.Unwrap(err); unwrapped != nil {
		m.Cause = unwrapped.Error()
	}
	return m
}

// Unmarshal reconstructs a plain classified error from a Marshalled
// value, used when a rejected promise's error crosses back into a log
// line or an operator-facing response.
func Unmarshal(m Marshalled) error {
	return &classifiedError{kind: errUnknownSentinel, code: m.Code, msg: m.Message}
}

var errUnknownSentinel = errors.New("kernel error")
