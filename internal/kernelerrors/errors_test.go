package kernelerrors

import (
	"errors"
	"testing"
)

func TestCodeOfReturnsClassifiedCode(t *testing.T) {
	tests := []struct {
		err  error
		want Code
	}{
		{ErrVatNotFound("v1"), CodeVatNotFound},
		{ErrVatAlreadyExists("v1"), CodeVatAlreadyExists},
		{ErrVatDeleted("v1"), CodeVatDeleted},
		{ErrSubclusterNotFound("s1"), CodeSubclusterNotFound},
		{ErrDuplicateEndowment("e1"), CodeDuplicateEndowment},
		{ErrCListViolation("v1", "bad"), CodeCListViolation},
		{ErrVatFault("v1", errors.New("boom")), CodeVatFault},
	}
	for _, tt := range tests {
		if got := CodeOf(tt.err); got != tt.want {
			t.Errorf("CodeOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestCodeOfUnknownError(t *testing.T) {
	if got := CodeOf(errors.New("plain error")); got != CodeUnknown {
		t.Errorf("CodeOf(plain error) = %v, want %v", got, CodeUnknown)
	}
}

func TestClassificationPredicates(t *testing.T) {
	if !IsNotFound(ErrVatNotFound("v1")) {
		t.Error("ErrVatNotFound should be IsNotFound")
	}
	if !IsNotFound(ErrSubclusterNotFound("s1")) {
		t.Error("ErrSubclusterNotFound should be IsNotFound")
	}
	if !IsAlreadyExists(ErrVatAlreadyExists("v1")) {
		t.Error("ErrVatAlreadyExists should be IsAlreadyExists")
	}
	if !IsCListViolation(ErrCListViolation("v1", "x")) {
		t.Error("ErrCListViolation should be IsCListViolation")
	}
	if !IsVatFault(ErrVatFault("v1", errors.New("x"))) {
		t.Error("ErrVatFault should be IsVatFault")
	}
	if !IsVatDeleted(ErrVatDeleted("v1")) {
		t.Error("ErrVatDeleted should be IsVatDeleted")
	}
}

func TestIsFatalToCrank(t *testing.T) {
	fatal := []error{
		ErrCListViolation("v1", "bad"),
		ErrVatFault("v1", errors.New("boom")),
	}
	for _, err := range fatal {
		if !IsFatalToCrank(err) {
			t.Errorf("expected %v to be fatal to crank", err)
		}
	}

	nonFatal := []error{
		ErrVatNotFound("v1"),
		ErrVatAlreadyExists("v1"),
		ErrSubclusterNotFound("s1"),
	}
	for _, err := range nonFatal {
		if IsFatalToCrank(err) {
			t.Errorf("expected %v to not be fatal to crank", err)
		}
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	original := ErrCListViolation("v1", "forbidden re-import")
	m := Marshal(original)
	if m.Code != CodeCListViolation {
		t.Fatalf("expected marshalled code %v, got %v", CodeCListViolation, m.Code)
	}
	if m.Message != original.Error() {
		t.Fatalf("expected marshalled message %q, got %q", original.Error(), m.Message)
	}

	reconstructed := Unmarshal(m)
	if CodeOf(reconstructed) != CodeCListViolation {
		t.Fatalf("expected reconstructed code %v, got %v", CodeCListViolation, CodeOf(reconstructed))
	}
	if reconstructed.Error() != original.Error() {
		t.Fatalf("expected reconstructed message %q, got %q", original.Error(), reconstructed.Error())
	}
}

func TestMarshalIncludesCause(t *testing.T) {
	m := Marshal(ErrVatFault("v1", errors.New("worker crashed")))
	if m.Cause == "" {
		t.Fatal("expected a non-empty Cause for a wrapped error")
	}
}
