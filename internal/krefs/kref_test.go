package krefs

import "testing"

func TestKrefString(t *testing.T) {
	tests := []struct {
		k    Kref
		want string
	}{
		{Kref{Kind: KindObject, N: 3}, "ko3"},
		{Kref{Kind: KindPromise, N: 12}, "kp12"},
		{Kref{Kind: KindDevice, N: 0}, "kd0"},
	}
	for _, tt := range tests {
		if got := tt.k.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestParseKrefRoundTrip(t *testing.T) {
	for _, s := range []string{"ko3", "kp12", "kd0"} {
		k, err := ParseKref(s)
		if err != nil {
			t.Fatalf("ParseKref(%q): %v", s, err)
		}
		if k.String() != s {
			t.Errorf("round trip %q -> %q", s, k.String())
		}
	}
}

func TestParseKrefMalformed(t *testing.T) {
	for _, s := range []string{"", "x", "kx1", "ko", "koabc"} {
		if _, err := ParseKref(s); err == nil {
			t.Errorf("ParseKref(%q) expected error, got nil", s)
		}
	}
}

func TestKrefIsZero(t *testing.T) {
	if !(Kref{}).IsZero() {
		t.Error("zero-value Kref should be IsZero")
	}
	if MustParseKref("ko1").IsZero() {
		t.Error("parsed Kref should not be IsZero")
	}
}

func TestLooksLikeKref(t *testing.T) {
	for _, s := range []string{"ko1", "kp2", "kd3"} {
		if !LooksLikeKref(s) {
			t.Errorf("LooksLikeKref(%q) = false, want true", s)
		}
	}
	for _, s := range []string{"", "hello", "x123"} {
		if LooksLikeKref(s) {
			t.Errorf("LooksLikeKref(%q) = true, want false", s)
		}
	}
}
