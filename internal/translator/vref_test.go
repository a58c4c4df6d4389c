package translator

import "testing"

func TestVrefStringAndParseRoundTrip(t *testing.T) {
	tests := []struct {
		v    Vref
		want string
	}{
		{Vref{Kind: VKindObject, Export: true, Number: 0}, "o+0"},
		{Vref{Kind: VKindObject, Export: false, Number: 3}, "o-3"},
		{Vref{Kind: VKindPromise, Export: true, Number: 1}, "p+1"},
		{Vref{Kind: VKindPromise, Export: false, Number: 2}, "p-2"},
	}
	for _, tt := range tests {
		if got := tt.v.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
		parsed, err := ParseVref(tt.want)
		if err != nil {
			t.Fatalf("ParseVref(%q): %v", tt.want, err)
		}
		if parsed != tt.v {
			t.Errorf("ParseVref(%q) = %+v, want %+v", tt.want, parsed, tt.v)
		}
	}
}

func TestParseVrefMalformed(t *testing.T) {
	for _, s := range []string{"", "o", "o+", "x+1", "o*1", "o+x"} {
		if _, err := ParseVref(s); err == nil {
			t.Errorf("ParseVref(%q) expected error, got nil", s)
		}
	}
}

func TestLooksLikeVref(t *testing.T) {
	for _, s := range []string{"o+0", "o-1", "p+2", "p-3"} {
		if !LooksLikeVref(s) {
			t.Errorf("LooksLikeVref(%q) = false, want true", s)
		}
	}
	for _, s := range []string{"", "ko1", "x+1"} {
		if LooksLikeVref(s) {
			t.Errorf("LooksLikeVref(%q) = true, want false", s)
		}
	}
}

func TestVrefIsZero(t *testing.T) {
	if !(Vref{}).IsZero() {
		t.Error("zero-value Vref should be IsZero")
	}
}
