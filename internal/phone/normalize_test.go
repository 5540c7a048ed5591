package phone

import (
	"errors"
	"testing"

	"msgate/internal/errkind"
)

func TestNormalizeVariants(t *testing.T) {
	t.Parallel()
	n := New("55", "@s.whatsapp.net")
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "mobile national", raw: "11987654321", want: "5511987654321@s.whatsapp.net"},
		{name: "landline national", raw: "1133334444", want: "551133334444@s.whatsapp.net"},
		{name: "formatted", raw: "(11) 98765-4321", want: "5511987654321@s.whatsapp.net"},
		{name: "with country code", raw: "+55 11 98765-4321", want: "5511987654321@s.whatsapp.net"},
		{name: "already canonical", raw: "5511987654321@s.whatsapp.net", want: "5511987654321@s.whatsapp.net"},
		{name: "fallback short", raw: "98765432", want: "5598765432@s.whatsapp.net"},
		{name: "fallback foreign", raw: "447911123456", want: "55447911123456@s.whatsapp.net"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := n.Normalize(tt.raw)
			if err != nil {
				t.Fatalf("Normalize(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	t.Parallel()
	n := New("", DefaultAddressSuffix)
	a, err := n.Normalize("11987654321")
	if err != nil {
		t.Fatal(err)
	}
	b, err := n.Normalize("5511987654321")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("expected same address, got %q vs %q", a, b)
	}
	c, err := n.Normalize(a)
	if err != nil {
		t.Fatal(err)
	}
	if c != a {
		t.Fatalf("re-normalization changed address: %q -> %q", a, c)
	}
}

func TestRenormalizeLandlineDoublesCountryCode(t *testing.T) {
	t.Parallel()
	n := New("55", DefaultAddressSuffix)
	a, err := n.Normalize("1133334444")
	if err != nil {
		t.Fatal(err)
	}
	b, err := n.Normalize(a)
	if err != nil {
		t.Fatal(err)
	}
	if a != "551133334444@s.whatsapp.net" || b != "55551133334444@s.whatsapp.net" {
		t.Fatalf("landline = %q, renormalized = %q", a, b)
	}
}

func TestNormalizeRejectsEmpty(t *testing.T) {
	t.Parallel()
	n := New("55", "")
	for _, raw := range []string{"", "   ", "abc", "+()-"} {
		_, err := n.Normalize(raw)
		if !errors.Is(err, errkind.ErrInvalidRecipient) {
			t.Fatalf("Normalize(%q) err = %v, want invalid_recipient", raw, err)
		}
	}
}
