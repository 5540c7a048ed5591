package adapter

import (
	"strings"
	"testing"
	"unicode/utf8"

	"msgate/pkg/logx"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 30) + "\n" + strings.Repeat("b", 30)
	tests := []struct {
		name  string
		in    string
		limit int
		mode  string
		want  []string
	}{
		{"short", "hello", 10, "", []string{"hello"}},
		{"newline boundary", long, 40, "", []string{strings.Repeat("a", 30), strings.Repeat("b", 30)}},
		{"hard cut", strings.Repeat("x", 25), 10, "", []string{"xxxxxxxxxx", "xxxxxxxxxx", "xxxxx"}},
		{"html tag kept whole", "abcdefg<bold>zz", 10, "HTML", []string{"abcdefg", "<bold>zz"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := splitText(tc.in, tc.limit, tc.mode)
			if strings.Join(got, "|") != strings.Join(tc.want, "|") {
				t.Fatalf("splitText = %q, want %q", got, tc.want)
			}
			for _, c := range got {
				if utf8.RuneCountInString(c) > tc.limit {
					t.Fatalf("chunk over limit: %q", c)
				}
			}
		})
	}
}

func TestNewRejectsEmptyToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}
