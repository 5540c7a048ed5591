package template

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"msgate/internal/errkind"
	"msgate/pkg/logx"
)

type staticDefaults map[string]map[string]string

func (s staticDefaults) Defaults(_ context.Context, id string) (map[string]string, error) {
	v, ok := s[id]
	if !ok {
		return nil, errors.New("client not found")
	}
	return v, nil
}

func TestRenderUsesClientDefaults(t *testing.T) {
	t.Parallel()
	e := New(staticDefaults{"c1": {"client_name": "Maria", "visa_type": "D7", "target_country": "Portugal"}}, logx.Nop())
	out, err := e.Render(context.Background(), "welcome", map[string]string{}, "c1")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "Maria") || strings.Contains(out, "{{client_name}}") {
		t.Fatalf("output = %q", out)
	}
}

func TestRenderCallerWins(t *testing.T) {
	t.Parallel()
	e := New(staticDefaults{"c1": {"client_name": "Maria"}}, logx.Nop())
	out, err := e.Render(context.Background(), "status_update",
		map[string]string{"client_name": "Ana", "status": "aprovado"}, "c1")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.HasPrefix(out, "Ana,") || !strings.Contains(out, "aprovado") {
		t.Fatalf("output = %q", out)
	}
	// target_country has no value anywhere and stays literal.
	if !strings.Contains(out, "{{target_country}}") {
		t.Fatalf("unknown placeholder should remain: %q", out)
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	t.Parallel()
	e := New(nil, logx.Nop())
	_, err := e.Render(context.Background(), "does_not_exist", nil, "")
	if !errors.Is(err, errkind.ErrTemplateNotFound) {
		t.Fatalf("err = %v, want template_not_found", err)
	}
}

func TestRenderLookupFailureFallsBack(t *testing.T) {
	t.Parallel()
	e := New(staticDefaults{}, logx.Nop())
	out, err := e.Render(context.Background(), "welcome", map[string]string{"client_name": "João"}, "missing")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "João") {
		t.Fatalf("output = %q", out)
	}
}

func TestSubstitute(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		vars map[string]string
		want string
	}{
		{name: "spaces inside braces", body: "Hi {{ name }}!", vars: map[string]string{"name": "Bo"}, want: "Hi Bo!"},
		{name: "repeated", body: "{{a}}-{{a}}", vars: map[string]string{"a": "x"}, want: "x-x"},
		{name: "unknown kept", body: "{{a}} {{b}}", vars: map[string]string{"a": "1"}, want: "1 {{b}}"},
		{name: "no vars", body: "{{a}}", vars: nil, want: "{{a}}"},
		{name: "single braces untouched", body: "{a}", vars: map[string]string{"a": "1"}, want: "{a}"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Substitute(tt.body, tt.vars); got != tt.want {
				t.Fatalf("Substitute = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadFileOverridesBuiltin(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "templates.yaml")
	body := "templates:\n  - name: welcome\n    body: \"Hey {{client_name}}\"\n  - name: farewell\n    body: \"Bye\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	extra, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	e := New(nil, logx.Nop(), extra...)
	if !e.Has("farewell") || !e.Has("payment_confirmation") {
		t.Fatalf("names = %v", e.Names())
	}
	out, _ := e.Render(context.Background(), "welcome", map[string]string{"client_name": "Li"}, "")
	if out != "Hey Li" {
		t.Fatalf("override not applied: %q", out)
	}
}

func TestLoadFileRejectsDuplicates(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "t.yaml")
	body := "templates:\n  - name: a\n    body: x\n  - name: a\n    body: y\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected duplicate error")
	}
}
