// Package template renders named message bodies with {{placeholder}} tokens.
package template

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	yaml "go.yaml.in/yaml/v3"

	"msgate/internal/errkind"
	"msgate/pkg/logx"
)

type Template struct {
	Name string `yaml:"name"`
	Body string `yaml:"body"`
}

// DefaultsSource supplies per-client default variables.
type DefaultsSource interface {
	Defaults(ctx context.Context, clientID string) (map[string]string, error)
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Engine is read-only after construction and safe for concurrent use.
type Engine struct {
	byName   map[string]Template
	defaults DefaultsSource
	log      logx.Logger
}

// New builds an engine from the builtin registry plus extra templates; extra
// entries with a builtin name replace the builtin body.
func New(defaults DefaultsSource, log logx.Logger, extra ...Template) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		byName:   make(map[string]Template, len(Builtin)+len(extra)),
		defaults: defaults,
		log:      log.With(logx.String("comp", "template")),
	}
	for _, t := range Builtin {
		e.byName[t.Name] = t
	}
	for _, t := range extra {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			continue
		}
		t.Name = name
		e.byName[name] = t
	}
	return e
}

func (e *Engine) Has(name string) bool {
	_, ok := e.byName[name]
	return ok
}

func (e *Engine) Names() []string {
	out := make([]string, 0, len(e.byName))
	for n := range e.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Render fills template name. Client defaults sit under vars: on a key
// collision the caller's value wins. A failing defaults lookup is logged and
// rendering continues with vars only.
func (e *Engine) Render(ctx context.Context, name string, vars map[string]string, clientID string) (string, error) {
	t, ok := e.byName[name]
	if !ok {
		return "", errkind.New(errkind.KindTemplateNotFound, name)
	}

	merged := make(map[string]string, len(vars)+8)
	if clientID != "" && e.defaults != nil {
		defs, err := e.defaults.Defaults(ctx, clientID)
		if err != nil {
			e.log.Warn("client defaults lookup failed", logx.String("client_id", clientID), logx.Err(err))
		}
		for k, v := range defs {
			merged[k] = v
		}
	}
	for k, v := range vars {
		merged[k] = v
	}
	return Substitute(t.Body, merged), nil
}

// Substitute replaces every {{key}} found in vars. Unknown placeholders are
// left as they are.
func Substitute(body string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(body, "{{") {
		return body
	}
	return placeholder.ReplaceAllStringFunc(body, func(tok string) string {
		m := placeholder.FindStringSubmatch(tok)
		if v, ok := vars[m[1]]; ok {
			return v
		}
		return tok
	})
}

type fileFormat struct {
	Templates []Template `yaml:"templates"`
}

// LoadFile reads a YAML file of the form:
//
//	templates:
//	  - name: welcome
//	    body: "Hi {{client_name}}"
func LoadFile(path string) ([]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fileFormat
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("templates %s: %w", path, err)
	}
	seen := make(map[string]bool, len(f.Templates))
	for i, t := range f.Templates {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("templates %s: entry %d has no name", path, i)
		}
		if seen[name] {
			return nil, fmt.Errorf("templates %s: duplicate name %q", path, name)
		}
		seen[name] = true
	}
	return f.Templates, nil
}
