// Package templates defines retrieval templates: named, parameterized
// ast-grep patterns such as "function definition named X".
//
// A template declares typed parameters and one or more patterns per
// language. Patterns use Go text/template placeholders for parameters
// ({{.function_name}}) and ast-grep metavariables ($NAME, $$$ARGS) for the
// parts left to the matcher.
package templates

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"github.com/martin-wey/code-context-agent/astgrep"
)

var (
	ErrUnknownTemplate = errors.New("unknown template")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidTemplate = errors.New("invalid template")
)

// Kind constrains the values a parameter accepts. Values are spliced into
// ast-grep patterns, so each kind is restricted to what cannot change the
// pattern's structure.
type Kind string

const (
	KindIdentifier Kind = "identifier"
	KindModule     Kind = "module"
	KindText       Kind = "text"
)

var (
	identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	moduleRe     = regexp.MustCompile(`^@?[A-Za-z0-9_.:/\-]+$`)
	nameRe       = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// ReservedNames are taken by the built-in MCP tools and cannot be used as
// template names.
var ReservedNames = map[string]bool{
	"run_pattern":      true,
	"list_templates":   true,
	"index_codebase":   true,
	"delete_index":     true,
	"retrieval_status": true,
}

// ReservedParams are the inputs every template tool accepts besides its own
// parameters.
var ReservedParams = map[string]bool{
	"language":     true,
	"target_files": true,
	"file_globs":   true,
	"limit":        true,
	"strictness":   true,
	"pattern":      true,
}

// Param is a template parameter.
type Param struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description,omitempty"`
	Kind        Kind   `yaml:"kind" json:"kind"`
	Required    bool   `yaml:"required" json:"required"`
	Default     string `yaml:"default" json:"default,omitempty"`
}

// Template is a named structural query.
type Template struct {
	Name        string              `yaml:"name" json:"name"`
	Description string              `yaml:"description" json:"description"`
	Anchor      string              `yaml:"anchor" json:"anchor,omitempty"`
	Params      []Param             `yaml:"params" json:"params"`
	Patterns    map[string][]string `yaml:"patterns" json:"patterns"`

	// Body is the free-form text of a Markdown template file.
	Body string `yaml:"-" json:"body,omitempty"`
	// Source is "builtin" or the file the template was loaded from.
	Source string `yaml:"-" json:"source"`

	compiled map[string][]*template.Template
}

// Validate checks the template definition, normalizes its language keys and
// compiles its patterns. It must succeed before Render is called.
func (t *Template) Validate() error {
	if !nameRe.MatchString(t.Name) {
		return fmt.Errorf("%w: name %q must be snake_case", ErrInvalidTemplate, t.Name)
	}
	if ReservedNames[t.Name] {
		return fmt.Errorf("%w: name %q is reserved", ErrInvalidTemplate, t.Name)
	}

	seen := make(map[string]bool, len(t.Params))
	for i := range t.Params {
		p := &t.Params[i]
		if !nameRe.MatchString(p.Name) {
			return fmt.Errorf("%w: %s: param name %q must be snake_case", ErrInvalidTemplate, t.Name, p.Name)
		}
		if ReservedParams[p.Name] {
			return fmt.Errorf("%w: %s: param name %q is reserved", ErrInvalidTemplate, t.Name, p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: %s: duplicate param %q", ErrInvalidTemplate, t.Name, p.Name)
		}
		seen[p.Name] = true
		if p.Kind == "" {
			p.Kind = KindIdentifier
		}
		switch p.Kind {
		case KindIdentifier, KindModule, KindText:
		default:
			return fmt.Errorf("%w: %s: param %q has unknown kind %q", ErrInvalidTemplate, t.Name, p.Name, p.Kind)
		}
	}
	if t.Anchor != "" && !seen[t.Anchor] {
		return fmt.Errorf("%w: %s: anchor %q is not a declared param", ErrInvalidTemplate, t.Name, t.Anchor)
	}

	sample := make(map[string]string, len(t.Params))
	for _, p := range t.Params {
		sample[p.Name] = "x"
	}

	normalized := make(map[string][]string, len(t.Patterns))
	compiled := make(map[string][]*template.Template, len(t.Patterns))
	for lang, patterns := range t.Patterns {
		l, err := astgrep.NormalizeLanguage(lang)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidTemplate, t.Name, err)
		}
		for i, pattern := range patterns {
			if strings.TrimSpace(pattern) == "" {
				return fmt.Errorf("%w: %s: empty %s pattern", ErrInvalidTemplate, t.Name, l)
			}
			tpl, err := template.New(fmt.Sprintf("%s/%s/%d", t.Name, l, i)).Option("missingkey=error").Parse(pattern)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidTemplate, t.Name, err)
			}
			// every placeholder must name a declared param
			if err := tpl.Execute(&strings.Builder{}, sample); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidTemplate, t.Name, err)
			}
			compiled[l] = append(compiled[l], tpl)
		}
		normalized[l] = append(normalized[l], patterns...)
	}
	if len(normalized) == 0 {
		return fmt.Errorf("%w: %s: no patterns", ErrInvalidTemplate, t.Name)
	}

	t.Patterns = normalized
	t.compiled = compiled
	return nil
}

// Languages returns the languages this template has patterns for, sorted.
func (t *Template) Languages() []string {
	langs := make([]string, 0, len(t.Patterns))
	for l := range t.Patterns {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	return langs
}

// Param returns the named parameter.
func (t *Template) Param(name string) (Param, bool) {
	for _, p := range t.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Render validates args and returns the template's patterns for language
// with the arguments substituted.
func (t *Template) Render(language string, args map[string]string) ([]string, error) {
	if t.compiled == nil {
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}

	lang, err := astgrep.NormalizeLanguage(language)
	if err != nil {
		return nil, err
	}
	tpls, ok := t.compiled[lang]
	if !ok {
		return nil, fmt.Errorf("%w: template %s has no pattern for %s (available: %s)",
			ErrInvalidArgument, t.Name, lang, strings.Join(t.Languages(), ", "))
	}

	values, err := t.resolveArgs(args)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(tpls))
	for _, tpl := range tpls {
		var b strings.Builder
		if err := tpl.Execute(&b, values); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		out = append(out, b.String())
	}
	return out, nil
}

// AnchorValue returns the literal a prefilter should look for, or "" when the
// template has no anchor.
func (t *Template) AnchorValue(args map[string]string) string {
	if t.Anchor == "" {
		return ""
	}
	if v := strings.TrimSpace(args[t.Anchor]); v != "" {
		return v
	}
	p, _ := t.Param(t.Anchor)
	return p.Default
}

func (t *Template) resolveArgs(args map[string]string) (map[string]string, error) {
	values := make(map[string]string, len(t.Params))
	for _, p := range t.Params {
		v := strings.TrimSpace(args[p.Name])
		if v == "" {
			v = p.Default
		}
		if v == "" {
			if p.Required {
				return nil, fmt.Errorf("%w: %s is required", ErrInvalidArgument, p.Name)
			}
			// optional params without a value match anything
			v = "$" + strings.ToUpper(p.Name)
		} else if err := checkValue(p, v); err != nil {
			return nil, err
		}
		values[p.Name] = v
	}
	return values, nil
}

func checkValue(p Param, v string) error {
	switch p.Kind {
	case KindIdentifier, "":
		if !identifierRe.MatchString(v) {
			return fmt.Errorf("%w: %s must be an identifier, got %q", ErrInvalidArgument, p.Name, v)
		}
	case KindModule:
		if !moduleRe.MatchString(v) {
			return fmt.Errorf("%w: %s must be a module path, got %q", ErrInvalidArgument, p.Name, v)
		}
	case KindText:
		if strings.ContainsAny(v, "\n\r`") {
			return fmt.Errorf("%w: %s must be a single line without backticks", ErrInvalidArgument, p.Name)
		}
	}
	return nil
}
