package templates

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds templates by name. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewRegistry returns a registry holding the given templates.
func NewRegistry(ts ...*Template) (*Registry, error) {
	r := &Registry{templates: make(map[string]*Template)}
	for _, t := range ts {
		if err := r.Add(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add validates t and adds it. Names must be unique.
func (r *Registry) Add(t *Template) error {
	if t == nil {
		return fmt.Errorf("%w: nil template", ErrInvalidTemplate)
	}
	if err := t.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.templates[t.Name]; ok {
		return fmt.Errorf("%w: %s already defined by %s", ErrInvalidTemplate, t.Name, existing.Source)
	}
	r.templates[t.Name] = t
	return nil
}

// Merge adds ts. With override set, a template replaces an existing one of
// the same name instead of failing.
func (r *Registry) Merge(ts []*Template, override bool) error {
	for _, t := range ts {
		if t == nil {
			continue
		}
		if err := t.Validate(); err != nil {
			return err
		}
		if override {
			r.Remove(t.Name)
		}
		if err := r.Add(t); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes the named template, reporting whether it existed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.templates[name]
	delete(r.templates, name)
	return ok
}

// Get returns the named template.
func (r *Registry) Get(name string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	return t, nil
}

// List returns all templates sorted by name.
func (r *Registry) List() []*Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.templates)
}
