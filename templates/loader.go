package templates

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/adrg/frontmatter"
	"gopkg.in/yaml.v3"
)

// LoadDir loads every template file in dir. Markdown files (.md) carry the
// definition in YAML front matter and use the body as long-form
// documentation; .yaml and .yml files hold the definition alone.
//
// A missing directory yields no templates and no error.
func LoadDir(dir string) ([]*Template, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read template directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".md", ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []*Template
	for _, name := range names {
		t, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// LoadFile parses and validates a single template file. When the file does
// not set a name, the file name without extension is used.
func LoadFile(path string) (*Template, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open template %s: %w", path, err)
	}
	defer f.Close()

	t := &Template{}
	if strings.EqualFold(filepath.Ext(path), ".md") {
		body, err := frontmatter.Parse(f, t)
		if err != nil {
			return nil, fmt.Errorf("failed to parse front matter in %s: %w", path, err)
		}
		t.Body = strings.TrimSpace(string(body))
	} else {
		if err := yaml.NewDecoder(f).Decode(t); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if t.Name == "" {
		base := filepath.Base(path)
		t.Name = strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
	}
	t.Source = path

	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}
