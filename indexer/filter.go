package indexer

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

var skippedDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	"target":       true,
	"build":        true,
	"dist":         true,
	"venv":         true,
	"env":          true,
}

var binaryExts = map[string]bool{
	".exe": true, ".dll": true, ".so": true, ".dylib": true,
	".bin": true, ".obj": true, ".o": true, ".a": true,
	".zip": true, ".tar": true, ".gz": true, ".bz2": true,
	".7z": true, ".rar": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".ico": true, ".webp": true,
	".mp3": true, ".mp4": true, ".avi": true, ".mov": true,
	".pdf": true, ".doc": true, ".docx": true, ".xls": true,
	".xlsx": true, ".ppt": true, ".pptx": true,
	".class": true, ".jar": true, ".war": true,
	".pyc": true, ".pyo": true,
	".wasm": true, ".zoekt": true,
}

// Filter decides which paths under a codebase root are walked, indexed and
// watched. Hidden entries, well-known dependency and build directories and
// binary files are always skipped; ignore globs add to that.
type Filter struct {
	patterns []string
	globs    []glob.Glob
}

// NewFilter compiles ignore globs such as "docs/**" or "**/*_pb2.py".
// Globs match slash-separated paths relative to the root.
func NewFilter(ignore []string) (*Filter, error) {
	f := &Filter{}
	for _, p := range ignore {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, err
		}
		f.patterns = append(f.patterns, p)
		f.globs = append(f.globs, g)
	}
	return f, nil
}

// SkipDir reports whether the directory at rel should not be descended into.
func (f *Filter) SkipDir(rel string) bool {
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == "" {
		return false
	}
	base := filepath.Base(rel)
	if strings.HasPrefix(base, ".") || skippedDirs[base] {
		return true
	}
	return f.ignored(rel) || f.ignored(rel+"/**")
}

// SkipFile reports whether the file at rel should be ignored.
func (f *Filter) SkipFile(rel string) bool {
	rel = filepath.ToSlash(rel)
	base := filepath.Base(rel)
	if strings.HasPrefix(base, ".") {
		return true
	}
	if binaryExts[strings.ToLower(filepath.Ext(base))] {
		return true
	}
	return f.ignored(rel)
}

// Excluded reports whether the file at rel is skipped, either itself or
// because one of its parent directories is.
func (f *Filter) Excluded(rel string) bool {
	rel = filepath.ToSlash(rel)
	if f.SkipFile(rel) {
		return true
	}
	for dir := path.Dir(rel); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if f.SkipDir(dir) {
			return true
		}
	}
	return false
}

func (f *Filter) ignored(rel string) bool {
	for i, g := range f.globs {
		if g.Match(rel) {
			return true
		}
		// "**/x" also matches "x" at the root
		if !strings.Contains(rel, "/") && strings.HasPrefix(f.patterns[i], "**/") {
			if sg, err := glob.Compile(strings.TrimPrefix(f.patterns[i], "**/"), '/'); err == nil && sg.Match(rel) {
				return true
			}
		}
	}
	return false
}

// isBinaryContent looks for NUL bytes in the first 8KB.
func isBinaryContent(content []byte) bool {
	n := len(content)
	if n > 8192 {
		n = 8192
	}
	for _, b := range content[:n] {
		if b == 0 {
			return true
		}
	}
	return false
}
