package astgrep

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// supportedLanguages maps the ast-grep language name to the file extensions it
// parses. The extension list also drives the prefilter candidate filter.
var supportedLanguages = map[string][]string{
	"go":         {".go"},
	"python":     {".py", ".pyi"},
	"javascript": {".js", ".mjs", ".cjs"},
	"typescript": {".ts", ".mts", ".cts"},
	"tsx":        {".tsx"},
	"jsx":        {".jsx"},
	"rust":       {".rs"},
	"c":          {".c", ".h"},
	"cpp":        {".cpp", ".cc", ".cxx", ".hpp", ".hh", ".hxx"},
	"java":       {".java"},
	"php":        {".php"},
	"ruby":       {".rb"},
	"kotlin":     {".kt", ".kts"},
	"swift":      {".swift"},
	"csharp":     {".cs"},
	"lua":        {".lua"},
	"scala":      {".scala", ".sc"},
	"bash":       {".sh", ".bash"},
	"html":       {".html", ".htm"},
	"css":        {".css"},
	"json":       {".json"},
}

var languageAliases = map[string]string{
	"py":     "python",
	"js":     "javascript",
	"ts":     "typescript",
	"golang": "go",
	"rs":     "rust",
	"c++":    "cpp",
	"cs":     "csharp",
	"c#":     "csharp",
	"sh":     "bash",
	"rb":     "ruby",
	"kt":     "kotlin",
}

var validStrictness = map[string]bool{
	"cst":       true,
	"smart":     true,
	"ast":       true,
	"relaxed":   true,
	"signature": true,
}

// NormalizeLanguage lowercases lang and resolves common aliases.
// Unknown languages return an error wrapping ErrUnsupportedLanguage.
func NormalizeLanguage(lang string) (string, error) {
	l := strings.ToLower(strings.TrimSpace(lang))
	if alias, ok := languageAliases[l]; ok {
		l = alias
	}
	if _, ok := supportedLanguages[l]; !ok {
		return "", fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedLanguage, lang, strings.Join(Languages(), ", "))
	}
	return l, nil
}

// Languages returns the supported language names, sorted.
func Languages() []string {
	langs := make([]string, 0, len(supportedLanguages))
	for l := range supportedLanguages {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	return langs
}

// Extensions returns the file extensions parsed for a normalized language.
func Extensions(lang string) []string {
	return supportedLanguages[lang]
}

// ValidateRequest checks a request before it reaches ast-grep. It normalizes
// req.Language in place.
func ValidateRequest(req *Request) error {
	if req == nil {
		return fmt.Errorf("%w: request cannot be nil", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Pattern) == "" {
		return fmt.Errorf("%w: pattern is required", ErrInvalidRequest)
	}
	if req.Language == "" {
		return fmt.Errorf("%w: language is required", ErrInvalidRequest)
	}
	lang, err := NormalizeLanguage(req.Language)
	if err != nil {
		return err
	}
	req.Language = lang

	if req.Strictness != "" && !validStrictness[req.Strictness] {
		return fmt.Errorf("%w: strictness %q (valid: cst, smart, ast, relaxed, signature)", ErrInvalidRequest, req.Strictness)
	}

	if req.Root != "" {
		if !filepath.IsAbs(req.Root) {
			return fmt.Errorf("%w: codebase root must be absolute: %s", ErrInvalidRequest, req.Root)
		}
		for _, p := range req.Paths {
			if err := ValidatePath(p, req.Root); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidatePath verifies that path is relative and stays within root once
// cleaned, so "../../etc/passwd" style arguments never reach ast-grep.
func ValidatePath(path, root string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidRequest)
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("%w: %s (absolute paths not allowed)", ErrPathOutsideRoot, path)
	}

	cleanRoot := filepath.Clean(root)
	abs := filepath.Clean(filepath.Join(cleanRoot, path))
	if abs != cleanRoot && !strings.HasPrefix(abs, cleanRoot+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrPathOutsideRoot, path)
	}

	rel, err := filepath.Rel(cleanRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrPathOutsideRoot, path)
	}
	return nil
}

// BuildArgs constructs the argv for `ast-grep run`. It never produces a shell
// string; callers pass the slice straight to exec.
func BuildArgs(req *Request) ([]string, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	args := []string{
		"run",
		"--pattern", req.Pattern,
		"--lang", req.Language,
		"--json=compact",
	}
	if req.Strictness != "" {
		args = append(args, "--strictness", req.Strictness)
	}

	if len(req.Paths) == 0 {
		return append(args, "."), nil
	}
	for _, p := range req.Paths {
		p = filepath.ToSlash(filepath.Clean(p))
		// keep paths from being read as flags
		if strings.HasPrefix(p, "-") {
			p = "./" + p
		}
		args = append(args, p)
	}
	return args, nil
}
