package astgrep

import (
	"context"
	"errors"
)

var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrPathOutsideRoot     = errors.New("path outside codebase root")
	ErrTimeout             = errors.New("pattern search timed out")
	ErrAstGrep             = errors.New("ast-grep error")
)

// Request describes a single ast-grep pattern search.
type Request struct {
	Pattern    string   // AST pattern with metavariables
	Language   string   // normalized language name
	Paths      []string // files or directories relative to Root; empty means the whole root
	Strictness string   // optional: cst, smart, ast, relaxed, signature
	Root       string   // absolute codebase root, used as the working directory
}

// Match is a single structural match.
type Match struct {
	File        string            `json:"file_path"`
	Text        string            `json:"code_snippet"`
	Language    string            `json:"language,omitempty"`
	ByteStart   int               `json:"byte_start"`
	ByteEnd     int               `json:"byte_end"`
	StartLine   int               `json:"start_line"` // 1-indexed
	EndLine     int               `json:"end_line"`   // 1-indexed
	StartColumn int               `json:"start_column"`
	EndColumn   int               `json:"end_column"`
	Lines       string            `json:"lines,omitempty"`
	MetaVars    map[string]string `json:"metavars,omitempty"`
}

// Runner executes ast-grep requests against a codebase.
type Runner interface {
	Run(ctx context.Context, req *Request) ([]Match, error)
	Name() string
}

// IsUserError reports whether err should be shown to the LLM as a tool error
// rather than treated as an internal failure.
func IsUserError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrUnsupportedLanguage) ||
		errors.Is(err, ErrPathOutsideRoot) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrAstGrep)
}

// rawMatch is one element of the array printed by `ast-grep run --json`.
//
//	{
//	  "text": "def main(): ...",
//	  "range": {"byteOffset": {"start": 10, "end": 42},
//	            "start": {"line": 1, "column": 0}, "end": {"line": 3, "column": 4}},
//	  "file": "merge.py",
//	  "lines": "def main(): ...",
//	  "language": "Python",
//	  "metaVariables": {"single": {"NAME": {"text": "main", ...}}, "multi": {...}}
//	}
//
// Lines and columns are 0-indexed.
type rawMatch struct {
	Text          string      `json:"text"`
	Range         rawRange    `json:"range"`
	File          string      `json:"file"`
	Lines         string      `json:"lines"`
	Language      string      `json:"language"`
	MetaVariables rawMetaVars `json:"metaVariables"`
}

type rawRange struct {
	ByteOffset rawOffset   `json:"byteOffset"`
	Start      rawPosition `json:"start"`
	End        rawPosition `json:"end"`
}

type rawOffset struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type rawPosition struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type rawMetaVars struct {
	Single map[string]rawMetaVar   `json:"single"`
	Multi  map[string][]rawMetaVar `json:"multi"`
}

type rawMetaVar struct {
	Text string `json:"text"`
}
