package astgrep

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// Parse decodes the JSON array printed by `ast-grep run --json`.
// Empty output means no matches and is not an error.
func Parse(data []byte) ([]Match, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return []Match{}, nil
	}

	var raw []rawMatch
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid ast-grep JSON output: %w", err)
	}

	matches := make([]Match, 0, len(raw))
	for _, r := range raw {
		matches = append(matches, convertMatch(r))
	}
	return matches, nil
}

func convertMatch(r rawMatch) Match {
	m := Match{
		File:        filepath.ToSlash(strings.TrimPrefix(r.File, "./")),
		Text:        r.Text,
		Language:    strings.ToLower(r.Language),
		ByteStart:   r.Range.ByteOffset.Start,
		ByteEnd:     r.Range.ByteOffset.End,
		StartLine:   r.Range.Start.Line + 1,
		EndLine:     r.Range.End.Line + 1,
		StartColumn: r.Range.Start.Column + 1,
		EndColumn:   r.Range.End.Column + 1,
		Lines:       r.Lines,
	}

	if len(r.MetaVariables.Single) > 0 || len(r.MetaVariables.Multi) > 0 {
		m.MetaVars = make(map[string]string, len(r.MetaVariables.Single)+len(r.MetaVariables.Multi))
		for name, mv := range r.MetaVariables.Single {
			m.MetaVars[name] = mv.Text
		}
		for name, mvs := range r.MetaVariables.Multi {
			parts := make([]string, 0, len(mvs))
			for _, mv := range mvs {
				// multi captures include separator tokens such as ","
				if t := strings.TrimSpace(mv.Text); t != "" && t != "," {
					parts = append(parts, mv.Text)
				}
			}
			m.MetaVars[name] = strings.Join(parts, ", ")
		}
	}
	return m
}
