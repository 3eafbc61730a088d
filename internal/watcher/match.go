package watcher

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher decides whether a discovered file is one we should tail.
//
// The pattern is either a plain file name ("Cursor MCP.log") or a doublestar
// glob ("*.log", "**/exthost/**/*.log"). Candidates are the file's base name
// and its slash-separated path relative to each supplied base directory, so a
// pattern may be written against either. Comparison is case-insensitive.
type Matcher struct {
	pattern string
	literal bool
}

// NewMatcher validates pattern and returns a Matcher for it.
func NewMatcher(pattern string) (*Matcher, error) {
	p := strings.ToLower(filepath.ToSlash(strings.TrimSpace(pattern)))
	if p == "" {
		return nil, fmt.Errorf("empty log pattern")
	}
	if !doublestar.ValidatePattern(p) {
		return nil, fmt.Errorf("invalid log pattern %q", pattern)
	}
	return &Matcher{
		pattern: p,
		literal: !strings.ContainsAny(p, "*?[{"),
	}, nil
}

// Pattern returns the normalized pattern.
func (m *Matcher) Pattern() string {
	return m.pattern
}

// Match reports whether path matches. bases are directories that path may be
// expressed relative to; bases that do not contain path are ignored.
func (m *Matcher) Match(path string, bases ...string) bool {
	candidates := []string{strings.ToLower(filepath.Base(path))}
	for _, base := range bases {
		rel, err := filepath.Rel(base, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		candidates = append(candidates, strings.ToLower(filepath.ToSlash(rel)))
	}

	for _, c := range candidates {
		if m.literal {
			if c == m.pattern || strings.HasSuffix(c, "/"+m.pattern) {
				return true
			}
			continue
		}
		if ok, _ := doublestar.Match(m.pattern, c); ok {
			return true
		}
	}
	return false
}
