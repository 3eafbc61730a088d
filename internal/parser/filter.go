package parser

import (
	"strings"

	"github.com/atikulmunna/mcpmon/internal/model"
)

// Filter drops raw lines that do not contain a text needle and events below
// a minimum level. The zero value allows everything at LevelDebug and above.
type Filter struct {
	needle string
	min    model.Level
}

// NewFilter returns a Filter. text is matched case-insensitively; an empty
// text allows every line.
func NewFilter(text string, min model.Level) *Filter {
	return &Filter{needle: strings.ToLower(text), min: min}
}

// Allow is applied to raw lines before classification.
func (f *Filter) Allow(line string) bool {
	if f == nil || f.needle == "" {
		return true
	}
	return strings.Contains(strings.ToLower(line), f.needle)
}

// AllowEvent is applied after classification.
func (f *Filter) AllowEvent(ev model.LogEvent) bool {
	if f == nil {
		return true
	}
	return ev.Level >= f.min
}
