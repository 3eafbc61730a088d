package parser

import (
	"regexp"
	"strings"
	"time"

	"github.com/atikulmunna/mcpmon/internal/model"
)

// Parser converts a raw log line into a structured LogEvent. The boolean is
// false when the line carries nothing worth reporting (blank lines).
type Parser interface {
	Parse(raw string, source string) (model.LogEvent, bool)
}

// timestampLayout matches the producer's "2025-03-02 12:26:34.698" stamps.
const timestampLayout = "2006-01-02 15:04:05.000"

// ---------------------------------------------------------------------------
// MCP Parser
// ---------------------------------------------------------------------------

// keywordRule maps a case-insensitive message substring to a category.
type keywordRule struct {
	needle   string
	category model.Category
	level    model.Level
}

// Structured rules, first match wins.
var structuredRules = []keywordRule{
	{"createclient action", model.CategoryCreateClient, model.LevelInfo},
	{"listofferings action", model.CategoryListOfferings, model.LevelInfo},
	{"error in mcp:", model.CategoryMCPError, model.LevelError},
	{"client closed for command", model.CategoryClientClosed, model.LevelWarning},
	{"successfully connected to stdio server", model.CategoryConnected, model.LevelInfo},
}

// Unstructured rules, first match wins; anything else is Raw.
var unstructuredRules = []keywordRule{
	{"no server info found", model.CategoryNoServerInfo, model.LevelError},
	{"unrecognized_keys", model.CategoryUnrecognizedKeys, model.LevelError},
	{"no workspace folders found", model.CategoryNoWorkspace, model.LevelWarning},
}

// MCPParser classifies lines from Cursor's MCP log:
//
//	2025-03-02 12:26:34.698 [info] a602: Handling CreateClient action
//
// Lines that do not have this shape go through the unstructured rules.
type MCPParser struct {
	re  *regexp.Regexp
	now func() time.Time
}

func NewMCPParser() *MCPParser {
	return &MCPParser{
		re:  regexp.MustCompile(`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3}) \[(\w+)\]\s+(\w+):\s+(.*)$`),
		now: time.Now,
	}
}

func (p *MCPParser) Parse(raw string, source string) (model.LogEvent, bool) {
	if strings.TrimSpace(raw) == "" {
		return model.LogEvent{}, false
	}

	matches := p.re.FindStringSubmatch(raw)
	if matches == nil {
		return p.unstructured(raw, source), true
	}

	ts, err := time.ParseInLocation(timestampLayout, matches[1], time.Local)
	if err != nil {
		ts = p.now()
	}

	entry := model.LogEvent{
		Timestamp: ts,
		ClientID:  matches[3],
		Message:   matches[4],
		Source:    source,
		Raw:       raw,
	}

	lowered := strings.ToLower(entry.Message)
	for _, r := range structuredRules {
		if strings.Contains(lowered, r.needle) {
			entry.Category = r.category
			entry.Level = r.level
			return entry, true
		}
	}

	// Fall back to the line's own level field.
	entry.Level = normalizeLevel(matches[2])
	switch entry.Level {
	case model.LevelError:
		entry.Category = model.CategoryGenericError
	case model.LevelWarning:
		entry.Category = model.CategoryGenericWarning
	default:
		entry.Category = model.CategoryGenericInfo
	}
	return entry, true
}

func (p *MCPParser) unstructured(raw, source string) model.LogEvent {
	entry := model.LogEvent{
		Category:  model.CategoryRaw,
		Level:     model.LevelInfo,
		Timestamp: p.now(),
		Message:   raw,
		Source:    source,
		Raw:       raw,
	}

	lowered := strings.ToLower(raw)
	for _, r := range unstructuredRules {
		if strings.Contains(lowered, r.needle) {
			entry.Category = r.category
			entry.Level = r.level
			break
		}
	}
	return entry
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// normalizeLevel maps the producer's bracketed level onto a Level.
func normalizeLevel(s string) model.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error", "err", "fatal", "critical":
		return model.LevelError
	case "warning", "warn":
		return model.LevelWarning
	case "debug", "trace":
		return model.LevelDebug
	default:
		return model.LevelInfo
	}
}
