package model

import (
	"fmt"
	"strings"
	"time"
)

// RawLine is one complete line read from a tailed file.
type RawLine struct {
	Text   string
	Source string // absolute path of the originating file
}

// Category identifies what kind of MCP activity a line describes.
type Category string

const (
	CategoryCreateClient  Category = "CreateClient"
	CategoryListOfferings Category = "ListOfferings"
	CategoryMCPError      Category = "MCPError"
	CategoryClientClosed  Category = "ClientClosed"
	CategoryConnected     Category = "Connected"

	CategoryGenericInfo    Category = "GenericInfo"
	CategoryGenericWarning Category = "GenericWarning"
	CategoryGenericError   Category = "GenericError"

	// Unstructured lines (no timestamp/level/client prefix).
	CategoryNoServerInfo     Category = "NoServerInfo"
	CategoryUnrecognizedKeys Category = "UnrecognizedKeys"
	CategoryNoWorkspace      Category = "NoWorkspace"
	CategoryRaw              Category = "Raw"
)

// Structured reports whether the category was produced from a line carrying
// the standard timestamp/level/client prefix.
func (c Category) Structured() bool {
	switch c {
	case CategoryNoServerInfo, CategoryUnrecognizedKeys, CategoryNoWorkspace, CategoryRaw:
		return false
	}
	return true
}

// Level is the severity of an event, ordered from least to most severe.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// LogEvent is a classified line. It is never mutated after the parser
// returns it.
type LogEvent struct {
	Category  Category
	Level     Level
	Timestamp time.Time
	ClientID  string // empty for unstructured lines
	Message   string
	Source    string
	Raw       string
}

// ParseLevel converts a verbosity name to a Level. Besides the short names it
// accepts the long forms used by .NET-style configs ("Information",
// "Critical", "Trace").
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace", "verbose":
		return LevelDebug, nil
	case "info", "information", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarning, nil
	case "error", "critical", "fatal":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown verbosity %q", s)
}
