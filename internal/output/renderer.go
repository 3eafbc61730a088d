package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/atikulmunna/mcpmon/internal/model"
)

// Renderer writes LogEvent values to an output stream.
type Renderer interface {
	Render(ev model.LogEvent) error
}

// ---------------------------------------------------------------------------
// Text Renderer (colorized terminal output)
// ---------------------------------------------------------------------------

const timestampLayout = "2006-01-02 15:04:05.000"

type palette struct {
	success   lipgloss.Style
	highlight lipgloss.Style
	err       lipgloss.Style
	warning   lipgloss.Style
	info      lipgloss.Style
	raw       lipgloss.Style
}

func newPalette(r *lipgloss.Renderer) palette {
	return palette{
		success:   r.NewStyle().Foreground(lipgloss.Color("42")),  // green
		highlight: r.NewStyle().Foreground(lipgloss.Color("201")), // magenta
		err:       r.NewStyle().Foreground(lipgloss.Color("196")), // red
		warning:   r.NewStyle().Foreground(lipgloss.Color("214")), // dark yellow
		info:      r.NewStyle().Foreground(lipgloss.Color("250")), // gray
		raw:       r.NewStyle(),
	}
}

func (p palette) style(c model.Category) lipgloss.Style {
	switch c {
	case model.CategoryCreateClient, model.CategoryConnected:
		return p.success
	case model.CategoryListOfferings:
		return p.highlight
	case model.CategoryMCPError, model.CategoryClientClosed, model.CategoryGenericError,
		model.CategoryNoServerInfo, model.CategoryUnrecognizedKeys:
		return p.err
	case model.CategoryGenericWarning, model.CategoryNoWorkspace:
		return p.warning
	case model.CategoryGenericInfo:
		return p.info
	default:
		return p.raw
	}
}

// TextRenderer prints one colored line per event. Lines from concurrent
// callers never interleave.
type TextRenderer struct {
	mu  sync.Mutex
	w   io.Writer
	pal palette
}

// NewTextRenderer returns a Renderer writing to w. Colors are enabled only
// when w is a terminal that supports them.
func NewTextRenderer(w io.Writer) *TextRenderer {
	return &TextRenderer{w: w, pal: newPalette(lipgloss.NewRenderer(w))}
}

func (r *TextRenderer) Render(ev model.LogEvent) error {
	line := r.pal.style(ev.Category).Render(Format(ev))

	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := fmt.Fprintln(r.w, line)
	return err
}

// Format returns the uncolored console form of ev:
//
//	[2025-03-02 12:26:34.698] [CreateClient] [Client: a602] => Handling CreateClient action
//	[NoWorkspace] No workspace folders found
func Format(ev model.LogEvent) string {
	if !ev.Category.Structured() {
		return fmt.Sprintf("[%s] %s", ev.Category, ev.Message)
	}
	return fmt.Sprintf("[%s] [%s] [Client: %s] => %s",
		ev.Timestamp.Format(timestampLayout), tag(ev), ev.ClientID, ev.Message)
}

func tag(ev model.LogEvent) string {
	switch ev.Category {
	case model.CategoryMCPError:
		return "Error"
	case model.CategoryGenericInfo, model.CategoryGenericWarning, model.CategoryGenericError:
		return ev.Level.String()
	default:
		return string(ev.Category)
	}
}

// ---------------------------------------------------------------------------
// JSON Renderer (structured output for piping)
// ---------------------------------------------------------------------------

type jsonEvent struct {
	Type      string `json:"type"`
	Level     string `json:"level"`
	Timestamp string `json:"timestamp"`
	ClientID  string `json:"clientId,omitempty"`
	Message   string `json:"message"`
	Source    string `json:"source"`
}

// JSONRenderer prints each event as a single JSON object per line.
type JSONRenderer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONRenderer returns a Renderer that writes JSON lines to w.
func NewJSONRenderer(w io.Writer) *JSONRenderer {
	return &JSONRenderer{enc: json.NewEncoder(w)}
}

func (r *JSONRenderer) Render(ev model.LogEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enc.Encode(jsonEvent{
		Type:      string(ev.Category),
		Level:     ev.Level.String(),
		Timestamp: ev.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		ClientID:  ev.ClientID,
		Message:   ev.Message,
		Source:    ev.Source,
	})
}
