package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"

	"github.com/atikulmunna/mcpmon/internal/logging"
	"github.com/atikulmunna/mcpmon/internal/metrics"
	"github.com/atikulmunna/mcpmon/internal/model"
)

// ErrClosed is returned by Connect and Broadcast after Close.
var ErrClosed = errors.New("hub: closed")

const (
	writeWait  = 5 * time.Second
	closeGrace = time.Second
)

// Conn is the part of a websocket connection the hub uses. *websocket.Conn
// satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Message is the JSON object pushed to subscribers, one per event.
type Message struct {
	Type      string  `json:"type"`
	Timestamp string  `json:"timestamp"`
	ClientID  *string `json:"clientId"`
	Message   string  `json:"message"`
	FileName  string  `json:"fileName"`
}

// NewMessage converts an event to its wire form.
func NewMessage(ev model.LogEvent) Message {
	m := Message{
		Type:      string(ev.Category),
		Timestamp: ev.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		Message:   ev.Message,
		FileName:  filepath.Base(ev.Source),
	}
	if ev.ClientID != "" {
		id := ev.ClientID
		m.ClientID = &id
	}
	if ev.Source == "" {
		m.FileName = ""
	}
	return m
}

type subscriber struct {
	id   string
	conn Conn
	open atomic.Bool
	wmu  sync.Mutex // one writer at a time per connection
}

func (s *subscriber) send(data []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub tracks connected subscribers and pushes every event to each of them.
// Unlike a channel fan-out, a failed push evicts the subscriber instead of
// dropping the message.
type Hub struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an empty Hub.
func New(logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		logger:  logger.With("component", "hub"),
		metrics: m,
		subs:    make(map[string]*subscriber),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect registers conn and blocks reading from it until the peer closes,
// a read fails, ctx is cancelled, or the hub is closed. The connection is
// deregistered and closed before Connect returns.
func (h *Hub) Connect(ctx context.Context, conn Conn) error {
	s := &subscriber{id: uuid.NewString(), conn: conn}
	s.open.Store(true)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	h.subs[s.id] = s
	n := len(h.subs)
	h.mu.Unlock()

	h.metrics.SetSubscribers(n)
	h.logger.Info("subscriber connected", "id", s.id, "subscribers", n)

	// ReadMessage has no context; closing the connection unblocks it.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	hubStop := context.AfterFunc(h.ctx, func() { conn.Close() })
	defer hubStop()

	var err error
	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			break
		}
		// Inbound data frames are ignored; only close matters.
	}
	s.open.Store(false)

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		h.logger.Warn("subscriber read error", "id", s.id, "error", err)
	}
	h.remove(s.id)
	conn.Close()
	return nil
}

// Broadcast serializes ev once and writes it to every subscriber. Subscribers
// whose write fails, or that are no longer open, are removed after the pass.
// It returns the number of successful deliveries.
func (h *Hub) Broadcast(ev model.LogEvent) (int, error) {
	data, err := json.Marshal(NewMessage(ev))
	if err != nil {
		return 0, err
	}
	return h.BroadcastRaw(data)
}

// BroadcastRaw writes an already encoded message to every subscriber.
func (h *Hub) BroadcastRaw(data []byte) (int, error) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return 0, ErrClosed
	}
	snapshot := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		snapshot = append(snapshot, s)
	}
	h.mu.RUnlock()

	var dead []string
	delivered := 0
	for _, s := range snapshot {
		if h.ctx.Err() != nil {
			// Close ran mid-broadcast; the rest are already torn down.
			break
		}
		if !s.open.Load() {
			dead = append(dead, s.id)
			continue
		}
		if err := s.send(data); err != nil {
			h.logger.Debug("push failed", "id", s.id, "error", err)
			s.open.Store(false)
			dead = append(dead, s.id)
			continue
		}
		delivered++
	}

	if len(dead) > 0 {
		for _, id := range dead {
			if s := h.remove(id); s != nil {
				s.conn.Close()
				h.logger.Info("removed dead subscriber", "id", id)
			}
		}
		h.metrics.BroadcastFailed(len(dead))
	}
	return delivered, nil
}

// remove deletes id from the registry and returns the entry, or nil if it
// was already gone.
func (h *Hub) remove(id string) *subscriber {
	h.mu.Lock()
	s, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	n := len(h.subs)
	h.mu.Unlock()

	if !ok {
		return nil
	}
	h.metrics.SetSubscribers(n)
	return s
}

// Count returns the number of registered subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close cancels every pending Connect, sends a best-effort close frame to
// each subscriber, closes the connections and empties the registry.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]*subscriber)
	h.mu.Unlock()

	var wg conc.WaitGroup
	for _, s := range subs {
		wg.Go(func() {
			s.open.Store(false)
			// WriteControl may run concurrently with an in-flight send.
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
			s.conn.Close()
		})
	}
	wg.Wait()
	h.cancel()

	h.metrics.SetSubscribers(0)
	h.logger.Info("hub closed", "subscribers", len(subs))
	return nil
}
