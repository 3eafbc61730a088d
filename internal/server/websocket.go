package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/atikulmunna/mcpmon/internal/hub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the request and hands the connection to the hub,
// which pushes events to it until either side closes.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	if err := s.hub.Connect(c.Request.Context(), conn); err != nil && !errors.Is(err, hub.ErrClosed) {
		s.logger.Warn("websocket subscriber ended", "error", err)
	}
}
