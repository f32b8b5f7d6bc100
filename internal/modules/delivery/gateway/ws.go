package gateway

import (
	"strings"
	"time"

	"github.com/diy-mod/core/internal/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
)

// ServeWS upgrades GET /ws/:user_id and runs the connection until either
// side closes it.
func (h *Hub) ServeWS(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	if userID == "" {
		response.BadRequest(c, "user_id is required")
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	s := newSession(newSessionID(), userID, transportWS)
	h.add(s)
	go h.writeLoop(conn, s)
	h.readLoop(c, conn, s)
}

func (h *Hub) readLoop(c *gin.Context, conn *websocket.Conn, s *session) {
	defer h.remove(s)
	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})
	ctx := c.Request.Context()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", zap.String("session", s.id), zap.Error(err))
			}
			return
		}
		h.handle(ctx, s, msg)
	}
}

// writeLoop is the connection's only writer. It also sends heartbeats and
// closes connections that stayed silent past the timeout.
func (h *Hub) writeLoop(conn *websocket.Conn, s *session) {
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	write := func(f outFrame) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(f); err != nil {
			h.logger.Debug("websocket write failed", zap.String("session", s.id), zap.Error(err))
			h.remove(s)
			return false
		}
		return true
	}

	if !write(newFrame(MsgConnected, gin.H{"user_id": s.userID, "session_id": s.id})) {
		return
	}
	for {
		select {
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case f := <-s.out:
			if !write(f) {
				return
			}
		case <-ticker.C:
			if s.idle() > h.opts.HeartbeatTimeout {
				h.logger.Info("websocket idle, closing",
					zap.String("user_id", s.userID),
					zap.Duration("idle", s.idle()))
				h.remove(s)
				continue
			}
			if !write(newFrame(MsgPing, nil)) {
				return
			}
		}
	}
}
