package gateway

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/diy-mod/core/internal/middleware"
	socketio "github.com/zishang520/socket.io/v2/socket"
	"go.uber.org/zap"
)

// registerNamespace serves the delivery protocol on the socket.io namespace
// /delivery. Frames travel as the payload of the "message" event.
func (h *Hub) registerNamespace() {
	ns := h.sio.Of(namespaceDelivery, nil)
	_ = ns.On("connection", func(args ...any) {
		client, ok := args[0].(*socketio.Socket)
		if !ok {
			return
		}

		userID := handshakeValue(client, "user_id", "x-user-id")
		if userID == "" {
			_ = client.Emit("message", newFrame(MsgError, errorData{Message: "user_id is required"}))
			client.Disconnect(true)
			return
		}
		if !h.authorize(client, userID) {
			_ = client.Emit("message", newFrame(MsgError, errorData{Message: "auth failed"}))
			client.Disconnect(true)
			return
		}

		s := newSession(string(client.Id()), userID, transportSocketIO)
		h.add(s)
		_ = client.Emit("message", newFrame(MsgConnected, map[string]string{"user_id": userID, "session_id": s.id}))
		go h.pump(client, s)

		ctx, cancel := context.WithCancel(context.Background())
		_ = client.On("message", func(eventArgs ...any) {
			raw, ok := inboundBytes(eventArgs...)
			if !ok {
				return
			}
			h.handle(ctx, s, raw)
		})
		_ = client.On("disconnect", func(_ ...any) {
			cancel()
			h.remove(s)
		})
	})
}

// pump forwards queued frames to the socket.io client.
func (h *Hub) pump(client *socketio.Socket, s *session) {
	for {
		select {
		case <-s.done:
			return
		case f := <-s.out:
			if err := client.Emit("message", f); err != nil {
				h.logger.Debug("socket.io emit failed", zap.String("session", s.id), zap.Error(err))
				h.remove(s)
				return
			}
		}
	}
}

func (h *Hub) authorize(client *socketio.Socket, userID string) bool {
	if !h.opts.Enforce {
		return true
	}
	token := middleware.NormalizeToken(handshakeValue(client, "token", "authorization"))
	if token == "" || h.opts.Signer == nil {
		return false
	}
	claims, err := h.opts.Signer.Parse(token)
	return err == nil && claims.UserID == userID
}

func handshakeValue(client *socketio.Socket, query, header string) string {
	hs := client.Handshake()
	if hs == nil {
		return ""
	}
	if v := firstValueFromMultiMap(hs.Query, query); v != "" {
		return v
	}
	return firstValueFromMultiMap(hs.Headers, header)
}

func firstValueFromMultiMap(values map[string][]string, key string) string {
	for k, list := range values {
		if !strings.EqualFold(strings.TrimSpace(k), key) || len(list) == 0 {
			continue
		}
		if v := strings.TrimSpace(list[0]); v != "" {
			return v
		}
	}
	return ""
}

// inboundBytes turns a socket.io event argument back into a JSON frame.
func inboundBytes(args ...any) ([]byte, bool) {
	if len(args) == 0 || args[0] == nil {
		return nil, false
	}
	switch raw := args[0].(type) {
	case string:
		return []byte(raw), true
	case []byte:
		return raw, true
	default:
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, false
		}
		return data, true
	}
}
