// Package gateway pushes deferred image results to connected clients over
// WebSocket or socket.io, and answers polls for the same results.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/diy-mod/core/internal/modules/delivery/broker"
	"github.com/diy-mod/core/internal/pkg/jwt"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	socketio "github.com/zishang520/socket.io/v2/socket"
	"go.uber.org/zap"
)

// Jobs is the part of the broker the gateway needs.
type Jobs interface {
	Lookup(ctx context.Context, imageURL string, filters []string) (*broker.Job, error)
	Subscribe(ctx context.Context, jobID string, fn broker.Subscriber) (func(), error)
}

type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	IncludeBase64     bool
	AllowedOrigins    []string
	// Signer and Enforce gate socket.io handshakes; WebSocket routes use
	// the HTTP auth middleware.
	Signer  *jwt.Signer
	Enforce bool
	Logger  *zap.Logger
}

type Hub struct {
	jobs   Jobs
	opts   Options
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session

	upgrader websocket.Upgrader
	sio      *socketio.Server
}

func NewHub(jobs Jobs, opts Options) *Hub {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 300 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &Hub{
		jobs:     jobs,
		opts:     opts,
		logger:   opts.Logger,
		sessions: make(map[string]*session),
		sio:      socketio.NewServer(nil, nil),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	h.registerNamespace()
	return h
}

func (h *Hub) add(s *session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	n := len(h.sessions)
	h.mu.Unlock()
	h.logger.Info("delivery client connected",
		zap.String("user_id", s.userID),
		zap.String("session", s.id),
		zap.String("transport", string(s.transport)),
		zap.Int("connections", n))
}

func (h *Hub) remove(s *session) {
	s.close()
	h.mu.Lock()
	_, ok := h.sessions[s.id]
	delete(h.sessions, s.id)
	h.mu.Unlock()
	if ok {
		h.logger.Info("delivery client disconnected",
			zap.String("user_id", s.userID),
			zap.String("session", s.id),
			zap.String("transport", string(s.transport)))
	}
}

// Stats counts connections by transport.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var st Stats
	users := map[string]struct{}{}
	for _, s := range h.sessions {
		switch s.transport {
		case transportWS:
			st.WebSocket++
		case transportSocketIO:
			st.SocketIO++
		}
		users[s.userID] = struct{}{}
		st.Subscriptions += s.waiting()
	}
	st.Total = len(h.sessions)
	st.Users = len(users)
	return st
}

// Close disconnects every client and stops the socket.io server.
func (h *Hub) Close() {
	h.mu.Lock()
	all := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.Unlock()
	for _, s := range all {
		h.remove(s)
	}
	h.sio.Close(nil)
}

func newSessionID() string { return uuid.NewString() }

// handle dispatches one inbound frame.
func (h *Hub) handle(ctx context.Context, s *session, raw []byte) {
	s.touch()
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil || strings.TrimSpace(f.Type) == "" {
		h.send(s, newFrame(MsgError, errorData{Message: "malformed message"}))
		return
	}

	switch f.Type {
	case MsgPing:
		h.send(s, newFrame(MsgPong, nil))
	case MsgPong:
	case MsgWaitForImage:
		var req WaitRequest
		if err := json.Unmarshal(f.Data, &req); err != nil || strings.TrimSpace(req.ImageURL) == "" {
			h.send(s, newFrame(MsgError, errorData{Message: "wait_for_image needs image_url"}))
			return
		}
		h.waitForImage(ctx, s, req)
	default:
		h.send(s, newFrame(MsgError, errorData{Message: "unknown message type " + f.Type}))
	}
}

func (h *Hub) waitForImage(ctx context.Context, s *session, req WaitRequest) {
	job, err := h.jobs.Lookup(ctx, req.ImageURL, req.Filters)
	if err != nil {
		msg := "no job for this image and filters"
		if !errors.Is(err, broker.ErrJobNotFound) {
			h.logger.Warn("job lookup failed", zap.String("image_url", req.ImageURL), zap.Error(err))
			msg = "job lookup failed"
		}
		h.send(s, newFrame(MsgError, errorData{Message: msg, ImageURL: req.ImageURL}))
		return
	}
	if !s.reserve(job.ID) {
		return
	}

	filters := req.Filters
	cancel, err := h.jobs.Subscribe(ctx, job.ID, func(done *broker.Job) {
		s.release(done.ID)
		h.send(s, newFrame(MsgImageProcessed, h.processed(req.ImageURL, filters, done)))
	})
	if err != nil {
		s.release(job.ID)
		h.send(s, newFrame(MsgError, errorData{Message: "job vanished", ImageURL: req.ImageURL}))
		return
	}
	s.attach(job.ID, cancel)
	h.logger.Debug("client waiting for image",
		zap.String("user_id", s.userID),
		zap.String("job_id", job.ID))
}

func (h *Hub) processed(imageURL string, filters []string, job *broker.Job) ImageProcessed {
	if filters == nil {
		filters = []string{}
	}
	out := ImageProcessed{
		ImageURL: imageURL,
		Filters:  filters,
		JobID:    job.ID,
	}
	if job.Status == broker.StatusReady {
		out.Status = PollCompleted
		out.Result = job.Result
		if h.opts.IncludeBase64 {
			out.Base64URL = job.Base64
		}
	} else {
		out.Status = PollFailed
		out.Error = job.Error
	}
	return out
}

// send queues f for s; a client that cannot keep up is disconnected.
func (h *Hub) send(s *session, f outFrame) {
	if s.push(f) {
		return
	}
	select {
	case <-s.done:
	default:
		h.logger.Warn("delivery client too slow, disconnecting", zap.String("session", s.id))
		h.remove(s)
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
