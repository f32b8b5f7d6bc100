package gateway

import (
	"sync"
	"sync/atomic"
	"time"
)

type transport string

const (
	transportWS       transport = "websocket"
	transportSocketIO transport = "socketio"
)

// session is one client connection, independent of its transport. Frames
// are queued on out and written by the transport's single writer.
type session struct {
	id        string
	userID    string
	transport transport

	out  chan outFrame
	done chan struct{}

	lastSeen atomic.Int64

	mu      sync.Mutex
	closed  bool
	pending map[string]func()
}

func newSession(id, userID string, t transport) *session {
	s := &session{
		id:        id,
		userID:    userID,
		transport: t,
		out:       make(chan outFrame, sessionBuffer),
		done:      make(chan struct{}),
		pending:   make(map[string]func()),
	}
	s.touch()
	return s
}

func (s *session) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

func (s *session) idle() time.Duration {
	return time.Since(time.Unix(0, s.lastSeen.Load()))
}

// push queues f. It reports false when the session is closed or its buffer
// is full.
func (s *session) push(f outFrame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- f:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

// reserve marks jobID as awaited. It returns false if the session is closed
// or already waiting for that job.
func (s *session) reserve(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.pending[jobID]; ok {
		return false
	}
	s.pending[jobID] = nil
	return true
}

// attach stores the cancel func of a reserved wait. If the wait already
// resolved, or the session closed meanwhile, cancel runs now.
func (s *session) attach(jobID string, cancel func()) {
	s.mu.Lock()
	_, waiting := s.pending[jobID]
	if waiting && !s.closed {
		s.pending[jobID] = cancel
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	cancel()
}

func (s *session) release(jobID string) {
	s.mu.Lock()
	delete(s.pending, jobID)
	s.mu.Unlock()
}

func (s *session) waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// close cancels the session's waits. The jobs themselves are untouched.
func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancels := make([]func(), 0, len(s.pending))
	for _, c := range s.pending {
		if c != nil {
			cancels = append(cancels, c)
		}
	}
	s.pending = map[string]func(){}
	s.mu.Unlock()

	close(s.done)
	for _, c := range cancels {
		c()
	}
}
