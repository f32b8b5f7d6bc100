package deliveryclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/diy-mod/core/internal/pkg/retry"
	"github.com/gorilla/websocket"
)

var fastReconnect = retry.Policy{InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2}

// fakeServer speaks just enough of the delivery protocol. The first
// connection is dropped as soon as a wait arrives; later ones answer it.
type fakeServer struct {
	upgrader websocket.Upgrader
	conns    atomic.Int32
	waits    atomic.Int32
	polls    atomic.Int32
	pollPlan []string

	mu       sync.Mutex
	lastAuth string
}

func (s *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/u1", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.lastAuth = r.Header.Get("Authorization")
		s.mu.Unlock()
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := s.conns.Add(1)
		_ = conn.WriteJSON(frame{Type: "connected"})
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			_ = json.Unmarshal(raw, &f)
			if f.Type != "wait_for_image" {
				continue
			}
			s.waits.Add(1)
			if n == 1 {
				return
			}
			var wd waitData
			_ = json.Unmarshal(f.Data, &wd)
			data, _ := json.Marshal(Result{
				ImageURL: wd.ImageURL,
				Filters:  wd.Filters,
				Status:   StatusCompleted,
				Result:   "https://cdn.example/out.png",
				JobID:    "job-1",
			})
			_ = conn.WriteJSON(frame{Type: "image_processed", Data: data})
		}
	})
	mux.HandleFunc("/image-result", func(w http.ResponseWriter, r *http.Request) {
		i := int(s.polls.Add(1)) - 1
		status := StatusProcessing
		if i < len(s.pollPlan) {
			status = s.pollPlan[i]
		}
		body := map[string]string{"status": status}
		if status == StatusCompleted {
			body["processed_value"] = "https://cdn.example/polled.png"
			body["job_id"] = "job-2"
		}
		if r.URL.Query().Get("filters") != `["clowns","spiders"]` {
			status = "bad filters"
			body["status"] = status
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	return mux
}

func newClient(t *testing.T, srv *httptest.Server, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		BaseURL:      srv.URL,
		UserID:       "u1",
		Token:        "tok",
		Reconnect:    fastReconnect,
		PollAttempts: 5,
		PollInterval: 5 * time.Millisecond,
		PushTimeout:  2 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestAwaitResendsAfterReconnect(t *testing.T) {
	fs := &fakeServer{}
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	c := newClient(t, srv, nil)
	c.Start(context.Background())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r, err := c.Await(ctx, "https://img.example/a.jpg", []string{"spiders", "clowns", "spiders"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusCompleted || r.JobID != "job-1" {
		t.Fatalf("unexpected result %+v", r)
	}
	if fs.conns.Load() < 2 || fs.waits.Load() < 2 {
		t.Fatalf("expected a reconnect with the wait re-sent, conns=%d waits=%d", fs.conns.Load(), fs.waits.Load())
	}
	if fs.polls.Load() != 0 {
		t.Fatal("push result should not need polling")
	}
	fs.mu.Lock()
	auth := fs.lastAuth
	fs.mu.Unlock()
	if auth != "Bearer tok" {
		t.Fatalf("token not forwarded, got %q", auth)
	}
}

func TestAwaitFallsBackToPolling(t *testing.T) {
	fs := &fakeServer{pollPlan: []string{StatusNotFound, StatusProcessing, StatusCompleted}}
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	// never started: no WebSocket, so the push window must lapse
	c := newClient(t, srv, func(o *Options) { o.PushTimeout = 20 * time.Millisecond })

	r, err := c.Await(context.Background(), "https://img.example/a.jpg", []string{"spiders", "clowns"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusCompleted || r.Result != "https://cdn.example/polled.png" {
		t.Fatalf("unexpected result %+v", r)
	}
	if fs.polls.Load() != 3 {
		t.Fatalf("expected 3 polls, got %d", fs.polls.Load())
	}
}

func TestPollGivesUp(t *testing.T) {
	fs := &fakeServer{}
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	c := newClient(t, srv, func(o *Options) { o.PollAttempts = 3 })
	_, err := c.Poll(context.Background(), "https://img.example/a.jpg", []string{"clowns", "spiders"})
	if err != ErrPollExhausted {
		t.Fatalf("expected ErrPollExhausted, got %v", err)
	}
	if fs.polls.Load() != 3 {
		t.Fatalf("expected 3 polls, got %d", fs.polls.Load())
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Options{UserID: "u1"}); err == nil {
		t.Fatal("missing base url should fail")
	}
	if _, err := New(Options{BaseURL: "http://x"}); err == nil {
		t.Fatal("missing user id should fail")
	}
	c, err := New(Options{BaseURL: "https://mod.example/", UserID: "a b"})
	if err != nil {
		t.Fatal(err)
	}
	if got := c.wsURL(); got != "wss://mod.example/ws/a%20b" {
		t.Fatalf("wsURL = %q", got)
	}
}
