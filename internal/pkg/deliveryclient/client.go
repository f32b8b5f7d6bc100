// Package deliveryclient talks to the delivery channel from the consumer side:
// it keeps a WebSocket open with backoff, re-sends pending waits after a
// reconnect and falls back to polling when push does not arrive.
package deliveryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/diy-mod/core/internal/pkg/retry"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusNotFound   = "NOT_FOUND"
)

var (
	// ErrPollExhausted is returned when every poll attempt saw a pending job.
	ErrPollExhausted = errors.New("image result still pending after all poll attempts")
	ErrClosed        = errors.New("delivery client closed")
)

type Options struct {
	// BaseURL is the server root, e.g. http://localhost:8000.
	BaseURL string
	UserID  string
	Token   string

	Reconnect    retry.Policy
	PollAttempts int
	PollInterval time.Duration
	// PushTimeout bounds how long Await waits for a push before polling.
	PushTimeout time.Duration

	Dialer     *websocket.Dialer
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Result is a finished (or given up) image job as seen by the client.
type Result struct {
	ImageURL  string   `json:"image_url"`
	Status    string   `json:"status"`
	Result    string   `json:"result,omitempty"`
	Filters   []string `json:"filters,omitempty"`
	JobID     string   `json:"job_id,omitempty"`
	Base64URL string   `json:"base64_url,omitempty"`
	Error     string   `json:"error,omitempty"`
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type waitData struct {
	ImageURL string   `json:"image_url"`
	Filters  []string `json:"filters"`
}

type waiter struct {
	imageURL string
	filters  []string
	result   chan Result
	fallback chan struct{}
	once     sync.Once
}

func (w *waiter) resolve(r Result) {
	select {
	case w.result <- r:
	default:
	}
}

func (w *waiter) giveUp() {
	w.once.Do(func() { close(w.fallback) })
}

type Client struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	pending map[string][]*waiter

	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) (*Client, error) {
	if _, err := url.Parse(opts.BaseURL); err != nil || opts.BaseURL == "" {
		return nil, fmt.Errorf("invalid base url %q", opts.BaseURL)
	}
	if strings.TrimSpace(opts.UserID) == "" {
		return nil, errors.New("user id is required")
	}
	if opts.Reconnect.InitialDelay <= 0 {
		opts.Reconnect = retry.Reconnect()
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = 20
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Client{
		opts:    opts,
		logger:  opts.Logger,
		pending: make(map[string][]*waiter),
	}, nil
}

// Start keeps the WebSocket connected until ctx ends or Close is called.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		c.run(ctx)
	}()
}

func (c *Client) Close() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Connected reports whether a WebSocket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) run(ctx context.Context) {
	r := retry.New(c.opts.Reconnect)
	r.OnRetry = func(attempt int, err error, wait time.Duration) {
		c.logger.Debug("delivery reconnect scheduled",
			zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	for ctx.Err() == nil {
		var conn *websocket.Conn
		err := r.Do(ctx, func(ctx context.Context, _ int) error {
			cn, _, err := c.opts.Dialer.DialContext(ctx, c.wsURL(), c.header())
			if err != nil {
				return err
			}
			conn = cn
			return nil
		})
		if err != nil || conn == nil {
			return
		}
		c.serve(ctx, conn)
	}
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	var resend []*waiter
	for _, ws := range c.pending {
		if len(ws) > 0 {
			resend = append(resend, ws[0])
		}
	}
	c.mu.Unlock()
	c.logger.Info("delivery channel connected", zap.String("user_id", c.opts.UserID), zap.Int("pending", len(resend)))

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	for _, w := range resend {
		c.sendWait(conn, w)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("delivery channel dropped", zap.Error(err))
			}
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		c.dispatch(conn, f)
	}
}

func (c *Client) dispatch(conn *websocket.Conn, f frame) {
	switch f.Type {
	case "ping":
		_ = c.write(conn, frame{Type: "pong"})
	case "image_processed":
		var r Result
		if err := json.Unmarshal(f.Data, &r); err != nil {
			return
		}
		c.mu.Lock()
		ws := c.pending[waitKey(r.ImageURL, r.Filters)]
		c.mu.Unlock()
		for _, w := range ws {
			w.resolve(r)
		}
	case "error":
		var e struct {
			Message  string `json:"message"`
			ImageURL string `json:"image_url"`
		}
		_ = json.Unmarshal(f.Data, &e)
		c.logger.Debug("delivery error frame", zap.String("message", e.Message), zap.String("image_url", e.ImageURL))
		if e.ImageURL == "" {
			return
		}
		c.mu.Lock()
		var hit []*waiter
		for _, ws := range c.pending {
			for _, w := range ws {
				if w.imageURL == e.ImageURL {
					hit = append(hit, w)
				}
			}
		}
		c.mu.Unlock()
		for _, w := range hit {
			w.giveUp()
		}
	}
}

func (c *Client) sendWait(conn *websocket.Conn, w *waiter) {
	data, _ := json.Marshal(waitData{ImageURL: w.imageURL, Filters: w.filters})
	if err := c.write(conn, frame{Type: "wait_for_image", Data: data}); err != nil {
		c.logger.Debug("send wait_for_image failed", zap.Error(err))
	}
}

func (c *Client) write(conn *websocket.Conn, f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(f)
}

func (c *Client) register(imageURL string, filters []string) *waiter {
	w := &waiter{
		imageURL: imageURL,
		filters:  filters,
		result:   make(chan Result, 1),
		fallback: make(chan struct{}),
	}
	key := waitKey(imageURL, filters)
	c.mu.Lock()
	c.pending[key] = append(c.pending[key], w)
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.sendWait(conn, w)
	}
	return w
}

func (c *Client) unregister(w *waiter) {
	key := waitKey(w.imageURL, w.filters)
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.pending[key]
	for i, x := range ws {
		if x == w {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(c.pending, key)
		return
	}
	c.pending[key] = ws
}

// Await returns the processed image for imageURL and filters. It waits for a
// push first and polls once the push window passes or the server reports it
// does not know the job.
func (c *Client) Await(ctx context.Context, imageURL string, filters []string) (Result, error) {
	filters = normalize(filters)
	w := c.register(imageURL, filters)
	defer c.unregister(w)

	timer := time.NewTimer(c.opts.PushTimeout)
	defer timer.Stop()
	select {
	case r := <-w.result:
		return r, nil
	case <-w.fallback:
	case <-timer.C:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	return c.poll(ctx, w)
}

// Poll asks the polling endpoint until the job is terminal or the attempts
// run out.
func (c *Client) Poll(ctx context.Context, imageURL string, filters []string) (Result, error) {
	return c.poll(ctx, &waiter{imageURL: imageURL, filters: normalize(filters)})
}

func (c *Client) poll(ctx context.Context, w *waiter) (Result, error) {
	var lastErr error
	for attempt := 1; attempt <= c.opts.PollAttempts; attempt++ {
		r, err := c.PollOnce(ctx, w.imageURL, w.filters)
		switch {
		case err != nil:
			lastErr = err
			c.logger.Debug("poll failed", zap.Int("attempt", attempt), zap.Error(err))
		case r.Status == StatusCompleted || r.Status == StatusFailed:
			return r, nil
		}
		if attempt == c.opts.PollAttempts {
			break
		}
		// w.result is nil for plain polls.
		select {
		case r := <-w.result:
			return r, nil
		case <-time.After(c.opts.PollInterval):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if lastErr != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrPollExhausted, lastErr)
	}
	return Result{}, ErrPollExhausted
}

// PollOnce performs a single poll request.
func (c *Client) PollOnce(ctx context.Context, imageURL string, filters []string) (Result, error) {
	q := url.Values{"img_url": {imageURL}}
	if len(filters) > 0 {
		raw, _ := json.Marshal(filters)
		q.Set("filters", string(raw))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+"/image-result?"+q.Encode(), nil)
	if err != nil {
		return Result{}, err
	}
	c.authorize(req)
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("poll: unexpected status %d", resp.StatusCode)
	}
	var body struct {
		Status         string `json:"status"`
		ProcessedValue string `json:"processed_value"`
		Base64URL      string `json:"base64_url"`
		JobID          string `json:"job_id"`
		Error          string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Result{}, fmt.Errorf("poll: decode: %w", err)
	}
	return Result{
		ImageURL:  imageURL,
		Status:    body.Status,
		Result:    body.ProcessedValue,
		Filters:   filters,
		JobID:     body.JobID,
		Base64URL: body.Base64URL,
		Error:     body.Error,
	}, nil
}

// ProcessFeed posts feed to /get_feed and decodes the reply into out.
func (c *Client) ProcessFeed(ctx context.Context, feed, out interface{}) error {
	body, err := json.Marshal(feed)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/get_feed", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("get_feed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) wsURL() string {
	base := c.opts.BaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/" + url.PathEscape(c.opts.UserID)
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.opts.Token != "" {
		h.Set("Authorization", "Bearer "+c.opts.Token)
	}
	return h
}

func (c *Client) authorize(req *http.Request) {
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}
}

func normalize(filters []string) []string {
	out := make([]string, 0, len(filters))
	seen := make(map[string]struct{}, len(filters))
	for _, f := range filters {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func waitKey(imageURL string, filters []string) string {
	return imageURL + "\x00" + strings.Join(normalize(filters), "\x1f")
}
