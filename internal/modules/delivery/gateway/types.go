package gateway

import (
	"encoding/json"
	"time"
)

const (
	MsgConnected      = "connected"
	MsgWaitForImage   = "wait_for_image"
	MsgImageProcessed = "image_processed"
	MsgPing           = "ping"
	MsgPong           = "pong"
	MsgError          = "error"

	namespaceDelivery = "/delivery"
	sessionBuffer     = 64
)

// Poll statuses returned by the polling endpoint. PollNotFound is a fourth
// status beyond the job states: no job was ever enqueued for the image and
// filter set, or it was swept after retention. Clients should stop polling
// on it rather than treat it as PROCESSING.
const (
	PollProcessing = "PROCESSING"
	PollCompleted  = "COMPLETED"
	PollFailed     = "FAILED"
	PollNotFound   = "NOT_FOUND"
)

// Frame is the envelope of every message on the delivery channel.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

type outFrame struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
}

func newFrame(typ string, data interface{}) outFrame {
	return outFrame{Type: typ, Data: data, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
}

type WaitRequest struct {
	ImageURL string   `json:"image_url"`
	Filters  []string `json:"filters"`
}

// ImageProcessed is pushed once per subscription when a job finishes.
type ImageProcessed struct {
	ImageURL  string   `json:"image_url"`
	Result    string   `json:"result,omitempty"`
	Filters   []string `json:"filters"`
	Status    string   `json:"status"`
	JobID     string   `json:"job_id"`
	Base64URL string   `json:"base64_url,omitempty"`
	Error     string   `json:"error,omitempty"`
}

type errorData struct {
	Message  string `json:"message"`
	ImageURL string `json:"image_url,omitempty"`
}

// PollResult is the body of GET /image-result.
type PollResult struct {
	Status         string `json:"status"`
	ProcessedValue string `json:"processed_value,omitempty"`
	Base64URL      string `json:"base64_url,omitempty"`
	JobID          string `json:"job_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Stats reports live connections.
type Stats struct {
	WebSocket     int `json:"websocket"`
	SocketIO      int `json:"socketio"`
	Total         int `json:"total"`
	Users         int `json:"users"`
	Subscriptions int `json:"subscriptions"`
}
