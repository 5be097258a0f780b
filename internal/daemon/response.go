package daemon

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
)

// Message statuses
const (
	StatusInfo  = "INFO"
	StatusWarn  = "WARN"
	StatusError = "ERROR"
)

// Response is the final JSON document a control command writes.
type Response struct {
	Messages []ResponseMessage `json:"messages"`
	Data     any               `json:"data,omitempty"`
}

type ResponseMessage struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (r *Response) AddMessage(message string, status string) {
	r.Messages = append(r.Messages, ResponseMessage{
		Message: message,
		Status:  status,
	})
}

func (r *Response) AddData(data any) {
	r.Data = data
}

// HasErrors reports whether any message has ERROR status.
func (r *Response) HasErrors() bool {
	for _, m := range r.Messages {
		if m.Status == StatusError {
			return true
		}
	}
	return false
}

// DecodeData unmarshals Data into v. Data arrives as generic JSON on the
// client side.
func (r *Response) DecodeData(v any) error {
	raw, err := json.Marshal(r.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func (r *Response) ToJSON() string {
	bytes, err := json.Marshal(r)
	if err != nil {
		panic(err)
	}
	return string(bytes)
}

func (r *Response) LogMessages() {
	for _, message := range r.Messages {
		LogMessage(message)
	}
}

// LogMessage logs one message at the level matching its status.
func LogMessage(message ResponseMessage) {
	switch message.Status {
	case StatusWarn:
		slog.Warn(message.Message)
	case StatusError:
		slog.Error(message.Message)
	default:
		slog.Info(message.Message)
	}
}

// StreamingResponse writes progress messages as JSON lines ahead of the
// final Response.
type StreamingResponse struct {
	mu sync.Mutex
	w  io.Writer
}

func NewStreamingResponse(w io.Writer) *StreamingResponse {
	return &StreamingResponse{w: w}
}

// WriteMessage sends one progress line.
func (s *StreamingResponse) WriteMessage(message, status string) error {
	line, err := json.Marshal(ResponseMessage{Message: message, Status: status})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(line, '\n'))
	return err
}
