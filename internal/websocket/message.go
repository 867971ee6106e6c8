package websocket

import (
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"polydev/internal/models"
)

// Server to client frame types.
const (
	MessageTypeLogData      = "log_data"
	MessageTypeLogUpdate    = "log_update"
	MessageTypeLogsCleared  = "logs_cleared"
	MessageTypeStatusUpdate = "status_update"
	MessageTypeError        = "error"
)

// Client to server frame types.
const (
	MessageTypeStartLogStream = "start_log_stream"
	MessageTypeStopLogStream  = "stop_log_stream"
)

// Message is an outgoing frame.
type Message struct {
	Type    string      `json:"type"`
	Service string      `json:"service,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ClientMessage is an incoming frame.
type ClientMessage struct {
	Type    string `json:"type"`
	Service string `json:"service,omitempty"`
}

// Frame is an outgoing frame as decoded on the receiving side.
type Frame struct {
	Type    string          `json:"type"`
	Service string          `json:"service,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Entries decodes the log lines carried by log_data and log_update frames.
func (f Frame) Entries() ([]models.LogEntry, error) {
	switch f.Type {
	case MessageTypeLogData:
		var entries []models.LogEntry
		if err := json.Unmarshal(f.Data, &entries); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Type, err)
		}
		return entries, nil
	case MessageTypeLogUpdate:
		var entry models.LogEntry
		if err := json.Unmarshal(f.Data, &entry); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Type, err)
		}
		return []models.LogEntry{entry}, nil
	}
	return nil, nil
}

// Subscription is a connection's log filter. The zero value follows every service.
type Subscription struct {
	mu      sync.RWMutex
	service string
}

func (s *Subscription) Set(service string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.service = service
}

// Clear goes back to following every service.
func (s *Subscription) Clear() {
	s.Set("")
}

func (s *Subscription) Service() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.service
}

// Matches reports whether entries of service should reach this subscriber.
func (s *Subscription) Matches(service string) bool {
	filter := s.Service()
	return filter == "" || filter == service
}
