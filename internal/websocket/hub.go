// Package websocket pushes live log and status events to dashboard clients
// and follows them from the command line.
package websocket

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polydev/internal/logging"
	"polydev/internal/metrics"
	"polydev/internal/models"
)

const (
	DefaultPingInterval = 30 * time.Second
	// RecentLines is how many stored lines answer a start_log_stream.
	RecentLines = 100
)

// LogSource answers start_log_stream with the most recent lines of service,
// or of every service when it is empty.
type LogSource interface {
	RecentLogs(service string, n int) ([]models.LogEntry, error)
}

// LogSourceFunc adapts a function to LogSource.
type LogSourceFunc func(service string, n int) ([]models.LogEntry, error)

func (f LogSourceFunc) RecentLogs(service string, n int) ([]models.LogEntry, error) {
	return f(service, n)
}

// Hub maintains the set of active clients and fans messages out to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex

	logs         LogSource
	pingInterval time.Duration
}

func NewHub(logs LogSource, pingInterval time.Duration) *Hub {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	return &Hub{
		broadcast:    make(chan Message, 256),
		Register:     make(chan *Client),
		Unregister:   make(chan *Client),
		clients:      make(map[*Client]bool),
		logs:         logs,
		pingInterval: pingInterval,
	}
}

// RunWithContext processes registrations and broadcasts until ctx is done,
// then closes every client.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		// lifecycle events first so a broadcast never misses a fresh client
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case client := <-h.Register:
			h.add(client)
			continue
		case client := <-h.Unregister:
			h.remove(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case client := <-h.Register:
			h.add(client)
		case client := <-h.Unregister:
			h.remove(client)
		case message := <-h.broadcast:
			h.broadcastToClients(message)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WSConnections.Set(float64(n))
	logging.Info().Str("client", c.ID()).Int("total_clients", n).Msg("websocket client connected")
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WSConnections.Set(float64(n))
	logging.Info().Str("client", c.ID()).Int("total_clients", n).Msg("websocket client disconnected")
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	n := len(h.clients)
	for _, c := range h.sortedClients() {
		c.close()
		delete(h.clients, c)
	}
	h.mu.Unlock()
	metrics.WSConnections.Set(0)
	logging.Info().Str("component", "websocket-hub").Int("clients_closed", n).Msg("websocket hub stopped")
}

// sortedClients returns clients in connection order. Callers hold mu.
func (h *Hub) sortedClients() []*Client {
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].seq < clients[j].seq })
	return clients
}

// broadcastToClients delivers log_update only to matching subscriptions and
// everything else to all clients. A client whose queue is full is dropped.
func (h *Hub) broadcastToClients(message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var toRemove []*Client
	for _, c := range h.sortedClients() {
		if message.Type == MessageTypeLogUpdate && !c.sub.Matches(message.Service) {
			continue
		}
		if !c.queue(message) {
			toRemove = append(toRemove, c)
		}
	}
	for _, c := range toRemove {
		logging.Warn().Str("client", c.ID()).Msg("dropping slow websocket client")
		c.close()
		delete(h.clients, c)
	}
	if len(toRemove) > 0 {
		metrics.WSConnections.Set(float64(len(h.clients)))
	}
}

func (h *Hub) publish(message Message) {
	select {
	case h.broadcast <- message:
		metrics.WSMessagesSent.WithLabelValues(message.Type).Inc()
	default:
		logging.Warn().Str("message_type", message.Type).Msg("broadcast channel full, dropping message")
	}
}

// BroadcastLog pushes one new log line to subscribers of its service.
func (h *Hub) BroadcastLog(entry models.LogEntry) {
	h.publish(Message{Type: MessageTypeLogUpdate, Service: entry.Service, Data: entry})
}

// BroadcastLogsCleared tells every client that a service's logs were wiped.
func (h *Hub) BroadcastLogsCleared(service string) {
	h.publish(Message{Type: MessageTypeLogsCleared, Service: service})
}

// BroadcastStatus pushes the merged status of every service.
func (h *Hub) BroadcastStatus(statuses []models.ServiceHealth) {
	h.publish(Message{Type: MessageTypeStatusUpdate, Data: statuses})
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) recentLogs(service string) ([]models.LogEntry, error) {
	if h.logs == nil {
		return []models.LogEntry{}, nil
	}
	return h.logs.RecentLogs(service, RecentLines)
}

// ServeWS upgrades the request and attaches a client to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error().Err(err).Msg("websocket upgrade error")
		return
	}

	client := NewClient(h, conn)
	h.Register <- client
	client.Start()
}

// checkOrigin admits non-browser clients, same-host pages and pages served
// from the loopback interface.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == r.Host {
		return true
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
