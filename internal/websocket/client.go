package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"polydev/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var clientSeq atomic.Uint64

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	id   string
	seq  uint64
	hub  *Hub
	conn *websocket.Conn
	send chan Message
	sub  Subscription

	// alive is set by every pong and consumed by every ping tick.
	alive atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	c := &Client{
		id:   uuid.NewString(),
		seq:  clientSeq.Add(1),
		hub:  hub,
		conn: conn,
		send: make(chan Message, sendBuffer),
		done: make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

func (c *Client) ID() string {
	return c.id
}

// Subscription is the client's current log filter.
func (c *Client) Subscription() *Subscription {
	return &c.sub
}

// queue hands a message to the write pump without blocking. It reports
// false when the client's buffer is full.
func (c *Client) queue(m Message) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- m:
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump handles subscription changes until the connection fails.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.Unregister <- c:
		case <-c.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Str("client", c.id).Msg("unexpected websocket close")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.queue(Message{Type: MessageTypeError, Message: "invalid message"})
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg ClientMessage) {
	switch msg.Type {
	case MessageTypeStartLogStream:
		c.sub.Set(msg.Service)
		logs, err := c.hub.recentLogs(msg.Service)
		if err != nil {
			logging.Warn().Err(err).Str("service", msg.Service).Msg("reading recent logs failed")
			c.queue(Message{Type: MessageTypeError, Service: msg.Service, Message: err.Error()})
			return
		}
		c.queue(Message{Type: MessageTypeLogData, Service: msg.Service, Data: logs})
	case MessageTypeStopLogStream:
		c.sub.Clear()
	default:
		c.queue(Message{Type: MessageTypeError, Message: "unknown message type: " + msg.Type})
	}
}

// writePump writes queued messages and runs the heartbeat: a client that
// has not answered the previous ping by the next tick is terminated.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case message := <-c.send:
			payload, err := json.Marshal(message)
			if err != nil {
				logging.Error().Err(err).Str("type", message.Type).Msg("failed to encode websocket message")
				continue
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logging.Debug().Err(err).Str("client", c.id).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			if !c.alive.Swap(false) {
				logging.Info().Str("client", c.id).Msg("terminating websocket client that missed a pong")
				return
			}
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// Start begins reading and writing for the client.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}
