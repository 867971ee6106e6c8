package websocket

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"polydev/internal/logging"
)

const (
	DefaultBackoffMin = time.Second
	DefaultBackoffMax = 30 * time.Second
)

// Backoff doubles a delay from Min up to Max. It is not safe for concurrent use.
type Backoff struct {
	Min time.Duration
	Max time.Duration

	attempt int
}

func NewBackoff() *Backoff {
	return &Backoff{Min: DefaultBackoffMin, Max: DefaultBackoffMax}
}

// Next returns the delay before the next attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.Min
	for i := 0; i < b.attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	b.attempt++
	return d
}

// Reset starts over from Min, after a successful connect.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Follower streams an admin server's logs over /ws and reconnects with
// exponential backoff whenever the connection drops.
type Follower struct {
	URL     string
	Service string
	Dialer  *websocket.Dialer
	Backoff *Backoff
	// OnFrame receives every frame; OnConnect runs after each successful dial.
	OnFrame   func(Frame)
	OnConnect func()
}

// Run follows until ctx is done and then returns ctx.Err().
func (f *Follower) Run(ctx context.Context) error {
	if f.Dialer == nil {
		f.Dialer = websocket.DefaultDialer
	}
	if f.Backoff == nil {
		f.Backoff = NewBackoff()
	}

	for {
		err := f.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := f.Backoff.Next()
		logging.Warn().Err(err).Str("url", f.URL).Dur("retry_in", delay).Msg("log stream disconnected")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (f *Follower) session(ctx context.Context) error {
	conn, _, err := f.Dialer.DialContext(ctx, f.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.URL, err)
	}
	defer conn.Close()

	// unblock the read below on cancel
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	f.Backoff.Reset()
	if f.OnConnect != nil {
		f.OnConnect()
	}

	start, err := json.Marshal(ClientMessage{Type: MessageTypeStartLogStream, Service: f.Service})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, start); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logging.Debug().Err(err).Msg("ignoring malformed frame")
			continue
		}
		if f.OnFrame != nil {
			f.OnFrame(frame)
		}
	}
}
