package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/smartystreets/goconvey/convey"

	"polydev/internal/models"
)

func TestBackoff(t *testing.T) {
	Convey("Backoff doubles from one second up to thirty", t, func() {
		b := NewBackoff()
		var got []time.Duration
		for i := 0; i < 8; i++ {
			got = append(got, b.Next())
		}
		So(got, ShouldResemble, []time.Duration{
			time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
			16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
		})

		Convey("and Reset starts over", func() {
			b.Reset()
			So(b.Next(), ShouldEqual, time.Second)
		})
	})
}

func TestFollower(t *testing.T) {
	Convey("Given an admin server that drops the first connection", t, func() {
		var (
			conns     atomic.Int32
			mu        sync.Mutex
			subscribe []ClientMessage
		)
		upgrader := websocket.Upgrader{}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			n := conns.Add(1)

			var msg ClientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			mu.Lock()
			subscribe = append(subscribe, msg)
			mu.Unlock()
			if n == 1 {
				return
			}
			_ = conn.WriteJSON(Message{
				Type:    MessageTypeLogData,
				Service: msg.Service,
				Data:    []models.LogEntry{entry(msg.Service, "hello")},
			})
			// hold the connection open until the follower goes away
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}))
		defer srv.Close()

		frames := make(chan Frame, 4)
		f := &Follower{
			URL:     "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
			Service: "api",
			Backoff: &Backoff{Min: 10 * time.Millisecond, Max: 40 * time.Millisecond},
			OnFrame: func(fr Frame) { frames <- fr },
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- f.Run(ctx) }()

		Convey("it reconnects and resubscribes", func() {
			var fr Frame
			select {
			case fr = <-frames:
			case <-time.After(3 * time.Second):
			}
			So(fr.Type, ShouldEqual, MessageTypeLogData)
			entries, err := fr.Entries()
			So(err, ShouldBeNil)
			So(entries[0].Message, ShouldEqual, "hello")

			So(conns.Load(), ShouldEqual, int32(2))
			mu.Lock()
			So(subscribe, ShouldHaveLength, 2)
			So(subscribe[1], ShouldResemble, ClientMessage{Type: MessageTypeStartLogStream, Service: "api"})
			mu.Unlock()

			Convey("and cancel ends Run", func() {
				cancel()
				var err error
				select {
				case err = <-done:
				case <-time.After(3 * time.Second):
				}
				So(err, ShouldEqual, context.Canceled)
			})
		})

		Reset(func() { cancel() })
	})

	Convey("With nothing listening, Run keeps retrying until canceled", t, func() {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := "ws" + strings.TrimPrefix(srv.URL, "http")
		srv.Close()

		var connected atomic.Bool
		f := &Follower{
			URL:       url,
			Backoff:   &Backoff{Min: 5 * time.Millisecond, Max: 10 * time.Millisecond},
			OnConnect: func() { connected.Store(true) },
		}
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		So(f.Run(ctx), ShouldEqual, context.DeadlineExceeded)
		So(connected.Load(), ShouldBeFalse)
	})
}
