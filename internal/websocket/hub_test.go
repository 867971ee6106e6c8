package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	. "github.com/smartystreets/goconvey/convey"

	"polydev/internal/models"
)

type testServer struct {
	hub    *Hub
	srv    *httptest.Server
	cancel context.CancelFunc
	url    string
}

func newTestServer(logs LogSource, ping time.Duration) *testServer {
	hub := NewHub(logs, ping)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.RunWithContext(ctx) }()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	return &testServer{
		hub:    hub,
		srv:    srv,
		cancel: cancel,
		url:    "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (ts *testServer) Close() {
	ts.cancel()
	ts.srv.Close()
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(ts.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func (ts *testServer) waitClients(n int) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ts.hub.GetClientCount() == n {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func send(conn *websocket.Conn, msg ClientMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func readFrame(conn *websocket.Conn, wait time.Duration) (Frame, error) {
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	var f Frame
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return f, err
	}
	err = json.Unmarshal(raw, &f)
	return f, err
}

func entry(service, msg string) models.LogEntry {
	return models.LogEntry{
		Timestamp: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
		Level:     models.LevelInfo,
		Service:   service,
		Message:   msg,
	}
}

func TestHub(t *testing.T) {
	Convey("Given a hub with recent logs", t, func() {
		logs := LogSourceFunc(func(service string, n int) ([]models.LogEntry, error) {
			return []models.LogEntry{entry(service, "recent")}, nil
		})
		ts := newTestServer(logs, time.Minute)
		defer ts.Close()

		Convey("start_log_stream answers with log_data", func() {
			conn := ts.dial(t)
			defer conn.Close()

			So(send(conn, ClientMessage{Type: MessageTypeStartLogStream, Service: "api"}), ShouldBeNil)
			f, err := readFrame(conn, 2*time.Second)
			So(err, ShouldBeNil)
			So(f.Type, ShouldEqual, MessageTypeLogData)
			So(f.Service, ShouldEqual, "api")

			entries, err := f.Entries()
			So(err, ShouldBeNil)
			So(entries, ShouldHaveLength, 1)
			So(entries[0].Message, ShouldEqual, "recent")
		})

		Convey("log_update only reaches matching subscriptions", func() {
			api := ts.dial(t)
			defer api.Close()
			all := ts.dial(t)
			defer all.Close()
			So(ts.waitClients(2), ShouldBeTrue)

			So(send(api, ClientMessage{Type: MessageTypeStartLogStream, Service: "api"}), ShouldBeNil)
			_, err := readFrame(api, 2*time.Second)
			So(err, ShouldBeNil)

			ts.hub.BroadcastLog(entry("web", "for web"))
			ts.hub.BroadcastLog(entry("api", "for api"))

			f, err := readFrame(api, 2*time.Second)
			So(err, ShouldBeNil)
			So(f.Type, ShouldEqual, MessageTypeLogUpdate)
			entries, err := f.Entries()
			So(err, ShouldBeNil)
			So(entries[0].Message, ShouldEqual, "for api")

			f, err = readFrame(all, 2*time.Second)
			So(err, ShouldBeNil)
			So(f.Service, ShouldEqual, "web")
			f, err = readFrame(all, 2*time.Second)
			So(err, ShouldBeNil)
			So(f.Service, ShouldEqual, "api")

			Convey("and stop_log_stream follows everything again", func() {
				So(send(api, ClientMessage{Type: MessageTypeStopLogStream}), ShouldBeNil)
				time.Sleep(50 * time.Millisecond)
				ts.hub.BroadcastLog(entry("web", "after stop"))

				f, err := readFrame(api, 2*time.Second)
				So(err, ShouldBeNil)
				So(f.Service, ShouldEqual, "web")
			})
		})

		Convey("logs_cleared and status_update reach every client", func() {
			api := ts.dial(t)
			defer api.Close()
			So(ts.waitClients(1), ShouldBeTrue)
			So(send(api, ClientMessage{Type: MessageTypeStartLogStream, Service: "api"}), ShouldBeNil)
			_, err := readFrame(api, 2*time.Second)
			So(err, ShouldBeNil)

			ts.hub.BroadcastLogsCleared("web")
			f, err := readFrame(api, 2*time.Second)
			So(err, ShouldBeNil)
			So(f.Type, ShouldEqual, MessageTypeLogsCleared)
			So(f.Service, ShouldEqual, "web")

			ts.hub.BroadcastStatus([]models.ServiceHealth{{Name: "api", Status: models.HealthUp}})
			f, err = readFrame(api, 2*time.Second)
			So(err, ShouldBeNil)
			So(f.Type, ShouldEqual, MessageTypeStatusUpdate)
			var rows []models.ServiceHealth
			So(json.Unmarshal(f.Data, &rows), ShouldBeNil)
			So(rows[0].Status, ShouldEqual, models.HealthUp)
		})

		Convey("malformed and unknown messages get an error frame", func() {
			conn := ts.dial(t)
			defer conn.Close()

			So(conn.WriteMessage(websocket.TextMessage, []byte("{not json")), ShouldBeNil)
			f, err := readFrame(conn, 2*time.Second)
			So(err, ShouldBeNil)
			So(f.Type, ShouldEqual, MessageTypeError)

			So(send(conn, ClientMessage{Type: "subscribe_everything"}), ShouldBeNil)
			f, err = readFrame(conn, 2*time.Second)
			So(err, ShouldBeNil)
			So(f.Type, ShouldEqual, MessageTypeError)
			So(f.Message, ShouldContainSubstring, "subscribe_everything")

			Convey("and the connection stays usable", func() {
				So(send(conn, ClientMessage{Type: MessageTypeStartLogStream}), ShouldBeNil)
				f, err := readFrame(conn, 2*time.Second)
				So(err, ShouldBeNil)
				So(f.Type, ShouldEqual, MessageTypeLogData)
			})
		})

		Convey("closing a connection unregisters it", func() {
			conn := ts.dial(t)
			So(ts.waitClients(1), ShouldBeTrue)
			_ = conn.Close()
			So(ts.waitClients(0), ShouldBeTrue)
		})
	})
}

func TestHubLogSourceFailure(t *testing.T) {
	Convey("A failing log source answers with an error frame", t, func() {
		logs := LogSourceFunc(func(string, int) ([]models.LogEntry, error) {
			return nil, context.DeadlineExceeded
		})
		ts := newTestServer(logs, time.Minute)
		defer ts.Close()

		conn := ts.dial(t)
		defer conn.Close()
		So(send(conn, ClientMessage{Type: MessageTypeStartLogStream, Service: "api"}), ShouldBeNil)
		f, err := readFrame(conn, 2*time.Second)
		So(err, ShouldBeNil)
		So(f.Type, ShouldEqual, MessageTypeError)
		So(f.Service, ShouldEqual, "api")
	})
}

func TestHeartbeat(t *testing.T) {
	Convey("Given a hub with a short ping interval", t, func() {
		ts := newTestServer(nil, 50*time.Millisecond)
		defer ts.Close()

		live := ts.dial(t)
		defer live.Close()
		go func() {
			// reading lets the default ping handler answer with pongs
			for {
				if _, _, err := live.ReadMessage(); err != nil {
					return
				}
			}
		}()

		mute := ts.dial(t)
		defer mute.Close()
		mute.SetPingHandler(func(string) error { return nil })
		go func() {
			for {
				if _, _, err := mute.ReadMessage(); err != nil {
					return
				}
			}
		}()

		So(ts.waitClients(2), ShouldBeTrue)

		Convey("a client that never pongs is terminated and the other stays", func() {
			So(ts.waitClients(1), ShouldBeTrue)
			time.Sleep(200 * time.Millisecond)
			So(ts.hub.GetClientCount(), ShouldEqual, 1)
		})
	})
}

func TestHubShutdown(t *testing.T) {
	Convey("Canceling the hub closes every client", t, func() {
		ts := newTestServer(nil, time.Minute)
		defer ts.srv.Close()

		conn := ts.dial(t)
		defer conn.Close()
		So(ts.waitClients(1), ShouldBeTrue)

		ts.cancel()
		So(ts.waitClients(0), ShouldBeTrue)

		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := conn.ReadMessage()
		So(websocket.IsCloseError(err, websocket.CloseGoingAway), ShouldBeTrue)
	})
}

func TestCheckOrigin(t *testing.T) {
	Convey("checkOrigin", t, func() {
		req := func(origin string) *http.Request {
			r := httptest.NewRequest(http.MethodGet, "http://devbox:3001/ws", nil)
			if origin != "" {
				r.Header.Set("Origin", origin)
			}
			return r
		}

		So(checkOrigin(req("")), ShouldBeTrue)
		So(checkOrigin(req("http://devbox:3001")), ShouldBeTrue)
		So(checkOrigin(req("http://localhost:5173")), ShouldBeTrue)
		So(checkOrigin(req("http://127.0.0.1:8080")), ShouldBeTrue)
		So(checkOrigin(req("http://[::1]:8080")), ShouldBeTrue)
		So(checkOrigin(req("https://evil.example.com")), ShouldBeFalse)
		So(checkOrigin(req("://bad")), ShouldBeFalse)
	})
}

func TestSubscription(t *testing.T) {
	Convey("The zero subscription follows every service", t, func() {
		var s Subscription
		So(s.Matches("api"), ShouldBeTrue)

		s.Set("api")
		So(s.Matches("api"), ShouldBeTrue)
		So(s.Matches("web"), ShouldBeFalse)

		s.Clear()
		So(s.Service(), ShouldEqual, "")
		So(s.Matches("web"), ShouldBeTrue)
	})
}
