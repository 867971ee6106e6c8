package service

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"polydev/internal/models"
)

type staticSource map[string]models.ProcessStatus

func (s staticSource) Status(name string) models.ProcessStatus {
	if st, ok := s[name]; ok {
		return st
	}
	return models.StoppedStatus()
}

func serverPort(srv *httptest.Server) uint16 {
	u, _ := url.Parse(srv.URL)
	p, _ := strconv.Atoi(u.Port())
	return uint16(p)
}

func closedPort() uint16 {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	So(err, ShouldBeNil)
	port := l.Addr().(*net.TCPAddr).Port
	So(l.Close(), ShouldBeNil)
	return uint16(port)
}

func running(pid int) models.ProcessStatus {
	return models.ProcessStatus{Status: models.StateRunning, Pid: &pid, Uptime: 12}
}

func TestMerge(t *testing.T) {
	Convey("Merge follows the reconciliation table", t, func() {
		up := models.ProbeResult{Status: models.HealthUp}
		down := models.ProbeResult{Status: models.HealthDown}
		failing := models.ProbeResult{Status: models.HealthError}
		stopped := models.StoppedStatus()

		cases := []struct {
			proc          models.ProcessStatus
			probe         models.ProbeResult
			status        models.HealthState
			processStatus string
		}{
			{running(1), down, models.HealthStarting, "running"},
			{stopped, up, models.HealthUp, models.ProcessExternal},
			{running(1), up, models.HealthUp, "running"},
			{running(1), failing, models.HealthError, "running"},
			{stopped, down, models.HealthDown, "stopped"},
			{stopped, failing, models.HealthError, "stopped"},
			{models.ProcessStatus{Status: models.StateStopping}, down, models.HealthDown, "stopping"},
			{models.ErroredStatus(), down, models.HealthDown, "errored"},
			{models.ErroredStatus(), up, models.HealthUp, models.ProcessExternal},
		}
		for _, c := range cases {
			status, processStatus := Merge(c.proc, c.probe)
			So(status, ShouldEqual, c.status)
			So(processStatus, ShouldEqual, c.processStatus)
		}
	})
}

func TestReconciler(t *testing.T) {
	Convey("Given health endpoints in several states", t, func() {
		ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/health" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			time.Sleep(300 * time.Millisecond)
		}))
		Reset(func() {
			ok.Close()
			broken.Close()
			slow.Close()
		})

		source := staticSource{"api": running(42)}
		r := NewReconciler(source, ReconcilerOptions{Host: "127.0.0.1", Timeout: time.Second})
		ctx := context.Background()

		Convey("a 2xx probe is up", func() {
			res := r.Probe(ctx, serverPort(ok))
			So(res.Status, ShouldEqual, models.HealthUp)
			So(res.StatusCode, ShouldEqual, http.StatusOK)
		})

		Convey("a 5xx probe is error", func() {
			res := r.Probe(ctx, serverPort(broken))
			So(res.Status, ShouldEqual, models.HealthError)
			So(res.StatusCode, ShouldEqual, http.StatusServiceUnavailable)
		})

		Convey("a refused connection is down", func() {
			res := r.Probe(ctx, closedPort())
			So(res.Status, ShouldEqual, models.HealthDown)
			So(res.Error, ShouldEqual, "ECONNREFUSED")
		})

		Convey("a slow endpoint times out as down", func() {
			fast := NewReconciler(source, ReconcilerOptions{Host: "127.0.0.1", Timeout: 50 * time.Millisecond})
			res := fast.Probe(ctx, serverPort(slow))
			So(res.Status, ShouldEqual, models.HealthDown)
			So(res.Error, ShouldEqual, "ETIMEDOUT")
		})

		Convey("Check merges, keeps order and runs probes concurrently", func() {
			descs := []models.ServiceDescriptor{
				{Name: "api", Type: models.TypeNode, Port: closedPort(), Path: "services/api"},
				{Name: "web", Type: models.TypeFrontend, Port: serverPort(ok)},
				{Name: "s1", Type: models.TypeGo, Port: serverPort(slow)},
				{Name: "s2", Type: models.TypeGo, Port: serverPort(slow)},
				{Name: "s3", Type: models.TypeGo, Port: serverPort(slow)},
			}
			started := time.Now()
			results := r.Check(ctx, descs)
			So(time.Since(started), ShouldBeLessThan, 800*time.Millisecond)

			So(results, ShouldHaveLength, 5)
			So(results[0].Name, ShouldEqual, "api")
			So(results[0].Status, ShouldEqual, models.HealthStarting)
			So(results[0].ProcessStatus, ShouldEqual, "running")
			So(*results[0].Pid, ShouldEqual, 42)
			So(results[0].Path, ShouldEqual, "services/api")

			So(results[1].Name, ShouldEqual, "web")
			So(results[1].Status, ShouldEqual, models.HealthUp)
			So(results[1].ProcessStatus, ShouldEqual, models.ProcessExternal)
			So(results[1].Pid, ShouldBeNil)
			So(results[1].LastChecked.IsZero(), ShouldBeFalse)
		})

		Convey("a custom path is probed", func() {
			custom := NewReconciler(source, ReconcilerOptions{Host: "127.0.0.1", Path: "/ready"})
			So(custom.Probe(ctx, serverPort(ok)).Status, ShouldEqual, models.HealthError)
		})
	})
}
