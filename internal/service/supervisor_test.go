//go:build !windows

package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"polydev/internal/hooks"
	"polydev/internal/models"
)

type memorySink struct {
	mu    sync.Mutex
	lines []string
	logs  []string
}

func (m *memorySink) Ingest(stream, line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, stream+":"+line)
}

func (m *memorySink) Log(level models.LogLevel, message string, _ map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, string(level)+":"+message)
}

func (m *memorySink) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines...)
}

// shell runs script through sh for every service.
func shell(script string) CommandResolver {
	return ResolverFunc(func(desc models.ServiceDescriptor, dir string) (Command, error) {
		return Command{Name: "sh", Args: []string{"-c", script}, Env: []string{"PORT=1"}}, nil
	})
}

func workspace(t *testing.T, dirs ...string) string {
	root := t.TempDir()
	for _, d := range dirs {
		So(os.MkdirAll(filepath.Join(root, d), 0o755), ShouldBeNil)
	}
	return root
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func TestSupervisorLifecycle(t *testing.T) {
	Convey("Given a supervisor over a workspace with services/api", t, func() {
		root := workspace(t, "services/api")
		events := &[]string{}
		var evMu sync.Mutex
		d := hooks.NewDispatcher()
		d.On("*", func(_ context.Context, event string, _ hooks.Context) error {
			evMu.Lock()
			*events = append(*events, event)
			evMu.Unlock()
			return nil
		})
		sup := NewSupervisor(Options{
			Root:            root,
			Resolver:        shell("exec sleep 30"),
			Hooks:           d,
			StopTimeout:     2 * time.Second,
			RestartCooldown: 10 * time.Millisecond,
		})
		api := models.ServiceDescriptor{Name: "api", Type: models.TypeNode, Port: 3001}
		ctx := context.Background()

		Reset(func() {
			sup.StopAll(ctx)
		})

		Convey("start, status, stop, status", func() {
			pid, err := sup.Start(ctx, api)
			So(err, ShouldBeNil)
			So(pid, ShouldBeGreaterThan, 0)

			st := sup.Status("api")
			So(st.Status, ShouldEqual, models.StateRunning)
			So(st.Pid, ShouldNotBeNil)
			So(*st.Pid, ShouldEqual, pid)

			res, err := sup.Stop(ctx, "api")
			So(err, ShouldBeNil)
			So(res.Forced, ShouldBeFalse)

			So(sup.Status("api"), ShouldResemble, models.StoppedStatus())
			So(sup.Statuses(), ShouldBeEmpty)

			evMu.Lock()
			So(*events, ShouldResemble, []string{hooks.BeforeStart, hooks.AfterStart, hooks.ProcessExit, hooks.AfterStop})
			evMu.Unlock()
		})

		Convey("a second start fails and leaves one process", func() {
			pid, err := sup.Start(ctx, api)
			So(err, ShouldBeNil)

			_, err = sup.Start(ctx, api)
			So(err, ShouldNotBeNil)
			So(errors.Is(err, ErrAlreadyRunning), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "already running")

			So(sup.Statuses(), ShouldHaveLength, 1)
			So(*sup.Status("api").Pid, ShouldEqual, pid)
		})

		Convey("concurrent starts spawn exactly once", func() {
			var wg sync.WaitGroup
			var mu sync.Mutex
			ok, failed := 0, 0
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := sup.Start(ctx, api)
					mu.Lock()
					defer mu.Unlock()
					if err == nil {
						ok++
					} else if errors.Is(err, ErrAlreadyRunning) {
						failed++
					}
				}()
			}
			wg.Wait()
			So(ok, ShouldEqual, 1)
			So(failed, ShouldEqual, 7)
		})

		Convey("stop without a record is an error", func() {
			_, err := sup.Stop(ctx, "api")
			So(errors.Is(err, ErrNotRunning), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "not running")
		})

		Convey("status is total", func() {
			st := sup.Status("ghost")
			So(st.Status, ShouldEqual, models.StateStopped)
			So(st.Pid, ShouldBeNil)
			So(st.Uptime, ShouldEqual, 0)
		})

		Convey("restart replaces the process", func() {
			first, err := sup.Start(ctx, api)
			So(err, ShouldBeNil)
			second, err := sup.Restart(ctx, api)
			So(err, ShouldBeNil)
			So(second, ShouldNotEqual, first)
			So(*sup.Status("api").Pid, ShouldEqual, second)
		})

		Convey("restart of a stopped service just starts it", func() {
			pid, err := sup.Restart(ctx, api)
			So(err, ShouldBeNil)
			So(pid, ShouldBeGreaterThan, 0)
		})

		Convey("an unknown type is rejected without a record", func() {
			_, err := sup.Start(ctx, models.ServiceDescriptor{Name: "api", Type: "ruby", Port: 1})
			So(errors.Is(err, ErrUnsupportedType), ShouldBeTrue)
			So(sup.Statuses(), ShouldBeEmpty)
		})

		Convey("a missing directory is rejected without a record", func() {
			_, err := sup.Start(ctx, models.ServiceDescriptor{Name: "web", Type: models.TypeNode, Port: 3002})
			So(errors.Is(err, ErrDirectoryNotFound), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "directory not found")
			So(sup.Status("web").Status, ShouldEqual, models.StateStopped)
		})

		Convey("a missing directory is reported before an unknown type", func() {
			_, err := sup.Start(ctx, models.ServiceDescriptor{Name: "web", Type: "ruby", Port: 3002})
			So(errors.Is(err, ErrDirectoryNotFound), ShouldBeTrue)
			So(errors.Is(err, ErrUnsupportedType), ShouldBeFalse)
			So(sup.Statuses(), ShouldBeEmpty)
		})

		Convey("the apps layout is found too", func() {
			So(os.MkdirAll(filepath.Join(root, "apps", "web"), 0o755), ShouldBeNil)
			dir, err := sup.ResolveDir(models.ServiceDescriptor{Name: "web"})
			So(err, ShouldBeNil)
			So(dir, ShouldEqual, filepath.Join(root, "apps", "web"))
		})

		Convey("StopAll stops everything in parallel", func() {
			So(os.MkdirAll(filepath.Join(root, "services", "worker"), 0o755), ShouldBeNil)
			_, err := sup.Start(ctx, api)
			So(err, ShouldBeNil)
			_, err = sup.Start(ctx, models.ServiceDescriptor{Name: "worker", Type: models.TypeGo, Port: 3003})
			So(err, ShouldBeNil)
			So(sup.Names(), ShouldResemble, []string{"api", "worker"})

			So(sup.StopAll(ctx), ShouldBeEmpty)
			So(sup.Statuses(), ShouldBeEmpty)
		})
	})
}

func TestSupervisorExitsAndOutput(t *testing.T) {
	Convey("Given a supervisor capturing output", t, func() {
		root := workspace(t, "services/api")
		sink := &memorySink{}
		api := models.ServiceDescriptor{Name: "api", Type: models.TypePython, Port: 8000}
		ctx := context.Background()

		newSup := func(script string, stopTimeout time.Duration) *Supervisor {
			return NewSupervisor(Options{
				Root:        root,
				Resolver:    shell(script),
				Sinks:       func(models.ServiceDescriptor, string) LogSink { return sink },
				StopTimeout: stopTimeout,
			})
		}

		Convey("stdout and stderr lines reach the sink", func() {
			sup := newSup(`echo hello; echo oops 1>&2; printf partial`, time.Second)
			_, err := sup.Start(ctx, api)
			So(err, ShouldBeNil)
			So(eventually(func() bool { return !sup.Status("api").Running() }), ShouldBeTrue)
			So(eventually(func() bool { return len(sink.snapshot()) == 3 }), ShouldBeTrue)
			So(sink.snapshot(), ShouldContain, "stdout:hello")
			So(sink.snapshot(), ShouldContain, "stderr:oops")
			So(sink.snapshot(), ShouldContain, "stdout:partial")
		})

		Convey("a process that exits cleanly on its own is reaped as stopped", func() {
			sup := newSup("exit 0", time.Second)
			_, err := sup.Start(ctx, api)
			So(err, ShouldBeNil)
			So(eventually(func() bool { return !sup.Status("api").Running() }), ShouldBeTrue)
			So(sup.Status("api"), ShouldResemble, models.StoppedStatus())
			So(sup.Statuses(), ShouldBeEmpty)
		})

		Convey("a crashed process is reaped and reported as errored", func() {
			sup := newSup("sleep 0.3; exit 3", time.Second)
			_, err := sup.Start(ctx, api)
			So(err, ShouldBeNil)
			So(eventually(func() bool { return sup.Status("api").Status == models.StateErrored }), ShouldBeTrue)
			So(sup.Status("api").Pid, ShouldBeNil)
			So(sup.Statuses()["api"].Status, ShouldEqual, models.StateErrored)
			So(sup.Names(), ShouldBeEmpty)

			_, err = sup.Stop(ctx, "api")
			So(errors.Is(err, ErrNotRunning), ShouldBeTrue)

			Convey("and the next start clears it", func() {
				_, err := sup.Start(ctx, api)
				So(err, ShouldBeNil)
				So(sup.Status("api").Running(), ShouldBeTrue)
				So(eventually(func() bool { return sup.Status("api").Status == models.StateErrored }), ShouldBeTrue)
			})
		})

		Convey("a process stopped on request is not reported as errored", func() {
			sup := newSup("exec sleep 30", time.Second)
			_, err := sup.Start(ctx, api)
			So(err, ShouldBeNil)
			_, err = sup.Stop(ctx, "api")
			So(err, ShouldBeNil)
			So(sup.Status("api"), ShouldResemble, models.StoppedStatus())
		})

		Convey("a process ignoring SIGTERM is killed after the timeout", func() {
			sup := newSup(`trap "" TERM; sleep 30`, 200*time.Millisecond)
			_, err := sup.Start(ctx, api)
			So(err, ShouldBeNil)

			started := time.Now()
			res, err := sup.Stop(ctx, "api")
			So(err, ShouldBeNil)
			So(res.Forced, ShouldBeTrue)
			So(time.Since(started), ShouldBeLessThan, 5*time.Second)
			So(sup.Status("api").Status, ShouldEqual, models.StateStopped)
		})

		Convey("a spawn failure leaves no record", func() {
			sup := NewSupervisor(Options{
				Root: root,
				Resolver: ResolverFunc(func(models.ServiceDescriptor, string) (Command, error) {
					return Command{Name: filepath.Join(root, "does-not-exist")}, nil
				}),
			})
			_, err := sup.Start(ctx, api)
			So(err, ShouldNotBeNil)
			So(sup.Statuses(), ShouldBeEmpty)
		})
	})
}
