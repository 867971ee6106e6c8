package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"polydev/internal/hooks"
	"polydev/internal/logging"
	"polydev/internal/metrics"
	"polydev/internal/models"
)

var (
	ErrAlreadyRunning    = errors.New("already running")
	ErrNotRunning        = errors.New("not running")
	ErrDirectoryNotFound = errors.New("directory not found")
	ErrUnsupportedType   = errors.New("unsupported service type")
	ErrToolUnavailable   = errors.New("required tool not available")
)

const (
	DefaultStopTimeout     = 10 * time.Second
	DefaultRestartCooldown = time.Second

	// killWait bounds how long a force-killed process may take to be reaped.
	killWait = 5 * time.Second
	// pipeWait bounds output draining after exit when a grandchild keeps the pipes open.
	pipeWait = 2 * time.Second
)

// LogSink receives a service's own output and lifecycle messages.
// logstore.Logger implements it.
type LogSink interface {
	Ingest(stream, line string)
	Log(level models.LogLevel, message string, data map[string]interface{})
}

// SinkFactory opens the sink for a service running in dir.
type SinkFactory func(desc models.ServiceDescriptor, dir string) LogSink

// Options configure a Supervisor. Zero durations take the defaults.
type Options struct {
	Root            string
	Resolver        CommandResolver
	Sinks           SinkFactory
	Hooks           hooks.Emitter
	StopTimeout     time.Duration
	RestartCooldown time.Duration
	// Echo, when set, also receives every output line, e.g. for a terminal.
	Echo func(service, stream, line string)
}

// StopResult reports how a process went away.
type StopResult struct {
	Forced bool `json:"forced"`
}

type record struct {
	desc    models.ServiceDescriptor
	cmd     *exec.Cmd
	pid     int
	started time.Time
	state   models.LifecycleState
	done    chan struct{}
}

// Supervisor owns the name → process map. It is the only writer of process
// lifecycle transitions; everything else reads through Status.
type Supervisor struct {
	root     string
	resolver CommandResolver
	sinks    SinkFactory
	hooks    hooks.Emitter
	echo     func(service, stream, line string)

	stopTimeout time.Duration
	cooldown    time.Duration

	mu      sync.RWMutex
	records map[string]*record
	// crashed holds services whose last process exited with an error
	// without being stopped; cleared by the next Start.
	crashed map[string]bool
	now     func() time.Time
}

func NewSupervisor(opts Options) *Supervisor {
	if opts.Resolver == nil {
		opts.Resolver = NewResolver(nil)
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.RestartCooldown <= 0 {
		opts.RestartCooldown = DefaultRestartCooldown
	}
	if opts.Root == "" {
		opts.Root = "."
	}
	return &Supervisor{
		root:        opts.Root,
		resolver:    opts.Resolver,
		sinks:       opts.Sinks,
		hooks:       opts.Hooks,
		echo:        opts.Echo,
		stopTimeout: opts.StopTimeout,
		cooldown:    opts.RestartCooldown,
		records:     make(map[string]*record),
		crashed:     make(map[string]bool),
		now:         time.Now,
	}
}

// ResolveDir finds a service's working directory: its manifest path first,
// then the services/ and apps/ layouts.
func (s *Supervisor) ResolveDir(desc models.ServiceDescriptor) (string, error) {
	var candidates []string
	if desc.Path != "" {
		if filepath.IsAbs(desc.Path) {
			candidates = append(candidates, desc.Path)
		} else {
			candidates = append(candidates, filepath.Join(s.root, desc.Path))
		}
	}
	candidates = append(candidates,
		filepath.Join(s.root, "services", desc.Name),
		filepath.Join(s.root, "apps", desc.Name),
	)
	for _, dir := range candidates {
		if dirExists(dir) {
			return dir, nil
		}
	}
	return "", fmt.Errorf("%w for service %s (tried %v)", ErrDirectoryNotFound, desc.Name, candidates)
}

// Start spawns desc and returns its pid. A second start for a name that
// already has a record fails with ErrAlreadyRunning.
func (s *Supervisor) Start(ctx context.Context, desc models.ServiceDescriptor) (int, error) {
	s.mu.Lock()
	if _, ok := s.records[desc.Name]; ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("service %s %w", desc.Name, ErrAlreadyRunning)
	}
	rec := &record{desc: desc, state: models.StateStarting, done: make(chan struct{})}
	s.records[desc.Name] = rec
	delete(s.crashed, desc.Name)
	s.mu.Unlock()

	pid, err := s.spawn(ctx, rec)
	if err != nil {
		s.mu.Lock()
		if s.records[desc.Name] == rec {
			delete(s.records, desc.Name)
		}
		s.mu.Unlock()
		metrics.ProcessStartFailures.WithLabelValues(desc.Name, failureReason(err)).Inc()
		logging.Error().Err(err).Str("service", desc.Name).Msg("service failed to start")
		return 0, err
	}
	return pid, nil
}

func (s *Supervisor) spawn(ctx context.Context, rec *record) (int, error) {
	desc := rec.desc
	dir, err := s.ResolveDir(desc)
	if err != nil {
		return 0, err
	}
	if !desc.Type.Valid() {
		return 0, fmt.Errorf("%w %q", ErrUnsupportedType, desc.Type)
	}
	launch, err := s.resolver.Resolve(desc, dir)
	if err != nil {
		return 0, err
	}

	s.emit(ctx, hooks.BeforeStart, hooks.Context{
		"service": desc.Name, "type": string(desc.Type), "port": desc.Port, "dir": dir,
	})

	cmd := exec.Command(launch.Name, launch.Args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), launch.Env...)
	cmd.WaitDelay = pipeWait
	setProcessGroup(cmd)

	var sink LogSink
	if s.sinks != nil {
		sink = s.sinks(desc, dir)
	}
	stdout := s.outputWriter(desc.Name, "stdout", sink)
	stderr := s.outputWriter(desc.Name, "stderr", sink)
	if stdout != nil {
		cmd.Stdout, cmd.Stderr = stdout, stderr
	}

	if err := cmd.Start(); err != nil {
		if sink != nil {
			sink.Log(models.LevelError, "failed to start", map[string]interface{}{"command": launch.String(), "error": err.Error()})
		}
		return 0, fmt.Errorf("start %s: %w", desc.Name, err)
	}

	pid := cmd.Process.Pid
	s.mu.Lock()
	rec.cmd = cmd
	rec.pid = pid
	rec.started = s.now()
	rec.state = models.StateRunning
	s.mu.Unlock()

	metrics.ProcessStarts.WithLabelValues(desc.Name, string(desc.Type)).Inc()
	metrics.ProcessesRunning.Inc()
	logging.Info().Str("service", desc.Name).Int("pid", pid).Str("command", launch.String()).Str("dir", dir).Msg("service started")
	if sink != nil {
		sink.Log(models.LevelInfo, fmt.Sprintf("started with pid %d", pid), map[string]interface{}{"command": launch.String(), "port": desc.Port})
	}

	go s.wait(rec, sink, stdout, stderr)

	s.emit(ctx, hooks.AfterStart, hooks.Context{"service": desc.Name, "pid": pid})
	return pid, nil
}

func (s *Supervisor) outputWriter(service, stream string, sink LogSink) *lineWriter {
	if sink == nil && s.echo == nil {
		return nil
	}
	return newLineWriter(func(line string) {
		if sink != nil {
			sink.Ingest(stream, line)
		}
		if s.echo != nil {
			s.echo(service, stream, line)
		}
	})
}

// wait reaps the process and drops its record.
func (s *Supervisor) wait(rec *record, sink LogSink, stdout, stderr *lineWriter) {
	err := rec.cmd.Wait()
	if stdout != nil {
		stdout.Flush()
		stderr.Flush()
	}

	s.mu.Lock()
	if cur, ok := s.records[rec.desc.Name]; ok && cur == rec {
		delete(s.records, rec.desc.Name)
		if err != nil && rec.state != models.StateStopping {
			s.crashed[rec.desc.Name] = true
		}
	}
	s.mu.Unlock()
	metrics.ProcessesRunning.Dec()

	code := -1
	if rec.cmd.ProcessState != nil {
		code = rec.cmd.ProcessState.ExitCode()
	}
	outcome := "clean"
	event := logging.Info()
	level := models.LevelInfo
	if err != nil {
		outcome = "error"
		event = logging.Warn().Err(err)
		level = models.LevelWarn
	}
	metrics.ProcessExits.WithLabelValues(rec.desc.Name, outcome).Inc()
	event.Str("service", rec.desc.Name).Int("pid", rec.pid).Int("code", code).Msg("service exited")
	if sink != nil {
		sink.Log(level, fmt.Sprintf("exited with code %d", code), map[string]interface{}{"pid": rec.pid})
	}

	s.emit(context.Background(), hooks.ProcessExit, hooks.Context{
		"service": rec.desc.Name, "pid": rec.pid, "code": code,
	})
	close(rec.done)
}

// Stop terminates the named service's process group, waiting up to the stop
// timeout before killing it. The record is gone when Stop returns.
func (s *Supervisor) Stop(ctx context.Context, name string) (StopResult, error) {
	s.mu.Lock()
	rec, ok := s.records[name]
	if !ok || rec.cmd == nil {
		s.mu.Unlock()
		return StopResult{}, fmt.Errorf("service %s %w", name, ErrNotRunning)
	}
	if rec.state == models.StateStopping {
		s.mu.Unlock()
		// someone else is already stopping it
		select {
		case <-rec.done:
			return StopResult{}, nil
		case <-ctx.Done():
			return StopResult{}, ctx.Err()
		}
	}
	rec.state = models.StateStopping
	s.mu.Unlock()

	logging.Info().Str("service", name).Int("pid", rec.pid).Msg("stopping service")
	if err := terminate(rec.cmd); err != nil {
		logging.Debug().Err(err).Str("service", name).Msg("terminate signal failed")
	}

	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()

	result := StopResult{}
	select {
	case <-rec.done:
	case <-timer.C:
		result.Forced = true
	case <-ctx.Done():
		result.Forced = true
	}

	if result.Forced {
		logging.Warn().Str("service", name).Int("pid", rec.pid).Dur("timeout", s.stopTimeout).Msg("service did not stop in time, killing")
		if err := kill(rec.cmd); err != nil {
			logging.Debug().Err(err).Str("service", name).Msg("kill signal failed")
		}
		select {
		case <-rec.done:
		case <-time.After(killWait):
			s.mu.Lock()
			if s.records[name] == rec {
				delete(s.records, name)
			}
			s.mu.Unlock()
			return result, fmt.Errorf("service %s did not exit after kill", name)
		}
	}

	mode := "graceful"
	if result.Forced {
		mode = "forced"
	}
	metrics.ProcessStops.WithLabelValues(name, mode).Inc()
	s.emit(ctx, hooks.AfterStop, hooks.Context{"service": name, "forced": result.Forced})
	return result, nil
}

// Restart stops desc if it is running, waits the cooldown and starts it again.
func (s *Supervisor) Restart(ctx context.Context, desc models.ServiceDescriptor) (int, error) {
	if s.Status(desc.Name).Running() {
		if _, err := s.Stop(ctx, desc.Name); err != nil && !errors.Is(err, ErrNotRunning) {
			return 0, err
		}
		select {
		case <-time.After(s.cooldown):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return s.Start(ctx, desc)
}

// Status never fails: an untracked name reports stopped, or errored when
// its last process crashed.
func (s *Supervisor) Status(name string) models.ProcessStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[name]
	if !ok {
		if s.crashed[name] {
			return models.ErroredStatus()
		}
		return models.StoppedStatus()
	}
	return s.statusOf(rec)
}

func (s *Supervisor) statusOf(rec *record) models.ProcessStatus {
	st := models.ProcessStatus{Status: rec.state}
	if rec.pid > 0 {
		pid := rec.pid
		st.Pid = &pid
		st.Uptime = models.UptimeSeconds(rec.started, s.now())
	}
	return st
}

// Statuses reports every tracked process and every crashed service.
func (s *Supervisor) Statuses() map[string]models.ProcessStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]models.ProcessStatus, len(s.records)+len(s.crashed))
	for name := range s.crashed {
		out[name] = models.ErroredStatus()
	}
	for name, rec := range s.records {
		out[name] = s.statusOf(rec)
	}
	return out
}

// Pids maps services with a live process to their pid.
func (s *Supervisor) Pids() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int, len(s.records))
	for name, rec := range s.records {
		if rec.pid > 0 {
			out[name] = rec.pid
		}
	}
	return out
}

// Names lists tracked services in name order.
func (s *Supervisor) Names() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.records))
	for name := range s.records {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

// StopAll stops every tracked process in parallel and returns the failures
// by service name. A process that exits on its own meanwhile is not a failure.
func (s *Supervisor) StopAll(ctx context.Context) map[string]error {
	names := s.Names()
	errs := make(map[string]error)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if _, err := s.Stop(ctx, name); err != nil && !errors.Is(err, ErrNotRunning) {
				mu.Lock()
				errs[name] = err
				mu.Unlock()
				logging.Error().Err(err).Str("service", name).Msg("failed to stop service")
			}
		}(name)
	}
	wg.Wait()
	return errs
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrDirectoryNotFound):
		return "directory"
	case errors.Is(err, ErrUnsupportedType):
		return "type"
	case errors.Is(err, ErrToolUnavailable):
		return "tool"
	}
	return "spawn"
}

func (s *Supervisor) emit(ctx context.Context, event string, data hooks.Context) {
	if s.hooks != nil {
		s.hooks.Emit(ctx, event, data)
	}
}
