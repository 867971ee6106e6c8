package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"polydev/internal/logging"
	"polydev/internal/logstore"
	"polydev/internal/models"
)

// HTTPServer is the part of *http.Server the service drives.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService runs the admin HTTP server under suture and shuts it down
// gracefully when its context ends.
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{server: server, shutdownTimeout: shutdownTimeout}
}

func (h *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPServerService) String() string {
	return "http-server"
}

// ContextHub is a websocket hub with a context-bound run loop.
type ContextHub interface {
	RunWithContext(ctx context.Context) error
}

type HubService struct {
	hub ContextHub
}

func NewHubService(hub ContextHub) *HubService {
	return &HubService{hub: hub}
}

func (s *HubService) Serve(ctx context.Context) error {
	return s.hub.RunWithContext(ctx)
}

func (s *HubService) String() string {
	return "websocket-hub"
}

// LogBroadcaster receives newly written log lines.
type LogBroadcaster interface {
	BroadcastLog(entry models.LogEntry)
}

// LogTailerService polls every service's current day file and broadcasts
// each appended line.
type LogTailerService struct {
	store    *logstore.Store
	sources  []logstore.Source
	interval time.Duration
	out      LogBroadcaster
}

func NewLogTailerService(store *logstore.Store, sources []logstore.Source, interval time.Duration, out LogBroadcaster) *LogTailerService {
	return &LogTailerService{store: store, sources: sources, interval: interval, out: out}
}

func (s *LogTailerService) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, src := range s.sources {
		src := src
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.store.Watch(ctx, src.Dir, s.interval, func(line string) {
				if entry, ok := logstore.ParseLine(line, src.Service); ok {
					s.out.BroadcastLog(entry)
				}
			})
		}()
	}
	logging.Debug().Int("services", len(s.sources)).Msg("log tailers running")
	wg.Wait()
	return ctx.Err()
}

func (s *LogTailerService) String() string {
	return "log-tailer"
}

// Checker reconciles a set of services.
type Checker interface {
	Check(ctx context.Context, descs []models.ServiceDescriptor) []models.ServiceHealth
}

// StatusPublisher pushes merged status to dashboards.
type StatusPublisher interface {
	BroadcastStatus(statuses []models.ServiceHealth)
	GetClientCount() int
}

// StatusBroadcasterService reconciles every refresh interval while at least
// one dashboard is connected.
type StatusBroadcasterService struct {
	checker  Checker
	descs    []models.ServiceDescriptor
	interval time.Duration
	out      StatusPublisher
}

func NewStatusBroadcasterService(checker Checker, descs []models.ServiceDescriptor, interval time.Duration, out StatusPublisher) *StatusBroadcasterService {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &StatusBroadcasterService{checker: checker, descs: descs, interval: interval, out: out}
}

func (s *StatusBroadcasterService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.out.GetClientCount() == 0 {
				continue
			}
			s.out.BroadcastStatus(s.checker.Check(ctx, s.descs))
		}
	}
}

func (s *StatusBroadcasterService) String() string {
	return "status-broadcaster"
}
