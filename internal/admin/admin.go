// Package admin assembles the long-running admin server: the supervisor,
// reconciler, log store, websocket hub and HTTP router, run as a suture tree.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"polydev/internal/api"
	"polydev/internal/config"
	"polydev/internal/handlers"
	"polydev/internal/hooks"
	"polydev/internal/logging"
	"polydev/internal/logstore"
	"polydev/internal/models"
	"polydev/internal/service"
	"polydev/internal/websocket"
	"polydev/web"
)

const shutdownTimeout = 10 * time.Second

type Options struct {
	Config    *config.Config
	Workspace *config.Workspace
	Hooks     hooks.Emitter
	// Echo mirrors child output, e.g. to a terminal.
	Echo func(service, stream, line string)
}

type Admin struct {
	cfg        *config.Config
	ws         *config.Workspace
	sup        *service.Supervisor
	store      *logstore.Store
	reconciler *service.Reconciler
	hub        *websocket.Hub
	logs       *handlers.LogHandler
	router     *api.Router
	server     *http.Server
	tree       *suture.Supervisor
}

func New(opts Options) (*Admin, error) {
	cfg, ws := opts.Config, opts.Workspace
	if ws == nil {
		return nil, errors.New("admin: a workspace is required")
	}
	if cfg == nil {
		cfg = config.Default()
	}

	store := logstore.New(cfg.Logs.MaxFileSize, cfg.Logs.MaxArchives)
	a := &Admin{cfg: cfg, ws: ws, store: store}

	supOpts := service.Options{
		Root:            ws.Root,
		Resolver:        service.NewResolver(ws.Java.FallbackCommand),
		Hooks:           opts.Hooks,
		StopTimeout:     cfg.Supervisor.StopTimeout,
		RestartCooldown: cfg.Supervisor.RestartCooldown,
		Echo:            opts.Echo,
	}
	if cfg.Supervisor.CaptureOutput {
		supOpts.Sinks = func(desc models.ServiceDescriptor, dir string) service.LogSink {
			return store.Logger(dir, desc.Name)
		}
	}
	a.sup = service.NewSupervisor(supOpts)
	a.reconciler = service.NewReconciler(a.sup, service.ReconcilerOptions{
		Host:    cfg.Health.Host,
		Path:    cfg.Health.Path,
		Timeout: cfg.Health.Timeout,
	})

	a.hub = websocket.NewHub(websocket.LogSourceFunc(func(service string, n int) ([]models.LogEntry, error) {
		return a.logs.Recent(service, n)
	}), cfg.WebSocket.PingInterval)
	a.logs = handlers.NewLogHandler(ws, store, a.ServiceDir, a.hub)

	router, err := api.NewRouter(api.Deps{
		Catalog:     ws,
		Controller:  a.sup,
		Checker:     a.reconciler,
		Logs:        a.logs,
		Collector:   service.NewHostCollector(),
		Pids:        a.sup,
		WebSocket:   a.hub.ServeWS,
		Workspace:   ws.Name,
		Refresh:     cfg.Server.Refresh,
		TemplatesFS: web.GetTemplatesFS(),
		StaticFS:    web.GetStaticFS(),
	})
	if err != nil {
		return nil, err
	}
	a.router = router
	a.server = &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: /ws connections are long lived
		IdleTimeout: 60 * time.Second,
	}

	a.tree = newTree()
	sources, _ := a.logs.Sources("")
	a.tree.Add(NewHubService(a.hub))
	a.tree.Add(NewLogTailerService(store, sources, cfg.Logs.PollInterval, a.hub))
	a.tree.Add(NewStatusBroadcasterService(a.reconciler, ws.Services, cfg.Server.Refresh, a.hub))
	a.tree.Add(NewHTTPServerService(a.server, shutdownTimeout))
	return a, nil
}

func newTree() *suture.Supervisor {
	handler := &sutureslog.Handler{Logger: logging.NewSlogLogger("supervisor")}
	return suture.New("polydev-admin", suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          shutdownTimeout,
	})
}

// ServiceDir is where a service runs and keeps its .logs: the directory the
// supervisor resolves, or the manifest path when it does not exist yet.
func (a *Admin) ServiceDir(desc models.ServiceDescriptor) string {
	if dir, err := a.sup.ResolveDir(desc); err == nil {
		return dir
	}
	return a.ws.ServiceDir(desc)
}

func (a *Admin) Handler() http.Handler {
	return a.router
}

func (a *Admin) Supervisor() *service.Supervisor {
	return a.sup
}

func (a *Admin) Hub() *websocket.Hub {
	return a.hub
}

// URL is the dashboard address as a browser on this machine reaches it.
func (a *Admin) URL() string {
	host, port, err := net.SplitHostPort(a.cfg.Server.Address)
	if err != nil {
		return "http://" + a.cfg.Server.Address
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// Run serves until ctx is done, then stops every supervised process.
func (a *Admin) Run(ctx context.Context) error {
	logging.Info().
		Str("addr", a.cfg.Server.Address).
		Str("workspace", a.ws.Name).
		Int("services", len(a.ws.Services)).
		Msg("starting admin server")
	if a.cfg.Server.OpenBrowser {
		go func() {
			select {
			case <-ctx.Done():
			case <-time.After(500 * time.Millisecond):
				if err := OpenBrowser(a.URL()); err != nil {
					logging.Debug().Err(err).Msg("could not open browser")
				}
			}
		}()
	}

	var runErr error
	if err := a.tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Error().Err(err).Msg("admin supervisor tree error")
		runErr = err
	}
	if unstopped, err := a.tree.UnstoppedServiceReport(); err == nil {
		for _, svc := range unstopped {
			logging.Warn().Str("component", svc.Name).Msg("component failed to stop within timeout")
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Supervisor.StopTimeout+shutdownTimeout)
	defer cancel()
	for name, err := range a.sup.StopAll(stopCtx) {
		logging.Warn().Err(err).Str("service", name).Msg("stop failed during shutdown")
	}
	logging.Info().Msg("admin server stopped")
	return runErr
}
