package api

import (
	"io/fs"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"polydev/internal/handlers"
	"polydev/internal/middleware"
)

type Router struct {
	*mux.Router
}

// Deps are the collaborators behind the admin routes.
type Deps struct {
	Catalog     handlers.Catalog
	Controller  handlers.Controller
	Checker     handlers.StatusChecker
	Logs        *handlers.LogHandler
	Collector   handlers.HostCollector
	Pids        handlers.PidSource
	WebSocket   http.HandlerFunc
	Workspace   string
	Refresh     time.Duration
	TemplatesFS fs.FS
	StaticFS    fs.FS
}

func NewRouter(d Deps) (*Router, error) {
	r := mux.NewRouter()

	tmplHandler, err := handlers.NewTemplateHandler(d.TemplatesFS, d.Catalog, d.Controller, d.Workspace, d.Refresh)
	if err != nil {
		return nil, err
	}
	svcHandler := handlers.NewServiceHandler(d.Catalog, d.Controller, d.Checker)
	metricsHandler := handlers.NewMetricsHandler(d.Collector, d.Pids)

	// Admin liveness
	r.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)
	r.HandleFunc("/ready", handlers.ReadyCheck).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Dashboard
	r.HandleFunc("/", tmplHandler.ServeTemplate("dashboard")).Methods(http.MethodGet)
	staticHandler := http.FileServer(http.FS(d.StaticFS))
	r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", staticHandler))

	if d.WebSocket != nil {
		r.HandleFunc("/ws", d.WebSocket).Methods(http.MethodGet)
	}

	// API routes
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", svcHandler.Status).Methods(http.MethodGet)
	api.HandleFunc("/services/status", svcHandler.ProcessStatuses).Methods(http.MethodGet)
	api.HandleFunc("/services/start", svcHandler.Start).Methods(http.MethodPost)
	api.HandleFunc("/services/stop", svcHandler.Stop).Methods(http.MethodPost)
	api.HandleFunc("/services/restart", svcHandler.Restart).Methods(http.MethodPost)
	api.HandleFunc("/logs", d.Logs.GetLogs).Methods(http.MethodGet)
	api.HandleFunc("/logs", d.Logs.ClearLogs).Methods(http.MethodDelete)
	api.HandleFunc("/metrics", metricsHandler.GetMetrics).Methods(http.MethodGet)

	// Apply middleware
	r.Use(middleware.Recovery)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging)
	r.Use(middleware.Prometheus)

	return &Router{Router: r}, nil
}
