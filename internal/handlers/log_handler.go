package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"polydev/internal/logging"
	"polydev/internal/logstore"
	"polydev/internal/models"
)

// LogStore is the read and clear side of logstore.Store.
type LogStore interface {
	ReadAll(sources []logstore.Source, opts logstore.ReadOptions) []models.LogEntry
	Clear(serviceDir string) error
}

// ClearNotifier is told when a service's logs are wiped.
type ClearNotifier interface {
	BroadcastLogsCleared(service string)
}

// DirFunc maps a service to the directory holding its .logs folder.
type DirFunc func(desc models.ServiceDescriptor) string

type LogHandler struct {
	catalog  Catalog
	store    LogStore
	dir      DirFunc
	notifier ClearNotifier
}

func NewLogHandler(catalog Catalog, store LogStore, dir DirFunc, notifier ClearNotifier) *LogHandler {
	return &LogHandler{catalog: catalog, store: store, dir: dir, notifier: notifier}
}

// Sources resolves the log locations of one service, or of all of them when
// service is empty.
func (h *LogHandler) Sources(service string) ([]logstore.Source, error) {
	var names []string
	if service != "" {
		names = []string{service}
	}
	descs, err := h.catalog.Select(names)
	if err != nil {
		return nil, err
	}
	out := make([]logstore.Source, len(descs))
	for i, d := range descs {
		out[i] = logstore.Source{Service: d.Name, Dir: h.dir(d)}
	}
	return out, nil
}

// Recent returns the last n lines of a service, or of every service merged.
func (h *LogHandler) Recent(service string, n int) ([]models.LogEntry, error) {
	sources, err := h.Sources(service)
	if err != nil {
		return nil, err
	}
	return h.store.ReadAll(sources, logstore.ReadOptions{Tail: n}), nil
}

// ParseReadOptions reads tail, level, since and filter from a query string.
func ParseReadOptions(q map[string][]string, now time.Time) (logstore.ReadOptions, error) {
	get := func(k string) string {
		if v := q[k]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}

	var opts logstore.ReadOptions
	if v := get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("invalid tail %q", v)
		}
		opts.Tail = n
	}
	if v := get("level"); v != "" {
		level, ok := models.ParseLogLevel(v)
		if !ok {
			return opts, fmt.Errorf("invalid level %q", v)
		}
		opts.Level = level
	}
	since, err := logstore.ParseSince(get("since"), now)
	if err != nil {
		return opts, err
	}
	opts.Since = since
	opts.Filter = get("filter")
	return opts, nil
}

// GetLogs serves GET /api/logs?service=&tail=&level=&since=&filter=.
func (h *LogHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts, err := ParseReadOptions(q, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	service := q.Get("service")
	if service != "" {
		if _, ok := h.catalog.Find(service); !ok {
			writeError(w, http.StatusNotFound, "Service not found")
			return
		}
	}
	sources, err := h.Sources(service)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.store.ReadAll(sources, opts))
}

// ClearLogs serves DELETE /api/logs?service=. Without a service every
// service's logs are cleared.
func (h *LogHandler) ClearLogs(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	if service != "" {
		if _, ok := h.catalog.Find(service); !ok {
			writeError(w, http.StatusNotFound, "Service not found")
			return
		}
	}
	sources, err := h.Sources(service)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var failed []string
	for _, src := range sources {
		if err := h.store.Clear(src.Dir); err != nil {
			logging.Warn().Err(err).Str("service", src.Service).Msg("clearing logs failed")
			failed = append(failed, src.Service)
			continue
		}
		if h.notifier != nil {
			h.notifier.BroadcastLogsCleared(src.Service)
		}
	}
	if len(failed) > 0 {
		writeError(w, http.StatusInternalServerError, "failed to clear logs for "+strings.Join(failed, ", "))
		return
	}

	msg := "Logs cleared"
	if service != "" {
		msg = fmt.Sprintf("Logs cleared for %s", service)
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: msg})
}
