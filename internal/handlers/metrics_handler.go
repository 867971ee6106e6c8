package handlers

import (
	"context"
	"net/http"
	"time"

	"polydev/internal/service"
)

// HostCollector snapshots host and per-service resource use.
type HostCollector interface {
	Collect(ctx context.Context, pids map[string]int) service.HostSnapshot
}

// PidSource lists the pids of supervised services.
type PidSource interface {
	Pids() map[string]int
}

const metricsTimeout = 5 * time.Second

type MetricsHandler struct {
	collector HostCollector
	pids      PidSource
}

func NewMetricsHandler(collector HostCollector, pids PidSource) *MetricsHandler {
	return &MetricsHandler{collector: collector, pids: pids}
}

// GetMetrics never fails; sections that could not be collected are empty.
func (h *MetricsHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), metricsTimeout)
	defer cancel()

	var pids map[string]int
	if h.pids != nil {
		pids = h.pids.Pids()
	}
	writeJSON(w, http.StatusOK, h.collector.Collect(ctx, pids))
}
