package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"polydev/internal/metrics"
	"polydev/internal/models"
)

const (
	DefaultProbeTimeout = 3 * time.Second
	DefaultHealthPath   = "/health"
	DefaultHealthHost   = "localhost"
)

// StatusSource is the read side of the Supervisor.
type StatusSource interface {
	Status(name string) models.ProcessStatus
}

type ReconcilerOptions struct {
	Host    string
	Path    string
	Timeout time.Duration
	// Client overrides the probe client; redirects should not be followed.
	Client *http.Client
}

// Reconciler merges HTTP health probes with supervisor state. It has no clock
// of its own and runs whenever Check is called.
type Reconciler struct {
	client  *http.Client
	source  StatusSource
	host    string
	path    string
	timeout time.Duration
	now     func() time.Time
}

func NewReconciler(source StatusSource, opts ReconcilerOptions) *Reconciler {
	if opts.Host == "" {
		opts.Host = DefaultHealthHost
	}
	if opts.Path == "" {
		opts.Path = DefaultHealthPath
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultProbeTimeout
	}
	if opts.Client == nil {
		opts.Client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &Reconciler{
		client:  opts.Client,
		source:  source,
		host:    opts.Host,
		path:    opts.Path,
		timeout: opts.Timeout,
		now:     time.Now,
	}
}

// Probe issues one GET against the service's health endpoint. Transport
// failures are classified as down, never returned.
func (r *Reconciler) Probe(ctx context.Context, port uint16) models.ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	url := fmt.Sprintf("http://%s:%d%s", r.host, port, r.path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.ProbeResult{Status: models.HealthDown, Error: err.Error(), Latency: time.Since(start)}
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return models.ProbeResult{Status: models.HealthDown, Error: probeError(err), Latency: time.Since(start)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	result := models.ProbeResult{Status: models.HealthUp, StatusCode: resp.StatusCode, Latency: time.Since(start)}
	if resp.StatusCode >= http.StatusBadRequest {
		result.Status = models.HealthError
		result.Error = resp.Status
	}
	return result
}

func probeError(err error) string {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return "ECONNREFUSED"
	case errors.Is(err, context.DeadlineExceeded):
		return "ETIMEDOUT"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "ETIMEDOUT"
	}
	return err.Error()
}

// Merge combines process state and probe outcome:
//
//	running + down  -> starting
//	stopped + up    -> up, processStatus "external"
//	otherwise       -> the probe result
func Merge(proc models.ProcessStatus, probe models.ProbeResult) (models.HealthState, string) {
	switch {
	case proc.Status == models.StateRunning && probe.Status == models.HealthDown:
		return models.HealthStarting, string(proc.Status)
	case (proc.Status == models.StateStopped || proc.Status == models.StateErrored) && probe.Status == models.HealthUp:
		return models.HealthUp, models.ProcessExternal
	}
	return probe.Status, string(proc.Status)
}

// CheckOne probes a single service and merges the result.
func (r *Reconciler) CheckOne(ctx context.Context, desc models.ServiceDescriptor) models.ServiceHealth {
	probe := r.Probe(ctx, desc.Port)
	proc := r.source.Status(desc.Name)
	status, processStatus := Merge(proc, probe)

	metrics.HealthProbes.WithLabelValues(desc.Name, string(probe.Status)).Inc()
	metrics.HealthProbeDuration.WithLabelValues(desc.Name).Observe(probe.Latency.Seconds())

	return models.ServiceHealth{
		Name:          desc.Name,
		Type:          desc.Type,
		Port:          desc.Port,
		Path:          desc.Path,
		Status:        status,
		ProcessStatus: processStatus,
		Pid:           proc.Pid,
		Uptime:        proc.Uptime,
		StatusCode:    probe.StatusCode,
		Error:         probe.Error,
		ResponseTime:  probe.Latency.Milliseconds(),
		LastChecked:   r.now().UTC(),
	}
}

// Check probes every service concurrently. Results keep the input order and
// the call takes as long as the slowest probe.
func (r *Reconciler) Check(ctx context.Context, descs []models.ServiceDescriptor) []models.ServiceHealth {
	results := make([]models.ServiceHealth, len(descs))
	var wg sync.WaitGroup
	for i, desc := range descs {
		wg.Add(1)
		go func(i int, desc models.ServiceDescriptor) {
			defer wg.Done()
			results[i] = r.CheckOne(ctx, desc)
		}(i, desc)
	}
	wg.Wait()
	return results
}
