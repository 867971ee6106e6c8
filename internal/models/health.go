package models

import "time"

// HealthState is the merged status reported to the dashboard.
type HealthState string

const (
	HealthUp       HealthState = "up"
	HealthDown     HealthState = "down"
	HealthError    HealthState = "error"
	HealthStarting HealthState = "starting"
)

// ProcessExternal marks a port served by something the supervisor did not start.
const ProcessExternal = "external"

// ProbeResult is the outcome of one HTTP health probe.
type ProbeResult struct {
	Status     HealthState   `json:"status"`
	StatusCode int           `json:"statusCode,omitempty"`
	Error      string        `json:"error,omitempty"`
	Latency    time.Duration `json:"-"`
}

// ServiceHealth is one row of /api/status.
type ServiceHealth struct {
	Name          string      `json:"name"`
	Type          ServiceType `json:"type"`
	Port          uint16      `json:"port"`
	Path          string      `json:"path"`
	Status        HealthState `json:"status"`
	ProcessStatus string      `json:"processStatus"`
	Pid           *int        `json:"pid"`
	Uptime        int64       `json:"uptime"`
	StatusCode    int         `json:"statusCode,omitempty"`
	Error         string      `json:"error,omitempty"`
	ResponseTime  int64       `json:"responseTime"`
	LastChecked   time.Time   `json:"lastChecked"`
}
