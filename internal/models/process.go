package models

import "time"

// LifecycleState is the supervisor's view of a child process.
type LifecycleState string

const (
	StateStarting LifecycleState = "starting"
	StateRunning  LifecycleState = "running"
	StateStopping LifecycleState = "stopping"
	StateStopped  LifecycleState = "stopped"
	StateErrored  LifecycleState = "errored"
)

// ProcessStatus is the answer to "what is the supervisor doing with this service".
type ProcessStatus struct {
	Status LifecycleState `json:"status"`
	Pid    *int           `json:"pid"`
	Uptime int64          `json:"uptime"`
}

// StoppedStatus is returned for names the supervisor is not tracking.
func StoppedStatus() ProcessStatus {
	return ProcessStatus{Status: StateStopped, Pid: nil, Uptime: 0}
}

// ErroredStatus is reported for a service whose last process crashed.
func ErroredStatus() ProcessStatus {
	return ProcessStatus{Status: StateErrored, Pid: nil, Uptime: 0}
}

// Running reports whether the process is live or about to be.
func (s ProcessStatus) Running() bool {
	return s.Status == StateRunning || s.Status == StateStarting
}

// UptimeSeconds converts a start time into whole seconds of uptime.
func UptimeSeconds(start time.Time, now time.Time) int64 {
	if start.IsZero() || now.Before(start) {
		return 0
	}
	return int64(now.Sub(start) / time.Second)
}
