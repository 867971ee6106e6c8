package models

import (
	"strings"
	"time"
)

// LogLevel ranks log lines: error > warn > info > debug.
type LogLevel string

const (
	LevelError LogLevel = "error"
	LevelWarn  LogLevel = "warn"
	LevelInfo  LogLevel = "info"
	LevelDebug LogLevel = "debug"
)

// Priority orders levels so that a filter keeps entries with Priority() >= the requested one.
func (l LogLevel) Priority() int {
	switch l {
	case LevelError:
		return 3
	case LevelWarn:
		return 2
	case LevelInfo:
		return 1
	case LevelDebug:
		return 0
	}
	return 1
}

// ParseLogLevel normalizes level tokens found in log lines. Unknown tokens are info.
func ParseLogLevel(s string) (LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error", "err", "fatal", "critical":
		return LevelError, true
	case "warn", "warning":
		return LevelWarn, true
	case "info", "notice":
		return LevelInfo, true
	case "debug", "trace":
		return LevelDebug, true
	}
	return LevelInfo, false
}

// LogEntry is one line of a service log.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Service   string                 `json:"service"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Raw       string                 `json:"-"`
}
