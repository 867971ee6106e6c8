package logstore

import (
	"time"

	"polydev/internal/logging"
	"polydev/internal/models"
)

// Logger appends to one service's log on a best-effort basis: failures are
// reported to the process log and otherwise dropped.
type Logger struct {
	store   *Store
	dir     string
	service string
}

func (s *Store) Logger(serviceDir, service string) *Logger {
	return &Logger{store: s, dir: serviceDir, service: service}
}

func (l *Logger) Log(level models.LogLevel, message string, data map[string]interface{}) {
	err := l.store.Append(l.dir, models.LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Service:   l.service,
		Message:   message,
		Data:      data,
	})
	if err != nil {
		logging.Warn().Err(err).Str("service", l.service).Msg("log append failed")
	}
}

// Ingest records one line of child process output. A level found in the line
// wins; otherwise stderr lines are errors and stdout lines are info.
func (l *Logger) Ingest(stream, line string) {
	entry, levelFound, ok := parseLine(line, l.service, time.Now)
	if !ok {
		return
	}
	if !levelFound {
		entry.Level = models.LevelInfo
		if stream == "stderr" {
			entry.Level = models.LevelError
		}
	}
	if entry.Data == nil {
		entry.Data = map[string]interface{}{}
	}
	entry.Data["stream"] = stream
	if err := l.store.Append(l.dir, entry); err != nil {
		logging.Warn().Err(err).Str("service", l.service).Msg("log append failed")
	}
}
