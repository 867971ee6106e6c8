package logstore

import (
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"polydev/internal/models"
)

var (
	timestampRE = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
	levelRE     = regexp.MustCompile(`(?i)\b(error|err|fatal|critical|warn|warning|info|notice|debug|trace)\b`)
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseLine turns one raw log line into an entry. It never fails: JSON lines
// are decoded, anything else falls back to a timestamp and level token found
// in the text, and finally to info at the current time. ok is false only for
// blank lines.
func ParseLine(raw, service string) (models.LogEntry, bool) {
	entry, _, ok := parseLine(raw, service, time.Now)
	return entry, ok
}

// parseLine also reports whether a level was found in the line.
func parseLine(raw, service string, now func() time.Time) (models.LogEntry, bool, bool) {
	line := strings.TrimRight(raw, "\r\n")
	if strings.TrimSpace(line) == "" {
		return models.LogEntry{}, false, false
	}

	if strings.HasPrefix(strings.TrimSpace(line), "{") {
		if entry, levelFound, ok := parseJSON(line, service, now); ok {
			return entry, levelFound, true
		}
	}

	entry := models.LogEntry{
		Level:   models.LevelInfo,
		Service: service,
		Message: line,
		Raw:     line,
	}
	if ts := timestampRE.FindString(line); ts != "" {
		if t, ok := parseTimestamp(ts); ok {
			entry.Timestamp = t
		}
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now().UTC()
	}
	levelFound := false
	if m := levelRE.FindStringSubmatch(line); m != nil {
		entry.Level, levelFound = models.ParseLogLevel(m[1])
	}
	return entry, levelFound, true
}

func parseJSON(line, service string, now func() time.Time) (models.LogEntry, bool, bool) {
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return models.LogEntry{}, false, false
	}

	entry := models.LogEntry{
		Level:   models.LevelInfo,
		Service: service,
		Raw:     line,
	}
	if s, ok := firstString(fields, "service"); ok && s != "" {
		entry.Service = s
	}
	if s, ok := firstString(fields, "message", "msg"); ok {
		entry.Message = s
	} else {
		entry.Message = line
	}
	if s, ok := firstString(fields, "timestamp", "time", "ts"); ok {
		if t, ok := parseTimestamp(s); ok {
			entry.Timestamp = t
		}
	} else if n, ok := fields["time"].(float64); ok {
		// pino and friends write epoch milliseconds
		entry.Timestamp = time.UnixMilli(int64(n)).UTC()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now().UTC()
	}

	levelFound := false
	switch v := fields["level"].(type) {
	case string:
		entry.Level, levelFound = models.ParseLogLevel(v)
	case float64:
		entry.Level, levelFound = numericLevel(v), true
	}

	if data, ok := fields["data"].(map[string]interface{}); ok {
		entry.Data = data
	}
	return entry, levelFound, true
}

// numericLevel follows the pino/bunyan convention.
func numericLevel(v float64) models.LogLevel {
	switch {
	case v >= 50:
		return models.LevelError
	case v >= 40:
		return models.LevelWarn
	case v >= 30:
		return models.LevelInfo
	}
	return models.LevelDebug
}

func firstString(fields map[string]interface{}, keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := fields[k].(string); ok {
			return s, true
		}
	}
	return "", false
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.Replace(s, ",", ".", 1)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
