package logstore

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"polydev/internal/models"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatText Format = "txt"
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	case "txt", "text", "log":
		return FormatText, nil
	}
	return "", fmt.Errorf("unsupported export format %q (want json, csv or txt)", s)
}

// Export writes entries to path in the given format.
func Export(entries []models.LogEntry, format Format, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	w := bufio.NewWriter(f)
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if entries == nil {
			entries = []models.LogEntry{}
		}
		err = enc.Encode(entries)
	case FormatCSV:
		err = writeCSV(w, entries)
	case FormatText:
		for _, e := range entries {
			if _, err = fmt.Fprintln(w, FormatEntry(e)); err != nil {
				break
			}
		}
	default:
		err = fmt.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return err
	}
	return w.Flush()
}

// encoding/csv doubles embedded quotes and quotes fields that need it.
func writeCSV(w *bufio.Writer, entries []models.LogEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "level", "service", "message"}); err != nil {
		return err
	}
	for _, e := range entries {
		rec := []string{e.Timestamp.Format(time.RFC3339), string(e.Level), e.Service, e.Message}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// FormatEntry renders one entry as a human-readable line.
func FormatEntry(e models.LogEntry) string {
	return fmt.Sprintf("[%s] %-5s %s: %s",
		e.Timestamp.Local().Format("2006-01-02 15:04:05"),
		strings.ToUpper(string(e.Level)), e.Service, e.Message)
}
