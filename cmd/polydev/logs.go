package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"polydev/internal/logging"
	"polydev/internal/logstore"
	"polydev/internal/models"
	"polydev/internal/service"
	"polydev/internal/websocket"
)

var (
	logsFollow bool
	logsTail   int
	logsSince  string
	logsFilter string
	logsLevel  string
	logsExport string
	logsOutput string
	logsClear  bool
	logsAdmin  string
)

var logsCmd = &cobra.Command{
	Use:   "logs [service]",
	Short: "Read, follow, export or clear service logs",
	Long: `Read the logs polydev captured under each service's .logs directory.
Without a service every service is read and merged by timestamp.

--since takes an RFC3339 time, a day (2006-01-02) or a duration back from
now (15m, 2h). --filter is a case-insensitive regular expression, used as a
plain substring when it does not compile.

With -f new lines are printed as they are written. --admin follows through a
running admin server's websocket instead of polling the files.

EXAMPLES:
  polydev logs api -t 50
  polydev logs --level warn --since 1h
  polydev logs api -f --admin http://localhost:8080
  polydev logs api --export csv -o api.csv
  polydev logs --clear`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep printing new lines")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "t", 100, "show the last N matching lines (0 for all)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "only lines at or after this time")
	logsCmd.Flags().StringVar(&logsFilter, "filter", "", "only lines matching this pattern")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "minimum level: debug, info, warn, error")
	logsCmd.Flags().StringVar(&logsExport, "export", "", "write the lines to a file: json, csv or txt")
	logsCmd.Flags().StringVarP(&logsOutput, "output", "o", "", "export file (default polydev-logs-<service>-<time>.<format>)")
	logsCmd.Flags().BoolVar(&logsClear, "clear", false, "delete the captured logs")
	logsCmd.Flags().StringVar(&logsAdmin, "admin", "", "admin server URL to follow through, e.g. http://localhost:8080")
}

func runLogs(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	var name string
	if len(args) == 1 {
		name = args[0]
	}
	sources, err := logSources(e, name)
	if err != nil {
		return err
	}
	store := logstore.New(e.cfg.Logs.MaxFileSize, e.cfg.Logs.MaxArchives)
	out := cmd.OutOrStdout()

	if logsClear {
		return clearLogs(out, store, sources)
	}

	opts, err := logReadOptions(time.Now())
	if err != nil {
		return err
	}
	entries := store.ReadAll(sources, opts)

	if logsExport != "" {
		return exportLogs(out, entries, name)
	}

	for _, entry := range entries {
		fmt.Fprintln(out, logstore.FormatEntry(entry))
	}
	if !logsFollow {
		return nil
	}

	ctx, stop := signalContext()
	defer stop()
	if logsAdmin != "" {
		err = followAdmin(ctx, out, logsAdmin, name, opts, lastTimestamp(entries))
	} else {
		err = followFiles(ctx, out, store, sources, opts, e.cfg.Logs.PollInterval)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// logSources maps a service name, or every service when empty, to the
// directory its logs live under.
func logSources(e *env, name string) ([]logstore.Source, error) {
	var names []string
	if name != "" {
		names = []string{name}
	}
	descs, err := e.ws.Select(names)
	if err != nil {
		return nil, err
	}
	sup := service.NewSupervisor(service.Options{Root: e.ws.Root})
	sources := make([]logstore.Source, len(descs))
	for i, d := range descs {
		dir, err := sup.ResolveDir(d)
		if err != nil {
			dir = e.ws.ServiceDir(d)
		}
		sources[i] = logstore.Source{Service: d.Name, Dir: dir}
	}
	return sources, nil
}

func logReadOptions(now time.Time) (logstore.ReadOptions, error) {
	opts := logstore.ReadOptions{Tail: logsTail, Filter: logsFilter}
	if logsTail < 0 {
		return opts, fmt.Errorf("invalid --tail %d", logsTail)
	}
	if logsLevel != "" {
		level, ok := models.ParseLogLevel(logsLevel)
		if !ok {
			return opts, fmt.Errorf("invalid --level %q", logsLevel)
		}
		opts.Level = level
	}
	since, err := logstore.ParseSince(logsSince, now)
	if err != nil {
		return opts, err
	}
	opts.Since = since
	return opts, nil
}

func clearLogs(out io.Writer, store *logstore.Store, sources []logstore.Source) error {
	var errs []error
	for _, src := range sources {
		if err := store.Clear(src.Dir); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.Service, err))
			continue
		}
		fmt.Fprintf(out, "cleared logs for %s\n", src.Service)
	}
	return errors.Join(errs...)
}

func exportLogs(out io.Writer, entries []models.LogEntry, name string) error {
	format, err := logstore.ParseFormat(logsExport)
	if err != nil {
		return err
	}
	path := logsOutput
	if path == "" {
		path = exportFileName(name, format, time.Now())
	}
	if err := logstore.Export(entries, format, path); err != nil {
		return fmt.Errorf("export logs: %w", err)
	}
	fmt.Fprintf(out, "exported %d lines to %s\n", len(entries), path)
	return nil
}

func exportFileName(name string, format logstore.Format, now time.Time) string {
	if name == "" {
		name = "all"
	}
	return fmt.Sprintf("polydev-logs-%s-%s.%s", name, now.Format("20060102-150405"), format)
}

func lastTimestamp(entries []models.LogEntry) time.Time {
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[len(entries)-1].Timestamp
}

// followFiles polls each service's current day file.
func followFiles(ctx context.Context, out io.Writer, store *logstore.Store, sources []logstore.Source, opts logstore.ReadOptions, interval time.Duration) error {
	opts.Tail = 0
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		src := src
		g.Go(func() error {
			return store.Watch(ctx, src.Dir, interval, func(line string) {
				entry, ok := logstore.ParseLine(line, src.Service)
				if !ok || len(logstore.Filter([]models.LogEntry{entry}, opts)) == 0 {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				fmt.Fprintln(out, logstore.FormatEntry(entry))
			})
		})
	}
	return g.Wait()
}

// followAdmin streams a service through the admin websocket, reconnecting
// with backoff. History replayed on reconnect is skipped by timestamp.
func followAdmin(ctx context.Context, out io.Writer, adminURL, name string, opts logstore.ReadOptions, since time.Time) error {
	wsURL, err := websocketURL(adminURL)
	if err != nil {
		return err
	}
	opts.Tail = 0
	last := since

	f := &websocket.Follower{
		URL:     wsURL,
		Service: name,
		OnConnect: func() {
			logging.Info().Str("url", wsURL).Msg("following logs")
		},
		OnFrame: func(frame websocket.Frame) {
			if frame.Type == websocket.MessageTypeError {
				logging.Warn().Str("message", frame.Message).Msg("admin server error")
				return
			}
			entries, err := frame.Entries()
			if err != nil {
				logging.Debug().Err(err).Msg("ignoring frame")
				return
			}
			replay := frame.Type == websocket.MessageTypeLogData
			for _, entry := range logstore.Filter(entries, opts) {
				if replay && !entry.Timestamp.After(last) {
					continue
				}
				if entry.Timestamp.After(last) {
					last = entry.Timestamp
				}
				fmt.Fprintln(out, logstore.FormatEntry(entry))
			}
		},
	}
	return f.Run(ctx)
}

// websocketURL turns an admin base URL into its /ws endpoint.
func websocketURL(base string) (string, error) {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid --admin URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid --admin URL %q: unsupported scheme %s", base, u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String(), nil
}
