package main

import (
	"fmt"
	"io"
	"sync"

	"polydev/internal/logstore"
	"polydev/internal/models"
	"polydev/internal/service"
)

// ANSI colors for per-service output prefixes.
var colors = []string{
	"\033[35m", // magenta
	"\033[32m", // green
	"\033[33m", // yellow
	"\033[36m", // cyan
	"\033[34m", // blue
	"\033[31m", // red
}

const resetColor = "\033[0m"

// prefixer assigns each service a stable color and padded name.
type prefixer struct {
	width int
	color map[string]string
}

func newPrefixer(names []string) *prefixer {
	p := &prefixer{color: make(map[string]string, len(names))}
	for i, n := range names {
		p.color[n] = colors[i%len(colors)]
		if len(n) > p.width {
			p.width = len(n)
		}
	}
	return p
}

func (p *prefixer) prefix(name string) string {
	return fmt.Sprintf("%s%-*s |%s ", p.color[name], p.width, name, resetColor)
}

// newEcho writes child output to w, one prefixed line at a time.
func newEcho(w io.Writer, descs []models.ServiceDescriptor) func(svc, stream, line string) {
	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.Name
	}
	p := newPrefixer(names)
	var mu sync.Mutex
	return func(svc, _, line string) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(w, p.prefix(svc)+line)
	}
}

// newStoreSinks sends captured output to each service's .logs directory.
func newStoreSinks(e *env) service.SinkFactory {
	store := logstore.New(e.cfg.Logs.MaxFileSize, e.cfg.Logs.MaxArchives)
	return func(desc models.ServiceDescriptor, dir string) service.LogSink {
		return store.Logger(dir, desc.Name)
	}
}
