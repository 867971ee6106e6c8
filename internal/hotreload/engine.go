// Package hotreload keeps running services in sync with their source trees:
// it watches each service directory, debounces bursts of file events and
// restarts services that do not reload themselves.
package hotreload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/fsnotify/fsnotify"

	"polydev/internal/hooks"
	"polydev/internal/logging"
	"polydev/internal/metrics"
	"polydev/internal/models"
	"polydev/internal/service"
)

// Supervisor is the part of service.Supervisor the engine drives.
type Supervisor interface {
	Start(ctx context.Context, desc models.ServiceDescriptor) (int, error)
	Restart(ctx context.Context, desc models.ServiceDescriptor) (int, error)
	StopAll(ctx context.Context) map[string]error
	ResolveDir(desc models.ServiceDescriptor) (string, error)
}

type Options struct {
	Debounce time.Duration
	Resolver service.CommandResolver
	Hooks    hooks.Emitter
	// Out receives the printed plan. Defaults to os.Stdout.
	Out io.Writer
	// ShutdownTimeout bounds StopAll when Run returns.
	ShutdownTimeout time.Duration
}

// PlanEntry is what the engine intends to do with one service.
type PlanEntry struct {
	Service  models.ServiceDescriptor `json:"service"`
	Dir      string                   `json:"dir,omitempty"`
	Strategy Strategy                 `json:"strategy,omitempty"`
	Command  string                   `json:"command,omitempty"`
	Patterns []string                 `json:"patterns,omitempty"`
	// Skip holds the reason a service is left out; empty means it runs.
	Skip string `json:"skip,omitempty"`
}

var skipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	".logs":        true,
	"target":       true,
	"build":        true,
	"dist":         true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
	"vendor":       true,
	".next":        true,
	".idea":        true,
}

type Engine struct {
	sup             Supervisor
	resolver        service.CommandResolver
	debounce        time.Duration
	hooks           hooks.Emitter
	out             io.Writer
	shutdownTimeout time.Duration
}

func NewEngine(sup Supervisor, opts Options) *Engine {
	if opts.Resolver == nil {
		opts.Resolver = service.NewResolver(nil)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}
	return &Engine{
		sup:             sup,
		resolver:        opts.Resolver,
		debounce:        opts.Debounce,
		hooks:           opts.Hooks,
		out:             opts.Out,
		shutdownTimeout: opts.ShutdownTimeout,
	}
}

// Plan resolves directory, command, strategy and watch patterns for each
// service without spawning anything.
func (e *Engine) Plan(descs []models.ServiceDescriptor) []PlanEntry {
	plan := make([]PlanEntry, 0, len(descs))
	for _, d := range descs {
		entry := PlanEntry{Service: d}
		dir, err := e.sup.ResolveDir(d)
		if err != nil {
			entry.Skip = err.Error()
			plan = append(plan, entry)
			continue
		}
		entry.Dir = dir
		cmd, err := e.resolver.Resolve(d, dir)
		if err != nil {
			entry.Skip = err.Error()
			plan = append(plan, entry)
			continue
		}
		entry.Command = cmd.String()
		entry.Strategy = ResolveStrategy(d, dir)
		if entry.Strategy == StrategyRespawn {
			entry.Patterns = Rules(d.Type)
		}
		plan = append(plan, entry)
	}
	return plan
}

// PrintPlan writes plan as a table.
func PrintPlan(w io.Writer, plan []PlanEntry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tTYPE\tSTRATEGY\tCOMMAND")
	for _, p := range plan {
		if p.Skip != "" {
			fmt.Fprintf(tw, "%s\t%s\tskip\t%s\n", p.Service.Name, p.Service.Type, p.Skip)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Service.Name, p.Service.Type, p.Strategy, p.Command)
	}
	_ = tw.Flush()
}

type target struct {
	entry   PlanEntry
	matcher *Matcher
	mu      sync.Mutex
}

// changeSet collects the services changed during one debounce window, in
// the order they first changed.
type changeSet struct {
	mu      sync.Mutex
	targets []*target
}

func (c *changeSet) add(t *target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, have := range c.targets {
		if have == t {
			return
		}
	}
	c.targets = append(c.targets, t)
}

func (c *changeSet) drain() []*target {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.targets
	c.targets = nil
	return out
}

// Run starts every runnable service and restarts respawn services on
// matching changes until ctx is done, then stops them all. With dryRun it
// only prints the plan.
func (e *Engine) Run(ctx context.Context, descs []models.ServiceDescriptor, dryRun bool) error {
	plan := e.Plan(descs)
	PrintPlan(e.out, plan)
	if dryRun {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// one timer for the whole workspace: any matching change postpones every
	// pending restart, then each changed service restarts once
	changes := &changeSet{}
	debouncer := NewDebouncer(e.debounce, func() {
		for _, t := range changes.drain() {
			e.restart(ctx, t)
		}
	})

	var targets []*target
	defer func() {
		debouncer.Stop()
		stopCtx, cancel := context.WithTimeout(context.Background(), e.shutdownTimeout)
		defer cancel()
		for name, err := range e.sup.StopAll(stopCtx) {
			logging.Warn().Err(err).Str("service", name).Msg("stop failed during shutdown")
		}
	}()

	for _, p := range plan {
		if p.Skip != "" {
			logging.Warn().Str("service", p.Service.Name).Str("reason", p.Skip).Msg("skipping service")
			continue
		}
		if _, err := e.sup.Start(ctx, p.Service); err != nil {
			logging.Warn().Err(err).Str("service", p.Service.Name).Msg("skipping service that failed to start")
			continue
		}
		if p.Strategy == StrategyInternal {
			logging.Info().Str("service", p.Service.Name).Msg("service reloads itself, not watching")
			continue
		}

		matcher, err := CompileGlobs(p.Patterns)
		if err != nil {
			logging.Warn().Err(err).Str("service", p.Service.Name).Msg("bad watch patterns")
			continue
		}
		t := &target{entry: p, matcher: matcher}
		if err := watchTree(watcher, p.Dir); err != nil {
			logging.Warn().Err(err).Str("service", p.Service.Name).Msg("cannot watch service directory")
			continue
		}
		targets = append(targets, t)
		logging.Info().Str("service", p.Service.Name).Str("dir", p.Dir).Msg("watching for changes")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if t := e.changed(watcher, targets, ev); t != nil {
				changes.add(t)
				debouncer.Trigger()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn().Err(err).Msg("file watcher error")
		}
	}
}

// changed watches directories created under a service and returns the
// service whose watch patterns ev matches, if any.
func (e *Engine) changed(watcher *fsnotify.Watcher, targets []*target, ev fsnotify.Event) *target {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return nil
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !skipDirs[info.Name()] {
			if err := watchTree(watcher, ev.Name); err != nil {
				logging.Debug().Err(err).Str("dir", ev.Name).Msg("cannot watch new directory")
			}
		}
	}

	t := owner(targets, ev.Name)
	if t == nil {
		return nil
	}
	rel, err := filepath.Rel(t.entry.Dir, ev.Name)
	if err != nil || !t.matcher.Match(rel) {
		return nil
	}
	logging.Debug().Str("service", t.entry.Service.Name).Str("file", rel).Str("op", ev.Op.String()).Msg("change detected")
	return t
}

// owner is the target with the longest directory prefix of path.
func owner(targets []*target, path string) *target {
	var best *target
	for _, t := range targets {
		dir := t.entry.Dir
		if path != dir && !strings.HasPrefix(path, dir+string(filepath.Separator)) {
			continue
		}
		if best == nil || len(dir) > len(best.entry.Dir) {
			best = t
		}
	}
	return best
}

func (e *Engine) restart(ctx context.Context, t *target) {
	if ctx.Err() != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	name := t.entry.Service.Name
	logging.Info().Str("service", name).Msg("restarting after change")
	pid, err := e.sup.Restart(ctx, t.entry.Service)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logging.Warn().Err(err).Str("service", name).Msg("hot restart failed")
		}
		return
	}
	metrics.HotReloads.WithLabelValues(name).Inc()
	if e.hooks != nil {
		e.hooks.Emit(ctx, hooks.HotRestart, hooks.Context{"service": name, "pid": pid})
	}
}

// watchTree adds root and its subdirectories, skipping dependency and build output.
func watchTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			logging.Debug().Err(err).Str("dir", path).Msg("watch failed")
		}
		return nil
	})
}
