// Package hooks is the plugin lifecycle event dispatcher. Handlers run
// synchronously in registration order; a failing or panicking handler is
// logged and skipped so the caller's pipeline is never interrupted.
package hooks

import (
	"context"
	"fmt"
	"sync"

	"polydev/internal/logging"
)

const (
	BeforeStart = "before:start"
	AfterStart  = "after:start"
	AfterStop   = "after:stop"
	ProcessExit = "process:exit"
	HotRestart  = "hot:restart"
)

// Context is the payload handed to hook handlers.
type Context map[string]interface{}

type Handler func(ctx context.Context, event string, data Context) error

// Emitter is what the supervisor and hot-reload engine depend on.
type Emitter interface {
	Emit(ctx context.Context, event string, data Context)
}

type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string][]Handler)}
}

// On registers fn for event. "*" receives every event.
func (d *Dispatcher) On(event string, fn Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[event] = append(d.handlers[event], fn)
}

// Emit is safe on a nil Dispatcher.
func (d *Dispatcher) Emit(ctx context.Context, event string, data Context) {
	if d == nil {
		return
	}
	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.handlers[event])+len(d.handlers["*"]))
	handlers = append(handlers, d.handlers[event]...)
	handlers = append(handlers, d.handlers["*"]...)
	d.mu.RUnlock()

	for _, fn := range handlers {
		if err := call(ctx, fn, event, data); err != nil {
			logging.Warn().Err(err).Str("event", event).Msg("hook handler failed")
		}
	}
}

func call(ctx context.Context, fn Handler, event string, data Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return fn(ctx, event, data)
}
