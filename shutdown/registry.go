// Package shutdown runs the teardown steps of the node host in order.
package shutdown

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"idealsize/logging"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Typical priorities. Lower values run first.
const (
	PriorityServer  = 0
	PriorityWorkers = 10
	PriorityStorage = 30
	PriorityFinal   = 40
)

// Func is a single teardown step.
type Func func(ctx context.Context) error

type entry struct {
	name     string
	fn       Func
	priority int
}

// Registry keeps teardown steps ordered by priority.
//
// Usage:
//
//	reg := shutdown.NewRegistry(logger)
//	reg.Register("history-writer", shutdown.PriorityWorkers, stopWriter)
//	reg.Register("database", shutdown.PriorityStorage, closeDB)
//	err := reg.Shutdown(ctx)
type Registry struct {
	mu      sync.Mutex
	entries []entry
	closed  bool
	logger  *logging.Logger
}

// NewRegistry creates an empty registry. A nil logger discards output.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Registry{logger: logger.Named("shutdown")}
}

// Register adds a step. Steps with equal priority run in registration order.
// Registration after Shutdown is a no-op.
func (r *Registry) Register(name string, priority int, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.entries = append(r.entries, entry{name: name, fn: fn, priority: priority})
}

func (r *Registry) sorted() []entry {
	out := make([]entry, len(r.entries))
	copy(out, r.entries)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].priority < out[j].priority
	})
	return out
}

// Shutdown runs every step in priority order, even after failures, and
// returns the combined errors, each prefixed with its step name. Only the
// first call does anything.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	steps := r.sorted()
	r.mu.Unlock()

	var errs error
	for _, step := range steps {
		start := time.Now()
		err := step.fn(ctx)
		if err != nil {
			r.logger.Error("shutdown step failed", zap.String("step", step.name), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", step.name, err))
			continue
		}
		r.logger.Debug("shutdown step done",
			zap.String("step", step.name),
			zap.Duration("took", time.Since(start)))
	}
	return errs
}

// Names returns the step names in execution order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	steps := r.sorted()
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.name
	}
	return names
}

// Count returns the number of registered steps.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// IsClosed reports whether Shutdown has been called.
func (r *Registry) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
