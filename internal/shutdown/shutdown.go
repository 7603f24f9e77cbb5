// Package shutdown runs registered cleanup hooks once, in stage order, within
// a bounded grace period.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/leonletto/chatlink/internal/clock"
)

// Stage orders hooks. Lower stages run first.
type Stage int

const (
	StageStopIntake Stage = 10 // stop accepting delegated work
	StageDisconnect Stage = 20 // close the protocol connection
	StageRelease    Stage = 30 // release the owner lock
	StageCleanup    Stage = 40 // remove on-disk artifacts
)

// ErrGraceExceeded is returned by Run when hooks did not finish in time.
var ErrGraceExceeded = errors.New("shutdown grace period exceeded")

// Hook is one cleanup step. ctx is cancelled when the grace period ends.
type Hook func(ctx context.Context) error

type entry struct {
	stage Stage
	seq   int
	name  string
	fn    Hook
}

// Coordinator collects hooks and runs them once.
type Coordinator struct {
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	entries []*entry
	seq     int
	started bool
	done    chan struct{}
	result  error
}

// New creates a coordinator. A nil clock means real time.
func New(clk clock.Clock, logger *slog.Logger) *Coordinator {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{clock: clk, logger: logger, done: make(chan struct{})}
}

// Register adds a hook. The returned func removes it again; removing after
// Run has started has no effect.
func (c *Coordinator) Register(stage Stage, name string, fn Hook) (unregister func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &entry{stage: stage, seq: c.seq, name: name, fn: fn}
	c.seq++
	c.entries = append(c.entries, e)

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.started {
			return
		}
		c.entries = slices.DeleteFunc(c.entries, func(x *entry) bool { return x == e })
	}
}

// Started reports whether Run has been called.
func (c *Coordinator) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Done is closed when the first Run returns.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Run executes every hook once, ordered by stage and then registration
// order. A failing hook does not stop later ones. If the hooks have not
// finished after grace, Run returns ErrGraceExceeded and leaves the rest
// running in the background. Later calls wait for the first and return its
// result.
func (c *Coordinator) Run(grace time.Duration) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		<-c.done
		return c.result
	}
	c.started = true
	hooks := slices.Clone(c.entries)
	c.mu.Unlock()

	slices.SortStableFunc(hooks, func(a, b *entry) int {
		if a.stage != b.stage {
			return int(a.stage) - int(b.stage)
		}
		return a.seq - b.seq
	})

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	go func() {
		var errs []error
		for _, h := range hooks {
			if err := h.fn(ctx); err != nil {
				c.logger.Warn("shutdown hook failed", "hook", h.name, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
				continue
			}
			c.logger.Debug("shutdown hook done", "hook", h.name)
		}
		finished <- errors.Join(errs...)
	}()

	var result error
	if grace > 0 {
		select {
		case result = <-finished:
		case <-c.clock.After(grace):
			c.logger.Warn("shutdown did not complete in time, forcing exit", "grace", grace)
			result = ErrGraceExceeded
		}
	} else {
		result = <-finished
	}
	cancel()

	c.mu.Lock()
	c.result = result
	c.mu.Unlock()
	close(c.done)
	return result
}
