// Package relay moves normalized inbound events from the listener to their
// consumers: stdout, a webhook and an optional echo responder.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/leonletto/chatlink/internal/inbound"
	"github.com/leonletto/chatlink/internal/protocol"
)

// DefaultBuffer is the queue capacity between the listener and the worker.
const DefaultBuffer = 256

// Sink consumes events. Deliver is called from a single goroutine.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev *inbound.Event) error
}

// Normalizer turns a raw payload into an event, or nil to drop it.
type Normalizer interface {
	Normalize(ctx context.Context, raw json.RawMessage) (*inbound.Event, error)
}

// GroupRecorder remembers group thread ids.
type GroupRecorder interface {
	Add(ctx context.Context, id string) error
}

// Config configures a Pipeline.
type Config struct {
	Buffer int
	Logger *slog.Logger
}

// Pipeline is an ordered single-worker queue. Events leave in the order
// they were enqueued.
type Pipeline struct {
	norm   Normalizer
	groups GroupRecorder
	sinks  []Sink
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan json.RawMessage
	done   chan struct{}
	cancel context.CancelFunc
}

// NewPipeline creates a pipeline. groups may be nil.
func NewPipeline(cfg Config, norm Normalizer, groups GroupRecorder, sinks ...Sink) *Pipeline {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{
		norm:   norm,
		groups: groups,
		sinks:  sinks,
		logger: logger,
		queue:  make(chan json.RawMessage, cfg.Buffer),
		done:   make(chan struct{}),
		cancel: func() {},
	}
}

// Start launches the worker. It exits when the pipeline is stopped and the
// queue is drained, or when ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	go p.run(ctx)
}

// Enqueue queues raw without blocking. It reports false when the queue is
// full or the pipeline is stopped.
func (p *Pipeline) Enqueue(raw json.RawMessage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- raw:
		return true
	default:
		p.logger.Warn("relay queue full, dropping inbound message", "capacity", cap(p.queue))
		return false
	}
}

// Stop closes intake and waits for queued events to drain or ctx to end.
// When ctx ends first the worker's context is cancelled, so the event in
// flight and anything still queued are abandoned.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	cancel := p.cancel
	p.mu.Unlock()

	select {
	case <-p.done:
		cancel()
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-p.queue:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			p.process(ctx, raw)
		}
	}
}

func (p *Pipeline) process(ctx context.Context, raw json.RawMessage) {
	ev, err := p.norm.Normalize(ctx, raw)
	if err != nil {
		p.logger.Warn("discarding inbound message", "error", err)
		return
	}
	if ev == nil {
		return
	}
	if ev.ThreadType == protocol.ThreadGroup && ev.ThreadID != "" && p.groups != nil {
		if err := p.groups.Add(ctx, ev.ThreadID); err != nil {
			p.logger.Warn("record group failed", "thread", ev.ThreadID, "error", err)
		}
	}
	for _, s := range p.sinks {
		if ctx.Err() != nil {
			return
		}
		if err := s.Deliver(ctx, ev); err != nil {
			p.logger.Warn("sink delivery failed", "sink", s.Name(), "thread", ev.ThreadID, "msg_id", ev.MsgID, "error", err)
		}
	}
}
