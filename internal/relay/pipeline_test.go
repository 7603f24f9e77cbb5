package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leonletto/chatlink/internal/inbound"
	"github.com/leonletto/chatlink/internal/protocol"
)

// eventNormalizer decodes payloads that are already events. A payload with
// an empty text is dropped.
type eventNormalizer struct{}

func (eventNormalizer) Normalize(_ context.Context, raw json.RawMessage) (*inbound.Event, error) {
	var ev inbound.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	if ev.Text == "" {
		return nil, nil
	}
	return &ev, nil
}

type recordingSink struct {
	mu   sync.Mutex
	name string
	err  error
	got  []string
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(_ context.Context, ev *inbound.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, ev.Text)
	return s.err
}

func (s *recordingSink) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.got...)
}

type groupSet struct {
	mu  sync.Mutex
	ids []string
}

func (g *groupSet) Add(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ids = append(g.ids, id)
	return nil
}

func eventJSON(t *testing.T, ev inbound.Event) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestPipelineOrderAndDrain(t *testing.T) {
	failing := &recordingSink{name: "failing", err: errors.New("down")}
	sink := &recordingSink{name: "rec"}
	groups := &groupSet{}
	p := NewPipeline(Config{Buffer: 16}, eventNormalizer{}, groups, failing, sink)
	p.Start(context.Background())

	for i, text := range []string{"one", "", "two", "three"} {
		tt := protocol.ThreadUser
		if i == 2 {
			tt = protocol.ThreadGroup
		}
		if !p.Enqueue(eventJSON(t, inbound.Event{ThreadID: "t" + text, ThreadType: tt, Text: text})) {
			t.Fatalf("Enqueue %d rejected", i)
		}
	}
	if !p.Enqueue(json.RawMessage(`not json`)) {
		t.Fatal("Enqueue rejected malformed payload")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got := sink.texts()
	if len(got) != 3 || got[0] != "one" || got[1] != "two" || got[2] != "three" {
		t.Errorf("delivered = %v, want [one two three]", got)
	}
	if len(failing.texts()) != 3 {
		t.Errorf("failing sink saw %d events, want 3", len(failing.texts()))
	}
	if len(groups.ids) != 1 || groups.ids[0] != "ttwo" {
		t.Errorf("recorded groups = %v", groups.ids)
	}
	if p.Enqueue(eventJSON(t, inbound.Event{Text: "late"})) {
		t.Error("Enqueue after Stop accepted")
	}
	if err := p.Stop(ctx); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestPipelineDropsWhenFull(t *testing.T) {
	p := NewPipeline(Config{Buffer: 1}, eventNormalizer{}, nil)
	// Worker not started, so the queue cannot drain.
	if !p.Enqueue(json.RawMessage(`{}`)) {
		t.Fatal("first Enqueue rejected")
	}
	if p.Enqueue(json.RawMessage(`{}`)) {
		t.Error("Enqueue on full queue accepted")
	}
}

func TestPipelineStopBounded(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	blocking := normFunc(func(ctx context.Context, raw json.RawMessage) (*inbound.Event, error) {
		<-block
		return nil, nil
	})
	p := NewPipeline(Config{}, blocking, nil)
	p.Start(context.Background())
	p.Enqueue(json.RawMessage(`{}`))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := p.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop = %v, want DeadlineExceeded", err)
	}
}

// stuckSink blocks in Deliver until its context ends.
type stuckSink struct {
	entered   chan struct{}
	abandoned chan struct{}
}

func (s *stuckSink) Name() string { return "stuck" }

func (s *stuckSink) Deliver(ctx context.Context, _ *inbound.Event) error {
	close(s.entered)
	<-ctx.Done()
	close(s.abandoned)
	return ctx.Err()
}

func TestPipelineStopAbandonsStuckSink(t *testing.T) {
	stuck := &stuckSink{entered: make(chan struct{}), abandoned: make(chan struct{})}
	after := &recordingSink{name: "after"}
	p := NewPipeline(Config{}, eventNormalizer{}, nil, stuck, after)
	p.Start(context.Background())
	p.Enqueue(eventJSON(t, inbound.Event{Text: "first"}))
	p.Enqueue(eventJSON(t, inbound.Event{Text: "second"}))

	select {
	case <-stuck.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never received the event")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := p.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop = %v, want DeadlineExceeded", err)
	}

	select {
	case <-stuck.abandoned:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery context not cancelled after Stop gave up")
	}
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker still running after Stop gave up")
	}
	if got := after.texts(); len(got) != 0 {
		t.Errorf("abandoned events still delivered: %v", got)
	}
}

type normFunc func(ctx context.Context, raw json.RawMessage) (*inbound.Event, error)

func (f normFunc) Normalize(ctx context.Context, raw json.RawMessage) (*inbound.Event, error) {
	return f(ctx, raw)
}
