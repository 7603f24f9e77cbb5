// Package protocoltest provides an in-memory protocol.Client for tests.
package protocoltest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/leonletto/chatlink/internal/protocol"
)

// Call records one outbound operation.
type Call struct {
	Op          string
	ThreadID    string
	ThreadType  protocol.ThreadType
	Text        string
	Attachments []string
}

// Fake is a scriptable protocol.Client. Events are delivered synchronously
// from Emit, Connect and Close.
type Fake struct {
	mu          sync.Mutex
	handlers    map[int]protocol.Handler
	nextID      int
	connected   bool
	connects    int
	disconnects int
	calls       []Call

	// ConnectErrs are returned by successive Connect calls; once exhausted
	// Connect succeeds.
	ConnectErrs []error
	// SilentConnect suppresses the EventConnected normally emitted by Connect.
	SilentConnect bool
	// Groups lists ids GroupInfo recognises.
	Groups map[string]bool
	// SendErr, when set, fails SendText and SendAttachments.
	SendErr error
	// Block, when set, makes sends wait until it is closed or ctx ends.
	Block chan struct{}
}

// New returns a Fake that knows the given group ids.
func New(groups ...string) *Fake {
	f := &Fake{handlers: make(map[int]protocol.Handler), Groups: make(map[string]bool)}
	for _, g := range groups {
		f.Groups[g] = true
	}
	return f
}

func (f *Fake) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.connects++
	var err error
	if len(f.ConnectErrs) > 0 {
		err = f.ConnectErrs[0]
		f.ConnectErrs = f.ConnectErrs[1:]
	}
	if err != nil {
		f.mu.Unlock()
		return err
	}
	f.connected = true
	silent := f.SilentConnect
	f.mu.Unlock()

	if !silent {
		f.Emit(protocol.Event{Kind: protocol.EventConnected})
	}
	return nil
}

func (f *Fake) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		f.disconnects++
	}
	f.connected = false
	return nil
}

func (f *Fake) SendText(ctx context.Context, threadID string, threadType protocol.ThreadType, text string) (json.RawMessage, error) {
	if err := f.record(ctx, Call{Op: "send_text", ThreadID: threadID, ThreadType: threadType, Text: text}); err != nil {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(`{"msgId":"m%d"}`, f.CallCount())), nil
}

func (f *Fake) SendAttachments(ctx context.Context, threadID string, threadType protocol.ThreadType, paths []string) (json.RawMessage, error) {
	c := Call{Op: "send_attachments", ThreadID: threadID, ThreadType: threadType, Attachments: append([]string(nil), paths...)}
	if err := f.record(ctx, c); err != nil {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(`{"attachments":%d}`, len(paths))), nil
}

func (f *Fake) GroupInfo(ctx context.Context, groupID string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, protocol.ErrNotConnected
	}
	f.calls = append(f.calls, Call{Op: "group_info", ThreadID: groupID})
	if !f.Groups[groupID] {
		return nil, errors.New("group not found")
	}
	return json.RawMessage(fmt.Sprintf(`{"groupId":%q}`, groupID)), nil
}

func (f *Fake) Subscribe(h protocol.Handler) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.handlers[id] = h
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.handlers, id)
		f.mu.Unlock()
	}
}

func (f *Fake) record(ctx context.Context, c Call) error {
	f.mu.Lock()
	block := f.Block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return protocol.ErrNotConnected
	}
	if f.SendErr != nil {
		return f.SendErr
	}
	f.calls = append(f.calls, c)
	return nil
}

// Emit delivers ev to every subscriber in registration order.
func (f *Fake) Emit(ev protocol.Event) {
	f.mu.Lock()
	hs := make([]protocol.Handler, 0, len(f.handlers))
	for id := 0; id < f.nextID; id++ {
		if h, ok := f.handlers[id]; ok {
			hs = append(hs, h)
		}
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

// Close simulates an unsolicited close from the backend.
func (f *Fake) Close(code int, reason string) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.Emit(protocol.Event{Kind: protocol.EventClosed, CloseCode: code, CloseReason: reason})
}

// Deliver emits an inbound message event with the given raw payload.
func (f *Fake) Deliver(raw string) {
	f.Emit(protocol.Event{Kind: protocol.EventMessage, Message: json.RawMessage(raw)})
}

// Connected reports whether the fake currently holds a session.
func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Connects returns how many times Connect was called.
func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Disconnects returns how many live sessions were closed by Disconnect.
func (f *Fake) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

// Calls returns a copy of the recorded operations.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount returns the number of recorded operations.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var _ protocol.Client = (*Fake)(nil)
