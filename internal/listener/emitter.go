package listener

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"sync"
	"time"

	"github.com/leonletto/chatlink/internal/clock"
)

// Lifecycle event names reported in supervised mode.
const (
	EventSessionID = "session_id"
	EventConnected = "connected"
	EventHeartbeat = "heartbeat"
	EventError     = "error"
	EventClosed    = "closed"
)

// Emitter writes lifecycle events as JSON lines.
type Emitter struct {
	mu        sync.Mutex
	w         io.Writer
	clock     clock.Clock
	profile   string
	sessionID string
}

// NewEmitter creates an emitter writing to w. A nil clock means real time.
func NewEmitter(w io.Writer, profile string, clk clock.Clock) *Emitter {
	if clk == nil {
		clk = clock.Real()
	}
	return &Emitter{w: w, clock: clk, profile: profile}
}

// SetSession sets the session id stamped on every later event.
func (e *Emitter) SetSession(id string) {
	e.mu.Lock()
	e.sessionID = id
	e.mu.Unlock()
}

// Emit writes one event. Reserved keys in fields are overwritten.
func (e *Emitter) Emit(event string, fields map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := make(map[string]any, len(fields)+5)
	maps.Copy(rec, fields)
	rec["kind"] = "lifecycle"
	rec["event"] = event
	rec["session_id"] = e.sessionID
	rec["profile"] = e.profile
	rec["timestamp"] = e.clock.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode lifecycle event: %w", err)
	}
	if _, err := e.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write lifecycle event: %w", err)
	}
	return nil
}
