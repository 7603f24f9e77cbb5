// Package protocol is the narrow boundary between chatlink and the chat
// backend's session client. Everything above this package sees only
// Connect/Disconnect/Send* and a stream of Events.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
)

// ThreadType distinguishes group threads from direct peers.
type ThreadType string

const (
	ThreadUser  ThreadType = "user"
	ThreadGroup ThreadType = "group"
)

// ParseThreadType accepts "user", "group" and the numeric forms 0 and 1.
func ParseThreadType(s string) (ThreadType, error) {
	switch s {
	case "user", "0", "direct", "dm":
		return ThreadUser, nil
	case "group", "1":
		return ThreadGroup, nil
	default:
		return "", fmt.Errorf("unknown thread type %q (want user or group)", s)
	}
}

// EventKind enumerates the events a Client emits.
type EventKind string

const (
	EventConnected EventKind = "connected"
	EventMessage   EventKind = "message"
	EventError     EventKind = "error"
	EventClosed    EventKind = "closed"
)

// Event is one notification from the session client.
type Event struct {
	Kind EventKind

	// Message holds the raw inbound payload for EventMessage.
	Message json.RawMessage

	// Err is set for EventError, and for EventClosed when the close was
	// caused by a transport failure.
	Err error

	// CloseCode and CloseReason describe EventClosed.
	CloseCode   int
	CloseReason string
}

// Handler receives events. Handlers must not block for long; the client
// delivers events from its read loop.
type Handler func(Event)

// Client is the session client as seen by the listener, the delegation
// server and the one-shot commands.
type Client interface {
	// Connect opens the session. EventConnected is emitted once the backend
	// has accepted it.
	Connect(ctx context.Context) error

	// Disconnect closes the session. It does not emit EventClosed.
	Disconnect() error

	SendText(ctx context.Context, threadID string, threadType ThreadType, text string) (json.RawMessage, error)
	SendAttachments(ctx context.Context, threadID string, threadType ThreadType, paths []string) (json.RawMessage, error)

	// GroupInfo looks up groupID as a group. It returns an error when the id
	// is not a group the account can see.
	GroupInfo(ctx context.Context, groupID string) (json.RawMessage, error)

	// Subscribe registers h and returns a function that removes it.
	Subscribe(h Handler) (unsubscribe func())
}
