package delegate

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable means no listener is reachable. The caller may safely
	// open its own connection instead.
	ErrUnavailable = errors.New("delegation unavailable")

	// ErrProtocol matches every *ProtocolError.
	ErrProtocol = errors.New("delegation protocol error")

	// ErrSocketInUse is returned by Server.Start when another process is
	// already serving the address.
	ErrSocketInUse = errors.New("delegation socket in use")
)

// ProtocolError reports a listener that was reachable but misbehaved. The
// upload may or may not have happened, so callers must not fall back.
type ProtocolError struct {
	Stage string // connect, write, read, decode, validate
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("delegation protocol error during %s: %v", e.Stage, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// RemoteError carries an ok:false response from the listener.
type RemoteError struct {
	RequestID string
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("listener rejected request %s: %s", e.RequestID, e.Message)
}

// RateLimitError is returned by the admission limiter.
type RateLimitError struct {
	Code    int // 429 for rate limit, 503 for too many in flight
	Message string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("delegation busy (code %d): %s", e.Code, e.Message)
}
