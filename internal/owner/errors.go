package owner

import (
	"errors"
	"fmt"
)

// ErrConflict matches any *ConflictError via errors.Is.
var ErrConflict = errors.New("ownership conflict")

// ErrAcquireRetries is returned when stale-record cleanup kept racing with
// other acquirers and the attempt budget ran out.
var ErrAcquireRetries = errors.New("owner lock: retry budget exhausted")

// ConflictError reports that a live process already owns the profile.
type ConflictError struct {
	Profile   string
	PID       int
	SessionID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("profile %q is owned by running process %d", e.Profile, e.PID)
}

// Is lets errors.Is(err, ErrConflict) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
