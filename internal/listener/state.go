package listener

import "errors"

// State is the controller's lifecycle position.
type State string

const (
	StateIdle          State = "idle"
	StateAcquiringLock State = "acquiring-lock"
	StateStartingIPC   State = "starting-ipc"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateReconnecting  State = "reconnecting"
	StateShuttingDown  State = "shutting-down"
	StateStopped       State = "stopped"
)

// Process exit codes.
const (
	ExitOK    = 0
	ExitFatal = 1

	// RecycleExitCode asks the process manager to start a fresh listener.
	// It matches EX_TEMPFAIL from sysexits.h.
	RecycleExitCode = 75
)

// ErrConnect wraps failures to establish the protocol session.
var ErrConnect = errors.New("listener connect failed")

// ErrClosed is returned when the backend closes the session and no restart
// is scheduled.
var ErrClosed = errors.New("listener connection closed")
