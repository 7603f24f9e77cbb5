// Package owner implements the per-profile owner lock: a small JSON record
// on disk naming the one process allowed to hold a protocol connection.
package owner

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maxAcquireAttempts bounds stale-record reclamation so two acquirers
// deleting each other's stale view cannot loop forever.
const maxAcquireAttempts = 3

var errCorrupt = errors.New("owner record is corrupt")

// Record is the on-disk owner lock record.
type Record struct {
	PID       int       `json:"processId"`
	Profile   string    `json:"profile"`
	SessionID string    `json:"sessionId"`
	StartedAt time.Time `json:"startedAt"`
}

// Status is a read-only view of a profile's owner record.
type Status struct {
	Present bool   `json:"present"`
	Alive   bool   `json:"alive"`
	Record  Record `json:"record"`
}

type options struct {
	pid    int
	alive  func(pid int) bool
	now    func() time.Time
	logger *slog.Logger
}

// Option customizes Acquire.
type Option func(*options)

// WithPID records pid instead of os.Getpid().
func WithPID(pid int) Option { return func(o *options) { o.pid = pid } }

// WithLivenessProbe replaces the process liveness check.
func WithLivenessProbe(fn func(pid int) bool) Option { return func(o *options) { o.alive = fn } }

// WithNow replaces the clock used for StartedAt.
func WithNow(fn func() time.Time) Option { return func(o *options) { o.now = fn } }

// WithLogger sets the diagnostic logger for stale-record reclamation.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// Lock is a held owner record. Release is safe to call more than once.
type Lock struct {
	path   string
	record Record

	mu       sync.Mutex
	released bool
}

// Acquire publishes an owner record for profile at path.
//
// The record is created with an atomic create-if-absent primitive. If a
// record already exists and its process is alive, a *ConflictError is
// returned. A record left by a dead process (or one that cannot be parsed)
// is removed and creation is retried.
func Acquire(path, profile, sessionID string, opts ...Option) (*Lock, error) {
	o := options{
		pid:    os.Getpid(),
		alive:  IsProcessAlive,
		now:    time.Now,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create owner record directory: %w", err)
	}

	record := Record{
		PID:       o.pid,
		Profile:   profile,
		SessionID: sessionID,
		StartedAt: o.now().UTC(),
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal owner record: %w", err)
	}
	data = append(data, '\n')

	for attempt := 1; attempt <= maxAcquireAttempts; attempt++ {
		err := publish(path, data)
		if err == nil {
			return &Lock{path: path, record: record}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create owner record: %w", err)
		}

		existing, raw, readErr := readRecord(path)
		switch {
		case errors.Is(readErr, fs.ErrNotExist):
			// Released between our create attempt and the read.
			continue
		case errors.Is(readErr, errCorrupt):
			o.logger.Warn("removing unreadable owner record", "path", path, "error", readErr)
		case readErr != nil:
			return nil, readErr
		case o.alive(existing.PID):
			return nil, &ConflictError{Profile: profile, PID: existing.PID, SessionID: existing.SessionID}
		default:
			o.logger.Info("reclaiming stale owner record",
				"path", path, "stale_pid", existing.PID, "stale_session", existing.SessionID)
		}

		if err := removeIfUnchanged(path, raw); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrAcquireRetries, path)
}

// Release deletes the record if it still names this lock's process and
// session. A record rewritten by another process is left untouched.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true

	current, _, err := readRecord(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, errCorrupt) {
			return nil
		}
		return err
	}
	if current.PID != l.record.PID || current.SessionID != l.record.SessionID {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove owner record: %w", err)
	}
	return nil
}

// Record returns the record this lock published.
func (l *Lock) Record() Record { return l.record }

// Path returns the record location.
func (l *Lock) Path() string { return l.path }

// Inspect reads the owner record at path without modifying it.
func Inspect(path string) (Status, error) {
	record, _, err := readRecord(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Status{}, nil
		}
		return Status{}, err
	}
	return Status{Present: true, Alive: IsProcessAlive(record.PID), Record: record}, nil
}

// publish creates path with data only if it does not exist yet. The data is
// staged in a temp file and hard-linked into place so no reader can see a
// partially written record.
func publish(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".owner-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return err
	}

	err = os.Link(tmpPath, path)
	if err == nil || errors.Is(err, fs.ErrExist) {
		return err
	}
	// Hard links unsupported here; exclusive create is still atomic.
	return createExclusive(path, data)
}

func createExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600) //nolint:gosec // G304 - path from internal profile directory
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

func readRecord(path string) (Record, []byte, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // G304 - path from internal profile directory
	if err != nil {
		// Unwrapped so callers can match fs.ErrNotExist.
		return Record{}, nil, err
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, raw, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	if record.PID <= 0 {
		return Record{}, raw, fmt.Errorf("%w: missing processId", errCorrupt)
	}
	return record, raw, nil
}

// removeIfUnchanged deletes path only if its content still equals raw, so a
// record freshly published by a racing acquirer survives.
func removeIfUnchanged(path string, raw []byte) error {
	current, err := os.ReadFile(path) //nolint:gosec // G304 - path from internal profile directory
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("re-read owner record: %w", err)
	}
	if !bytes.Equal(current, raw) {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale owner record: %w", err)
	}
	return nil
}
