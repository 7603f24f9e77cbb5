// Package cli implements the chatlink commands. Each command is a plain
// function over an Env so it can be driven from cobra or from tests.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/leonletto/chatlink/internal/config"
	"github.com/leonletto/chatlink/internal/groupcache"
	"github.com/leonletto/chatlink/internal/owner"
	"github.com/leonletto/chatlink/internal/paths"
	"github.com/leonletto/chatlink/internal/protocol"
)

// ClientFactory builds the protocol client for a profile.
type ClientFactory func(s *config.Settings, logger *slog.Logger) protocol.Client

// DefaultClientFactory connects to the configured websocket gateway.
func DefaultClientFactory(s *config.Settings, logger *slog.Logger) protocol.Client {
	return protocol.NewWSClient(protocol.WSConfig{
		URL:              s.Backend.URL,
		Token:            s.Backend.Token,
		Profile:          s.Profile,
		HandshakeTimeout: s.Listen.ConnectTimeout,
		Logger:           logger,
	})
}

// Env carries what every command needs.
type Env struct {
	Settings  *config.Settings
	Logger    *slog.Logger
	NewClient ClientFactory
	Stdout    io.Writer
	Stderr    io.Writer
}

func (e *Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}

func (e *Env) stdout() io.Writer {
	if e.Stdout == nil {
		return os.Stdout
	}
	return e.Stdout
}

func (e *Env) newClient() protocol.Client {
	if e.NewClient == nil {
		return DefaultClientFactory(e.Settings, e.logger())
	}
	return e.NewClient(e.Settings, e.logger())
}

// openGroupCache opens the profile's group cache when the cache step is
// enabled. Failures are logged and reported as a nil cache.
func (e *Env) openGroupCache() *groupcache.Cache {
	if !e.Settings.Thread.Cache {
		return nil
	}
	c, err := groupcache.Open(paths.GroupCachePath(e.Settings.Home, e.Settings.Profile))
	if err != nil {
		e.logger().Warn("group cache unavailable", "error", err)
		return nil
	}
	return c
}

// withPrivateSession runs fn on a connection owned by this process. With
// owner enforcement on, the profile's owner lock is held for the whole
// connection lifetime and a live owner fails the call with *owner.ConflictError.
func (e *Env) withPrivateSession(ctx context.Context, fn func(ctx context.Context, client protocol.Client) error) error {
	s := e.Settings
	log := e.logger()
	sessionID := ulid.Make().String()

	if s.Owner.Enforce {
		lock, err := owner.Acquire(paths.OwnerRecordPath(s.Home, s.Profile), s.Profile, sessionID, owner.WithLogger(log))
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				log.Warn("release owner lock", "error", err)
			}
		}()
	}

	client := e.newClient()
	cctx, cancel := context.WithTimeout(ctx, s.Listen.ConnectTimeout)
	err := client.Connect(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		if err := client.Disconnect(); err != nil {
			log.Warn("disconnect", "error", err)
		}
	}()

	// Same budget a delegated request gets, so a gateway that never acks
	// cannot hold the command open.
	rctx, rcancel := context.WithTimeout(ctx, s.Delegation.RequestTimeout)
	defer rcancel()
	return fn(rctx, client)
}

// syncWriter serializes writes from the lifecycle emitter and the stdout sink
// so JSON lines never interleave.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
