// Package threadtype infers whether a thread id names a group or a direct
// peer when the caller did not say.
package threadtype

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/leonletto/chatlink/internal/protocol"
)

// Source names the step that decided a thread type.
type Source string

const (
	SourceFlag    Source = "flag"
	SourceCache   Source = "cache"
	SourceProbe   Source = "probe"
	SourceDefault Source = "default"
)

// Cache is the known-group lookup, usually a *groupcache.Cache.
type Cache interface {
	Contains(ctx context.Context, id string) (bool, error)
	Add(ctx context.Context, id string) error
}

// Prober asks the backend about a group. Any error means "not a group".
type Prober interface {
	GroupInfo(ctx context.Context, groupID string) (json.RawMessage, error)
}

// Options toggles each resolution step.
type Options struct {
	UseCache     bool
	Probe        bool
	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

// Resolver applies, in order: explicit flag, group cache, live probe, and
// finally defaults to a direct thread.
type Resolver struct {
	opts   Options
	cache  Cache
	prober Prober
	logger *slog.Logger
}

// Result is a resolved thread type with the step that produced it.
type Result struct {
	Type   protocol.ThreadType
	Source Source
}

// New creates a resolver. cache and prober may be nil, which disables the
// corresponding step regardless of opts.
func New(opts Options, cache Cache, prober Prober) *Resolver {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 3 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Resolver{opts: opts, cache: cache, prober: prober, logger: logger}
}

// Resolve returns the thread type for threadID. explicit is the caller's
// flag value; an unparseable explicit value is an error, never a guess.
func (r *Resolver) Resolve(ctx context.Context, threadID, explicit string) (Result, error) {
	if explicit != "" {
		tt, err := protocol.ParseThreadType(explicit)
		if err != nil {
			return Result{}, err
		}
		return Result{Type: tt, Source: SourceFlag}, nil
	}

	if r.opts.UseCache && r.cache != nil {
		ok, err := r.cache.Contains(ctx, threadID)
		switch {
		case err != nil:
			r.logger.Warn("group cache lookup failed", "thread", threadID, "error", err)
		case ok:
			return Result{Type: protocol.ThreadGroup, Source: SourceCache}, nil
		}
	}

	if r.opts.Probe && r.prober != nil {
		pctx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
		_, err := r.prober.GroupInfo(pctx, threadID)
		cancel()
		if err == nil {
			if r.cache != nil {
				if err := r.cache.Add(ctx, threadID); err != nil {
					r.logger.Warn("record probed group failed", "thread", threadID, "error", err)
				}
			}
			return Result{Type: protocol.ThreadGroup, Source: SourceProbe}, nil
		}
		r.logger.Debug("group probe negative", "thread", threadID, "error", err)
	}

	return Result{Type: protocol.ThreadUser, Source: SourceDefault}, nil
}
