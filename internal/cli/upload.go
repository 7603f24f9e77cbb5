package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/leonletto/chatlink/internal/delegate"
	"github.com/leonletto/chatlink/internal/paths"
	"github.com/leonletto/chatlink/internal/protocol"
	"github.com/leonletto/chatlink/internal/threadtype"
)

// Upload routes.
const (
	ViaDelegation = "delegation"
	ViaDirect     = "direct"
)

// UploadOptions contains options for uploading files to a thread.
type UploadOptions struct {
	ThreadID string
	// ThreadType is "user" or "group"; empty means infer.
	ThreadType string
	Files      []string
}

// UploadResult reports how an upload was carried out.
type UploadResult struct {
	Via              string              `json:"via"`
	ThreadID         string              `json:"thread_id"`
	ThreadType       protocol.ThreadType `json:"thread_type"`
	ThreadTypeSource threadtype.Source   `json:"thread_type_source"`
	Response         json.RawMessage     `json:"response,omitempty"`
}

// Upload sends files to a thread. It hands the work to a running listener
// when delegation is enabled and one is listening; otherwise it opens a
// private connection guarded by the owner lock.
func Upload(ctx context.Context, env *Env, opts UploadOptions) (*UploadResult, error) {
	s := env.Settings
	log := env.logger()

	threadID := strings.TrimSpace(opts.ThreadID)
	if threadID == "" {
		return nil, fmt.Errorf("thread id is required")
	}
	files, err := absFiles(opts.Files)
	if err != nil {
		return nil, err
	}

	var cache threadtype.Cache
	if gc := env.openGroupCache(); gc != nil {
		defer func() { _ = gc.Close() }()
		cache = gc
	}
	resolved, err := resolveThreadType(ctx, env, cache, nil, threadID, opts.ThreadType)
	if err != nil {
		return nil, err
	}

	result := &UploadResult{
		ThreadID:         threadID,
		ThreadType:       resolved.Type,
		ThreadTypeSource: resolved.Source,
	}

	if s.Delegation.Enabled {
		resp, err := delegate.Upload(ctx, delegate.ClientConfig{
			SocketPath:     paths.DelegationSocketPath(s.Home, s.Profile),
			ConnectTimeout: s.Delegation.ConnectTimeout,
			RequestTimeout: s.Delegation.RequestTimeout,
		}, delegate.Request{
			Profile:         s.Profile,
			ThreadID:        threadID,
			ThreadType:      string(resolved.Type),
			Attachments:     files,
			UploadTimeoutMs: s.Delegation.RequestTimeout.Milliseconds(),
		})
		switch {
		case err == nil:
			result.Via = ViaDelegation
			result.Response = resp
			return result, nil
		case errors.Is(err, delegate.ErrUnavailable):
			log.Debug("no listener to delegate to, uploading directly", "error", err)
		default:
			return nil, fmt.Errorf("delegated upload failed: %w", err)
		}
	}

	err = env.withPrivateSession(ctx, func(ctx context.Context, client protocol.Client) error {
		if resolved.Source == threadtype.SourceDefault && s.Thread.Probe {
			probed, err := resolveThreadType(ctx, env, cache, client, threadID, "")
			if err != nil {
				return err
			}
			result.ThreadType, result.ThreadTypeSource = probed.Type, probed.Source
		}
		resp, err := client.SendAttachments(ctx, threadID, result.ThreadType, files)
		if err != nil {
			return fmt.Errorf("failed to upload: %w", err)
		}
		result.Response = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Via = ViaDirect
	return result, nil
}

// resolveThreadType runs the resolver. With a nil prober only the flag and
// cache steps apply; with a prober the cache step is skipped since it already
// missed.
func resolveThreadType(ctx context.Context, env *Env, cache threadtype.Cache, prober threadtype.Prober, threadID, explicit string) (threadtype.Result, error) {
	s := env.Settings
	opts := threadtype.Options{
		UseCache:     s.Thread.Cache && prober == nil,
		Probe:        s.Thread.Probe && prober != nil,
		ProbeTimeout: s.Thread.ProbeTimeout,
		Logger:       env.logger(),
	}
	return threadtype.New(opts, cache, prober).Resolve(ctx, threadID, explicit)
}

// absFiles makes every path absolute and checks it names a regular file.
func absFiles(files []string) ([]string, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("at least one file is required")
	}
	out := make([]string, 0, len(files))
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", f, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f, err)
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("%s is not a regular file", f)
		}
		out = append(out, abs)
	}
	return out, nil
}

// FormatUpload formats the upload result for display.
func FormatUpload(r *UploadResult) string {
	return fmt.Sprintf("✓ Uploaded to %s (%s, %s) via %s\n", r.ThreadID, r.ThreadType, r.ThreadTypeSource, r.Via)
}
