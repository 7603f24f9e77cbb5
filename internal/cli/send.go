package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/leonletto/chatlink/internal/protocol"
	"github.com/leonletto/chatlink/internal/threadtype"
)

// SendOptions contains options for sending a text message.
type SendOptions struct {
	ThreadID   string
	ThreadType string
	Text       string
}

// SendResult contains the result of sending a message.
type SendResult struct {
	ThreadID         string              `json:"thread_id"`
	ThreadType       protocol.ThreadType `json:"thread_type"`
	ThreadTypeSource threadtype.Source   `json:"thread_type_source"`
	Response         json.RawMessage     `json:"response,omitempty"`
}

// Send posts a text message over a private connection. Delegation only
// carries uploads, so a running listener makes Send fail with an ownership
// conflict when owner enforcement is on.
func Send(ctx context.Context, env *Env, opts SendOptions) (*SendResult, error) {
	threadID := strings.TrimSpace(opts.ThreadID)
	if threadID == "" {
		return nil, fmt.Errorf("thread id is required")
	}
	if strings.TrimSpace(opts.Text) == "" {
		return nil, fmt.Errorf("message text is required")
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
	result := &SendResult{ThreadID: threadID, ThreadType: resolved.Type, ThreadTypeSource: resolved.Source}

	err = env.withPrivateSession(ctx, func(ctx context.Context, client protocol.Client) error {
		if resolved.Source == threadtype.SourceDefault && env.Settings.Thread.Probe {
			probed, err := resolveThreadType(ctx, env, cache, client, threadID, "")
			if err != nil {
				return err
			}
			result.ThreadType, result.ThreadTypeSource = probed.Type, probed.Source
		}
		resp, err := client.SendText(ctx, threadID, result.ThreadType, opts.Text)
		if err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
		result.Response = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FormatSend formats the send result for display.
func FormatSend(r *SendResult) string {
	return fmt.Sprintf("✓ Message sent to %s (%s)\n", r.ThreadID, r.ThreadType)
}
