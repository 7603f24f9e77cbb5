package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/leonletto/chatlink/internal/inbound"
	"github.com/leonletto/chatlink/internal/protocol"
)

// TextSender sends a text message on the listener's connection.
type TextSender interface {
	SendText(ctx context.Context, threadID string, threadType protocol.ThreadType, text string) (json.RawMessage, error)
}

// EchoSink replies to every message not sent by this account with the
// same text.
type EchoSink struct {
	sender TextSender
	logger *slog.Logger
}

func NewEchoSink(sender TextSender, logger *slog.Logger) *EchoSink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &EchoSink{sender: sender, logger: logger}
}

func (s *EchoSink) Name() string { return "echo" }

func (s *EchoSink) Deliver(ctx context.Context, ev *inbound.Event) error {
	if ev.IsSelf || ev.ThreadID == "" || strings.TrimSpace(ev.Text) == "" {
		return nil
	}
	if _, err := s.sender.SendText(ctx, ev.ThreadID, ev.ThreadType, ev.Text); err != nil {
		return err
	}
	s.logger.Debug("echoed message", "thread", ev.ThreadID, "msg_id", ev.MsgID)
	return nil
}
