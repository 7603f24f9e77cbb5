package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/leonletto/chatlink/internal/protocol"
)

// Event is the self-contained payload emitted for one inbound message.
type Event struct {
	Kind       string              `json:"kind"`
	Profile    string              `json:"profile"`
	ThreadID   string              `json:"threadId"`
	ThreadType protocol.ThreadType `json:"threadType"`
	SenderID   string              `json:"senderId,omitempty"`
	SenderName string              `json:"senderName,omitempty"`
	MsgID      string              `json:"msgId,omitempty"`
	CliMsgID   string              `json:"cliMsgId,omitempty"`
	MsgType    string              `json:"msgType,omitempty"`
	Timestamp  int64               `json:"timestamp,omitempty"`
	IsSelf     bool                `json:"isSelf"`
	Text       string              `json:"text"`
	Media      []Media             `json:"media,omitempty"`
	Quote      *Quote              `json:"quote,omitempty"`
	QuoteMedia []Media             `json:"quoteMedia,omitempty"`
	Mentions   []Mention           `json:"mentions,omitempty"`
}

// Config controls normalization.
type Config struct {
	Profile string

	// MaxFiles bounds downloads per message and, separately, per quote.
	MaxFiles int

	ReplyContext  bool
	ReplyMedia    bool
	ReplyMaxChars int

	// SelfID marks messages sent by the logged-in account when the payload
	// does not say so itself.
	SelfID string

	Logger *slog.Logger
}

// Normalizer converts raw inbound payloads into Events.
type Normalizer struct {
	cfg    Config
	dl     *Downloader
	logger *slog.Logger
}

// New creates a normalizer. A nil downloader reports media as links only.
func New(cfg Config, dl *Downloader) *Normalizer {
	if cfg.MaxFiles < 0 {
		cfg.MaxFiles = 0
	}
	if cfg.ReplyMaxChars <= 0 {
		cfg.ReplyMaxChars = 200
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Normalizer{cfg: cfg, dl: dl, logger: logger}
}

// Normalize converts one raw payload. It returns (nil, nil) when the
// message carries nothing worth emitting. Media failures never fail the
// event; they leave the entry without a local path.
func (n *Normalizer) Normalize(ctx context.Context, raw json.RawMessage) (*Event, error) {
	root, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("decode inbound message: %w", err)
	}
	if !root.IsObject() {
		return nil, fmt.Errorf("decode inbound message: not an object")
	}
	data := root
	if d, ok := root.Get("data"); ok {
		if d = Unwrap(d, unwrapBudget); d.IsObject() {
			data = d
		}
	}

	ev := &Event{
		Kind:       "message",
		Profile:    n.cfg.Profile,
		ThreadID:   firstText(root, data, "threadId", "idTo"),
		ThreadType: threadTypeOf(root, data),
		SenderID:   data.FirstText("uidFrom", "senderId", "fromId"),
		SenderName: data.FirstText("dName", "senderName", "displayName"),
		MsgID:      data.FirstText("msgId", "globalMsgId"),
		CliMsgID:   data.FirstText("cliMsgId"),
		MsgType:    data.FirstText("msgType"),
	}
	if ts, ok := data.First("ts", "timestamp"); ok {
		ev.Timestamp, _ = ts.Int()
	}
	ev.IsSelf = isSelf(root, data, ev.SenderID, n.cfg.SelfID)

	content, _ := data.Get("content")
	content = Unwrap(content, unwrapBudget)
	sent := messageText(content)
	body := strings.TrimSpace(sent)

	if kind, ok := DetectKind(ev.MsgType, content); ok {
		ev.Media = n.fetchAll(ctx, Candidates(kind, content))
	}

	if q, ok := ExtractQuote(data); ok {
		ev.Quote = q
		if n.cfg.ReplyMedia && len(q.MediaURLs) > 0 {
			cands := make([]Candidate, 0, len(q.MediaURLs))
			for _, u := range q.MediaURLs {
				cands = append(cands, Candidate{Kind: kindFromURL(u), URL: u})
			}
			ev.QuoteMedia = n.fetchAll(ctx, cands)
		}
	}

	// Mention offsets count from the start of the text as sent.
	ev.Mentions = ExtractMentions(data, sent)

	ev.Text = composeText(textParts{
		body:          body,
		media:         ev.Media,
		quoteMedia:    ev.QuoteMedia,
		quote:         ev.Quote,
		replyContext:  n.cfg.ReplyContext,
		replyMaxChars: n.cfg.ReplyMaxChars,
	})
	if strings.TrimSpace(ev.Text) == "" {
		n.logger.Debug("dropping empty inbound message", "thread", ev.ThreadID, "msg_id", ev.MsgID)
		return nil, nil
	}
	return ev, nil
}

// fetchAll downloads up to MaxFiles candidates. The rest, and every failed
// download, are reported by source URL only.
func (n *Normalizer) fetchAll(ctx context.Context, cands []Candidate) []Media {
	out := make([]Media, 0, len(cands))
	for i, c := range cands {
		if n.dl == nil || i >= n.cfg.MaxFiles {
			out = append(out, Media{Kind: c.Kind, SourceURL: c.URL, ContentType: c.ContentType, Skipped: "limit"})
			continue
		}
		m, err := n.dl.Fetch(ctx, c)
		if err != nil {
			level := slog.LevelWarn
			if errors.Is(err, ErrMediaSkipped) {
				level = slog.LevelInfo
			}
			n.logger.Log(ctx, level, "media download skipped", "url", c.URL, "kind", c.Kind, "error", err)
		}
		out = append(out, m)
	}
	return out
}

// messageText is the plain text of a message as sent, or the caption of a
// structured one.
func messageText(content Value) string {
	if s, ok := content.Str(); ok {
		if IsStructuredText(s) || IsAbsoluteURL(s) {
			return ""
		}
		return s
	}
	if content.IsObject() {
		if s := content.FirstText("caption", "title", "description", "text", "msg"); s != "" && !IsAbsoluteURL(s) {
			return s
		}
	}
	return ""
}

func firstText(a, b Value, keys ...string) string {
	if s := a.FirstText(keys...); s != "" {
		return s
	}
	return b.FirstText(keys...)
}

func threadTypeOf(root, data Value) protocol.ThreadType {
	for _, v := range []Value{root, data} {
		if x, ok := v.First("threadType", "type"); ok {
			if tt, err := protocol.ParseThreadType(strings.ToLower(x.Text())); err == nil {
				return tt
			}
		}
	}
	return protocol.ThreadUser
}

func isSelf(root, data Value, senderID, selfID string) bool {
	for _, v := range []Value{root, data} {
		if x, ok := v.Get("isSelf"); ok {
			if b, ok := x.Bool(); ok {
				return b
			}
		}
	}
	return selfID != "" && senderID == selfID
}

func kindFromURL(u string) MediaKind {
	switch Extension("", u, "") {
	case ".jpg", ".jpeg", ".png", ".webp", ".heic":
		return MediaImage
	case ".gif":
		return MediaGIF
	case ".mp4", ".mov", ".webm":
		return MediaVideo
	case ".mp3", ".m4a", ".aac", ".amr", ".ogg", ".wav":
		return MediaAudio
	}
	return MediaFile
}
