package inbound

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// textParts are the inputs to the fallback text.
type textParts struct {
	body          string
	media         []Media
	quoteMedia    []Media
	quote         *Quote
	replyContext  bool
	replyMaxChars int
}

// composeText builds the human-readable text: the message body, one note
// per attachment, one note per reply attachment and a single trailing
// reply-context line.
func composeText(p textParts) string {
	var lines []string
	if body := strings.TrimSpace(p.body); body != "" {
		lines = append(lines, body)
	}
	lines = append(lines, mediaNotes("media attached", p.media)...)
	lines = append(lines, mediaNotes("reply media attached", p.quoteMedia)...)
	if p.replyContext && p.quote != nil {
		if line := replyLine(p.quote, p.replyMaxChars); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func mediaNotes(label string, media []Media) []string {
	var out []string
	for i, m := range media {
		ref := m.LocalPath
		if ref == "" {
			ref = m.SourceURL
		}
		if ref == "" {
			continue
		}
		if m.ContentType != "" {
			ref += " (" + m.ContentType + ")"
		} else if m.Kind != "" {
			ref += " (" + string(m.Kind) + ")"
		}
		if len(media) > 1 {
			out = append(out, fmt.Sprintf("[%s %d/%d: %s]", label, i+1, len(media), ref))
		} else {
			out = append(out, fmt.Sprintf("[%s: %s]", label, ref))
		}
	}
	return out
}

func replyLine(q *Quote, maxChars int) string {
	who := q.SenderName
	if who == "" {
		who = q.OwnerID
	}
	if who == "" {
		who = "unknown"
	}
	what := strings.Join(strings.Fields(q.Text), " ")
	if what == "" {
		what = quoteMediaSummary(q)
	}
	if what == "" {
		return ""
	}
	return truncate(fmt.Sprintf("[reply to %s: %s]", who, what), maxChars)
}

func quoteMediaSummary(q *Quote) string {
	switch {
	case q.Attachment != "" && len(q.MediaURLs) > 0:
		return fmt.Sprintf("<media: %s>", q.Attachment)
	case q.Attachment != "":
		return q.Attachment
	case len(q.MediaURLs) == 1:
		return "<media>"
	case len(q.MediaURLs) > 1:
		return fmt.Sprintf("<media x%d>", len(q.MediaURLs))
	}
	return ""
}

// truncate shortens s to at most maxChars runes, marking the cut with "…".
func truncate(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	if maxChars == 1 {
		return "…"
	}
	runes := []rune(s)
	return string(runes[:maxChars-1]) + "…"
}
