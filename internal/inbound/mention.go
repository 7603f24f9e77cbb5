package inbound

import (
	"strconv"
	"strings"
	"unicode/utf16"
)

// Walk bounds for mention extraction.
const (
	mentionMaxDepth    = 12
	mentionMaxMentions = 64
)

var mentionKeys = map[string]bool{
	"mentions":       true,
	"mentionInfo":    true,
	"mention":        true,
	"atList":         true,
	"mentionedUsers": true,
}

// Mention is a user reference inside a message. Pos and Len are UTF-16
// offsets into the message text.
type Mention struct {
	UserID string `json:"userId"`
	Pos    *int   `json:"pos,omitempty"`
	Len    *int   `json:"len,omitempty"`
	Kind   string `json:"type,omitempty"`
	Text   string `json:"text,omitempty"`
}

func (m Mention) key() string {
	var b strings.Builder
	b.WriteString(m.UserID)
	b.WriteByte(0)
	writeOptInt(&b, m.Pos)
	b.WriteByte(0)
	writeOptInt(&b, m.Len)
	b.WriteByte(0)
	b.WriteString(m.Kind)
	b.WriteByte(0)
	b.WriteString(m.Text)
	return b.String()
}

func writeOptInt(b *strings.Builder, p *int) {
	if p == nil {
		b.WriteByte('-')
		return
	}
	b.WriteString(strconv.Itoa(*p))
}

// ExtractMentions collects mentions from every mention-bearing field in msg,
// including fields hidden in serialized-JSON strings. Text missing from an
// entry is sliced out of text by its offset and length.
func ExtractMentions(msg Value, text string) []Mention {
	w := mentionWalker{text: utf16.Encode([]rune(text)), seen: make(map[string]struct{})}
	w.walk(msg, mentionMaxDepth, unwrapBudget)
	return w.out
}

type mentionWalker struct {
	text []uint16
	seen map[string]struct{}
	out  []Mention
}

func (w *mentionWalker) walk(v Value, depth, budget int) {
	if depth < 0 || len(w.out) >= mentionMaxMentions {
		return
	}
	switch v.Kind() {
	case KindString:
		if budget <= 0 {
			return
		}
		if inner := Unwrap(v, 1); inner.Kind() != KindString {
			w.walk(inner, depth-1, budget-1)
		}
	case KindArray:
		for _, item := range v.Items() {
			w.walk(item, depth-1, budget)
		}
	case KindObject:
		for _, m := range v.Members() {
			if mentionKeys[m.Key] {
				w.collect(m.Value, depth-1, budget)
				continue
			}
			w.walk(m.Value, depth-1, budget)
		}
	}
}

// collect reads the value of a mention-bearing field: one entry, a list of
// entries, or serialized JSON of either.
func (w *mentionWalker) collect(v Value, depth, budget int) {
	if depth < 0 {
		return
	}
	if v.Kind() == KindString && budget > 0 {
		inner := Unwrap(v, 1)
		if inner.Kind() == KindString {
			return
		}
		v, budget = inner, budget-1
	}
	switch v.Kind() {
	case KindArray:
		for _, item := range v.Items() {
			w.collect(item, depth-1, budget)
		}
	case KindObject:
		if m, ok := w.entry(v); ok {
			w.add(m)
			return
		}
		// Wrapper object such as {"mentions": [...]}.
		w.walk(v, depth, budget)
	}
}

func (w *mentionWalker) entry(v Value) (Mention, bool) {
	uid := v.FirstText("uid", "userId", "user_id", "id")
	if uid == "" {
		return Mention{}, false
	}
	m := Mention{UserID: uid}
	if x, ok := v.First("pos", "offset", "start"); ok {
		if n, ok := x.Int(); ok {
			p := int(n)
			m.Pos = &p
		}
	}
	if x, ok := v.First("len", "length"); ok {
		if n, ok := x.Int(); ok {
			l := int(n)
			m.Len = &l
		}
	}
	m.Kind = v.FirstText("type", "kind")
	m.Text = v.FirstText("label", "text", "displayName", "name")
	if m.Text == "" && m.Pos != nil && m.Len != nil {
		m.Text = sliceUTF16(w.text, *m.Pos, *m.Len)
	}
	return m, true
}

func (w *mentionWalker) add(m Mention) {
	k := m.key()
	if _, dup := w.seen[k]; dup {
		return
	}
	w.seen[k] = struct{}{}
	w.out = append(w.out, m)
}

func sliceUTF16(text []uint16, pos, n int) string {
	if pos < 0 || n <= 0 || pos >= len(text) {
		return ""
	}
	end := min(pos+n, len(text))
	return string(utf16.Decode(text[pos:end]))
}
