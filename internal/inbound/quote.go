package inbound

import (
	"strings"
)

// quoteDepth bounds serialized-JSON unwrapping inside a quoted payload.
const quoteDepth = 4

var quoteKeys = []string{"quote", "reply", "quotedMessage"}

// Quote describes the message an inbound message replies to.
type Quote struct {
	OwnerID    string   `json:"ownerId,omitempty"`
	SenderName string   `json:"senderName,omitempty"`
	Text       string   `json:"text,omitempty"`
	Attachment string   `json:"attachment,omitempty"`
	MediaURLs  []string `json:"mediaUrls,omitempty"`
	Timestamp  int64    `json:"timestamp,omitempty"`
	MessageIDs []string `json:"messageIds,omitempty"`
}

// ExtractQuote finds the quoted payload in msg, at the top level or inside
// its content object.
func ExtractQuote(msg Value) (*Quote, bool) {
	raw, ok := msg.First(quoteKeys...)
	if !ok {
		if content, has := msg.Get("content"); has {
			raw, ok = Unwrap(content, quoteDepth).First(quoteKeys...)
		}
	}
	if !ok {
		return nil, false
	}
	q := unwrapDeep(Unwrap(raw, quoteDepth), quoteDepth)
	if !q.IsObject() {
		if s := strings.TrimSpace(q.Text()); s != "" {
			return &Quote{Text: s}, true
		}
		return nil, false
	}

	out := &Quote{
		OwnerID:    q.FirstText("ownerId", "uidFrom", "fromId", "senderId", "userId"),
		SenderName: q.FirstText("senderName", "fromD", "dName", "displayName", "name"),
	}
	if ts, ok := q.First("ts", "timestamp", "time"); ok {
		out.Timestamp, _ = ts.Int()
	}
	for _, key := range []string{"globalMsgId", "msgId", "cliMsgId"} {
		if id := q.FirstText(key); id != "" {
			out.MessageIDs = appendUnique(out.MessageIDs, id)
		}
	}
	out.Text = quoteText(q)

	if attach, ok := q.First("attach", "attachment"); ok {
		out.Attachment = attachmentSummary(attach)
	}
	out.MediaURLs = CollectURLs(q, MaxScanDepth, MaxScanURLs)
	if out.OwnerID == "" && out.SenderName == "" && out.Text == "" && out.Attachment == "" && len(out.MediaURLs) == 0 {
		return nil, false
	}
	return out, true
}

func quoteText(q Value) string {
	for _, key := range []string{"msg", "text", "content", "message"} {
		v, ok := q.Get(key)
		if !ok {
			continue
		}
		if s, isStr := v.Str(); isStr {
			if s = strings.TrimSpace(s); s != "" && !IsAbsoluteURL(s) {
				return s
			}
			continue
		}
		if v.IsObject() {
			if s := v.FirstText("title", "text", "description", "caption"); s != "" {
				return s
			}
		}
	}
	return ""
}

func attachmentSummary(attach Value) string {
	switch {
	case attach.IsObject():
		if s := attach.FirstText("title", "name", "fileName", "description"); s != "" {
			return s
		}
		return attach.FirstText("type", "msgType")
	case attach.IsArray():
		return ""
	default:
		return strings.TrimSpace(attach.Text())
	}
}

// unwrapDeep opens serialized-JSON string members throughout v, spending
// one unit of budget per nested layer.
func unwrapDeep(v Value, budget int) Value {
	switch v.Kind() {
	case KindString:
		if budget <= 0 {
			return v
		}
		if inner := Unwrap(v, 1); inner.Kind() != KindString {
			return unwrapDeep(inner, budget-1)
		}
		return v
	case KindArray:
		items := make([]Value, len(v.items))
		for i, item := range v.items {
			items[i] = unwrapDeep(item, budget)
		}
		return Value{kind: KindArray, items: items}
	case KindObject:
		members := make([]Member, len(v.members))
		for i, m := range v.members {
			members[i] = Member{Key: m.Key, Value: unwrapDeep(m.Value, budget)}
		}
		return Value{kind: KindObject, members: members}
	}
	return v
}

func appendUnique(list []string, s string) []string {
	for _, x := range list {
		if x == s {
			return list
		}
	}
	return append(list, s)
}
