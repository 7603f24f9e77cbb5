package inbound

import (
	"strings"
	"testing"
)

func TestExtractQuoteUnwrapsNestedJSON(t *testing.T) {
	attach := quoteJSON(t, map[string]any{
		"title":  "report.pdf",
		"href":   "https://cdn.example/report.pdf",
		"params": quoteJSON(t, map[string]any{"thumbUrl": "https://cdn.example/thumb.jpg"}),
	})
	quote := quoteJSON(t, map[string]any{
		"ownerId":     "u42",
		"fromD":       "Ann",
		"msg":         "see attached",
		"attach":      attach,
		"ts":          "1712345678901",
		"globalMsgId": 9001,
		"cliMsgId":    "c-1",
	})
	msg := mustParse(t, `{"msgId":"m1","quote":`+quote+`}`)

	q, ok := ExtractQuote(msg)
	if !ok {
		t.Fatal("ExtractQuote found nothing")
	}
	if q.OwnerID != "u42" || q.SenderName != "Ann" || q.Text != "see attached" {
		t.Errorf("quote = %+v", q)
	}
	if q.Attachment != "report.pdf" {
		t.Errorf("Attachment = %q", q.Attachment)
	}
	if q.Timestamp != 1712345678901 {
		t.Errorf("Timestamp = %d", q.Timestamp)
	}
	if strings.Join(q.MessageIDs, ",") != "9001,c-1" {
		t.Errorf("MessageIDs = %v", q.MessageIDs)
	}
	want := "https://cdn.example/report.pdf https://cdn.example/thumb.jpg"
	if got := strings.Join(q.MediaURLs, " "); got != want {
		t.Errorf("MediaURLs = %s, want %s", got, want)
	}
}

func TestExtractQuoteAlternateKeys(t *testing.T) {
	msg := mustParse(t, `{"content":{"text":"hi","quotedMessage":{"senderName":"Bo","text":"earlier"}}}`)
	q, ok := ExtractQuote(msg)
	if !ok || q.SenderName != "Bo" || q.Text != "earlier" {
		t.Fatalf("ExtractQuote = %+v, %v", q, ok)
	}

	msg = mustParse(t, `{"reply":"just text"}`)
	q, ok = ExtractQuote(msg)
	if !ok || q.Text != "just text" {
		t.Fatalf("ExtractQuote = %+v, %v", q, ok)
	}

	if _, ok := ExtractQuote(mustParse(t, `{"quote":{}}`)); ok {
		t.Error("empty quote should not be reported")
	}
	if _, ok := ExtractQuote(mustParse(t, `{"msg":"no quote"}`)); ok {
		t.Error("message without quote reported one")
	}
}
