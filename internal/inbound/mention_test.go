package inbound

import (
	"testing"
)

func TestExtractMentionsThreeLevelsDeep(t *testing.T) {
	level3 := quoteJSON(t, map[string]any{
		"mentions": []map[string]any{
			{"uid": "u1", "pos": 0, "len": 4},
			{"uid": "u2", "pos": 5, "len": 3, "type": 0},
		},
	})
	level2 := quoteJSON(t, map[string]any{"extra": level3})
	level1 := quoteJSON(t, map[string]any{"params": level2})
	msg := mustParse(t, `{
		"content": `+level1+`,
		"mentions": [{"uid":"u1","pos":0,"len":4}]
	}`)

	got := ExtractMentions(msg, "@Ann @Bo hello")
	if len(got) != 2 {
		t.Fatalf("mentions = %+v, want 2", got)
	}
	if got[0].UserID != "u1" || got[0].Text != "@Ann" || *got[0].Pos != 0 || *got[0].Len != 4 {
		t.Errorf("first mention = %+v", got[0])
	}
	if got[1].UserID != "u2" || got[1].Text != "@Bo" || *got[1].Pos != 5 || got[1].Kind != "0" {
		t.Errorf("second mention = %+v", got[1])
	}
}

func TestExtractMentionsUTF16Offsets(t *testing.T) {
	// The emoji is two UTF-16 code units.
	msg := mustParse(t, `{"mentionInfo":"[{\"uid\":\"u7\",\"pos\":3,\"len\":4}]"}`)
	got := ExtractMentions(msg, "😀 @Cat!")
	if len(got) != 1 || got[0].Text != "@Cat" {
		t.Fatalf("mentions = %+v", got)
	}
}

func TestExtractMentionsLabelsAndShapes(t *testing.T) {
	msg := mustParse(t, `{
		"atList": {"userId":"u3","label":"Dee"},
		"data": {"mentionedUsers":[{"id":"u4","name":"Eve"},{"name":"no id"}]},
		"mention": {"mentions":[{"uid":"u5","offset":1,"length":99}]}
	}`)
	got := ExtractMentions(msg, "xyz")
	if len(got) != 3 {
		t.Fatalf("mentions = %+v, want 3", got)
	}
	if got[0].Text != "Dee" || got[1].Text != "Eve" {
		t.Errorf("labels = %q, %q", got[0].Text, got[1].Text)
	}
	if got[2].UserID != "u5" || got[2].Text != "yz" {
		t.Errorf("clamped slice = %+v", got[2])
	}
}

func TestExtractMentionsOutOfRangeOffset(t *testing.T) {
	msg := mustParse(t, `{"mentions":[{"uid":"u1","pos":50,"len":2}]}`)
	got := ExtractMentions(msg, "short")
	if len(got) != 1 || got[0].Text != "" {
		t.Fatalf("mentions = %+v", got)
	}
}
