package inbound

import (
	"strings"
	"unicode"
)

// MediaKind classifies an attachment.
type MediaKind string

const (
	MediaImage   MediaKind = "image"
	MediaVideo   MediaKind = "video"
	MediaAudio   MediaKind = "audio"
	MediaFile    MediaKind = "file"
	MediaSticker MediaKind = "sticker"
	MediaGIF     MediaKind = "gif"
)

// Media is one attachment reported with an event. LocalPath is empty when
// the file was not downloaded.
type Media struct {
	Kind        MediaKind `json:"kind"`
	SourceURL   string    `json:"sourceUrl,omitempty"`
	LocalPath   string    `json:"localPath,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	Size        int64     `json:"size,omitempty"`
	Skipped     string    `json:"skipped,omitempty"`
}

// msgTypeTokens maps message type tokens to kinds. Checked in order so
// that "gif" and "sticker" win over a generic image token.
var msgTypeTokens = []struct {
	kind   MediaKind
	tokens []string
}{
	{MediaSticker, []string{"sticker"}},
	{MediaGIF, []string{"gif"}},
	{MediaVideo, []string{"video", "mp4"}},
	{MediaAudio, []string{"voice", "audio"}},
	{MediaImage, []string{"photo", "image", "img", "picture"}},
	{MediaFile, []string{"file", "doc", "document"}},
}

// urlKeys lists URL-bearing keys per kind, most preferred first.
var urlKeys = map[MediaKind][]string{
	MediaImage:   {"hdUrl", "normalUrl", "href", "url", "thumbUrl"},
	MediaVideo:   {"videoUrl", "href", "url", "fileUrl"},
	MediaAudio:   {"voiceUrl", "href", "url"},
	MediaFile:    {"fileUrl", "href", "url"},
	MediaSticker: {"stickerUrl", "url", "thumbUrl"},
	MediaGIF:     {"gifUrl", "hdUrl", "href", "url"},
}

// kindKeys are keys whose presence alone identifies a kind.
var kindKeys = []struct {
	key  string
	kind MediaKind
}{
	{"stickerUrl", MediaSticker},
	{"gifUrl", MediaGIF},
	{"videoUrl", MediaVideo},
	{"voiceUrl", MediaAudio},
	{"hdUrl", MediaImage},
	{"normalUrl", MediaImage},
	{"thumbUrl", MediaImage},
	{"fileUrl", MediaFile},
}

// KindFromMsgType classifies by the declared message type, e.g.
// "chat.photo" or "share.file".
func KindFromMsgType(msgType string) (MediaKind, bool) {
	fields := strings.FieldsFunc(strings.ToLower(msgType), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, entry := range msgTypeTokens {
		for _, f := range fields {
			for _, tok := range entry.tokens {
				if f == tok {
					return entry.kind, true
				}
			}
		}
	}
	return "", false
}

// DetectKind classifies an attachment, preferring the declared message
// type and falling back to known URL keys in content.
func DetectKind(msgType string, content Value) (MediaKind, bool) {
	if k, ok := KindFromMsgType(msgType); ok {
		return k, true
	}
	for _, src := range attachmentSources(content) {
		for _, kk := range kindKeys {
			if v, ok := src.Get(kk.key); ok && IsAbsoluteURL(v.Text()) {
				return kk.kind, true
			}
		}
	}
	return "", false
}

// attachmentSources returns the content object followed by its nested
// params and extra payloads, unwrapped when serialized.
func attachmentSources(content Value) []Value {
	if !content.IsObject() {
		return nil
	}
	out := []Value{content}
	for _, key := range []string{"params", "extra"} {
		if v, ok := content.Get(key); ok {
			if v = Unwrap(v, unwrapBudget); v.IsObject() {
				out = append(out, v)
			}
		}
	}
	return out
}

// attachmentObjects splits content into per-attachment objects.
func attachmentObjects(content Value) []Value {
	switch content.Kind() {
	case KindObject:
		return []Value{content}
	case KindArray:
		var out []Value
		for _, item := range content.Items() {
			if item = Unwrap(item, unwrapBudget); item.IsObject() {
				out = append(out, item)
			}
		}
		return out
	}
	return nil
}

// preferredURL returns the best URL for kind in one attachment object. Key
// preference outranks where the key was found.
func preferredURL(kind MediaKind, obj Value) string {
	sources := attachmentSources(obj)
	for _, key := range urlKeys[kind] {
		for _, src := range sources {
			if v, ok := src.Get(key); ok {
				if s := strings.TrimSpace(v.Text()); IsAbsoluteURL(s) {
					return s
				}
			}
		}
	}
	return ""
}

// Candidate is a media URL awaiting download.
type Candidate struct {
	Kind         MediaKind
	URL          string
	DeclaredSize int64
	ContentType  string
}

// Candidates extracts media URLs from content: one per attachment object
// using the kind's key preference, or a bounded generic scan when no
// preferred key matched.
func Candidates(kind MediaKind, content Value) []Candidate {
	var out []Candidate
	seen := make(map[string]struct{})
	for _, obj := range attachmentObjects(content) {
		u := preferredURL(kind, obj)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, Candidate{
			Kind:         kind,
			URL:          u,
			DeclaredSize: declaredSize(obj),
			ContentType:  declaredContentType(obj),
		})
	}
	if len(out) > 0 {
		return out
	}
	for _, u := range CollectURLs(content, MaxScanDepth, MaxScanURLs) {
		out = append(out, Candidate{Kind: kind, URL: u, DeclaredSize: declaredSize(content)})
	}
	return out
}

func declaredSize(obj Value) int64 {
	for _, src := range attachmentSources(obj) {
		for _, key := range []string{"fileSize", "size", "totalSize"} {
			if v, ok := src.Get(key); ok {
				if n, ok := v.Int(); ok && n > 0 {
					return n
				}
			}
		}
	}
	return 0
}

func declaredContentType(obj Value) string {
	for _, src := range attachmentSources(obj) {
		if s := src.FirstText("mimeType", "contentType", "mime"); strings.Contains(s, "/") {
			return s
		}
	}
	return ""
}
