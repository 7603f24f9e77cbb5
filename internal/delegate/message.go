// Package delegate implements the local socket channel through which one-shot
// commands hand uploads to the running listener.
//
// Each connection carries exactly one newline-terminated JSON request and one
// newline-terminated JSON response.
package delegate

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/leonletto/chatlink/internal/protocol"
)

const (
	KindUpload       = "upload"
	KindUploadResult = "upload_result"

	// MaxRequestBytes bounds the request line read by the server, newline
	// included.
	MaxRequestBytes = 64 << 10

	// MaxResponseBytes bounds the response line read by the client.
	MaxResponseBytes = 4 << 20
)

// Request is the upload request sent to the listener.
type Request struct {
	Kind            string   `json:"kind"`
	RequestID       string   `json:"requestId"`
	Profile         string   `json:"profile"`
	ThreadID        string   `json:"threadId"`
	ThreadType      string   `json:"threadType"`
	Attachments     []string `json:"attachments"`
	UploadTimeoutMs int64    `json:"uploadTimeoutMs,omitempty"`
}

// Response answers exactly one Request.
type Response struct {
	Kind      string          `json:"kind"`
	RequestID string          `json:"requestId"`
	OK        bool            `json:"ok"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func failure(requestID, format string, args ...any) Response {
	return Response{
		Kind:      KindUploadResult,
		RequestID: requestID,
		OK:        false,
		Error:     fmt.Sprintf(format, args...),
	}
}

// validate checks req in the order the server reports failures: kind, profile,
// thread id, attachments, thread type.
func (req *Request) validate(profile string) error {
	if req.Kind != KindUpload {
		return fmt.Errorf("unsupported request kind %q", req.Kind)
	}
	if req.Profile != profile {
		return fmt.Errorf("profile mismatch: listener serves %q, request names %q", profile, req.Profile)
	}
	if req.ThreadID == "" {
		return fmt.Errorf("threadId is required")
	}
	if len(req.Attachments) == 0 {
		return fmt.Errorf("attachments must not be empty")
	}
	for _, p := range req.Attachments {
		if p == "" || !filepath.IsAbs(p) {
			return fmt.Errorf("attachment path must be absolute: %q", p)
		}
	}
	if req.ThreadType != string(protocol.ThreadGroup) && req.ThreadType != string(protocol.ThreadUser) {
		return fmt.Errorf("threadType must be group or user, got %q", req.ThreadType)
	}
	if req.UploadTimeoutMs < 0 {
		return fmt.Errorf("uploadTimeoutMs must not be negative")
	}
	return nil
}
