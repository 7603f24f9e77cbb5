package delegate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
)

// responseSlack is added to the upload timeout when computing the read
// deadline, so the listener's own timeout response arrives first.
const responseSlack = 2 * time.Second

// ClientConfig configures Upload.
type ClientConfig struct {
	SocketPath     string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

func (c *ClientConfig) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 500 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 2 * time.Minute
	}
}

// Upload sends req to the listener serving cfg.SocketPath and returns the
// listener's raw result.
//
// The error distinguishes three cases: ErrUnavailable when nothing is
// listening (falling back is safe), *ProtocolError when a listener answered
// but misbehaved, and *RemoteError when the listener reported a failure.
func Upload(ctx context.Context, cfg ClientConfig, req Request) (json.RawMessage, error) {
	cfg.applyDefaults()

	req.Kind = KindUpload
	if req.RequestID == "" {
		req.RequestID = ulid.Make().String()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode delegation request: %w", err)
	}

	if _, err := os.Stat(cfg.SocketPath); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: no socket at %s", ErrUnavailable, cfg.SocketPath)
	}

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", cfg.SocketPath)
	if err != nil {
		if isNoListener(err) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, &ProtocolError{Stage: "connect", Err: err}
	}
	defer func() { _ = conn.Close() }()

	wait := cfg.RequestTimeout
	if req.UploadTimeoutMs > 0 {
		wait = time.Duration(req.UploadTimeoutMs) * time.Millisecond
	}
	deadline := time.Now().Add(wait + responseSlack)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return nil, &ProtocolError{Stage: "write", Err: err}
	}

	line, err := readLine(conn, MaxResponseBytes)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, &ProtocolError{Stage: "read", Err: err}
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, &ProtocolError{Stage: "decode", Err: err}
	}
	if resp.Kind != KindUploadResult {
		return nil, &ProtocolError{Stage: "validate", Err: fmt.Errorf("unexpected response kind %q", resp.Kind)}
	}
	if resp.RequestID != req.RequestID {
		return nil, &ProtocolError{Stage: "validate", Err: fmt.Errorf("response requestId %q does not match %q", resp.RequestID, req.RequestID)}
	}
	if !resp.OK {
		msg := resp.Error
		if msg == "" {
			msg = "unspecified error"
		}
		return nil, &RemoteError{RequestID: resp.RequestID, Message: msg}
	}
	return resp.Response, nil
}

// isNoListener reports dial failures that prove no listener exists.
func isNoListener(err error) bool {
	return errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, os.ErrNotExist)
}
