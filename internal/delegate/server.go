package delegate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/leonletto/chatlink/internal/protocol"
)

// Uploader performs a delegated upload. protocol.Client satisfies it.
type Uploader interface {
	SendAttachments(ctx context.Context, threadID string, threadType protocol.ThreadType, paths []string) (json.RawMessage, error)
}

// ServerConfig configures a Server.
type ServerConfig struct {
	SocketPath string
	Profile    string

	// RequestTimeout bounds every upload. A request may ask for less.
	RequestTimeout time.Duration
	// ReadTimeout bounds reading the request line.
	ReadTimeout time.Duration
	// WriteTimeout bounds writing the response line.
	WriteTimeout time.Duration
	// DrainTimeout bounds how long Stop waits for in-flight connections.
	DrainTimeout time.Duration

	RateLimit RateLimitConfig
	Logger    *slog.Logger
}

func (c *ServerConfig) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 2 * time.Minute
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// Server accepts delegated uploads on a unix socket and runs them through
// the listener's connection.
type Server struct {
	cfg      ServerConfig
	uploader Uploader
	limiter  *Limiter

	mu       sync.Mutex
	listener *net.UnixListener
	shutdown bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates a server. Nothing is bound until Start.
func NewServer(cfg ServerConfig, uploader Uploader) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:      cfg,
		uploader: uploader,
		limiter:  NewLimiter(cfg.RateLimit),
	}
}

// SocketPath returns the address the server binds.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// Start binds the socket and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("delegation server already started")
	}

	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := removeStaleSocket(s.cfg.SocketPath); err != nil {
		return err
	}

	addr, err := net.ResolveUnixAddr("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("resolve socket address: %w", err)
	}
	l, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.SocketPath, err)
	}
	// Removal is an explicit shutdown step, not a side effect of Close.
	l.SetUnlinkOnClose(false)

	if err := os.Chmod(s.cfg.SocketPath, 0600); err != nil {
		_ = l.Close()
		_ = os.Remove(s.cfg.SocketPath)
		return fmt.Errorf("set socket permissions: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.listener = l
	s.cancel = cancel
	s.shutdown = false

	go s.acceptLoop(runCtx, l)

	s.cfg.Logger.Debug("delegation server listening", "socket", s.cfg.SocketPath)
	return nil
}

// Stop stops accepting connections and waits up to DrainTimeout for
// in-flight requests. Requests still running afterwards are cancelled.
// The socket file is left in place; see RemoveSocket.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.shutdown || s.listener == nil {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	l := s.listener
	cancel := s.cancel
	s.mu.Unlock()

	var closeErr error
	if err := l.Close(); err != nil {
		closeErr = fmt.Errorf("close listener: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.DrainTimeout):
		s.cfg.Logger.Warn("delegation drain timed out, cancelling in-flight requests")
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			s.cfg.Logger.Warn("delegation requests ignored cancellation")
		}
	}
	cancel()
	return closeErr
}

// RemoveSocket deletes the socket file. Missing files are not an error.
func (s *Server) RemoveSocket() error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove socket: %w", err)
	}
	return nil
}

// removeStaleSocket removes a socket file left behind by a dead process.
// A socket that still accepts connections is reported as ErrSocketInUse.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket: %w", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}

	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrSocketInUse, path)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, l *net.UnixListener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			shutdown := s.shutdown
			s.mu.Unlock()
			if shutdown || errors.Is(err, net.ErrClosed) {
				return
			}
			s.cfg.Logger.Warn("delegation accept failed", "error", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection serves exactly one request. Malformed, oversized or slow
// input closes the connection without a response.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	line, err := readLine(conn, MaxRequestBytes)
	if err != nil {
		s.cfg.Logger.Debug("dropping delegation connection", "error", err)
		return
	}

	resp, ok := s.serve(ctx, line)
	if !ok {
		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		s.cfg.Logger.Error("encode delegation response", "error", err)
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if _, err := conn.Write(append(data, '\n')); err != nil {
		s.cfg.Logger.Debug("write delegation response", "request_id", resp.RequestID, "error", err)
	}
}

// serve turns one request line into a response. ok is false when the input
// is not JSON at all, in which case nothing is written back.
func (s *Server) serve(ctx context.Context, line []byte) (Response, bool) {
	if !json.Valid(line) {
		s.cfg.Logger.Debug("dropping malformed delegation request")
		return Response{}, false
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return failure(looseRequestID(line), "invalid request: %v", err), true
	}
	if err := req.validate(s.cfg.Profile); err != nil {
		return failure(req.RequestID, "%v", err), true
	}

	release, err := s.limiter.Acquire()
	if err != nil {
		return failure(req.RequestID, "%v", err), true
	}
	defer release()

	// A client may shorten the wait but never extend it past RequestTimeout.
	timeout := s.cfg.RequestTimeout
	if req.UploadTimeoutMs > 0 {
		timeout = min(timeout, time.Duration(req.UploadTimeoutMs)*time.Millisecond)
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := s.uploader.SendAttachments(execCtx, req.ThreadID, protocol.ThreadType(req.ThreadType), req.Attachments)
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return failure(req.RequestID, "upload timed out after %s", timeout), true
		}
		return failure(req.RequestID, "upload failed: %v", err), true
	}

	s.cfg.Logger.Info("delegated upload sent",
		"request_id", req.RequestID,
		"thread_id", req.ThreadID,
		"attachments", len(req.Attachments),
		"elapsed", time.Since(start).Round(time.Millisecond))

	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return Response{
		Kind:      KindUploadResult,
		RequestID: req.RequestID,
		OK:        true,
		Response:  result,
	}, true
}

// looseRequestID recovers requestId from a payload that failed strict
// decoding, so the error response can still be correlated.
func looseRequestID(line []byte) string {
	var probe struct {
		RequestID any `json:"requestId"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return ""
	}
	if s, ok := probe.RequestID.(string); ok {
		return s
	}
	return ""
}

var errLineTooLong = errors.New("line exceeds size limit")

// readLine reads up to and including the first newline, refusing lines
// longer than limit bytes.
func readLine(r io.Reader, limit int) ([]byte, error) {
	br := bufio.NewReaderSize(io.LimitReader(r, int64(limit)+1), 4096)
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > limit {
			return nil, errLineTooLong
		}
		if err == nil {
			return line, nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return nil, err
	}
}
