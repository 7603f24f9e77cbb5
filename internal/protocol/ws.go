package protocol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

// Operation names understood by the gateway.
const (
	opSendText        = "send_text"
	opSendAttachments = "send_attachments"
	opGroupInfo       = "group_info"
)

// Inbound frame types.
const (
	frameReady   = "ready"
	frameAck     = "ack"
	frameMessage = "message"
	frameError   = "error"
)

// DefaultMaxAttachmentBytes bounds a single attachment read from disk.
const DefaultMaxAttachmentBytes int64 = 25 << 20

// ErrNotConnected is returned by calls made before Connect or after Disconnect.
var ErrNotConnected = errors.New("protocol client not connected")

// WSConfig configures a WSClient.
type WSConfig struct {
	URL     string
	Token   string
	Profile string

	HandshakeTimeout   time.Duration
	WriteTimeout       time.Duration
	PingInterval       time.Duration
	PongWait           time.Duration
	MaxAttachmentBytes int64

	Logger *slog.Logger
}

func (c *WSConfig) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 54 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.MaxAttachmentBytes <= 0 {
		c.MaxAttachmentBytes = DefaultMaxAttachmentBytes
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

type outFrame struct {
	ID     string `json:"id"`
	Op     string `json:"op"`
	Params any    `json:"params,omitempty"`
}

type inFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	OK     bool            `json:"ok,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
	Data        string `json:"data"`
}

// WSClient is a Client speaking JSON frames to a websocket gateway.
//
// Calls are correlated by a ULID frame id; the gateway answers each call with
// an "ack" frame carrying the same id.
type WSClient struct {
	cfg WSConfig

	mu       sync.Mutex
	conn     *websocket.Conn
	closing  bool
	pending  map[string]chan inFrame
	handlers map[int]Handler
	nextID   int
	done     chan struct{}

	writeMu sync.Mutex
}

// NewWSClient creates a client. Nothing is dialed until Connect.
func NewWSClient(cfg WSConfig) *WSClient {
	cfg.applyDefaults()
	return &WSClient{
		cfg:      cfg,
		pending:  make(map[string]chan inFrame),
		handlers: make(map[int]Handler),
	}
}

// Connect dials the gateway and waits for its ready frame.
func (c *WSClient) Connect(ctx context.Context) error {
	if c.cfg.URL == "" {
		return fmt.Errorf("backend url is not configured")
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if c.cfg.Profile != "" {
		header.Set("X-Chatlink-Profile", c.cfg.Profile)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	ready := make(chan struct{})
	done := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.closing = false
	c.done = done
	c.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	go c.readLoop(conn, ready, done)
	go c.pingLoop(conn, done)

	select {
	case <-ready:
		return nil
	case <-done:
		return fmt.Errorf("connection closed before ready")
	case <-ctx.Done():
		_ = c.Disconnect()
		return fmt.Errorf("waiting for ready: %w", ctx.Err())
	}
}

// Disconnect sends a normal close frame and tears the connection down.
func (c *WSClient) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	done := c.done
	if conn == nil || c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
	c.writeMu.Unlock()

	err := conn.Close()
	<-done
	return err
}

// Subscribe registers h for events.
func (c *WSClient) Subscribe(h Handler) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = h
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// SendText sends a text message to a thread.
func (c *WSClient) SendText(ctx context.Context, threadID string, threadType ThreadType, text string) (json.RawMessage, error) {
	return c.call(ctx, opSendText, map[string]any{
		"threadId":   threadID,
		"threadType": threadType,
		"text":       text,
	})
}

// SendAttachments reads each path and sends them as one message.
func (c *WSClient) SendAttachments(ctx context.Context, threadID string, threadType ThreadType, paths []string) (json.RawMessage, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no attachments")
	}
	atts := make([]attachment, 0, len(paths))
	for _, p := range paths {
		a, err := c.loadAttachment(p)
		if err != nil {
			return nil, err
		}
		atts = append(atts, a)
	}
	return c.call(ctx, opSendAttachments, map[string]any{
		"threadId":    threadID,
		"threadType":  threadType,
		"attachments": atts,
	})
}

// GroupInfo asks the gateway for group metadata.
func (c *WSClient) GroupInfo(ctx context.Context, groupID string) (json.RawMessage, error) {
	return c.call(ctx, opGroupInfo, map[string]any{"groupId": groupID})
}

func (c *WSClient) loadAttachment(path string) (attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return attachment{}, fmt.Errorf("attachment %s: %w", path, err)
	}
	if info.IsDir() {
		return attachment{}, fmt.Errorf("attachment %s is a directory", path)
	}
	if info.Size() > c.cfg.MaxAttachmentBytes {
		return attachment{}, fmt.Errorf("attachment %s exceeds %d bytes", path, c.cfg.MaxAttachmentBytes)
	}

	f, err := os.Open(path) //nolint:gosec // G304 - caller-supplied attachment path
	if err != nil {
		return attachment{}, fmt.Errorf("open attachment: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, c.cfg.MaxAttachmentBytes+1))
	if err != nil {
		return attachment{}, fmt.Errorf("read attachment %s: %w", path, err)
	}
	if int64(len(data)) > c.cfg.MaxAttachmentBytes {
		return attachment{}, fmt.Errorf("attachment %s exceeds %d bytes", path, c.cfg.MaxAttachmentBytes)
	}

	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	return attachment{
		Name:        filepath.Base(path),
		ContentType: ct,
		Size:        len(data),
		Data:        base64.StdEncoding.EncodeToString(data),
	}, nil
}

func (c *WSClient) call(ctx context.Context, op string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.closing {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	id := ulid.Make().String()
	ch := make(chan inFrame, 1)
	c.pending[id] = ch
	done := c.done
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	payload, err := json.Marshal(outFrame{ID: id, Op: op, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", op, err)
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", op, err)
	}

	select {
	case f := <-ch:
		if !f.OK {
			msg := f.Error
			if msg == "" {
				msg = "request rejected"
			}
			return nil, fmt.Errorf("%s: %s", op, msg)
		}
		return f.Result, nil
	case <-done:
		return nil, fmt.Errorf("%s: connection closed", op)
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	}
}

func (c *WSClient) readLoop(conn *websocket.Conn, ready, done chan struct{}) {
	var readyOnce sync.Once
	var readErr error

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}

		var f inFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.cfg.Logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch f.Type {
		case frameReady:
			readyOnce.Do(func() {
				close(ready)
				c.emit(Event{Kind: EventConnected})
			})
		case frameAck:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- f:
				default:
					c.cfg.Logger.Debug("dropping duplicate ack", "id", f.ID)
				}
			} else {
				c.cfg.Logger.Debug("ack for unknown call", "id", f.ID)
			}
		case frameMessage:
			c.emit(Event{Kind: EventMessage, Message: f.Data})
		case frameError:
			c.emit(Event{Kind: EventError, Err: errors.New(f.Error)})
		default:
			c.cfg.Logger.Debug("ignoring frame", "type", f.Type)
		}
	}

	c.mu.Lock()
	solicited := c.closing
	c.conn = nil
	c.closing = false
	c.mu.Unlock()
	_ = conn.Close()
	close(done)

	if solicited {
		return
	}

	ev := Event{Kind: EventClosed, CloseCode: websocket.CloseAbnormalClosure, Err: readErr}
	var ce *websocket.CloseError
	if errors.As(readErr, &ce) {
		ev.CloseCode = ce.Code
		ev.CloseReason = ce.Text
		ev.Err = nil
	} else if readErr != nil {
		ev.CloseReason = readErr.Error()
	}
	c.emit(ev)
}

func (c *WSClient) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.cfg.Logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *WSClient) emit(ev Event) {
	c.mu.Lock()
	hs := make([]Handler, 0, len(c.handlers))
	for _, id := range slices.Sorted(maps.Keys(c.handlers)) {
		hs = append(hs, c.handlers[id])
	}
	c.mu.Unlock()

	for _, h := range hs {
		h(ev)
	}
}
