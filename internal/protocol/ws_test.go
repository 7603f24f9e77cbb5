package protocol_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/leonletto/chatlink/internal/protocol"
)

type gatewayFrame struct {
	ID     string          `json:"id"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params"`
}

// startGateway runs a websocket server that sends "ready" and then hands the
// connection to serve.
func startGateway(t *testing.T, serve func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		if err := conn.WriteJSON(map[string]string{"type": "ready"}); err != nil {
			return
		}
		serve(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// ackAll answers every call with its own op and params as the result.
func ackAll(conn *websocket.Conn) {
	for {
		var f gatewayFrame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		result, _ := json.Marshal(map[string]any{"op": f.Op, "params": f.Params})
		_ = conn.WriteJSON(map[string]any{"type": "ack", "id": f.ID, "ok": true, "result": json.RawMessage(result)})
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newClient(t *testing.T, srv *httptest.Server) *protocol.WSClient {
	t.Helper()
	c := protocol.NewWSClient(protocol.WSConfig{URL: wsURL(srv), Token: "secret", Profile: "work"})
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func collect(c protocol.Client) <-chan protocol.Event {
	ch := make(chan protocol.Event, 16)
	c.Subscribe(func(ev protocol.Event) { ch <- ev })
	return ch
}

func waitEvent(t *testing.T, ch <-chan protocol.Event, kind protocol.EventKind) protocol.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
			return protocol.Event{}
		}
	}
}

func TestWSClient_ConnectAndSendText(t *testing.T) {
	srv := startGateway(t, ackAll)
	c := newClient(t, srv)
	events := collect(c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitEvent(t, events, protocol.EventConnected)

	raw, err := c.SendText(ctx, "t-1", protocol.ThreadGroup, "hello")
	if err != nil {
		t.Fatalf("SendText failed: %v", err)
	}

	var got struct {
		Op     string `json:"op"`
		Params struct {
			ThreadID   string `json:"threadId"`
			ThreadType string `json:"threadType"`
			Text       string `json:"text"`
		} `json:"params"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got.Op != "send_text" || got.Params.ThreadID != "t-1" || got.Params.ThreadType != "group" || got.Params.Text != "hello" {
		t.Errorf("unexpected echo: %+v", got)
	}
}

func TestWSClient_RepeatedAcksDoNotStallReader(t *testing.T) {
	srv := startGateway(t, func(conn *websocket.Conn) {
		for {
			var f gatewayFrame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			for range 3 {
				_ = conn.WriteJSON(map[string]any{"type": "ack", "id": f.ID, "ok": true, "result": json.RawMessage(`{}`)})
			}
			_ = conn.WriteJSON(map[string]any{"type": "message", "data": map[string]string{"after": f.ID}})
		}
	})
	c := newClient(t, srv)
	events := collect(c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	for i := range 2 {
		if _, err := c.SendText(ctx, "t-1", protocol.ThreadUser, "hi"); err != nil {
			t.Fatalf("SendText %d failed: %v", i, err)
		}
		waitEvent(t, events, protocol.EventMessage)
	}
}

func TestWSClient_RejectsBadToken(t *testing.T) {
	srv := startGateway(t, ackAll)
	c := protocol.NewWSClient(protocol.WSConfig{URL: wsURL(srv), Token: "wrong"})

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error with bad token")
	}
}

func TestWSClient_SendAttachmentsEncodesFiles(t *testing.T) {
	srv := startGateway(t, ackAll)
	c := newClient(t, srv)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "note.txt")
	if err := os.WriteFile(path, []byte("attachment body"), 0600); err != nil {
		t.Fatal(err)
	}

	raw, err := c.SendAttachments(context.Background(), "u-1", protocol.ThreadUser, []string{path})
	if err != nil {
		t.Fatalf("SendAttachments failed: %v", err)
	}

	var got struct {
		Params struct {
			Attachments []struct {
				Name        string `json:"name"`
				ContentType string `json:"contentType"`
				Size        int    `json:"size"`
				Data        string `json:"data"`
			} `json:"attachments"`
		} `json:"params"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(got.Params.Attachments) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(got.Params.Attachments))
	}
	a := got.Params.Attachments[0]
	body, _ := base64.StdEncoding.DecodeString(a.Data)
	if a.Name != "note.txt" || string(body) != "attachment body" || a.Size != len(body) {
		t.Errorf("unexpected attachment: %+v", a)
	}
	if !strings.HasPrefix(a.ContentType, "text/plain") {
		t.Errorf("expected text/plain content type, got %q", a.ContentType)
	}
}

func TestWSClient_SendAttachmentsMissingFile(t *testing.T) {
	srv := startGateway(t, ackAll)
	c := newClient(t, srv)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	_, err := c.SendAttachments(context.Background(), "u-1", protocol.ThreadUser, []string{"/does/not/exist"})
	if err == nil {
		t.Fatal("expected error for missing attachment")
	}
}

func TestWSClient_CallBeforeConnect(t *testing.T) {
	c := protocol.NewWSClient(protocol.WSConfig{URL: "ws://127.0.0.1:1"})
	if _, err := c.GroupInfo(context.Background(), "g"); err != protocol.ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestWSClient_MessageAndErrorFrames(t *testing.T) {
	srv := startGateway(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{"type": "message", "data": map[string]string{"msgId": "m1"}})
		_ = conn.WriteJSON(map[string]any{"type": "error", "error": "rate limited"})
		ackAll(conn)
	})
	c := newClient(t, srv)
	events := collect(c)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	msg := waitEvent(t, events, protocol.EventMessage)
	if !strings.Contains(string(msg.Message), `"m1"`) {
		t.Errorf("unexpected message payload: %s", msg.Message)
	}
	errEv := waitEvent(t, events, protocol.EventError)
	if errEv.Err == nil || errEv.Err.Error() != "rate limited" {
		t.Errorf("unexpected error event: %v", errEv.Err)
	}
}

func TestWSClient_UnsolicitedCloseReportsCode(t *testing.T) {
	srv := startGateway(t, func(conn *websocket.Conn) {
		msg := websocket.FormatCloseMessage(4000, "session rotated")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		// Wait for the client's close reply.
		_, _, _ = conn.ReadMessage()
	})
	c := newClient(t, srv)
	events := collect(c)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ev := waitEvent(t, events, protocol.EventClosed)
	if ev.CloseCode != 4000 || ev.CloseReason != "session rotated" {
		t.Errorf("unexpected close: code=%d reason=%q", ev.CloseCode, ev.CloseReason)
	}
}

func TestWSClient_DisconnectIsSilent(t *testing.T) {
	srv := startGateway(t, ackAll)
	c := newClient(t, srv)
	events := collect(c)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitEvent(t, events, protocol.EventConnected)

	if err := c.Disconnect(); err != nil {
		t.Logf("Disconnect returned: %v", err)
	}
	// Second call is a no-op.
	if err := c.Disconnect(); err != nil {
		t.Errorf("second Disconnect should be a no-op, got %v", err)
	}

	select {
	case ev := <-events:
		if ev.Kind == protocol.EventClosed {
			t.Errorf("Disconnect must not emit a closed event")
		}
	case <-time.After(200 * time.Millisecond):
	}
}
