package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"msgate/internal/transport"
	"msgate/pkg/logx"
)

// fakeBridge answers hello with qr+open, acks sends and closes on logout.
func fakeBridge(t *testing.T, onHello func(f frame)) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			switch f.Type {
			case "hello":
				if onHello != nil {
					onHello(f)
				}
				_ = conn.WriteJSON(frame{Type: "qr", Code: "pair-123"})
				_ = conn.WriteJSON(frame{Type: "creds", Shard: "noise", Data: []byte{1, 2}})
				_ = conn.WriteJSON(frame{Type: "open", JID: "5511900000000@s.whatsapp.net"})
			case "send":
				if strings.HasPrefix(f.To, "bad") {
					_ = conn.WriteJSON(frame{Type: "ack", ID: f.ID, Error: "unknown recipient"})
					continue
				}
				_ = conn.WriteJSON(frame{Type: "ack", ID: f.ID, MessageID: "wamid-" + f.ID})
			case "logout":
				_ = conn.WriteJSON(frame{Type: "close", Reason: "logged_out"})
				return
			}
		}
	}))
}

func wsURL(s *httptest.Server) string { return "ws" + strings.TrimPrefix(s.URL, "http") }

type recorder struct {
	ch chan transport.Event
}

func newRecorder() *recorder { return &recorder{ch: make(chan transport.Event, 16)} }

func (r *recorder) handle(ev transport.Event) { r.ch <- ev }

func (r *recorder) next(t *testing.T) transport.Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return transport.Event{}
	}
}

func TestClientHandshakeAndSend(t *testing.T) {
	t.Parallel()
	hello := make(chan map[string][]byte, 1)
	srv := fakeBridge(t, func(f frame) { hello <- f.Creds })
	defer srv.Close()

	c := New(Config{URL: wsURL(srv), AckTimeout: 2 * time.Second}, logx.Nop())
	defer c.Close()

	if _, err := c.Send(context.Background(), "x", "y"); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("send before connect: err = %v, want ErrNotConnected", err)
	}

	rec := newRecorder()
	creds := transport.Credentials{"identity": []byte("abc")}
	if err := c.Connect(context.Background(), creds, rec.handle); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if ev := rec.next(t); ev.Kind != transport.EventQR || ev.Code != "pair-123" {
		t.Fatalf("first event = %+v, want qr", ev)
	}
	if ev := rec.next(t); ev.Kind != transport.EventCreds || ev.Shard != "noise" || len(ev.Data) != 2 {
		t.Fatalf("second event = %+v, want creds", ev)
	}
	if ev := rec.next(t); ev.Kind != transport.EventOpen {
		t.Fatalf("third event = %+v, want open", ev)
	}
	if got := <-hello; string(got["identity"]) != "abc" {
		t.Fatalf("bridge did not receive stored creds: %v", got)
	}

	id, err := c.Send(context.Background(), "5511987654321@s.whatsapp.net", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.HasPrefix(id, "wamid-") {
		t.Fatalf("message id = %q", id)
	}
	if _, err := c.Send(context.Background(), "bad@x", "hello"); err == nil {
		t.Fatal("expected ack error")
	}
}

func TestClientLogoutEmitsTerminalClose(t *testing.T) {
	t.Parallel()
	srv := fakeBridge(t, nil)
	defer srv.Close()

	c := New(Config{URL: wsURL(srv)}, logx.Nop())
	rec := newRecorder()
	if err := c.Connect(context.Background(), nil, rec.handle); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for i := 0; i < 3; i++ {
		rec.next(t)
	}
	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("logout: %v", err)
	}
	ev := rec.next(t)
	if ev.Kind != transport.EventClose || ev.Reason != transport.ReasonLoggedOut || !ev.Reason.Terminal() {
		t.Fatalf("event = %+v, want terminal close", ev)
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit")
	}
}

func TestClientConnectionDropIsTransient(t *testing.T) {
	t.Parallel()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var f frame
		_ = conn.ReadJSON(&f)
		// Drop without a close frame.
		_ = conn.UnderlyingConn().Close()
	}))
	defer srv.Close()

	c := New(Config{URL: wsURL(srv)}, logx.Nop())
	rec := newRecorder()
	if err := c.Connect(context.Background(), nil, rec.handle); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ev := rec.next(t)
	if ev.Kind != transport.EventClose || ev.Reason.Terminal() {
		t.Fatalf("event = %+v, want transient close", ev)
	}
}

func TestClientCloseIsSilent(t *testing.T) {
	t.Parallel()
	srv := fakeBridge(t, nil)
	defer srv.Close()

	c := New(Config{URL: wsURL(srv)}, logx.Nop())
	rec := newRecorder()
	if err := c.Connect(context.Background(), nil, rec.handle); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for i := 0; i < 3; i++ {
		rec.next(t)
	}
	_ = c.Close()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit")
	}
	select {
	case ev := <-rec.ch:
		t.Fatalf("unexpected event after Close: %+v", ev)
	default:
	}
}

func TestFrameWireNames(t *testing.T) {
	t.Parallel()
	data, _ := json.Marshal(frame{Type: "ack", ID: "1", MessageID: "m"})
	if string(data) != `{"type":"ack","id":"1","message_id":"m"}` {
		t.Fatalf("unexpected wire form %s", data)
	}
}

func TestClientSendOnDeadSocketIsNotConnected(t *testing.T) {
	t.Parallel()
	srv := fakeBridge(t, nil)
	defer srv.Close()

	c := New(Config{URL: wsURL(srv), AckTimeout: 2 * time.Second}, logx.Nop())
	defer c.Close()
	rec := newRecorder()
	if err := c.Connect(context.Background(), nil, rec.handle); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for i := 0; i < 3; i++ {
		rec.next(t)
	}

	c.writeMu.Lock()
	_ = c.conn.UnderlyingConn().Close()
	c.writeMu.Unlock()

	if err := c.write(frame{Type: "send", ID: "x", To: "y", Text: "z"}); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("write on closed socket: err = %v, want ErrNotConnected", err)
	}
	if _, err := c.Send(context.Background(), "5511987654321@s.whatsapp.net", "hi"); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("send on closed socket: err = %v, want ErrNotConnected", err)
	}
}
