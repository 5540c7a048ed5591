// Package bridge implements transport.Session against a protocol bridge
// process that speaks to the chat network on the gateway's behalf.
//
// Frames are JSON text messages over a websocket:
//
//	gateway -> bridge: hello{creds}, send{id,to,text}, logout
//	bridge -> gateway: qr{code}, open{jid}, close{reason}, creds{shard,data}, ack{id,message_id,error}
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"msgate/internal/transport"
	"msgate/pkg/logx"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultAckTimeout       = 30 * time.Second
	maxFrameSize            = 1 << 20
)

type Config struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
}

type frame struct {
	Type      string            `json:"type"`
	ID        string            `json:"id,omitempty"`
	To        string            `json:"to,omitempty"`
	Text      string            `json:"text,omitempty"`
	Code      string            `json:"code,omitempty"`
	JID       string            `json:"jid,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Shard     string            `json:"shard,omitempty"`
	Data      []byte            `json:"data,omitempty"`
	Creds     map[string][]byte `json:"creds,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
	Error     string            `json:"error,omitempty"`
}

type ack struct {
	messageID string
	err       error
}

// Client is a single bridge connection. Use NewDialer to get one per attempt.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	log    logx.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan ack
	open    bool

	seq     atomic.Uint64
	closing atomic.Bool
	done    chan struct{}
}

func NewDialer(cfg Config, log logx.Logger) transport.Dialer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	return transport.DialerFunc(func() transport.Session { return New(cfg, log) })
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		log:     log.With(logx.String("comp", "bridge")),
		pending: make(map[string]chan ack),
		done:    make(chan struct{}),
	}
}

func (c *Client) Connect(ctx context.Context, creds transport.Credentials, events transport.EventHandler) error {
	if events == nil {
		return errors.New("bridge: nil event handler")
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("bridge: dial %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(maxFrameSize)

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	if err := c.write(frame{Type: "hello", Creds: creds}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("bridge: hello: %w", err)
	}
	go c.readLoop(conn, events)
	return nil
}

func (c *Client) Send(ctx context.Context, to, text string) (string, error) {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return "", transport.ErrNotConnected
	}
	id := strconv.FormatUint(c.seq.Add(1), 10)
	ch := make(chan ack, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(frame{Type: "send", ID: id, To: to, Text: text}); err != nil {
		c.dropPending(id)
		return "", fmt.Errorf("bridge: send: %w", err)
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case a := <-ch:
		return a.messageID, a.err
	case <-ctx.Done():
		c.dropPending(id)
		return "", ctx.Err()
	case <-timer.C:
		c.dropPending(id)
		return "", fmt.Errorf("bridge: ack timeout after %s", c.cfg.AckTimeout)
	}
}

func (c *Client) Logout(ctx context.Context) error {
	if err := c.write(frame{Type: "logout"}); err != nil {
		return fmt.Errorf("bridge: logout: %w", err)
	}
	return nil
}

// Close tears down the connection without emitting a close event.
func (c *Client) Close() error {
	if c.closing.Swap(true) {
		return nil
	}
	c.writeMu.Lock()
	conn := c.conn
	c.writeMu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return conn.Close()
}

// Done is closed when the read loop exits.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return transport.ErrNotConnected
	}
	// A failed socket write means the link is gone; callers requeue on
	// ErrNotConnected.
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.mu.Lock()
		c.open = false
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", transport.ErrNotConnected, err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, events transport.EventHandler) {
	defer close(c.done)
	defer c.failPending()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.closing.Load() {
				return
			}
			reason := transport.ReasonConnectionLost
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = transport.ReasonConnectionClosed
			}
			c.log.Warn("bridge read failed", logx.String("reason", string(reason)), logx.Err(err))
			c.closing.Store(true)
			_ = conn.Close()
			events(transport.Event{Kind: transport.EventClose, Reason: reason, At: time.Now()})
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("bridge frame decode failed", logx.Err(err))
			continue
		}
		if stop := c.handle(conn, f, events); stop {
			return
		}
	}
}

func (c *Client) handle(conn *websocket.Conn, f frame, events transport.EventHandler) (stop bool) {
	now := time.Now()
	switch f.Type {
	case "qr":
		events(transport.Event{Kind: transport.EventQR, Code: f.Code, At: now})
	case "open":
		c.mu.Lock()
		c.open = true
		c.mu.Unlock()
		events(transport.Event{Kind: transport.EventOpen, JID: f.JID, At: now})
	case "creds":
		events(transport.Event{Kind: transport.EventCreds, Shard: f.Shard, Data: f.Data, At: now})
	case "ack":
		c.resolve(f)
	case "close":
		c.mu.Lock()
		c.open = false
		c.mu.Unlock()
		c.closing.Store(true)
		_ = conn.Close()
		reason := transport.CloseReason(f.Reason)
		if reason == "" {
			reason = transport.ReasonConnectionClosed
		}
		events(transport.Event{Kind: transport.EventClose, Reason: reason, At: now})
		return true
	default:
		c.log.Debug("bridge frame ignored", logx.String("type", f.Type))
	}
	return false
}

func (c *Client) resolve(f frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if !ok {
		return
	}
	a := ack{messageID: f.MessageID}
	if f.Error != "" {
		a.err = errors.New("bridge: " + f.Error)
	}
	ch <- a
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) failPending() {
	c.mu.Lock()
	c.open = false
	pending := c.pending
	c.pending = make(map[string]chan ack)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- ack{err: transport.ErrNotConnected}
	}
}
