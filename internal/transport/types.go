package transport

import (
	"context"
	"errors"
	"time"
)

// ---- chat network session ----

// Credentials are the opaque, sharded key material of a paired device. The
// session library owns the format; the gateway only persists it.
type Credentials map[string][]byte

type EventKind string

const (
	EventQR    EventKind = "qr"
	EventOpen  EventKind = "open"
	EventClose EventKind = "close"
	EventCreds EventKind = "creds"
)

type CloseReason string

const (
	ReasonTimedOut         CloseReason = "timed_out"
	ReasonConnectionLost   CloseReason = "connection_lost"
	ReasonConnectionClosed CloseReason = "connection_closed"
	ReasonBadSession       CloseReason = "bad_session"
	ReasonLoggedOut        CloseReason = "logged_out"
)

// Terminal reports whether the reason invalidates the stored credentials.
// Unknown reasons are treated as transient.
func (r CloseReason) Terminal() bool {
	return r == ReasonBadSession || r == ReasonLoggedOut
}

// Event is a connection lifecycle notification from a Session.
//
//	qr:    Code holds the pairing token
//	open:  JID holds the account address
//	close: Reason is set
//	creds: Shard/Data hold one updated credential shard
type Event struct {
	Kind   EventKind
	Code   string
	JID    string
	Reason CloseReason
	Shard  string
	Data   []byte
	At     time.Time
}

type EventHandler func(Event)

var ErrNotConnected = errors.New("transport: session not connected")

// Session is one attempt at talking to the chat network. Connect starts the
// attempt and returns once the handshake was sent; progress is reported via
// events. A Session is not reused after a close event.
type Session interface {
	Connect(ctx context.Context, creds Credentials, events EventHandler) error
	Send(ctx context.Context, to, text string) (messageID string, err error)
	Logout(ctx context.Context) error
	Close() error
}

// Dialer creates a fresh Session per connection attempt.
type Dialer interface {
	NewSession() Session
}

type DialerFunc func() Session

func (f DialerFunc) NewSession() Session { return f() }

// ---- operator channel ----

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Notification struct {
	Channel  string // "telegram" now
	Priority int    // 0 low.. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// TextSender delivers plain text to an operator chat.
type TextSender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}
