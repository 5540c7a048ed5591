// Package errkind defines the gateway's error taxonomy.
//
// Callers of the send path only ever observe acceptance/queuing outcomes or
// one of the synchronous kinds (TemplateNotFound, InvalidRecipient,
// GatewayUnavailable). Connectivity kinds are handled inside the session
// manager and show up in logs, events and metrics.
package errkind

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNone               Kind = ""
	KindPairingRequired    Kind = "pairing_required"
	KindConnectionLost     Kind = "connection_lost"
	KindSessionInvalidated Kind = "session_invalidated"
	KindTemplateNotFound   Kind = "template_not_found"
	KindInvalidRecipient   Kind = "invalid_recipient"
	KindDispatchFailed     Kind = "dispatch_failed"
	KindGatewayUnavailable Kind = "gateway_unavailable"
)

// Error is a classified error. Detail is optional context (template name,
// raw recipient, ...) and Err the wrapped cause.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so wrapped instances compare equal
// to the package sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Detail == "" && t.Err == nil
}

var (
	ErrPairingRequired    = &Error{Kind: KindPairingRequired}
	ErrConnectionLost     = &Error{Kind: KindConnectionLost}
	ErrSessionInvalidated = &Error{Kind: KindSessionInvalidated}
	ErrTemplateNotFound   = &Error{Kind: KindTemplateNotFound}
	ErrInvalidRecipient   = &Error{Kind: KindInvalidRecipient}
	ErrDispatchFailed     = &Error{Kind: KindDispatchFailed}
	ErrGatewayUnavailable = &Error{Kind: KindGatewayUnavailable}
)

// New returns a classified error with detail text.
func New(kind Kind, detail string) error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap classifies err. It returns nil if err is nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// Of returns the Kind of the first classified error in err's chain.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}
