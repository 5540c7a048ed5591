package session

import (
	"fmt"

	"msgate/internal/transport"
)

type State int

const (
	Disconnected State = iota
	Pairing
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Pairing:
		return "pairing"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Snapshot is the part of the manager that the transition function reads and
// writes. MaxAttempts <= 0 means reconnect forever.
type Snapshot struct {
	State              State
	Attempts           int
	NeedsPairing       bool
	PairingOutstanding bool
	MaxAttempts        int
	JID                string
}

// Decision is the outcome of one event: the next snapshot plus the side
// effects the manager must carry out.
type Decision struct {
	Next Snapshot

	Persist     bool // store ev.Shard/ev.Data
	Wipe        bool // delete all credential shards
	Reconnect   bool // schedule Initialize after the reconnect delay
	EmitPairing bool // forward ev.Code to the pairing sinks
	EndAttempt  bool // the current session is finished
	Alert       string
}

// Transition is the connection state machine. It has no side effects.
//
// Failed absorbs every event. A pairing token is forwarded only once per
// connection attempt.
func Transition(s Snapshot, ev transport.Event) Decision {
	d := Decision{Next: s}
	if s.State == Failed {
		return d
	}

	switch ev.Kind {
	case transport.EventQR:
		if s.State == Connected {
			return d
		}
		d.Next.State = Pairing
		d.Next.NeedsPairing = true
		if !s.PairingOutstanding {
			d.EmitPairing = true
			d.Next.PairingOutstanding = true
		}

	case transport.EventOpen:
		d.Next.State = Connected
		d.Next.Attempts = 0
		d.Next.NeedsPairing = false
		d.Next.PairingOutstanding = false
		d.Next.JID = ev.JID

	case transport.EventCreds:
		d.Persist = ev.Shard != ""

	case transport.EventClose:
		d.EndAttempt = true
		d.Next.PairingOutstanding = false
		d.Next.JID = ""
		if ev.Reason.Terminal() {
			d.Wipe = true
			d.Reconnect = true
			d.Next.State = Disconnected
			d.Next.NeedsPairing = true
			d.Alert = fmt.Sprintf("session invalidated (%s): credentials wiped, a new pairing code will follow", ev.Reason)
			return d
		}
		d.Next.Attempts = s.Attempts + 1
		if s.MaxAttempts > 0 && d.Next.Attempts >= s.MaxAttempts {
			d.Next.State = Failed
			d.Alert = fmt.Sprintf("session failed after %d disconnects (last: %s); restart required", d.Next.Attempts, reasonOrUnknown(ev.Reason))
			return d
		}
		d.Next.State = Disconnected
		d.Reconnect = true
	}
	return d
}

func reasonOrUnknown(r transport.CloseReason) string {
	if r == "" {
		return "unknown"
	}
	return string(r)
}
