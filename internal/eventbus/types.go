package eventbus

import "time"

// Event types published by the gateway.
const (
	TypeSessionState   = "session.state"
	TypeSessionPairing = "session.pairing"
	TypeMessageQueued  = "message.queued"
	TypeMessageSent    = "message.sent"
	TypeMessageFailed  = "message.failed"
	TypeDrainDone      = "drain.done"
	TypeNotifySent     = "notify.sent"
	TypeNotifyFailed   = "notify.failed"
)

type StateChange struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Reason   string `json:"reason,omitempty"`
	Attempts int    `json:"attempts"`
}

type MessageEvent struct {
	ID        string `json:"id"`
	To        string `json:"to"`
	NetworkID string `json:"network_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type DrainResult struct {
	Sent      int           `json:"sent"`
	Failed    int           `json:"failed"`
	Requeued  int           `json:"requeued"`
	Remaining int           `json:"remaining"`
	Took      time.Duration `json:"took"`
}
