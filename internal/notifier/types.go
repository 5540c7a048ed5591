package notifier

import (
	"context"
	"time"
)

type Config struct {
	Enabled       bool
	ChatID        int64
	ThreadID      int
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
	DedupMax      int
	PersistDedup  bool
}

// DedupStore persists suppress-until marks. storage.Store satisfies it.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Event is the payload of notify.* bus events.
type Event struct {
	ChatID int64  `json:"chat_id"`
	Key    string `json:"key"`
	Error  string `json:"error,omitempty"`
}
