package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON lines next to Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": DSN is a libpq/pgx connection string
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgx default
}

// Interaction is one delivered outbound message, kept for audit.
type Interaction struct {
	At        time.Time `json:"at"`
	ClientID  string    `json:"client_id"`
	MessageID string    `json:"message_id"`
	NetworkID string    `json:"network_id,omitempty"`
	Recipient string    `json:"recipient"`
	Template  string    `json:"template,omitempty"`
	Body      string    `json:"body"`
	Channel   string    `json:"channel"`
	Direction string    `json:"direction"`
}

// ClientProfile is the subset of a client record used as template defaults.
type ClientProfile struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Email         string            `json:"email,omitempty"`
	Phone         string            `json:"phone,omitempty"`
	TargetCountry string            `json:"target_country,omitempty"`
	VisaType      string            `json:"visa_type,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}
