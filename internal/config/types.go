package config

// Config is the on-disk gateway configuration (JSON or YAML). Durations are
// Go duration strings ("500ms", "5s", "1m"); empty means the component
// default.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram"`
	Session   SessionConfig   `json:"session"`
	Phone     PhoneConfig     `json:"phone"`
	Outbound  OutboundConfig  `json:"outbound"`
	Templates TemplatesConfig `json:"templates"`
	Storage   StorageConfig   `json:"storage"`
	Redis     RedisConfig     `json:"redis"`
	HTTP      HTTPConfig      `json:"http"`
	Recorder  RecorderConfig  `json:"recorder"`

	// Notifier defaults to enabled when omitted and a telegram chat is set.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TelegramConfig is the operator channel. Token may come from
// MSGATE_TELEGRAM_TOKEN instead.
type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	ChatID       int64   `json:"chat_id"`
	ThreadID     int     `json:"thread_id,omitempty"`
	PollTimeout  string  `json:"poll_timeout"`
}

type SessionConfig struct {
	BridgeURL        string `json:"bridge_url"`
	CredentialsDir   string `json:"credentials_dir"`
	ReconnectDelay   string `json:"reconnect_delay"`
	HandshakeTimeout string `json:"handshake_timeout,omitempty"`
	AckTimeout       string `json:"ack_timeout,omitempty"`
	// MaxReconnectAttempts is a pointer so 0 (unbounded) differs from
	// omitted (default 5).
	MaxReconnectAttempts *int `json:"max_reconnect_attempts,omitempty"`
	// PrintQR renders pairing tokens on stdout.
	PrintQR *bool `json:"print_qr,omitempty"`
}

type PhoneConfig struct {
	CountryCode   string `json:"country_code"`
	AddressSuffix string `json:"address_suffix"`
}

type OutboundConfig struct {
	DrainInterval string `json:"drain_interval"`
	BatchSize     int    `json:"batch_size"`
	MessageDelay  string `json:"message_delay"`
	Channel       string `json:"channel,omitempty"`
}

// TemplatesConfig points at an optional YAML file whose entries are added
// to, or replace, the builtin templates.
type TemplatesConfig struct {
	File string `json:"file,omitempty"`
}

// StorageConfig selects the persistence backend.
//
//	"storage": { "driver": "sqlite", "path": "./data/msgate.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty"`
}

// RedisConfig enables the client profile cache when Addr is set.
type RedisConfig struct {
	Addr       string `json:"addr"`
	Password   string `json:"password,omitempty"`
	DB         int    `json:"db,omitempty"`
	ProfileTTL string `json:"profile_ttl,omitempty"`
}

type HTTPConfig struct {
	Addr            string `json:"addr"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	// Pprof mounts /debug/pprof. Keep the listener on localhost if enabled.
	Pprof bool `json:"pprof,omitempty"`
}

type RecorderConfig struct {
	QueueSize       int    `json:"queue_size"`
	WriteTimeout    string `json:"write_timeout"`
	BreakerFailures int    `json:"breaker_failures"`
	BreakerCooldown string `json:"breaker_cooldown"`
}

type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	DedupWindow   string `json:"dedup_window"`
	DedupMax      int    `json:"dedup_max_entries"`
	PersistDedup  bool   `json:"persist_dedup,omitempty"`
}
