package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Env holds secrets and endpoints that may be supplied through the
// environment instead of the config file. Set values win over the file.
type Env struct {
	TelegramToken string `envconfig:"TELEGRAM_TOKEN"`
	StorageDSN    string `envconfig:"STORAGE_DSN"`
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	BridgeURL     string `envconfig:"BRIDGE_URL"`
}

const EnvPrefix = "MSGATE"

// LoadEnv reads MSGATE_* variables.
func LoadEnv() (Env, error) {
	var e Env
	if err := envconfig.Process(EnvPrefix, &e); err != nil {
		return Env{}, fmt.Errorf("env: %w", err)
	}
	return e, nil
}

func (e Env) apply(cfg *Config) {
	if v := strings.TrimSpace(e.TelegramToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(e.StorageDSN); v != "" {
		cfg.Storage.DSN = v
	}
	if v := strings.TrimSpace(e.RedisAddr); v != "" {
		cfg.Redis.Addr = v
	}
	if v := strings.TrimSpace(e.BridgeURL); v != "" {
		cfg.Session.BridgeURL = v
	}
}

// Validate checks everything that can be checked without I/O. All problems
// are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if u := strings.TrimSpace(cfg.Session.BridgeURL); u == "" {
		add("session.bridge_url is required")
	} else if pu, err := url.Parse(u); err != nil || (pu.Scheme != "ws" && pu.Scheme != "wss") {
		add("session.bridge_url: want ws:// or wss:// url, got %q", u)
	}
	if n := cfg.Session.MaxReconnectAttempts; n != nil && *n < 0 {
		add("session.max_reconnect_attempts must be >= 0")
	}
	if cfg.Outbound.BatchSize < 0 {
		add("outbound.batch_size must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "none", "file", "sqlite":
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add("storage.dsn is required for driver %q", cfg.Storage.Driver)
		}
	default:
		add("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		add("http.addr is required")
	}
	if cfg.Logging.Telegram.Enabled && cfg.Telegram.ChatID == 0 {
		add("logging.telegram requires telegram.chat_id")
	}

	var d durations
	d.get("telegram.poll_timeout", cfg.Telegram.PollTimeout, 0)
	d.get("session.reconnect_delay", cfg.Session.ReconnectDelay, 0)
	d.get("session.handshake_timeout", cfg.Session.HandshakeTimeout, 0)
	d.get("session.ack_timeout", cfg.Session.AckTimeout, 0)
	d.get("outbound.drain_interval", cfg.Outbound.DrainInterval, 0)
	d.get("outbound.message_delay", cfg.Outbound.MessageDelay, 0)
	d.get("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	d.get("redis.profile_ttl", cfg.Redis.ProfileTTL, 0)
	d.get("http.read_timeout", cfg.HTTP.ReadTimeout, 0)
	d.get("http.write_timeout", cfg.HTTP.WriteTimeout, 0)
	d.get("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout, 0)
	d.get("recorder.write_timeout", cfg.Recorder.WriteTimeout, 0)
	d.get("recorder.breaker_cooldown", cfg.Recorder.BreakerCooldown, 0)
	if n := cfg.Notifier; n != nil {
		d.get("notifier.retry_base", n.RetryBase, 0)
		d.get("notifier.retry_max_delay", n.RetryMaxDelay, 0)
		d.get("notifier.dedup_window", n.DedupWindow, 0)
	}
	if d.err != nil {
		errs = append(errs, d.err)
	}
	return errors.Join(errs...)
}
