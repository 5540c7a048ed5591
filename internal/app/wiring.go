package app

import (
	"io"
	"strings"
	"time"

	"msgate/internal/config"
	"msgate/internal/httpapi"
	"msgate/internal/notifier"
	"msgate/internal/outbound"
	"msgate/internal/recorder"
	"msgate/internal/session"
	"msgate/internal/storage"
	"msgate/internal/transport/bridge"
	"msgate/pkg/logx"
)

const defaultCredentialsDir = "./data/session"

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapSessionConfig(cfg *config.Config) (session.Config, bridge.Config, error) {
	sc := cfg.Session
	reconnect, err := config.ParseDurationOrDefault("session.reconnect_delay", sc.ReconnectDelay, session.DefaultReconnectDelay)
	if err != nil {
		return session.Config{}, bridge.Config{}, err
	}
	handshake, err := config.ParseDurationOrDefault("session.handshake_timeout", sc.HandshakeTimeout, 0)
	if err != nil {
		return session.Config{}, bridge.Config{}, err
	}
	ack, err := config.ParseDurationOrDefault("session.ack_timeout", sc.AckTimeout, 0)
	if err != nil {
		return session.Config{}, bridge.Config{}, err
	}
	attempts := session.DefaultMaxReconnectAttempts
	if sc.MaxReconnectAttempts != nil {
		attempts = *sc.MaxReconnectAttempts
	}
	return session.Config{ReconnectDelay: reconnect, MaxReconnectAttempts: attempts},
		bridge.Config{URL: strings.TrimSpace(sc.BridgeURL), HandshakeTimeout: handshake, AckTimeout: ack},
		nil
}

func credentialsDir(cfg *config.Config) string {
	if d := strings.TrimSpace(cfg.Session.CredentialsDir); d != "" {
		return d
	}
	return defaultCredentialsDir
}

// pairingSinks always includes a local sink that carries the token: the QR
// on out, or the raw code in the log when print_qr is off.
func pairingSinks(cfg *config.Config, operator session.PairingSink, out io.Writer, log logx.Logger) session.MultiSink {
	plog := log.With(logx.String("comp", "pairing"))
	sinks := session.MultiSink{operator}
	if printQR(cfg) {
		return append(sinks, session.ConsoleSink{Out: out, Log: plog})
	}
	return append(sinks, session.LogSink{Log: plog})
}

// printQR defaults to true so a fresh install can pair from the terminal.
func printQR(cfg *config.Config) bool {
	return cfg.Session.PrintQR == nil || *cfg.Session.PrintQR
}

func mapOutboundConfig(cfg *config.Config) (outbound.Config, error) {
	oc := cfg.Outbound
	interval, err := config.ParseDurationOrDefault("outbound.drain_interval", oc.DrainInterval, outbound.DefaultDrainInterval)
	if err != nil {
		return outbound.Config{}, err
	}
	// An explicit "0s" means no pacing between sends.
	delay := outbound.DefaultMessageDelay
	if strings.TrimSpace(oc.MessageDelay) != "" {
		if delay, err = config.ParseDurationField("outbound.message_delay", oc.MessageDelay); err != nil {
			return outbound.Config{}, err
		}
	}
	return outbound.Config{
		DrainInterval: interval,
		BatchSize:     oc.BatchSize,
		MessageDelay:  delay,
		Channel:       strings.TrimSpace(oc.Channel),
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}, nil
}

func mapRecorderConfig(cfg *config.Config) (recorder.Config, error) {
	rc := cfg.Recorder
	wt, err := config.ParseDurationOrDefault("recorder.write_timeout", rc.WriteTimeout, 0)
	if err != nil {
		return recorder.Config{}, err
	}
	cd, err := config.ParseDurationOrDefault("recorder.breaker_cooldown", rc.BreakerCooldown, 0)
	if err != nil {
		return recorder.Config{}, err
	}
	failures := rc.BreakerFailures
	if failures < 0 {
		failures = 0
	}
	return recorder.Config{
		QueueSize:       rc.QueueSize,
		WriteTimeout:    wt,
		BreakerFailures: uint32(failures),
		BreakerCooldown: cd,
	}, nil
}

// mapNotifierConfig enables the notifier by default when the section is
// omitted and an operator chat is configured.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:  cfg.Telegram.ChatID != 0,
		ChatID:   cfg.Telegram.ChatID,
		ThreadID: cfg.Telegram.ThreadID,
	}
	nc := cfg.Notifier
	if nc == nil {
		out.DedupWindow = time.Minute
		return out, nil
	}
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, 0); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 0); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, time.Minute); err != nil {
		return notifier.Config{}, err
	}
	out.Enabled = nc.Enabled && cfg.Telegram.ChatID != 0
	out.Workers = nc.Workers
	out.QueueSize = nc.QueueSize
	out.RatePerSec = nc.RatePerSec
	out.RetryMax = nc.RetryMax
	out.DedupMax = nc.DedupMax
	out.PersistDedup = nc.PersistDedup
	return out, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	rt, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 0)
	if err != nil {
		return httpapi.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 0)
	if err != nil {
		return httpapi.Config{}, err
	}
	st, err := config.ParseDurationOrDefault("http.shutdown_timeout", hc.ShutdownTimeout, 0)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{Addr: hc.Addr, ReadTimeout: rt, WriteTimeout: wt, ShutdownTimeout: st, Pprof: hc.Pprof}, nil
}
