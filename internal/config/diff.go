package config

import (
	"reflect"
	"strings"

	"msgate/pkg/logx"
)

// LiveSections can be applied without a restart.
var LiveSections = map[string]bool{"logging": true, "notifier": true}

// Change describes what differs between two configs.
type Change struct {
	Sections []string     // changed top-level sections, in file order
	Restart  []string     // the subset that only takes effect after a restart
	Attrs    []logx.Field // safe to log; secrets are reported as *_set flags
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Diff compares oldCfg and newCfg section by section.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change
	mark := func(name string, attrs ...logx.Field) {
		c.Sections = append(c.Sections, name)
		if !LiveSections[name] {
			c.Restart = append(c.Restart, name)
		}
		c.Attrs = append(c.Attrs, attrs...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled))
	}
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.ChatID != nt.ChatID || ot.ThreadID != nt.ThreadID ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		mark("telegram",
			logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Int64("telegram.chat_id", nt.ChatID),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)))
	}
	if !reflect.DeepEqual(oldCfg.Session, newCfg.Session) {
		mark("session",
			logx.String("session.reconnect_delay", newCfg.Session.ReconnectDelay),
			logx.String("session.credentials_dir", newCfg.Session.CredentialsDir))
	}
	if oldCfg.Phone != newCfg.Phone {
		mark("phone", logx.String("phone.country_code", newCfg.Phone.CountryCode))
	}
	if oldCfg.Outbound != newCfg.Outbound {
		mark("outbound",
			logx.String("outbound.drain_interval", newCfg.Outbound.DrainInterval),
			logx.Int("outbound.batch_size", newCfg.Outbound.BatchSize),
			logx.String("outbound.message_delay", newCfg.Outbound.MessageDelay))
	}
	if oldCfg.Templates != newCfg.Templates {
		mark("templates", logx.String("templates.file", newCfg.Templates.File))
	}
	if oldCfg.Storage != newCfg.Storage {
		mark("storage",
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
			logx.Bool("storage.dsn_set", newCfg.Storage.DSN != ""))
	}
	if oldCfg.Redis != newCfg.Redis {
		mark("redis",
			logx.String("redis.addr", newCfg.Redis.Addr),
			logx.Bool("redis.password_set", newCfg.Redis.Password != ""))
	}
	if oldCfg.HTTP != newCfg.HTTP {
		mark("http", logx.String("http.addr", newCfg.HTTP.Addr), logx.Bool("http.pprof", newCfg.HTTP.Pprof))
	}
	if oldCfg.Recorder != newCfg.Recorder {
		mark("recorder", logx.Int("recorder.queue_size", newCfg.Recorder.QueueSize))
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		enabled := newCfg.Notifier == nil || newCfg.Notifier.Enabled
		mark("notifier", logx.Bool("notifier.enabled", enabled))
	}
	return c
}
