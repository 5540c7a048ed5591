package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"msgate/pkg/logx"
)

// sdNotify reports to systemd when NOTIFY_SOCKET is set; otherwise it is a
// no-op.
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Trace("sd_notify", logx.String("state", state))
	}
}

func sdStatus(log logx.Logger, status string) {
	sdNotify(log, "STATUS="+status)
}

// sdWatchdog pings systemd at half of WatchdogSec until ctx ends. It returns
// at once when the unit has no watchdog.
func sdWatchdog(ctx context.Context, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sdNotify(log, daemon.SdNotifyWatchdog)
		}
	}
}
