package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "qrond/pkg/logx"
)

// notifyReady reports readiness to systemd. Without NOTIFY_SOCKET this is a
// no-op, so it is safe in containers and plain shells.
func (a *App) notifyReady() {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		a.log.Warn("sd_notify READY failed", logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify READY sent")
	}
}

func (a *App) notifyStopping() {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Warn("sd_notify STOPPING failed", logx.Err(err))
	}
}

// startWatchdog pings the systemd watchdog at half the configured interval.
// Does nothing when WatchdogSec is not set on the unit.
func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("sd_watchdog lookup failed", logx.Err(err))
		return
	}
	if interval == 0 {
		return
	}

	tick := interval / 2
	if tick < time.Second {
		tick = time.Second
	}
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))

	a.sup.Go0("systemd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					a.log.Warn("sd_notify WATCHDOG failed", logx.Err(err))
				}
			}
		}
	})
}
