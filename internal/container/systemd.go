package container

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"
)

// runSystemd 通知 systemd 就绪，并在开启 WatchdogSec 时按半周期喂狗。
// 未由 systemd 启动时 SdNotify 返回 false，直接等待退出。
func (c *Container) runSystemd(ctx context.Context) error {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		c.logger.Warn("sd_notify ready failed", zap.Error(err))
	}
	if !sent {
		<-ctx.Done()
		return ctx.Err()
	}
	defer func() {
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	}()

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.lifecycle.CheckHealth(); err != nil {
				c.logger.Warn("skip watchdog ping", zap.Error(err))
				continue
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
