package config

import (
	"fmt"
	"strings"
)

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

// Validate 依次校验各组件配置，返回第一个错误。
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return ErrInvalid("env is required")
	}
	sections := []struct {
		name string
		fn   func() error
	}{
		{"log", cfg.Log.Validate},
		{"market", cfg.Market.Validate},
		{"slippage", cfg.Slippage.Validate},
		{"scheduled", cfg.Scheduled.Validate},
		{"iceberg", cfg.Iceberg.Validate},
		{"router", cfg.Router.Validate},
		{"postTrade", cfg.PostTrade.Validate},
		{"gateway", cfg.Gateway.validate},
		{"server", cfg.Server.validate},
		{"feed", cfg.Feed.validate},
	}
	for _, s := range sections {
		if err := s.fn(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	// 行情间隔超过快照有效期时，两次推送之间盘口会被判为过期
	if len(cfg.Feed.Instruments) > 0 && cfg.Market.SnapshotTTL > 0 && cfg.Feed.Interval > cfg.Market.SnapshotTTL {
		return ErrInvalid(fmt.Sprintf("feed.interval %s exceeds market.snapshotTTL %s", cfg.Feed.Interval, cfg.Market.SnapshotTTL))
	}
	if cfg.Alerts.ThrottleInterval < 0 {
		return ErrInvalid("alerts.throttleInterval must be >= 0")
	}
	if cfg.Reload.Cooldown < 0 {
		return ErrInvalid("reload.cooldown must be >= 0")
	}
	return nil
}

// ValidateConfig is kept for backward compatibility; delegates to Validate.
func ValidateConfig(cfg AppConfig) error {
	return Validate(cfg)
}

func (g GatewayConfig) validate() error {
	if g.SimLatency < 0 {
		return ErrInvalid("simLatency must be >= 0")
	}
	if g.RateLimit < 0 {
		return ErrInvalid("rateLimit must be >= 0")
	}
	if g.RateLimit > 0 && g.Burst <= 0 {
		return ErrInvalid("burst must be > 0 when rateLimit is set")
	}
	if g.Breaker.FailureRatio < 0 || g.Breaker.FailureRatio > 1 {
		return ErrInvalid("breaker.failureRatio must be within [0,1]")
	}
	return nil
}

func (s ServerConfig) validate() error {
	if s.Addr == "" {
		return ErrInvalid("addr is required")
	}
	if s.WSBuffer <= 0 {
		return ErrInvalid("wsBuffer must be > 0")
	}
	return nil
}

func (f FeedConfig) validate() error {
	seen := make(map[string]bool, len(f.Instruments))
	for _, inst := range f.Instruments {
		inst = strings.TrimSpace(inst)
		if inst == "" {
			return ErrInvalid("instrument names must be non-empty")
		}
		if seen[inst] {
			return ErrInvalid(fmt.Sprintf("duplicate instrument %s", inst))
		}
		seen[inst] = true
	}
	if len(f.Instruments) > 0 {
		if f.StartPrice <= 0 || f.Interval <= 0 || f.Levels <= 0 {
			return ErrInvalid("startPrice, interval and levels must be > 0")
		}
	}
	if f.DailyVolume < 0 {
		return ErrInvalid("dailyVolume must be >= 0")
	}
	return nil
}
