package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeTempConfig(t, `
env: staging
router:
  twapDuration: 10m
  sliceCount: 6
iceberg:
  maxConcurrent: 5
slippage:
  baseDelay: 2m
feed:
  instruments: [BTCUSDT, ETHUSDT]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Env)
	assert.Equal(t, 10*time.Minute, cfg.Router.TWAPDuration)
	assert.Equal(t, 6, cfg.Router.SliceCount)
	assert.Equal(t, 5, cfg.Iceberg.MaxConcurrent)
	assert.Equal(t, 2*time.Minute, cfg.Slippage.BaseDelay)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Feed.Instruments)

	// 未出现的字段保持默认
	def := Default()
	assert.Equal(t, def.Router.VWAPDuration, cfg.Router.VWAPDuration)
	assert.Equal(t, def.Market.DepthLevels, cfg.Market.DepthLevels)
	assert.Equal(t, def.Server.Addr, cfg.Server.Addr)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeTempConfig(t, `
env: dev
router:
  icebergShare: 1.5
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "router")

	path = writeTempConfig(t, "env: [unterminated")
	_, err = Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, "env: prod\n")
	t.Setenv("EXA_REDIS_ADDR", "redis:6379")
	t.Setenv("EXA_METRICS_ADDR", ":9100")
	t.Setenv("EXA_FEED_SEED", "42")
	cfg, err := LoadWithEnvOverrides(path)
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, ":9100", cfg.Server.MetricsAddr)
	assert.Equal(t, int64(42), cfg.Feed.Seed)

	cfg, err = LoadWithEnvOverrides("")
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.Env)
}

func TestValidateSections(t *testing.T) {
	cases := map[string]func(*AppConfig){
		"env":      func(c *AppConfig) { c.Env = "" },
		"log":      func(c *AppConfig) { c.Log.Level = "chatty" },
		"gateway":  func(c *AppConfig) { c.Gateway.Burst = 0 },
		"server":   func(c *AppConfig) { c.Server.Addr = "" },
		"feed":     func(c *AppConfig) { c.Feed.Instruments = []string{"A", "A"} },
		"slippage": func(c *AppConfig) { c.Slippage.Granularity = 7 * time.Minute },
		"feedTTL":  func(c *AppConfig) { c.Feed.Interval = 250 * time.Millisecond },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, ValidateConfig(cfg))
		})
	}

	cfg := Default()
	assert.LessOrEqual(t, cfg.Feed.Interval, cfg.Market.SnapshotTTL)
	cfg.Feed.Instruments = nil
	cfg.Feed.Interval = time.Second
	assert.NoError(t, Validate(cfg))

	var invalid ErrInvalid
	err := Validate(AppConfig{})
	assert.ErrorAs(t, err, &invalid)
}
