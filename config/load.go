package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"exec-alpha-go/gateway"
	"exec-alpha-go/infrastructure/logger"
	"exec-alpha-go/infrastructure/monitor"
	"exec-alpha-go/internal/algo"
	"exec-alpha-go/internal/engine"
	"exec-alpha-go/market"
	"exec-alpha-go/posttrade"
	"exec-alpha-go/risk"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env       string               `yaml:"env"`
	Log       logger.Config        `yaml:"log"`
	Monitor   monitor.Config       `yaml:"monitor"`
	Market    market.Config        `yaml:"market"`
	Slippage  risk.SlippageConfig  `yaml:"slippage"`
	Scheduled algo.ScheduledConfig `yaml:"scheduled"`
	Iceberg   algo.IcebergConfig   `yaml:"iceberg"`
	Router    engine.Config        `yaml:"router"`
	PostTrade posttrade.Config     `yaml:"postTrade"`
	Gateway   GatewayConfig        `yaml:"gateway"`
	Redis     RedisConfig          `yaml:"redis"`
	Server    ServerConfig         `yaml:"server"`
	Alerts    AlertConfig          `yaml:"alerts"`
	Feed      FeedConfig           `yaml:"feed"`
	Reload    ReloadConfig         `yaml:"reload"`
}

// GatewayConfig 下单通道：模拟延迟、限速与熔断。
type GatewayConfig struct {
	SimLatency time.Duration         `yaml:"simLatency"`
	RateLimit  float64               `yaml:"rateLimit"` // 每秒请求数，0 不限速
	Burst      int                   `yaml:"burst"`
	Breaker    gateway.BreakerConfig `yaml:"breaker"`
}

// RedisConfig 事件外发；Addr 为空时关闭。
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	MetricsAddr  string        `yaml:"metricsAddr"` // 为空时 /metrics 挂在主端口
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	WSBuffer     int           `yaml:"wsBuffer"`
}

type AlertConfig struct {
	ThrottleInterval time.Duration `yaml:"throttleInterval"`
}

// FeedConfig 模拟行情源。
type FeedConfig struct {
	Instruments []string      `yaml:"instruments"`
	StartPrice  float64       `yaml:"startPrice"`
	Interval    time.Duration `yaml:"interval"`
	Levels      int           `yaml:"levels"`
	DailyVolume float64       `yaml:"dailyVolume"`
	Seed        int64         `yaml:"seed"`
}

type ReloadConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Cooldown time.Duration `yaml:"cooldown"`
}

// Default 返回全部组件取默认值的配置。
func Default() AppConfig {
	return AppConfig{
		Env:       "dev",
		Log:       logger.DefaultConfig(),
		Monitor:   monitor.DefaultConfig(),
		Market:    market.DefaultConfig(),
		Slippage:  risk.DefaultSlippageConfig(),
		Scheduled: algo.DefaultScheduledConfig(),
		Iceberg:   algo.DefaultIcebergConfig(),
		Router:    engine.DefaultConfig(),
		PostTrade: posttrade.DefaultConfig(),
		Gateway: GatewayConfig{
			SimLatency: 5 * time.Millisecond,
			RateLimit:  20,
			Burst:      40,
			Breaker:    gateway.DefaultBreakerConfig(),
		},
		Redis: RedisConfig{Prefix: "execalpha:"},
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			WSBuffer:     256,
		},
		Alerts: AlertConfig{ThrottleInterval: time.Minute},
		Feed: FeedConfig{
			Instruments: []string{"BTCUSDT"},
			StartPrice:  60000,
			Interval:    50 * time.Millisecond,
			Levels:      20,
			DailyVolume: 25000,
			Seed:        1,
		},
		Reload: ReloadConfig{Enabled: true, Cooldown: 2 * time.Second},
	}
}

// Parse 在默认值之上解析 YAML，未出现的字段保持默认。
func Parse(raw []byte) (AppConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides deployment fields from env vars if present.
// path 为空时使用默认配置。
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return cfg, err
		}
	}
	ApplyEnv(&cfg)
	return cfg, Validate(cfg)
}

// ApplyEnv 读取 EXA_* 环境变量覆盖部署相关字段。
func ApplyEnv(cfg *AppConfig) {
	if v := os.Getenv("EXA_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("EXA_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("EXA_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("EXA_HTTP_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("EXA_METRICS_ADDR"); v != "" {
		cfg.Server.MetricsAddr = v
	}
	if v := os.Getenv("EXA_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("EXA_FEED_SEED"); v != "" {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Feed.Seed = seed
		}
	}
}
