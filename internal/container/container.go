package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"exec-alpha-go/config"
	"exec-alpha-go/gateway"
	"exec-alpha-go/infrastructure/alert"
	"exec-alpha-go/infrastructure/logger"
	"exec-alpha-go/infrastructure/monitor"
	"exec-alpha-go/internal/algo"
	"exec-alpha-go/internal/clock"
	"exec-alpha-go/internal/engine"
	"exec-alpha-go/internal/events"
	"exec-alpha-go/internal/server"
	"exec-alpha-go/market"
	"exec-alpha-go/posttrade"
	"exec-alpha-go/risk"
	"exec-alpha-go/sim"
)

// Options 决定装配哪些对外部分；execute/heatmap 子命令只需要核心组件。
type Options struct {
	Serve bool // HTTP API 与 websocket
	Feed  bool // 模拟行情
	Watch bool // 配置热加载
	Redis bool // Redis 事件外发
}

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	mu         sync.RWMutex
	cfg        config.AppConfig
	configPath string
	opts       Options
	clock      clock.Clock

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	bus     *events.Bus
	alerts  *alert.Manager
	redis   *redis.Client

	// 下单通道
	simGateway *gateway.Simulated
	limiter    *gateway.RateLimited
	breaker    *gateway.Breaker

	// 核心服务
	analyzer  *market.Analyzer
	slippage  *risk.SlippageModel
	scheduled *algo.ScheduledSlicer
	iceberg   *algo.IcebergSlicer
	router    *engine.Router
	postTrade *posttrade.Analyzer

	// 外围
	feed    *sim.Feed
	hub     *server.Hub
	server  *server.Server
	watcher *config.Watcher

	lifecycle *LifecycleManager
}

// New 加载配置（含环境变量覆盖）并创建容器
func New(configPath string, opts Options) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return NewWithConfig(cfg, configPath, opts), nil
}

// NewWithConfig 使用已加载的配置
func NewWithConfig(cfg config.AppConfig, configPath string, opts Options) *Container {
	return &Container{
		cfg:        cfg,
		configPath: configPath,
		opts:       opts,
		clock:      clock.Real,
	}
}

// Build 构建所有组件
func (c *Container) Build(ctx context.Context) error {
	if err := c.buildInfrastructure(ctx); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	c.buildGateway()
	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}
	if err := c.buildPeripherals(); err != nil {
		return fmt.Errorf("build peripherals failed: %w", err)
	}
	c.registerLifecycleComponents()
	c.logger.Info("container built successfully",
		zap.String("env", c.cfg.Env),
		zap.Bool("serve", c.opts.Serve),
		zap.Bool("feed", c.feed != nil),
		zap.Bool("redis", c.redis != nil))
	return nil
}

func (c *Container) buildInfrastructure(ctx context.Context) error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}
	c.monitor = monitor.New(c.cfg.Monitor)
	c.bus = events.NewBus(c.logger.Logger)
	c.alerts = alert.NewManager([]alert.Channel{
		alert.NewLogChannel("log", c.logger.Logger),
		alert.NewBusChannel(c.bus, events.AlertRaised),
	}, c.cfg.Alerts.ThrottleInterval, c.clock)

	if c.opts.Redis && c.cfg.Redis.Addr != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		c.redis, err = events.DialRedis(dialCtx, c.cfg.Redis.Addr, c.cfg.Redis.Password, c.cfg.Redis.DB)
		if err != nil {
			return err
		}
		c.bus.AddSink(events.NewRedisSink(c.redis, c.cfg.Redis.Prefix))
	}
	c.lifecycle = NewLifecycleManager(c.logger.Logger)
	return nil
}

// buildGateway 模拟网关 -> 限流 -> 熔断
func (c *Container) buildGateway() {
	gw := c.cfg.Gateway
	c.simGateway = gateway.NewSimulated()
	c.simGateway.Latency = gw.SimLatency
	var inner gateway.OrderGateway = c.simGateway
	if gw.RateLimit > 0 {
		c.limiter = gateway.NewRateLimited(inner, gw.RateLimit, gw.Burst)
		inner = c.limiter
	}
	c.breaker = gateway.NewBreaker(inner, gw.Breaker)
}

func (c *Container) buildCoreServices() error {
	zl := c.logger.Logger
	var err error
	c.analyzer, err = market.NewAnalyzer(c.cfg.Market, market.Deps{Clock: c.clock, Logger: zl, Bus: c.bus})
	if err != nil {
		return err
	}
	c.slippage, err = risk.NewSlippageModel(c.cfg.Slippage, risk.SlippageDeps{
		Clock: c.clock, Logger: zl, Bus: c.bus, Monitor: c.monitor, Alerts: c.alerts,
	})
	if err != nil {
		return err
	}
	deps := algo.Deps{
		Gateway: c.breaker,
		Market:  c.analyzer,
		Clock:   c.clock,
		Logger:  zl,
		Bus:     c.bus,
		Monitor: c.monitor,
		Alerts:  c.alerts,
	}
	if c.scheduled, err = algo.NewScheduledSlicer(c.cfg.Scheduled, deps); err != nil {
		return err
	}
	if c.iceberg, err = algo.NewIcebergSlicer(c.cfg.Iceberg, deps); err != nil {
		return err
	}
	c.router, err = engine.New(c.cfg.Router, engine.Components{
		Analyzer:  c.analyzer,
		Slippage:  c.slippage,
		Scheduled: c.scheduled,
		Iceberg:   c.iceberg,
		Gateway:   c.breaker,
		Clock:     c.clock,
		Logger:    c.logger,
		Bus:       c.bus,
		Monitor:   c.monitor,
		Alerts:    c.alerts,
	})
	if err != nil {
		return err
	}
	c.postTrade = posttrade.NewAnalyzer(c.cfg.PostTrade, c.analyzer, c.clock, zl)
	return nil
}

func (c *Container) buildPeripherals() error {
	zl := c.logger.Logger
	if c.opts.Feed && len(c.cfg.Feed.Instruments) > 0 {
		f := c.cfg.Feed
		var err error
		c.feed, err = sim.NewFeed(sim.Config{
			Instruments: f.Instruments,
			StartPrice:  f.StartPrice,
			Interval:    f.Interval,
			Levels:      f.Levels,
			DailyVolume: f.DailyVolume,
			Seed:        f.Seed,
		}, c.analyzer, c.clock, zl)
		if err != nil {
			return err
		}
	}
	if c.opts.Serve {
		s := c.cfg.Server
		c.hub = server.NewHub(c.bus, s.WSBuffer, zl, c.monitor)
		c.server = server.New(server.Config{
			Addr:         s.Addr,
			MetricsAddr:  s.MetricsAddr,
			ReadTimeout:  s.ReadTimeout,
			WriteTimeout: s.WriteTimeout,
		}, c.router, c.slippage, c.hub, c.monitor, zl)
		c.server.SetPostTrade(c.postTrade)
	}
	if c.opts.Watch && c.cfg.Reload.Enabled && c.configPath != "" {
		c.watcher = config.NewWatcher(c.configPath, c.cfg.Reload.Cooldown, zl)
	}
	return nil
}

func (c *Container) registerLifecycleComponents() {
	c.lifecycle.Register(Func("metrics", c.runMetrics))
	c.lifecycle.Register(Func("posttrade", c.runPostTrade))
	if c.feed != nil {
		c.lifecycle.Register(Func("feed", c.feed.Run))
	}
	if c.hub != nil {
		c.lifecycle.Register(Func("ws-hub", c.hub.Run))
	}
	if c.server != nil {
		c.lifecycle.Register(Func("http", c.server.Run))
		c.lifecycle.Register(Func("systemd", c.runSystemd))
	}
	if c.watcher != nil {
		c.lifecycle.Register(Func("config-watcher", func(ctx context.Context) error {
			return c.watcher.Start(ctx, c.ApplyConfig)
		}))
	}
}

// Run 运行所有后台组件直到 ctx 结束
func (c *Container) Run(ctx context.Context) error {
	return c.lifecycle.RunAll(ctx)
}

// runMetrics 盘口更新计数与周期性的熔断/丢弃事件采样
func (c *Container) runMetrics(ctx context.Context) error {
	books, cancel := c.analyzer.Subscribe(256, events.OrderBookUpdated)
	defer cancel()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	name := c.cfg.Gateway.Breaker.Name
	if name == "" {
		name = gateway.DefaultBreakerConfig().Name
	}
	sample := func() {
		c.monitor.UpdateBreakerState(name, c.breaker.State())
		c.monitor.UpdateEventsDropped(c.bus.Dropped())
	}
	sample()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-books:
			if !ok {
				return nil
			}
			c.monitor.RecordOrderBookUpdate(ev.ID)
		case <-ticker.C:
			sample()
		}
	}
}

func (c *Container) runPostTrade(ctx context.Context) error {
	ch, cancel := c.bus.Subscribe(256, events.ExecutionCompleted)
	defer cancel()
	return c.postTrade.Run(ctx, ch)
}

// ApplyConfig 热加载回调：路由与限速即时生效，其余部分需重启。
func (c *Container) ApplyConfig(cfg config.AppConfig) {
	routerOK := true
	if err := c.router.UpdateConfig(cfg.Router); err != nil {
		routerOK = false
		c.logger.Warn("router config rejected", zap.Error(err))
	}
	if c.limiter != nil && cfg.Gateway.RateLimit > 0 {
		c.limiter.SetRate(cfg.Gateway.RateLimit)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.Market.DepthLevels != c.cfg.Market.DepthLevels || cfg.Slippage.Granularity != c.cfg.Slippage.Granularity {
		c.logger.Warn("market/slippage config changes require restart")
	}
	if routerOK {
		c.cfg.Router = cfg.Router
	}
	c.cfg.Gateway.RateLimit = cfg.Gateway.RateLimit
}

// Close 释放资源
func (c *Container) Close() error {
	if c.server != nil {
		c.server.Close()
	}
	if c.router != nil {
		c.router.Close()
	}
	if c.redis != nil {
		_ = c.redis.Close()
	}
	if c.logger != nil {
		// stdout 不支持 Sync，忽略
		_ = c.logger.Close()
	}
	return nil
}

// Config 当前生效的配置
func (c *Container) Config() config.AppConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *Container) Logger() *logger.Logger { return c.logger }
func (c *Container) Monitor() *monitor.Monitor { return c.monitor }
func (c *Container) Bus() *events.Bus { return c.bus }
func (c *Container) Analyzer() *market.Analyzer { return c.analyzer }
func (c *Container) Slippage() *risk.SlippageModel { return c.slippage }
func (c *Container) Router() *engine.Router { return c.router }
func (c *Container) PostTrade() *posttrade.Analyzer { return c.postTrade }
func (c *Container) Feed() *sim.Feed { return c.feed }
func (c *Container) Server() *server.Server { return c.server }
func (c *Container) Gateway() *gateway.Simulated { return c.simGateway }
func (c *Container) Lifecycle() *LifecycleManager { return c.lifecycle }
