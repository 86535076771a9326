package sim

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"exec-alpha-go/internal/clock"
	"exec-alpha-go/market"
)

// BookSink 接收模拟盘口，通常是 market.Analyzer。
type BookSink interface {
	UpdateOrderBook(instrument string, bids, asks [][2]float64) market.DepthAnalysis
	UpdateDailyVolume(instrument string, volume float64)
}

// Config 模拟行情参数。
type Config struct {
	Instruments []string
	StartPrice  float64
	Interval    time.Duration
	Levels      int
	DailyVolume float64
	Seed        int64

	StepBps   float64 // 每个 tick 中间价随机游走幅度
	SpreadBps float64 // 买一卖一价差
	LevelBps  float64 // 相邻档位间距
	LevelSize float64 // 单档基准数量
}

func (c *Config) applyDefaults() {
	if c.StepBps <= 0 {
		c.StepBps = 2
	}
	if c.SpreadBps <= 0 {
		c.SpreadBps = 2
	}
	if c.LevelBps <= 0 {
		c.LevelBps = 1
	}
	if c.LevelSize <= 0 {
		c.LevelSize = 1
	}
	if c.Levels <= 0 {
		c.Levels = 20
	}
}

// Feed 随机游走的盘口生成器，同一 seed 产生同一序列。
type Feed struct {
	cfg    Config
	sink   BookSink
	clk    clock.Clock
	rnd    clock.Rand
	logger *zap.Logger

	mu    sync.RWMutex
	mids  map[string]float64
	ticks int64
}

// NewFeed 创建模拟行情源
func NewFeed(cfg Config, sink BookSink, clk clock.Clock, logger *zap.Logger) (*Feed, error) {
	if sink == nil {
		return nil, errors.New("sim: sink required")
	}
	if len(cfg.Instruments) == 0 {
		return nil, errors.New("sim: no instruments")
	}
	if cfg.StartPrice <= 0 || cfg.Interval <= 0 {
		return nil, errors.New("sim: startPrice and interval must be > 0")
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Feed{
		cfg:    cfg,
		sink:   sink,
		clk:    clock.OrDefault(clk),
		rnd:    clock.NewRand(cfg.Seed),
		logger: logger.Named("feed"),
		mids:   make(map[string]float64, len(cfg.Instruments)),
	}
	for _, inst := range cfg.Instruments {
		f.mids[inst] = cfg.StartPrice
	}
	return f, nil
}

// Tick 推进一步并向 sink 推送所有品种的盘口。
func (f *Feed) Tick() {
	insts := append([]string(nil), f.cfg.Instruments...)
	sort.Strings(insts)
	for _, inst := range insts {
		bids, asks := f.step(inst)
		f.sink.UpdateOrderBook(inst, bids, asks)
	}
	f.mu.Lock()
	f.ticks++
	f.mu.Unlock()
}

func (f *Feed) step(inst string) (bids, asks [][2]float64) {
	f.mu.Lock()
	mid := f.mids[inst] * (1 + (f.rnd.Float64()*2-1)*f.cfg.StepBps/1e4)
	f.mids[inst] = mid
	f.mu.Unlock()

	half := mid * f.cfg.SpreadBps / 2e4
	gap := mid * f.cfg.LevelBps / 1e4
	bids = make([][2]float64, f.cfg.Levels)
	asks = make([][2]float64, f.cfg.Levels)
	for i := 0; i < f.cfg.Levels; i++ {
		// 越深的档位挂单越多
		depth := 1 + float64(i)*0.25
		bids[i] = [2]float64{round(mid-half-float64(i)*gap, 2), f.cfg.LevelSize * depth * (0.5 + f.rnd.Float64())}
		asks[i] = [2]float64{round(mid+half+float64(i)*gap, 2), f.cfg.LevelSize * depth * (0.5 + f.rnd.Float64())}
	}
	return bids, asks
}

// Run 先写入日成交量，再按 Interval 推送直到 ctx 结束。
func (f *Feed) Run(ctx context.Context) error {
	if f.cfg.DailyVolume > 0 {
		for _, inst := range f.cfg.Instruments {
			f.sink.UpdateDailyVolume(inst, f.cfg.DailyVolume)
		}
	}
	f.logger.Info("feed started",
		zap.Strings("instruments", f.cfg.Instruments),
		zap.Duration("interval", f.cfg.Interval),
		zap.Int64("seed", f.cfg.Seed))
	for {
		f.Tick()
		if err := f.clk.Sleep(ctx, f.cfg.Interval); err != nil {
			f.logger.Info("feed stopped", zap.Int64("ticks", f.Ticks()))
			return err
		}
	}
}

// Mid 当前中间价。
func (f *Feed) Mid(instrument string) float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.mids[instrument]
}

func (f *Feed) Ticks() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.ticks
}

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}
