package market

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"exec-alpha-go/gateway"
	"exec-alpha-go/internal/clock"
	"exec-alpha-go/internal/events"
)

// LiquidityThresholds 订单占比分档阈值（比例越大流动性等级越差）。
type LiquidityThresholds struct {
	VeryHigh float64 `yaml:"veryHigh"`
	High     float64 `yaml:"high"`
	Medium   float64 `yaml:"medium"`
	Low      float64 `yaml:"low"`
}

func (t LiquidityThresholds) validate(name string) error {
	if t.VeryHigh <= 0 || t.High < t.VeryHigh || t.Medium < t.High || t.Low < t.Medium {
		return fmt.Errorf("%s thresholds must be positive and ascending", name)
	}
	return nil
}

// ImpactThresholds 冲击成本分档阈值（比例）。
type ImpactThresholds struct {
	Low    float64 `yaml:"low"`
	Medium float64 `yaml:"medium"`
	High   float64 `yaml:"high"`
}

// Config 深度分析配置
type Config struct {
	DepthLevels       int                      `yaml:"depthLevels"`       // 聚合档位数
	SnapshotTTL       time.Duration            `yaml:"snapshotTTL"`       // 快照新鲜度
	InstrumentTTL     map[string]time.Duration `yaml:"instrumentTTL"`     // 按品种覆盖 TTL
	TrendWindow       time.Duration            `yaml:"trendWindow"`       // 历史点保留时长
	LiquidityBandsBps []float64                `yaml:"liquidityBandsBps"` // 流动性分布价带

	VolumeThresholds LiquidityThresholds `yaml:"volumeThresholds"` // size/日成交量
	DepthThresholds  LiquidityThresholds `yaml:"depthThresholds"`  // size/可见深度（无日成交量时）
	ImpactThresholds ImpactThresholds    `yaml:"impactThresholds"`

	AggressiveFillTarget float64 `yaml:"aggressiveFillTarget"` // 激进定价需覆盖的订单比例
	PassiveFillRatio     float64 `yaml:"passiveFillRatio"`
	BalancedFillRatio    float64 `yaml:"balancedFillRatio"`
	PassiveSpreadOffset  float64 `yaml:"passiveSpreadOffset"` // 被动价相对本方最优价深入价差的比例

	VolatilityWindow     int     `yaml:"volatilityWindow"`     // 中间价样本数
	VolatileThreshold    float64 `yaml:"volatileThreshold"`    // 已实现波动率阈值
	WideSpreadBps        float64 `yaml:"wideSpreadBps"`        // 价差过宽视为低流动性
	LowLiquidityMinDepth float64 `yaml:"lowLiquidityMinDepth"` // 前 N 档双边总量低于此值视为低流动性，0 关闭
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		DepthLevels:       20,
		SnapshotTTL:       100 * time.Millisecond,
		TrendWindow:       5 * time.Minute,
		LiquidityBandsBps: []float64{10, 25, 50, 100},
		VolumeThresholds: LiquidityThresholds{
			VeryHigh: 0.001, High: 0.005, Medium: 0.01, Low: 0.05,
		},
		DepthThresholds: LiquidityThresholds{
			VeryHigh: 0.05, High: 0.1, Medium: 0.25, Low: 0.5,
		},
		ImpactThresholds: ImpactThresholds{
			Low: 0.001, Medium: 0.005, High: 0.01,
		},
		AggressiveFillTarget: 1.0,
		PassiveFillRatio:     0.3,
		BalancedFillRatio:    0.7,
		PassiveSpreadOffset:  0.3,
		VolatilityWindow:     60,
		VolatileThreshold:    0.003,
		WideSpreadBps:        50,
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	if c.DepthLevels <= 0 {
		return errors.New("market.depthLevels must be > 0")
	}
	if c.SnapshotTTL < 0 {
		return errors.New("market.snapshotTTL must be >= 0")
	}
	if c.TrendWindow <= 0 {
		return errors.New("market.trendWindow must be > 0")
	}
	if err := c.VolumeThresholds.validate("market.volumeThresholds"); err != nil {
		return err
	}
	if err := c.DepthThresholds.validate("market.depthThresholds"); err != nil {
		return err
	}
	it := c.ImpactThresholds
	if it.Low <= 0 || it.Medium < it.Low || it.High < it.Medium {
		return errors.New("market.impactThresholds must be positive and ascending")
	}
	if c.AggressiveFillTarget <= 0 {
		return errors.New("market.aggressiveFillTarget must be > 0")
	}
	for _, r := range []float64{c.PassiveFillRatio, c.BalancedFillRatio, c.PassiveSpreadOffset} {
		if r < 0 || r > 1 {
			return errors.New("market fill ratios and spread offset must be within [0,1]")
		}
	}
	if c.VolatilityWindow < 2 {
		return errors.New("market.volatilityWindow must be >= 2")
	}
	return nil
}

// Deps 分析器依赖
type Deps struct {
	Clock  clock.Clock
	Logger *zap.Logger
	Bus    *events.Bus
}

type depthPoint struct {
	ts       time.Time
	bidDepth float64
	askDepth float64
	spread   float64
	mid      float64
}

// Analyzer 缓存各品种盘口快照并提供深度/流动性/冲击/趋势分析。
// 盘口缓存是多个任务并发读取的唯一共享结构，更新为整体替换。
type Analyzer struct {
	cfg     Config
	clock   clock.Clock
	logger  *zap.Logger
	emitter events.Emitter

	mu          sync.RWMutex
	books       map[string]*OrderBookSnapshot
	analyses    map[string]DepthAnalysis
	history     map[string][]depthPoint
	dailyVolume map[string]float64
	vols        map[string]*VolatilityCalculator
}

// NewAnalyzer 创建分析器；配置只在此处校验一次。
func NewAnalyzer(cfg Config, deps Deps) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market config: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bus := deps.Bus
	if bus == nil {
		bus = events.NewBus(logger)
	}
	return &Analyzer{
		cfg:         cfg,
		clock:       clock.OrDefault(deps.Clock),
		logger:      logger.Named("depth"),
		emitter:     events.NewEmitter(bus, "market_depth"),
		books:       make(map[string]*OrderBookSnapshot),
		analyses:    make(map[string]DepthAnalysis),
		history:     make(map[string][]depthPoint),
		dailyVolume: make(map[string]float64),
		vols:        make(map[string]*VolatilityCalculator),
	}, nil
}

// Config 返回只读配置
func (a *Analyzer) Config() Config { return a.cfg }

// Subscribe 订阅分析器事件（orderBookUpdated）。
func (a *Analyzer) Subscribe(buffer int, types ...events.Type) (<-chan events.Event, func()) {
	return a.emitter.Bus().Subscribe(buffer, types...)
}

func (a *Analyzer) ttlFor(instrument string) time.Duration {
	if ttl, ok := a.cfg.InstrumentTTL[instrument]; ok {
		return ttl
	}
	return a.cfg.SnapshotTTL
}

// UpdateOrderBook 整体替换快照，并触发深度分析与事件通知。
func (a *Analyzer) UpdateOrderBook(instrument string, bids, asks [][2]float64) DepthAnalysis {
	now := a.clock.Now()
	snap := NewSnapshot(instrument, bids, asks, now, a.ttlFor(instrument))

	a.mu.Lock()
	a.books[instrument] = snap
	vc, ok := a.vols[instrument]
	if !ok {
		vc = NewVolatilityCalculator(a.cfg.VolatilityWindow)
		a.vols[instrument] = vc
	}
	vc.AddPrice(snap.Mid(), now)
	a.mu.Unlock()

	analysis := a.AnalyzeDepth(snap, instrument)

	a.mu.Lock()
	a.analyses[instrument] = analysis
	a.mu.Unlock()

	a.emitter.Emit(events.OrderBookUpdated, instrument, now, analysis)
	return analysis
}

// UpdateDailyVolume 更新日成交量。
func (a *Analyzer) UpdateDailyVolume(instrument string, volume float64) {
	if volume < 0 {
		return
	}
	a.mu.Lock()
	a.dailyVolume[instrument] = volume
	a.mu.Unlock()
}

// DailyVolume 返回日成交量，未知为 0。
func (a *Analyzer) DailyVolume(instrument string) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dailyVolume[instrument]
}

// OrderBook 返回最近一次快照（不检查新鲜度）。
func (a *Analyzer) OrderBook(instrument string) (*OrderBookSnapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	snap, ok := a.books[instrument]
	return snap, ok
}

// FreshOrderBook 返回仍在 TTL 内的快照；过期视为无数据。
func (a *Analyzer) FreshOrderBook(instrument string) (*OrderBookSnapshot, bool) {
	snap, ok := a.OrderBook(instrument)
	if !ok || !snap.Fresh(a.clock.Now()) {
		return nil, false
	}
	return snap, true
}

// LastAnalysis 返回最近一次深度分析。
func (a *Analyzer) LastAnalysis(instrument string) (DepthAnalysis, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	d, ok := a.analyses[instrument]
	return d, ok
}

// AnalyzeDepth 聚合前 N 档并计算价差/中间价/买卖压力/价带分布，
// 同时记录一个历史点供 AnalyzeTrend 使用。
func (a *Analyzer) AnalyzeDepth(book *OrderBookSnapshot, instrument string) DepthAnalysis {
	out := DepthAnalysis{Instrument: instrument, Timestamp: a.clock.Now()}
	if book == nil {
		return out
	}
	out.Timestamp = book.Timestamp
	out.BestBid, out.BestAsk = book.Best()
	if out.BestBid > 0 && out.BestAsk > 0 {
		out.MidPrice = (out.BestBid + out.BestAsk) / 2
		if spread := out.BestAsk - out.BestBid; spread > 0 {
			out.Spread = spread
			out.SpreadBps = spread / out.MidPrice * 1e4
		}
	}
	out.Bids = aggregateSide(book.Bids, a.cfg.DepthLevels)
	out.Asks = aggregateSide(book.Asks, a.cfg.DepthLevels)
	out.Pressure = CalculatePressure(book, a.cfg.DepthLevels)
	if out.MidPrice > 0 {
		out.LiquidityBands = make([]LiquidityBand, 0, len(a.cfg.LiquidityBandsBps))
		for _, bps := range a.cfg.LiquidityBandsBps {
			band := LiquidityBand{WithinBps: bps}
			lo := out.MidPrice * (1 - bps/1e4)
			hi := out.MidPrice * (1 + bps/1e4)
			for _, lv := range book.Bids {
				if lv.Price < lo {
					break
				}
				band.BidVolume += lv.Volume
			}
			for _, lv := range book.Asks {
				if lv.Price > hi {
					break
				}
				band.AskVolume += lv.Volume
			}
			out.LiquidityBands = append(out.LiquidityBands, band)
		}
	}
	if instrument != "" {
		a.recordPoint(instrument, depthPoint{
			ts:       out.Timestamp,
			bidDepth: out.Bids.Volume,
			askDepth: out.Asks.Volume,
			spread:   out.Spread,
			mid:      out.MidPrice,
		})
	}
	return out
}

func aggregateSide(levels []Level, n int) SideDepth {
	var d SideDepth
	for i, lv := range levels {
		if i >= n {
			break
		}
		d.Levels++
		d.Volume += lv.Volume
		d.Value += lv.Volume * lv.Price
	}
	if d.Volume > 0 {
		d.AvgPrice = d.Value / d.Volume
	}
	return d
}

func (a *Analyzer) recordPoint(instrument string, p depthPoint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pts := append(a.history[instrument], p)
	cut := p.ts.Add(-a.cfg.TrendWindow)
	i := 0
	for i < len(pts) && pts[i].ts.Before(cut) {
		i++
	}
	a.history[instrument] = pts[i:]
}

// BestPrice 最近快照中 side 吃单方向的最优价；无数据为 0。
func (a *Analyzer) BestPrice(instrument string, side gateway.Side) float64 {
	snap, ok := a.OrderBook(instrument)
	if !ok {
		return 0
	}
	return snap.BestOpposing(side)
}

// Mid 最近快照的中间价（不检查新鲜度），缺失为 0。
func (a *Analyzer) Mid(instrument string) float64 {
	snap, ok := a.OrderBook(instrument)
	if !ok {
		return 0
	}
	return snap.Mid()
}

// Volatility 最近窗口的已实现波动率。
func (a *Analyzer) Volatility(instrument string) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	vc, ok := a.vols[instrument]
	if !ok {
		return 0
	}
	return vc.RealizedVol()
}
