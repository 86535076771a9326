package posttrade

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"exec-alpha-go/gateway"
	"exec-alpha-go/internal/clock"
	"exec-alpha-go/internal/engine"
	"exec-alpha-go/internal/events"
)

// MidSource 提供当前中间价
type MidSource interface {
	Mid(instrument string) float64
}

// Config 盘后分析配置
type Config struct {
	Horizons []time.Duration `yaml:"horizons"` // 成交后观察中间价的时点
	MaxAge   time.Duration   `yaml:"maxAge"`   // 记录保留时长
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Horizons: []time.Duration{time.Second, 5 * time.Second},
		MaxAge:   time.Hour,
	}
}

func (c Config) Validate() error {
	for _, h := range c.Horizons {
		if h <= 0 {
			return errors.New("posttrade: horizons must be > 0")
		}
	}
	if c.MaxAge < 0 {
		return errors.New("posttrade: maxAge must be >= 0")
	}
	return nil
}

// Markout 成交后某时点的中间价偏移；正值表示价格朝有利方向移动。
type Markout struct {
	Horizon time.Duration `json:"horizon"`
	Mid     float64       `json:"mid"`
	Bps     float64       `json:"bps"`
}

// FillRecord 一次母单成交的盘后记录
type FillRecord struct {
	ExecutionID string          `json:"executionId"`
	Instrument  string          `json:"instrument"`
	Side        gateway.Side    `json:"side"`
	Strategy    engine.Strategy `json:"strategy"`
	Size        float64         `json:"size"`
	AvgPrice    float64         `json:"avgPrice"`
	FilledAt    time.Time       `json:"filledAt"`
	Markouts    []Markout       `json:"markouts"`
}

// Stats 盘后统计；逆向选择指首个观察点价格朝不利方向移动。
type Stats struct {
	TotalFills           int                `json:"totalFills"`
	AnalyzedFills        int                `json:"analyzedFills"`
	AdverseSelectionRate float64            `json:"adverseSelectionRate"`
	AvgMarkoutBps        map[string]float64 `json:"avgMarkoutBps"` // 按观察时点
}

// Analyzer 跟踪执行完成后的价格走势，衡量冲击回归与逆向选择。
type Analyzer struct {
	cfg    Config
	mids   MidSource
	clock  clock.Clock
	logger *zap.Logger

	mu    sync.RWMutex
	fills map[string]*FillRecord
	wg    sync.WaitGroup
}

// NewAnalyzer creates a new post-trade analyzer
func NewAnalyzer(cfg Config, mids MidSource, clk clock.Clock, logger *zap.Logger) *Analyzer {
	if len(cfg.Horizons) == 0 {
		cfg.Horizons = DefaultConfig().Horizons
	}
	sort.Slice(cfg.Horizons, func(i, j int) bool { return cfg.Horizons[i] < cfg.Horizons[j] })
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		cfg:    cfg,
		mids:   mids,
		clock:  clock.OrDefault(clk),
		logger: logger.Named("posttrade"),
		fills:  make(map[string]*FillRecord),
	}
}

// OnExecution 记录有成交的执行并开始跟踪价格。
func (a *Analyzer) OnExecution(ctx context.Context, res engine.ExecutionResult) {
	if res.ExecutedSize <= 0 || res.AvgPrice <= 0 {
		return
	}
	rec := &FillRecord{
		ExecutionID: res.ID,
		Instrument:  res.Order.Instrument,
		Side:        res.Order.Side,
		Size:        res.ExecutedSize,
		AvgPrice:    res.AvgPrice,
		FilledAt:    a.clock.Now(),
		Strategy:    res.Strategy,
	}
	a.mu.Lock()
	a.fills[rec.ExecutionID] = rec
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.trackPriceMovement(ctx, rec)
	}()
}

// trackPriceMovement 依次在各观察时点采样中间价
func (a *Analyzer) trackPriceMovement(ctx context.Context, rec *FillRecord) {
	var elapsed time.Duration
	for _, h := range a.cfg.Horizons {
		if err := a.clock.Sleep(ctx, h-elapsed); err != nil {
			return
		}
		elapsed = h
		mid := a.mids.Mid(rec.Instrument)
		if mid <= 0 {
			continue
		}
		move := (mid - rec.AvgPrice) / rec.AvgPrice
		if rec.Side == gateway.SideSell {
			move = -move
		}
		a.mu.Lock()
		rec.Markouts = append(rec.Markouts, Markout{Horizon: h, Mid: mid, Bps: move * 1e4})
		a.mu.Unlock()
	}
	a.logger.Debug("markout complete",
		zap.String("execution_id", rec.ExecutionID),
		zap.String("instrument", rec.Instrument))
}

// Run 消费执行完成事件直到 ctx 结束
func (a *Analyzer) Run(ctx context.Context, in <-chan events.Event) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	defer a.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			if res, ok := ev.Payload.(engine.ExecutionResult); ok {
				a.OnExecution(ctx, res)
			}
		case <-ticker.C:
			if a.cfg.MaxAge > 0 {
				a.CleanOldRecords(a.cfg.MaxAge)
			}
		}
	}
}

// Record 返回单条记录副本
func (a *Analyzer) Record(executionID string) (FillRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.fills[executionID]
	if !ok {
		return FillRecord{}, false
	}
	out := *rec
	out.Markouts = append([]Markout(nil), rec.Markouts...)
	return out, true
}

// Stats computes and returns statistics
func (a *Analyzer) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := Stats{TotalFills: len(a.fills), AvgMarkoutBps: map[string]float64{}}
	sums := map[time.Duration]float64{}
	counts := map[time.Duration]int{}
	adverse := 0
	for _, rec := range a.fills {
		if len(rec.Markouts) == 0 {
			continue
		}
		stats.AnalyzedFills++
		if rec.Markouts[0].Bps < 0 {
			adverse++
		}
		for _, m := range rec.Markouts {
			sums[m.Horizon] += m.Bps
			counts[m.Horizon]++
		}
	}
	if stats.AnalyzedFills > 0 {
		stats.AdverseSelectionRate = float64(adverse) / float64(stats.AnalyzedFills)
	}
	for h, sum := range sums {
		stats.AvgMarkoutBps[h.String()] = sum / float64(counts[h])
	}
	return stats
}

// CleanOldRecords removes old records to prevent memory leaks
func (a *Analyzer) CleanOldRecords(maxAge time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	for id, rec := range a.fills {
		if now.Sub(rec.FilledAt) > maxAge {
			delete(a.fills, id)
		}
	}
}
