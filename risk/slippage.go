package risk

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"exec-alpha-go/gateway"
	"exec-alpha-go/infrastructure/alert"
	"exec-alpha-go/infrastructure/monitor"
	"exec-alpha-go/internal/clock"
	"exec-alpha-go/internal/events"
)

// SlippageTrend 最近样本的滑点走势。
type SlippageTrend string

const (
	TrendIncreasing SlippageTrend = "increasing"
	TrendDecreasing SlippageTrend = "decreasing"
	TrendStable     SlippageTrend = "stable"
)

// SlippageConfig 滑点时机模型配置
type SlippageConfig struct {
	Granularity      time.Duration `yaml:"granularity"`      // 时间桶粒度，需整除 1 小时
	Retention        time.Duration `yaml:"retention"`        // 样本保留时长
	RecentWindow     int           `yaml:"recentWindow"`     // 近期窗口样本数
	FundingWindow    time.Duration `yaml:"fundingWindow"`    // 资金费率结算前后
	MarketOpenWindow time.Duration `yaml:"marketOpenWindow"` // 主要市场开盘前后

	BaseDelay      time.Duration `yaml:"baseDelay"`
	SearchStep     time.Duration `yaml:"searchStep"`
	MaxSearchSteps int           `yaml:"maxSearchSteps"`
	FallbackDelay  time.Duration `yaml:"fallbackDelay"`

	HistoricalWeight     float64 `yaml:"historicalWeight"`
	RecentWeight         float64 `yaml:"recentWeight"`
	KnownRiskWeight      float64 `yaml:"knownRiskWeight"`
	HistoricalMinSamples int     `yaml:"historicalMinSamples"`
	RecentMinSamples     int     `yaml:"recentMinSamples"`
	ScoreFullScaleBps    float64 `yaml:"scoreFullScaleBps"` // 该滑点对应满分 100
	NeutralScore         float64 `yaml:"neutralScore"`      // 无历史数据的时段评分

	TrendSamples    int           `yaml:"trendSamples"`    // 比较最近 N 与之前 N 个样本
	TrendThreshold  float64       `yaml:"trendThreshold"`  // 相对变化超过即视为趋势
	WarningInterval time.Duration `yaml:"warningInterval"` // 同一品种告警间隔
}

// DefaultSlippageConfig 返回默认配置
func DefaultSlippageConfig() SlippageConfig {
	return SlippageConfig{
		Granularity:          15 * time.Minute,
		Retention:            7 * 24 * time.Hour,
		RecentWindow:         100,
		FundingWindow:        10 * time.Minute,
		MarketOpenWindow:     15 * time.Minute,
		BaseDelay:            5 * time.Minute,
		SearchStep:           5 * time.Minute,
		MaxSearchSteps:       24,
		FallbackDelay:        30 * time.Minute,
		HistoricalWeight:     0.3,
		RecentWeight:         0.4,
		KnownRiskWeight:      0.3,
		HistoricalMinSamples: 10,
		RecentMinSamples:     5,
		ScoreFullScaleBps:    50,
		NeutralScore:         30,
		TrendSamples:         5,
		TrendThreshold:       0.1,
		WarningInterval:      time.Minute,
	}
}

// Validate 校验配置
func (c SlippageConfig) Validate() error {
	if c.Granularity < time.Minute || time.Hour%c.Granularity != 0 || c.Granularity%time.Minute != 0 {
		return errors.New("slippage.granularity must be whole minutes dividing one hour")
	}
	if c.Retention <= 0 {
		return errors.New("slippage.retention must be > 0")
	}
	if c.RecentWindow <= 0 || c.TrendSamples <= 0 {
		return errors.New("slippage.recentWindow and trendSamples must be > 0")
	}
	if c.FundingWindow < 0 || c.MarketOpenWindow < 0 {
		return errors.New("slippage windows must be >= 0")
	}
	if c.BaseDelay <= 0 || c.SearchStep <= 0 || c.FallbackDelay <= 0 || c.MaxSearchSteps < 0 {
		return errors.New("slippage delay settings must be positive")
	}
	if c.HistoricalWeight < 0 || c.RecentWeight < 0 || c.KnownRiskWeight < 0 {
		return errors.New("slippage weights must be >= 0")
	}
	if c.ScoreFullScaleBps <= 0 {
		return errors.New("slippage.scoreFullScaleBps must be > 0")
	}
	return nil
}

// SlippageSample 一次实际成交的滑点观测。Slippage 为相对基准价的比例，符号忽略。
type SlippageSample struct {
	Instrument string       `json:"instrument"`
	Slippage   float64      `json:"slippage"`
	Favorable  bool         `json:"favorable"`
	Side       gateway.Side `json:"side"`
	Size       float64      `json:"size"`
	Spread     float64      `json:"spread"`
	Volatility float64      `json:"volatility"`
	Timestamp  time.Time    `json:"timestamp"` // 零值取当前时间
}

// SlippageRecord 入库后的样本，附带 UTC 时间分解。
type SlippageRecord struct {
	SlippageSample
	Bps     float64      `json:"bps"`
	Hour    int          `json:"hour"`
	Minute  int          `json:"minute"`
	Weekday time.Weekday `json:"weekday"`
	Period  string       `json:"period"`
	Level   Level        `json:"level"`
}

// PeriodStat 单个时间桶的聚合。
type PeriodStat struct {
	Count int     `json:"count"`
	Sum   float64 `json:"-"`
	Avg   float64 `json:"avg"`
	Max   float64 `json:"max"`
	Min   float64 `json:"min"`
}

func (p *PeriodStat) add(v float64) {
	if p.Count == 0 || v > p.Max {
		p.Max = v
	}
	if p.Count == 0 || v < p.Min {
		p.Min = v
	}
	p.Count++
	p.Sum += v
	p.Avg = p.Sum / float64(p.Count)
}

type instrumentState struct {
	records []SlippageRecord
	periods map[string]*PeriodStat
	recent  []float64
	trend   SlippageTrend
}

// SlippageDeps 模型依赖
type SlippageDeps struct {
	Clock   clock.Clock
	Logger  *zap.Logger
	Bus     *events.Bus
	Monitor *monitor.Monitor
	Alerts  *alert.Manager
}

// SlippageModel 记录实际滑点，按时间桶统计并给出实时风险与执行时机建议。
type SlippageModel struct {
	cfg      SlippageConfig
	clock    clock.Clock
	logger   *zap.Logger
	emitter  events.Emitter
	monitor  *monitor.Monitor
	alerts   *alert.Manager
	throttle *alert.Throttler

	mu    sync.RWMutex
	state map[string]*instrumentState
}

// NewSlippageModel 创建模型
func NewSlippageModel(cfg SlippageConfig, deps SlippageDeps) (*SlippageModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid slippage config: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := clock.OrDefault(deps.Clock)
	return &SlippageModel{
		cfg:      cfg,
		clock:    clk,
		logger:   logger.Named("slippage"),
		emitter:  events.NewEmitter(deps.Bus, "slippage_model"),
		monitor:  deps.Monitor,
		alerts:   deps.Alerts,
		throttle: alert.NewThrottler(cfg.WarningInterval, clk),
		state:    make(map[string]*instrumentState),
	}, nil
}

// Config 返回只读配置
func (m *SlippageModel) Config() SlippageConfig { return m.cfg }

// PeriodKey 按配置粒度计算时间桶。
func (m *SlippageModel) PeriodKey(hour, minute int) string {
	return PeriodKey(hour, minute, m.cfg.Granularity)
}

// KnownRisks 按配置窗口判定 t 是否处于已知风险时段。
func (m *SlippageModel) KnownRisks(t time.Time) []KnownRisk {
	return KnownRisks(t, m.cfg.FundingWindow, m.cfg.MarketOpenWindow)
}

// slippageScore 滑点(比例)映射到 0-100。
func (m *SlippageModel) slippageScore(slippage float64) float64 {
	return math.Min(100, slippage*1e4/m.cfg.ScoreFullScaleBps*100)
}

// RecordSlippage 记录一个样本：更新历史、时间桶、近期窗口与趋势；
// 样本本身达到 high 及以上时按品种限流发出告警。
func (m *SlippageModel) RecordSlippage(s SlippageSample) (SlippageRecord, error) {
	if s.Instrument == "" {
		return SlippageRecord{}, errors.New("slippage sample without instrument")
	}
	if math.IsNaN(s.Slippage) || math.IsInf(s.Slippage, 0) {
		return SlippageRecord{}, fmt.Errorf("invalid slippage %v", s.Slippage)
	}
	s.Slippage = math.Abs(s.Slippage)
	if s.Timestamp.IsZero() {
		s.Timestamp = m.clock.Now()
	}
	s.Timestamp = s.Timestamp.UTC()

	rec := SlippageRecord{
		SlippageSample: s,
		Bps:            s.Slippage * 1e4,
		Hour:           s.Timestamp.Hour(),
		Minute:         s.Timestamp.Minute(),
		Weekday:        s.Timestamp.Weekday(),
		Period:         m.PeriodKey(s.Timestamp.Hour(), s.Timestamp.Minute()),
		Level:          ScoreToLevel(m.slippageScore(s.Slippage)),
	}

	m.mu.Lock()
	st, ok := m.state[s.Instrument]
	if !ok {
		st = &instrumentState{periods: make(map[string]*PeriodStat), trend: TrendStable}
		m.state[s.Instrument] = st
	}
	st.records = append(st.records, rec)
	stat, ok := st.periods[rec.Period]
	if !ok {
		stat = &PeriodStat{}
		st.periods[rec.Period] = stat
	}
	stat.add(s.Slippage)
	st.recent = append(st.recent, s.Slippage)
	if len(st.recent) > m.cfg.RecentWindow {
		st.recent = st.recent[len(st.recent)-m.cfg.RecentWindow:]
	}
	st.trend = m.computeTrend(st.recent)
	m.pruneLocked(st, m.clock.Now())
	trend := st.trend
	m.mu.Unlock()

	m.monitor.RecordSlippageSample(s.Instrument, string(rec.Level))

	if rec.Level.AtLeast(LevelHigh) && m.throttle.Allow(s.Instrument) {
		m.logger.Warn("high slippage recorded",
			zap.String("instrument", s.Instrument),
			zap.Float64("bps", rec.Bps),
			zap.String("level", string(rec.Level)),
			zap.String("trend", string(trend)))
		m.emitter.Emit(events.SlippageWarning, s.Instrument, s.Timestamp, rec)
		_ = m.alerts.Warn("slippage", "slippage:"+s.Instrument, "high slippage recorded", map[string]interface{}{
			"instrument": s.Instrument,
			"bps":        rec.Bps,
			"level":      string(rec.Level),
		})
	}
	return rec, nil
}

func (m *SlippageModel) computeTrend(recent []float64) SlippageTrend {
	n := m.cfg.TrendSamples
	if len(recent) < 2*n {
		return TrendStable
	}
	last := mean(recent[len(recent)-n:])
	prior := mean(recent[len(recent)-2*n : len(recent)-n])
	if prior == 0 {
		if last > 0 {
			return TrendIncreasing
		}
		return TrendStable
	}
	change := (last - prior) / prior
	switch {
	case change > m.cfg.TrendThreshold:
		return TrendIncreasing
	case change < -m.cfg.TrendThreshold:
		return TrendDecreasing
	}
	return TrendStable
}

// pruneLocked 淘汰超出保留期的样本并重建时间桶。
func (m *SlippageModel) pruneLocked(st *instrumentState, now time.Time) {
	cut := now.Add(-m.cfg.Retention)
	i := 0
	for i < len(st.records) && st.records[i].Timestamp.Before(cut) {
		i++
	}
	if i == 0 {
		return
	}
	st.records = append([]SlippageRecord(nil), st.records[i:]...)
	st.periods = make(map[string]*PeriodStat)
	for _, r := range st.records {
		stat, ok := st.periods[r.Period]
		if !ok {
			stat = &PeriodStat{}
			st.periods[r.Period] = stat
		}
		stat.add(r.Slippage)
	}
}

func (m *SlippageModel) periodStat(instrument, period string) PeriodStat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.state[instrument]
	if !ok {
		return PeriodStat{}
	}
	if p, ok := st.periods[period]; ok {
		return *p
	}
	return PeriodStat{}
}

// SlippageStats 品种汇总统计。
type SlippageStats struct {
	Instrument     string        `json:"instrument"`
	Count          int           `json:"count"`
	AvgBps         float64       `json:"avgBps"`
	MaxBps         float64       `json:"maxBps"`
	MinBps         float64       `json:"minBps"`
	RecentAvgBps   float64       `json:"recentAvgBps"`
	RecentSamples  int           `json:"recentSamples"`
	FavorableCount int           `json:"favorableCount"`
	Trend          SlippageTrend `json:"trend"`
}

// Statistics 返回品种汇总统计。
func (m *SlippageModel) Statistics(instrument string) SlippageStats {
	out := SlippageStats{Instrument: instrument, Trend: TrendStable}
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.state[instrument]
	if !ok || len(st.records) == 0 {
		return out
	}
	var agg PeriodStat
	for _, r := range st.records {
		agg.add(r.Slippage)
		if r.Favorable {
			out.FavorableCount++
		}
	}
	out.Count = agg.Count
	out.AvgBps = agg.Avg * 1e4
	out.MaxBps = agg.Max * 1e4
	out.MinBps = agg.Min * 1e4
	out.RecentSamples = len(st.recent)
	out.RecentAvgBps = mean(st.recent) * 1e4
	out.Trend = st.trend
	return out
}

// Instruments 已有样本的品种。
func (m *SlippageModel) Instruments() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.state))
	for k := range m.state {
		out = append(out, k)
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}
