package engine

import (
	"errors"
	"math"
	"time"

	"exec-alpha-go/market"
	"exec-alpha-go/risk"
)

// SizeThresholds size/日成交量 的分档上界。
type SizeThresholds struct {
	Tiny   float64 `yaml:"tiny"`
	Small  float64 `yaml:"small"`
	Medium float64 `yaml:"medium"`
	Large  float64 `yaml:"large"`
}

// Config 路由器配置
type Config struct {
	SizeThresholds SizeThresholds `yaml:"sizeThresholds"`

	TWAPDuration  time.Duration `yaml:"twapDuration"`
	VWAPDuration  time.Duration `yaml:"vwapDuration"`
	SliceCount    int           `yaml:"sliceCount"`
	IcebergShare  float64       `yaml:"icebergShare"` // adaptive 中冰山部分的占比
	MaxSlippage   float64       `yaml:"maxSlippage"`  // 订单未指定时的默认值
	MaxDelay      time.Duration `yaml:"maxDelay"`     // low 紧迫度下实际等待的上限
	TrendLookback time.Duration `yaml:"trendLookback"`
	OptimalWithin time.Duration `yaml:"optimalWithin"`
	HistoryLimit  int           `yaml:"historyLimit"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		SizeThresholds: SizeThresholds{
			Tiny:   0.0005,
			Small:  0.002,
			Medium: 0.01,
			Large:  0.05,
		},
		TWAPDuration:  30 * time.Minute,
		VWAPDuration:  time.Hour,
		SliceCount:    10,
		IcebergShare:  0.7,
		MaxSlippage:   0.005,
		MaxDelay:      30 * time.Minute,
		TrendLookback: 5 * time.Minute,
		OptimalWithin: 24 * time.Hour,
		HistoryLimit:  100,
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	t := c.SizeThresholds
	if !(t.Tiny > 0 && t.Tiny < t.Small && t.Small < t.Medium && t.Medium < t.Large) {
		return errors.New("router: size thresholds must be positive and strictly increasing")
	}
	if c.TWAPDuration <= 0 || c.VWAPDuration <= 0 || c.SliceCount <= 0 {
		return errors.New("router: twap/vwap duration and slice count must be > 0")
	}
	if c.IcebergShare <= 0 || c.IcebergShare >= 1 {
		return errors.New("router: icebergShare must be in (0,1)")
	}
	if c.MaxSlippage <= 0 {
		return errors.New("router: maxSlippage must be > 0")
	}
	if c.MaxDelay < 0 || c.TrendLookback <= 0 {
		return errors.New("router: maxDelay must be >= 0 and trendLookback > 0")
	}
	return nil
}

// ClassifyOrderSize 按 size/日成交量 分档；日成交量未知时归为 medium。
func ClassifyOrderSize(size, dailyVolume float64, t SizeThresholds) SizeClass {
	if dailyVolume <= 0 {
		return SizeMedium
	}
	ratio := size / dailyVolume
	switch {
	case ratio < t.Tiny:
		return SizeTiny
	case ratio < t.Small:
		return SizeSmall
	case ratio < t.Medium:
		return SizeMedium
	case ratio < t.Large:
		return SizeLarge
	}
	return SizeVeryLarge
}

// LiquidityScore 流动性等级映射到 0-100，越高越危险。
func LiquidityScore(l market.LiquidityLevel) float64 {
	switch l {
	case market.LiquidityVeryHigh:
		return 10
	case market.LiquidityHigh:
		return 30
	case market.LiquidityLow:
		return 70
	case market.LiquidityVeryLow:
		return 90
	}
	return 50
}

// ImpactScore 冲击等级映射到 0-100；无盘口时取中性 50。
func ImpactScore(impact *market.ImpactEstimate) float64 {
	if impact == nil {
		return 50
	}
	switch impact.Level {
	case market.ImpactLow:
		return 10
	case market.ImpactMedium:
		return 40
	case market.ImpactHigh:
		return 70
	}
	return 100
}

// AggregateRiskLevel 三项分数的均值按 20/40/60/80 分档。
func AggregateRiskLevel(liquidityScore, slippageScore, impactScore float64) (risk.Level, float64) {
	clamp := func(v float64) float64 { return math.Max(0, math.Min(100, v)) }
	score := (clamp(liquidityScore) + clamp(slippageScore) + clamp(impactScore)) / 3
	switch {
	case score < 20:
		return risk.LevelVeryLow, score
	case score < 40:
		return risk.LevelLow, score
	case score < 60:
		return risk.LevelMedium, score
	case score < 80:
		return risk.LevelHigh, score
	}
	return risk.LevelVeryHigh, score
}

// SelectStrategy 按顺序规则选择策略；订单显式指定非 auto 策略时直接采用。
func SelectStrategy(a MarketAnalysis, o Order) Strategy {
	if o.Strategy != "" && o.Strategy != StrategyAuto {
		return o.Strategy
	}
	if o.Urgency == market.UrgencyCritical {
		return StrategyDirect
	}
	size := a.SizeClass
	liq := a.Liquidity.Level
	switch {
	case size == SizeTiny:
		return StrategyDirect
	case size == SizeSmall && (liq == market.LiquidityHigh || liq == market.LiquidityVeryHigh):
		return StrategyDirect
	case a.Impact != nil && (a.Impact.Level == market.ImpactExtreme || a.Impact.Level == market.ImpactHigh):
		return StrategyIceberg
	case liq == market.LiquidityVeryLow:
		return StrategyIceberg
	case (size == SizeMedium || size == SizeLarge) &&
		(a.SlippageRisk.Level == risk.LevelHigh || a.SlippageRisk.Level == risk.LevelVeryHigh):
		return StrategyTWAP
	case (size == SizeLarge || size == SizeVeryLarge) && o.Urgency == market.UrgencyLow:
		return StrategyVWAP
	case size == SizeMedium:
		return StrategyTWAP
	}
	return StrategyDirect
}
