package market

import (
	"fmt"
	"strings"
	"time"

	"exec-alpha-go/gateway"
)

// LiquidityLevel 流动性等级（相对订单规模）。
type LiquidityLevel string

const (
	LiquidityVeryHigh LiquidityLevel = "very_high"
	LiquidityHigh     LiquidityLevel = "high"
	LiquidityMedium   LiquidityLevel = "medium"
	LiquidityLow      LiquidityLevel = "low"
	LiquidityVeryLow  LiquidityLevel = "very_low"
	LiquidityUnknown  LiquidityLevel = "unknown"
)

// Rank 质量排名：1 最好，5 最差，未知为 0。
func (l LiquidityLevel) Rank() int {
	switch l {
	case LiquidityVeryHigh:
		return 1
	case LiquidityHigh:
		return 2
	case LiquidityMedium:
		return 3
	case LiquidityLow:
		return 4
	case LiquidityVeryLow:
		return 5
	}
	return 0
}

// ImpactLevel 冲击成本等级。
type ImpactLevel string

const (
	ImpactLow     ImpactLevel = "low"
	ImpactMedium  ImpactLevel = "medium"
	ImpactHigh    ImpactLevel = "high"
	ImpactExtreme ImpactLevel = "extreme"
)

// Trend 短期盘口趋势。
type Trend string

const (
	TrendBullish          Trend = "bullish"
	TrendBearish          Trend = "bearish"
	TrendNeutral          Trend = "neutral"
	TrendInsufficientData Trend = "insufficient_data"
)

// Condition 实时市场状态，供执行算法动态调整。
type Condition string

const (
	ConditionNormal       Condition = "normal"
	ConditionVolatile     Condition = "volatile"
	ConditionLowLiquidity Condition = "low_liquidity"
	ConditionTrending     Condition = "trending"
	ConditionUnknown      Condition = "unknown"
)

// Urgency 执行紧迫度。
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// ParseUrgency 解析紧迫度，空串视为 medium。
func ParseUrgency(s string) (Urgency, error) {
	switch u := Urgency(strings.ToLower(strings.TrimSpace(s))); u {
	case "":
		return UrgencyMedium, nil
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return u, nil
	}
	return "", fmt.Errorf("unknown urgency %q", s)
}

// Score 把紧迫度映射到 [0,1]。
func (u Urgency) Score() float64 {
	switch u {
	case UrgencyLow:
		return 0.2
	case UrgencyHigh:
		return 0.8
	case UrgencyCritical:
		return 1
	}
	return 0.5
}

// PriceStrategy 最优价格策略。
type PriceStrategy string

const (
	PriceAggressive PriceStrategy = "aggressive"
	PricePassive    PriceStrategy = "passive"
	PriceBalanced   PriceStrategy = "balanced"
)

// SideDepth 单边前 N 档聚合。
type SideDepth struct {
	Levels   int     `json:"levels"`
	Volume   float64 `json:"volume"`
	Value    float64 `json:"value"`
	AvgPrice float64 `json:"avgPrice"`
}

// Pressure 买卖压力。
type Pressure struct {
	Buy       float64 `json:"buy"`       // 买方挂单量
	Sell      float64 `json:"sell"`      // 卖方挂单量
	Ratio     float64 `json:"ratio"`     // buy/sell，卖方为空时为 0
	Imbalance float64 `json:"imbalance"` // (buy-sell)/(buy+sell)
}

// LiquidityBand 距中间价若干 bps 以内的挂单量。
type LiquidityBand struct {
	WithinBps float64 `json:"withinBps"`
	BidVolume float64 `json:"bidVolume"`
	AskVolume float64 `json:"askVolume"`
}

// DepthAnalysis 由快照派生的深度分析，不存储。
type DepthAnalysis struct {
	Instrument     string          `json:"instrument"`
	Timestamp      time.Time       `json:"timestamp"`
	BestBid        float64         `json:"bestBid"`
	BestAsk        float64         `json:"bestAsk"`
	MidPrice       float64         `json:"midPrice"`
	Spread         float64         `json:"spread"`
	SpreadBps      float64         `json:"spreadBps"`
	Bids           SideDepth       `json:"bids"`
	Asks           SideDepth       `json:"asks"`
	Pressure       Pressure        `json:"pressure"`
	LiquidityBands []LiquidityBand `json:"liquidityBands"`
}

// LiquidityAssessment 流动性评估。
type LiquidityAssessment struct {
	Available      bool           `json:"available"`
	Level          LiquidityLevel `json:"level"`
	OrderRatio     float64        `json:"orderRatio"` // size/dailyVolume，无日成交量时为 size/可见深度
	DailyVolume    float64        `json:"dailyVolume"`
	BidAbsorbRatio float64        `json:"bidAbsorbRatio"`
	AskAbsorbRatio float64        `json:"askAbsorbRatio"`
	RiskLevel      int            `json:"riskLevel"` // 1-5
	Basis          string         `json:"basis"`     // daily_volume / depth / none
}

// ImpactEstimate 吃单模拟结果。不变量：FilledSize+RemainingSize==请求数量。
type ImpactEstimate struct {
	Side          gateway.Side `json:"side"`
	OrderSize     float64      `json:"orderSize"`
	BestPrice     float64      `json:"bestPrice"`
	AvgFillPrice  float64      `json:"avgFillPrice"`
	WorstPrice    float64      `json:"worstPrice"`
	ImpactCost    float64      `json:"impactCost"` // 比例，1 表示 100%
	ImpactBps     float64      `json:"impactBps"`
	FilledLevels  int          `json:"filledLevels"`
	FilledSize    float64      `json:"filledSize"`
	RemainingSize float64      `json:"remainingSize"`
	FillRatio     float64      `json:"fillRatio"`
	Level         ImpactLevel  `json:"level"`
	CanExecute    bool         `json:"canExecute"`
}

// OptimalPrice 建议价格。
type OptimalPrice struct {
	Available         bool          `json:"available"`
	Strategy          PriceStrategy `json:"strategy"`
	Price             float64       `json:"price"`
	ExpectedFillRatio float64       `json:"expectedFillRatio"`
	Reason            string        `json:"reason"`
}

// TrendAnalysis 短期趋势。
type TrendAnalysis struct {
	Trend          Trend         `json:"trend"`
	Samples        int           `json:"samples"`
	Lookback       time.Duration `json:"lookback"`
	BidDepthChange float64       `json:"bidDepthChange"`
	AskDepthChange float64       `json:"askDepthChange"`
	SpreadChange   float64       `json:"spreadChange"`
	MidChange      float64       `json:"midChange"`
}
