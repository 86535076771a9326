package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"exec-alpha-go/gateway"
	"exec-alpha-go/market"
	"exec-alpha-go/risk"
)

var (
	ErrInvalidOrder       = errors.New("engine: invalid order")
	ErrNoMarketPrice      = errors.New("engine: no market price")
	ErrUnknownExecution   = errors.New("engine: unknown execution")
	ErrExecutionCancelled = errors.New("engine: execution canceled")
)

// Strategy 执行策略
type Strategy string

const (
	StrategyAuto     Strategy = "auto"
	StrategyDirect   Strategy = "direct"
	StrategyTWAP     Strategy = "twap"
	StrategyVWAP     Strategy = "vwap"
	StrategyIceberg  Strategy = "iceberg"
	StrategyAdaptive Strategy = "adaptive"
)

// ParseStrategy 解析策略名，空串视为 auto。
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case "":
		return StrategyAuto, nil
	case StrategyAuto, StrategyDirect, StrategyTWAP, StrategyVWAP, StrategyIceberg, StrategyAdaptive:
		return st, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// SizeClass 订单规模分类（相对日成交量）。
type SizeClass string

const (
	SizeTiny      SizeClass = "tiny"
	SizeSmall     SizeClass = "small"
	SizeMedium    SizeClass = "medium"
	SizeLarge     SizeClass = "large"
	SizeVeryLarge SizeClass = "very_large"
)

// Order 待执行订单。
type Order struct {
	ID          string         `json:"id,omitempty"` // 空时自动生成
	Exchange    string         `json:"exchange"`
	Instrument  string         `json:"instrument"`
	Side        gateway.Side   `json:"side"`
	Size        float64        `json:"size"`
	Urgency     market.Urgency `json:"urgency"`
	MaxSlippage float64        `json:"maxSlippage"`
	LimitPrice  float64        `json:"limitPrice"`
	Strategy    Strategy       `json:"strategy"`
	Duration    time.Duration  `json:"duration"`   // 定时切片时长，0 取配置
	SliceCount  int            `json:"sliceCount"` // 0 取配置
}

// Validate 基础校验
func (o Order) Validate() error {
	if o.Instrument == "" {
		return fmt.Errorf("%w: instrument required", ErrInvalidOrder)
	}
	if !o.Side.Valid() {
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, o.Side)
	}
	if o.Size <= 0 {
		return fmt.Errorf("%w: size must be > 0", ErrInvalidOrder)
	}
	if o.MaxSlippage < 0 || o.LimitPrice < 0 || o.Duration < 0 || o.SliceCount < 0 {
		return fmt.Errorf("%w: negative option", ErrInvalidOrder)
	}
	if _, err := market.ParseUrgency(string(o.Urgency)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	if _, err := ParseStrategy(string(o.Strategy)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	return nil
}

// MarketAnalysis 执行前的市场分析。盘口缺失时 Depth/Impact 为空，流动性以日成交量为准。
type MarketAnalysis struct {
	Instrument   string                     `json:"instrument"`
	Timestamp    time.Time                  `json:"timestamp"`
	Depth        *market.DepthAnalysis      `json:"depth,omitempty"`
	Liquidity    market.LiquidityAssessment `json:"liquidity"`
	Impact       *market.ImpactEstimate     `json:"impact,omitempty"`
	OptimalPrice market.OptimalPrice        `json:"optimalPrice"`
	Trend        market.TrendAnalysis       `json:"trend"`
	Condition    market.ConditionReport     `json:"condition"`
	SlippageRisk risk.Assessment            `json:"slippageRisk"`
	OptimalTime  risk.OptimalTime           `json:"optimalTime"`
	SizeClass    SizeClass                  `json:"sizeClass"`
	RiskLevel    risk.Level                 `json:"riskLevel"`
	RiskScore    float64                    `json:"riskScore"`
}

// MarketContext 执行记录中保留的精简市场上下文。
type MarketContext struct {
	MidPrice     float64               `json:"midPrice"`
	SpreadBps    float64               `json:"spreadBps"`
	Liquidity    market.LiquidityLevel `json:"liquidity"`
	Impact       market.ImpactLevel    `json:"impact,omitempty"`
	Condition    market.Condition      `json:"condition"`
	Trend        market.Trend          `json:"trend"`
	SlippageRisk risk.Level            `json:"slippageRisk"`
	RiskLevel    risk.Level            `json:"riskLevel"`
	SizeClass    SizeClass             `json:"sizeClass"`
}

// ExecutionStatus 订单级执行结果。
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionPartial   ExecutionStatus = "partial"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCanceled  ExecutionStatus = "canceled"
)

// ExecutionResult 一次订单级执行的结果，写入历史后不再修改。
// ExecutedSize+RemainingSize 恒等于 RequestedSize。
type ExecutionResult struct {
	ID               string          `json:"id"`
	Order            Order           `json:"order"`
	Strategy         Strategy        `json:"strategy"`
	Status           ExecutionStatus `json:"status"`
	Success          bool            `json:"success"`
	RequestedSize    float64         `json:"requestedSize"`
	ExecutedSize     float64         `json:"executedSize"`
	RemainingSize    float64         `json:"remainingSize"`
	AvgPrice         float64         `json:"avgPrice"`
	BenchmarkPrice   float64         `json:"benchmarkPrice"`
	Slippage         float64         `json:"slippage"` // 不利为正
	SlippageBps      float64         `json:"slippageBps"`
	TaskIDs          []string        `json:"taskIds,omitempty"`
	IcebergIDs       []string        `json:"icebergIds,omitempty"`
	DelayRecommended bool            `json:"delayRecommended"`
	Delayed          time.Duration   `json:"delayed"`
	Context          MarketContext   `json:"context"`
	StartedAt        time.Time       `json:"startedAt"`
	CompletedAt      time.Time       `json:"completedAt"`
	Error            string          `json:"error,omitempty"`
}

// ActiveExecution 进行中的执行。
type ActiveExecution struct {
	ID         string    `json:"id"`
	Order      Order     `json:"order"`
	Strategy   Strategy  `json:"strategy"`
	TaskIDs    []string  `json:"taskIds,omitempty"`
	IcebergIDs []string  `json:"icebergIds,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	Canceled   bool      `json:"canceled"`
}

// Statistics 路由器累计统计
type Statistics struct {
	TotalExecutions int64              `json:"totalExecutions"`
	Successful      int64              `json:"successful"`
	Failed          int64              `json:"failed"`
	Canceled        int64              `json:"canceled"`
	TotalVolume     float64            `json:"totalVolume"`
	AvgSlippageBps  float64            `json:"avgSlippageBps"` // 按成交量加权
	Delayed         int64              `json:"delayed"`
	ByStrategy      map[Strategy]int64 `json:"byStrategy"`
	Active          int                `json:"active"`
	LastExecution   time.Time          `json:"lastExecution"`
}
