package market

import (
	"math"
	"time"
)

// VolatilityCalculator 基于中间价序列计算已实现波动率（对数收益标准差）。
// 非并发安全，由 Analyzer 在锁内使用。
type VolatilityCalculator struct {
	windowSize int
	prices     []float64
	times      []time.Time
}

// NewVolatilityCalculator creates a new volatility calculator
func NewVolatilityCalculator(windowSize int) *VolatilityCalculator {
	if windowSize < 2 {
		windowSize = 2
	}
	return &VolatilityCalculator{
		windowSize: windowSize,
		prices:     make([]float64, 0, windowSize),
		times:      make([]time.Time, 0, windowSize),
	}
}

// AddPrice 追加中间价；价格不变时只刷新时间戳，避免静止盘口稀释波动率。
func (v *VolatilityCalculator) AddPrice(mid float64, ts time.Time) {
	if mid <= 0 {
		return
	}
	if n := len(v.prices); n > 0 && v.prices[n-1] == mid {
		v.times[n-1] = ts
		return
	}
	v.prices = append(v.prices, mid)
	v.times = append(v.times, ts)
	if len(v.prices) > v.windowSize {
		v.prices = v.prices[1:]
		v.times = v.times[1:]
	}
}

// RealizedVol 窗口内对数收益的标准差（未年化）。
func (v *VolatilityCalculator) RealizedVol() float64 {
	if len(v.prices) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(v.prices)-1)
	for i := 1; i < len(v.prices); i++ {
		returns = append(returns, math.Log(v.prices[i]/v.prices[i-1]))
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	sq := 0.0
	for _, r := range returns {
		d := r - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(returns)))
}

// RangeRatio 窗口内 (最高-最低)/最低，用于粗略衡量波动幅度。
func (v *VolatilityCalculator) RangeRatio() float64 {
	if len(v.prices) < 2 {
		return 0
	}
	lo, hi := v.prices[0], v.prices[0]
	for _, p := range v.prices[1:] {
		lo = math.Min(lo, p)
		hi = math.Max(hi, p)
	}
	return (hi - lo) / lo
}

// IsReady checks if we have enough data to calculate volatility
func (v *VolatilityCalculator) IsReady() bool {
	return len(v.prices) >= 2
}
