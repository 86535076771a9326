package algo

import (
	"math"

	"exec-alpha-go/internal/clock"
	"exec-alpha-go/market"
)

// SplitStrategy 冰山拆单方式。
type SplitStrategy string

const (
	SplitStrategyFixed      SplitStrategy = "fixed"
	SplitStrategyPercentage SplitStrategy = "percentage"
	SplitStrategyLiquidity  SplitStrategy = "liquidity"
	SplitStrategyAdaptive   SplitStrategy = "adaptive"
	SplitStrategyRandom     SplitStrategy = "random"
)

// DisplayStrategy 子单可见数量策略。
type DisplayStrategy string

const (
	DisplayFixed   DisplayStrategy = "fixed"
	DisplayRandom  DisplayStrategy = "random"
	DisplayDynamic DisplayStrategy = "dynamic"
)

// MaxChunks 单次拆单的块数上限。
const MaxChunks = 10000

// SplitFixed 按固定块大小拆分：ceil(total/chunk) 块，只有最后一块可能更小。
// 块数超过 MaxChunks 时放大块大小。
func SplitFixed(total, chunk float64) []float64 {
	if total <= 0 {
		return nil
	}
	if chunk <= 0 || chunk >= total {
		return []float64{total}
	}
	chunk = math.Max(chunk, total/MaxChunks)
	n := int(math.Ceil(total/chunk - sizeEpsilon))
	out := make([]float64, n)
	for i := 0; i < n-1; i++ {
		out[i] = chunk
	}
	out[n-1] = total - chunk*float64(n-1)
	return out
}

// SplitPercentage 块大小为 total*pct。
func SplitPercentage(total, pct float64) []float64 {
	return SplitFixed(total, total*pct)
}

// SplitLiquidity 块大小约为可见深度的 5%，价差过宽时减半，限制在 [total/50, total/5]。
func SplitLiquidity(total, depth, spreadBps, wideSpreadBps float64) []float64 {
	chunk := total / 10
	if depth > 0 {
		chunk = depth * 0.05
		if wideSpreadBps > 0 && spreadBps > wideSpreadBps {
			chunk *= 0.5
		}
	}
	chunk = math.Max(total/50, math.Min(total/5, chunk))
	return SplitFixed(total, chunk)
}

func urgencyFactor(u market.Urgency) float64 {
	switch u {
	case market.UrgencyLow:
		return 0.7
	case market.UrgencyHigh:
		return 1.3
	case market.UrgencyCritical:
		return 1.6
	}
	return 1
}

// SplitAdaptive 以 basePct 为基准，紧迫度放大、波动率缩小、流动性线性调整，占比限制在 [2%, 50%]。
func SplitAdaptive(total, basePct, volatility, liquidity float64, urgency market.Urgency) []float64 {
	vol := math.Min(volatility/0.01, 1)
	liq := math.Max(0, math.Min(1, liquidity))
	pct := basePct * urgencyFactor(urgency) * (1 - 0.5*vol) * (0.5 + liq)
	pct = math.Max(0.02, math.Min(0.5, pct))
	return SplitPercentage(total, pct)
}

// SplitRandom 围绕 total*pct 上下抖动 spread；剩余量不足一个最小块时并入当前块。
func SplitRandom(total, pct, spread float64, r clock.Rand) []float64 {
	if total <= 0 {
		return nil
	}
	target := total * pct
	if target <= 0 || target >= total {
		return []float64{total}
	}
	target = math.Max(target, total/MaxChunks)
	minChunk := target * (1 - spread)
	var out []float64
	remaining := total
	for remaining > sizeEpsilon {
		c := math.Min(remaining, clock.Jitter(r, target, spread))
		if remaining-c < minChunk {
			c = remaining
		}
		out = append(out, c)
		remaining -= c
	}
	return out
}

// DisplaySize 子单可见数量，不超过子单数量；dynamic 需要对手盘（无盘口时退化为 fixed）。
func DisplaySize(child float64, strategy DisplayStrategy, display, spread float64, opposing []market.Level, r clock.Rand) float64 {
	base := child
	if display > 0 {
		base = math.Min(child, display)
	}
	switch strategy {
	case DisplayRandom:
		return math.Min(child, clock.Jitter(r, base, spread))
	case DisplayDynamic:
		if top := market.TopVolume(opposing, 5); top > 0 {
			return math.Min(base, top*0.05)
		}
	}
	return base
}

// antiDetect 最近 k 个子单都与 size 相差不到 tolerance 时加 ±jitter 抖动。
func antiDetect(size float64, recent []float64, k int, tolerance, jitter float64, r clock.Rand) float64 {
	if k <= 0 || len(recent) < k || size <= 0 {
		return size
	}
	for _, prev := range recent[len(recent)-k:] {
		if math.Abs(prev-size)/size > tolerance {
			return size
		}
	}
	return clock.Jitter(r, size, jitter)
}
