package algo

import (
	"math"
	"time"
)

// Algorithm 定时切片算法。
type Algorithm string

const (
	AlgorithmTWAP     Algorithm = "twap"
	AlgorithmVWAP     Algorithm = "vwap"
	AlgorithmAdaptive Algorithm = "adaptive"
)

// DefaultVolumeCurve 24 小时（UTC）成交量分布，亚洲/欧洲/美国交易时段为峰值。
var DefaultVolumeCurve = [24]float64{
	0.045, 0.040, 0.035, 0.032, 0.030, 0.030, // 00-05
	0.035, 0.042, 0.048, 0.050, 0.046, 0.042, // 06-11
	0.040, 0.045, 0.055, 0.058, 0.052, 0.046, // 12-17
	0.040, 0.036, 0.034, 0.034, 0.036, 0.040, // 18-23
}

// AdaptiveInputs 自适应曲线的市场输入。
type AdaptiveInputs struct {
	Volatility float64 `json:"volatility"` // 已实现波动率
	Liquidity  float64 `json:"liquidity"`  // 0(差)..1(好)
	Trend      float64 `json:"trend"`      // -1..1，正值前置执行
}

// Slice 计划中的一个切片。
type Slice struct {
	Index  int           `json:"index"`
	Size   float64       `json:"size"`
	Offset time.Duration `json:"offset"`
	Weight float64       `json:"weight"` // 归一化权重，全部切片之和为 1
}

func sliceOffsets(duration time.Duration, n int) []time.Duration {
	out := make([]time.Duration, n)
	step := duration / time.Duration(n)
	for i := range out {
		out[i] = time.Duration(i) * step
	}
	return out
}

// buildSlices 按权重分配 total，最后一片吸收舍入误差，保证总和等于 total。
func buildSlices(total float64, offsets []time.Duration, weights []float64) []Slice {
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	out := make([]Slice, len(weights))
	allocated := 0.0
	for i, w := range weights {
		weight := 1 / float64(len(weights))
		if sum > 0 {
			weight = w / sum
		}
		size := total * weight
		if i == len(weights)-1 {
			size = total - allocated
		}
		allocated += size
		out[i] = Slice{Index: i, Size: size, Offset: offsets[i], Weight: weight}
	}
	return out
}

// PlanTWAP 等量等间隔切片。
func PlanTWAP(total float64, duration time.Duration, n int) []Slice {
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1
	}
	return buildSlices(total, sliceOffsets(duration, n), weights)
}

// PlanVWAP 按每个切片所在 UTC 小时的成交量曲线分配。
func PlanVWAP(total float64, start time.Time, duration time.Duration, n int, curve [24]float64) []Slice {
	offsets := sliceOffsets(duration, n)
	weights := make([]float64, n)
	for i, off := range offsets {
		weights[i] = curve[start.Add(off).UTC().Hour()]
	}
	return buildSlices(total, offsets, weights)
}

// PlanAdaptive 趋势决定前置/后置幅度，流动性放大幅度，波动率把曲线拉平。
func PlanAdaptive(total float64, duration time.Duration, n int, in AdaptiveInputs) []Slice {
	trend := math.Max(-1, math.Min(1, in.Trend))
	liq := math.Max(0, math.Min(1, in.Liquidity))
	vol := math.Min(in.Volatility/0.01, 1)
	amp := trend * 0.5 * (0.5 + liq/2) * (1 - 0.5*vol)

	weights := make([]float64, n)
	for i := range weights {
		x := (float64(i) + 0.5) / float64(n)
		weights[i] = math.Max(0.1, 1+amp*(1-2*x))
	}
	return buildSlices(total, sliceOffsets(duration, n), weights)
}

// curveShare 某小时在日成交量中的占比。
func curveShare(curve [24]float64, hour int) float64 {
	sum := 0.0
	for _, v := range curve {
		sum += v
	}
	if sum <= 0 {
		return 1.0 / 24
	}
	return curve[hour] / sum
}
