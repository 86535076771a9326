package market

// AssessLiquidity 评估订单规模相对市场的流动性。
// 已知日成交量时按 size/日成交量 分档，否则退化为 size/可见深度；两者皆无则返回 Available=false。
func (a *Analyzer) AssessLiquidity(instrument string, orderSize float64, depth *DepthAnalysis) LiquidityAssessment {
	out := LiquidityAssessment{Level: LiquidityUnknown, Basis: "none"}
	if orderSize <= 0 {
		return out
	}
	if depth != nil {
		if depth.Bids.Volume > 0 {
			out.BidAbsorbRatio = orderSize / depth.Bids.Volume
		}
		if depth.Asks.Volume > 0 {
			out.AskAbsorbRatio = orderSize / depth.Asks.Volume
		}
	}

	dv := a.DailyVolume(instrument)
	out.DailyVolume = dv
	switch {
	case dv > 0:
		out.OrderRatio = orderSize / dv
		out.Level = classifyLiquidity(out.OrderRatio, a.cfg.VolumeThresholds)
		out.Basis = "daily_volume"
	case depth != nil && visibleDepth(depth) > 0:
		out.OrderRatio = orderSize / visibleDepth(depth)
		out.Level = classifyLiquidity(out.OrderRatio, a.cfg.DepthThresholds)
		out.Basis = "depth"
	default:
		return out
	}
	out.Available = true
	out.RiskLevel = out.Level.Rank()
	return out
}

// visibleDepth 取较薄一侧的前 N 档量。
func visibleDepth(d *DepthAnalysis) float64 {
	switch {
	case d.Bids.Volume <= 0:
		return d.Asks.Volume
	case d.Asks.Volume <= 0:
		return d.Bids.Volume
	case d.Bids.Volume < d.Asks.Volume:
		return d.Bids.Volume
	}
	return d.Asks.Volume
}

func classifyLiquidity(ratio float64, t LiquidityThresholds) LiquidityLevel {
	switch {
	case ratio <= t.VeryHigh:
		return LiquidityVeryHigh
	case ratio <= t.High:
		return LiquidityHigh
	case ratio <= t.Medium:
		return LiquidityMedium
	case ratio <= t.Low:
		return LiquidityLow
	}
	return LiquidityVeryLow
}
