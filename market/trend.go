package market

import "time"

const (
	trendRiseThreshold = 0.1
	trendFallThreshold = -0.05
)

// AnalyzeTrend 比较 lookback 内最早与最新历史点的深度/价差变化。
// 买盘增厚且卖盘变薄视为 bullish，反之 bearish；样本不足 2 个返回 insufficient_data。
func (a *Analyzer) AnalyzeTrend(instrument string, lookback time.Duration) TrendAnalysis {
	if lookback <= 0 {
		lookback = a.cfg.TrendWindow
	}
	out := TrendAnalysis{Trend: TrendInsufficientData, Lookback: lookback}
	cut := a.clock.Now().Add(-lookback)

	a.mu.RLock()
	var window []depthPoint
	for _, p := range a.history[instrument] {
		if !p.ts.Before(cut) {
			window = append(window, p)
		}
	}
	a.mu.RUnlock()

	out.Samples = len(window)
	if len(window) < 2 {
		return out
	}
	first, last := window[0], window[len(window)-1]
	out.BidDepthChange = relChange(first.bidDepth, last.bidDepth)
	out.AskDepthChange = relChange(first.askDepth, last.askDepth)
	out.SpreadChange = relChange(first.spread, last.spread)
	out.MidChange = relChange(first.mid, last.mid)

	switch {
	case out.BidDepthChange > trendRiseThreshold && out.AskDepthChange < trendFallThreshold:
		out.Trend = TrendBullish
	case out.AskDepthChange > trendRiseThreshold && out.BidDepthChange < trendFallThreshold:
		out.Trend = TrendBearish
	default:
		out.Trend = TrendNeutral
	}
	return out
}

func relChange(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	return (to - from) / from
}
