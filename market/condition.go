package market

// ConditionReport 实时市场状态及其依据。
type ConditionReport struct {
	Instrument  string    `json:"instrument"`
	Condition   Condition `json:"condition"`
	Volatility  float64   `json:"volatility"`
	SpreadBps   float64   `json:"spreadBps"`
	DepthVolume float64   `json:"depthVolume"`
	Trend       Trend     `json:"trend"`
}

// conditionInputs 判定所需的观测值。
type conditionInputs struct {
	volatility  float64
	spreadBps   float64
	depthVolume float64
	trend       Trend
}

// detectCondition 优先级：volatile > low_liquidity > trending > normal。
func (c Config) detectCondition(in conditionInputs) Condition {
	if in.volatility >= c.VolatileThreshold && c.VolatileThreshold > 0 {
		return ConditionVolatile
	}
	if c.WideSpreadBps > 0 && in.spreadBps >= c.WideSpreadBps {
		return ConditionLowLiquidity
	}
	if c.LowLiquidityMinDepth > 0 && in.depthVolume < c.LowLiquidityMinDepth {
		return ConditionLowLiquidity
	}
	if in.trend == TrendBullish || in.trend == TrendBearish {
		return ConditionTrending
	}
	return ConditionNormal
}

// MarketCondition 综合波动率、价差、深度与短期趋势判定市场状态；
// 没有新鲜快照时为 unknown。
func (a *Analyzer) MarketCondition(instrument string) ConditionReport {
	out := ConditionReport{Instrument: instrument, Condition: ConditionUnknown, Trend: TrendInsufficientData}
	book, ok := a.FreshOrderBook(instrument)
	if !ok || book.Empty() {
		return out
	}
	bid, ask := book.Best()
	if bid > 0 && ask > bid {
		out.SpreadBps = (ask - bid) / ((ask + bid) / 2) * 1e4
	}
	out.DepthVolume = TopVolume(book.Bids, a.cfg.DepthLevels) + TopVolume(book.Asks, a.cfg.DepthLevels)
	out.Volatility = a.Volatility(instrument)
	out.Trend = a.AnalyzeTrend(instrument, a.cfg.TrendWindow).Trend
	out.Condition = a.cfg.detectCondition(conditionInputs{
		volatility:  out.Volatility,
		spreadBps:   out.SpreadBps,
		depthVolume: out.DepthVolume,
		trend:       out.Trend,
	})
	return out
}
