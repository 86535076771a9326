package market

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"exec-alpha-go/gateway"
)

const sizeEpsilon = 1e-12

// EstimateImpactCost 按价格优先逐档吃单模拟冲击成本。
// 对手盘为空时返回 100% 冲击且 CanExecute=false。
func (a *Analyzer) EstimateImpactCost(instrument string, side gateway.Side, orderSize float64, book *OrderBookSnapshot) ImpactEstimate {
	est := ImpactEstimate{Side: side, OrderSize: orderSize, Level: ImpactLow}
	if orderSize <= 0 {
		est.RemainingSize = orderSize
		return est
	}
	levels := book.Opposing(side)
	if len(levels) == 0 {
		est.ImpactCost = 1
		est.ImpactBps = 1e4
		est.RemainingSize = orderSize
		est.Level = ImpactExtreme
		a.logger.Debug("impact estimate on empty side", zap.String("instrument", instrument), zap.String("side", string(side)))
		return est
	}

	est.BestPrice = levels[0].Price
	remaining := orderSize
	cost := 0.0
	for _, lv := range levels {
		if remaining <= sizeEpsilon {
			break
		}
		take := math.Min(remaining, lv.Volume)
		cost += take * lv.Price
		est.FilledSize += take
		est.FilledLevels++
		est.WorstPrice = lv.Price
		remaining -= take
	}
	est.RemainingSize = orderSize - est.FilledSize
	est.FillRatio = est.FilledSize / orderSize
	if est.FilledSize > 0 {
		est.AvgFillPrice = cost / est.FilledSize
		est.ImpactCost = math.Abs(est.AvgFillPrice-est.BestPrice) / est.BestPrice
		est.ImpactBps = est.ImpactCost * 1e4
	}
	est.Level = a.classifyImpact(est.ImpactCost)
	est.CanExecute = est.RemainingSize <= sizeEpsilon
	return est
}

func (a *Analyzer) classifyImpact(cost float64) ImpactLevel {
	t := a.cfg.ImpactThresholds
	switch {
	case cost <= t.Low:
		return ImpactLow
	case cost <= t.Medium:
		return ImpactMedium
	case cost <= t.High:
		return ImpactHigh
	}
	return ImpactExtreme
}

// PriceStrategyFor 紧迫度到定价策略：high/critical 激进，low 被动，其余均衡。
func PriceStrategyFor(u Urgency) PriceStrategy {
	switch u {
	case UrgencyHigh, UrgencyCritical:
		return PriceAggressive
	case UrgencyLow:
		return PricePassive
	}
	return PriceBalanced
}

// CalculateOptimalPrice 根据紧迫度给出建议限价。
func (a *Analyzer) CalculateOptimalPrice(instrument string, side gateway.Side, orderSize float64, urgency Urgency, book *OrderBookSnapshot) OptimalPrice {
	strategy := PriceStrategyFor(urgency)
	out := OptimalPrice{Strategy: strategy}
	opposing := book.Opposing(side)
	if len(opposing) == 0 || orderSize <= 0 {
		out.Reason = "no opposing liquidity"
		return out
	}
	out.Available = true

	switch strategy {
	case PriceAggressive:
		target := orderSize * a.cfg.AggressiveFillTarget
		price, cum := book.EstimateFillPrice(side, target)
		out.Price = price
		out.ExpectedFillRatio = math.Min(1, cum/orderSize)
		out.Reason = fmt.Sprintf("sweep to cover %.0f%% of order", a.cfg.AggressiveFillTarget*100)
	case PricePassive:
		out.Price = a.passivePrice(side, book)
		out.ExpectedFillRatio = a.cfg.PassiveFillRatio
		out.Reason = "rest inside the spread"
	default:
		imp := a.EstimateImpactCost(instrument, side, orderSize, book)
		offset := imp.ImpactCost / 2
		if side == gateway.SideBuy {
			out.Price = opposing[0].Price * (1 + offset)
		} else {
			out.Price = opposing[0].Price * (1 - offset)
		}
		out.ExpectedFillRatio = a.cfg.BalancedFillRatio
		out.Reason = "best price adjusted by half the estimated impact"
	}
	return out
}

func (a *Analyzer) passivePrice(side gateway.Side, book *OrderBookSnapshot) float64 {
	bid, ask := book.Best()
	if bid > 0 && ask > 0 {
		spread := ask - bid
		if side == gateway.SideBuy {
			return bid + spread*a.cfg.PassiveSpreadOffset
		}
		return ask - spread*a.cfg.PassiveSpreadOffset
	}
	// 本方无挂单时在对手价外侧 5bps 挂单
	if side == gateway.SideBuy {
		return ask * (1 - 5e-4)
	}
	return bid * (1 + 5e-4)
}
