package market

// CalculateImbalance calculates the imbalance between bid and ask volumes
// Imbalance = (BidVol - AskVol) / (BidVol + AskVol)
func CalculateImbalance(bidVolumeTop float64, askVolumeTop float64) float64 {
	totalVolume := bidVolumeTop + askVolumeTop
	if totalVolume == 0 {
		return 0
	}
	return (bidVolumeTop - askVolumeTop) / totalVolume
}

// CalculatePressure 由前 levels 档计算买卖压力。
func CalculatePressure(book *OrderBookSnapshot, levels int) Pressure {
	if book == nil || levels <= 0 {
		return Pressure{}
	}
	buy := TopVolume(book.Bids, levels)
	sell := TopVolume(book.Asks, levels)
	p := Pressure{
		Buy:       buy,
		Sell:      sell,
		Imbalance: CalculateImbalance(buy, sell),
	}
	if sell > 0 {
		p.Ratio = buy / sell
	}
	return p
}
