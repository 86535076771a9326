package market

import (
	"errors"
	"sort"
	"time"

	"exec-alpha-go/gateway"
)

// Level 单个价位。
type Level struct {
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

// OrderBookSnapshot 不可变的盘口快照：bids 按价格降序，asks 升序。
// 更新时整体替换，读者永远看不到写了一半的盘口。
type OrderBookSnapshot struct {
	Instrument string        `json:"instrument"`
	Bids       []Level       `json:"bids"`
	Asks       []Level       `json:"asks"`
	Timestamp  time.Time     `json:"timestamp"`
	TTL        time.Duration `json:"ttl"`
}

var ErrEmptyBook = errors.New("market: empty order book")

// NewSnapshot 由 [[price, volume], ...] 构建快照；过滤非正价位/数量并排序。
func NewSnapshot(instrument string, bids, asks [][2]float64, ts time.Time, ttl time.Duration) *OrderBookSnapshot {
	return &OrderBookSnapshot{
		Instrument: instrument,
		Bids:       normalizeLevels(bids, true),
		Asks:       normalizeLevels(asks, false),
		Timestamp:  ts,
		TTL:        ttl,
	}
}

func normalizeLevels(raw [][2]float64, desc bool) []Level {
	out := make([]Level, 0, len(raw))
	for _, lv := range raw {
		if lv[0] <= 0 || lv[1] <= 0 {
			continue
		}
		out = append(out, Level{Price: lv[0], Volume: lv[1]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if desc {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}

// Empty 双边都没有挂单。
func (s *OrderBookSnapshot) Empty() bool {
	return s == nil || (len(s.Bids) == 0 && len(s.Asks) == 0)
}

// Fresh 快照是否仍在 TTL 内；TTL<=0 视为永不过期。
func (s *OrderBookSnapshot) Fresh(now time.Time) bool {
	if s == nil {
		return false
	}
	if s.TTL <= 0 {
		return true
	}
	return now.Sub(s.Timestamp) <= s.TTL
}

// Best 返回最优买/卖价；缺失则为 0。
func (s *OrderBookSnapshot) Best() (bestBid, bestAsk float64) {
	if s == nil {
		return 0, 0
	}
	if len(s.Bids) > 0 {
		bestBid = s.Bids[0].Price
	}
	if len(s.Asks) > 0 {
		bestAsk = s.Asks[0].Price
	}
	return bestBid, bestAsk
}

// Mid 返回中间价；若缺失任一侧返回 0。
func (s *OrderBookSnapshot) Mid() float64 {
	bid, ask := s.Best()
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask) / 2
}

// Opposing 返回 side 吃单时面对的一侧：买单吃 asks，卖单吃 bids。
func (s *OrderBookSnapshot) Opposing(side gateway.Side) []Level {
	if s == nil {
		return nil
	}
	if side == gateway.SideBuy {
		return s.Asks
	}
	return s.Bids
}

// Same 返回与 side 同侧的挂单。
func (s *OrderBookSnapshot) Same(side gateway.Side) []Level {
	return s.Opposing(side.Opposite())
}

// BestOpposing 吃单方向的最优价。
func (s *OrderBookSnapshot) BestOpposing(side gateway.Side) float64 {
	levels := s.Opposing(side)
	if len(levels) == 0 {
		return 0
	}
	return levels[0].Price
}

// TopVolume 前 n 档总量；n<=0 表示全部。
func TopVolume(levels []Level, n int) float64 {
	total := 0.0
	for i, lv := range levels {
		if n > 0 && i >= n {
			break
		}
		total += lv.Volume
	}
	return total
}

// EstimateFillPrice 吃掉 qty 需要触达的最远价位与途经累计量。
func (s *OrderBookSnapshot) EstimateFillPrice(side gateway.Side, qty float64) (price float64, cumulative float64) {
	for _, lv := range s.Opposing(side) {
		cumulative += lv.Volume
		price = lv.Price
		if cumulative >= qty {
			break
		}
	}
	return price, cumulative
}
