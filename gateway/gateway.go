package gateway

import (
	"context"
	"errors"
	"strings"
)

// Side 买卖方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite 返回相反方向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid 判断方向是否合法。
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// ParseSide 解析大小写不敏感的方向字符串。
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "B", "BID":
		return SideBuy, nil
	case "SELL", "S", "ASK":
		return SideSell, nil
	}
	return "", errors.New("unknown side: " + s)
}

// OrderType 订单类型。
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderRequest 下单请求，与具体交易所协议无关。
type OrderRequest struct {
	Exchange string
	Symbol   string
	Side     Side
	Type     OrderType
	Amount   float64
	Price    float64
	Display  float64 // 冰山单可见数量，0 表示全部可见
	ClientID string
}

// Fill 下单回报：成交数量与均价。
type Fill struct {
	OrderID      string
	FilledAmount float64
	AvgPrice     float64
}

// OrderGateway 下单/撤单通道；两个调用都可能失败。
// CancelOrder 必须接受下单时的 ClientID：在途订单尚无交易所订单号，算法撤单一律按 ClientID 发送。
// 实现也可以同时接受 Fill.OrderID。
type OrderGateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (Fill, error)
	CancelOrder(ctx context.Context, orderID string) error
}

var (
	// ErrInvalidRequest 请求参数非法。
	ErrInvalidRequest = errors.New("gateway: invalid order request")
	// ErrUnknownOrder 撤单 ID 既不是已知 ClientID 也不是已知订单号。
	ErrUnknownOrder = errors.New("gateway: unknown order")
)

// ValidateRequest 基础参数校验。
func ValidateRequest(req OrderRequest) error {
	if req.Symbol == "" || !req.Side.Valid() || req.Amount <= 0 {
		return ErrInvalidRequest
	}
	if req.Type != OrderTypeMarket && req.Price <= 0 {
		return ErrInvalidRequest
	}
	if req.Display < 0 || req.Display > req.Amount {
		return ErrInvalidRequest
	}
	return nil
}

// OrDefault 未配置网关时使用确定性的模拟成交。
func OrDefault(gw OrderGateway) OrderGateway {
	if gw == nil {
		return NewSimulated()
	}
	return gw
}
