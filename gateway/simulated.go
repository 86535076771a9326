package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Simulated 确定性模拟网关：按请求价格全部成交。
// 可选 Latency 模拟网络耗时（尊重 ctx 取消）。
type Simulated struct {
	Latency time.Duration

	mu       sync.Mutex
	placed   int
	canceled int
	byClient map[string]string // ClientID -> 订单号，在途时为空
	byOrder  map[string]string // 订单号 -> ClientID
}

// NewSimulated 创建模拟网关。
func NewSimulated() *Simulated {
	return &Simulated{}
}

func (s *Simulated) PlaceOrder(ctx context.Context, req OrderRequest) (Fill, error) {
	if err := ValidateRequest(req); err != nil {
		return Fill{}, err
	}
	if req.ClientID != "" {
		s.mu.Lock()
		if s.byClient == nil {
			s.byClient = make(map[string]string)
			s.byOrder = make(map[string]string)
		}
		s.byClient[req.ClientID] = ""
		s.mu.Unlock()
	}
	if s.Latency > 0 {
		t := time.NewTimer(s.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return Fill{}, ctx.Err()
		case <-t.C:
		}
	}
	orderID := "sim-" + uuid.NewString()
	s.mu.Lock()
	s.placed++
	if req.ClientID != "" {
		s.byClient[req.ClientID] = orderID
		s.byOrder[orderID] = req.ClientID
	}
	s.mu.Unlock()
	return Fill{
		OrderID:      orderID,
		FilledAmount: req.Amount,
		AvgPrice:     req.Price,
	}, nil
}

// CancelOrder 接受 ClientID 或订单号。
func (s *Simulated) CancelOrder(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, isClient := s.byClient[orderID]
	_, isOrder := s.byOrder[orderID]
	if !isClient && !isOrder {
		return ErrUnknownOrder
	}
	s.canceled++
	return nil
}

// Counts 返回下单/撤单次数。
func (s *Simulated) Counts() (placed, canceled int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placed, s.canceled
}
