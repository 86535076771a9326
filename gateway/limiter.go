package gateway

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited 令牌桶限流装饰器，避免子单突发触发交易所限频。
// 下单与撤单共用同一个桶。
type RateLimited struct {
	inner   OrderGateway
	limiter *rate.Limiter
}

// NewRateLimited 创建限流网关；rps<=0 时默认 10，burst<=0 时默认 1。
func NewRateLimited(inner OrderGateway, rps float64, burst int) *RateLimited {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{
		inner:   OrDefault(inner),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *RateLimited) PlaceOrder(ctx context.Context, req OrderRequest) (Fill, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Fill{}, fmt.Errorf("rate limit wait: %w", err)
	}
	return r.inner.PlaceOrder(ctx, req)
}

func (r *RateLimited) CancelOrder(ctx context.Context, orderID string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return r.inner.CancelOrder(ctx, orderID)
}

// SetRate 动态调整速率。
func (r *RateLimited) SetRate(rps float64) {
	r.limiter.SetLimit(rate.Limit(rps))
}
