package gateway

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig 熔断配置
type BreakerConfig struct {
	Name                string        `yaml:"name"`
	ConsecutiveFailures uint32        `yaml:"consecutiveFailures"` // 连续失败次数触发熔断
	FailureRatio        float64       `yaml:"failureRatio"`        // 窗口内失败比例触发熔断
	MinRequests         uint32        `yaml:"minRequests"`         // 比例判定的最少请求数
	Interval            time.Duration `yaml:"interval"`            // 关闭状态下计数清零周期
	Timeout             time.Duration `yaml:"timeout"`             // 打开状态持续时间
}

// DefaultBreakerConfig 默认熔断配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:                "order-gateway",
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         20,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
	}
}

// Breaker 熔断装饰器：网关连续失败后快速失败，由上层计入失败窗口。
// 撤单不经过熔断，保证尽力撤单总能发出。
type Breaker struct {
	inner OrderGateway
	cb    *gobreaker.CircuitBreaker
}

// NewBreaker 创建熔断网关。
func NewBreaker(inner OrderGateway, cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = def.MinRequests
	}
	st := gobreaker.Settings{
		Name:     cfg.Name,
		Interval: cfg.Interval,
		Timeout:  cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.FailureRatio <= 0 || counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
	}
	return &Breaker{inner: OrDefault(inner), cb: gobreaker.NewCircuitBreaker(st)}
}

func (b *Breaker) PlaceOrder(ctx context.Context, req OrderRequest) (Fill, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.PlaceOrder(ctx, req)
	})
	if err != nil {
		return Fill{}, err
	}
	return res.(Fill), nil
}

func (b *Breaker) CancelOrder(ctx context.Context, orderID string) error {
	return b.inner.CancelOrder(ctx, orderID)
}

// State 当前熔断状态名称。
func (b *Breaker) State() string {
	return b.cb.State().String()
}
