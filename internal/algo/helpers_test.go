package algo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"exec-alpha-go/gateway"
	"exec-alpha-go/internal/clock"
	"exec-alpha-go/market"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// scriptedGateway 按 fn 决定每次下单结果，并记录调用。
type scriptedGateway struct {
	mu       sync.Mutex
	fn       func(ctx context.Context, n int, req gateway.OrderRequest) (gateway.Fill, error)
	calls    []gateway.OrderRequest
	canceled []string
	started  chan struct{}
}

func newScripted(fn func(ctx context.Context, n int, req gateway.OrderRequest) (gateway.Fill, error)) *scriptedGateway {
	return &scriptedGateway{fn: fn, started: make(chan struct{}, 256)}
}

func (g *scriptedGateway) PlaceOrder(ctx context.Context, req gateway.OrderRequest) (gateway.Fill, error) {
	g.mu.Lock()
	n := len(g.calls)
	g.calls = append(g.calls, req)
	g.mu.Unlock()
	select {
	case g.started <- struct{}{}:
	default:
	}
	return g.fn(ctx, n, req)
}

func (g *scriptedGateway) CancelOrder(ctx context.Context, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.canceled = append(g.canceled, orderID)
	return nil
}

func (g *scriptedGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *scriptedGateway) Canceled() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.canceled...)
}

func fillAll(_ context.Context, _ int, req gateway.OrderRequest) (gateway.Fill, error) {
	return gateway.Fill{OrderID: req.ClientID, FilledAmount: req.Amount, AvgPrice: req.Price}, nil
}

func fillHalf(_ context.Context, _ int, req gateway.OrderRequest) (gateway.Fill, error) {
	return gateway.Fill{OrderID: req.ClientID, FilledAmount: req.Amount / 2, AvgPrice: req.Price}, nil
}

func failWith(msg string) func(context.Context, int, gateway.OrderRequest) (gateway.Fill, error) {
	return func(context.Context, int, gateway.OrderRequest) (gateway.Fill, error) {
		return gateway.Fill{}, errors.New(msg)
	}
}

func blockUntilDone(ctx context.Context, _ int, _ gateway.OrderRequest) (gateway.Fill, error) {
	<-ctx.Done()
	return gateway.Fill{}, ctx.Err()
}

func waitStarted(t *testing.T, g *scriptedGateway) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(2 * time.Second):
		t.Fatal("gateway was never called")
	}
}

// stubView 固定返回值的市场视图。
type stubView struct {
	best        float64
	condition   market.Condition
	dailyVolume float64
	volatility  float64
	book        *market.OrderBookSnapshot
}

func (v *stubView) FreshOrderBook(string) (*market.OrderBookSnapshot, bool) {
	return v.book, v.book != nil
}

func (v *stubView) BestPrice(string, gateway.Side) float64 { return v.best }

func (v *stubView) MarketCondition(instrument string) market.ConditionReport {
	c := v.condition
	if c == "" {
		c = market.ConditionNormal
	}
	return market.ConditionReport{Instrument: instrument, Condition: c}
}

func (v *stubView) DailyVolume(string) float64 { return v.dailyVolume }

func (v *stubView) Volatility(string) float64 { return v.volatility }

func testDeps(gw gateway.OrderGateway, view MarketView) (Deps, *clock.Fake) {
	fc := clock.NewFake(t0)
	return Deps{
		Gateway: gw,
		Market:  view,
		Clock:   fc,
		Rand:    clock.NewRand(7),
	}, fc
}
