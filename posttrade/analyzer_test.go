package posttrade

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exec-alpha-go/gateway"
	"exec-alpha-go/internal/clock"
	"exec-alpha-go/internal/engine"
	"exec-alpha-go/internal/events"
)

type fixedMids struct {
	mu  sync.Mutex
	mid map[string]float64
}

func (f *fixedMids) Mid(inst string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mid[inst]
}

func result(id string, side gateway.Side, price float64) engine.ExecutionResult {
	return engine.ExecutionResult{
		ID:           id,
		Order:        engine.Order{Instrument: "BTCUSDT", Side: side},
		Strategy:     engine.StrategyDirect,
		ExecutedSize: 1,
		AvgPrice:     price,
	}
}

func TestMarkoutSignBySide(t *testing.T) {
	mids := &fixedMids{mid: map[string]float64{"BTCUSDT": 100}}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewAnalyzer(DefaultConfig(), mids, clock.NewFake(start), nil)
	ctx := context.Background()

	a.OnExecution(ctx, result("buy", gateway.SideBuy, 99))
	a.OnExecution(ctx, result("sell", gateway.SideSell, 99))
	a.OnExecution(ctx, engine.ExecutionResult{ID: "empty"})
	a.wg.Wait()

	buy, ok := a.Record("buy")
	require.True(t, ok)
	require.Len(t, buy.Markouts, 2)
	assert.Equal(t, time.Second, buy.Markouts[0].Horizon)
	assert.InDelta(t, 101.0101, buy.Markouts[0].Bps, 1e-3)

	sell, ok := a.Record("sell")
	require.True(t, ok)
	assert.Less(t, sell.Markouts[1].Bps, 0.0)

	_, ok = a.Record("empty")
	assert.False(t, ok)

	st := a.Stats()
	assert.Equal(t, 2, st.TotalFills)
	assert.Equal(t, 2, st.AnalyzedFills)
	assert.Equal(t, 0.5, st.AdverseSelectionRate)
	assert.InDelta(t, 0, st.AvgMarkoutBps["1s"], 1e-9)
}

func TestMissingMidSkipsMarkout(t *testing.T) {
	a := NewAnalyzer(Config{Horizons: []time.Duration{5 * time.Second, time.Second}}, &fixedMids{}, clock.NewFake(time.Now()), nil)
	a.OnExecution(context.Background(), result("x", gateway.SideBuy, 100))
	a.wg.Wait()
	rec, ok := a.Record("x")
	require.True(t, ok)
	assert.Empty(t, rec.Markouts)
	assert.Equal(t, 0, a.Stats().AnalyzedFills)
}

func TestCleanOldRecords(t *testing.T) {
	fc := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	a := NewAnalyzer(Config{Horizons: []time.Duration{time.Second}}, &fixedMids{}, fc, nil)
	a.OnExecution(context.Background(), result("old", gateway.SideBuy, 100))
	a.wg.Wait()
	fc.Advance(2 * time.Hour)
	a.CleanOldRecords(time.Hour)
	assert.Equal(t, 0, a.Stats().TotalFills)
}

func TestRunConsumesExecutionEvents(t *testing.T) {
	bus := events.NewBus(nil)
	ch, unsub := bus.Subscribe(8, events.ExecutionCompleted)
	defer unsub()
	mids := &fixedMids{mid: map[string]float64{"BTCUSDT": 101}}
	a := NewAnalyzer(DefaultConfig(), mids, clock.NewFake(time.Now()), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, ch) }()

	bus.Publish(events.Event{Type: events.ExecutionCompleted, ID: "e1", Payload: result("e1", gateway.SideBuy, 100)})
	require.Eventually(t, func() bool {
		rec, ok := a.Record("e1")
		return ok && len(rec.Markouts) == 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
