package algo

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exec-alpha-go/gateway"
	"exec-alpha-go/internal/events"
	"exec-alpha-go/market"
)

func newTestIceberg(t *testing.T, gw gateway.OrderGateway, view MarketView, mutate func(*IcebergConfig)) *IcebergSlicer {
	t.Helper()
	cfg := DefaultIcebergConfig()
	cfg.AntiDetectWindow = 0
	if mutate != nil {
		mutate(&cfg)
	}
	deps, _ := testDeps(gw, view)
	s, err := NewIcebergSlicer(cfg, deps)
	require.NoError(t, err)
	return s
}

func icebergParams() IcebergParams {
	return IcebergParams{
		Instrument:    "BTCUSDT",
		Side:          gateway.SideBuy,
		TotalSize:     100,
		LimitPrice:    100,
		SplitStrategy: SplitStrategyFixed,
		ChunkSize:     10,
	}
}

func TestIcebergConfigValidate(t *testing.T) {
	require.NoError(t, DefaultIcebergConfig().Validate())

	cfg := DefaultIcebergConfig()
	cfg.SplitStrategy = "twap"
	assert.Error(t, cfg.Validate())

	cfg = DefaultIcebergConfig()
	cfg.MaxConcurrent = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultIcebergConfig()
	cfg.RandomRange = 1
	assert.Error(t, cfg.Validate())
}

func TestCreateIcebergValidation(t *testing.T) {
	s := newTestIceberg(t, nil, nil, nil)

	_, err := s.CreateIceberg(IcebergParams{Instrument: "BTCUSDT", Side: gateway.SideBuy})
	assert.ErrorIs(t, err, ErrInvalidParams)

	p := icebergParams()
	p.ChunkSize = -1
	_, err = s.CreateIceberg(p)
	assert.ErrorIs(t, err, ErrInvalidParams)

	p = icebergParams()
	p.TotalSize = 1e6
	p.ChunkSize = 1e-9
	_, err = s.CreateIceberg(p)
	assert.ErrorIs(t, err, ErrInvalidParams)

	p = icebergParams()
	p.SplitStrategy = SplitStrategyPercentage
	p.ChunkPercent = 1e-6
	_, err = s.CreateIceberg(p)
	assert.ErrorIs(t, err, ErrInvalidParams)

	p = icebergParams()
	p.SplitStrategy = "zigzag"
	_, err = s.CreateIceberg(p)
	assert.ErrorIs(t, err, ErrInvalidParams)

	ice, err := s.CreateIceberg(icebergParams())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, ice.Status)
	assert.Len(t, ice.Plan, 10)
	assert.Equal(t, 3, ice.Params.MaxConcurrent)
	assert.Equal(t, market.UrgencyMedium, ice.Params.Urgency)
}

func TestLiquiditySplitUsesOpposingDepth(t *testing.T) {
	view := &stubView{
		best: 101,
		book: market.NewSnapshot("BTCUSDT",
			[][2]float64{{100.9, 50}},
			[][2]float64{{101, 50}, {102, 50}},
			t0, time.Second),
	}
	s := newTestIceberg(t, nil, view, nil)
	p := icebergParams()
	p.SplitStrategy = SplitStrategyLiquidity
	ice, err := s.CreateIceberg(p)
	require.NoError(t, err)
	// 对手盘深度 100，5% 为 5
	require.Len(t, ice.Plan, 20)
	assert.InDelta(t, 5, ice.Plan[0], 1e-12)
}

func TestIcebergRespectsMaxConcurrent(t *testing.T) {
	gw := &gateway.Simulated{Latency: 20 * time.Millisecond}
	s := newTestIceberg(t, gw, nil, nil)
	ch, unsub := s.Subscribe(64, events.SubOrderCompleted, events.IcebergCompleted)
	defer unsub()

	p := icebergParams()
	p.MaxConcurrent = 2
	ice, err := s.CreateIceberg(p)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), ice.ID))

	var maxSeen atomic.Int64
	stop := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := int64(s.ActiveCount(ice.ID)); n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	done, err := s.Wait(context.Background(), ice.ID)
	close(stop)
	<-sampled
	require.NoError(t, err)

	assert.LessOrEqual(t, maxSeen.Load(), int64(2))
	assert.LessOrEqual(t, done.MaxObservedActive, 2)
	assert.GreaterOrEqual(t, done.MaxObservedActive, 1)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.InDelta(t, 100, done.ExecutedSize, 1e-9)
	assert.InDelta(t, 0, done.RemainingSize, 1e-9)
	assert.Equal(t, 0, done.ActiveChildren)
	require.Len(t, done.SubOrders, 10)
	for _, sub := range done.SubOrders {
		assert.Equal(t, SubOrderFilled, sub.Status)
		assert.InDelta(t, 10, sub.Filled, 1e-12)
	}

	subs, finished := 0, 0
	for len(ch) > 0 {
		switch (<-ch).Type {
		case events.SubOrderCompleted:
			subs++
		case events.IcebergCompleted:
			finished++
		}
	}
	assert.Equal(t, 10, subs)
	assert.Equal(t, 1, finished)
	assert.Empty(t, s.ActiveIcebergs())
	assert.Len(t, s.History(5), 1)
}

func TestIcebergFailureStreak(t *testing.T) {
	gw := newScripted(failWith("order rejected"))
	s := newTestIceberg(t, gw, nil, nil)
	p := icebergParams()
	p.MaxConcurrent = 1
	ice, err := s.CreateIceberg(p)
	require.NoError(t, err)

	done, err := s.Run(context.Background(), ice.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Contains(t, done.Error, "3 of last 5")
	require.Len(t, done.SubOrders, 3)
	for _, sub := range done.SubOrders {
		assert.Equal(t, SubOrderFailed, sub.Status)
	}
	assertSumInvariant(t, 100, done.ExecutedSize, done.RemainingSize)
}

func TestIcebergZeroFillChildrenTripFailureStreak(t *testing.T) {
	gw := newScripted(func(_ context.Context, _ int, req gateway.OrderRequest) (gateway.Fill, error) {
		return gateway.Fill{OrderID: req.ClientID}, nil
	})
	s := newTestIceberg(t, gw, nil, nil)
	p := icebergParams()
	p.MaxConcurrent = 1
	ice, err := s.CreateIceberg(p)
	require.NoError(t, err)

	done, err := s.Run(context.Background(), ice.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Contains(t, done.Error, "3 of last 5")
	assert.Equal(t, 0, done.Replans)
	assert.Equal(t, 3, gw.Calls())
	require.Len(t, done.SubOrders, 3)
	for _, sub := range done.SubOrders {
		assert.Equal(t, SubOrderFailed, sub.Status)
		assert.Equal(t, "no fill", sub.Error)
	}
}

func TestIcebergEmergencyStopCancelsInflight(t *testing.T) {
	gw := newScripted(func(ctx context.Context, n int, req gateway.OrderRequest) (gateway.Fill, error) {
		if n == 2 {
			return gateway.Fill{}, errors.New("insufficient balance")
		}
		return blockUntilDone(ctx, n, req)
	})
	s := newTestIceberg(t, gw, nil, nil)
	p := icebergParams()
	p.MaxConcurrent = 3
	ice, err := s.CreateIceberg(p)
	require.NoError(t, err)

	done, err := s.Run(context.Background(), ice.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Contains(t, done.Error, "unrecoverable")

	var canceledIDs []string
	failed := 0
	for _, sub := range done.SubOrders {
		switch sub.Status {
		case SubOrderCanceled:
			canceledIDs = append(canceledIDs, sub.ID)
		case SubOrderFailed:
			failed++
		}
	}
	assert.Equal(t, 1, failed)
	require.Len(t, canceledIDs, 2)
	require.Eventually(t, func() bool { return len(gw.Canceled()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, canceledIDs, gw.Canceled())
}

func TestIcebergUnrecoverable(t *testing.T) {
	gw := newScripted(failWith("insufficient funds"))
	s := newTestIceberg(t, gw, nil, nil)
	p := icebergParams()
	p.MaxConcurrent = 1
	ice, err := s.CreateIceberg(p)
	require.NoError(t, err)

	done, err := s.Run(context.Background(), ice.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Contains(t, done.Error, "unrecoverable")
	assert.Len(t, done.SubOrders, 1)
}

func TestIcebergChildTimeout(t *testing.T) {
	gw := newScripted(blockUntilDone)
	s := newTestIceberg(t, gw, nil, nil)
	p := icebergParams()
	p.MaxConcurrent = 1
	p.ChildTimeout = 20 * time.Millisecond
	ice, err := s.CreateIceberg(p)
	require.NoError(t, err)

	done, err := s.Run(context.Background(), ice.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	require.Len(t, done.SubOrders, 3)
	for _, sub := range done.SubOrders {
		assert.Equal(t, SubOrderTimeout, sub.Status)
	}
	require.Eventually(t, func() bool { return len(gw.Canceled()) == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestIcebergReplansRemainder(t *testing.T) {
	gw := newScripted(fillHalf)
	s := newTestIceberg(t, gw, nil, nil)
	p := icebergParams()
	p.ChunkSize = 50
	p.MaxConcurrent = 1
	ice, err := s.CreateIceberg(p)
	require.NoError(t, err)
	require.Len(t, ice.Plan, 2)

	done, err := s.Run(context.Background(), ice.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, done.Replans)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, "unfilled remainder after replans", done.Error)
	assert.InDelta(t, 93.75, done.ExecutedSize, 1e-9)
	assert.InDelta(t, 6.25, done.RemainingSize, 1e-9)
	require.Len(t, done.SubOrders, 5)
	for _, sub := range done.SubOrders {
		assert.Equal(t, SubOrderPartial, sub.Status)
	}
}

func TestIcebergLimitUnreachable(t *testing.T) {
	view := &stubView{best: 110}
	gw := newScripted(fillAll)
	s := newTestIceberg(t, gw, view, func(c *IcebergConfig) {
		c.MaxLimitWait = time.Minute
	})
	ice, err := s.CreateIceberg(icebergParams())
	require.NoError(t, err)

	done, err := s.Run(context.Background(), ice.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, "limit price unreachable", done.Error)
	assert.Empty(t, done.SubOrders)
	assert.Equal(t, 0, gw.Calls())
}

func TestIcebergCancelRunning(t *testing.T) {
	gw := newScripted(blockUntilDone)
	s := newTestIceberg(t, gw, nil, nil)
	p := icebergParams()
	p.MaxConcurrent = 2
	ice, err := s.CreateIceberg(p)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), ice.ID))

	waitStarted(t, gw)
	require.NoError(t, s.Cancel(ice.ID))

	done, err := s.Wait(context.Background(), ice.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, done.Status)
	assert.Equal(t, 0, done.ActiveChildren)
	for _, sub := range done.SubOrders {
		assert.Equal(t, SubOrderCanceled, sub.Status)
	}
	assertSumInvariant(t, 100, done.ExecutedSize, done.RemainingSize)
	require.Eventually(t, func() bool { return len(gw.Canceled()) >= 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestIcebergPendingTransitions(t *testing.T) {
	s := newTestIceberg(t, nil, nil, nil)
	ice, err := s.CreateIceberg(icebergParams())
	require.NoError(t, err)

	assert.ErrorIs(t, s.Pause(ice.ID), ErrInvalidState)
	assert.ErrorIs(t, s.Resume(ice.ID), ErrInvalidState)
	assert.ErrorIs(t, s.Cancel("missing"), ErrTaskNotFound)
	assert.Equal(t, 0, s.ActiveCount("missing"))

	require.NoError(t, s.Cancel(ice.ID))
	got, ok := s.Iceberg(ice.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCanceled, got.Status)
	assert.ErrorIs(t, s.Start(context.Background(), ice.ID), ErrTaskNotFound)
}
