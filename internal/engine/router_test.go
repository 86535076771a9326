package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exec-alpha-go/gateway"
	"exec-alpha-go/infrastructure/monitor"
	"exec-alpha-go/internal/algo"
	"exec-alpha-go/internal/clock"
	"exec-alpha-go/internal/events"
	"exec-alpha-go/market"
	"exec-alpha-go/risk"
)

const inst = "BTCUSDT"

var noon = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	router   *Router
	clock    *clock.Fake
	analyzer *market.Analyzer
	slippage *risk.SlippageModel
	bus      *events.Bus
}

func newHarness(t *testing.T, now time.Time, gw gateway.OrderGateway, mutate func(*Config)) *harness {
	t.Helper()
	fc := clock.NewFake(now)
	bus := events.NewBus(nil)
	mon := monitor.New(monitor.DefaultConfig())

	an, err := market.NewAnalyzer(market.DefaultConfig(), market.Deps{Clock: fc, Bus: bus})
	require.NoError(t, err)
	sm, err := risk.NewSlippageModel(risk.DefaultSlippageConfig(), risk.SlippageDeps{Clock: fc, Bus: bus, Monitor: mon})
	require.NoError(t, err)

	deps := algo.Deps{Gateway: gw, Market: an, Clock: fc, Rand: clock.NewRand(11), Bus: bus, Monitor: mon}
	sched, err := algo.NewScheduledSlicer(algo.DefaultScheduledConfig(), deps)
	require.NoError(t, err)
	icfg := algo.DefaultIcebergConfig()
	icfg.AntiDetectWindow = 0
	ice, err := algo.NewIcebergSlicer(icfg, deps)
	require.NoError(t, err)

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(cfg, Components{
		Analyzer:  an,
		Slippage:  sm,
		Scheduled: sched,
		Iceberg:   ice,
		Gateway:   gw,
		Clock:     fc,
		Bus:       bus,
		Monitor:   mon,
	})
	require.NoError(t, err)
	return &harness{router: r, clock: fc, analyzer: an, slippage: sm, bus: bus}
}

func (h *harness) seedBook(dailyVolume float64) {
	h.analyzer.UpdateOrderBook(inst,
		[][2]float64{{100.9, 100}, {100.8, 100}},
		[][2]float64{{101, 100}, {101.1, 100}})
	if dailyVolume > 0 {
		h.analyzer.UpdateDailyVolume(inst, dailyVolume)
	}
}

// blockingGateway 下单阻塞直到 ctx 结束。
type blockingGateway struct {
	mu       sync.Mutex
	calls    int
	canceled int
}

func (g *blockingGateway) PlaceOrder(ctx context.Context, _ gateway.OrderRequest) (gateway.Fill, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	<-ctx.Done()
	return gateway.Fill{}, ctx.Err()
}

func (g *blockingGateway) CancelOrder(context.Context, string) error {
	g.mu.Lock()
	g.canceled++
	g.mu.Unlock()
	return nil
}

func (g *blockingGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type rejectingGateway struct{}

func (rejectingGateway) PlaceOrder(context.Context, gateway.OrderRequest) (gateway.Fill, error) {
	return gateway.Fill{}, errors.New("exchange unavailable")
}

func (rejectingGateway) CancelOrder(context.Context, string) error { return nil }

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.SizeThresholds.Small = cfg.SizeThresholds.Tiny
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.IcebergShare = 1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.SliceCount = 0
	assert.Error(t, cfg.Validate())
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(DefaultConfig(), Components{})
	assert.Error(t, err)
}

func TestClassifyOrderSize(t *testing.T) {
	th := DefaultConfig().SizeThresholds
	assert.Equal(t, SizeTiny, ClassifyOrderSize(0.1, 1000, th))
	assert.Equal(t, SizeSmall, ClassifyOrderSize(1, 1000, th))
	assert.Equal(t, SizeMedium, ClassifyOrderSize(5, 1000, th))
	assert.Equal(t, SizeLarge, ClassifyOrderSize(20, 1000, th))
	assert.Equal(t, SizeVeryLarge, ClassifyOrderSize(50, 1000, th))
	assert.Equal(t, SizeMedium, ClassifyOrderSize(50, 0, th))
}

func TestAggregateRiskLevel(t *testing.T) {
	lvl, score := AggregateRiskLevel(10, 0, 10)
	assert.Equal(t, risk.LevelVeryLow, lvl)
	assert.InDelta(t, 20.0/3, score, 1e-9)

	lvl, _ = AggregateRiskLevel(50, 30, 30)
	assert.Equal(t, risk.LevelLow, lvl)

	lvl, _ = AggregateRiskLevel(90, 200, 100)
	assert.Equal(t, risk.LevelVeryHigh, lvl)

	assert.Equal(t, 50.0, ImpactScore(nil))
	assert.Equal(t, 50.0, LiquidityScore(market.LiquidityUnknown))
}

func TestSelectStrategy(t *testing.T) {
	analysis := func(size SizeClass, liq market.LiquidityLevel, impact market.ImpactLevel, slip risk.Level) MarketAnalysis {
		a := MarketAnalysis{SizeClass: size}
		a.Liquidity.Level = liq
		a.SlippageRisk.Level = slip
		if impact != "" {
			a.Impact = &market.ImpactEstimate{Level: impact}
		}
		return a
	}
	order := func(u market.Urgency, s Strategy) Order {
		return Order{Instrument: inst, Side: gateway.SideBuy, Size: 1, Urgency: u, Strategy: s}
	}

	cases := []struct {
		name string
		a    MarketAnalysis
		o    Order
		want Strategy
	}{
		{"explicit wins", analysis(SizeVeryLarge, market.LiquidityVeryLow, market.ImpactExtreme, risk.LevelExtreme), order(market.UrgencyMedium, StrategyVWAP), StrategyVWAP},
		{"critical", analysis(SizeVeryLarge, market.LiquidityVeryLow, market.ImpactExtreme, risk.LevelLow), order(market.UrgencyCritical, StrategyAuto), StrategyDirect},
		{"tiny", analysis(SizeTiny, market.LiquidityVeryLow, market.ImpactExtreme, risk.LevelLow), order(market.UrgencyMedium, ""), StrategyDirect},
		{"small liquid", analysis(SizeSmall, market.LiquidityHigh, market.ImpactLow, risk.LevelLow), order(market.UrgencyMedium, ""), StrategyDirect},
		{"small illiquid", analysis(SizeSmall, market.LiquidityLow, market.ImpactLow, risk.LevelLow), order(market.UrgencyMedium, ""), StrategyDirect},
		{"high impact", analysis(SizeMedium, market.LiquidityMedium, market.ImpactHigh, risk.LevelLow), order(market.UrgencyMedium, ""), StrategyIceberg},
		{"very low liquidity", analysis(SizeLarge, market.LiquidityVeryLow, "", risk.LevelLow), order(market.UrgencyMedium, ""), StrategyIceberg},
		{"slippage risk", analysis(SizeLarge, market.LiquidityMedium, market.ImpactLow, risk.LevelVeryHigh), order(market.UrgencyLow, ""), StrategyTWAP},
		{"large patient", analysis(SizeLarge, market.LiquidityLow, market.ImpactMedium, risk.LevelLow), order(market.UrgencyLow, ""), StrategyVWAP},
		{"very large patient", analysis(SizeVeryLarge, market.LiquidityLow, market.ImpactLow, risk.LevelMedium), order(market.UrgencyLow, ""), StrategyVWAP},
		{"medium", analysis(SizeMedium, market.LiquidityMedium, market.ImpactLow, risk.LevelLow), order(market.UrgencyHigh, ""), StrategyTWAP},
		{"large urgent", analysis(SizeLarge, market.LiquidityLow, market.ImpactLow, risk.LevelLow), order(market.UrgencyHigh, ""), StrategyDirect},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SelectStrategy(tc.a, tc.o))
		})
	}
}

func TestAnalyzeMarket(t *testing.T) {
	h := newHarness(t, noon, gateway.NewSimulated(), nil)

	bare := h.router.AnalyzeMarket(Order{Instrument: inst, Side: gateway.SideBuy, Size: 5})
	assert.Nil(t, bare.Depth)
	assert.Nil(t, bare.Impact)
	assert.Equal(t, SizeMedium, bare.SizeClass)
	assert.Equal(t, market.LiquidityUnknown, bare.Liquidity.Level)

	h.seedBook(1000)
	a := h.router.AnalyzeMarket(Order{Instrument: inst, Side: gateway.SideBuy, Size: 5})
	require.NotNil(t, a.Depth)
	require.NotNil(t, a.Impact)
	assert.Equal(t, market.ImpactLow, a.Impact.Level)
	assert.InDelta(t, 100.95, a.Depth.MidPrice, 1e-9)
	assert.Equal(t, SizeMedium, a.SizeClass)
	assert.Equal(t, market.LiquidityHigh, a.Liquidity.Level)
	assert.Equal(t, risk.LevelVeryLow, a.SlippageRisk.Level)
	assert.NotEmpty(t, a.RiskLevel)
}

func TestExecuteCriticalGoesDirect(t *testing.T) {
	gw := gateway.NewSimulated()
	h := newHarness(t, noon, gw, nil)
	h.seedBook(1000)
	ch, unsub := h.router.Subscribe(8, events.ExecutionCompleted, events.ExecutionFailed)
	defer unsub()

	res, err := h.router.Execute(context.Background(), Order{
		Instrument: inst, Side: gateway.SideBuy, Size: 5, Urgency: market.UrgencyCritical,
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyDirect, res.Strategy)
	assert.Equal(t, ExecutionCompleted, res.Status)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.ID)
	assert.InDelta(t, 5, res.ExecutedSize, 1e-12)
	assert.InDelta(t, 0, res.RemainingSize, 1e-12)
	assert.Equal(t, 101.0, res.AvgPrice)
	assert.Equal(t, 0.0, res.Slippage)
	assert.Equal(t, 0.005, res.Order.MaxSlippage)

	placed, _ := gw.Counts()
	assert.Equal(t, 1, placed)

	require.Len(t, ch, 1)
	assert.Equal(t, events.ExecutionCompleted, (<-ch).Type)

	stats := h.router.Statistics()
	assert.Equal(t, int64(1), stats.TotalExecutions)
	assert.Equal(t, int64(1), stats.Successful)
	assert.Equal(t, int64(1), stats.ByStrategy[StrategyDirect])
	assert.InDelta(t, 5, stats.TotalVolume, 1e-12)
	assert.Equal(t, 0, stats.Active)
	assert.Len(t, h.router.History(0), 1)

	// 成交后滑点样本回灌模型
	st := h.slippage.Statistics(inst)
	assert.Equal(t, 1, st.Count)
}

func TestExecuteMediumUsesTWAP(t *testing.T) {
	h := newHarness(t, noon, gateway.NewSimulated(), nil)
	h.seedBook(1000)

	res, err := h.router.Execute(context.Background(), Order{
		Instrument: inst, Side: gateway.SideBuy, Size: 5, Urgency: market.UrgencyHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyTWAP, res.Strategy)
	assert.Equal(t, ExecutionCompleted, res.Status, res.Error)
	require.Len(t, res.TaskIDs, 1)
	assert.InDelta(t, 5, res.ExecutedSize, 1e-9)
	assert.Equal(t, 101.0, res.BenchmarkPrice)
	assert.True(t, h.clock.Now().After(noon))

	task, ok := h.router.scheduled.Task(res.TaskIDs[0])
	require.True(t, ok)
	assert.Equal(t, algo.StatusCompleted, task.Status)
	assert.Equal(t, algo.AlgorithmTWAP, task.Params.Algorithm)
	assert.Equal(t, 30*time.Minute, task.Params.Duration)
}

func TestExecuteOrderOverridesSchedule(t *testing.T) {
	h := newHarness(t, noon, gateway.NewSimulated(), nil)
	h.seedBook(1000)

	res, err := h.router.Execute(context.Background(), Order{
		Instrument: inst, Side: gateway.SideSell, Size: 2, Strategy: StrategyVWAP,
		Duration: 10 * time.Minute, SliceCount: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyVWAP, res.Strategy)
	require.Len(t, res.TaskIDs, 1)
	task, ok := h.router.scheduled.Task(res.TaskIDs[0])
	require.True(t, ok)
	assert.Equal(t, 10*time.Minute, task.Params.Duration)
	assert.Len(t, task.Slices, 4)
	assert.Equal(t, 100.9, res.BenchmarkPrice)
}

func TestExecuteIcebergAndAdaptive(t *testing.T) {
	h := newHarness(t, noon, gateway.NewSimulated(), nil)
	h.seedBook(1000)

	res, err := h.router.Execute(context.Background(), Order{
		Instrument: inst, Side: gateway.SideBuy, Size: 5, Strategy: StrategyIceberg,
	})
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, res.Status, res.Error)
	require.Len(t, res.IcebergIDs, 1)
	assert.InDelta(t, 5, res.ExecutedSize, 1e-9)

	h.seedBook(0)
	res, err = h.router.Execute(context.Background(), Order{
		Instrument: inst, Side: gateway.SideBuy, Size: 10, Strategy: StrategyAdaptive,
	})
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, res.Status, res.Error)
	require.Len(t, res.IcebergIDs, 1)
	assert.InDelta(t, 10, res.ExecutedSize, 1e-9)
	assert.InDelta(t, 101, res.AvgPrice, 1e-9)

	ice, ok := h.router.iceberg.Iceberg(res.IcebergIDs[0])
	require.True(t, ok)
	assert.InDelta(t, 7, ice.TotalSize, 1e-9)
	assert.Equal(t, int64(1), h.router.Statistics().ByStrategy[StrategyAdaptive])
}

// 07:55 UTC 临近 08:00 资金费率结算，叠加高历史滑点即为 extreme。
func seedExtremeRisk(t *testing.T, h *harness) {
	t.Helper()
	for i := 0; i < 10; i++ {
		_, err := h.slippage.RecordSlippage(risk.SlippageSample{Instrument: inst, Slippage: 0.01})
		require.NoError(t, err)
	}
	require.Equal(t, risk.LevelExtreme, h.slippage.CurrentRisk(inst).Level)
}

func TestExecuteDelaysLowUrgency(t *testing.T) {
	start := time.Date(2024, 3, 1, 7, 55, 0, 0, time.UTC)
	h := newHarness(t, start, gateway.NewSimulated(), nil)
	h.seedBook(1e6)
	seedExtremeRisk(t, h)

	res, err := h.router.Execute(context.Background(), Order{
		Instrument: inst, Side: gateway.SideBuy, Size: 1, Urgency: market.UrgencyLow,
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyDirect, res.Strategy)
	assert.True(t, res.DelayRecommended)
	// 10 分钟后仍在结算窗口内，顺延到 08:15
	assert.Equal(t, 20*time.Minute, res.Delayed)
	assert.Equal(t, start.Add(20*time.Minute), h.clock.Now())
	assert.Equal(t, ExecutionCompleted, res.Status)
	assert.Equal(t, int64(1), h.router.Statistics().Delayed)
}

func TestExecuteDelayCappedByMaxDelay(t *testing.T) {
	start := time.Date(2024, 3, 1, 7, 55, 0, 0, time.UTC)
	h := newHarness(t, start, gateway.NewSimulated(), func(c *Config) { c.MaxDelay = 5 * time.Minute })
	h.seedBook(1e6)
	seedExtremeRisk(t, h)

	res, err := h.router.Execute(context.Background(), Order{
		Instrument: inst, Side: gateway.SideBuy, Size: 1, Urgency: market.UrgencyLow,
	})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, res.Delayed)
}

func TestExecuteCanceledDuringDelay(t *testing.T) {
	start := time.Date(2024, 3, 1, 7, 55, 0, 0, time.UTC)
	gw := gateway.NewSimulated()
	h := newHarness(t, start, gw, nil)
	h.seedBook(1e6)
	seedExtremeRisk(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := h.router.Execute(ctx, Order{
		Instrument: inst, Side: gateway.SideBuy, Size: 1, Urgency: market.UrgencyLow,
	})
	require.NoError(t, err)
	assert.Equal(t, ExecutionCanceled, res.Status)
	assert.True(t, res.DelayRecommended)
	assert.Contains(t, res.Error, ErrExecutionCancelled.Error())
	assert.Zero(t, res.ExecutedSize)
	placed, _ := gw.Counts()
	assert.Zero(t, placed)
}

func TestExecuteMediumUrgencyNotDelayed(t *testing.T) {
	start := time.Date(2024, 3, 1, 7, 55, 0, 0, time.UTC)
	h := newHarness(t, start, gateway.NewSimulated(), nil)
	h.seedBook(1e6)
	seedExtremeRisk(t, h)

	res, err := h.router.Execute(context.Background(), Order{
		Instrument: inst, Side: gateway.SideBuy, Size: 1,
	})
	require.NoError(t, err)
	assert.True(t, res.DelayRecommended)
	assert.Zero(t, res.Delayed)
	assert.Equal(t, start, h.clock.Now())
}

func TestExecuteFailures(t *testing.T) {
	h := newHarness(t, noon, gateway.NewSimulated(), nil)

	_, err := h.router.Execute(context.Background(), Order{Instrument: inst, Side: gateway.SideBuy})
	assert.ErrorIs(t, err, ErrInvalidOrder)
	_, err = h.router.Execute(context.Background(), Order{Instrument: inst, Side: "HOLD", Size: 1})
	assert.ErrorIs(t, err, ErrInvalidOrder)
	assert.Empty(t, h.router.History(0))

	res, err := h.router.Execute(context.Background(), Order{
		Instrument: inst, Side: gateway.SideBuy, Size: 1, Urgency: market.UrgencyCritical,
	})
	assert.ErrorIs(t, err, ErrNoMarketPrice)
	assert.Equal(t, ExecutionFailed, res.Status)
	assert.Equal(t, int64(1), h.router.Statistics().Failed)

	_, err = h.router.Execute(context.Background(), Order{
		Instrument: inst, Side: gateway.SideBuy, Size: 5, Strategy: StrategyTWAP,
	})
	assert.ErrorIs(t, err, ErrNoMarketPrice)

	rh := newHarness(t, noon, rejectingGateway{}, nil)
	rh.seedBook(1000)
	res, err = rh.router.Execute(context.Background(), Order{
		Instrument: inst, Side: gateway.SideBuy, Size: 1, Strategy: StrategyDirect,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exchange unavailable")
	assert.Equal(t, ExecutionFailed, res.Status)
	assert.Len(t, rh.router.History(0), 1)
}

func TestCancelRunningExecution(t *testing.T) {
	gw := &blockingGateway{}
	h := newHarness(t, noon, gw, nil)
	h.seedBook(1000)

	assert.ErrorIs(t, h.router.Cancel("missing"), ErrUnknownExecution)

	type result struct {
		res ExecutionResult
		err error
	}
	out := make(chan result, 1)
	go func() {
		res, err := h.router.Execute(context.Background(), Order{
			ID: "exec-1", Instrument: inst, Side: gateway.SideBuy, Size: 5, Strategy: StrategyTWAP,
		})
		out <- result{res, err}
	}()

	require.Eventually(t, func() bool { return gw.Calls() >= 1 }, 2*time.Second, 5*time.Millisecond)
	active := h.router.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "exec-1", active[0].ID)
	require.Len(t, active[0].TaskIDs, 1)

	require.NoError(t, h.router.Cancel("exec-1"))

	select {
	case r := <-out:
		require.NoError(t, r.err)
		assert.Equal(t, ExecutionCanceled, r.res.Status)
		assert.False(t, r.res.Success)
		assert.InDelta(t, 5, r.res.ExecutedSize+r.res.RemainingSize, 1e-12)
	case <-time.After(2 * time.Second):
		t.Fatal("execution did not stop after cancel")
	}
	task, ok := h.router.scheduled.Task(active[0].TaskIDs[0])
	require.True(t, ok)
	assert.Equal(t, algo.StatusCanceled, task.Status)
	assert.Empty(t, h.router.Active())
	assert.Equal(t, int64(1), h.router.Statistics().Canceled)
}

func TestHistoryLimitAndUpdateConfig(t *testing.T) {
	h := newHarness(t, noon, gateway.NewSimulated(), func(c *Config) { c.HistoryLimit = 2 })
	h.seedBook(1000)

	bad := DefaultConfig()
	bad.MaxSlippage = 0
	assert.Error(t, h.router.UpdateConfig(bad))

	good := h.router.Config()
	good.MaxSlippage = 0.01
	require.NoError(t, h.router.UpdateConfig(good))

	for i := 0; i < 3; i++ {
		_, err := h.router.Execute(context.Background(), Order{
			Instrument: inst, Side: gateway.SideBuy, Size: 0.1,
		})
		require.NoError(t, err)
	}
	hist := h.router.History(0)
	require.Len(t, hist, 2)
	assert.Equal(t, 0.01, hist[1].Order.MaxSlippage)
	assert.Len(t, h.router.History(1), 1)
	assert.Equal(t, int64(3), h.router.Statistics().TotalExecutions)
}
