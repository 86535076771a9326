package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"exec-alpha-go/gateway"
	"exec-alpha-go/infrastructure/alert"
	"exec-alpha-go/infrastructure/logger"
	"exec-alpha-go/infrastructure/monitor"
	"exec-alpha-go/internal/algo"
	"exec-alpha-go/internal/clock"
	"exec-alpha-go/internal/events"
	"exec-alpha-go/market"
	"exec-alpha-go/risk"
)

// Components 路由器依赖组件
type Components struct {
	Analyzer  *market.Analyzer
	Slippage  *risk.SlippageModel
	Scheduled *algo.ScheduledSlicer
	Iceberg   *algo.IcebergSlicer
	Gateway   gateway.OrderGateway
	Clock     clock.Clock
	Logger    *logger.Logger
	Bus       *events.Bus
	Monitor   *monitor.Monitor
	Alerts    *alert.Manager
}

func validateComponents(c Components) error {
	if c.Analyzer == nil {
		return errors.New("analyzer is required")
	}
	if c.Slippage == nil {
		return errors.New("slippage model is required")
	}
	if c.Scheduled == nil || c.Iceberg == nil {
		return errors.New("scheduled and iceberg slicers are required")
	}
	return nil
}

// Router 订单级执行路由：分析市场、选择策略、可选延迟、分派到执行器并记录结果。
type Router struct {
	analyzer  *market.Analyzer
	slippage  *risk.SlippageModel
	scheduled *algo.ScheduledSlicer
	iceberg   *algo.IcebergSlicer
	gw        gateway.OrderGateway
	clock     clock.Clock
	logger    *logger.Logger
	bus       *events.Bus
	emitter   events.Emitter
	monitor   *monitor.Monitor
	alerts    *alert.Manager

	mu      sync.RWMutex
	config  Config
	active  map[string]*activeEntry
	history []ExecutionResult
	stats   Statistics
	// 按成交量加权的滑点累计
	slipNotional float64
}

type activeEntry struct {
	mu     sync.Mutex
	info   ActiveExecution
	cancel context.CancelFunc
}

func (e *activeEntry) snapshot() ActiveExecution {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.info
	out.TaskIDs = append([]string(nil), e.info.TaskIDs...)
	out.IcebergIDs = append([]string(nil), e.info.IcebergIDs...)
	return out
}

func (e *activeEntry) canceled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info.Canceled
}

// New 创建路由器
func New(cfg Config, c Components) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := validateComponents(c); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}
	lg := c.Logger
	if lg == nil {
		lg = logger.NewNop()
	}
	bus := c.Bus
	if bus == nil {
		bus = events.NewBus(lg.Logger)
	}
	return &Router{
		analyzer:  c.Analyzer,
		slippage:  c.Slippage,
		scheduled: c.Scheduled,
		iceberg:   c.Iceberg,
		gw:        gateway.OrDefault(c.Gateway),
		clock:     clock.OrDefault(c.Clock),
		logger:    lg.Named("router"),
		bus:       bus,
		emitter:   events.NewEmitter(bus, "execution_router"),
		monitor:   c.Monitor,
		alerts:    c.Alerts,
		config:    cfg,
		active:    make(map[string]*activeEntry),
		stats:     Statistics{ByStrategy: make(map[Strategy]int64)},
	}, nil
}

// Config 当前配置
func (r *Router) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// UpdateConfig 校验后整体替换配置，对之后的执行生效。
func (r *Router) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	r.mu.Lock()
	r.config = cfg
	r.mu.Unlock()
	r.logger.Info("router config updated",
		zap.Duration("twap_duration", cfg.TWAPDuration),
		zap.Int("slice_count", cfg.SliceCount),
		zap.Float64("iceberg_share", cfg.IcebergShare))
	return nil
}

// Subscribe 订阅执行事件；切片器与路由器共享总线，切片事件同样可见。
func (r *Router) Subscribe(buffer int, types ...events.Type) (<-chan events.Event, func()) {
	return r.bus.Subscribe(buffer, types...)
}

// AnalyzeMarket 执行前市场分析：深度、流动性、冲击、趋势、滑点风险、最优时刻、规模分类与综合风险。
func (r *Router) AnalyzeMarket(o Order) MarketAnalysis {
	cfg := r.Config()
	inst := o.Instrument
	out := MarketAnalysis{Instrument: inst, Timestamp: r.clock.Now()}

	urgency, _ := market.ParseUrgency(string(o.Urgency))
	if book, ok := r.analyzer.FreshOrderBook(inst); ok {
		depth, cached := r.analyzer.LastAnalysis(inst)
		if !cached {
			depth = r.analyzer.AnalyzeDepth(book, "")
			depth.Instrument = inst
		}
		out.Depth = &depth
		impact := r.analyzer.EstimateImpactCost(inst, o.Side, o.Size, book)
		out.Impact = &impact
		out.OptimalPrice = r.analyzer.CalculateOptimalPrice(inst, o.Side, o.Size, urgency, book)
	}
	out.Liquidity = r.analyzer.AssessLiquidity(inst, o.Size, out.Depth)
	out.Trend = r.analyzer.AnalyzeTrend(inst, cfg.TrendLookback)
	out.Condition = r.analyzer.MarketCondition(inst)
	out.SlippageRisk = r.slippage.CurrentRisk(inst)
	out.OptimalTime = r.slippage.OptimalExecutionTime(inst, cfg.OptimalWithin, true)
	out.SizeClass = ClassifyOrderSize(o.Size, r.analyzer.DailyVolume(inst), cfg.SizeThresholds)
	out.RiskLevel, out.RiskScore = AggregateRiskLevel(
		LiquidityScore(out.Liquidity.Level),
		out.SlippageRisk.Score,
		ImpactScore(out.Impact))
	return out
}

func contextOf(a MarketAnalysis) MarketContext {
	mc := MarketContext{
		Liquidity:    a.Liquidity.Level,
		Condition:    a.Condition.Condition,
		Trend:        a.Trend.Trend,
		SlippageRisk: a.SlippageRisk.Level,
		RiskLevel:    a.RiskLevel,
		SizeClass:    a.SizeClass,
	}
	if a.Depth != nil {
		mc.MidPrice = a.Depth.MidPrice
		mc.SpreadBps = a.Depth.SpreadBps
	}
	if a.Impact != nil {
		mc.Impact = a.Impact.Level
	}
	return mc
}

// Execute 执行一个订单。只有顶层准备失败（参数非法、无价格、direct 下单失败、切片任务无法启动）返回 error；
// 切片任务的紧急停止以 Success=false 的结果返回。
func (r *Router) Execute(ctx context.Context, o Order) (ExecutionResult, error) {
	if err := o.Validate(); err != nil {
		return ExecutionResult{}, err
	}
	o.Urgency, _ = market.ParseUrgency(string(o.Urgency))
	o.Strategy, _ = ParseStrategy(string(o.Strategy))
	cfg := r.Config()
	if o.MaxSlippage == 0 {
		o.MaxSlippage = cfg.MaxSlippage
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}

	started := r.clock.Now()
	analysis := r.AnalyzeMarket(o)
	strategy := SelectStrategy(analysis, o)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	entry := &activeEntry{
		info:   ActiveExecution{ID: o.ID, Order: o, Strategy: strategy, StartedAt: started},
		cancel: cancel,
	}
	r.mu.Lock()
	if _, dup := r.active[o.ID]; dup {
		r.mu.Unlock()
		return ExecutionResult{}, fmt.Errorf("%w: duplicate execution id %s", ErrInvalidOrder, o.ID)
	}
	r.active[o.ID] = entry
	r.mu.Unlock()
	r.monitor.AddActiveTasks("router", 1)
	defer func() {
		r.mu.Lock()
		delete(r.active, o.ID)
		r.mu.Unlock()
		r.monitor.AddActiveTasks("router", -1)
	}()

	res := ExecutionResult{
		ID:            o.ID,
		Order:         o,
		Strategy:      strategy,
		RequestedSize: o.Size,
		RemainingSize: o.Size,
		Context:       contextOf(analysis),
		StartedAt:     started,
	}
	r.logger.LogExecution("started", o.ID, map[string]interface{}{
		"instrument": o.Instrument,
		"side":       string(o.Side),
		"size":       o.Size,
		"urgency":    string(o.Urgency),
		"strategy":   string(strategy),
		"risk_level": string(analysis.RiskLevel),
		"size_class": string(analysis.SizeClass),
	})

	if o.Urgency != market.UrgencyCritical {
		decision := r.slippage.ShouldDelayExecution(o.Instrument, o.Size)
		if decision.ShouldDelay {
			res.DelayRecommended = true
			if o.Urgency == market.UrgencyLow {
				delay := decision.Delay
				if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
					delay = cfg.MaxDelay
				}
				r.logger.Info("delaying execution",
					zap.String("execution_id", o.ID),
					zap.Duration("delay", delay),
					zap.String("reason", decision.Reason))
				if err := r.clock.Sleep(ctx, delay); err != nil {
					res.Error = fmt.Errorf("%w during delay: %v", ErrExecutionCancelled, err).Error()
					return r.finish(res, ExecutionCanceled), nil
				}
				res.Delayed = delay
			} else {
				r.logger.Info("delay recommended but urgency too high to wait",
					zap.String("execution_id", o.ID),
					zap.String("urgency", string(o.Urgency)),
					zap.Duration("recommended", decision.Delay))
			}
		}
	}

	var (
		out outcome
		err error
	)
	switch strategy {
	case StrategyDirect:
		out, err = r.executeDirect(ctx, o, o.Size)
	case StrategyTWAP:
		out, err = r.executeScheduled(ctx, entry, o, algo.AlgorithmTWAP, cfg.TWAPDuration, cfg.SliceCount, analysis)
	case StrategyVWAP:
		out, err = r.executeScheduled(ctx, entry, o, algo.AlgorithmVWAP, cfg.VWAPDuration, cfg.SliceCount, analysis)
	case StrategyIceberg:
		out, err = r.executeIceberg(ctx, entry, o, o.Size)
	case StrategyAdaptive:
		out, err = r.executeAdaptive(ctx, entry, o, cfg.IcebergShare)
	default:
		err = fmt.Errorf("%w: unsupported strategy %q", ErrInvalidOrder, strategy)
	}
	if err != nil {
		res.Error = err.Error()
		return r.finish(res, ExecutionFailed), err
	}

	res.ExecutedSize = out.executed
	res.RemainingSize = math.Max(0, o.Size-out.executed)
	res.AvgPrice = out.avgPrice
	res.BenchmarkPrice = out.benchmark
	res.Slippage = slippageVs(o.Side, out.avgPrice, out.benchmark)
	res.SlippageBps = res.Slippage * 1e4
	res.TaskIDs = out.taskIDs
	res.IcebergIDs = out.icebergIDs
	res.Error = out.err

	status := ExecutionCompleted
	switch {
	case entry.canceled() || out.canceled:
		status = ExecutionCanceled
	case !out.success && out.executed > 0:
		status = ExecutionPartial
	case !out.success:
		status = ExecutionFailed
	}
	return r.finish(res, status), nil
}

// finish 写历史、更新统计、回灌滑点模型并发布完成/失败事件。
func (r *Router) finish(res ExecutionResult, status ExecutionStatus) ExecutionResult {
	now := r.clock.Now()
	res.Status = status
	res.Success = status == ExecutionCompleted
	res.CompletedAt = now

	cfg := r.Config()
	r.mu.Lock()
	r.history = append(r.history, res)
	if cfg.HistoryLimit > 0 && len(r.history) > cfg.HistoryLimit {
		r.history = append([]ExecutionResult(nil), r.history[len(r.history)-cfg.HistoryLimit:]...)
	}
	r.stats.TotalExecutions++
	r.stats.ByStrategy[res.Strategy]++
	switch status {
	case ExecutionCompleted:
		r.stats.Successful++
	case ExecutionCanceled:
		r.stats.Canceled++
	default:
		r.stats.Failed++
	}
	if res.Delayed > 0 {
		r.stats.Delayed++
	}
	if res.ExecutedSize > 0 {
		r.stats.TotalVolume += res.ExecutedSize
		r.slipNotional += res.SlippageBps * res.ExecutedSize
		r.stats.AvgSlippageBps = r.slipNotional / r.stats.TotalVolume
	}
	r.stats.LastExecution = now
	r.mu.Unlock()

	if res.ExecutedSize > 0 && res.BenchmarkPrice > 0 {
		sample := risk.SlippageSample{
			Instrument: res.Order.Instrument,
			Slippage:   math.Abs(res.Slippage),
			Favorable:  res.Slippage < 0,
			Side:       res.Order.Side,
			Size:       res.ExecutedSize,
			Spread:     res.Context.SpreadBps / 1e4,
			Volatility: r.analyzer.Volatility(res.Order.Instrument),
			Timestamp:  now,
		}
		if _, err := r.slippage.RecordSlippage(sample); err != nil {
			r.logger.Warn("record slippage failed", zap.String("execution_id", res.ID), zap.Error(err))
		}
	}

	r.monitor.RecordExecution(string(res.Strategy), res.Success, now.Sub(res.StartedAt).Seconds(), res.SlippageBps)
	fields := map[string]interface{}{
		"strategy":     string(res.Strategy),
		"status":       string(res.Status),
		"executed":     res.ExecutedSize,
		"remaining":    res.RemainingSize,
		"avg_price":    res.AvgPrice,
		"slippage_bps": res.SlippageBps,
	}
	if res.Success {
		r.emitter.Emit(events.ExecutionCompleted, res.ID, now, res)
		r.logger.LogExecution("completed", res.ID, fields)
	} else {
		r.emitter.Emit(events.ExecutionFailed, res.ID, now, res)
		fields["error"] = res.Error
		r.logger.LogExecution(string(status), res.ID, fields)
		if status == ExecutionFailed {
			_ = r.alerts.Error("router", "execution:"+res.Order.Instrument, "execution failed", fields)
		}
	}
	return res
}

// Cancel 取消进行中的执行：立即标记并撤销底层切片任务/冰山单，不等待网关。
func (r *Router) Cancel(id string) error {
	r.mu.RLock()
	entry, ok := r.active[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExecution, id)
	}
	entry.mu.Lock()
	if entry.info.Canceled {
		entry.mu.Unlock()
		return nil
	}
	entry.info.Canceled = true
	taskIDs := append([]string(nil), entry.info.TaskIDs...)
	icebergIDs := append([]string(nil), entry.info.IcebergIDs...)
	entry.mu.Unlock()

	for _, tid := range taskIDs {
		if err := r.scheduled.Cancel(tid); err != nil && !errors.Is(err, algo.ErrTaskNotFound) {
			r.logger.Warn("cancel task failed", zap.String("task_id", tid), zap.Error(err))
		}
	}
	for _, iid := range icebergIDs {
		if err := r.iceberg.Cancel(iid); err != nil && !errors.Is(err, algo.ErrTaskNotFound) {
			r.logger.Warn("cancel iceberg failed", zap.String("iceberg_id", iid), zap.Error(err))
		}
	}
	entry.cancel()
	r.logger.Info("execution canceled", zap.String("execution_id", id))
	return nil
}

// Active 进行中的执行
func (r *Router) Active() []ActiveExecution {
	r.mu.RLock()
	entries := make([]*activeEntry, 0, len(r.active))
	for _, e := range r.active {
		entries = append(entries, e)
	}
	r.mu.RUnlock()
	out := make([]ActiveExecution, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

// History 最近 limit 条执行记录，最新在后；limit<=0 返回全部。
func (r *Router) History(limit int) []ExecutionResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := r.history
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	return append([]ExecutionResult(nil), items...)
}

// Statistics 返回统计快照
func (r *Router) Statistics() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.stats
	s.ByStrategy = make(map[Strategy]int64, len(r.stats.ByStrategy))
	for k, v := range r.stats.ByStrategy {
		s.ByStrategy[k] = v
	}
	s.Active = len(r.active)
	return s
}

// slippageVs 相对基准价的不利滑点（比例）。
func slippageVs(side gateway.Side, price, benchmark float64) float64 {
	if price <= 0 || benchmark <= 0 {
		return 0
	}
	if side == gateway.SideBuy {
		return (price - benchmark) / benchmark
	}
	return (benchmark - price) / benchmark
}

// Close 取消所有进行中的执行。
func (r *Router) Close() {
	for _, a := range r.Active() {
		_ = r.Cancel(a.ID)
	}
}
