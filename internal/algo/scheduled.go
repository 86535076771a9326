package algo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"exec-alpha-go/gateway"
	"exec-alpha-go/internal/events"
	"exec-alpha-go/market"
)

// ScheduledConfig TWAP/VWAP/自适应定时切片配置
type ScheduledConfig struct {
	DefaultDuration   time.Duration `yaml:"defaultDuration"`
	DefaultSliceCount int           `yaml:"defaultSliceCount"`
	InterSliceDelay   time.Duration `yaml:"interSliceDelay"` // 切片之间的固定间隔
	RetryDelay        time.Duration `yaml:"retryDelay"`      // 限价/价格偏离不满足时推迟

	MaxSlippage      float64 `yaml:"maxSlippage"`      // 累计不利滑点超过即紧急停止
	PriceDeviation   float64 `yaml:"priceDeviation"`   // 实时价相对基准价偏离阈值
	MaxParticipation float64 `yaml:"maxParticipation"` // 切片占区间预估成交量上限

	VolatileMultiplier     float64 `yaml:"volatileMultiplier"`
	LowLiquidityMultiplier float64 `yaml:"lowLiquidityMultiplier"`
	TrendingMultiplier     float64 `yaml:"trendingMultiplier"`

	ChildTimeout     time.Duration `yaml:"childTimeout"`
	FailureWindow    int           `yaml:"failureWindow"`
	FailureThreshold int           `yaml:"failureThreshold"`
	HistoryLimit     int           `yaml:"historyLimit"`

	VolumeCurve [24]float64 `yaml:"volumeCurve"`
}

// DefaultScheduledConfig 返回默认配置
func DefaultScheduledConfig() ScheduledConfig {
	return ScheduledConfig{
		DefaultDuration:        30 * time.Minute,
		DefaultSliceCount:      10,
		InterSliceDelay:        100 * time.Millisecond,
		RetryDelay:             5 * time.Second,
		MaxSlippage:            0.01,
		PriceDeviation:         0.02,
		MaxParticipation:       0.1,
		VolatileMultiplier:     0.7,
		LowLiquidityMultiplier: 0.5,
		TrendingMultiplier:     1.2,
		ChildTimeout:           30 * time.Second,
		FailureWindow:          5,
		FailureThreshold:       3,
		HistoryLimit:           100,
		VolumeCurve:            DefaultVolumeCurve,
	}
}

// Validate 校验配置
func (c ScheduledConfig) Validate() error {
	if c.DefaultDuration <= 0 || c.DefaultSliceCount <= 0 {
		return errors.New("scheduled: default duration and slice count must be > 0")
	}
	if c.InterSliceDelay < 0 || c.RetryDelay <= 0 || c.ChildTimeout < 0 {
		return errors.New("scheduled: delays must be non-negative and retryDelay > 0")
	}
	if c.MaxSlippage <= 0 || c.PriceDeviation < 0 || c.MaxParticipation < 0 {
		return errors.New("scheduled: maxSlippage must be > 0, deviation/participation >= 0")
	}
	if c.VolatileMultiplier <= 0 || c.LowLiquidityMultiplier <= 0 || c.TrendingMultiplier <= 0 {
		return errors.New("scheduled: condition multipliers must be > 0")
	}
	if c.FailureWindow <= 0 || c.FailureThreshold <= 0 || c.FailureThreshold > c.FailureWindow {
		return errors.New("scheduled: failure threshold must be within (0, window]")
	}
	return nil
}

// TaskParams 创建定时切片任务的参数；零值字段取配置默认值。
type TaskParams struct {
	Algorithm        Algorithm      `json:"algorithm"`
	Exchange         string         `json:"exchange"`
	Instrument       string         `json:"instrument"`
	Side             gateway.Side   `json:"side"`
	TotalSize        float64        `json:"totalSize"`
	Duration         time.Duration  `json:"duration"`
	SliceCount       int            `json:"sliceCount"`
	LimitPrice       float64        `json:"limitPrice"`
	MaxSlippage      float64        `json:"maxSlippage"`
	PriceDeviation   float64        `json:"priceDeviation"`
	MaxParticipation float64        `json:"maxParticipation"`
	NoAdjust         bool           `json:"noAdjust"` // 关闭按市场状态的动态调整
	Adaptive         AdaptiveInputs `json:"adaptive"`
}

// SliceRecord 一次切片执行记录。
type SliceRecord struct {
	Index         int       `json:"index"`
	Supplementary bool      `json:"supplementary"`
	Requested     float64   `json:"requested"`
	Filled        float64   `json:"filled"`
	Price         float64   `json:"price"`
	OrderID       string    `json:"orderId"`
	Success       bool      `json:"success"`
	TimedOut      bool      `json:"timedOut"`
	Error         string    `json:"error,omitempty"`
	Time          time.Time `json:"time"`
}

// Adjustment 动态调整记录。
type Adjustment struct {
	Index            int              `json:"index"`
	Original         float64          `json:"original"`
	Adjusted         float64          `json:"adjusted"`
	Condition        market.Condition `json:"condition"`
	ParticipationCap float64          `json:"participationCap"`
	Time             time.Time        `json:"time"`
}

// Task 定时切片任务快照。ExecutedSize+RemainingSize 恒等于 TotalSize。
type Task struct {
	ID             string        `json:"id"`
	Params         TaskParams    `json:"params"`
	Status         Status        `json:"status"`
	Slices         []Slice       `json:"slices"`
	NextSlice      int           `json:"nextSlice"`
	TotalSize      float64       `json:"totalSize"`
	ExecutedSize   float64       `json:"executedSize"`
	RemainingSize  float64       `json:"remainingSize"`
	AvgPrice       float64       `json:"avgPrice"`
	BenchmarkPrice float64       `json:"benchmarkPrice"`
	Slippage       float64       `json:"slippage"` // 累计不利滑点（比例）
	CompletionRate float64       `json:"completionRate"`
	Deferrals      int           `json:"deferrals"` // 价格偏离导致的推迟次数
	Skipped        int           `json:"skipped"`   // 限价不满足而跳过的切片数
	Records        []SliceRecord `json:"records"`
	Adjustments    []Adjustment  `json:"adjustments"`
	CreatedAt      time.Time     `json:"createdAt"`
	StartedAt      time.Time     `json:"startedAt"`
	EndAt          time.Time     `json:"endAt"`
	CompletedAt    time.Time     `json:"completedAt"`
	Error          string        `json:"error,omitempty"`
}

type taskState struct {
	mu          sync.Mutex
	task        Task
	gate        gate
	cancel      context.CancelFunc
	done        chan struct{}
	inflight    string
	failures    failureWindow
	notional    float64
	pausedAt    time.Time
	pausedTotal time.Duration
}

func (st *taskState) snapshotLocked() Task {
	t := st.task
	t.Slices = append([]Slice(nil), st.task.Slices...)
	t.Records = append([]SliceRecord(nil), st.task.Records...)
	t.Adjustments = append([]Adjustment(nil), st.task.Adjustments...)
	return t
}

func (st *taskState) snapshot() Task {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshotLocked()
}

// ScheduledSlicer 按时间表释放切片：每个任务一个控制循环 goroutine。
type ScheduledSlicer struct {
	cfg     ScheduledConfig
	deps    Deps
	logger  *zap.Logger
	emitter events.Emitter
	exec    childExecutor

	active  *registry[*taskState]
	history *history[Task]
}

// NewScheduledSlicer 创建定时切片执行器
func NewScheduledSlicer(cfg ScheduledConfig, deps Deps) (*ScheduledSlicer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduled config: %w", err)
	}
	deps = deps.withDefaults()
	logger := deps.Logger.Named("scheduled")
	return &ScheduledSlicer{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		emitter: events.NewEmitter(deps.Bus, "scheduled_slicer"),
		exec: childExecutor{
			gw:      deps.Gateway,
			monitor: deps.Monitor,
			logger:  logger,
			algo:    "scheduled",
			timeout: cfg.ChildTimeout,
		},
		active:  newRegistry[*taskState](),
		history: &history[Task]{limit: cfg.HistoryLimit},
	}, nil
}

// Subscribe 订阅任务事件
func (s *ScheduledSlicer) Subscribe(buffer int, types ...events.Type) (<-chan events.Event, func()) {
	return s.deps.Bus.Subscribe(buffer, types...)
}

// CreateTask 校验参数并生成切片计划，任务处于 pending。
func (s *ScheduledSlicer) CreateTask(p TaskParams) (Task, error) {
	if p.Instrument == "" || !p.Side.Valid() || p.TotalSize <= 0 || math.IsNaN(p.TotalSize) {
		return Task{}, fmt.Errorf("%w: instrument, side and positive size required", ErrInvalidParams)
	}
	if p.Duration < 0 || p.SliceCount < 0 || p.LimitPrice < 0 {
		return Task{}, fmt.Errorf("%w: negative duration, slice count or limit", ErrInvalidParams)
	}
	if p.Algorithm == "" {
		p.Algorithm = AlgorithmTWAP
	}
	if p.Duration == 0 {
		p.Duration = s.cfg.DefaultDuration
	}
	if p.SliceCount == 0 {
		p.SliceCount = s.cfg.DefaultSliceCount
	}
	if p.MaxSlippage == 0 {
		p.MaxSlippage = s.cfg.MaxSlippage
	}
	if p.PriceDeviation == 0 {
		p.PriceDeviation = s.cfg.PriceDeviation
	}
	if p.MaxParticipation == 0 {
		p.MaxParticipation = s.cfg.MaxParticipation
	}

	now := s.deps.Clock.Now()
	var slices []Slice
	switch p.Algorithm {
	case AlgorithmTWAP:
		slices = PlanTWAP(p.TotalSize, p.Duration, p.SliceCount)
	case AlgorithmVWAP:
		slices = PlanVWAP(p.TotalSize, now, p.Duration, p.SliceCount, s.cfg.VolumeCurve)
	case AlgorithmAdaptive:
		slices = PlanAdaptive(p.TotalSize, p.Duration, p.SliceCount, p.Adaptive)
	default:
		return Task{}, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidParams, p.Algorithm)
	}

	st := &taskState{
		task: Task{
			ID:            uuid.NewString(),
			Params:        p,
			Status:        StatusPending,
			Slices:        slices,
			TotalSize:     p.TotalSize,
			RemainingSize: p.TotalSize,
			CreatedAt:     now,
		},
		done:     make(chan struct{}),
		failures: failureWindow{size: s.cfg.FailureWindow, threshold: s.cfg.FailureThreshold},
	}
	s.active.put(st.task.ID, st)
	snap := st.snapshot()
	s.emitter.Emit(events.TaskCreated, snap.ID, now, snap)
	s.logger.Info("task created",
		zap.String("task_id", snap.ID),
		zap.String("algorithm", string(p.Algorithm)),
		zap.String("instrument", p.Instrument),
		zap.Float64("size", p.TotalSize),
		zap.Int("slices", len(slices)))
	return snap, nil
}

// CreateTWAPTask 等量等间隔任务
func (s *ScheduledSlicer) CreateTWAPTask(p TaskParams) (Task, error) {
	p.Algorithm = AlgorithmTWAP
	return s.CreateTask(p)
}

// CreateVWAPTask 按成交量曲线分配的任务
func (s *ScheduledSlicer) CreateVWAPTask(p TaskParams) (Task, error) {
	p.Algorithm = AlgorithmVWAP
	return s.CreateTask(p)
}

// CreateAdaptiveTask 按市场输入塑形的任务
func (s *ScheduledSlicer) CreateAdaptiveTask(p TaskParams) (Task, error) {
	p.Algorithm = AlgorithmAdaptive
	return s.CreateTask(p)
}

func (s *ScheduledSlicer) lookup(id string) (*taskState, error) {
	st, ok := s.active.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return st, nil
}

// Start 启动 pending 任务（paused 任务等同 Resume）；ctx 结束视为取消。
func (s *ScheduledSlicer) Start(ctx context.Context, id string) error {
	st, err := s.lookup(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	switch st.task.Status {
	case StatusPaused:
		st.mu.Unlock()
		return s.Resume(id)
	case StatusPending:
	default:
		status := st.task.Status
		st.mu.Unlock()
		return fmt.Errorf("%w: cannot start task in %s", ErrInvalidState, status)
	}
	p := st.task.Params
	bench := referencePrice(s.deps.Market, p.Instrument, p.Side, p.LimitPrice)
	if bench <= 0 {
		st.mu.Unlock()
		return fmt.Errorf("%w for %s", ErrNoReferencePrice, p.Instrument)
	}
	now := s.deps.Clock.Now()
	st.task.Status = StatusRunning
	st.task.StartedAt = now
	st.task.EndAt = now.Add(p.Duration)
	st.task.BenchmarkPrice = bench
	runCtx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	snap := st.snapshotLocked()
	st.mu.Unlock()

	s.deps.Monitor.AddActiveTasks("scheduled", 1)
	s.emitter.Emit(events.TaskStarted, id, now, snap)
	s.logger.Info("task started", zap.String("task_id", id), zap.Float64("benchmark", bench))
	go s.run(runCtx, st)
	return nil
}

// Run 启动并等待任务结束。
func (s *ScheduledSlicer) Run(ctx context.Context, id string) (Task, error) {
	if err := s.Start(ctx, id); err != nil {
		return Task{}, err
	}
	return s.Wait(ctx, id)
}

// Wait 等待任务进入终态。
func (s *ScheduledSlicer) Wait(ctx context.Context, id string) (Task, error) {
	st, ok := s.active.get(id)
	if !ok {
		if t, ok := s.findHistory(id); ok {
			return t, nil
		}
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	select {
	case <-st.done:
		return st.snapshot(), nil
	case <-ctx.Done():
		return st.snapshot(), ctx.Err()
	}
}

// Pause 暂停运行中的任务
func (s *ScheduledSlicer) Pause(id string) error {
	st, err := s.lookup(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	if st.task.Status != StatusRunning {
		status := st.task.Status
		st.mu.Unlock()
		return fmt.Errorf("%w: cannot pause task in %s", ErrInvalidState, status)
	}
	now := s.deps.Clock.Now()
	st.task.Status = StatusPaused
	st.pausedAt = now
	st.gate.pause()
	st.mu.Unlock()
	s.emitter.Emit(events.TaskPaused, id, now, nil)
	return nil
}

// Resume 恢复暂停的任务；暂停时长顺延后续切片时间表。
func (s *ScheduledSlicer) Resume(id string) error {
	st, err := s.lookup(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	if st.task.Status != StatusPaused {
		status := st.task.Status
		st.mu.Unlock()
		return fmt.Errorf("%w: cannot resume task in %s", ErrInvalidState, status)
	}
	now := s.deps.Clock.Now()
	st.task.Status = StatusRunning
	st.pausedTotal += now.Sub(st.pausedAt)
	st.gate.resume()
	st.mu.Unlock()
	s.emitter.Emit(events.TaskResumed, id, now, nil)
	return nil
}

// Cancel 立即置为 canceled 并尽力撤销在途子单，不等待网关。
func (s *ScheduledSlicer) Cancel(id string) error {
	st, err := s.lookup(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	if st.task.Status.Terminal() {
		status := st.task.Status
		st.mu.Unlock()
		return fmt.Errorf("%w: task already %s", ErrInvalidState, status)
	}
	wasPending := st.task.Status == StatusPending
	st.task.Status = StatusCanceled
	inflight := st.inflight
	cancel := st.cancel
	st.mu.Unlock()

	now := s.deps.Clock.Now()
	s.emitter.Emit(events.TaskCanceled, id, now, nil)
	s.logger.Info("task canceled", zap.String("task_id", id))
	if wasPending {
		s.finalize(context.Background(), st, "")
		return nil
	}
	cancel()
	s.exec.cancelAsync(inflight)
	return nil
}

// Task 返回活跃或历史任务快照。
func (s *ScheduledSlicer) Task(id string) (Task, bool) {
	if st, ok := s.active.get(id); ok {
		return st.snapshot(), true
	}
	return s.findHistory(id)
}

func (s *ScheduledSlicer) findHistory(id string) (Task, bool) {
	items := s.history.snapshot(0)
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].ID == id {
			return items[i], true
		}
	}
	return Task{}, false
}

// ActiveTasks 活跃任务（按创建顺序）。
func (s *ScheduledSlicer) ActiveTasks() []Task {
	states := s.active.list()
	out := make([]Task, 0, len(states))
	for _, st := range states {
		out = append(out, st.snapshot())
	}
	return out
}

// History 最近 limit 个已结束任务。
func (s *ScheduledSlicer) History(limit int) []Task {
	return s.history.snapshot(limit)
}

func (s *ScheduledSlicer) run(ctx context.Context, st *taskState) {
	defer st.cancel()
	reason := s.loop(ctx, st)
	s.finalize(ctx, st, reason)
}

// loop 控制循环；返回非空 reason 表示紧急停止。
func (s *ScheduledSlicer) loop(ctx context.Context, st *taskState) string {
	st.mu.Lock()
	p := st.task.Params
	slices := st.task.Slices
	st.mu.Unlock()

	clk := s.deps.Clock
	idx := 0
	overtimeLogged := false
	supplementaryDone := false
	for {
		if err := st.gate.wait(ctx); err != nil || ctx.Err() != nil {
			return ""
		}
		st.mu.Lock()
		remaining := st.task.RemainingSize
		start := st.task.StartedAt.Add(st.pausedTotal)
		deadline := st.task.EndAt.Add(st.pausedTotal)
		bench := st.task.BenchmarkPrice
		st.mu.Unlock()
		if remaining <= sizeEpsilon {
			return ""
		}

		now := clk.Now()
		if now.After(deadline) && !overtimeLogged {
			s.logger.Warn("task past end time, draining remainder",
				zap.String("task_id", st.task.ID),
				zap.Float64("remaining", remaining))
			overtimeLogged = true
		}

		size := remaining
		supplementary := idx >= len(slices)
		if supplementary && supplementaryDone {
			return ""
		}
		if !supplementary {
			due := start.Add(slices[idx].Offset)
			if wait := due.Sub(now); wait > 0 {
				if err := clk.Sleep(ctx, wait); err != nil {
					return ""
				}
				continue
			}
			size = slices[idx].Size
			if !p.NoAdjust {
				size = s.adjust(st, idx, size)
			}
			size = math.Min(size, remaining)
		}
		if size <= sizeEpsilon {
			idx++
			continue
		}

		price := referencePrice(s.deps.Market, p.Instrument, p.Side, bench)
		if limitViolated(p.Side, price, p.LimitPrice) {
			// 跳过本片，余量留给补充切片
			st.mu.Lock()
			st.task.Skipped++
			st.mu.Unlock()
			s.logger.Debug("slice skipped on limit price",
				zap.String("task_id", st.task.ID),
				zap.Int("slice", idx),
				zap.Bool("supplementary", supplementary),
				zap.Float64("price", price),
				zap.Float64("limit", p.LimitPrice))
			if supplementary {
				return ""
			}
			idx++
			st.mu.Lock()
			st.task.NextSlice = idx
			st.mu.Unlock()
			continue
		}
		if deviated(price, bench, p.PriceDeviation) {
			st.mu.Lock()
			st.task.Deferrals++
			st.mu.Unlock()
			s.logger.Debug("slice deferred",
				zap.String("task_id", st.task.ID),
				zap.Float64("price", price),
				zap.Float64("benchmark", bench))
			if err := clk.Sleep(ctx, s.cfg.RetryDelay); err != nil {
				return ""
			}
			continue
		}

		rec, tripped, err := s.executeSlice(ctx, st, idx, supplementary, size, price)
		if ctx.Err() != nil {
			return ""
		}
		switch {
		case IsUnrecoverable(err):
			return "unrecoverable: " + err.Error()
		case tripped:
			return fmt.Sprintf("%d of last %d slices failed", s.cfg.FailureThreshold, s.cfg.FailureWindow)
		}
		if err != nil {
			s.logger.Warn("slice failed", zap.String("task_id", st.task.ID), zap.Int("slice", rec.Index), zap.Error(err))
		}
		st.mu.Lock()
		slip := st.task.Slippage
		st.mu.Unlock()
		if slip > p.MaxSlippage {
			return fmt.Sprintf("cumulative slippage %.4f exceeds %.4f", slip, p.MaxSlippage)
		}

		if supplementary {
			supplementaryDone = true
			continue
		}
		idx++
		st.mu.Lock()
		st.task.NextSlice = idx
		st.mu.Unlock()
		if err := clk.Sleep(ctx, s.cfg.InterSliceDelay); err != nil {
			return ""
		}
	}
}

func deviated(price, bench, threshold float64) bool {
	if threshold <= 0 || bench <= 0 {
		return false
	}
	return math.Abs(price-bench)/bench > threshold
}

// adjust 按市场状态缩放切片，并按参与率上限封顶。
func (s *ScheduledSlicer) adjust(st *taskState, idx int, size float64) float64 {
	view := s.deps.Market
	if view == nil {
		return size
	}
	st.mu.Lock()
	p := st.task.Params
	st.mu.Unlock()

	cond := view.MarketCondition(p.Instrument).Condition
	adjusted := size
	switch cond {
	case market.ConditionVolatile:
		adjusted *= s.cfg.VolatileMultiplier
	case market.ConditionLowLiquidity:
		adjusted *= s.cfg.LowLiquidityMultiplier
	case market.ConditionTrending:
		adjusted *= s.cfg.TrendingMultiplier
	}

	now := s.deps.Clock.Now()
	capSize := 0.0
	if dv := view.DailyVolume(p.Instrument); dv > 0 && p.MaxParticipation > 0 {
		interval := p.Duration / time.Duration(p.SliceCount)
		expected := dv * curveShare(s.cfg.VolumeCurve, now.UTC().Hour()) * interval.Hours()
		capSize = p.MaxParticipation * expected
		adjusted = math.Min(adjusted, capSize)
	}
	if adjusted != size {
		st.mu.Lock()
		st.task.Adjustments = append(st.task.Adjustments, Adjustment{
			Index:            idx,
			Original:         size,
			Adjusted:         adjusted,
			Condition:        cond,
			ParticipationCap: capSize,
			Time:             now,
		})
		st.mu.Unlock()
	}
	return adjusted
}

func (s *ScheduledSlicer) executeSlice(ctx context.Context, st *taskState, idx int, supplementary bool, size, price float64) (SliceRecord, bool, error) {
	st.mu.Lock()
	p := st.task.Params
	clientID := uuid.NewString()
	st.inflight = clientID
	st.mu.Unlock()

	fill, timedOut, err := s.exec.place(ctx, gateway.OrderRequest{
		Exchange: p.Exchange,
		Symbol:   p.Instrument,
		Side:     p.Side,
		Type:     gateway.OrderTypeLimit,
		Amount:   size,
		Price:    price,
		ClientID: clientID,
	})

	now := s.deps.Clock.Now()
	rec := SliceRecord{
		Index:         idx,
		Supplementary: supplementary,
		Requested:     size,
		Price:         price,
		OrderID:       fill.OrderID,
		Success:       err == nil && fill.FilledAmount > 0,
		TimedOut:      timedOut,
		Time:          now,
	}
	switch {
	case err != nil:
		rec.Error = err.Error()
	case fill.FilledAmount <= 0:
		rec.Error = "no fill"
	}

	st.mu.Lock()
	st.inflight = ""
	if err == nil && fill.FilledAmount > 0 {
		filled := math.Min(fill.FilledAmount, st.task.RemainingSize)
		px := fill.AvgPrice
		if px <= 0 {
			px = price
		}
		rec.Filled = filled
		rec.Price = px
		st.notional += filled * px
		st.task.ExecutedSize += filled
		st.task.RemainingSize = math.Max(0, st.task.TotalSize-st.task.ExecutedSize)
		st.task.AvgPrice = st.notional / st.task.ExecutedSize
		st.task.Slippage = adverseSlippage(p.Side, st.task.AvgPrice, st.task.BenchmarkPrice)
	}
	st.task.Records = append(st.task.Records, rec)
	tripped := st.failures.add(rec.Success)
	st.mu.Unlock()

	s.emitter.Emit(events.AlgoSliceExecuted, st.task.ID, now, rec)
	return rec, tripped, err
}

func (s *ScheduledSlicer) finalize(ctx context.Context, st *taskState, reason string) {
	now := s.deps.Clock.Now()
	st.mu.Lock()
	wasStarted := !st.task.StartedAt.IsZero()
	switch {
	case st.task.Status == StatusCanceled:
	case reason != "":
		st.task.Status = StatusFailed
		st.task.Error = reason
	case ctx.Err() != nil:
		st.task.Status = StatusCanceled
	case st.task.RemainingSize <= sizeEpsilon:
		st.task.Status = StatusCompleted
	default:
		st.task.Status = StatusFailed
		st.task.Error = "unfilled remainder"
		if st.task.Skipped > 0 {
			st.task.Error = "unfilled remainder: limit price not reached"
		}
	}
	st.task.CompletedAt = now
	st.task.CompletionRate = st.task.ExecutedSize / st.task.TotalSize
	snap := st.snapshotLocked()
	st.mu.Unlock()

	s.active.remove(snap.ID)
	s.history.add(snap)
	if wasStarted {
		s.deps.Monitor.AddActiveTasks("scheduled", -1)
	}
	if reason != "" {
		s.emergencyStop(snap, reason)
	}
	s.emitter.Emit(events.AlgoTaskCompleted, snap.ID, now, snap)
	s.logger.Info("task finished",
		zap.String("task_id", snap.ID),
		zap.String("status", string(snap.Status)),
		zap.Float64("executed", snap.ExecutedSize),
		zap.Float64("remaining", snap.RemainingSize),
		zap.Float64("avg_price", snap.AvgPrice),
		zap.Float64("slippage", snap.Slippage))
	close(st.done)
}

func (s *ScheduledSlicer) emergencyStop(t Task, reason string) {
	s.logger.Error("emergency stop", zap.String("task_id", t.ID), zap.String("reason", reason))
	s.deps.Monitor.RecordEmergencyStop("scheduled", stopKind(reason))
	s.emitter.Emit(events.EmergencyStop, t.ID, t.CompletedAt, map[string]any{
		"algo":   "scheduled",
		"reason": reason,
		"task":   t,
	})
	_ = s.deps.Alerts.Critical("scheduled", "stop:"+t.ID, "scheduled task emergency stop", map[string]interface{}{
		"task_id":    t.ID,
		"instrument": t.Params.Instrument,
		"reason":     reason,
	})
}

// stopKind 紧急停止原因的指标标签。
func stopKind(reason string) string {
	switch {
	case strings.HasPrefix(reason, "unrecoverable"):
		return "unrecoverable"
	case strings.HasPrefix(reason, "cumulative slippage"):
		return "slippage"
	case reason == "limit price unreachable":
		return "limit"
	}
	return "failures"
}
