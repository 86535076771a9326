package algo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"exec-alpha-go/gateway"
	"exec-alpha-go/internal/clock"
	"exec-alpha-go/internal/events"
	"exec-alpha-go/market"
)

// IcebergConfig 冰山单配置；IcebergParams 中的零值字段取这里的默认值。
type IcebergConfig struct {
	SplitStrategy   SplitStrategy   `yaml:"splitStrategy"`
	DisplayStrategy DisplayStrategy `yaml:"displayStrategy"`
	ChunkPercent    float64         `yaml:"chunkPercent"`
	RandomRange     float64         `yaml:"randomRange"`
	DisplaySize     float64         `yaml:"displaySize"` // 0 表示子单全部可见
	DisplayRange    float64         `yaml:"displayRange"`
	WideSpreadBps   float64         `yaml:"wideSpreadBps"`

	MaxConcurrent   int           `yaml:"maxConcurrent"`
	ChildTimeout    time.Duration `yaml:"childTimeout"`
	ReleaseInterval time.Duration `yaml:"releaseInterval"`
	ReleaseJitter   float64       `yaml:"releaseJitter"`
	MaxLimitWait    time.Duration `yaml:"maxLimitWait"` // 限价持续不满足的最长等待，0 不限

	AntiDetectWindow    int     `yaml:"antiDetectWindow"`
	AntiDetectTolerance float64 `yaml:"antiDetectTolerance"`
	AntiDetectJitter    float64 `yaml:"antiDetectJitter"`

	FailureWindow    int `yaml:"failureWindow"`
	FailureThreshold int `yaml:"failureThreshold"`
	MaxReplans       int `yaml:"maxReplans"`
	HistoryLimit     int `yaml:"historyLimit"`
}

// DefaultIcebergConfig 返回默认配置
func DefaultIcebergConfig() IcebergConfig {
	return IcebergConfig{
		SplitStrategy:       SplitStrategyAdaptive,
		DisplayStrategy:     DisplayDynamic,
		ChunkPercent:        0.1,
		RandomRange:         0.2,
		DisplayRange:        0.2,
		WideSpreadBps:       50,
		MaxConcurrent:       3,
		ChildTimeout:        30 * time.Second,
		ReleaseInterval:     500 * time.Millisecond,
		ReleaseJitter:       0.3,
		MaxLimitWait:        10 * time.Minute,
		AntiDetectWindow:    3,
		AntiDetectTolerance: 0.01,
		AntiDetectJitter:    0.2,
		FailureWindow:       5,
		FailureThreshold:    3,
		MaxReplans:          3,
		HistoryLimit:        100,
	}
}

// Validate 校验配置
func (c IcebergConfig) Validate() error {
	switch c.SplitStrategy {
	case SplitStrategyFixed, SplitStrategyPercentage, SplitStrategyLiquidity, SplitStrategyAdaptive, SplitStrategyRandom:
	default:
		return fmt.Errorf("iceberg: unknown split strategy %q", c.SplitStrategy)
	}
	switch c.DisplayStrategy {
	case DisplayFixed, DisplayRandom, DisplayDynamic:
	default:
		return fmt.Errorf("iceberg: unknown display strategy %q", c.DisplayStrategy)
	}
	if c.ChunkPercent <= 0 || c.ChunkPercent > 1 {
		return errors.New("iceberg: chunkPercent must be in (0,1]")
	}
	if c.RandomRange < 0 || c.RandomRange >= 1 || c.DisplayRange < 0 || c.DisplayRange >= 1 {
		return errors.New("iceberg: random ranges must be in [0,1)")
	}
	if c.MaxConcurrent <= 0 {
		return errors.New("iceberg: maxConcurrent must be > 0")
	}
	if c.ChildTimeout < 0 || c.ReleaseInterval < 0 || c.MaxLimitWait < 0 {
		return errors.New("iceberg: durations must be non-negative")
	}
	if c.FailureWindow <= 0 || c.FailureThreshold <= 0 || c.FailureThreshold > c.FailureWindow {
		return errors.New("iceberg: failure threshold must be within (0, window]")
	}
	if c.MaxReplans < 0 {
		return errors.New("iceberg: maxReplans must be >= 0")
	}
	return nil
}

// IcebergParams 创建冰山单的参数。
type IcebergParams struct {
	Exchange        string          `json:"exchange"`
	Instrument      string          `json:"instrument"`
	Side            gateway.Side    `json:"side"`
	TotalSize       float64         `json:"totalSize"`
	LimitPrice      float64         `json:"limitPrice"`
	Urgency         market.Urgency  `json:"urgency"`
	SplitStrategy   SplitStrategy   `json:"splitStrategy"`
	DisplayStrategy DisplayStrategy `json:"displayStrategy"`
	ChunkSize       float64         `json:"chunkSize"` // fixed 策略的块大小
	ChunkPercent    float64         `json:"chunkPercent"`
	DisplaySize     float64         `json:"displaySize"`
	MaxConcurrent   int             `json:"maxConcurrent"`
	ChildTimeout    time.Duration   `json:"childTimeout"`
}

// SubOrderStatus 子单状态。
type SubOrderStatus string

const (
	SubOrderPending  SubOrderStatus = "pending"
	SubOrderFilled   SubOrderStatus = "filled"
	SubOrderPartial  SubOrderStatus = "partial"
	SubOrderFailed   SubOrderStatus = "failed"
	SubOrderTimeout  SubOrderStatus = "timeout"
	SubOrderCanceled SubOrderStatus = "canceled"
)

// SubOrder 子单记录。
type SubOrder struct {
	ID          string         `json:"id"`
	OrderID     string         `json:"orderId,omitempty"`
	Index       int            `json:"index"`
	Size        float64        `json:"size"`
	Display     float64        `json:"display"`
	Price       float64        `json:"price"`
	Filled      float64        `json:"filled"`
	AvgPrice    float64        `json:"avgPrice"`
	Status      SubOrderStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	SubmittedAt time.Time      `json:"submittedAt"`
	CompletedAt time.Time      `json:"completedAt"`
}

// Iceberg 冰山单快照。ExecutedSize+RemainingSize 恒等于 TotalSize。
type Iceberg struct {
	ID                string        `json:"id"`
	Params            IcebergParams `json:"params"`
	Status            Status        `json:"status"`
	Plan              []float64     `json:"plan"`
	PlanCursor        int           `json:"planCursor"`
	TotalSize         float64       `json:"totalSize"`
	ExecutedSize      float64       `json:"executedSize"`
	RemainingSize     float64       `json:"remainingSize"`
	AvgPrice          float64       `json:"avgPrice"`
	BenchmarkPrice    float64       `json:"benchmarkPrice"`
	Slippage          float64       `json:"slippage"`
	CompletionRate    float64       `json:"completionRate"`
	SubOrders         []SubOrder    `json:"subOrders"`
	ActiveChildren    int           `json:"activeChildren"`
	MaxObservedActive int           `json:"maxObservedActive"`
	Replans           int           `json:"replans"`
	CreatedAt         time.Time     `json:"createdAt"`
	StartedAt         time.Time     `json:"startedAt"`
	CompletedAt       time.Time     `json:"completedAt"`
	Error             string        `json:"error,omitempty"`
}

type icebergState struct {
	mu         sync.Mutex
	ice        Iceberg
	gate       gate
	cancel     context.CancelFunc
	done       chan struct{}
	failures   failureWindow
	notional   float64
	reserved   float64
	recent     []float64
	stopReason string
}

func (st *icebergState) snapshotLocked() Iceberg {
	ice := st.ice
	ice.Plan = append([]float64(nil), st.ice.Plan...)
	ice.SubOrders = append([]SubOrder(nil), st.ice.SubOrders...)
	return ice
}

func (st *icebergState) snapshot() Iceberg {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshotLocked()
}

// stopLocked 记录首个紧急停止原因并终止控制循环，返回需撤单的在途子单 ID。
func (st *icebergState) stopLocked(reason string) []string {
	if st.stopReason != "" {
		return nil
	}
	st.stopReason = reason
	if st.cancel != nil {
		st.cancel()
	}
	return st.pendingLocked()
}

func (st *icebergState) pendingLocked() []string {
	var ids []string
	for _, sub := range st.ice.SubOrders {
		if sub.Status == SubOrderPending {
			ids = append(ids, sub.ID)
		}
	}
	return ids
}

// IcebergSlicer 冰山单执行器：按拆单计划释放子单，并发数受信号量约束。
type IcebergSlicer struct {
	cfg     IcebergConfig
	deps    Deps
	logger  *zap.Logger
	emitter events.Emitter

	active  *registry[*icebergState]
	history *history[Iceberg]
}

// NewIcebergSlicer 创建冰山单执行器
func NewIcebergSlicer(cfg IcebergConfig, deps Deps) (*IcebergSlicer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid iceberg config: %w", err)
	}
	deps = deps.withDefaults()
	return &IcebergSlicer{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.Named("iceberg"),
		emitter: events.NewEmitter(deps.Bus, "iceberg_slicer"),
		active:  newRegistry[*icebergState](),
		history: &history[Iceberg]{limit: cfg.HistoryLimit},
	}, nil
}

// Subscribe 订阅冰山单事件
func (s *IcebergSlicer) Subscribe(buffer int, types ...events.Type) (<-chan events.Event, func()) {
	return s.deps.Bus.Subscribe(buffer, types...)
}

func (s *IcebergSlicer) withDefaults(p IcebergParams) IcebergParams {
	if p.SplitStrategy == "" {
		p.SplitStrategy = s.cfg.SplitStrategy
	}
	if p.DisplayStrategy == "" {
		p.DisplayStrategy = s.cfg.DisplayStrategy
	}
	if p.ChunkPercent == 0 {
		p.ChunkPercent = s.cfg.ChunkPercent
	}
	if p.DisplaySize == 0 {
		p.DisplaySize = s.cfg.DisplaySize
	}
	if p.MaxConcurrent == 0 {
		p.MaxConcurrent = s.cfg.MaxConcurrent
	}
	if p.ChildTimeout == 0 {
		p.ChildTimeout = s.cfg.ChildTimeout
	}
	if p.Urgency == "" {
		p.Urgency = market.UrgencyMedium
	}
	return p
}

// CreateIceberg 校验参数并生成拆单计划，冰山单处于 pending。
func (s *IcebergSlicer) CreateIceberg(p IcebergParams) (Iceberg, error) {
	if p.Instrument == "" || !p.Side.Valid() || p.TotalSize <= 0 || math.IsNaN(p.TotalSize) {
		return Iceberg{}, fmt.Errorf("%w: instrument, side and positive size required", ErrInvalidParams)
	}
	if p.LimitPrice < 0 || p.ChunkSize < 0 || p.ChunkPercent < 0 || p.ChunkPercent > 1 ||
		p.DisplaySize < 0 || p.MaxConcurrent < 0 || p.ChildTimeout < 0 {
		return Iceberg{}, fmt.Errorf("%w: negative or out-of-range option", ErrInvalidParams)
	}
	p = s.withDefaults(p)
	if p.ChunkSize > 0 && p.ChunkSize < p.TotalSize/MaxChunks {
		return Iceberg{}, fmt.Errorf("%w: chunk size %g splits %g into more than %d chunks", ErrInvalidParams, p.ChunkSize, p.TotalSize, MaxChunks)
	}
	if p.ChunkPercent < 1.0/MaxChunks {
		return Iceberg{}, fmt.Errorf("%w: chunk percent %g yields more than %d chunks", ErrInvalidParams, p.ChunkPercent, MaxChunks)
	}
	switch p.SplitStrategy {
	case SplitStrategyFixed, SplitStrategyPercentage, SplitStrategyLiquidity, SplitStrategyAdaptive, SplitStrategyRandom:
	default:
		return Iceberg{}, fmt.Errorf("%w: unknown split strategy %q", ErrInvalidParams, p.SplitStrategy)
	}

	now := s.deps.Clock.Now()
	plan := s.plan(p, p.TotalSize)
	st := &icebergState{
		ice: Iceberg{
			ID:            uuid.NewString(),
			Params:        p,
			Status:        StatusPending,
			Plan:          plan,
			TotalSize:     p.TotalSize,
			RemainingSize: p.TotalSize,
			CreatedAt:     now,
		},
		done:     make(chan struct{}),
		failures: failureWindow{size: s.cfg.FailureWindow, threshold: s.cfg.FailureThreshold},
	}
	s.active.put(st.ice.ID, st)
	snap := st.snapshot()
	s.emitter.Emit(events.IcebergCreated, snap.ID, now, snap)
	s.logger.Info("iceberg created",
		zap.String("iceberg_id", snap.ID),
		zap.String("instrument", p.Instrument),
		zap.String("split", string(p.SplitStrategy)),
		zap.Float64("size", p.TotalSize),
		zap.Int("chunks", len(plan)))
	return snap, nil
}

// plan 按拆单策略切分 total；重新规划时 total 为未成交余量。
func (s *IcebergSlicer) plan(p IcebergParams, total float64) []float64 {
	book, _ := s.freshBook(p.Instrument)
	var depth, spreadBps float64
	if book != nil {
		depth = market.TopVolume(book.Opposing(p.Side), len(book.Opposing(p.Side)))
		if bid, ask := book.Best(); bid > 0 && ask > 0 {
			spreadBps = (ask - bid) / ((ask + bid) / 2) * 1e4
		}
	}
	switch p.SplitStrategy {
	case SplitStrategyFixed:
		chunk := p.ChunkSize
		if chunk <= 0 {
			chunk = p.TotalSize * p.ChunkPercent
		}
		return SplitFixed(total, chunk)
	case SplitStrategyPercentage:
		return SplitFixed(total, p.TotalSize*p.ChunkPercent)
	case SplitStrategyLiquidity:
		return SplitLiquidity(total, depth, spreadBps, s.cfg.WideSpreadBps)
	case SplitStrategyRandom:
		return SplitRandom(total, p.TotalSize*p.ChunkPercent/total, s.cfg.RandomRange, s.deps.Rand)
	}
	liquidity := 0.5
	if depth > 0 {
		liquidity = math.Min(1, depth/(10*total))
	}
	var vol float64
	if s.deps.Market != nil {
		vol = s.deps.Market.Volatility(p.Instrument)
	}
	return SplitAdaptive(total, p.ChunkPercent, vol, liquidity, p.Urgency)
}

func (s *IcebergSlicer) freshBook(instrument string) (*market.OrderBookSnapshot, bool) {
	if s.deps.Market == nil {
		return nil, false
	}
	return s.deps.Market.FreshOrderBook(instrument)
}

func (s *IcebergSlicer) lookup(id string) (*icebergState, error) {
	st, ok := s.active.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return st, nil
}

// Start 启动 pending 冰山单（paused 等同 Resume）。
func (s *IcebergSlicer) Start(ctx context.Context, id string) error {
	st, err := s.lookup(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	switch st.ice.Status {
	case StatusPaused:
		st.mu.Unlock()
		return s.Resume(id)
	case StatusPending:
	default:
		status := st.ice.Status
		st.mu.Unlock()
		return fmt.Errorf("%w: cannot start iceberg in %s", ErrInvalidState, status)
	}
	p := st.ice.Params
	bench := referencePrice(s.deps.Market, p.Instrument, p.Side, p.LimitPrice)
	if bench <= 0 {
		st.mu.Unlock()
		return fmt.Errorf("%w for %s", ErrNoReferencePrice, p.Instrument)
	}
	now := s.deps.Clock.Now()
	st.ice.Status = StatusRunning
	st.ice.StartedAt = now
	st.ice.BenchmarkPrice = bench
	runCtx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	snap := st.snapshotLocked()
	st.mu.Unlock()

	s.deps.Monitor.AddActiveTasks("iceberg", 1)
	s.emitter.Emit(events.IcebergStarted, id, now, snap)
	s.logger.Info("iceberg started", zap.String("iceberg_id", id), zap.Float64("benchmark", bench))
	go s.run(runCtx, st)
	return nil
}

// Run 启动并等待冰山单结束。
func (s *IcebergSlicer) Run(ctx context.Context, id string) (Iceberg, error) {
	if err := s.Start(ctx, id); err != nil {
		return Iceberg{}, err
	}
	return s.Wait(ctx, id)
}

// Wait 等待冰山单进入终态。
func (s *IcebergSlicer) Wait(ctx context.Context, id string) (Iceberg, error) {
	st, ok := s.active.get(id)
	if !ok {
		if ice, ok := s.findHistory(id); ok {
			return ice, nil
		}
		return Iceberg{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	select {
	case <-st.done:
		return st.snapshot(), nil
	case <-ctx.Done():
		return st.snapshot(), ctx.Err()
	}
}

// Pause 停止释放新子单，在途子单继续完成。
func (s *IcebergSlicer) Pause(id string) error {
	st, err := s.lookup(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	if st.ice.Status != StatusRunning {
		status := st.ice.Status
		st.mu.Unlock()
		return fmt.Errorf("%w: cannot pause iceberg in %s", ErrInvalidState, status)
	}
	st.ice.Status = StatusPaused
	st.gate.pause()
	st.mu.Unlock()
	s.emitter.Emit(events.IcebergPaused, id, s.deps.Clock.Now(), nil)
	return nil
}

// Resume 恢复释放子单
func (s *IcebergSlicer) Resume(id string) error {
	st, err := s.lookup(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	if st.ice.Status != StatusPaused {
		status := st.ice.Status
		st.mu.Unlock()
		return fmt.Errorf("%w: cannot resume iceberg in %s", ErrInvalidState, status)
	}
	st.ice.Status = StatusRunning
	st.gate.resume()
	st.mu.Unlock()
	s.emitter.Emit(events.IcebergResumed, id, s.deps.Clock.Now(), nil)
	return nil
}

// Cancel 立即置为 canceled，并对所有在途子单尽力撤单。
func (s *IcebergSlicer) Cancel(id string) error {
	st, err := s.lookup(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	if st.ice.Status.Terminal() {
		status := st.ice.Status
		st.mu.Unlock()
		return fmt.Errorf("%w: iceberg already %s", ErrInvalidState, status)
	}
	wasPending := st.ice.Status == StatusPending
	st.ice.Status = StatusCanceled
	inflight := st.pendingLocked()
	cancel := st.cancel
	st.mu.Unlock()

	s.emitter.Emit(events.IcebergCanceled, id, s.deps.Clock.Now(), nil)
	s.logger.Info("iceberg canceled", zap.String("iceberg_id", id), zap.Int("inflight", len(inflight)))
	if wasPending {
		s.finalize(context.Background(), st)
		return nil
	}
	cancel()
	exec := s.executor(st.ice.Params)
	for _, cid := range inflight {
		exec.cancelAsync(cid)
	}
	return nil
}

// Iceberg 返回活跃或历史冰山单快照。
func (s *IcebergSlicer) Iceberg(id string) (Iceberg, bool) {
	if st, ok := s.active.get(id); ok {
		return st.snapshot(), true
	}
	return s.findHistory(id)
}

// ActiveCount 冰山单当前在途子单数。
func (s *IcebergSlicer) ActiveCount(id string) int {
	st, ok := s.active.get(id)
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ice.ActiveChildren
}

func (s *IcebergSlicer) findHistory(id string) (Iceberg, bool) {
	items := s.history.snapshot(0)
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].ID == id {
			return items[i], true
		}
	}
	return Iceberg{}, false
}

// ActiveIcebergs 活跃冰山单（按创建顺序）。
func (s *IcebergSlicer) ActiveIcebergs() []Iceberg {
	states := s.active.list()
	out := make([]Iceberg, 0, len(states))
	for _, st := range states {
		out = append(out, st.snapshot())
	}
	return out
}

// History 最近 limit 个已结束冰山单。
func (s *IcebergSlicer) History(limit int) []Iceberg {
	return s.history.snapshot(limit)
}

func (s *IcebergSlicer) executor(p IcebergParams) childExecutor {
	return childExecutor{
		gw:      s.deps.Gateway,
		monitor: s.deps.Monitor,
		logger:  s.logger,
		algo:    "iceberg",
		timeout: p.ChildTimeout,
	}
}

func (s *IcebergSlicer) run(ctx context.Context, st *icebergState) {
	defer st.cancel()
	s.loop(ctx, st)
	s.finalize(ctx, st)
}

func (s *IcebergSlicer) loop(ctx context.Context, st *icebergState) {
	st.mu.Lock()
	p := st.ice.Params
	st.mu.Unlock()

	clk := s.deps.Clock
	exec := s.executor(p)
	sem := semaphore.NewWeighted(int64(p.MaxConcurrent))
	var wg sync.WaitGroup
	defer wg.Wait()

	var deferSince time.Time
	for {
		if err := st.gate.wait(ctx); err != nil || ctx.Err() != nil {
			return
		}

		st.mu.Lock()
		if st.ice.PlanCursor >= len(st.ice.Plan) {
			st.mu.Unlock()
			wg.Wait()
			if !s.replan(ctx, st) {
				return
			}
			continue
		}
		st.mu.Unlock()

		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		if ctx.Err() != nil {
			sem.Release(1)
			return
		}

		st.mu.Lock()
		unreserved := st.ice.RemainingSize - st.reserved
		size := math.Min(st.ice.Plan[st.ice.PlanCursor], unreserved)
		if size <= sizeEpsilon {
			st.ice.PlanCursor++
			st.mu.Unlock()
			sem.Release(1)
			continue
		}
		size = math.Min(unreserved, antiDetect(size, st.recent, s.cfg.AntiDetectWindow,
			s.cfg.AntiDetectTolerance, s.cfg.AntiDetectJitter, s.deps.Rand))
		bench := st.ice.BenchmarkPrice
		st.mu.Unlock()

		price := referencePrice(s.deps.Market, p.Instrument, p.Side, bench)
		if limitViolated(p.Side, price, p.LimitPrice) {
			sem.Release(1)
			now := clk.Now()
			if deferSince.IsZero() {
				deferSince = now
			}
			if s.cfg.MaxLimitWait > 0 && now.Sub(deferSince) > s.cfg.MaxLimitWait {
				st.mu.Lock()
				pending := st.stopLocked("limit price unreachable")
				st.mu.Unlock()
				for _, cid := range pending {
					exec.cancelAsync(cid)
				}
				return
			}
			if err := clk.Sleep(ctx, s.releaseDelay()); err != nil {
				return
			}
			continue
		}
		deferSince = time.Time{}

		var opposing []market.Level
		if book, ok := s.freshBook(p.Instrument); ok {
			opposing = book.Opposing(p.Side)
		}
		display := DisplaySize(size, p.DisplayStrategy, p.DisplaySize, s.cfg.DisplayRange, opposing, s.deps.Rand)

		now := clk.Now()
		sub := SubOrder{
			ID:          uuid.NewString(),
			Size:        size,
			Display:     display,
			Price:       price,
			Status:      SubOrderPending,
			SubmittedAt: now,
		}
		st.mu.Lock()
		sub.Index = len(st.ice.SubOrders)
		st.ice.SubOrders = append(st.ice.SubOrders, sub)
		st.ice.PlanCursor++
		st.reserved += size
		st.recent = append(st.recent, size)
		if len(st.recent) > s.cfg.AntiDetectWindow {
			st.recent = st.recent[len(st.recent)-s.cfg.AntiDetectWindow:]
		}
		st.ice.ActiveChildren++
		if st.ice.ActiveChildren > st.ice.MaxObservedActive {
			st.ice.MaxObservedActive = st.ice.ActiveChildren
		}
		st.mu.Unlock()

		req := gateway.OrderRequest{
			Exchange: p.Exchange,
			Symbol:   p.Instrument,
			Side:     p.Side,
			Type:     gateway.OrderTypeLimit,
			Amount:   size,
			Price:    price,
			Display:  display,
			ClientID: sub.ID,
		}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer sem.Release(1)
			s.child(ctx, st, exec, idx, req)
		}(sub.Index)

		if err := clk.Sleep(ctx, s.releaseDelay()); err != nil {
			return
		}
	}
}

func (s *IcebergSlicer) releaseDelay() time.Duration {
	d := clock.Jitter(s.deps.Rand, float64(s.cfg.ReleaseInterval), s.cfg.ReleaseJitter)
	return time.Duration(d)
}

// child 执行单个子单并原子地更新父单汇总。
func (s *IcebergSlicer) child(ctx context.Context, st *icebergState, exec childExecutor, idx int, req gateway.OrderRequest) {
	fill, timedOut, err := exec.place(ctx, req)
	now := s.deps.Clock.Now()

	st.mu.Lock()
	sub := &st.ice.SubOrders[idx]
	sub.OrderID = fill.OrderID
	sub.CompletedAt = now
	st.reserved -= req.Amount
	st.ice.ActiveChildren--

	canceled := err != nil && ctx.Err() != nil
	switch {
	case timedOut:
		sub.Status = SubOrderTimeout
	case canceled:
		sub.Status = SubOrderCanceled
	case err != nil:
		sub.Status = SubOrderFailed
	case fill.FilledAmount >= req.Amount-sizeEpsilon:
		sub.Status = SubOrderFilled
	case fill.FilledAmount > 0:
		sub.Status = SubOrderPartial
	default:
		sub.Status = SubOrderFailed
	}
	switch {
	case err != nil:
		sub.Error = err.Error()
	case fill.FilledAmount <= 0:
		sub.Error = "no fill"
	}
	if err == nil && fill.FilledAmount > 0 {
		filled := math.Min(fill.FilledAmount, st.ice.RemainingSize)
		px := fill.AvgPrice
		if px <= 0 {
			px = req.Price
		}
		sub.Filled = filled
		sub.AvgPrice = px
		st.notional += filled * px
		st.ice.ExecutedSize += filled
		st.ice.RemainingSize = math.Max(0, st.ice.TotalSize-st.ice.ExecutedSize)
		st.ice.AvgPrice = st.notional / st.ice.ExecutedSize
		st.ice.Slippage = adverseSlippage(req.Side, st.ice.AvgPrice, st.ice.BenchmarkPrice)
	}

	var pending []string
	if !canceled {
		ok := sub.Status == SubOrderFilled || sub.Status == SubOrderPartial
		tripped := st.failures.add(ok)
		switch {
		case IsUnrecoverable(err):
			pending = st.stopLocked("unrecoverable: " + err.Error())
		case tripped:
			pending = st.stopLocked(fmt.Sprintf("%d of last %d children failed", s.cfg.FailureThreshold, s.cfg.FailureWindow))
		}
	}
	done := *sub
	id := st.ice.ID
	st.mu.Unlock()

	for _, cid := range pending {
		exec.cancelAsync(cid)
	}

	if err != nil && !canceled {
		s.logger.Warn("child order failed",
			zap.String("iceberg_id", id),
			zap.Int("child", idx),
			zap.Bool("timeout", timedOut),
			zap.Error(err))
	}
	s.emitter.Emit(events.SubOrderCompleted, id, now, done)
}

// replan 计划耗尽但仍有余量时重新拆分余量，最多 MaxReplans 次。
func (s *IcebergSlicer) replan(ctx context.Context, st *icebergState) bool {
	if ctx.Err() != nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	remaining := st.ice.RemainingSize
	if remaining <= sizeEpsilon || st.ice.Replans >= s.cfg.MaxReplans || st.stopReason != "" {
		return false
	}
	st.ice.Replans++
	st.ice.Plan = append(st.ice.Plan, s.plan(st.ice.Params, remaining)...)
	s.logger.Info("iceberg replanned",
		zap.String("iceberg_id", st.ice.ID),
		zap.Float64("remaining", remaining),
		zap.Int("replans", st.ice.Replans))
	return true
}

func (s *IcebergSlicer) finalize(ctx context.Context, st *icebergState) {
	now := s.deps.Clock.Now()
	st.mu.Lock()
	wasStarted := !st.ice.StartedAt.IsZero()
	reason := st.stopReason
	switch {
	case st.ice.Status == StatusCanceled:
	case reason != "":
		st.ice.Status = StatusFailed
		st.ice.Error = reason
	case ctx.Err() != nil:
		st.ice.Status = StatusCanceled
	case st.ice.RemainingSize <= sizeEpsilon:
		st.ice.Status = StatusCompleted
	default:
		st.ice.Status = StatusFailed
		st.ice.Error = "unfilled remainder after replans"
	}
	st.ice.CompletedAt = now
	st.ice.CompletionRate = st.ice.ExecutedSize / st.ice.TotalSize
	snap := st.snapshotLocked()
	st.mu.Unlock()

	s.active.remove(snap.ID)
	s.history.add(snap)
	if wasStarted {
		s.deps.Monitor.AddActiveTasks("iceberg", -1)
	}
	if reason != "" && snap.Status == StatusFailed {
		s.logger.Error("emergency stop", zap.String("iceberg_id", snap.ID), zap.String("reason", reason))
		s.deps.Monitor.RecordEmergencyStop("iceberg", stopKind(reason))
		s.emitter.Emit(events.EmergencyStop, snap.ID, now, map[string]any{
			"algo":    "iceberg",
			"reason":  reason,
			"iceberg": snap,
		})
		_ = s.deps.Alerts.Critical("iceberg", "stop:"+snap.ID, "iceberg emergency stop", map[string]interface{}{
			"iceberg_id": snap.ID,
			"instrument": snap.Params.Instrument,
			"reason":     reason,
		})
	}
	s.emitter.Emit(events.IcebergCompleted, snap.ID, now, snap)
	s.logger.Info("iceberg finished",
		zap.String("iceberg_id", snap.ID),
		zap.String("status", string(snap.Status)),
		zap.Float64("executed", snap.ExecutedSize),
		zap.Float64("remaining", snap.RemainingSize),
		zap.Int("children", len(snap.SubOrders)),
		zap.Int("max_active", snap.MaxObservedActive))
	close(st.done)
}
