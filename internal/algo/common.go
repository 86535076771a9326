package algo

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"exec-alpha-go/gateway"
	"exec-alpha-go/infrastructure/alert"
	"exec-alpha-go/infrastructure/monitor"
	"exec-alpha-go/internal/clock"
	"exec-alpha-go/internal/events"
	"exec-alpha-go/market"
)

// sizeEpsilon 数量比较容差。
const sizeEpsilon = 1e-9

var (
	ErrTaskNotFound     = errors.New("algo: task not found")
	ErrInvalidState     = errors.New("algo: invalid state")
	ErrInvalidParams    = errors.New("algo: invalid params")
	ErrNoReferencePrice = errors.New("algo: no reference price")
)

// Status 任务/冰山单状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
)

// Terminal 是否终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled || s == StatusFailed
}

var unrecoverableMarkers = []string{
	"insufficient balance",
	"insufficient funds",
	"balance not enough",
	"insufficient margin",
}

// IsUnrecoverable 余额不足类错误，出现即终止整个任务。
func IsUnrecoverable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range unrecoverableMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// MarketView 执行算法需要的只读市场视图，*market.Analyzer 满足该接口。
type MarketView interface {
	FreshOrderBook(instrument string) (*market.OrderBookSnapshot, bool)
	BestPrice(instrument string, side gateway.Side) float64
	MarketCondition(instrument string) market.ConditionReport
	DailyVolume(instrument string) float64
	Volatility(instrument string) float64
}

// Deps 算法依赖；除 Gateway 外均可为空。
type Deps struct {
	Gateway gateway.OrderGateway
	Market  MarketView
	Clock   clock.Clock
	Rand    clock.Rand
	Logger  *zap.Logger
	Bus     *events.Bus
	Monitor *monitor.Monitor
	Alerts  *alert.Manager
}

func (d Deps) withDefaults() Deps {
	d.Gateway = gateway.OrDefault(d.Gateway)
	d.Clock = clock.OrDefault(d.Clock)
	d.Rand = clock.RandOrDefault(d.Rand)
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Bus == nil {
		d.Bus = events.NewBus(d.Logger)
	}
	return d
}

// referencePrice 吃单方向最优价，缺失时使用 fallback。
func referencePrice(view MarketView, instrument string, side gateway.Side, fallback float64) float64 {
	if view != nil {
		if p := view.BestPrice(instrument, side); p > 0 {
			return p
		}
	}
	return fallback
}

// limitViolated 买入价高于限价或卖出价低于限价。
func limitViolated(side gateway.Side, price, limit float64) bool {
	if limit <= 0 {
		return false
	}
	if side == gateway.SideBuy {
		return price > limit
	}
	return price < limit
}

// adverseSlippage 相对基准价的不利滑点（比例），有利时为负。
func adverseSlippage(side gateway.Side, price, benchmark float64) float64 {
	if benchmark <= 0 || price <= 0 {
		return 0
	}
	if side == gateway.SideBuy {
		return (price - benchmark) / benchmark
	}
	return (benchmark - price) / benchmark
}

// registry 活跃对象表：不透明 ID -> 对象，按创建顺序列举。
type registry[T any] struct {
	mu    sync.RWMutex
	seq   uint64
	items map[string]registryEntry[T]
}

type registryEntry[T any] struct {
	seq uint64
	v   T
}

func newRegistry[T any]() *registry[T] {
	return &registry[T]{items: make(map[string]registryEntry[T])}
}

func (r *registry[T]) put(id string, v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.items[id] = registryEntry[T]{seq: r.seq, v: v}
}

func (r *registry[T]) get(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.items[id]
	return e.v, ok
}

func (r *registry[T]) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, id)
}

func (r *registry[T]) list() []T {
	r.mu.RLock()
	entries := make([]registryEntry[T], 0, len(r.items))
	for _, e := range r.items {
		entries = append(entries, e)
	}
	r.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]T, len(entries))
	for i, e := range entries {
		out[i] = e.v
	}
	return out
}

func (r *registry[T]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// history 有界的完成记录。
type history[T any] struct {
	mu    sync.RWMutex
	limit int
	items []T
}

func (h *history[T]) add(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, v)
	if h.limit > 0 && len(h.items) > h.limit {
		h.items = append([]T(nil), h.items[len(h.items)-h.limit:]...)
	}
}

// snapshot 最近 limit 条，最新在后；limit<=0 返回全部。
func (h *history[T]) snapshot(limit int) []T {
	h.mu.RLock()
	defer h.mu.RUnlock()
	items := h.items
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	return append([]T(nil), items...)
}

// gate 暂停闸门：paused 时 wait 阻塞直到 resume 或 ctx 结束。
type gate struct {
	mu       sync.Mutex
	paused   bool
	resumeCh chan struct{}
}

func (g *gate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.resumeCh = make(chan struct{})
	}
}

func (g *gate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.resumeCh)
	}
}

func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	if !g.paused {
		g.mu.Unlock()
		return nil
	}
	ch := g.resumeCh
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// failureWindow 最近 size 次结果中失败次数达到 threshold 即触发。
type failureWindow struct {
	size      int
	threshold int
	outcomes  []bool
}

func (w *failureWindow) add(ok bool) bool {
	w.outcomes = append(w.outcomes, ok)
	if len(w.outcomes) > w.size {
		w.outcomes = w.outcomes[len(w.outcomes)-w.size:]
	}
	failed := 0
	for _, o := range w.outcomes {
		if !o {
			failed++
		}
	}
	return failed >= w.threshold
}

// childExecutor 带独立超时的子单下单与尽力撤单。
type childExecutor struct {
	gw      gateway.OrderGateway
	monitor *monitor.Monitor
	logger  *zap.Logger
	algo    string
	timeout time.Duration
}

// place 下单；timedOut 表示子单自身超时（父任务取消不算）。
func (c childExecutor) place(ctx context.Context, req gateway.OrderRequest) (fill gateway.Fill, timedOut bool, err error) {
	cctx := ctx
	cancel := func() {}
	if c.timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	defer cancel()

	started := time.Now()
	fill, err = c.gw.PlaceOrder(cctx, req)
	c.monitor.RecordChildOrder(c.algo, err == nil, time.Since(started).Seconds())
	if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		timedOut = true
		c.cancelAsync(req.ClientID)
	}
	return fill, timedOut, err
}

// cancelAsync 按 ClientID 尽力撤单，不阻塞调用方。
func (c childExecutor) cancelAsync(clientID string) {
	if clientID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.gw.CancelOrder(ctx, clientID); err != nil {
			c.logger.Warn("best-effort cancel failed", zap.String("client_id", clientID), zap.Error(err))
		}
	}()
}
