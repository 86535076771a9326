package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"exec-alpha-go/gateway"
	"exec-alpha-go/internal/algo"
)

const sizeEpsilon = 1e-9

// outcome 单个执行器的汇总结果。
type outcome struct {
	executed   float64
	avgPrice   float64
	benchmark  float64
	success    bool
	canceled   bool
	taskIDs    []string
	icebergIDs []string
	err        string
}

// merge 按成交量加权合并两段结果，全部成功才算成功。
func (o outcome) merge(other outcome) outcome {
	out := o
	total := o.executed + other.executed
	if total > 0 {
		out.avgPrice = (o.avgPrice*o.executed + other.avgPrice*other.executed) / total
	}
	out.executed = total
	if out.benchmark == 0 {
		out.benchmark = other.benchmark
	}
	out.success = o.success && other.success
	out.canceled = o.canceled || other.canceled
	out.taskIDs = append(out.taskIDs, other.taskIDs...)
	out.icebergIDs = append(out.icebergIDs, other.icebergIDs...)
	if out.err == "" {
		out.err = other.err
	}
	return out
}

// executeDirect 以最优对手价（受限价约束）下一笔限价单。
func (r *Router) executeDirect(ctx context.Context, o Order, size float64) (outcome, error) {
	best := r.analyzer.BestPrice(o.Instrument, o.Side)
	price := best
	if price <= 0 {
		price = o.LimitPrice
	}
	if price <= 0 {
		return outcome{}, fmt.Errorf("%w: %s", ErrNoMarketPrice, o.Instrument)
	}
	if o.LimitPrice > 0 {
		if (o.Side == gateway.SideBuy && price > o.LimitPrice) || (o.Side == gateway.SideSell && price < o.LimitPrice) {
			price = o.LimitPrice
		}
	}
	benchmark := best
	if benchmark <= 0 {
		benchmark = price
	}

	req := gateway.OrderRequest{
		Exchange: o.Exchange,
		Symbol:   o.Instrument,
		Side:     o.Side,
		Type:     gateway.OrderTypeLimit,
		Amount:   size,
		Price:    price,
		ClientID: uuid.NewString(),
	}
	started := r.clock.Now()
	fill, err := r.gw.PlaceOrder(ctx, req)
	r.monitor.RecordChildOrder(string(StrategyDirect), err == nil, r.clock.Now().Sub(started).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return outcome{benchmark: benchmark, canceled: true, err: err.Error()}, nil
		}
		return outcome{}, fmt.Errorf("place direct order: %w", err)
	}
	filled := math.Min(fill.FilledAmount, size)
	avg := fill.AvgPrice
	if avg <= 0 {
		avg = price
	}
	out := outcome{
		executed:  filled,
		avgPrice:  avg,
		benchmark: benchmark,
		success:   filled >= size-sizeEpsilon,
	}
	if !out.success {
		out.err = fmt.Sprintf("partial fill %.8g of %.8g", filled, size)
	}
	r.logger.Debug("direct order placed",
		zap.String("instrument", o.Instrument),
		zap.String("order_id", fill.OrderID),
		zap.Float64("price", price),
		zap.Float64("filled", filled))
	return out, nil
}

// executeScheduled 创建并启动 TWAP/VWAP 任务，等待其结束。
func (r *Router) executeScheduled(ctx context.Context, entry *activeEntry, o Order, alg algo.Algorithm,
	duration time.Duration, slices int, a MarketAnalysis) (outcome, error) {
	if o.Duration > 0 {
		duration = o.Duration
	}
	if o.SliceCount > 0 {
		slices = o.SliceCount
	}
	params := algo.TaskParams{
		Algorithm:   alg,
		Exchange:    o.Exchange,
		Instrument:  o.Instrument,
		Side:        o.Side,
		TotalSize:   o.Size,
		Duration:    duration,
		SliceCount:  slices,
		LimitPrice:  o.LimitPrice,
		MaxSlippage: o.MaxSlippage,
	}
	task, err := r.scheduled.CreateTask(params)
	if err != nil {
		return outcome{}, fmt.Errorf("create %s task: %w", alg, err)
	}
	if r.track(entry, task.ID, false) {
		return outcome{canceled: true, taskIDs: []string{task.ID}}, nil
	}
	if err := r.scheduled.Start(ctx, task.ID); err != nil {
		_ = r.scheduled.Cancel(task.ID)
		if errors.Is(err, algo.ErrNoReferencePrice) {
			return outcome{}, fmt.Errorf("%w: %v", ErrNoMarketPrice, err)
		}
		return outcome{}, fmt.Errorf("start %s task: %w", alg, err)
	}
	r.logger.Info("scheduled task started",
		zap.String("task_id", task.ID),
		zap.String("algorithm", string(alg)),
		zap.Int("slices", len(task.Slices)),
		zap.String("condition", string(a.Condition.Condition)))

	done, err := r.scheduled.Wait(context.WithoutCancel(ctx), task.ID)
	if err != nil {
		return outcome{}, fmt.Errorf("wait %s task: %w", alg, err)
	}
	return outcome{
		executed:  done.ExecutedSize,
		avgPrice:  done.AvgPrice,
		benchmark: done.BenchmarkPrice,
		success:   done.Status == algo.StatusCompleted,
		canceled:  done.Status == algo.StatusCanceled,
		taskIDs:   []string{done.ID},
		err:       done.Error,
	}, nil
}

// executeIceberg 以 size 创建冰山单并等待结束。
func (r *Router) executeIceberg(ctx context.Context, entry *activeEntry, o Order, size float64) (outcome, error) {
	ice, err := r.iceberg.CreateIceberg(algo.IcebergParams{
		Exchange:   o.Exchange,
		Instrument: o.Instrument,
		Side:       o.Side,
		TotalSize:  size,
		LimitPrice: o.LimitPrice,
		Urgency:    o.Urgency,
	})
	if err != nil {
		return outcome{}, fmt.Errorf("create iceberg: %w", err)
	}
	if r.track(entry, ice.ID, true) {
		return outcome{canceled: true, icebergIDs: []string{ice.ID}}, nil
	}
	if err := r.iceberg.Start(ctx, ice.ID); err != nil {
		_ = r.iceberg.Cancel(ice.ID)
		if errors.Is(err, algo.ErrNoReferencePrice) {
			return outcome{}, fmt.Errorf("%w: %v", ErrNoMarketPrice, err)
		}
		return outcome{}, fmt.Errorf("start iceberg: %w", err)
	}
	done, err := r.iceberg.Wait(context.WithoutCancel(ctx), ice.ID)
	if err != nil {
		return outcome{}, fmt.Errorf("wait iceberg: %w", err)
	}
	return outcome{
		executed:   done.ExecutedSize,
		avgPrice:   done.AvgPrice,
		benchmark:  done.BenchmarkPrice,
		success:    done.Status == algo.StatusCompleted,
		canceled:   done.Status == algo.StatusCanceled,
		icebergIDs: []string{done.ID},
		err:        done.Error,
	}, nil
}

// executeAdaptive 先以冰山单执行 share 部分，剩余部分直接下单；执行被取消时不再下剩余部分。
func (r *Router) executeAdaptive(ctx context.Context, entry *activeEntry, o Order, share float64) (outcome, error) {
	iceSize := o.Size * share
	rest := o.Size - iceSize

	first, err := r.executeIceberg(ctx, entry, o, iceSize)
	if err != nil {
		return outcome{}, err
	}
	if first.canceled || entry.canceled() || ctx.Err() != nil || rest <= sizeEpsilon {
		return first, nil
	}

	second, err := r.executeDirect(ctx, o, rest)
	if err != nil {
		second = outcome{err: err.Error()}
	}
	return first.merge(second), nil
}

// track 登记子任务 ID；若执行已被取消则立即撤销该子任务并返回 true。
func (r *Router) track(entry *activeEntry, id string, iceberg bool) bool {
	entry.mu.Lock()
	if iceberg {
		entry.info.IcebergIDs = append(entry.info.IcebergIDs, id)
	} else {
		entry.info.TaskIDs = append(entry.info.TaskIDs, id)
	}
	canceled := entry.info.Canceled
	entry.mu.Unlock()
	if !canceled {
		return false
	}
	if iceberg {
		_ = r.iceberg.Cancel(id)
	} else {
		_ = r.scheduled.Cancel(id)
	}
	return true
}
