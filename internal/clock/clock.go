package clock

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Clock 抽象时间，控制循环中的所有等待都经由 Sleep，便于测试回放。
type Clock interface {
	Now() time.Time
	// Sleep 阻塞 d 或直到 ctx 结束；ctx 结束时返回 ctx.Err()。
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Real 默认使用 UTC 墙钟。
var Real Clock = realClock{}

// OrDefault 若 c 为 nil 返回 Real。
func OrDefault(c Clock) Clock {
	if c == nil {
		return Real
	}
	return c
}

// Fake 手动推进的时钟：Sleep 立即把当前时间推进 d。
// 多个 goroutine 同时 Sleep 时各自推进，适合确定性单测。
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake 创建从 start 开始的假时钟。
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d > 0 {
		f.Advance(d)
	}
	return nil
}

// Advance 推进时间。
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set 直接设置当前时间。
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t.UTC()
	f.mu.Unlock()
}

// Rand 随机源抽象，反侦测抖动与随机拆单都从这里取数。
type Rand interface {
	// Float64 返回 [0,1) 的均匀分布。
	Float64() float64
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

// NewRand 创建并发安全的随机源；固定 seed 可回放。
func NewRand(seed int64) Rand {
	return &lockedRand{r: rand.New(rand.NewSource(seed))}
}

// RandOrDefault 若 r 为 nil，返回以当前时间为种子的随机源。
func RandOrDefault(r Rand) Rand {
	if r == nil {
		return NewRand(time.Now().UnixNano())
	}
	return r
}

// Jitter 返回 base*(1+u)，u 在 [-spread, spread] 内均匀分布。
func Jitter(r Rand, base, spread float64) float64 {
	if spread <= 0 {
		return base
	}
	u := (r.Float64()*2 - 1) * spread
	return base * (1 + u)
}
