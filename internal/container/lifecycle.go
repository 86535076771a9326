package container

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Lifecycle 后台组件：Run 阻塞直到 ctx 结束或出错。
type Lifecycle interface {
	Name() string
	Run(ctx context.Context) error
}

type funcComponent struct {
	name string
	fn   func(ctx context.Context) error
}

func (f funcComponent) Name() string                  { return f.name }
func (f funcComponent) Run(ctx context.Context) error { return f.fn(ctx) }

// Func 把函数包装为组件
func Func(name string, fn func(ctx context.Context) error) Lifecycle {
	return funcComponent{name: name, fn: fn}
}

const (
	statusPending = "pending"
	statusRunning = "running"
	statusStopped = "stopped"
)

// LifecycleManager 生命周期管理器：组件并发运行，任一失败则取消其余组件。
type LifecycleManager struct {
	mu         sync.RWMutex
	components []Lifecycle
	status     map[string]string
	logger     *zap.Logger
}

// NewLifecycleManager 创建新的生命周期管理器
func NewLifecycleManager(logger *zap.Logger) *LifecycleManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LifecycleManager{
		status: make(map[string]string),
		logger: logger.Named("lifecycle"),
	}
}

// Register 注册组件
func (m *LifecycleManager) Register(c Lifecycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, c)
	m.status[c.Name()] = statusPending
}

func (m *LifecycleManager) setStatus(name, status string) {
	m.mu.Lock()
	m.status[name] = status
	m.mu.Unlock()
}

// RunAll 运行所有组件直到 ctx 结束；返回第一个非取消类错误。
func (m *LifecycleManager) RunAll(ctx context.Context) error {
	m.mu.RLock()
	comps := append([]Lifecycle(nil), m.components...)
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range comps {
		c := c
		g.Go(func() error {
			m.setStatus(c.Name(), statusRunning)
			m.logger.Info("component started", zap.String("component", c.Name()))
			err := c.Run(gctx)
			if err == nil || errors.Is(err, context.Canceled) {
				m.setStatus(c.Name(), statusStopped)
				m.logger.Info("component stopped", zap.String("component", c.Name()))
				return nil
			}
			m.setStatus(c.Name(), "failed: "+err.Error())
			m.logger.Error("component failed", zap.String("component", c.Name()), zap.Error(err))
			return fmt.Errorf("%s: %w", c.Name(), err)
		})
	}
	return g.Wait()
}

// CheckHealth 任一组件失败即不健康
func (m *LifecycleManager) CheckHealth() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.status))
	for n := range m.status {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		switch s := m.status[n]; s {
		case statusPending, statusRunning, statusStopped:
		default:
			return fmt.Errorf("component %s unhealthy: %s", n, s)
		}
	}
	return nil
}

// Statuses 各组件状态快照
func (m *LifecycleManager) Statuses() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.status))
	for k, v := range m.status {
		out[k] = v
	}
	return out
}
