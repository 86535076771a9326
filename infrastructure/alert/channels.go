package alert

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"exec-alpha-go/internal/events"
)

// LogChannel 通过 zap 输出告警
type LogChannel struct {
	logger *zap.Logger
	name   string
}

// NewLogChannel 创建日志告警通道
func NewLogChannel(name string, logger *zap.Logger) *LogChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogChannel{logger: logger.Named("alert"), name: name}
}

// Send 按级别写日志
func (c *LogChannel) Send(a Alert) error {
	fields := make([]zap.Field, 0, len(a.Fields)+2)
	fields = append(fields, zap.String("source", a.Source), zap.Time("at", a.Timestamp))
	for k, v := range a.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	switch a.Level {
	case LevelInfo:
		c.logger.Info(a.Message, fields...)
	case LevelWarning:
		c.logger.Warn(a.Message, fields...)
	default:
		c.logger.Error(a.Message, fields...)
	}
	return nil
}

// Name 返回通道名称
func (c *LogChannel) Name() string { return c.name }

// BusChannel 把告警作为 slippageWarning/emergencyStop 等事件发布到总线，
// 由 websocket 与 Redis sink 继续扇出。
type BusChannel struct {
	emitter events.Emitter
	typ     events.Type
}

// NewBusChannel 创建总线告警通道
func NewBusChannel(bus *events.Bus, typ events.Type) *BusChannel {
	return &BusChannel{emitter: events.NewEmitter(bus, "alert"), typ: typ}
}

// Send 发布事件
func (c *BusChannel) Send(a Alert) error {
	if c.emitter.Bus() == nil {
		return fmt.Errorf("bus channel without bus")
	}
	c.emitter.Emit(c.typ, a.Key, a.Timestamp, a)
	return nil
}

// Name 返回通道名称
func (c *BusChannel) Name() string { return "bus:" + string(c.typ) }

// MockChannel 记录告警，供测试断言
type MockChannel struct {
	name      string
	mu        sync.Mutex
	alerts    []Alert
	shouldErr bool
}

// NewMockChannel 创建模拟告警通道
func NewMockChannel(name string) *MockChannel {
	return &MockChannel{name: name}
}

// Send 记录告警
func (c *MockChannel) Send(a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shouldErr {
		return fmt.Errorf("mock error")
	}
	c.alerts = append(c.alerts, a)
	return nil
}

// Name 返回通道名称
func (c *MockChannel) Name() string { return c.name }

// GetAlerts 获取所有接收到的告警
func (c *MockChannel) GetAlerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Alert, len(c.alerts))
	copy(out, c.alerts)
	return out
}

// SetShouldError 设置是否返回错误
func (c *MockChannel) SetShouldError(shouldErr bool) {
	c.mu.Lock()
	c.shouldErr = shouldErr
	c.mu.Unlock()
}

// Count 已接收告警数
func (c *MockChannel) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}
