package alert

import (
	"fmt"
	"sync"
	"time"

	"exec-alpha-go/internal/clock"
)

// 告警级别
const (
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// Alert 告警信息
type Alert struct {
	Level     string                 `json:"level"`
	Source    string                 `json:"source"` // router / scheduled / iceberg / slippage
	Key       string                 `json:"key"`    // 限流键，为空时使用 level:message
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (a Alert) throttleKey() string {
	if a.Key != "" {
		return a.Key
	}
	return fmt.Sprintf("%s:%s", a.Level, a.Message)
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Throttler 按 key 限流：同一 key 在 interval 内只放行一次。
type Throttler struct {
	lastSent map[string]time.Time
	interval time.Duration
	clock    clock.Clock
	mu       sync.Mutex
}

// NewThrottler 创建限流器；clk 为 nil 时使用系统时钟。
func NewThrottler(interval time.Duration, clk clock.Clock) *Throttler {
	return &Throttler{
		lastSent: make(map[string]time.Time),
		interval: interval,
		clock:    clock.OrDefault(clk),
	}
}

// Allow 检查是否允许发送
func (t *Throttler) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	last, ok := t.lastSent[key]
	if !ok || now.Sub(last) >= t.interval {
		t.lastSent[key] = now
		return true
	}
	return false
}

// Reset 重置单个 key
func (t *Throttler) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSent, key)
}

// Clear 清空所有限流记录
func (t *Throttler) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent = make(map[string]time.Time)
}

// Manager 告警管理器，把告警扇出到所有通道。
type Manager struct {
	channels []Channel
	throttle *Throttler
	clock    clock.Clock
	mu       sync.RWMutex
}

// NewManager 创建告警管理器
func NewManager(channels []Channel, throttleInterval time.Duration, clk clock.Clock) *Manager {
	clk = clock.OrDefault(clk)
	return &Manager{
		channels: channels,
		throttle: NewThrottler(throttleInterval, clk),
		clock:    clk,
	}
}

// SendAlert 发送告警；被限流时静默返回 nil，所有通道都失败时返回最后一个错误。
func (m *Manager) SendAlert(alert Alert) error {
	if m == nil {
		return nil
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = m.clock.Now()
	}
	if !m.throttle.Allow(alert.throttleKey()) {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var lastErr error
	ok := 0
	for _, ch := range m.channels {
		if err := ch.Send(alert); err != nil {
			lastErr = fmt.Errorf("channel %s failed: %w", ch.Name(), err)
			continue
		}
		ok++
	}
	if ok == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// Warn 发送 WARNING 告警
func (m *Manager) Warn(source, key, message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: LevelWarning, Source: source, Key: key, Message: message, Fields: fields})
}

// Error 发送 ERROR 告警
func (m *Manager) Error(source, key, message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: LevelError, Source: source, Key: key, Message: message, Fields: fields})
}

// Critical 发送 CRITICAL 告警
func (m *Manager) Critical(source, key, message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: LevelCritical, Source: source, Key: key, Message: message, Fields: fields})
}

// AddChannel 添加告警通道
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// RemoveChannel 移除告警通道
func (m *Manager) RemoveChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	filtered := m.channels[:0]
	for _, ch := range m.channels {
		if ch.Name() != name {
			filtered = append(filtered, ch)
		}
	}
	m.channels = filtered
}

// GetChannels 获取所有通道名
func (m *Manager) GetChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}

// ResetThrottle 重置限流器
func (m *Manager) ResetThrottle() {
	m.throttle.Clear()
}
