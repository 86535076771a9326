package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Type 事件类型
type Type string

const (
	ExecutionCompleted Type = "executionCompleted"
	ExecutionFailed    Type = "executionFailed"
	AlgoTaskCompleted  Type = "algoTaskCompleted"
	AlgoSliceExecuted  Type = "algoSliceExecuted"
	SlippageWarning    Type = "slippageWarning"
	OrderBookUpdated   Type = "orderBookUpdated"
	EmergencyStop      Type = "emergencyStop"

	TaskCreated  Type = "taskCreated"
	TaskStarted  Type = "taskStarted"
	TaskPaused   Type = "taskPaused"
	TaskResumed  Type = "taskResumed"
	TaskCanceled Type = "taskCanceled"

	IcebergCreated    Type = "icebergCreated"
	IcebergStarted    Type = "icebergStarted"
	IcebergPaused     Type = "icebergPaused"
	IcebergResumed    Type = "icebergResumed"
	IcebergCanceled   Type = "icebergCanceled"
	IcebergCompleted  Type = "icebergCompleted"
	SubOrderCompleted Type = "subOrderCompleted"

	// AlertRaised 告警管理器经总线外发的告警
	AlertRaised Type = "alertRaised"
)

// Event 总线上传递的事件。Payload 为各组件自己的快照类型（值拷贝）。
type Event struct {
	Type    Type      `json:"type"`
	Source  string    `json:"source"`
	ID      string    `json:"id,omitempty"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// Sink 外部事件出口（Redis、websocket 等）。
type Sink interface {
	Handle(ctx context.Context, e Event) error
	Name() string
}

type subscriber struct {
	ch    chan Event
	types map[Type]struct{}
}

// Bus 类型化的发布/订阅总线。发布永不阻塞：订阅者缓冲满时丢弃并计数。
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	sinks   []Sink
	dropped atomic.Int64
	logger  *zap.Logger
}

// NewBus 创建事件总线。
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[int]*subscriber),
		logger: logger.Named("events"),
	}
}

// Subscribe 订阅指定类型（为空表示全部）。返回的 cancel 关闭通道并注销。
func (b *Bus) Subscribe(buffer int, types ...Type) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// AddSink 注册外部出口；sink 在独立 goroutine 中调用。
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Publish 发布事件。
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.types != nil {
			if _, ok := s.types[e.Type]; !ok {
				continue
			}
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
	for _, sink := range b.sinks {
		go func(sink Sink) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := sink.Handle(ctx, e); err != nil {
				b.logger.Warn("event sink failed",
					zap.String("sink", sink.Name()),
					zap.String("type", string(e.Type)),
					zap.Error(err))
			}
		}(sink)
	}
}

// Dropped 因订阅者缓冲满而丢弃的事件数。
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Emitter 组件内部使用的便捷发布器，固定 source。
type Emitter struct {
	bus    *Bus
	source string
}

// NewEmitter 创建绑定 source 的发布器；bus 为 nil 时静默。
func NewEmitter(bus *Bus, source string) Emitter {
	return Emitter{bus: bus, source: source}
}

// Emit 发布事件。
func (em Emitter) Emit(t Type, id string, at time.Time, payload any) {
	if em.bus == nil {
		return
	}
	em.bus.Publish(Event{Type: t, Source: em.source, ID: id, Time: at, Payload: payload})
}

// Bus 返回底层总线。
func (em Emitter) Bus() *Bus { return em.bus }
