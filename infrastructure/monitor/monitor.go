package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus 执行指标收集器。所有方法对 nil 接收者安全，组件可不注入监控。
type Monitor struct {
	registry *prometheus.Registry

	// 母单指标
	executions       *prometheus.CounterVec
	executionLatency *prometheus.HistogramVec
	executionSlip    *prometheus.HistogramVec
	activeTasks      *prometheus.GaugeVec

	// 子单指标
	childOrders  *prometheus.CounterVec
	childLatency *prometheus.HistogramVec

	// 风险指标
	slippageSamples *prometheus.CounterVec
	slippageRisk    *prometheus.GaugeVec
	emergencyStops  *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec

	// 市场与系统
	bookUpdates   *prometheus.CounterVec
	eventsDropped prometheus.Gauge
	wsClients     prometheus.Gauge
}

// Config 监控配置
type Config struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "execalpha",
		Subsystem: "engine",
	}
}

// New 创建新的 Monitor 实例，指标注册在独立 registry 上。
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help}
	}
	hist := func(name, help string, buckets []float64) prometheus.HistogramOpts {
		return prometheus.HistogramOpts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help, Buckets: buckets}
	}

	return &Monitor{
		registry: reg,

		executions: factory.NewCounterVec(prometheus.CounterOpts(opts(
			"executions_total", "母单执行次数")), []string{"strategy", "outcome"}),
		executionLatency: factory.NewHistogramVec(hist(
			"execution_duration_seconds", "母单执行耗时（秒）",
			[]float64{0.01, 0.1, 1, 5, 30, 60, 300, 900, 3600}), []string{"strategy"}),
		executionSlip: factory.NewHistogramVec(hist(
			"execution_slippage_bps", "母单相对基准价滑点（bps）",
			[]float64{0, 1, 2, 5, 10, 20, 50, 100, 200}), []string{"strategy"}),
		activeTasks: factory.NewGaugeVec(prometheus.GaugeOpts(opts(
			"active_tasks", "活跃算法任务数")), []string{"algo"}),

		childOrders: factory.NewCounterVec(prometheus.CounterOpts(opts(
			"child_orders_total", "子单数")), []string{"algo", "outcome"}),
		childLatency: factory.NewHistogramVec(hist(
			"child_order_latency_seconds", "子单网关往返延迟（秒）",
			[]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5}), []string{"algo"}),

		slippageSamples: factory.NewCounterVec(prometheus.CounterOpts(opts(
			"slippage_samples_total", "滑点样本数")), []string{"instrument", "level"}),
		slippageRisk: factory.NewGaugeVec(prometheus.GaugeOpts(opts(
			"slippage_risk_score", "当前滑点风险分数")), []string{"instrument"}),
		emergencyStops: factory.NewCounterVec(prometheus.CounterOpts(opts(
			"emergency_stops_total", "紧急停止次数")), []string{"algo", "reason"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts(opts(
			"gateway_breaker_state", "网关熔断状态 0=closed 1=half-open 2=open")), []string{"name"}),

		bookUpdates: factory.NewCounterVec(prometheus.CounterOpts(opts(
			"orderbook_updates_total", "盘口快照更新次数")), []string{"instrument"}),
		eventsDropped: factory.NewGauge(prometheus.GaugeOpts(opts(
			"events_dropped", "因订阅者缓冲满而丢弃的事件数"))),
		wsClients: factory.NewGauge(prometheus.GaugeOpts(opts(
			"ws_clients", "当前 websocket 订阅连接数"))),
	}
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// 母单相关方法
func (m *Monitor) RecordExecution(strategy string, ok bool, seconds, slippageBps float64) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(strategy, outcome(ok)).Inc()
	m.executionLatency.WithLabelValues(strategy).Observe(seconds)
	if ok {
		m.executionSlip.WithLabelValues(strategy).Observe(slippageBps)
	}
}

func (m *Monitor) AddActiveTasks(algo string, delta float64) {
	if m == nil {
		return
	}
	m.activeTasks.WithLabelValues(algo).Add(delta)
}

// 子单相关方法
func (m *Monitor) RecordChildOrder(algo string, ok bool, seconds float64) {
	if m == nil {
		return
	}
	m.childOrders.WithLabelValues(algo, outcome(ok)).Inc()
	m.childLatency.WithLabelValues(algo).Observe(seconds)
}

// 风险相关方法
func (m *Monitor) RecordSlippageSample(instrument, level string) {
	if m == nil {
		return
	}
	m.slippageSamples.WithLabelValues(instrument, level).Inc()
}

func (m *Monitor) UpdateSlippageRisk(instrument string, score float64) {
	if m == nil {
		return
	}
	m.slippageRisk.WithLabelValues(instrument).Set(score)
}

func (m *Monitor) RecordEmergencyStop(algo, reason string) {
	if m == nil {
		return
	}
	m.emergencyStops.WithLabelValues(algo, reason).Inc()
}

// UpdateBreakerState 按 gobreaker 状态名记录。
func (m *Monitor) UpdateBreakerState(name, state string) {
	if m == nil {
		return
	}
	v := 0.0
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.breakerState.WithLabelValues(name).Set(v)
}

// 市场与系统相关方法
func (m *Monitor) RecordOrderBookUpdate(instrument string) {
	if m == nil {
		return
	}
	m.bookUpdates.WithLabelValues(instrument).Inc()
}

func (m *Monitor) UpdateEventsDropped(n int64) {
	if m == nil {
		return
	}
	m.eventsDropped.Set(float64(n))
}

func (m *Monitor) AddWSClients(delta float64) {
	if m == nil {
		return
	}
	m.wsClients.Add(delta)
}

// Handler 返回 HTTP handler 用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回 prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
