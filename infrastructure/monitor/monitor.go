package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器。
// 所有方法对 nil 接收者安全，组件可以不注入 Monitor。
type Monitor struct {
	registry *prometheus.Registry

	// 行情指标
	bookUpdates  *prometheus.CounterVec
	bookResyncs  *prometheus.CounterVec
	bookCrosses  *prometheus.CounterVec
	bookSequence *prometheus.GaugeVec
	midPrice     *prometheus.GaugeVec
	spread       *prometheus.GaugeVec

	// 事件总线
	busPublished  *prometheus.CounterVec
	handlerPanics prometheus.Counter

	// 订单指标
	ordersSubmitted *prometheus.CounterVec
	ordersFilled    *prometheus.CounterVec
	ordersCancelled *prometheus.CounterVec
	ordersFailed    *prometheus.CounterVec
	ordersAmbiguous *prometheus.CounterVec
	openOrders      *prometheus.GaugeVec
	orderLatency    *prometheus.HistogramVec
	filledVolume    *prometheus.CounterVec

	// 资金
	balanceTotal  *prometheus.GaugeVec
	balanceLocked *prometheus.GaugeVec

	// 策略指标
	strategyCycles *prometheus.CounterVec
	strategyErrors *prometheus.CounterVec
	strategyPhase  *prometheus.GaugeVec
	opportunities  *prometheus.CounterVec

	// 连接器
	wsConnections *prometheus.CounterVec
	wsDisconnects *prometheus.CounterVec
	restRequests  *prometheus.CounterVec
	restErrors    *prometheus.CounterVec
	restLatency   *prometheus.HistogramVec
}

// Config 监控配置
type Config struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "te",
		Subsystem: "engine",
	}
}

// New 创建新的Monitor实例，每个实例独立 registry，便于测试。
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	gaugeVec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	return &Monitor{
		registry: reg,

		bookUpdates:  counterVec("book_updates_total", "已应用的盘口消息", "pair", "kind"),
		bookResyncs:  counterVec("book_resyncs_total", "因序号缺口触发的快照重拉", "pair"),
		bookCrosses:  counterVec("book_crosses_total", "交叉盘口修复次数", "pair"),
		bookSequence: gaugeVec("book_sequence", "当前盘口序号", "pair"),
		midPrice:     gaugeVec("mid_price", "中间价", "pair"),
		spread:       gaugeVec("spread", "买卖价差", "pair"),

		busPublished: counterVec("bus_published_total", "发布到事件总线的事件", "kind"),
		handlerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "bus_handler_panics_total",
			Help:      "订阅者处理函数 panic 次数",
		}),

		ordersSubmitted: counterVec("orders_submitted_total", "提交的订单", "exchange", "side"),
		ordersFilled:    counterVec("orders_filled_total", "完全成交的订单", "exchange"),
		ordersCancelled: counterVec("orders_cancelled_total", "已撤销的订单", "exchange"),
		ordersFailed:    counterVec("orders_failed_total", "失败的订单", "exchange"),
		ordersAmbiguous: counterVec("orders_ambiguous_total", "进入待核实状态的订单", "exchange"),
		openOrders:      gaugeVec("open_orders", "未终结订单数", "exchange"),
		orderLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "order_ack_latency_seconds",
			Help:      "下单到确认的延迟分布（秒）",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}, []string{"exchange"}),
		filledVolume: counterVec("filled_volume_total", "累计成交量（基础币）", "exchange", "pair"),

		balanceTotal:  gaugeVec("balance_total", "资产总额", "exchange", "asset"),
		balanceLocked: gaugeVec("balance_locked", "挂单锁定资产", "exchange", "asset"),

		strategyCycles: counterVec("strategy_cycles_total", "策略报价周期", "strategy"),
		strategyErrors: counterVec("strategy_errors_total", "策略错误", "strategy", "severity"),
		strategyPhase:  gaugeVec("strategy_phase", "策略当前阶段", "strategy"),
		opportunities:  counterVec("arbitrage_opportunities_total", "发现的套利机会", "strategy"),

		wsConnections: counterVec("ws_connections_total", "WebSocket连接次数", "exchange"),
		wsDisconnects: counterVec("ws_disconnects_total", "WebSocket断开次数", "exchange"),
		restRequests:  counterVec("rest_requests_total", "REST请求总数", "exchange", "action"),
		restErrors:    counterVec("rest_errors_total", "REST错误总数", "exchange", "action", "kind"),
		restLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rest_latency_seconds",
			Help:      "REST请求延迟（秒）",
			Buckets:   prometheus.DefBuckets,
		}, []string{"exchange", "action"}),
	}
}

// --- 行情 ---

func (m *Monitor) RecordBookUpdate(pair, kind string, seq uint64) {
	if m == nil {
		return
	}
	m.bookUpdates.WithLabelValues(pair, kind).Inc()
	m.bookSequence.WithLabelValues(pair).Set(float64(seq))
}

func (m *Monitor) RecordResync(pair string) {
	if m == nil {
		return
	}
	m.bookResyncs.WithLabelValues(pair).Inc()
}

func (m *Monitor) RecordCrossedBook(pair string) {
	if m == nil {
		return
	}
	m.bookCrosses.WithLabelValues(pair).Inc()
}

func (m *Monitor) UpdateTopOfBook(pair string, mid, spread float64) {
	if m == nil {
		return
	}
	m.midPrice.WithLabelValues(pair).Set(mid)
	m.spread.WithLabelValues(pair).Set(spread)
}

// --- 事件总线 ---

func (m *Monitor) RecordPublished(kind string) {
	if m == nil {
		return
	}
	m.busPublished.WithLabelValues(kind).Inc()
}

func (m *Monitor) RecordHandlerPanic() {
	if m == nil {
		return
	}
	m.handlerPanics.Inc()
}

// --- 订单 ---

func (m *Monitor) RecordOrderSubmitted(exchange, side string) {
	if m == nil {
		return
	}
	m.ordersSubmitted.WithLabelValues(exchange, side).Inc()
}

func (m *Monitor) RecordOrderFilled(exchange string) {
	if m == nil {
		return
	}
	m.ordersFilled.WithLabelValues(exchange).Inc()
}

func (m *Monitor) RecordOrderCancelled(exchange string) {
	if m == nil {
		return
	}
	m.ordersCancelled.WithLabelValues(exchange).Inc()
}

func (m *Monitor) RecordOrderFailed(exchange string) {
	if m == nil {
		return
	}
	m.ordersFailed.WithLabelValues(exchange).Inc()
}

func (m *Monitor) RecordOrderAmbiguous(exchange string) {
	if m == nil {
		return
	}
	m.ordersAmbiguous.WithLabelValues(exchange).Inc()
}

func (m *Monitor) SetOpenOrders(exchange string, n int) {
	if m == nil {
		return
	}
	m.openOrders.WithLabelValues(exchange).Set(float64(n))
}

func (m *Monitor) RecordAckLatency(exchange string, seconds float64) {
	if m == nil {
		return
	}
	m.orderLatency.WithLabelValues(exchange).Observe(seconds)
}

func (m *Monitor) RecordFill(exchange, pair string, amount float64) {
	if m == nil {
		return
	}
	m.filledVolume.WithLabelValues(exchange, pair).Add(amount)
}

// --- 资金 ---

func (m *Monitor) UpdateBalance(exchange, asset string, total, locked float64) {
	if m == nil {
		return
	}
	m.balanceTotal.WithLabelValues(exchange, asset).Set(total)
	m.balanceLocked.WithLabelValues(exchange, asset).Set(locked)
}

// --- 策略 ---

func (m *Monitor) RecordStrategyCycle(strategy string) {
	if m == nil {
		return
	}
	m.strategyCycles.WithLabelValues(strategy).Inc()
}

func (m *Monitor) RecordStrategyError(strategy, severity string) {
	if m == nil {
		return
	}
	m.strategyErrors.WithLabelValues(strategy, severity).Inc()
}

func (m *Monitor) SetStrategyPhase(strategy string, phase int) {
	if m == nil {
		return
	}
	m.strategyPhase.WithLabelValues(strategy).Set(float64(phase))
}

func (m *Monitor) RecordOpportunity(strategy string) {
	if m == nil {
		return
	}
	m.opportunities.WithLabelValues(strategy).Inc()
}

// --- 连接器 ---

func (m *Monitor) RecordWSConnection(exchange string) {
	if m == nil {
		return
	}
	m.wsConnections.WithLabelValues(exchange).Inc()
}

func (m *Monitor) RecordWSDisconnect(exchange string) {
	if m == nil {
		return
	}
	m.wsDisconnects.WithLabelValues(exchange).Inc()
}

func (m *Monitor) RecordRESTRequest(exchange, action string, seconds float64) {
	if m == nil {
		return
	}
	m.restRequests.WithLabelValues(exchange, action).Inc()
	m.restLatency.WithLabelValues(exchange, action).Observe(seconds)
}

func (m *Monitor) RecordRESTError(exchange, action, kind string) {
	if m == nil {
		return
	}
	m.restErrors.WithLabelValues(exchange, action, kind).Inc()
}

// Handler 返回Prometheus HTTP handler
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回Prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
