package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Значения label result для правок заказа.
const (
	RevisionApplied               = "applied"
	RevisionConflict              = "conflict"
	RevisionInsufficientInventory = "insufficient_inventory"
	RevisionRejected              = "rejected"
)

// Значения label source для загрузки сессии.
const (
	SessionSourceStore       = "store"
	SessionSourceClientCache = "client_cache"
	SessionSourceNew         = "new"
)

// Значения label result для сохранения корзины.
const (
	FlushSaved    = "saved"
	FlushDegraded = "degraded"
)

// EngineMetrics содержит метрики корзины и версий заказов.
// Все методы безопасны для nil-получателя: метрики необязательны для сервисов.
type EngineMetrics struct {
	// Корзина
	cartMutations *prometheus.CounterVec
	cartFlushes   *prometheus.CounterVec
	sessionLoads  *prometheus.CounterVec
	breakerOpen   prometheus.Gauge

	// Заказы
	ordersCreated   prometheus.Counter
	ordersRejected  *prometheus.CounterVec
	orderRevisions  *prometheus.CounterVec
	operationTiming *prometheus.HistogramVec

	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter
}

// NewEngineMetrics создаёт метрики в DefaultRegisterer.
func NewEngineMetrics() *EngineMetrics {
	return NewEngineMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewEngineMetricsWithRegisterer создаёт метрики в заданном реестре (для тестов).
func NewEngineMetricsWithRegisterer(registerer prometheus.Registerer) *EngineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &EngineMetrics{
		cartMutations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "cartengine_cart_mutations_total",
			Help: "Total number of cart mutations by operation",
		}, []string{"operation"}),
		cartFlushes: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "cartengine_cart_flushes_total",
			Help: "Total number of cart flushes by result (saved or degraded to client cache)",
		}, []string{"result"}),
		sessionLoads: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "cartengine_session_loads_total",
			Help: "Total number of session loads by source",
		}, []string{"source"}),
		breakerOpen: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "cartengine_session_store_breaker_open",
			Help: "1 when the session store circuit breaker is open",
		}),
		ordersCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "cartengine_orders_created_total",
			Help: "Total number of orders created",
		}),
		ordersRejected: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "cartengine_order_create_rejected_total",
			Help: "Total number of rejected order submissions by reason",
		}, []string{"reason"}),
		orderRevisions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "cartengine_order_revisions_total",
			Help: "Total number of order revision attempts by result",
		}, []string{"result"}),
		operationTiming: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "cartengine_operation_duration_seconds",
			Help:    "Duration of engine operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation"}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "cartengine_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "cartengine_outbox_events_total",
			Help: "Total number of outbox events enqueued",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordCartMutation учитывает изменение корзины (add, set_quantity, remove, customer, clear).
func (m *EngineMetrics) RecordCartMutation(operation string) {
	if m == nil {
		return
	}
	m.cartMutations.WithLabelValues(operation).Inc()
}

// RecordFlush учитывает результат сохранения корзины.
func (m *EngineMetrics) RecordFlush(result string) {
	if m == nil {
		return
	}
	m.cartFlushes.WithLabelValues(result).Inc()
}

// RecordSessionLoad учитывает, откуда была восстановлена сессия.
func (m *EngineMetrics) RecordSessionLoad(source string) {
	if m == nil {
		return
	}
	m.sessionLoads.WithLabelValues(source).Inc()
}

// SetBreakerOpen отражает состояние circuit breaker хранилища сессий.
func (m *EngineMetrics) SetBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.breakerOpen.Set(1)
		return
	}
	m.breakerOpen.Set(0)
}

// RecordOrderCreated увеличивает счётчик созданных заказов.
func (m *EngineMetrics) RecordOrderCreated() {
	if m == nil {
		return
	}
	m.ordersCreated.Inc()
}

// RecordOrderRejected учитывает отклонённое оформление заказа.
func (m *EngineMetrics) RecordOrderRejected(reason string) {
	if m == nil {
		return
	}
	m.ordersRejected.WithLabelValues(reason).Inc()
}

// RecordRevision учитывает результат правки заказа.
func (m *EngineMetrics) RecordRevision(result string) {
	if m == nil {
		return
	}
	m.orderRevisions.WithLabelValues(result).Inc()
}

// RecordOperationDuration записывает длительность операции.
func (m *EngineMetrics) RecordOperationDuration(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operationTiming.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *EngineMetrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *EngineMetrics) RecordOutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}
