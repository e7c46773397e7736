package metrics

import "github.com/prometheus/client_golang/prometheus"

// BookingMetrics covers the guard, hold and appointment flows.
type BookingMetrics struct {
	operations   *prometheus.CounterVec
	conflicts    *prometheus.CounterVec
	lockWait     prometheus.Histogram
	holdsExpired prometheus.Counter
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_operations_total",
			Help: "Booking operations by name and result",
		}, []string{"op", "result"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_conflicts_total",
			Help: "Overlap conflicts by kind",
		}, []string{"kind"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "booking_lock_wait_seconds",
			Help:    "Time spent waiting for scope locks",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		holdsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "booking_holds_expired_total",
			Help: "Holds moved to expired by the sweeper",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.operations, m.conflicts, m.lockWait, m.holdsExpired)
	return m
}

func (m *BookingMetrics) ObserveOperation(op, result string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, result).Inc()
}

func (m *BookingMetrics) ObserveConflict(kind string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(kind).Inc()
}

func (m *BookingMetrics) ObserveLockWait(seconds float64) {
	if m == nil {
		return
	}
	m.lockWait.Observe(seconds)
}

func (m *BookingMetrics) AddHoldsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.holdsExpired.Add(float64(n))
}

// WebhookMetrics covers outbound delivery.
type WebhookMetrics struct {
	deliveries *prometheus.CounterVec
	latency    prometheus.Histogram
	exhausted  prometheus.Counter
}

func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	m := &WebhookMetrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook delivery attempts by result",
		}, []string{"result"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "webhook_delivery_seconds",
			Help:    "Latency of webhook POSTs",
			Buckets: prometheus.DefBuckets,
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webhook_deliveries_exhausted_total",
			Help: "Deliveries that ran out of retries",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.deliveries, m.latency, m.exhausted)
	return m
}

func (m *WebhookMetrics) ObserveDelivery(result string, seconds float64) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
	m.latency.Observe(seconds)
}

func (m *WebhookMetrics) IncExhausted() {
	if m == nil {
		return
	}
	m.exhausted.Inc()
}
