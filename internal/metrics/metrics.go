package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes counters and histograms for booking, consultation and HTTP flows.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	holdsTotal          *prometheus.CounterVec
	transitionsTotal    *prometheus.CounterVec
	paymentsTotal       *prometheus.CounterVec
	holdsExpiredTotal   prometheus.Counter
	regenerationsTotal  *prometheus.CounterVec
	sessionEventsTotal  *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		holdsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telehealth",
			Subsystem: "booking",
			Name:      "holds_total",
			Help:      "Slot hold attempts by result",
		}, []string{"result"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telehealth",
			Subsystem: "booking",
			Name:      "reservation_transitions_total",
			Help:      "Reservation state transitions",
		}, []string{"from", "to"}),
		paymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telehealth",
			Subsystem: "booking",
			Name:      "payment_results_total",
			Help:      "Payment results received from the gateway",
		}, []string{"status"}),
		holdsExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telehealth",
			Subsystem: "availability",
			Name:      "holds_expired_total",
			Help:      "Holds released by the expiry sweep",
		}),
		regenerationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telehealth",
			Subsystem: "availability",
			Name:      "regenerations_total",
			Help:      "Slot regenerations after template changes",
		}, []string{"result"}),
		sessionEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telehealth",
			Subsystem: "consultation",
			Name:      "session_events_total",
			Help:      "Consultation session state changes",
		}, []string{"state"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "telehealth",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.holdsTotal,
		m.transitionsTotal,
		m.paymentsTotal,
		m.holdsExpiredTotal,
		m.regenerationsTotal,
		m.sessionEventsTotal,
		m.httpRequestDuration,
	)
	return m
}

func (m *Metrics) ObserveHold(result string) {
	if m == nil {
		return
	}
	m.holdsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObservePayment(status string) {
	if m == nil {
		return
	}
	m.paymentsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveExpiredHolds(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.holdsExpiredTotal.Add(float64(n))
}

func (m *Metrics) ObserveRegeneration(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.regenerationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveSession(state string) {
	if m == nil {
		return
	}
	m.sessionEventsTotal.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveHTTP(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequestDuration.WithLabelValues(method, route, status).Observe(seconds)
}
