package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the application's collectors in a private registry so that
// several instances (e.g., in tests) do not collide.
type Metrics struct {
	Registry *prometheus.Registry

	Rows        *prometheus.CounterVec
	Conflicts   prometheus.Counter
	Invites     *prometheus.CounterVec
	Publishes   *prometheus.CounterVec
	Requests    *prometheus.CounterVec
	RequestTime *prometheus.HistogramVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}

	m.Rows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smartsched",
		Name:      "intake_rows_total",
		Help:      "Intake rows read, by result",
	}, []string{"result"})
	m.Conflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "smartsched",
		Name:      "conflicting_records_total",
		Help:      "Records flagged as conflicting",
	})
	m.Invites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smartsched",
		Name:      "invites_total",
		Help:      "Invites generated, by result",
	}, []string{"result"})
	m.Publishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smartsched",
		Name:      "publishes_total",
		Help:      "Invites pushed to CalDAV, by status",
	}, []string{"status"})
	m.Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smartsched",
		Name:      "http_requests_total",
		Help:      "HTTP requests by handler and status code",
	}, []string{"handler", "code"})
	m.RequestTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "smartsched",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by handler",
		Buckets:   prometheus.DefBuckets,
	}, []string{"handler"})

	m.Registry.MustRegister(
		m.Rows, m.Conflicts, m.Invites, m.Publishes, m.Requests, m.RequestTime,
	)
	return m
}

// ObserveIntake records the outcome of reading an intake file.
func (m *Metrics) ObserveIntake(accepted, rejected int) {
	if m == nil {
		return
	}
	m.Rows.WithLabelValues("ok").Add(float64(accepted))
	m.Rows.WithLabelValues("invalid").Add(float64(rejected))
}

// ObserveConflicts records the number of conflicting records of one run.
func (m *Metrics) ObserveConflicts(n int) {
	if m == nil {
		return
	}
	m.Conflicts.Add(float64(n))
}

// ObserveInvites records generated and skipped invites.
func (m *Metrics) ObserveInvites(generated, skipped int) {
	if m == nil {
		return
	}
	m.Invites.WithLabelValues("ok").Add(float64(generated))
	m.Invites.WithLabelValues("format_error").Add(float64(skipped))
}

// ObservePublish records one publish attempt.
func (m *Metrics) ObservePublish(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Publishes.WithLabelValues(status).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Instrument wraps h so that its requests are counted and timed under name.
func (m *Metrics) Instrument(name string, h http.Handler) http.Handler {
	if m == nil {
		return h
	}
	labels := prometheus.Labels{"handler": name}
	return promhttp.InstrumentHandlerDuration(
		m.RequestTime.MustCurryWith(labels),
		promhttp.InstrumentHandlerCounter(m.Requests.MustCurryWith(labels), h),
	)
}
