package pipeline

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "accessgate"

// Rate limit outcomes recorded by [Metrics.RateLimitDecisions].
const (
	outcomeAllowed = "allowed"
	outcomeDenied  = "denied"
	outcomeError   = "error"
)

// Metrics holds the access-layer collectors. A nil *Metrics records
// nothing, so tests and tools can skip registration.
type Metrics struct {
	AuthFailures       *prometheus.CounterVec
	AuthzDenials       *prometheus.CounterVec
	RateLimitDecisions *prometheus.CounterVec
	KeySetRefreshes    *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	InFlight           prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "authentication_failures_total",
			Help:      "Rejected authentication attempts by reason.",
		}, []string{"reason"}),
		AuthzDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "authorization_denials_total",
			Help:      "Requests denied by access policy, by route.",
		}, []string{"route"}),
		RateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limit decisions by route and outcome.",
		}, []string{"route", "outcome"}),
		KeySetRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "keyset_refreshes_total",
			Help:      "Signing key set fetch attempts by result.",
		}, []string{"result"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "http_in_flight_requests",
			Help:      "In-flight HTTP requests.",
		}),
	}
	reg.MustRegister(m.AuthFailures, m.AuthzDenials, m.RateLimitDecisions,
		m.KeySetRefreshes, m.RequestDuration, m.InFlight)
	return m
}

func (m *Metrics) authFailure(reason string) {
	if m != nil {
		m.AuthFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) authzDenial(route string) {
	if m != nil {
		m.AuthzDenials.WithLabelValues(route).Inc()
	}
}

func (m *Metrics) rateLimit(route, outcome string) {
	if m != nil {
		m.RateLimitDecisions.WithLabelValues(route, outcome).Inc()
	}
}

// ObserveKeySetRefresh counts a key set fetch. Its signature matches
// auth.KeySetCacheConfig.OnRefresh.
func (m *Metrics) ObserveKeySetRefresh(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.KeySetRefreshes.WithLabelValues(result).Inc()
}

// Instrument records in-flight requests and latency. routeOf names the
// route for the label; it should return a pattern, not the raw path.
func (m *Metrics) Instrument(routeOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.InFlight.Inc()
			defer m.InFlight.Dec()

			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(sw, r)

			m.RequestDuration.
				WithLabelValues(r.Method, routeOf(r), strconv.Itoa(sw.code)).
				Observe(time.Since(start).Seconds())
		})
	}
}

// statusWriter remembers the response code for labels.
type statusWriter struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.code = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
