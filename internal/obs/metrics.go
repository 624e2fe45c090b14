package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Метрики авторизации и сессий
var (
	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_authz_decisions_total",
			Help: "Ability checks by outcome.",
		},
		[]string{"result"},
	)

	rulesSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_authz_rules_skipped_total",
			Help: "Malformed stored rules left out of evaluation.",
		},
		[]string{"source"},
	)

	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_session_transitions_total",
			Help: "Session negotiation attempts by operation, resulting state and failure reason.",
		},
		[]string{"op", "state", "reason"},
	)
)

var initOnce sync.Once

// Init registers the metrics in the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authzDecisions, rulesSkipped, sessionTransitions,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDecision counts an ability check.
func ObserveDecision(allowed bool) {
	if allowed {
		authzDecisions.WithLabelValues("allow").Inc()
		return
	}
	authzDecisions.WithLabelValues("deny").Inc()
}

// ObserveSkippedRule counts a malformed rule by its source ("role" or "user").
func ObserveSkippedRule(source string) {
	rulesSkipped.WithLabelValues(source).Inc()
}

// ObserveSession counts one negotiator operation. reason is empty on success.
func ObserveSession(op, state, reason string) {
	sessionTransitions.WithLabelValues(op, state, reason).Inc()
}

// Instrument wraps next with in-flight, count and latency metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath folds identifiers out of request paths so label cardinality
// stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	// /v1/admin/{users|roles}/{id}/abilities
	if len(parts) == 5 && parts[0] == "v1" && parts[1] == "admin" &&
		(parts[2] == "users" || parts[2] == "roles") && parts[4] == "abilities" {
		parts[3] = ":id"
		return "/" + strings.Join(parts, "/")
	}
	return p
}

// statusWriter: локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
