package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
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

// Identity metrics
var (
	tokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_tokens_issued_total",
			Help: "Token pairs issued, by operation.",
		},
		[]string{"operation"},
	)

	refreshRedemptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_refresh_redemptions_total",
			Help: "Refresh token redemptions, by outcome.",
		},
		[]string{"outcome"},
	)

	serviceReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "identity_ready",
		Help: "1 when backing stores are reachable.",
	})

	policyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_policy_decisions_total",
			Help: "Authorization policy decisions.",
		},
		[]string{"policy", "decision"},
	)
)

var knownPaths = map[string]struct{}{
	"/healthz":                  {},
	"/readyz":                   {},
	"/metrics":                  {},
	"/api/v1/identity/register": {},
	"/api/v1/identity/login":    {},
	"/api/v1/identity/refresh":  {},
	"/api/v1/identity/addRole":  {},
	"/api/v1/identity/me":       {},
	"/api/v1/identity/chapsas":  {},
}

// Init registers all collectors with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		tokensIssued, refreshRedemptions, policyDecisions, serviceReady,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CanonicalPath maps a request path onto a bounded label set.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	if p == "" || p == "/" {
		return "/"
	}
	if _, ok := knownPaths[p]; ok {
		return p
	}
	return "other"
}

// ObserveIssued counts a token pair issued by operation.
func ObserveIssued(operation string) {
	tokensIssued.WithLabelValues(operation).Inc()
}

// ObserveRedemption counts a refresh outcome. An empty reason is a success.
func ObserveRedemption(reason string) {
	if reason == "" {
		reason = "rotated"
	}
	refreshRedemptions.WithLabelValues(reason).Inc()
}

// ObserveDecision counts a policy decision.
func ObserveDecision(policy, decision string) {
	policyDecisions.WithLabelValues(policy, decision).Inc()
}

// SetReady publishes the readiness gauge.
func SetReady(ready bool) {
	if ready {
		serviceReady.Set(1)
		return
	}
	serviceReady.Set(0)
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &StatusWriter{ResponseWriter: w, Code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.Code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// StatusWriter remembers the response code written by a handler.
type StatusWriter struct {
	http.ResponseWriter
	Code int
}

func (w *StatusWriter) WriteHeader(code int) {
	w.Code = code
	w.ResponseWriter.WriteHeader(code)
}
