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

var (
	initOnce sync.Once

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

	authOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_operations_total",
			Help: "Credential and token lifecycle operations by outcome.",
		},
		[]string{"operation", "outcome"},
	)

	hashDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auth_hash_duration_seconds",
			Help:    "Time spent hashing or verifying secrets.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"op"},
	)

	revocationsPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_revocations_pruned_total",
		Help: "Revocation entries evicted after their token expired.",
	})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ready",
		Help: "1 when the service reports ready, 0 otherwise.",
	})
)

// Init registers the service metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authOperations, hashDuration, revocationsPruned, ready,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAuth counts one lifecycle operation (register, authenticate, revoke, verify).
func ObserveAuth(operation, outcome string) {
	authOperations.WithLabelValues(operation, outcome).Inc()
}

// ObserveHash records the latency of a hash or verify call.
func ObserveHash(op string, d time.Duration) {
	hashDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObservePruned adds n evicted revocation entries.
func ObservePruned(n int) {
	if n > 0 {
		revocationsPruned.Add(float64(n))
	}
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument measures request count, latency and in-flight requests.
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

var knownPaths = map[string]struct{}{
	"/":                      {},
	"/healthz":               {},
	"/readyz":                {},
	"/metrics":               {},
	"/v1/info":               {},
	"/v1/auth/register":      {},
	"/v1/auth/login":         {},
	"/v1/auth/logout":        {},
	"/v1/auth/me":            {},
	"/v1/auth/introspect":    {},
	"/v1/accounts":           {},
	"/v1/revocations/events": {},
}

// CanonicalPath maps a request path onto a bounded label set.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	if _, ok := knownPaths[path]; ok {
		return path
	}
	if rest, ok := strings.CutPrefix(path, "/v1/accounts/"); ok && rest != "" && !strings.Contains(rest, "/") {
		return "/v1/accounts/:id"
	}
	return "unmatched"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
