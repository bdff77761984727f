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

	controllerActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controller_actions_total",
			Help: "Controller actions by outcome.",
		},
		[]string{"controller", "action", "outcome"},
	)

	backendCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_call_duration_seconds",
			Help:    "Latency of backend collaborator calls.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "outcome"},
	)

	registerOnce sync.Once
)

// Init registers metrics in the default registry. Safe to call repeatedly.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight,
			httpRequestsTotal,
			httpRequestDuration,
			controllerActions,
			backendCallDuration,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ControllerAction counts a controller action by outcome.
func ControllerAction(controller, action string, err error) {
	controllerActions.WithLabelValues(controller, action, outcome(err)).Inc()
}

// ObserveBackendCall records the latency of one collaborator call.
func ObserveBackendCall(operation string, start time.Time, err error) {
	backendCallDuration.WithLabelValues(operation, outcome(err)).Observe(time.Since(start).Seconds())
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// CanonicalPath collapses resource identifiers so metric labels stay bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(p, "/")
	replaceID := func(prefix []string, suffixes ...string) bool {
		if len(parts) < len(prefix)+1 {
			return false
		}
		for i, seg := range prefix {
			if parts[i] != seg {
				return false
			}
		}
		idx := len(prefix)
		rest := parts[idx+1:]
		if len(rest) > 1 {
			return false
		}
		if len(rest) == 1 {
			okSuffix := false
			for _, s := range suffixes {
				if rest[0] == s {
					okSuffix = true
					break
				}
			}
			if !okSuffix {
				return false
			}
		}
		parts[idx] = ":id"
		return true
	}
	switch {
	case replaceID([]string{"", "v1", "processes"}, "start", "complete-turn", "cancel", "dates"):
	case replaceID([]string{"", "v1", "stables"}, "processes", "members", "routine-instances"):
	case replaceID([]string{"", "v1", "routine-instances"}, "assign"):
	}
	return strings.Join(parts, "/")
}

// Instrument wraps the handler with request counting and latency metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush forwards flushes so SSE responses keep streaming when instrumented.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
