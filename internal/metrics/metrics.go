// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lacc"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of bridge HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of bridge HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)

	serviceState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "service_state",
			Help:      "1 for the inference service's current state, 0 otherwise",
		},
		[]string{"state"},
	)

	serviceRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Inference service restarts after a crash",
		},
	)

	provisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "provisions_total",
			Help:      "Model provisioning attempts by outcome",
		},
		[]string{"outcome"},
	)

	suggestionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inserter",
			Name:      "suggestions_total",
			Help:      "Suggestions by final outcome",
		},
		[]string{"outcome"},
	)

	fragmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inserter",
			Name:      "fragments_total",
			Help:      "Stream fragments applied to documents",
		},
	)
)

// States lists every label value SetServiceState may receive, so that the
// gauge reports zeros for the inactive ones.
var States = []string{"not_installed", "stopped", "starting", "running", "crashed"}

func init() {
	prometheus.MustRegister(
		httpRequestsTotal, httpRequestDuration,
		serviceState, serviceRestarts, provisionsTotal,
		suggestionsTotal, fragmentsTotal,
	)
}

// SetServiceState marks state as the current one.
func SetServiceState(state string) {
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		serviceState.WithLabelValues(s).Set(v)
	}
}

// ServiceRestarted counts one crash restart.
func ServiceRestarted() { serviceRestarts.Inc() }

// ProvisionFinished counts one provisioning attempt.
func ProvisionFinished(outcome string) { provisionsTotal.WithLabelValues(outcome).Inc() }

// SuggestionFinished counts an accepted or discarded suggestion and the
// fragments it was streamed in.
func SuggestionFinished(outcome string, fragments int) {
	suggestionsTotal.WithLabelValues(outcome).Inc()
	fragmentsTotal.Add(float64(fragments))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent event streams working through the middleware.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware instruments requests, labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)

		path := routePatternOrPath(r)
		status := strconv.Itoa(sr.status)
		httpRequestsTotal.WithLabelValues(path, r.Method, status).Inc()
		httpRequestDuration.WithLabelValues(path, r.Method, status).Observe(time.Since(start).Seconds())
	})
}

// routePatternOrPath keeps label cardinality bounded: document ids live in
// the path, the pattern does not carry them.
func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
