package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evaluations_submitted_total",
			Help: "Total number of evaluation submissions accepted",
		},
		[]string{"language", "priority"},
	)
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evaluation_transitions_total",
			Help: "Status transitions applied by the projector",
		},
		[]string{"from", "to"},
	)
	AnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evaluation_event_anomalies_total",
			Help: "Events that contradicted a terminal state or repeated an event_id",
		},
		[]string{"kind"},
	)
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evaluation_retries_total",
			Help: "Retry attempts scheduled, by attempt number",
		},
		[]string{"attempt"},
	)
	DLQTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "evaluation_dlq_total",
			Help: "Tasks moved to the dead-letter queue after exhausted retries",
		},
	)
	EvaluationsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "evaluations_running",
			Help: "Evaluations currently holding an executor slot",
		},
	)
	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evaluation_dispatch_duration_seconds",
			Help:    "Wall time from task pickup to terminal status",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)
	BlobOffloadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "evaluation_blob_offloads_total",
			Help: "Outputs larger than the inline threshold written to blob storage",
		},
	)
	BusReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "event_bus_reconnects_total",
			Help: "Subscriber reconnects to the event bus",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(SubmissionsTotal)
	prometheus.MustRegister(TransitionsTotal)
	prometheus.MustRegister(AnomaliesTotal)
	prometheus.MustRegister(RetriesTotal)
	prometheus.MustRegister(DLQTotal)
	prometheus.MustRegister(EvaluationsRunning)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(BlobOffloadsTotal)
	prometheus.MustRegister(BusReconnectsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// StartEvaluation marks an executor slot as occupied.
func StartEvaluation() { EvaluationsRunning.Inc() }

// FinishEvaluation releases the slot and records the attempt duration.
func FinishEvaluation(status string, started time.Time) {
	EvaluationsRunning.Dec()
	DispatchDuration.WithLabelValues(status).Observe(time.Since(started).Seconds())
}
