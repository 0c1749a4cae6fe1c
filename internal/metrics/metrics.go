package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry served at /metrics.
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "route", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "route", "status"},
	)

	// JobEvents counts job lifecycle events by type
	JobEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "job_events_total", Help: "Job lifecycle events by type."},
		[]string{"event"},
	)
	// QueueDepth tracks jobs waiting for a worker
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "job_queue_depth", Help: "Jobs waiting for a worker."},
	)
	// SolveDuration records wall clock time per completed solve in seconds
	SolveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "solve_duration_seconds", Help: "Wall clock time per completed solve.", Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}},
	)
	// SolveIterations records search iterations per completed solve
	SolveIterations = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "solve_iterations", Help: "Search iterations per completed solve.", Buckets: prometheus.ExponentialBuckets(100, 4, 8)},
	)

	// CallbackDeliveries counts callback delivery outcomes by event type and status
	CallbackDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callback_deliveries_total", Help: "Callback deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// CallbackLatency tracks callback delivery latencies in milliseconds
	CallbackLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "callback_delivery_latency_ms", Help: "Callback delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers collectors to the registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(JobEvents)
		Registry.MustRegister(QueueDepth)
		Registry.MustRegister(SolveDuration)
		Registry.MustRegister(SolveIterations)
		Registry.MustRegister(CallbackDeliveries)
		Registry.MustRegister(CallbackLatency)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

// ObserveHTTP records one served request.
func ObserveHTTP(method, route string, status int, took time.Duration) {
	code := strconv.Itoa(status)
	HTTPRequests.WithLabelValues(method, route, code).Inc()
	HTTPDuration.WithLabelValues(method, route, code).Observe(took.Seconds())
}

// ObserveSolve records a completed solve.
func ObserveSolve(iterations int64, took time.Duration) {
	SolveDuration.Observe(took.Seconds())
	SolveIterations.Observe(float64(iterations))
}

// ObserveCallback records one delivery attempt.
func ObserveCallback(eventType string, success bool, took time.Duration) {
	status := "ok"
	if !success {
		status = "fail"
	}
	CallbackDeliveries.WithLabelValues(eventType, status).Inc()
	CallbackLatency.WithLabelValues(eventType, status).Observe(float64(took.Milliseconds()))
}
