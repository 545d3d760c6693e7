package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Execution metrics
	ExecutionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flux_executions_total",
			Help: "Total number of executions by state",
		},
		[]string{"state"},
	)

	ExecutionsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flux_executions_submitted_total",
			Help: "Total number of executions submitted",
		},
	)

	EventsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flux_events_appended_total",
			Help: "Total number of events appended by type",
		},
		[]string{"type"},
	)

	// Scheduler metrics
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flux_dispatches_total",
			Help: "Total number of dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flux_dispatch_latency_seconds",
			Help:    "Time from SCHEDULED to CLAIMED in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ClaimsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flux_claims_active",
			Help: "Number of active execution claims",
		},
	)

	// Worker metrics
	WorkersOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flux_workers_online",
			Help: "Number of workers currently online",
		},
	)

	WorkersReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flux_workers_released_total",
			Help: "Total number of workers marked offline by liveness timeout",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flux_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flux_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(ExecutionsTotal)
	prometheus.MustRegister(ExecutionsSubmitted)
	prometheus.MustRegister(EventsAppended)
	prometheus.MustRegister(DispatchesTotal)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(ClaimsActive)
	prometheus.MustRegister(WorkersOnline)
	prometheus.MustRegister(WorkersReleased)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the observer.
func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(time.Since(t.start).Seconds())
}
