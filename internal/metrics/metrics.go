package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Evaluations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_evaluations_total",
		Help: "Reallocation viability checks by deciding gate and source",
	}, []string{"gate", "source"})

	EvaluationErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_evaluation_errors_total",
		Help: "Viability checks rejected for invalid input or thresholds",
	}, []string{"source"})

	PortalsRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_portals_requests_total",
		Help: "Requests sent to the Portals API by endpoint and outcome",
	}, []string{"endpoint", "outcome"})

	PortalsLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sentinel_portals_latency_seconds",
		Help:    "Portals API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	MarketCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_market_cache_hits_total",
		Help: "Market data requests served from cache",
	})

	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_sweep_duration_seconds",
		Help:    "Duration of a full reallocation sweep",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	TrackedPositions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_tracked_positions",
		Help: "Positions tracked per owner after the last sweep",
	}, []string{"owner"})
)

func init() {
	prometheus.MustRegister(
		Evaluations,
		EvaluationErrors,
		PortalsRequests,
		PortalsLatency,
		MarketCacheHits,
		SweepDuration,
		TrackedPositions,
	)
}
