package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platesearch",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "platesearch",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 20},
	}, []string{"method", "path"})

	CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platesearch",
		Name:      "cache_hits_total",
		Help:      "Cache hits by key family.",
	}, []string{"family"})

	CacheMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platesearch",
		Name:      "cache_misses_total",
		Help:      "Cache misses by key family.",
	}, []string{"family"})

	DedupedCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platesearch",
		Name:      "deduped_calls_total",
		Help:      "Calls collapsed into an already in-flight computation, by key family.",
	}, []string{"family"})

	ComputeFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platesearch",
		Name:      "compute_failures_total",
		Help:      "Failed cache computations by key family and failure kind.",
	}, []string{"family", "kind"})

	EnrichmentJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platesearch",
		Name:      "enrichment_jobs_total",
		Help:      "Finished enrichment jobs by delivery provider and outcome.",
	}, []string{"provider", "outcome"})

	EnrichmentJobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "platesearch",
		Name:      "enrichment_job_duration_seconds",
		Help:      "Enrichment job duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30},
	}, []string{"provider"})

	EnrichmentLockAcquisitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platesearch",
		Name:      "enrichment_lock_acquisitions_total",
		Help:      "Anti-thrash lock acquisition attempts by outcome.",
	}, []string{"outcome"})

	DeliveryProviderAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "platesearch",
		Name:      "delivery_provider_available",
		Help:      "Whether a delivery provider accepts new jobs (1) or is blocked by failure backoff (0).",
	}, []string{"provider"})

	PollOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platesearch",
		Name:      "poll_outcomes_total",
		Help:      "Result-availability waits by exit reason.",
	}, []string{"reason"})

	PlacesRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "platesearch",
		Name:      "places_requests_total",
		Help:      "Requests to the places provider by result status.",
	}, []string{"status"})

	PlacesRequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "platesearch",
		Name:      "places_request_duration_seconds",
		Help:      "Places provider request duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20},
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		CacheHitsTotal,
		CacheMissesTotal,
		DedupedCallsTotal,
		ComputeFailuresTotal,
		EnrichmentJobsTotal,
		EnrichmentJobDuration,
		EnrichmentLockAcquisitions,
		DeliveryProviderAvailable,
		PollOutcomesTotal,
		PlacesRequestsTotal,
		PlacesRequestDuration,
	)
}
