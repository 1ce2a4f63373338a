package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Instance lifecycle metrics
	InstancesByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gpu_instances_by_status",
			Help: "Number of instances currently tracked, by lifecycle status",
		},
		[]string{"status"},
	)

	InstanceCreations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpu_instance_creations_total",
			Help: "Instance creation requests by resolved region",
		},
		[]string{"region"},
	)

	InstanceStartupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gpu_instance_startup_seconds",
			Help:    "Wall-clock time from creation to ready",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		},
	)

	// Job queue metrics
	JobQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "job_queue_depth",
			Help: "Number of jobs per queue state",
		},
		[]string{"state"},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Completed job attempts by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Handler execution time per job type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Upstream API metrics
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novita_api_requests_total",
			Help: "Upstream API requests by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "novita_api_request_seconds",
			Help:    "Upstream API request latency per operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	CircuitBreakerOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "novita_api_circuit_breaker_open",
			Help: "1 when the upstream circuit breaker is open, 0 otherwise",
		},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Cache hits by cache name",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Cache misses by cache name",
		},
		[]string{"cache"},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "LRU evictions by cache name",
		},
		[]string{"cache"},
	)

	// Health check metrics
	HealthCheckRounds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "health_check_rounds_total",
			Help: "Health check rounds by overall status",
		},
		[]string{"status"},
	)

	// Migration metrics
	MigrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spot_migrations_total",
			Help: "Spot instance migrations by outcome",
		},
		[]string{"outcome"},
	)

	// Webhook metrics
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Billing metrics
	BillingExports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_usage_exports_total",
			Help: "Metered usage exports by outcome",
		},
		[]string{"outcome"},
	)
)

// ObserveJob records a finished handler attempt.
func ObserveJob(jobType, outcome string, seconds float64) {
	JobsProcessed.WithLabelValues(jobType, outcome).Inc()
	JobDuration.WithLabelValues(jobType).Observe(seconds)
}

// ObserveUpstream records an upstream API call.
func ObserveUpstream(operation, outcome string, seconds float64) {
	UpstreamRequests.WithLabelValues(operation, outcome).Inc()
	UpstreamLatency.WithLabelValues(operation).Observe(seconds)
}

// SetQueueDepth updates the queue depth gauges from a stats snapshot.
func SetQueueDepth(pending, processing, retry, completed, failed int) {
	JobQueueDepth.WithLabelValues("pending").Set(float64(pending))
	JobQueueDepth.WithLabelValues("processing").Set(float64(processing))
	JobQueueDepth.WithLabelValues("retry").Set(float64(retry))
	JobQueueDepth.WithLabelValues("completed").Set(float64(completed))
	JobQueueDepth.WithLabelValues("failed").Set(float64(failed))
}
