package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "marketsync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Inbound HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	platformRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "platform_requests_total",
			Help:      "Outbound platform calls by outcome (success or error kind).",
		},
		[]string{"platform", "outcome"},
	)

	platformLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "platform_request_duration_seconds",
			Help:      "Latency of outbound platform calls.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"platform"},
	)

	platformStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "platform_health_status",
			Help:      "0 healthy, 1 degraded, 2 unhealthy.",
		},
		[]string{"platform"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ratelimit_queue_depth",
			Help:      "Requests waiting for rate-limit capacity.",
		},
		[]string{"platform"},
	)

	cacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_events_total",
			Help:      "Request cache hits, misses and evictions.",
		},
		[]string{"event"},
	)

	jobTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_jobs_total",
			Help:      "Sync job status transitions.",
		},
		[]string{"type", "status"},
	)

	syncItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_items_total",
			Help:      "Items processed by sync jobs.",
		},
		[]string{"platform", "result"},
	)

	webhooks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Inbound webhooks by outcome.",
		},
		[]string{"platform", "outcome"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			platformRequests,
			platformLatency,
			platformStatus,
			queueDepth,
			cacheEvents,
			jobTransitions,
			syncItems,
			webhooks,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func ObservePlatformRequest(platform, outcome string, latency time.Duration) {
	platformRequests.WithLabelValues(platform, outcome).Inc()
	platformLatency.WithLabelValues(platform).Observe(latency.Seconds())
}

func SetPlatformStatus(platform string, level int) {
	platformStatus.WithLabelValues(platform).Set(float64(level))
}

func SetQueueDepth(platform string, depth int) {
	queueDepth.WithLabelValues(platform).Set(float64(depth))
}

func IncCache(event string) {
	cacheEvents.WithLabelValues(event).Inc()
}

func IncJob(jobType, status string) {
	jobTransitions.WithLabelValues(jobType, status).Inc()
}

func AddSyncItems(platform string, processed, failed int) {
	if processed > 0 {
		syncItems.WithLabelValues(platform, "processed").Add(float64(processed))
	}
	if failed > 0 {
		syncItems.WithLabelValues(platform, "failed").Add(float64(failed))
	}
}

func IncWebhook(platform, outcome string) {
	webhooks.WithLabelValues(platform, outcome).Inc()
}
