package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_requests_total",
			Help: "Total number of chat requests processed",
		},
		[]string{"integration_id", "provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmgateway_request_duration_seconds",
			Help:    "Chat request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"integration_id", "provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"integration_id", "provider", "model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_cost_usd_total",
			Help: "Total cost in USD",
		},
		[]string{"integration_id", "provider", "model"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_provider_errors_total",
			Help: "Total number of adapter errors by code",
		},
		[]string{"provider", "code"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_rate_limit_hits_total",
			Help: "Total number of rate limit denials",
		},
		[]string{"integration_id", "scope"},
	)

	ModelCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_model_cache_hits_total",
			Help: "Total number of model catalog cache hits",
		},
		[]string{"integration_id"},
	)

	ModelCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_model_cache_misses_total",
			Help: "Total number of model catalog cache misses",
		},
		[]string{"integration_id"},
	)

	CachedAdapters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmgateway_cached_adapters",
			Help: "Number of adapters currently held in the manager cache",
		},
	)

	ActiveStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgateway_active_streams",
			Help: "Number of active streaming responses",
		},
		[]string{"pod"},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgateway_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"pod", "version"},
	)
)

func RecordRequest(integrationID, provider, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(integrationID, provider, model, status).Inc()
	RequestDuration.WithLabelValues(integrationID, provider, model).Observe(durationSec)
}

func RecordTokens(integrationID, provider, model string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(integrationID, provider, model, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(integrationID, provider, model, "output").Add(float64(outputTokens))
}

func RecordCost(integrationID, provider, model string, costUSD float64) {
	CostTotal.WithLabelValues(integrationID, provider, model).Add(costUSD)
}

func RecordProviderError(provider, code string) {
	ProviderErrors.WithLabelValues(provider, code).Inc()
}

func RecordRateLimitHit(integrationID, scope string) {
	RateLimitHits.WithLabelValues(integrationID, scope).Inc()
}

func RecordModelCacheHit(integrationID string) {
	ModelCacheHits.WithLabelValues(integrationID).Inc()
}

func RecordModelCacheMiss(integrationID string) {
	ModelCacheMisses.WithLabelValues(integrationID).Inc()
}

func SetCachedAdapters(n int) {
	CachedAdapters.Set(float64(n))
}

var currentPodName string

// InitInstanceMetrics should be called once at startup.
func InitInstanceMetrics(podName, version string) {
	currentPodName = podName
	InstanceInfo.WithLabelValues(podName, version).Set(1)
}

func IncrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Dec()
}
