package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_requests_total",
			Help: "Total number of gateway requests processed",
		},
		[]string{"model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmgateway_request_duration_seconds",
			Help:    "Gateway request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"model"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_retries_total",
			Help: "Total number of upstream retry attempts",
		},
		[]string{"reason"},
	)

	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_fallbacks_total",
			Help: "Total number of calls served by a fallback model",
		},
		[]string{"preferred", "served"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgateway_circuit_breaker_state",
			Help: "Circuit breaker state per model (0=closed, 1=open)",
		},
		[]string{"model"},
	)

	BurstLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmgateway_burst_limited_total",
			Help: "Total number of requests rejected by the burst limiter",
		},
	)

	QuotaExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmgateway_quota_exhausted_total",
			Help: "Total number of requests rejected by the daily quota",
		},
	)

	EnrichmentDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_enrichment_decisions_total",
			Help: "Granularity router decisions",
		},
		[]string{"action"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"model", "type"},
	)
)
