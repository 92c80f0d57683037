package upstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rag_upstream_latency_seconds",
		Help:    "Time spent in calls to embedding, retrieval and generation services",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	upstreamCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rag_upstream_calls_total",
		Help: "Upstream calls by stage and outcome",
	}, []string{"stage", "outcome"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rag_upstream_breaker_state",
		Help: "Circuit breaker state per stage (0 closed, 1 half-open, 2 open)",
	}, []string{"stage"})
)
