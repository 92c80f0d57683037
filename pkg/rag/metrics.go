package rag

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	askLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rag_ask_latency_seconds",
		Help:    "End-to-end latency of answered questions",
		Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
	}, []string{"model", "cache"})

	fallbackAnswers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rag_fallback_answers_total",
		Help: "Answers returned as raw payloads because the response shape was not recognized",
	}, []string{"model"})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rag_answer_cache_hits_total",
		Help: "Answers served from the Redis answer cache",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rag_answer_cache_misses_total",
		Help: "Answer cache lookups that required the full pipeline",
	})

	promptTokens = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rag_prompt_tokens",
		Help:    "Estimated token count per generation prompt",
		Buckets: []float64{50, 100, 250, 500, 1_000, 2_000, 4_000, 8_000},
	})

	logWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rag_request_log_failures_total",
		Help: "Request log records that could not be persisted",
	})
)
