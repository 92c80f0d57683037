package middleware

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rag_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"method", "route", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rag_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	authFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rag_auth_failures_total",
		Help: "Rejected bearer tokens by reason",
	}, []string{"reason"})

	rateLimitDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rag_rate_limit_denials_total",
		Help: "Requests rejected with 429 by limiter scope",
	}, []string{"scope"})

	panicsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rag_http_panics_total",
		Help: "Handler panics turned into 500 responses",
	})
)

func observeRequest(method, route string, status int, elapsed time.Duration) {
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
