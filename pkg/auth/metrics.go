package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jwksRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rag_jwks_refreshes_total",
	Help: "Signing key set downloads by outcome",
}, []string{"outcome"})
