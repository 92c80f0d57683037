// Package api exposes the question answering service over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ngoyal88/ragsearch/pkg/middleware"
	"github.com/ngoyal88/ragsearch/pkg/rag"
	"github.com/ngoyal88/ragsearch/pkg/ratelimit"
	"github.com/ngoyal88/ragsearch/pkg/storage"
)

// Asker answers questions; *rag.Service satisfies it.
type Asker interface {
	Ask(ctx context.Context, req rag.AskRequest) (*rag.AskResponse, error)
}

// Options wire the router. A nil Verifier or ClientLimiter disables that gate.
type Options struct {
	Service        Asker
	Verifier       middleware.TokenVerifier
	ClientLimiter  ratelimit.Limiter
	SubjectLimiter ratelimit.Limiter
	Store          storage.Store
	CORSOrigins    []string
	Logger         *zap.Logger
}

// Handler serves the public endpoints.
type Handler struct {
	service Asker
	store   storage.Store
	logger  *zap.Logger
}

// NewRouter registers routes and the middleware stack. /api/ask passes the
// auth gate before the rate limit gate.
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{service: opts.Service, store: opts.Store, logger: logger}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.CORS(opts.CORSOrigins))

	r.Get("/", h.root)
	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if opts.Verifier != nil {
			r.Use(middleware.Authenticate(opts.Verifier, logger))
		}
		if opts.ClientLimiter != nil {
			r.Use(middleware.RateLimit(opts.ClientLimiter, opts.SubjectLimiter, logger))
		}
		r.Post("/api/ask", h.ask)
	})

	return r
}
