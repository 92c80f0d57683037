// Package app assembles the HTTP handler from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ngoyal88/ragsearch/pkg/api"
	"github.com/ngoyal88/ragsearch/pkg/auth"
	"github.com/ngoyal88/ragsearch/pkg/bedrock"
	"github.com/ngoyal88/ragsearch/pkg/cache"
	"github.com/ngoyal88/ragsearch/pkg/config"
	"github.com/ngoyal88/ragsearch/pkg/middleware"
	"github.com/ngoyal88/ragsearch/pkg/models"
	"github.com/ngoyal88/ragsearch/pkg/rag"
	"github.com/ngoyal88/ragsearch/pkg/ratelimit"
	"github.com/ngoyal88/ragsearch/pkg/storage"
	"github.com/ngoyal88/ragsearch/pkg/vectorstore"
)

// App owns the long-lived clients behind the handler.
type App struct {
	Handler http.Handler
	Service *rag.Service

	redis  *cache.Client
	logger *zap.Logger
}

// Overrides replace collaborators normally built from configuration.
type Overrides struct {
	Embedder  rag.Embedder
	Retriever rag.Retriever
	Generator rag.Generator
	Verifier  middleware.TokenVerifier
	Redis     *cache.Client

	TokenCounter rag.TokenCounter
}

// New builds the application from the current configuration.
func New(ctx context.Context, cfgStore *config.Store, logger *zap.Logger) (*App, error) {
	return NewWithOverrides(ctx, cfgStore, logger, Overrides{})
}

// NewWithOverrides is New with some collaborators supplied by the caller.
func NewWithOverrides(ctx context.Context, cfgStore *config.Store, logger *zap.Logger, ov Overrides) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := cfgStore.Get()
	if cfg == nil {
		return nil, errors.New("config could not be read")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &App{logger: logger, redis: ov.Redis}
	if a.redis == nil && cfg.Redis.Enabled {
		rdb, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.redis = rdb
		logger.Info("connected to redis", zap.String("address", cfg.Redis.Address))
	}

	store := a.requestLogStore(cfg)

	registry := models.NewRegistry(models.Params{
		MaxTokens:   cfg.Generation.MaxTokens,
		Temperature: cfg.Generation.Temperature,
	})

	embedder, generator := ov.Embedder, ov.Generator
	if embedder == nil || generator == nil {
		client, err := bedrock.NewFromConfig(ctx, registry, cfg.Bedrock, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		if embedder == nil {
			embedder = client
		}
		if generator == nil {
			generator = client
		}
	}

	retriever := ov.Retriever
	if retriever == nil {
		pc, err := vectorstore.NewPinecone(cfg.Pinecone, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		retriever = pc
	}

	opts := []rag.Option{}
	if ov.TokenCounter != nil {
		opts = append(opts, rag.WithTokenCounter(ov.TokenCounter))
	}
	if cfg.Prompt.TemplatePath != "" {
		tmpl, err := rag.LoadTemplate(cfg.Prompt.TemplatePath)
		if err != nil {
			a.Close()
			return nil, err
		}
		opts = append(opts, rag.WithTemplate(tmpl))
	}
	if cfg.Cache.Enabled && a.redis != nil {
		opts = append(opts, rag.WithAnswerCache(rag.NewRedisAnswerCache(a.redis, cfg.Cache.TTL, logger)))
		logger.Info("answer cache enabled", zap.Duration("ttl", cfg.Cache.TTL))
	}

	a.Service = rag.NewService(rag.Deps{
		Embedder:  embedder,
		Retriever: retriever,
		Generator: generator,
		Store:     store,
		Config:    cfgStore,
		Logger:    logger,
	}, opts...)

	verifier := ov.Verifier
	if verifier == nil && cfg.Auth.Enabled {
		verifier = newVerifier(cfg.Auth, logger)
		logger.Info("token verification enabled", zap.String("issuer", cfg.Auth.IssuerURL()))
	}

	var clients, subjects ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		clients = a.clientLimiter(cfgStore)
		if cfg.RateLimit.SubjectPerMinute > 0 && a.redis != nil {
			subjects = ratelimit.NewSubjectQuota(a.redis.Redis(), cfg.RateLimit.SubjectPerMinute)
		}
		logger.Info("rate limiting enabled",
			zap.String("backend", cfg.RateLimit.Backend),
			zap.Int("window_seconds", cfg.RateLimit.WindowSeconds),
			zap.Int("max_requests", cfg.RateLimit.MaxRequests))
	}

	a.Handler = api.NewRouter(api.Options{
		Service:        a.Service,
		Verifier:       verifier,
		ClientLimiter:  clients,
		SubjectLimiter: subjects,
		Store:          store,
		CORSOrigins:    cfg.Server.CORSOrigins,
		Logger:         logger,
	})
	return a, nil
}

// Close waits for pending request logs and releases Redis.
func (a *App) Close() {
	if a.Service != nil {
		a.Service.Wait()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("closing redis", zap.Error(err))
		}
	}
}

func (a *App) requestLogStore(cfg *config.Config) storage.Store {
	stores := storage.Multi{storage.NewZapStore(a.logger)}
	if cfg.Logging.Redis && a.redis != nil {
		retention := time.Duration(cfg.Logging.RetentionDays) * 24 * time.Hour
		stores = append(stores, storage.NewRedisStore(a.redis, retention))
		a.logger.Info("request logs persisted to redis", zap.Int("retention_days", cfg.Logging.RetentionDays))
	}
	return stores
}

// clientLimiter follows ratelimit.* through config reloads.
func (a *App) clientLimiter(cfgStore *config.Store) ratelimit.Limiter {
	settings := func() (time.Duration, int) {
		rl := cfgStore.Get().RateLimit
		return rl.Window(), rl.MaxRequests
	}
	backend := cfgStore.Get().RateLimit.Backend
	return ratelimit.NewReloading(settings, func(window time.Duration, max int) ratelimit.Limiter {
		a.logger.Info("rate limiter configured", zap.Duration("window", window), zap.Int("max_requests", max))
		if backend == "redis" && a.redis != nil {
			return ratelimit.NewRedisSlidingWindow(a.redis.Redis(), window, max)
		}
		return ratelimit.NewSlidingWindow(window, max)
	})
}

func newVerifier(cfg config.AuthConfig, logger *zap.Logger) *auth.Verifier {
	keys := auth.NewKeySet(cfg.KeySetURL(), cfg.JWKSTTL,
		auth.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		auth.WithKeySetLogger(logger))
	return auth.NewVerifier(keys, cfg.IssuerURL(), cfg.ClientID)
}
