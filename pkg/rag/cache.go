package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ngoyal88/ragsearch/pkg/cache"
)

// CachedAnswer is what a cache hit replays.
type CachedAnswer struct {
	ModelID       string  `json:"model_id"`
	Answer        string  `json:"answer"`
	Matches       []Match `json:"matches"`
	ContextLength int     `json:"context_length"`
}

// AnswerCache stores answers by request key. Implementations swallow their
// own errors: a broken cache only costs a miss.
type AnswerCache interface {
	Get(ctx context.Context, key string) (*CachedAnswer, bool)
	Set(ctx context.Context, key string, answer *CachedAnswer)
}

// CacheKey identifies an answer by alias, resolved model id, k and query.
// Remapping an alias to another model therefore misses.
func CacheKey(alias, modelID string, k int, query string) string {
	h := sha256.New()
	h.Write([]byte(alias))
	h.Write([]byte{0})
	h.Write([]byte(modelID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(k)))
	h.Write([]byte{0})
	h.Write([]byte(query))
	return "answer:" + hex.EncodeToString(h.Sum(nil))
}

// RedisAnswerCache keeps answers in Redis for a fixed TTL.
type RedisAnswerCache struct {
	rdb     *cache.Client
	ttl     time.Duration
	timeout time.Duration
	logger  *zap.Logger
}

// NewRedisAnswerCache returns a cache with entries living ttl.
func NewRedisAnswerCache(rdb *cache.Client, ttl time.Duration, logger *zap.Logger) *RedisAnswerCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisAnswerCache{
		rdb:     rdb,
		ttl:     ttl,
		timeout: 2 * time.Second,
		logger:  logger.With(zap.String("component", "cache")),
	}
}

func (c *RedisAnswerCache) Get(ctx context.Context, key string) (*CachedAnswer, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var ans CachedAnswer
	if err := c.rdb.GetJSON(ctx, key, &ans); err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			c.logger.Warn("answer cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return &ans, true
}

func (c *RedisAnswerCache) Set(ctx context.Context, key string, answer *CachedAnswer) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.rdb.SetJSON(ctx, key, answer, c.ttl); err != nil {
		c.logger.Warn("answer cache write failed", zap.Error(err))
	}
}
