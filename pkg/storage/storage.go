// Package storage persists the append-only request log.
package storage

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Store persists request logs. The serving path only writes.
type Store interface {
	SaveRequestLog(ctx context.Context, log *RequestLog) error
	Ping(ctx context.Context) error
}

// ZapStore writes each record as one structured log line.
type ZapStore struct {
	logger *zap.Logger
}

// NewZapStore returns a store that emits records on logger.
func NewZapStore(logger *zap.Logger) *ZapStore {
	return &ZapStore{logger: logger.With(zap.String("component", "storage"))}
}

func (s *ZapStore) SaveRequestLog(_ context.Context, log *RequestLog) error {
	s.logger.Info("request log",
		zap.String("id", log.ID),
		zap.Time("timestamp", log.Timestamp),
		zap.String("model", log.Model),
		zap.String("model_id", log.ModelID),
		zap.String("query", log.Query),
		zap.Int("k", log.K),
		zap.Strings("match_ids", log.MatchIDs),
		zap.Float64s("scores", log.Scores),
		zap.Int("context_length", log.ContextLength),
		zap.Int("answer_length", log.AnswerLength),
		zap.Float64("latency_ms", log.LatencyMS),
		zap.String("subject", log.Subject),
		zap.Int("prompt_tokens", log.PromptTokens),
		zap.Float64("estimated_cost_usd", log.EstimatedCostUSD),
		zap.Bool("fallback_answer", log.FallbackAnswer),
		zap.Bool("cache_hit", log.CacheHit),
	)
	return nil
}

func (s *ZapStore) Ping(context.Context) error { return nil }

// Multi fans a record out to every store and joins their errors.
type Multi []Store

func (m Multi) SaveRequestLog(ctx context.Context, log *RequestLog) error {
	var errs []error
	for _, s := range m {
		if err := s.SaveRequestLog(ctx, log); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Ping(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		if err := s.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
