// Package rag answers questions by embedding the query, retrieving similar
// chunks and asking a Bedrock model to answer from them.
package rag

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ngoyal88/ragsearch/pkg/ai"
	"github.com/ngoyal88/ragsearch/pkg/config"
	"github.com/ngoyal88/ragsearch/pkg/models"
	"github.com/ngoyal88/ragsearch/pkg/storage"
	"github.com/ngoyal88/ragsearch/pkg/vectorstore"
)

// Request limits.
const (
	MaxQueryLength = 1000
	DefaultK       = 5
	MaxK           = 100
)

// Match is one retrieved chunk.
type Match = vectorstore.Match

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Retriever interface {
	Search(ctx context.Context, vector []float32, topK int) ([]Match, error)
}

type Generator interface {
	Generate(ctx context.Context, modelID, prompt string) (models.Answer, error)
}

// ConfigSource supplies the current configuration; *config.Store satisfies it.
type ConfigSource interface {
	Get() *config.Config
}

// TokenCounter estimates the token count of text for model.
type TokenCounter func(model, text string) (int, error)

// AskRequest is a validated question. Subject is the caller's token subject.
type AskRequest struct {
	Query   string `json:"query" validate:"max=1000"`
	Model   string `json:"model"`
	K       int    `json:"k" validate:"min=1,max=100"`
	Subject string `json:"-"`
}

// AskResponse is returned to the client. Fallback marks a raw-payload answer.
type AskResponse struct {
	Model     string  `json:"model"`
	Answer    string  `json:"answer"`
	Matches   []Match `json:"matches"`
	LatencyMS float64 `json:"latency_ms"`
	Fallback  bool    `json:"-"`
	CacheHit  bool    `json:"-"`
}

// Deps are the collaborators a Service cannot run without.
type Deps struct {
	Embedder  Embedder
	Retriever Retriever
	Generator Generator
	Store     storage.Store
	Config    ConfigSource
	Logger    *zap.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithAnswerCache enables the answer cache.
func WithAnswerCache(c AnswerCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithTemplate replaces the default prompt template.
func WithTemplate(t *Template) Option {
	return func(s *Service) { s.prompt = t }
}

// WithTokenCounter replaces the tiktoken-based counter.
func WithTokenCounter(fn TokenCounter) Option {
	return func(s *Service) { s.countTokens = fn }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service runs the question answering pipeline.
type Service struct {
	embedder    Embedder
	retriever   Retriever
	generator   Generator
	store       storage.Store
	cfg         ConfigSource
	cache       AnswerCache
	prompt      *Template
	countTokens TokenCounter
	validate    *validator.Validate
	logger      *zap.Logger
	now         func() time.Time
	logTimeout  time.Duration

	pending sync.WaitGroup
}

// NewService builds a Service.
func NewService(deps Deps, opts ...Option) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		embedder:    deps.Embedder,
		retriever:   deps.Retriever,
		generator:   deps.Generator,
		store:       deps.Store,
		cfg:         deps.Config,
		prompt:      NewTemplate(DefaultTemplate),
		countTokens: ai.CountTokens,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger.With(zap.String("component", "rag")),
		now:         time.Now,
		logTimeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ask answers req. Errors are *ValidationError, *models.UnsupportedModelError
// or *UpstreamError.
func (s *Service) Ask(ctx context.Context, req AskRequest) (*AskResponse, error) {
	start := s.now()

	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	cfg := s.cfg.Get()
	alias := req.Model
	if alias == "" {
		alias = cfg.Models.Default
	}
	modelID, err := s.resolveModel(cfg.Models, alias)
	if err != nil {
		return nil, err
	}

	var (
		answer   string
		matches  []Match
		ctxLen   int
		fallback bool
		cacheHit bool
		prompt   string
		cacheKey string
	)

	if s.cache != nil {
		cacheKey = CacheKey(alias, modelID, req.K, req.Query)
		if hit, ok := s.cache.Get(ctx, cacheKey); ok {
			cacheHits.Inc()
			cacheHit = true
			answer, matches, ctxLen = hit.Answer, hit.Matches, hit.ContextLength
			if hit.ModelID != "" {
				modelID = hit.ModelID
			}
		} else {
			cacheMisses.Inc()
		}
	}

	if !cacheHit {
		vector, err := s.embedder.Embed(ctx, req.Query)
		if err != nil {
			return nil, s.upstream(StageEmbed, err)
		}

		matches, err = s.retriever.Search(ctx, vector, req.K)
		if err != nil {
			return nil, s.upstream(StageRetrieve, err)
		}

		texts := make([]string, len(matches))
		for i, m := range matches {
			texts[i] = m.Text
			ctxLen += utf8.RuneCountInString(m.Text)
		}
		prompt = s.prompt.Render(strings.Join(texts, "\n"), req.Query)

		ans, err := s.generator.Generate(ctx, modelID, prompt)
		if err != nil {
			var unsupported *models.UnsupportedModelError
			if errors.As(err, &unsupported) {
				return nil, err
			}
			return nil, s.upstream(StageGenerate, err)
		}
		answer, fallback = ans.Text, ans.Fallback
		if fallback {
			fallbackAnswers.WithLabelValues(alias).Inc()
		}

		if s.cache != nil && !fallback {
			s.cache.Set(ctx, cacheKey, &CachedAnswer{
				ModelID:       modelID,
				Answer:        answer,
				Matches:       matches,
				ContextLength: ctxLen,
			})
		}
	}

	if matches == nil {
		matches = []Match{}
	}

	elapsed := s.now().Sub(start)
	latencyMS := math.Round(float64(elapsed.Microseconds())/10) / 100
	askLatency.WithLabelValues(alias, cacheLabel(cacheHit)).Observe(elapsed.Seconds())

	record := &storage.RequestLog{
		ID:             uuid.NewString(),
		Timestamp:      start.UTC(),
		Model:          alias,
		ModelID:        modelID,
		Query:          req.Query,
		K:              req.K,
		MatchIDs:       make([]string, len(matches)),
		Scores:         make([]float64, len(matches)),
		ContextLength:  ctxLen,
		AnswerLength:   utf8.RuneCountInString(answer),
		LatencyMS:      latencyMS,
		Subject:        req.Subject,
		FallbackAnswer: fallback,
		CacheHit:       cacheHit,
	}
	for i, m := range matches {
		record.MatchIDs[i] = m.ID
		record.Scores[i] = m.Score
	}
	s.saveLog(record, prompt, cfg.Pricing)

	return &AskResponse{
		Model:     alias,
		Answer:    answer,
		Matches:   matches,
		LatencyMS: latencyMS,
		Fallback:  fallback,
		CacheHit:  cacheHit,
	}, nil
}

// Wait blocks until every pending log write has finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

func (s *Service) validateRequest(req AskRequest) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ValidationError{Field: fe.Field(), Rule: fe.Tag(), Err: fe}
	}
	return &ValidationError{Err: err}
}

// resolveModel maps alias to a model id. Unknown aliases use the fallback alias.
func (s *Service) resolveModel(mc config.ModelsConfig, alias string) (string, error) {
	if _, known := mc.Aliases[alias]; !known {
		s.logger.Info("unknown model alias, using fallback",
			zap.String("alias", alias),
			zap.String("fallback", mc.Fallback))
	}
	id, ok := mc.ResolveModel(alias)
	if !ok {
		return "", &models.UnsupportedModelError{ModelID: alias}
	}
	return id, nil
}

func (s *Service) upstream(stage Stage, err error) error {
	s.logger.Error("upstream call failed", zap.String("stage", string(stage)), zap.Error(err))
	return &UpstreamError{Stage: stage, Err: err}
}

// saveLog persists record in the background. Token counting happens there
// too so the response is not delayed by it.
func (s *Service) saveLog(record *storage.RequestLog, prompt string, pricing map[string]float64) {
	if s.store == nil {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()

		if prompt != "" {
			tokens, err := s.countTokens(record.ModelID, prompt)
			if err != nil {
				s.logger.Debug("token count unavailable", zap.Error(err))
			} else {
				record.PromptTokens = tokens
				record.EstimatedCostUSD = ai.EstimateCost(tokens, record.Model, pricing)
				promptTokens.Observe(float64(tokens))
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.logTimeout)
		defer cancel()
		if err := s.store.SaveRequestLog(ctx, record); err != nil {
			logWriteFailures.Inc()
			s.logger.Warn("request log write failed", zap.String("id", record.ID), zap.Error(err))
		}
	}()
}

func cacheLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}
