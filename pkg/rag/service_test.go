package rag

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ngoyal88/ragsearch/pkg/cache"
	"github.com/ngoyal88/ragsearch/pkg/config"
	"github.com/ngoyal88/ragsearch/pkg/models"
	"github.com/ngoyal88/ragsearch/pkg/storage"
)

type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	vec := make([]float32, 8)
	for i := range vec {
		vec[i] = 0.1
	}
	return vec, nil
}

type fakeRetriever struct {
	matches []Match
	topK    int
	err     error
}

func (f *fakeRetriever) Search(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	f.topK = topK
	return f.matches, f.err
}

type fakeGenerator struct {
	answer  models.Answer
	err     error
	modelID string
	prompt  string
}

func (f *fakeGenerator) Generate(ctx context.Context, modelID, prompt string) (models.Answer, error) {
	f.modelID, f.prompt = modelID, prompt
	return f.answer, f.err
}

type memoryStore struct {
	mu   sync.Mutex
	logs []*storage.RequestLog
	err  error
}

func (m *memoryStore) SaveRequestLog(ctx context.Context, log *storage.RequestLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.logs = append(m.logs, log)
	return nil
}

func (m *memoryStore) Ping(context.Context) error { return nil }

type fixture struct {
	embedder  *fakeEmbedder
	retriever *fakeRetriever
	generator *fakeGenerator
	store     *memoryStore
	svc       *Service
}

func testConfig() *config.Config {
	return &config.Config{
		Models: config.ModelsConfig{
			Default:  "claude-sonnet",
			Fallback: "mistral",
			Aliases: map[string]string{
				"claude-sonnet": "us.anthropic.claude-3-sonnet-20240229-v1:0",
				"mistral":       "mistral.mistral-7b-instruct-v0:2",
			},
		},
		Pricing: map[string]float64{"claude-sonnet": 0.003},
	}
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		embedder: &fakeEmbedder{},
		retriever: &fakeRetriever{matches: []Match{
			{ID: "chunk_1", Score: 0.9, Text: "BMW X5 sales grew 20% in 2022."},
		}},
		generator: &fakeGenerator{answer: models.Answer{
			Text:  "The BMW X5 had the highest sales in 2022.",
			Shape: models.ShapeAssistantMessage,
		}},
		store: &memoryStore{},
	}
	opts = append([]Option{WithTokenCounter(func(model, text string) (int, error) {
		return len(strings.Fields(text)), nil
	})}, opts...)
	f.svc = NewService(Deps{
		Embedder:  f.embedder,
		Retriever: f.retriever,
		Generator: f.generator,
		Store:     f.store,
		Config:    config.NewStore(testConfig()),
	}, opts...)
	return f
}

func TestAsk_EndToEnd(t *testing.T) {
	f := newFixture(t)

	resp, err := f.svc.Ask(context.Background(), AskRequest{
		Query:   "Which BMW model had highest sales in 2022?",
		Model:   "claude-sonnet",
		K:       3,
		Subject: "user-1",
	})
	require.NoError(t, err)
	f.svc.Wait()

	assert.Equal(t, "claude-sonnet", resp.Model)
	assert.Equal(t, "The BMW X5 had the highest sales in 2022.", resp.Answer)
	assert.Equal(t, f.retriever.matches, resp.Matches)
	assert.GreaterOrEqual(t, resp.LatencyMS, 0.0)
	assert.False(t, resp.Fallback)

	assert.Equal(t, 3, f.retriever.topK)
	assert.Equal(t, "us.anthropic.claude-3-sonnet-20240229-v1:0", f.generator.modelID)
	assert.Contains(t, f.generator.prompt, "BMW X5 sales grew 20% in 2022.")
	assert.Contains(t, f.generator.prompt, "Question: Which BMW model had highest sales in 2022?")

	require.Len(t, f.store.logs, 1)
	rec := f.store.logs[0]
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "claude-sonnet", rec.Model)
	assert.Equal(t, 3, rec.K)
	assert.Equal(t, []string{"chunk_1"}, rec.MatchIDs)
	assert.Equal(t, []float64{0.9}, rec.Scores)
	assert.Equal(t, len("BMW X5 sales grew 20% in 2022."), rec.ContextLength)
	assert.Equal(t, len("The BMW X5 had the highest sales in 2022."), rec.AnswerLength)
	assert.Equal(t, "user-1", rec.Subject)
	assert.Positive(t, rec.PromptTokens)
	assert.InDelta(t, float64(rec.PromptTokens)/1000*0.003, rec.EstimatedCostUSD, 1e-12)
	assert.False(t, rec.CacheHit)
}

func TestAsk_ContextJoinedInRetrievalOrder(t *testing.T) {
	f := newFixture(t, WithTemplate(NewTemplate("[{{CONTEXT}}] {{QUESTION}}")))
	f.retriever.matches = []Match{
		{ID: "b", Score: 0.8, Text: "second"},
		{ID: "a", Score: 0.7, Text: "first"},
		{ID: "c", Score: 0.6, Text: "naïve"},
	}

	_, err := f.svc.Ask(context.Background(), AskRequest{Query: "q", K: 3})
	require.NoError(t, err)
	f.svc.Wait()

	assert.Equal(t, "[second\nfirst\nnaïve] q", f.generator.prompt)
	assert.Equal(t, 6+5+5, f.store.logs[0].ContextLength, "lengths are in characters")
}

func TestAsk_DefaultAndFallbackAliases(t *testing.T) {
	t.Run("empty_model_uses_default", func(t *testing.T) {
		f := newFixture(t)
		resp, err := f.svc.Ask(context.Background(), AskRequest{Query: "q", K: 5})
		require.NoError(t, err)
		assert.Equal(t, "claude-sonnet", resp.Model)
		assert.Equal(t, "us.anthropic.claude-3-sonnet-20240229-v1:0", f.generator.modelID)
	})

	t.Run("unknown_alias_uses_fallback", func(t *testing.T) {
		core, logs := observer.New(zap.InfoLevel)
		f := newFixture(t)
		f.svc.logger = zap.New(core)

		resp, err := f.svc.Ask(context.Background(), AskRequest{Query: "q", Model: "gpt-9", K: 5})
		require.NoError(t, err)
		assert.Equal(t, "gpt-9", resp.Model)
		assert.Equal(t, "mistral.mistral-7b-instruct-v0:2", f.generator.modelID)
		assert.Equal(t, 1, logs.FilterMessage("unknown model alias, using fallback").Len())
	})
}

func TestAsk_Validation(t *testing.T) {
	testCases := []struct {
		name  string
		req   AskRequest
		field string
	}{
		{name: "query_too_long", req: AskRequest{Query: strings.Repeat("a", MaxQueryLength+1), K: 5}, field: "Query"},
		{name: "k_zero", req: AskRequest{Query: "q", K: 0}, field: "K"},
		{name: "k_too_large", req: AskRequest{Query: "q", K: MaxK + 1}, field: "K"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Ask(context.Background(), tc.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidRequest)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
			assert.Zero(t, f.embedder.calls)
		})
	}

	t.Run("empty_query_is_accepted", func(t *testing.T) {
		f := newFixture(t)
		resp, err := f.svc.Ask(context.Background(), AskRequest{Query: "", K: 5})
		require.NoError(t, err)
		assert.Equal(t, "claude-sonnet", resp.Model)
		assert.Equal(t, 1, f.embedder.calls)
	})

	t.Run("limit_counts_characters", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Ask(context.Background(), AskRequest{Query: strings.Repeat("é", MaxQueryLength), K: 5})
		assert.NoError(t, err)
	})
}

func TestAsk_UpstreamErrors(t *testing.T) {
	boom := errors.New("service unavailable")

	testCases := []struct {
		name  string
		setup func(f *fixture)
		stage Stage
	}{
		{name: "embed", setup: func(f *fixture) { f.embedder.err = boom }, stage: StageEmbed},
		{name: "retrieve", setup: func(f *fixture) { f.retriever.err = boom }, stage: StageRetrieve},
		{name: "generate", setup: func(f *fixture) { f.generator.err = boom }, stage: StageGenerate},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			tc.setup(f)

			_, err := f.svc.Ask(context.Background(), AskRequest{Query: "q", K: 5})
			var uerr *UpstreamError
			require.ErrorAs(t, err, &uerr)
			assert.Equal(t, tc.stage, uerr.Stage)
			assert.ErrorIs(t, err, boom)
			assert.Contains(t, err.Error(), "service unavailable")

			f.svc.Wait()
			assert.Empty(t, f.store.logs)
		})
	}

	t.Run("timeout", func(t *testing.T) {
		f := newFixture(t)
		f.generator.err = context.DeadlineExceeded
		_, err := f.svc.Ask(context.Background(), AskRequest{Query: "q", K: 5})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestAsk_UnsupportedModelPassesThrough(t *testing.T) {
	f := newFixture(t)
	f.generator.err = &models.UnsupportedModelError{ModelID: "mistral.mistral-7b-instruct-v0:2"}

	_, err := f.svc.Ask(context.Background(), AskRequest{Query: "q", K: 5})
	assert.ErrorIs(t, err, models.ErrUnsupportedModel)
	var uerr *UpstreamError
	assert.False(t, errors.As(err, &uerr))
}

func TestAsk_LogFailureDoesNotFailRequest(t *testing.T) {
	f := newFixture(t)
	f.store.err = errors.New("redis down")

	resp, err := f.svc.Ask(context.Background(), AskRequest{Query: "q", K: 5})
	require.NoError(t, err)
	f.svc.Wait()
	assert.NotEmpty(t, resp.Answer)
}

func TestAsk_TokenCountFailureStillLogs(t *testing.T) {
	f := newFixture(t, WithTokenCounter(func(string, string) (int, error) {
		return 0, errors.New("encoding unavailable")
	}))

	_, err := f.svc.Ask(context.Background(), AskRequest{Query: "q", K: 5})
	require.NoError(t, err)
	f.svc.Wait()

	require.Len(t, f.store.logs, 1)
	assert.Zero(t, f.store.logs[0].PromptTokens)
	assert.Zero(t, f.store.logs[0].EstimatedCostUSD)
}

func TestAsk_FallbackAnswerIsFlagged(t *testing.T) {
	f := newFixture(t)
	f.generator.answer = models.Answer{Text: `{"weird":true}`, Shape: models.ShapeRaw, Fallback: true}

	resp, err := f.svc.Ask(context.Background(), AskRequest{Query: "q", K: 5})
	require.NoError(t, err)
	f.svc.Wait()
	assert.True(t, resp.Fallback)
	assert.True(t, f.store.logs[0].FallbackAnswer)
}

func TestAsk_EmptyRetrievalReturnsEmptyMatches(t *testing.T) {
	f := newFixture(t)
	f.retriever.matches = nil

	resp, err := f.svc.Ask(context.Background(), AskRequest{Query: "q", K: 5})
	require.NoError(t, err)
	assert.NotNil(t, resp.Matches)
	assert.Empty(t, resp.Matches)
}

func TestAsk_LatencyRoundedToTwoDecimals(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	clock := func() time.Time {
		calls++
		if calls == 1 {
			return start
		}
		return start.Add(1234567 * time.Microsecond)
	}
	f := newFixture(t, WithClock(clock))

	resp, err := f.svc.Ask(context.Background(), AskRequest{Query: "q", K: 5})
	require.NoError(t, err)
	assert.Equal(t, 1234.57, resp.LatencyMS)
}

func TestAsk_AnswerCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := newFixture(t, WithAnswerCache(NewRedisAnswerCache(cache.Wrap(rdb), time.Hour, nil)))
	req := AskRequest{Query: "Which BMW model had highest sales in 2022?", Model: "claude-sonnet", K: 3}

	first, err := f.svc.Ask(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.True(t, mr.Exists(CacheKey("claude-sonnet", "us.anthropic.claude-3-sonnet-20240229-v1:0", 3, req.Query)))

	second, err := f.svc.Ask(context.Background(), req)
	require.NoError(t, err)
	f.svc.Wait()

	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, first.Matches, second.Matches)
	assert.Equal(t, 1, f.embedder.calls, "a hit skips the pipeline")

	require.Len(t, f.store.logs, 2)
	hits := 0
	for _, l := range f.store.logs {
		if l.CacheHit {
			hits++
			assert.Equal(t, "us.anthropic.claude-3-sonnet-20240229-v1:0", l.ModelID)
			assert.Equal(t, len("BMW X5 sales grew 20% in 2022."), l.ContextLength)
		}
	}
	assert.Equal(t, 1, hits)

	// A different k is a different entry.
	_, err = f.svc.Ask(context.Background(), AskRequest{Query: req.Query, Model: "claude-sonnet", K: 4})
	require.NoError(t, err)
	assert.Equal(t, 2, f.embedder.calls)
}

func TestAsk_AnswerCacheMissesAfterAliasRemap(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := newFixture(t, WithAnswerCache(NewRedisAnswerCache(cache.Wrap(rdb), time.Hour, nil)))
	req := AskRequest{Query: "q", Model: "claude-sonnet", K: 5}

	_, err := f.svc.Ask(context.Background(), req)
	require.NoError(t, err)

	remapped := testConfig()
	remapped.Models.Aliases["claude-sonnet"] = "anthropic.claude-3-5-sonnet-20240620-v1:0"
	f.svc.cfg = config.NewStore(remapped)

	resp, err := f.svc.Ask(context.Background(), req)
	require.NoError(t, err)
	f.svc.Wait()

	assert.False(t, resp.CacheHit)
	assert.Equal(t, 2, f.embedder.calls)
	assert.Equal(t, "anthropic.claude-3-5-sonnet-20240620-v1:0", f.generator.modelID)
	require.Len(t, f.store.logs, 2)
	for _, l := range f.store.logs {
		assert.False(t, l.CacheHit)
	}
}

func TestAnswerCache_FallbackNotCached(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := newFixture(t, WithAnswerCache(NewRedisAnswerCache(cache.Wrap(rdb), time.Hour, nil)))
	f.generator.answer = models.Answer{Text: "{}", Shape: models.ShapeRaw, Fallback: true}

	_, err := f.svc.Ask(context.Background(), AskRequest{Query: "q", K: 5})
	require.NoError(t, err)
	assert.False(t, mr.Exists(CacheKey("claude-sonnet", "us.anthropic.claude-3-sonnet-20240229-v1:0", 5, "q")))
}

func TestLoadTemplate(t *testing.T) {
	tpl, err := LoadTemplate("")
	require.NoError(t, err)
	assert.Contains(t, tpl.Render("ctx", "why?"), "Question: why?")

	dir := t.TempDir()
	good := filepath.Join(dir, "good.txt")
	require.NoError(t, os.WriteFile(good, []byte("C={{CONTEXT}} Q={{QUESTION}}"), 0o644))
	tpl, err = LoadTemplate(good)
	require.NoError(t, err)
	assert.Equal(t, "C=a\nb Q=q", tpl.Render("a\nb", "q"))

	bad := filepath.Join(dir, "bad.txt")
	require.NoError(t, os.WriteFile(bad, []byte("no placeholders"), 0o644))
	_, err = LoadTemplate(bad)
	assert.Error(t, err)

	_, err = LoadTemplate(filepath.Join(dir, "missing.txt"))
	assert.Error(t, err)
}
