package storage

import "time"

// RequestLog is one completed /api/ask request. Records are written once and
// never mutated.
type RequestLog struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Model            string    `json:"model"`
	ModelID          string    `json:"model_id"`
	Query            string    `json:"query"`
	K                int       `json:"k"`
	MatchIDs         []string  `json:"match_ids"`
	Scores           []float64 `json:"scores"`
	ContextLength    int       `json:"context_length"`
	AnswerLength     int       `json:"answer_length"`
	LatencyMS        float64   `json:"latency_ms"`
	Subject          string    `json:"subject,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	EstimatedCostUSD float64   `json:"estimated_cost_usd"`
	FallbackAnswer   bool      `json:"fallback_answer"`
	CacheHit         bool      `json:"cache_hit"`
}

// LogFilters select records from the Redis timeline.
type LogFilters struct {
	Subject string
	Model   string
	From    time.Time
	To      time.Time
	Limit   int
	Offset  int
}

// UsageStats aggregates a range of request logs.
type UsageStats struct {
	TotalRequests   int64              `json:"total_requests"`
	CacheHits       int64              `json:"cache_hits"`
	CacheMisses     int64              `json:"cache_misses"`
	FallbackAnswers int64              `json:"fallback_answers"`
	ByModel         map[string]int64   `json:"by_model"`
	CostByModel     map[string]float64 `json:"cost_by_model"`
	TotalCostUSD    float64            `json:"total_cost_usd"`
	PromptTokens    int64              `json:"prompt_tokens"`
	AvgLatencyMS    float64            `json:"avg_latency_ms"`
}
