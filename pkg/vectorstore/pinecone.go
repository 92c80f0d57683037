// Package vectorstore queries a Pinecone index for the chunks nearest to a
// query embedding.
package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ngoyal88/ragsearch/pkg/config"
	"github.com/ngoyal88/ragsearch/pkg/upstream"
)

// Match is one retrieved chunk.
type Match struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
	Text  string  `json:"text"`
}

// Pinecone is a query-only client for one index.
type Pinecone struct {
	baseURL    string
	apiKey     string
	apiVersion string
	namespace  string
	httpClient *http.Client
	guard      *upstream.Guard
	logger     *zap.Logger
}

// NewPinecone builds a client for the index at cfg.IndexHost. A host without
// a scheme is assumed to be https.
func NewPinecone(cfg config.PineconeConfig, logger *zap.Logger) (*Pinecone, error) {
	if cfg.IndexHost == "" {
		return nil, errors.New("pinecone: index host is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("pinecone: api key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "pinecone"))

	base := strings.TrimRight(cfg.IndexHost, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	return &Pinecone{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		apiVersion: cfg.APIVersion,
		namespace:  cfg.Namespace,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		guard:      upstream.NewGuard("retrieve", upstream.Options{Timeout: cfg.Timeout, Logger: logger}),
		logger:     logger,
	}, nil
}

type queryRequest struct {
	Vector          []float32 `json:"vector"`
	TopK            int       `json:"topK"`
	IncludeMetadata bool      `json:"includeMetadata"`
	IncludeValues   bool      `json:"includeValues"`
	Namespace       string    `json:"namespace,omitempty"`
}

type queryResponse struct {
	Matches []struct {
		ID       string         `json:"id"`
		Score    float64        `json:"score"`
		Metadata map[string]any `json:"metadata"`
	} `json:"matches"`
}

// Search returns up to topK matches ordered by similarity.
func (p *Pinecone) Search(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	body, err := json.Marshal(queryRequest{
		Vector:          vector,
		TopK:            topK,
		IncludeMetadata: true,
		Namespace:       p.namespace,
	})
	if err != nil {
		return nil, err
	}

	var resp queryResponse
	err = p.guard.Do(ctx, func(ctx context.Context) error {
		return p.query(ctx, body, &resp)
	})
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		text, _ := m.Metadata["text"].(string)
		if text == "" {
			p.logger.Debug("match has no text metadata", zap.String("id", m.ID))
		}
		matches = append(matches, Match{
			ID:    m.ID,
			Score: math.Round(m.Score*10000) / 10000,
			Text:  text,
		})
	}
	return matches, nil
}

func (p *Pinecone) query(ctx context.Context, body []byte, out *queryResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Api-Key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.apiVersion != "" {
		req.Header.Set("X-Pinecone-API-Version", p.apiVersion)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pinecone query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("pinecone query: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("pinecone query: decode response: %w", err)
	}
	return nil
}
