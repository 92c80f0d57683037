// Package bedrock calls Amazon Bedrock for query embeddings and answer generation.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"go.uber.org/zap"

	"github.com/ngoyal88/ragsearch/pkg/config"
	"github.com/ngoyal88/ragsearch/pkg/models"
	"github.com/ngoyal88/ragsearch/pkg/upstream"
)

const contentTypeJSON = "application/json"

// InvokeModelAPI is the slice of the Bedrock runtime client used here.
type InvokeModelAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Client embeds text with a Titan embedding model and generates answers with
// whichever model family the registry resolves.
type Client struct {
	api            InvokeModelAPI
	registry       *models.Registry
	embeddingModel string
	embedGuard     *upstream.Guard
	generateGuard  *upstream.Guard
	logger         *zap.Logger
}

// New builds a client over api. Embedding and generation share one
// throughput limiter but trip separate breakers.
func New(api InvokeModelAPI, registry *models.Registry, cfg config.BedrockConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "bedrock"))
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "amazon.titan-embed-text-v1"
	}

	limiter := upstream.NewLimiter(cfg.MaxRPS, cfg.Burst)
	return &Client{
		api:            api,
		registry:       registry,
		embeddingModel: cfg.EmbeddingModel,
		embedGuard:     upstream.NewGuard("embed", upstream.Options{Timeout: cfg.Timeout, Limiter: limiter, Logger: logger}),
		generateGuard:  upstream.NewGuard("generate", upstream.Options{Timeout: cfg.Timeout, Limiter: limiter, Logger: logger}),
		logger:         logger,
	}
}

// NewFromConfig loads AWS credentials from the default chain.
func NewFromConfig(ctx context.Context, registry *models.Registry, cfg config.BedrockConfig, logger *zap.Logger) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return New(bedrockruntime.NewFromConfig(awsCfg), registry, cfg, logger), nil
}

type embedRequest struct {
	InputText string `json:"inputText"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{InputText: text})
	if err != nil {
		return nil, err
	}

	var out []byte
	err = c.embedGuard.Do(ctx, func(ctx context.Context) error {
		var callErr error
		out, callErr = c.invoke(ctx, c.embeddingModel, body)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	var resp embedResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, errors.New("decode embedding: empty vector")
	}
	return resp.Embedding, nil
}

// Generate sends prompt to modelID and normalizes the reply. Unsupported
// model ids fail before any network call.
func (c *Client) Generate(ctx context.Context, modelID, prompt string) (models.Answer, error) {
	req, err := c.registry.BuildRequest(modelID, prompt)
	if err != nil {
		return models.Answer{}, err
	}

	var out []byte
	err = c.generateGuard.Do(ctx, func(ctx context.Context) error {
		var callErr error
		out, callErr = c.invoke(ctx, modelID, req.Body)
		return callErr
	})
	if err != nil {
		return models.Answer{}, err
	}

	ans := models.ExtractAnswer(out)
	if ans.Fallback {
		c.logger.Warn("unrecognized response shape, returning raw payload",
			zap.String("model_id", modelID),
			zap.String("family", req.Family))
	}
	return ans, nil
}

func (c *Client) invoke(ctx context.Context, modelID string, body []byte) ([]byte, error) {
	out, err := c.api.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		Body:        body,
		ContentType: aws.String(contentTypeJSON),
		Accept:      aws.String(contentTypeJSON),
	})
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", modelID, err)
	}
	return out.Body, nil
}
