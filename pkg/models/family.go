// Package models shapes Bedrock InvokeModel request bodies for each model
// family and normalizes their responses into a single answer string.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Default generation parameters.
const (
	DefaultMaxTokens   = 512
	DefaultTemperature = 0.3
	DefaultTopP        = 0.9
)

// ErrUnsupportedModel matches every *UnsupportedModelError.
var ErrUnsupportedModel = errors.New("unsupported model")

// UnsupportedModelError is returned when no registered family matches a model id.
type UnsupportedModelError struct {
	ModelID string
}

func (e *UnsupportedModelError) Error() string {
	return fmt.Sprintf("Unsupported model ID: %s", e.ModelID)
}

func (e *UnsupportedModelError) Is(target error) bool { return target == ErrUnsupportedModel }

// Params are the sampling settings shared by all families.
type Params struct {
	MaxTokens   int
	Temperature float64
}

// DefaultParams returns the standard generation settings.
func DefaultParams() Params {
	return Params{MaxTokens: DefaultMaxTokens, Temperature: DefaultTemperature}
}

// Request is a serialized InvokeModel body for a resolved family.
type Request struct {
	Family string
	Body   []byte
}

// Family describes one provider schema: which model ids it serves and how
// to build its request. Responses of every family go through ExtractAnswer.
type Family struct {
	Name  string
	Match func(modelID string) bool
	Build func(prompt string, p Params) any
}

// Registry holds families in match order; the first match wins.
type Registry struct {
	mu       sync.RWMutex
	families []Family
	params   Params
}

// NewRegistry returns a registry with the built-in families.
func NewRegistry(p Params) *Registry {
	if p.MaxTokens <= 0 {
		p.MaxTokens = DefaultMaxTokens
	}
	r := &Registry{params: p}
	for _, f := range builtinFamilies() {
		r.Register(f)
	}
	return r
}

// Register appends a family. Earlier registrations take precedence.
func (r *Registry) Register(f Family) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.families = append(r.families, f)
}

// Resolve returns the family serving modelID.
func (r *Registry) Resolve(modelID string) (Family, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.families {
		if f.Match(modelID) {
			return f, nil
		}
	}
	return Family{}, &UnsupportedModelError{ModelID: modelID}
}

// Families lists registered family names in match order.
func (r *Registry) Families() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.families))
	for _, f := range r.families {
		names = append(names, f.Name)
	}
	return names
}

// BuildRequest renders the request body for modelID.
func (r *Registry) BuildRequest(modelID, prompt string) (Request, error) {
	f, err := r.Resolve(modelID)
	if err != nil {
		return Request{}, err
	}
	body, err := json.Marshal(f.Build(prompt, r.params))
	if err != nil {
		return Request{}, fmt.Errorf("encode %s request: %w", f.Name, err)
	}
	return Request{Family: f.Name, Body: body}, nil
}

// BuildRequest renders a request with the built-in families and default params.
func BuildRequest(modelID, prompt string) (Request, error) {
	return defaultRegistry.BuildRequest(modelID, prompt)
}

var defaultRegistry = NewRegistry(DefaultParams())

func builtinFamilies() []Family {
	return []Family{
		{
			Name:  "claude",
			Match: func(id string) bool { return strings.Contains(id, "anthropic.claude") },
			Build: buildClaude,
		},
		{
			Name:  "titan-text",
			Match: func(id string) bool { return strings.Contains(id, "amazon.titan-text") },
			Build: buildTitanText,
		},
		{
			Name:  "deepseek",
			Match: func(id string) bool { return strings.Contains(id, "deepseek") },
			Build: buildDeepSeek,
		},
		{
			Name:  "mistral",
			Match: func(id string) bool { return strings.HasPrefix(id, "mistral.") },
			Build: buildMistral,
		},
	}
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content []claudeContent `json:"content"`
}

type claudeRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	Messages         []claudeMessage `json:"messages"`
	MaxTokens        int             `json:"max_tokens"`
	Temperature      float64         `json:"temperature"`
}

func buildClaude(prompt string, p Params) any {
	return claudeRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		Messages: []claudeMessage{{
			Role:    "user",
			Content: []claudeContent{{Type: "text", Text: prompt}},
		}},
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
	}
}

type titanConfig struct {
	MaxTokenCount int     `json:"maxTokenCount"`
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"topP"`
}

type titanRequest struct {
	InputText            string      `json:"inputText"`
	TextGenerationConfig titanConfig `json:"textGenerationConfig"`
}

func buildTitanText(prompt string, p Params) any {
	return titanRequest{
		InputText: prompt,
		TextGenerationConfig: titanConfig{
			MaxTokenCount: p.MaxTokens,
			Temperature:   p.Temperature,
			TopP:          DefaultTopP,
		},
	}
}

type deepSeekParams struct {
	MaxNewTokens int     `json:"max_new_tokens"`
	Temperature  float64 `json:"temperature"`
}

type deepSeekRequest struct {
	Input      string         `json:"input"`
	Parameters deepSeekParams `json:"parameters"`
}

func buildDeepSeek(prompt string, p Params) any {
	return deepSeekRequest{
		Input:      prompt,
		Parameters: deepSeekParams{MaxNewTokens: p.MaxTokens, Temperature: p.Temperature},
	}
}

type mistralRequest struct {
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p"`
	Stop        []string `json:"stop"`
}

func buildMistral(prompt string, p Params) any {
	return mistralRequest{
		Prompt:      prompt,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		TopP:        DefaultTopP,
		Stop:        []string{},
	}
}
