// Package ai estimates prompt size and cost for generation requests.
package ai

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is used for model ids tiktoken does not know, which covers
// every Bedrock model.
const DefaultEncoding = "cl100k_base"

// CountTokens returns the number of tokens in text for model.
func CountTokens(model string, text string) (int, error) {
	tkm, err := tiktoken.EncodingForModel(model)
	if err != nil {
		tkm, err = tiktoken.GetEncoding(DefaultEncoding)
		if err != nil {
			return 0, fmt.Errorf("load %s encoding: %w", DefaultEncoding, err)
		}
	}
	return len(tkm.Encode(text, nil, nil)), nil
}

// EstimateCost prices tokens with the per-1k-token rate for alias.
// Unknown aliases cost nothing.
func EstimateCost(tokens int, alias string, pricePer1k map[string]float64) float64 {
	return float64(tokens) / 1000.0 * pricePer1k[alias]
}
