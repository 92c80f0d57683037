package models

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Response shapes recognized by ExtractAnswer.
const (
	ShapeAssistantMessage = "assistant_message"
	ShapeOutputMessage    = "output_message"
	ShapeCompletion       = "completion"
	ShapeOutputText       = "output_text"
	ShapeOutputs          = "outputs"
	ShapeRaw              = "raw"
)

// RawAnswerLimit caps the fallback answer, in characters.
const RawAnswerLimit = 500

// Answer is the normalized generation result. Fallback marks the raw
// serialization returned when no known shape matched.
type Answer struct {
	Text     string
	Shape    string
	Fallback bool
}

// ShapeExtractor recovers the answer text from one response shape.
type ShapeExtractor struct {
	Shape string
	Fn    func(doc map[string]any) (string, bool)
}

var shapes = []ShapeExtractor{
	{Shape: ShapeAssistantMessage, Fn: extractAssistantMessage},
	{Shape: ShapeOutputMessage, Fn: extractOutputMessage},
	{Shape: ShapeCompletion, Fn: stringField("completion")},
	{Shape: ShapeOutputText, Fn: stringField("outputText")},
	{Shape: ShapeOutputs, Fn: extractOutputs},
}

// ExtractAnswer tries every known shape in one fixed priority order, whatever
// the model family, and falls back to the truncated raw body.
func ExtractAnswer(body []byte) Answer {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err == nil {
		for _, s := range shapes {
			if text, ok := s.Fn(doc); ok {
				return Answer{Text: text, Shape: s.Shape}
			}
		}
	}
	return Answer{Text: rawAnswer(body), Shape: ShapeRaw, Fallback: true}
}

func rawAnswer(body []byte) string {
	var buf bytes.Buffer
	raw := string(body)
	if err := json.Compact(&buf, body); err == nil {
		raw = buf.String()
	}
	runes := []rune(raw)
	if len(runes) > RawAnswerLimit {
		return string(runes[:RawAnswerLimit])
	}
	return raw
}

func extractAssistantMessage(doc map[string]any) (string, bool) {
	if role, _ := doc["role"].(string); role != "assistant" {
		return "", false
	}
	return firstTextBlock(doc["content"])
}

func extractOutputMessage(doc map[string]any) (string, bool) {
	var out map[string]any
	switch v := doc["output"].(type) {
	case map[string]any:
		out = v
	case []any:
		if len(v) == 0 {
			return "", false
		}
		out, _ = v[0].(map[string]any)
	}
	if out == nil {
		return "", false
	}
	msg, _ := out["message"].(map[string]any)
	if msg == nil {
		return "", false
	}
	return firstTextBlock(msg["content"])
}

func extractOutputs(doc map[string]any) (string, bool) {
	list, _ := doc["outputs"].([]any)
	if len(list) == 0 {
		return "", false
	}
	first, _ := list[0].(map[string]any)
	text, ok := first["text"].(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(text), true
}

func stringField(name string) func(map[string]any) (string, bool) {
	return func(doc map[string]any) (string, bool) {
		text, ok := doc[name].(string)
		if !ok {
			return "", false
		}
		return strings.TrimSpace(text), true
	}
}

func firstTextBlock(content any) (string, bool) {
	blocks, _ := content.([]any)
	for _, b := range blocks {
		block, _ := b.(map[string]any)
		if t, _ := block["type"].(string); t != "text" {
			continue
		}
		text, _ := block["text"].(string)
		return strings.TrimSpace(text), true
	}
	return "", false
}
