package rag

import (
	"fmt"
	"os"
	"strings"
)

// DefaultTemplate grounds the model in the retrieved context.
const DefaultTemplate = `You are a helpful assistant answering questions about vehicle sales data.
Use only the information in the context below. If the context does not contain
the answer, say that you do not know.

Context:
{{CONTEXT}}

Question: {{QUESTION}}

Answer:`

// Template renders the generation prompt.
type Template struct {
	text string
}

// NewTemplate wraps text, which should contain {{CONTEXT}} and {{QUESTION}}.
func NewTemplate(text string) *Template {
	return &Template{text: text}
}

// LoadTemplate reads a template from path, or returns the default when path is empty.
func LoadTemplate(path string) (*Template, error) {
	if path == "" {
		return NewTemplate(DefaultTemplate), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt template: %w", err)
	}
	text := string(data)
	if !strings.Contains(text, "{{CONTEXT}}") || !strings.Contains(text, "{{QUESTION}}") {
		return nil, fmt.Errorf("prompt template %s must contain {{CONTEXT}} and {{QUESTION}}", path)
	}
	return NewTemplate(text), nil
}

// Render substitutes the context first, then the question.
func (t *Template) Render(context, question string) string {
	prompt := strings.ReplaceAll(t.text, "{{CONTEXT}}", context)
	return strings.ReplaceAll(prompt, "{{QUESTION}}", question)
}
