package rag

import (
	"errors"
	"fmt"
)

// InvalidRequestMessage is the only detail a client sees for a rejected request.
const InvalidRequestMessage = "Prompt too long or invalid"

// ErrInvalidRequest matches every *ValidationError.
var ErrInvalidRequest = errors.New("invalid request")

// ValidationError reports which field failed which rule.
type ValidationError struct {
	Field string
	Rule  string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid request: %v", e.Err)
	}
	return fmt.Sprintf("invalid request: field %s failed %s", e.Field, e.Rule)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidRequest }

// Stage names a pipeline step that calls a managed service.
type Stage string

const (
	StageEmbed    Stage = "embed"
	StageRetrieve Stage = "retrieve"
	StageGenerate Stage = "generate"
)

// UpstreamError wraps a failure of the embedding, retrieval or generation service.
type UpstreamError struct {
	Stage Stage
	Err   error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
