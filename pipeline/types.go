package pipeline

import (
	"context"
	"errors"
)

// Sentinel errors shared across the pipeline. Oracle adapters map transport-level
// failures onto these before anything reaches the orchestrator.
var (
	// ErrMissingCredential is fatal: no run can proceed without the generation key.
	ErrMissingCredential = errors.New("missing API credential")

	// ErrAttemptsExhausted wraps the last transport error after all retries failed.
	ErrAttemptsExhausted = errors.New("attempts exhausted")
)

// TokenUsage carries the token counts reported for a single oracle call.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// GenerationResult is the normalized shape every generation call returns,
// regardless of how the upstream service packages its response.
type GenerationResult struct {
	Text         string     `json:"text"`
	FinishReason string     `json:"finish_reason"`
	Usage        TokenUsage `json:"usage"`
}

// ContentFlagged reports whether the service cut generation off for content
// reasons. It is data, not an error: callers decide what to do with it.
func (r GenerationResult) ContentFlagged() bool {
	return r.FinishReason == "content_filter"
}

// GenerationRequest describes one call to the generation oracle.
// When Schema is non-nil the oracle is asked for strict JSON matching it.
type GenerationRequest struct {
	Model           string // optional override of the adapter default
	System          string
	User            string
	Temperature     float64
	TopP            float64
	MaxOutputTokens int64

	SchemaName string
	Schema     map[string]any
}

// Generator is the generation oracle seen by the pipeline.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (GenerationResult, error)
}

// Moderator is the moderation oracle. Transport failures are reported inside the
// verdict (service-failed conclusion), never as a Go error, so the pipeline can
// treat an ambiguous result as non-compliant instead of assuming compliance.
type Moderator interface {
	Moderate(ctx context.Context, text string) ModerationVerdict
}
