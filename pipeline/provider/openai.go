// Package provider holds the concrete oracle clients behind the pipeline's
// Generator and Moderator interfaces.
package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/sablewood/novelforge/pipeline"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 2 * time.Second
)

// ChatGenerator implements pipeline.Generator on the OpenAI Responses API.
// Transient failures are retried with exponential backoff before the call is
// reported as exhausted.
type ChatGenerator struct {
	client *openai.Client
	model  string

	MaxAttempts int
	BaseDelay   time.Duration
}

// NewChatGenerator builds a generator for the given model. The API key must
// be non-empty.
func NewChatGenerator(apiKey, model string) (*ChatGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("NewChatGenerator: %w: OPENAI_API_KEY", pipeline.ErrMissingCredential)
	}
	if model == "" {
		return nil, fmt.Errorf("NewChatGenerator: model must not be empty")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &ChatGenerator{
		client:      &client,
		model:       model,
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
	}, nil
}

// Generate issues one request, retrying rate-limit and server errors. Token
// usage is recorded into the process-wide counter on every successful call.
func (g *ChatGenerator) Generate(ctx context.Context, req pipeline.GenerationRequest) (pipeline.GenerationResult, error) {
	model := g.model
	if req.Model != "" {
		model = req.Model
	}
	params := responses.ResponseNewParams{
		Model: model,
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(req.User, responses.EasyInputMessageRoleUser),
			},
		},
	}
	if req.System != "" {
		params.Instructions = openai.String(req.System)
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = openai.Float(req.TopP)
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(req.MaxOutputTokens)
	}
	if req.Schema != nil {
		params.Text = responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:   req.SchemaName,
					Schema: req.Schema,
					Strict: openai.Bool(true),
					Type:   "json_schema",
				},
			},
		}
	}

	resp, err := g.callWithRetry(ctx, params)
	if err != nil {
		return pipeline.GenerationResult{}, err
	}

	usage := pipeline.TokenUsage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		TotalTokens:  resp.Usage.TotalTokens,
	}
	pipeline.Usage.Record(usage)

	return pipeline.GenerationResult{
		Text:         resp.OutputText(),
		FinishReason: string(resp.IncompleteDetails.Reason),
		Usage:        usage,
	}, nil
}

func (g *ChatGenerator) callWithRetry(ctx context.Context, params responses.ResponseNewParams) (*responses.Response, error) {
	maxAttempts := g.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	delay := g.BaseDelay
	if delay <= 0 {
		delay = defaultBaseDelay
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := g.client.Responses.New(ctx, params)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRateLimitError(err) && !isServerError(err) {
			return nil, err
		}
		if attempt < maxAttempts-1 {
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
			delay *= 2
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", pipeline.ErrAttemptsExhausted, maxAttempts, lastErr)
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests")
}

func isServerError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "server_error")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
