package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicBackend is the primary inference backend, backed by the Anthropic
// Messages API.
type AnthropicBackend struct {
	client anthropic.Client
	model  string
}

// NewAnthropicBackend creates the primary backend with an explicit API key
func NewAnthropicBackend(apiKey, model string) *AnthropicBackend {
	return &AnthropicBackend{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Name implements Backend
func (b *AnthropicBackend) Name() string {
	return "anthropic"
}

// Complete implements Backend. The caller bounds the call through ctx.
func (b *AnthropicBackend) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		MaxTokens: int64(req.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	resp, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return "", &BackendError{Backend: b.Name(), Category: classifyAnthropicError(err), Err: err}
	}

	var parts []string
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	text := strings.TrimSpace(strings.Join(parts, ""))
	if text == "" {
		return "", &BackendError{
			Backend:  b.Name(),
			Category: ErrorOther,
			Err:      fmt.Errorf("empty completion"),
		}
	}
	return text, nil
}

func classifyAnthropicError(err error) ErrorCategory {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorNetworkTimeout
	}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 401 || apierr.StatusCode == 403:
			return ErrorAuthRejected
		case apierr.StatusCode == 429 || apierr.StatusCode >= 500:
			return ErrorRateOrServer
		default:
			return ErrorOther
		}
	}
	return ErrorOther
}
