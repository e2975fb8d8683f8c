package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIBackend is the secondary inference backend. It speaks the
// OpenAI-compatible chat completions protocol over plain HTTP, which also
// covers Azure deployments and local gateways via a custom base URL.
type OpenAIBackend struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	model      string
}

// NewOpenAIBackend creates the secondary backend. An empty baseURL targets
// the public OpenAI API.
func NewOpenAIBackend(apiKey, baseURL, model string) *OpenAIBackend {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &OpenAIBackend{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
	}
}

// Name implements Backend
func (b *OpenAIBackend) Name() string {
	return "openai"
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete implements Backend
func (b *OpenAIBackend) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:       b.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", &BackendError{Backend: b.Name(), Category: ErrorOther, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return "", &BackendError{Backend: b.Name(), Category: ErrorOther, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		category := ErrorOther
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			category = ErrorNetworkTimeout
		}
		return "", &BackendError{Backend: b.Name(), Category: category, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &BackendError{Backend: b.Name(), Category: ErrorOther, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &BackendError{
			Backend:  b.Name(),
			Category: ErrorAuthRejected,
			Err:      fmt.Errorf("rejected with status %d", resp.StatusCode),
		}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", &BackendError{
			Backend:  b.Name(),
			Category: ErrorRateOrServer,
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(respBody), 200)),
		}
	case resp.StatusCode != http.StatusOK:
		return "", &BackendError{
			Backend:  b.Name(),
			Category: ErrorOther,
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(respBody), 200)),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &BackendError{Backend: b.Name(), Category: ErrorOther, Err: fmt.Errorf("malformed response: %w", err)}
	}
	if parsed.Error != nil {
		return "", &BackendError{Backend: b.Name(), Category: ErrorOther, Err: fmt.Errorf("api error: %s", parsed.Error.Message)}
	}
	if len(parsed.Choices) == 0 {
		return "", &BackendError{Backend: b.Name(), Category: ErrorOther, Err: errors.New("no choices in response")}
	}

	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if text == "" {
		return "", &BackendError{Backend: b.Name(), Category: ErrorOther, Err: errors.New("empty completion")}
	}
	return text, nil
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	return errors.As(err, &t) && t.Timeout()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
