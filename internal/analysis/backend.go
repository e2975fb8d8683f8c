// Package analysis produces advisory diagnostics for incidents through a
// cascade of inference backends with a deterministic rule-based fallback.
package analysis

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCategory classifies a backend call failure. Only auth rejection is
// authoritative; everything else is transient and retried fresh on the next
// invocation.
type ErrorCategory string

const (
	ErrorAuthRejected   ErrorCategory = "auth_rejected"
	ErrorRateOrServer   ErrorCategory = "rate_or_server"
	ErrorNetworkTimeout ErrorCategory = "network_timeout"
	ErrorOther          ErrorCategory = "other"
)

// BackendError wraps a backend failure with its category
type BackendError struct {
	Backend  string
	Category ErrorCategory
	Err      error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend: %s: %v", e.Backend, e.Category, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// CategoryOf extracts the error category, defaulting to other
func CategoryOf(err error) ErrorCategory {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorNetworkTimeout
	}
	return ErrorOther
}

// CompletionRequest is a single prompt sent to an inference backend
type CompletionRequest struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Backend is one external inference source in the cascade
type Backend interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}
