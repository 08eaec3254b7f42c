package llm

import (
	"context"
	"errors"
	"net"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// ErrCanceled is returned when the caller's context is canceled mid-call.
// Partial text already delivered through OnChunk remains valid.
var ErrCanceled = errors.New("llm call canceled")

// UpstreamError classifies a provider failure. Retryable errors (network,
// 5xx, 429, timeouts) may be re-attempted with the same messages; permanent
// errors (auth, other 4xx) must not be.
type UpstreamError struct {
	Retryable bool
	Err       error
}

func (e *UpstreamError) Error() string { return e.Err.Error() }
func (e *UpstreamError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient upstream failure.
func IsRetryable(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Retryable
	}
	return false
}

// classifyError wraps a provider error with its retry classification.
func classifyError(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return ErrCanceled
	}
	if errors.Is(err, context.Canceled) {
		return ErrCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &UpstreamError{Retryable: true, Err: err}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode >= 500:
			return &UpstreamError{Retryable: true, Err: err}
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return &UpstreamError{Retryable: true, Err: err}
		default:
			return &UpstreamError{Retryable: false, Err: err}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &UpstreamError{Retryable: true, Err: err}
	}

	// Unclassified transport failures are treated as retryable.
	return &UpstreamError{Retryable: true, Err: err}
}
