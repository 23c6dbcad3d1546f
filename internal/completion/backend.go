package completion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Request is a single chat completion request.
type Request struct {
	System      string  `json:"-"`
	Instruction string  `json:"-"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// Response is one completion and the tokens it consumed.
type Response struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// Backend produces one chat completion per call. Implementations return a
// *retryableError (see IsRetryable) for failures worth another attempt.
type Backend interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Name() string
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// IsRetryable reports whether err marks a transient backend failure.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// retryableStatus wraps err as retryable for 429 and 5xx responses.
func retryableStatus(status int, err error) error {
	if status == http.StatusTooManyRequests || status >= 500 {
		return &retryableError{err: fmt.Errorf("backend status %d: %w", status, err)}
	}
	return err
}
