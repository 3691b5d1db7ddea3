package client

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced to the turn engine. Wrapped variants carry payload
// via the typed structs below.
var (
	// ErrContextWindowExceeded means the conversation no longer fits the
	// model's context window.
	ErrContextWindowExceeded = errors.New("ran out of room in the model's context window; start a new conversation")
	// ErrUsageNotIncluded means the account's plan does not cover this API.
	ErrUsageNotIncluded = errors.New("this model is not included in your plan")
	// ErrInternalServer covers persistent 5xx responses.
	ErrInternalServer = errors.New("the model provider is experiencing issues; try again later")
	// ErrConnectionFailed covers network-level failures after retries.
	ErrConnectionFailed = errors.New("connection to the model provider failed")
	// ErrResponseStreamFailed covers streams that died before completion.
	ErrResponseStreamFailed = errors.New("response stream disconnected before completion")
)

// UsageLimitError reports an exhausted usage window.
type UsageLimitError struct {
	Plan     string
	ResetsAt *time.Time
}

func (e *UsageLimitError) Error() string {
	msg := "you've hit your usage limit"
	if e.Plan != "" {
		msg += " (" + e.Plan + " plan)"
	}
	if e.ResetsAt != nil {
		msg += fmt.Sprintf(". Try again in %s", time.Until(*e.ResetsAt).Round(time.Minute))
	}
	return msg
}

// RetryLimitError is returned when the retry budget is exhausted on a
// retryable status.
type RetryLimitError struct {
	Status    int
	RequestID string
}

func (e *RetryLimitError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("exceeded retry limit, last status: %d, request id: %s", e.Status, e.RequestID)
	}
	return fmt.Sprintf("exceeded retry limit, last status: %d", e.Status)
}

// UnexpectedStatusError is a non-retryable HTTP failure.
type UnexpectedStatusError struct {
	Status    int
	Body      string
	RequestID string
}

func (e *UnexpectedStatusError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("unexpected status %d (request id %s): %s", e.Status, e.RequestID, e.Body)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// IdleTimeoutError is returned when a stream stalls past the idle timeout.
type IdleTimeoutError struct {
	Elapsed time.Duration
}

func (e *IdleTimeoutError) Error() string {
	return fmt.Sprintf("stream idle for %s without progress", e.Elapsed.Round(time.Second))
}

// IsRetryableTransport reports whether an error should trigger another
// attempt of the same request.
func IsRetryableTransport(err error) bool {
	var retry *RetryLimitError
	if errors.As(err, &retry) {
		return false
	}
	if errors.Is(err, ErrConnectionFailed) || errors.Is(err, ErrResponseStreamFailed) {
		return true
	}
	var idle *IdleTimeoutError
	return errors.As(err, &idle)
}
