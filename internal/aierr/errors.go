package aierr

import (
	"errors"
	"fmt"
	"strings"
)

// Class is the retry-relevant category of an upstream AI call failure.
type Class int

const (
	ClassUnknown     Class = iota // not classified, treated as permanent
	ClassRateLimited              // HTTP 429 or quota signal, retryable with long backoff
	ClassServerError              // HTTP 5xx, retryable with short backoff
	ClassClientError              // HTTP 4xx other than 429, permanent
	ClassCircuitOpen              // rejected locally by the circuit breaker
)

func (c Class) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	case ClassServerError:
		return "server_error"
	case ClassClientError:
		return "client_error"
	case ClassCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by the governor when the circuit breaker
// rejects a call before it is queued.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrQueueFull is returned by the governor when a bounded queue is at
// capacity. Classified as a rate-limit signal so callers back off.
var ErrQueueFull = errors.New("request queue is full")

// APIError is a classified error from an AI provider endpoint. It is
// constructed at the HTTP boundary so downstream retry logic can switch on
// the class instead of probing status codes and message text.
type APIError struct {
	Status   int
	Provider string
	Message  string
	class    Class
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Class returns the retry classification of the error.
func (e *APIError) Class() Class { return e.class }

// FromStatus builds an APIError classified from an HTTP status code and
// response body text.
func FromStatus(provider string, status int, message string) *APIError {
	return &APIError{
		Status:   status,
		Provider: provider,
		Message:  message,
		class:    classify(status, message),
	}
}

func classify(status int, message string) Class {
	switch {
	case status == 429:
		return ClassRateLimited
	case status >= 500:
		return ClassServerError
	case status >= 400:
		// 4xx carrying a quota message is still a rate-limit signal
		if hasRateSignal(message) {
			return ClassRateLimited
		}
		return ClassClientError
	default:
		if hasRateSignal(message) {
			return ClassRateLimited
		}
		return ClassUnknown
	}
}

func hasRateSignal(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "429") ||
		strings.Contains(m, "rate") ||
		strings.Contains(m, "quota")
}

// ClassOf classifies an arbitrary error. Circuit-open and APIError
// classifications are recognized anywhere in the wrap chain; everything
// else is ClassUnknown (fail fast, never retried).
func ClassOf(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	if errors.Is(err, ErrCircuitOpen) {
		return ClassCircuitOpen
	}
	if errors.Is(err, ErrQueueFull) {
		return ClassRateLimited
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.class
	}
	return ClassUnknown
}

// Retryable reports whether the invoker may retry an error of this class.
func (c Class) Retryable() bool {
	return c == ClassRateLimited || c == ClassServerError
}
