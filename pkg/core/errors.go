package core

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientCredits = errors.New("vidqueue: insufficient credits")
	ErrUserNotFound        = errors.New("vidqueue: user not found")
	ErrUnsupportedParams   = errors.New("vidqueue: unsupported generation parameters")
)

// ErrorCategory classifies an external execution failure. Categories are
// assigned once, at the execution-client boundary, so the scheduler never
// inspects error text.
type ErrorCategory string

const (
	CategoryContentPolicy ErrorCategory = "content_policy"
	CategoryInvalidInput  ErrorCategory = "invalid_input"
	CategoryBillingLimit  ErrorCategory = "billing_limit"
	CategoryQuota         ErrorCategory = "quota"
	CategoryRateLimited   ErrorCategory = "rate_limited"
	CategoryTransport     ErrorCategory = "transport"
	CategoryTimeout       ErrorCategory = "timeout"
	CategoryUnknown       ErrorCategory = "unknown"
)

// Retryable reports whether a failure in this category is worth requeueing.
// Rate limits fail fast rather than backing off: the job is refunded instead
// of occupying a slot while the account is throttled.
func (c ErrorCategory) Retryable() bool {
	switch c {
	case CategoryTransport, CategoryUnknown:
		return true
	default:
		return false
	}
}

// EngineError is a classified failure from the external execution service.
type EngineError struct {
	Category ErrorCategory
	Message  string
	Err      error
}

func (e *EngineError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("engine: %s: %s", e.Category, e.Message)
	}
	return fmt.Sprintf("engine: %s", e.Category)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError builds a classified engine failure.
func NewEngineError(cat ErrorCategory, msg string, cause error) *EngineError {
	return &EngineError{Category: cat, Message: msg, Err: cause}
}

// CategoryOf extracts the failure category from an error chain.
// Unclassified errors default to CategoryUnknown, which is retryable.
func CategoryOf(err error) ErrorCategory {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Category
	}
	return CategoryUnknown
}
