package exchange

import (
	"fmt"

	engerrors "github.com/ducminhle1904/strategy-engine/internal/errors"
)

// ExchangeError represents standardized errors from venues
type ExchangeError struct {
	Venue      string                  `json:"venue"`
	Code       string                  `json:"code"`
	Message    string                  `json:"message"`
	Details    string                  `json:"details,omitempty"`
	Kind       engerrors.ErrorCategory `json:"kind"`
	Underlying error                   `json:"-"`
}

func (e *ExchangeError) Error() string {
	msg := e.Message
	if e.Venue != "" {
		msg = fmt.Sprintf("%s: %s", e.Venue, msg)
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Underlying != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Underlying)
	}
	return msg
}

// Category reports the failure kind
func (e *ExchangeError) Category() engerrors.ErrorCategory {
	return e.Kind
}

// IsRetryable reports whether the call may be retried with backoff
func (e *ExchangeError) IsRetryable() bool {
	return e.Kind == engerrors.ErrorCategoryTransient
}

func (e *ExchangeError) Unwrap() error {
	return e.Underlying
}

// Is matches on code so wrapped copies compare equal to the sentinels below
func (e *ExchangeError) Is(target error) bool {
	t, ok := target.(*ExchangeError)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// NewTransient builds a retryable venue error
func NewTransient(venue, code, message string, err error) *ExchangeError {
	return &ExchangeError{Venue: venue, Code: code, Message: message, Kind: engerrors.ErrorCategoryTransient, Underlying: err}
}

// NewRejected builds a venue refusal
func NewRejected(venue, code, message string, err error) *ExchangeError {
	return &ExchangeError{Venue: venue, Code: code, Message: message, Kind: engerrors.ErrorCategoryRejected, Underlying: err}
}

// NewUnknown builds an ambiguous-outcome error
func NewUnknown(venue, code, message string, err error) *ExchangeError {
	return &ExchangeError{Venue: venue, Code: code, Message: message, Kind: engerrors.ErrorCategoryUnknown, Underlying: err}
}

// Common error types
var (
	ErrInsufficientBalance = &ExchangeError{
		Code:    "INSUFFICIENT_BALANCE",
		Message: "insufficient balance for order",
		Kind:    engerrors.ErrorCategoryRejected,
	}

	ErrInvalidSymbol = &ExchangeError{
		Code:    "INVALID_SYMBOL",
		Message: "invalid trading symbol",
		Kind:    engerrors.ErrorCategoryRejected,
	}

	ErrOrderSizeTooSmall = &ExchangeError{
		Code:    "ORDER_SIZE_TOO_SMALL",
		Message: "order size below minimum requirements",
		Kind:    engerrors.ErrorCategoryRejected,
	}

	ErrOrderNotFound = &ExchangeError{
		Code:    "ORDER_NOT_FOUND",
		Message: "order not found",
		Kind:    engerrors.ErrorCategoryRejected,
	}

	ErrRateLimitExceeded = &ExchangeError{
		Code:    "RATE_LIMIT_EXCEEDED",
		Message: "API rate limit exceeded",
		Kind:    engerrors.ErrorCategoryTransient,
	}

	ErrConnectionFailed = &ExchangeError{
		Code:    "CONNECTION_FAILED",
		Message: "failed to connect to venue",
		Kind:    engerrors.ErrorCategoryTransient,
	}

	ErrCircuitOpen = &ExchangeError{
		Code:    "CIRCUIT_OPEN",
		Message: "venue circuit breaker is open",
		Kind:    engerrors.ErrorCategoryTransient,
	}

	ErrCallTimeout = &ExchangeError{
		Code:    "CALL_TIMEOUT",
		Message: "venue call timed out, outcome unknown",
		Kind:    engerrors.ErrorCategoryUnknown,
	}

	ErrAuthenticationFailed = &ExchangeError{
		Code:    "AUTHENTICATION_FAILED",
		Message: "API authentication failed",
		Kind:    engerrors.ErrorCategoryRejected,
	}
)

// WithVenue copies a sentinel error and tags it with the venue name
func WithVenue(base *ExchangeError, venue string, err error) *ExchangeError {
	cp := *base
	cp.Venue = venue
	cp.Underlying = err
	return &cp
}
