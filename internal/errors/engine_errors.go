package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCategory represents the class of failure an engine operation hit
type ErrorCategory string

const (
	// Venue outcome categories
	ErrorCategoryTransient ErrorCategory = "TRANSIENT"
	ErrorCategoryRejected  ErrorCategory = "REJECTED"
	ErrorCategoryUnknown   ErrorCategory = "UNKNOWN"

	// Engine-level conditions that surface to the caller
	ErrorCategoryDrift      ErrorCategory = "DRIFT"
	ErrorCategoryRiskBreach ErrorCategory = "RISK_BREACH"

	// Caller and setup errors
	ErrorCategoryValidation    ErrorCategory = "VALIDATION"
	ErrorCategoryNotFound      ErrorCategory = "NOT_FOUND"
	ErrorCategoryConfiguration ErrorCategory = "CONFIG"
	ErrorCategoryState         ErrorCategory = "STATE"
)

// Sentinel errors shared across packages
var (
	ErrStrategyNotFound  = stderrors.New("strategy not found")
	ErrInvalidTransition = stderrors.New("invalid state transition")
	ErrDuplicateIntent   = stderrors.New("intent with this idempotency key already tracked")
	ErrIntentNotFound    = stderrors.New("intent not found")
)

// Categorized is implemented by errors that know their own category
// (venue adapter errors, for instance).
type Categorized interface {
	Category() ErrorCategory
}

// EngineError represents a categorized error with context
type EngineError struct {
	Category   ErrorCategory
	Component  string
	Operation  string
	Message    string
	Underlying error
	Context    map[string]interface{}
	Retryable  bool
}

// Error implements the error interface
func (e *EngineError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Category, e.Component, e.Operation, e.Message, e.Underlying)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Category, e.Component, e.Operation, e.Message)
}

// Unwrap returns the underlying error for error unwrapping
func (e *EngineError) Unwrap() error {
	return e.Underlying
}

// IsRetryable returns whether this error can be retried with the same idempotency key
func (e *EngineError) IsRetryable() bool {
	return e.Retryable
}

// IsFatal returns whether the failing strategy step cannot proceed
func (e *EngineError) IsFatal() bool {
	return e.Category == ErrorCategoryRejected ||
		e.Category == ErrorCategoryRiskBreach ||
		e.Category == ErrorCategoryConfiguration
}

// NewEngineError creates a new categorized engine error
func NewEngineError(category ErrorCategory, component, operation, message string) *EngineError {
	return &EngineError{
		Category:  category,
		Component: component,
		Operation: operation,
		Message:   message,
		Context:   make(map[string]interface{}),
		Retryable: isRetryableCategory(category),
	}
}

// WrapError wraps an existing error with engine error context
func WrapError(err error, category ErrorCategory, component, operation string) *EngineError {
	if err == nil {
		return nil
	}

	return &EngineError{
		Category:   category,
		Component:  component,
		Operation:  operation,
		Message:    "operation failed",
		Underlying: err,
		Context:    make(map[string]interface{}),
		Retryable:  isRetryableCategory(category),
	}
}

// WithContext adds context information to the error
func (e *EngineError) WithContext(key string, value interface{}) *EngineError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithMessage replaces the human readable message
func (e *EngineError) WithMessage(message string) *EngineError {
	e.Message = message
	return e
}

// isRetryableCategory reports whether a category may be retried unchanged.
// Unknown is not retryable: it must be reconciled first.
func isRetryableCategory(category ErrorCategory) bool {
	return category == ErrorCategoryTransient
}

// Categorize resolves the category of an arbitrary error
func Categorize(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	var engErr *EngineError
	if stderrors.As(err, &engErr) {
		return engErr.Category
	}

	var categorized Categorized
	if stderrors.As(err, &categorized) {
		return categorized.Category()
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return ErrorCategoryUnknown
	}
	if stderrors.Is(err, context.Canceled) {
		return ErrorCategoryTransient
	}

	errMsg := strings.ToLower(err.Error())

	// A timed out call may or may not have reached the venue
	if strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded") ||
		strings.Contains(errMsg, "eof") {
		return ErrorCategoryUnknown
	}

	if strings.Contains(errMsg, "rate limit") || strings.Contains(errMsg, "too many requests") ||
		strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "dial") ||
		strings.Contains(errMsg, "dns") || strings.Contains(errMsg, "unavailable") {
		return ErrorCategoryTransient
	}

	if strings.Contains(errMsg, "insufficient") || strings.Contains(errMsg, "invalid") ||
		strings.Contains(errMsg, "rejected") || strings.Contains(errMsg, "not allowed") ||
		strings.Contains(errMsg, "minimum") || strings.Contains(errMsg, "maximum") {
		return ErrorCategoryRejected
	}

	return ErrorCategoryUnknown
}

// CategorizeError wraps err as an EngineError with a resolved category
func CategorizeError(err error, component, operation string) *EngineError {
	if err == nil {
		return nil
	}

	var engErr *EngineError
	if stderrors.As(err, &engErr) {
		return engErr
	}

	return WrapError(err, Categorize(err), component, operation)
}

// IsTransient reports whether err may be retried with backoff
func IsTransient(err error) bool { return Categorize(err) == ErrorCategoryTransient }

// IsRejected reports whether the venue refused the request
func IsRejected(err error) bool { return Categorize(err) == ErrorCategoryRejected }

// IsUnknown reports whether the outcome of a call is ambiguous
func IsUnknown(err error) bool { return Categorize(err) == ErrorCategoryUnknown }

// IsRiskBreach reports whether err is a risk ceiling violation
func IsRiskBreach(err error) bool { return Categorize(err) == ErrorCategoryRiskBreach }

// Common error constructors
func NewValidationError(component, operation, message string) *EngineError {
	return NewEngineError(ErrorCategoryValidation, component, operation, message)
}

func NewConfigurationError(component, operation, message string) *EngineError {
	return NewEngineError(ErrorCategoryConfiguration, component, operation, message)
}

func NewRiskBreachError(component, operation, message string) *EngineError {
	return NewEngineError(ErrorCategoryRiskBreach, component, operation, message)
}

func NewDriftError(component, operation, message string) *EngineError {
	return NewEngineError(ErrorCategoryDrift, component, operation, message)
}

func NewStateError(component, operation string, err error) *EngineError {
	return WrapError(err, ErrorCategoryState, component, operation)
}

// RecoveryAction is what the engine does with a failed step
type RecoveryAction string

const (
	RecoveryActionRetry     RecoveryAction = "RETRY"
	RecoveryActionReconcile RecoveryAction = "RECONCILE"
	RecoveryActionFault     RecoveryAction = "FAULT"
	RecoveryActionFreeze    RecoveryAction = "FREEZE"
	RecoveryActionBlock     RecoveryAction = "BLOCK"
)

// RecoveryFor maps an error category to the engine's handling of it
func RecoveryFor(category ErrorCategory) RecoveryAction {
	switch category {
	case ErrorCategoryTransient:
		return RecoveryActionRetry
	case ErrorCategoryUnknown:
		return RecoveryActionReconcile
	case ErrorCategoryDrift:
		return RecoveryActionFreeze
	case ErrorCategoryRiskBreach:
		return RecoveryActionBlock
	default:
		return RecoveryActionFault
	}
}

// GetRecoveryAction suggests a recovery action based on error category
func (e *EngineError) GetRecoveryAction() RecoveryAction {
	return RecoveryFor(e.Category)
}
