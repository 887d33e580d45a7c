package bybit

import (
	"errors"
	"fmt"
)

// BybitError represents a Bybit API error with additional context
type BybitError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *BybitError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("Bybit API error %d: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("Bybit API error %d: %s", e.Code, e.Message)
}

// Common Bybit error codes
const (
	ErrCodeInvalidAPIKey       = 10003
	ErrCodeInvalidSignature    = 10004
	ErrCodeInvalidTimestamp    = 10005
	ErrCodeRateLimitExceeded   = 10006
	ErrCodeOrderNotFound       = 110001
	ErrCodeInvalidOrderType    = 110004
	ErrCodeInsufficientBalance = 110007
	ErrCodeSymbolNotFound      = 110009
	ErrCodeInvalidQuantity     = 110020
	ErrCodeInvalidPrice        = 110021
	ErrCodeMarketClosed        = 110043
	ErrCodeDuplicateLinkID     = 110072
	ErrCodeSystemBusy          = 10016
)

// NewBybitError creates a new BybitError
func NewBybitError(code int, message string, details ...string) *BybitError {
	err := &BybitError{
		Code:    code,
		Message: message,
	}
	if len(details) > 0 {
		err.Details = details[0]
	}
	return err
}

// Code extracts the API error code, or 0 when err is not a Bybit error
func Code(err error) int {
	var bybitErr *BybitError
	if errors.As(err, &bybitErr) {
		return bybitErr.Code
	}
	return 0
}

// IsRetryableCode reports codes that are safe to resend after a delay
func IsRetryableCode(code int) bool {
	switch code {
	case ErrCodeRateLimitExceeded, ErrCodeInvalidTimestamp, ErrCodeSystemBusy,
		500, 502, 503, 504:
		return true
	}
	return false
}

// IsAuthenticationError checks if the error is related to authentication
func IsAuthenticationError(err error) bool {
	switch Code(err) {
	case ErrCodeInvalidAPIKey, ErrCodeInvalidSignature:
		return true
	}
	return false
}

// IsDuplicateLinkID reports that an orderLinkId was already used
func IsDuplicateLinkID(err error) bool {
	return Code(err) == ErrCodeDuplicateLinkID
}
