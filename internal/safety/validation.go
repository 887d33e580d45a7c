package safety

import (
	"fmt"
	"math"
)

// ValidationResult represents the result of a validation check
type ValidationResult struct {
	Valid   bool
	Message string
	Code    string
}

// ValidatePrice rejects prices that cannot be sent to a venue
func ValidatePrice(price float64, symbol string) ValidationResult {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return ValidationResult{
			Message: fmt.Sprintf("invalid price for %s: not a finite number", symbol),
			Code:    "INVALID_PRICE_NAN",
		}
	}
	if price <= 0 {
		return ValidationResult{
			Message: fmt.Sprintf("invalid price %.8f for %s: price must be positive", price, symbol),
			Code:    "INVALID_PRICE_NEGATIVE",
		}
	}
	// Guard against obvious data errors
	if price > 1e10 {
		return ValidationResult{
			Message: fmt.Sprintf("suspicious price %.8f for %s: exceeds reasonable bounds", price, symbol),
			Code:    "PRICE_OUT_OF_BOUNDS",
		}
	}
	return ValidationResult{Valid: true}
}

// ValidateQuantity rejects sizes that cannot be sent to a venue
func ValidateQuantity(quantity float64, symbol string) ValidationResult {
	if math.IsNaN(quantity) || math.IsInf(quantity, 0) {
		return ValidationResult{
			Message: fmt.Sprintf("invalid quantity for %s: not a finite number", symbol),
			Code:    "INVALID_QUANTITY_NAN",
		}
	}
	if quantity <= 0 {
		return ValidationResult{
			Message: fmt.Sprintf("invalid quantity %.8f for %s: quantity must be positive", quantity, symbol),
			Code:    "INVALID_QUANTITY_NEGATIVE",
		}
	}
	if quantity > 1e12 {
		return ValidationResult{
			Message: fmt.Sprintf("suspicious quantity %.8f for %s: exceeds reasonable bounds", quantity, symbol),
			Code:    "QUANTITY_OUT_OF_BOUNDS",
		}
	}
	return ValidationResult{Valid: true}
}

// ValidateProtectiveLevels checks stop-loss and take-profit sit on the
// correct side of the reference price for a position opened on side
func ValidateProtectiveLevels(isBuy bool, ref, stopLoss, takeProfit float64, symbol string) ValidationResult {
	if ref <= 0 {
		return ValidationResult{Valid: true}
	}
	if stopLoss > 0 && ((isBuy && stopLoss >= ref) || (!isBuy && stopLoss <= ref)) {
		return ValidationResult{
			Message: fmt.Sprintf("stop-loss %.8f on wrong side of %.8f for %s", stopLoss, ref, symbol),
			Code:    "STOP_LOSS_WRONG_SIDE",
		}
	}
	if takeProfit > 0 && ((isBuy && takeProfit <= ref) || (!isBuy && takeProfit >= ref)) {
		return ValidationResult{
			Message: fmt.Sprintf("take-profit %.8f on wrong side of %.8f for %s", takeProfit, ref, symbol),
			Code:    "TAKE_PROFIT_WRONG_SIDE",
		}
	}
	return ValidationResult{Valid: true}
}
