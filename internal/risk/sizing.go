package risk

import (
	stderrors "errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	engerrors "github.com/ducminhle1904/strategy-engine/internal/errors"
)

// ErrBelowMinimum is returned when a computed size cannot be traded
var ErrBelowMinimum = stderrors.New("computed size below venue minimum")

// PositionSize returns (equity × riskPercent) / (stopDistance × contractValue)
// floored to the venue size step. A size below the venue minimum is an
// error, never a truncated untradeable size.
func PositionSize(equity, riskPercent, stopDistance float64, spec ContractSpec) (float64, error) {
	if equity <= 0 {
		return 0, engerrors.NewValidationError("risk", "position_size", "equity must be positive")
	}
	if riskPercent <= 0 || riskPercent > 1 {
		return 0, engerrors.NewValidationError("risk", "position_size", "risk percent must be in (0, 1]")
	}
	if stopDistance <= 0 {
		return 0, engerrors.NewValidationError("risk", "position_size", "stop distance must be positive")
	}

	contractValue := spec.ContractValue
	if contractValue <= 0 {
		contractValue = 1
	}

	riskAmount := decimal.NewFromFloat(equity).Mul(decimal.NewFromFloat(riskPercent))
	perUnit := decimal.NewFromFloat(stopDistance).Mul(decimal.NewFromFloat(contractValue))
	raw := riskAmount.DivRound(perUnit, 12)

	if spec.MaxSize > 0 && raw.GreaterThan(decimal.NewFromFloat(spec.MaxSize)) {
		raw = decimal.NewFromFloat(spec.MaxSize)
	}

	size := FloorToStep(raw, spec.SizeStep)
	if size.IsNegative() {
		size = decimal.Zero
	}

	if size.IsZero() || size.LessThan(decimal.NewFromFloat(spec.MinSize)) {
		return 0, engerrors.WrapError(ErrBelowMinimum, engerrors.ErrorCategoryRiskBreach, "risk", "position_size").
			WithMessage(fmt.Sprintf("size %s below minimum %v for %s", size.String(), spec.MinSize, spec.Symbol))
	}

	return size.InexactFloat64(), nil
}

// FloorToStep floors v to a multiple of step. A non-positive step leaves v unchanged.
func FloorToStep(v decimal.Decimal, step float64) decimal.Decimal {
	if step <= 0 {
		return v
	}
	s := decimal.NewFromFloat(step)
	return v.Div(s).Floor().Mul(s)
}

// RoundSize floors a float size to the contract size step
func RoundSize(size float64, spec ContractSpec) float64 {
	return FloorToStep(decimal.NewFromFloat(size), spec.SizeStep).InexactFloat64()
}

// MartingaleStepSize returns base × multiplier^step
func MartingaleStepSize(base, multiplier float64, step int) float64 {
	if step <= 0 {
		return base
	}
	return base * math.Pow(multiplier, float64(step))
}
