package risk

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	engerrors "github.com/ducminhle1904/strategy-engine/internal/errors"
)

// PortfolioRisk sums notional exposure per symbol and as a fraction of
// equity. Breach is set when the aggregate exceeds ceiling; a zero ceiling
// disables the check. With non-positive equity any exposure is a breach.
func PortfolioRisk(positions []Exposure, equity, ceiling float64) Snapshot {
	perSymbol := make(map[string]decimal.Decimal)
	net := make(map[string]float64)
	total := decimal.Zero

	for _, p := range positions {
		if p.Size == 0 {
			continue
		}
		cv := p.ContractValue
		if cv <= 0 {
			cv = 1
		}
		notional := decimal.NewFromFloat(math.Abs(p.Size)).
			Mul(decimal.NewFromFloat(p.Price)).
			Mul(decimal.NewFromFloat(cv))
		perSymbol[p.Symbol] = perSymbol[p.Symbol].Add(notional)
		net[p.Symbol] += p.Size
		total = total.Add(notional)
	}

	snap := Snapshot{
		Equity:            equity,
		PerSymbolExposure: make(map[string]float64, len(perSymbol)),
		NetSize:           net,
		TotalExposure:     total.InexactFloat64(),
		Ceiling:           ceiling,
	}
	for symbol, v := range perSymbol {
		snap.PerSymbolExposure[symbol] = v.InexactFloat64()
	}

	if equity > 0 {
		snap.AggregateRiskPercent = total.Div(decimal.NewFromFloat(equity)).InexactFloat64()
	}

	if ceiling > 0 {
		if equity <= 0 {
			snap.Breach = total.IsPositive()
		} else {
			snap.Breach = snap.AggregateRiskPercent > ceiling
			snap.Headroom = math.Max(0, ceiling*equity-snap.TotalExposure)
		}
	}

	return snap
}

// WithPending records the remaining notional of orders already live at
// the venue. Headroom shrinks by it; Breach and AggregateRiskPercent keep
// describing open positions only.
func WithPending(snap Snapshot, pending float64) Snapshot {
	snap.PendingExposure = pending
	if snap.Ceiling > 0 && snap.Equity > 0 {
		snap.Headroom = math.Max(0, snap.Ceiling*snap.Equity-snap.TotalExposure-pending)
	}
	return snap
}

// CheckOrder returns a RiskBreach error when adding notional to the
// snapshot's open and pending exposure would push it over the ceiling.
func CheckOrder(snap Snapshot, notional float64) error {
	if snap.Ceiling <= 0 {
		return nil
	}
	if snap.Equity <= 0 {
		return engerrors.NewRiskBreachError("risk", "check_order", "no equity available")
	}

	after := (snap.TotalExposure + snap.PendingExposure + notional) / snap.Equity
	if after > snap.Ceiling {
		return engerrors.NewRiskBreachError("risk", "check_order",
			fmt.Sprintf("aggregate exposure %.4f would exceed ceiling %.4f", after, snap.Ceiling)).
			WithContext("account", snap.Account).
			WithContext("notional", notional).
			WithContext("pending", snap.PendingExposure)
	}
	return nil
}

// SuggestSize returns the largest order for spec that fits the snapshot's
// headroom at price, floored to the size step and capped at MaxSize. It is
// 0 when less than MinSize fits.
func SuggestSize(snap Snapshot, price float64, spec ContractSpec) float64 {
	if snap.Headroom <= 0 || price <= 0 {
		return 0
	}
	cv := spec.ContractValue
	if cv <= 0 {
		cv = 1
	}
	size := decimal.NewFromFloat(snap.Headroom).
		Div(decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(cv)))
	if spec.MaxSize > 0 {
		size = decimal.Min(size, decimal.NewFromFloat(spec.MaxSize))
	}
	size = FloorToStep(size, spec.SizeStep)
	if !size.IsPositive() || size.LessThan(decimal.NewFromFloat(spec.MinSize)) {
		return 0
	}
	return size.InexactFloat64()
}
