package risk

import (
	"math"

	"github.com/ducminhle1904/strategy-engine/pkg/types"
)

// TrailingStop recomputes a trailing stop level. The stop only ever moves
// in the position's favour: up for longs, down for shorts.
func TrailingStop(in TrailingStopInput) TrailingStopResult {
	if in.Side == types.SideSell {
		return trailShort(in)
	}
	return trailLong(in)
}

func trailLong(in TrailingStopInput) TrailingStopResult {
	mark := in.HighWaterMark
	if mark == 0 {
		mark = in.EntryPrice
	}
	mark = math.Max(mark, in.CurrentPrice)

	res := TrailingStopResult{Stop: in.PreviousStop, WaterMark: mark}
	if in.ActivationPrice > 0 && mark < in.ActivationPrice {
		return res
	}
	res.Active = true

	candidate := mark - distance(in, mark)
	if candidate <= 0 {
		return res
	}
	if in.PreviousStop == 0 || candidate > in.PreviousStop {
		res.Stop = candidate
		res.Moved = true
	}
	return res
}

func trailShort(in TrailingStopInput) TrailingStopResult {
	mark := in.HighWaterMark
	if mark == 0 {
		mark = in.EntryPrice
	}
	if mark == 0 || (in.CurrentPrice > 0 && in.CurrentPrice < mark) {
		mark = in.CurrentPrice
	}

	res := TrailingStopResult{Stop: in.PreviousStop, WaterMark: mark}
	if in.ActivationPrice > 0 && mark > in.ActivationPrice {
		return res
	}
	res.Active = true

	candidate := mark + distance(in, mark)
	if in.PreviousStop == 0 || candidate < in.PreviousStop {
		res.Stop = candidate
		res.Moved = true
	}
	return res
}

func distance(in TrailingStopInput, mark float64) float64 {
	if in.TrailDistance > 0 {
		return in.TrailDistance
	}
	return in.CallbackRatio * mark
}
