package trigger

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ducminhle1904/strategy-engine/pkg/types"
)

// maxSlotScan bounds how many cron slots are walked in one lookback window
const maxSlotScan = 100000

// cronLookback lists the windows searched for the latest cron slot,
// shortest first. Dense schedules resolve in the first one, sparse ones
// such as a leap day in the last.
var cronLookback = []time.Duration{
	time.Hour,
	24 * time.Hour,
	32 * 24 * time.Hour,
	366 * 24 * time.Hour,
	8 * 366 * 24 * time.Hour,
}

// Market is the latest known market view handed to the evaluator.
// PrevPrices holds the price observed before the latest one per symbol.
type Market struct {
	Now        time.Time
	Prices     map[string]float64
	PrevPrices map[string]float64
	Signals    map[string]types.Signal
}

// State is the only mutable trigger data and belongs to the strategy instance
type State struct {
	Fired      bool      `json:"fired"`
	Anchor     time.Time `json:"anchor,omitempty"`
	LastSlot   time.Time `json:"last_slot,omitempty"`
	LastSignal time.Time `json:"last_signal,omitempty"`
	Children   []State   `json:"children,omitempty"`
}

// Arm builds the initial state for spec, anchoring schedules at now
func Arm(spec Spec, now time.Time) State {
	st := State{}
	if spec.Kind == KindSchedule {
		st.Anchor = now
	}
	if len(spec.Children) > 0 {
		st.Children = make([]State, len(spec.Children))
		for i, child := range spec.Children {
			st.Children[i] = Arm(child, now)
		}
	}
	return st
}

// Evaluate decides whether spec fires against m. It never mutates st;
// the returned state must replace it.
func Evaluate(spec Spec, m Market, st State) (bool, State, error) {
	switch spec.Kind {
	case KindTime:
		fired := evalTime(spec, m, st)
		if fired {
			st.Fired = true
		}
		return fired, st, nil
	case KindSchedule:
		return evalSchedule(spec, m, st)
	case KindPrice:
		fired := evalPrice(spec, m, st)
		if fired {
			st.Fired = true
		}
		return fired, st, nil
	case KindSignal:
		return evalSignal(spec, m, st)
	case KindComposite:
		return evalComposite(spec, m, st)
	}
	return false, st, invalid("unknown trigger kind " + string(spec.Kind))
}

func evalTime(spec Spec, m Market, st State) bool {
	if st.Fired {
		return false
	}
	return !m.Now.Before(spec.At)
}

func evalSchedule(spec Spec, m Market, st State) (bool, State, error) {
	if st.Anchor.IsZero() {
		st.Anchor = m.Now
		return false, st, nil
	}

	var slot time.Time
	if spec.Cron != "" {
		sched, err := cron.ParseStandard(spec.Cron)
		if err != nil {
			return false, st, invalid(err.Error())
		}
		slot = latestCronSlot(sched, st, m.Now)
	} else {
		slot = latestIntervalSlot(spec.Every, st.Anchor, m.Now)
	}

	if slot.IsZero() || !slot.After(st.LastSlot) {
		return false, st, nil
	}
	st.LastSlot = slot
	st.Fired = true
	return true, st, nil
}

// latestCronSlot returns the most recent slot at or before now that is
// after the last fired slot. Earlier missed slots are not reported.
func latestCronSlot(sched cron.Schedule, st State, now time.Time) time.Time {
	from := st.Anchor
	if st.LastSlot.After(from) {
		from = st.LastSlot
	}
	for _, window := range cronLookback {
		start := from
		if w := now.Add(-window); w.After(start) {
			start = w
		}
		slot, ok := lastSlotBetween(sched, start, now)
		if ok || !start.After(from) {
			return slot
		}
	}
	return time.Time{}
}

// lastSlotBetween returns the last slot in (start, now]. ok is false when
// there is none or the walk hits maxSlotScan.
func lastSlotBetween(sched cron.Schedule, start, now time.Time) (time.Time, bool) {
	next := sched.Next(start)
	if next.IsZero() || next.After(now) {
		return time.Time{}, false
	}
	for i := 0; i < maxSlotScan; i++ {
		following := sched.Next(next)
		if following.IsZero() || following.After(now) {
			return next, true
		}
		next = following
	}
	return time.Time{}, false
}

func latestIntervalSlot(every time.Duration, anchor, now time.Time) time.Time {
	if every <= 0 || !now.After(anchor) {
		return time.Time{}
	}
	k := now.Sub(anchor) / every
	if k < 1 {
		return time.Time{}
	}
	return anchor.Add(k * every)
}

// evalPrice is edge-triggered: it needs both the previous and latest price
// and fires only when the level lies between them in the configured direction.
func evalPrice(spec Spec, m Market, st State) bool {
	if st.Fired && !spec.Repeat {
		return false
	}

	now, ok := m.Prices[spec.Symbol]
	if !ok {
		return false
	}
	prev, ok := m.PrevPrices[spec.Symbol]
	if !ok {
		return false
	}

	switch spec.Direction {
	case CrossAbove:
		return prev < spec.Level && now >= spec.Level
	case CrossBelow:
		return prev > spec.Level && now <= spec.Level
	}
	return false
}

func evalSignal(spec Spec, m Market, st State) (bool, State, error) {
	if st.Fired && !spec.Repeat {
		return false, st, nil
	}

	sig, ok := m.Signals[spec.Symbol]
	if !ok || !sig.Timestamp.After(st.LastSignal) {
		return false, st, nil
	}
	st.LastSignal = sig.Timestamp

	if sig.Direction == types.DirectionFlat {
		return false, st, nil
	}
	if spec.SignalDirection != "" && sig.Direction != spec.SignalDirection {
		return false, st, nil
	}
	if spec.Timeframe != "" && !strings.EqualFold(spec.Timeframe, sig.Timeframe) {
		return false, st, nil
	}

	st.Fired = true
	return true, st, nil
}

// evalComposite latches child results so events that happen on different
// ticks can satisfy an AND. Children are visited in order and evaluation
// stops as soon as the outcome is decided.
func evalComposite(spec Spec, m Market, st State) (bool, State, error) {
	if st.Fired && !spec.Repeat {
		return false, st, nil
	}

	children := make([]State, len(spec.Children))
	copy(children, st.Children)
	if len(st.Children) != len(spec.Children) {
		children = Arm(spec, m.Now).Children
	}

	result := spec.Op == OpAnd
	for i, child := range spec.Children {
		satisfied := children[i].Fired
		if !satisfied {
			fired, next, err := Evaluate(child, m, children[i])
			if err != nil {
				return false, st, err
			}
			children[i] = next
			satisfied = fired
		}

		if spec.Op == OpOr && satisfied {
			result = true
			break
		}
		if spec.Op == OpAnd && !satisfied {
			result = false
			break
		}
	}

	st.Children = children
	if !result {
		return false, st, nil
	}

	st.Fired = true
	if spec.Repeat {
		st.Children = Arm(spec, m.Now).Children
	}
	return true, st, nil
}
