package strategy

import (
	"fmt"

	"github.com/ducminhle1904/strategy-engine/internal/exchange"
	"github.com/ducminhle1904/strategy-engine/internal/risk"
	"github.com/ducminhle1904/strategy-engine/internal/trigger"
)

type conditionalMachine struct{}

func (conditionalMachine) Kind() Kind { return KindConditional }

func (conditionalMachine) Validate(spec Spec) error {
	p := spec.Conditional
	if p == nil {
		return invalid("conditional strategy requires conditional parameters")
	}
	if err := trigger.Validate(p.Trigger); err != nil {
		return err
	}
	if err := p.Order.Validate(); err != nil {
		return err
	}
	if t := p.Trail; t != nil {
		if t.Distance <= 0 && t.CallbackRatio <= 0 {
			return invalid("trailing stop requires a distance or a callback ratio")
		}
		if t.CallbackRatio >= 1 {
			return invalid("trailing callback ratio must be below 1")
		}
	}
	return nil
}

func (conditionalMachine) Init(inst *Instance) {
	if inst.Entry == nil {
		inst.Entry = &OrderState{}
	}
}

// Evaluate arms on activation, submits once the trigger fires, then
// monitors the position until the venue reports it closed
func (c conditionalMachine) Evaluate(inst *Instance, ev Event) Transition {
	p, st := inst.Conditional, inst.Entry
	switch ev.Type {
	case EventActivate, EventTick, EventSignal:
		if st.EntryKey == "" {
			return armedEntry(inst, p.Trigger, p.Order, ev)
		}
		if st.Filled && p.Trail != nil && ev.Type == EventTick {
			return c.trail(inst, ev)
		}
	case EventIntent:
		if ev.Intent.Key != st.EntryKey || st.Filled {
			return Transition{}
		}
		if t, filled := settleEntry(st, ev.Intent); !filled {
			return t
		}
		st.Stop = ev.Intent.StopLoss
		st.WaterMark = st.EntryPrice
	case EventPosition:
		if st.Filled && closedAfter(ev, st.FilledAt, sizeTolerance) {
			return Transition{To: StateCompleted, Reason: "position closed"}
		}
	}
	return Transition{}
}

// trail ratchets the stop and asks the venue to move it
func (conditionalMachine) trail(inst *Instance, ev Event) Transition {
	p, st := inst.Conditional, inst.Entry
	price := ev.Market.Prices[inst.Symbol]
	if price <= 0 {
		return Transition{}
	}
	res := risk.TrailingStop(risk.TrailingStopInput{
		Side:            p.Order.Side,
		CurrentPrice:    price,
		EntryPrice:      st.EntryPrice,
		TrailDistance:   p.Trail.Distance,
		CallbackRatio:   p.Trail.CallbackRatio,
		ActivationPrice: p.Trail.ActivationPrice,
		HighWaterMark:   st.WaterMark,
		PreviousStop:    st.Stop,
	})
	st.WaterMark = res.WaterMark
	if !res.Moved {
		return Transition{}
	}
	st.Stop = res.Stop
	return Transition{Modify: &Modify{StopLoss: res.Stop}, Reason: fmt.Sprintf("trailing stop moved to %g", res.Stop)}
}

func (conditionalMachine) Exposure(inst *Instance) (float64, float64) {
	st := inst.Entry
	if st == nil || !st.Filled {
		return 0, 0
	}
	return st.Size * inst.Conditional.Order.Side.Sign(), st.EntryPrice
}

// armedEntry evaluates the trigger and builds the entry intent when it fires
func armedEntry(inst *Instance, spec trigger.Spec, order OrderTemplate, ev Event) Transition {
	fired, err := fire(inst, ev)
	if err != nil {
		return fault(err.Error())
	}
	if !fired {
		return Transition{}
	}
	ref := inst.LastPrice
	if order.kind() == exchange.OrderKindMarket && ref <= 0 && (order.StopLossDistance > 0 || order.TakeProfitDistance > 0) {
		// protective distances need a reference price; wait for a quote
		inst.Trigger = trigger.Arm(spec.WithSymbol(inst.Symbol), ev.Now)
		return Transition{}
	}
	in := fromTemplate(inst, order, ref)
	inst.Entry.EntryKey = in.Key
	return Transition{Intents: []exchange.OrderIntent{in}}
}

// settleEntry applies an entry intent outcome. It reports true once the
// entry has filled; otherwise it returns the transition to apply.
func settleEntry(st *OrderState, in exchange.OrderIntent) (Transition, bool) {
	switch {
	case in.Status == exchange.IntentFilled,
		in.Status == exchange.IntentCancelled && in.FilledSize > 0:
		st.Filled = true
		st.Size = in.FilledSize
		st.EntryPrice = in.AvgFillPrice
		st.FilledAt = in.UpdatedAt
		return Transition{}, true
	case in.Status == exchange.IntentRejected:
		return fault("order rejected: " + in.LastError), false
	case in.Status == exchange.IntentCancelled:
		return fault("order cancelled by venue before filling"), false
	}
	return Transition{}, false
}
