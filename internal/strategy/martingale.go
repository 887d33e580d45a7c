package strategy

import (
	"fmt"
	"math"

	"github.com/ducminhle1904/strategy-engine/internal/exchange"
	"github.com/ducminhle1904/strategy-engine/internal/risk"
	"github.com/ducminhle1904/strategy-engine/internal/trigger"
)

type martingaleMachine struct{}

func (martingaleMachine) Kind() Kind { return KindMartingale }

func (martingaleMachine) Validate(spec Spec) error {
	p := spec.Martingale
	if p == nil {
		return invalid("martingale strategy requires martingale parameters")
	}
	if !p.Side.Valid() {
		return invalid(fmt.Sprintf("invalid martingale side %q", p.Side))
	}
	if p.BaseSize <= 0 {
		return invalid("martingale base size must be positive")
	}
	if p.Multiplier < 1 {
		return invalid("martingale multiplier must be at least 1")
	}
	if p.MaxSteps < 0 {
		return invalid("martingale max steps cannot be negative")
	}
	if p.StopLossDistance <= 0 || p.TakeProfitDistance <= 0 {
		return invalid("martingale requires stop loss and take profit distances")
	}
	if p.Entry != nil {
		return trigger.Validate(*p.Entry)
	}
	return nil
}

func (martingaleMachine) Init(inst *Instance) {
	if inst.Sequence == nil {
		inst.Sequence = &MartingaleState{}
	}
}

// Ceiling is the largest single step size the sequence may ever submit
func Ceiling(p *MartingaleParams) float64 {
	return risk.MartingaleStepSize(p.BaseSize, p.Multiplier, p.MaxSteps)
}

func (m martingaleMachine) Evaluate(inst *Instance, ev Event) Transition {
	seq := inst.Sequence
	switch ev.Type {
	case EventActivate, EventTick, EventSignal:
		if seq.Holding || seq.EntryKey != "" {
			return Transition{}
		}
		return m.enter(inst, ev)
	case EventIntent:
		return m.onIntent(inst, ev.Intent)
	case EventPosition:
		if seq.Holding && closedAfter(ev, seq.FilledAt, sizeTolerance) {
			return m.onClose(inst, ev)
		}
	}
	return Transition{}
}

// enter submits the current step. Going past MaxSteps is a hard stop.
func (martingaleMachine) enter(inst *Instance, ev Event) Transition {
	p, seq := inst.Martingale, inst.Sequence
	if seq.Step > p.MaxSteps {
		return fault(fmt.Sprintf("martingale step %d exceeds max steps %d", seq.Step, p.MaxSteps))
	}
	ref := inst.LastPrice
	if ref <= 0 {
		return Transition{}
	}
	fired, err := fire(inst, ev)
	if err != nil {
		return fault(err.Error())
	}
	if !fired {
		return Transition{}
	}

	size := risk.MartingaleStepSize(p.BaseSize, p.Multiplier, seq.Step)
	if size > Ceiling(p)*(1+1e-9) {
		return fault(fmt.Sprintf("martingale size %g above ceiling %g", size, Ceiling(p)))
	}

	in := newIntent(inst, exchange.PurposeEntry, seq.Step)
	in.Side = p.Side
	in.Kind = exchange.OrderKindMarket
	in.Size = size
	sign := p.Side.Sign()
	in.StopLoss = ref - sign*p.StopLossDistance
	in.TakeProfit = ref + sign*p.TakeProfitDistance

	seq.EntryKey = in.Key
	seq.StopLoss, seq.TakeProfit = in.StopLoss, in.TakeProfit
	return Transition{Intents: []exchange.OrderIntent{in}}
}

func (martingaleMachine) onIntent(inst *Instance, in exchange.OrderIntent) Transition {
	seq := inst.Sequence
	if in.Key != seq.EntryKey || seq.Holding {
		return Transition{}
	}
	switch {
	case in.Status == exchange.IntentFilled,
		in.Status == exchange.IntentCancelled && in.FilledSize > 0:
		seq.Holding = true
		seq.Size = in.FilledSize
		seq.EntryPrice = in.AvgFillPrice
		seq.FilledAt = in.UpdatedAt
		seq.CumulativeSize += in.FilledSize
	case in.Status == exchange.IntentRejected:
		return fault(fmt.Sprintf("martingale step %d rejected: %s", seq.Step, in.LastError))
	case in.Status == exchange.IntentCancelled:
		return fault(fmt.Sprintf("martingale step %d cancelled by venue", seq.Step))
	}
	return Transition{}
}

// onClose settles a closed step: a loss doubles down, a win resets
func (martingaleMachine) onClose(inst *Instance, ev Event) Transition {
	p, seq := inst.Martingale, inst.Sequence
	loss := isLoss(p, seq, ev.Position, inst.LastPrice)

	seq.Holding = false
	seq.EntryKey = ""
	seq.Size = 0
	armTrigger(inst, ev.Now)

	if !loss {
		seq.Wins++
		seq.Step = 0
		seq.CumulativeSize = 0
		return Transition{Reason: "martingale step won, reset to base size"}
	}

	seq.Losses++
	seq.Step++
	if seq.Step > p.MaxSteps {
		return fault(fmt.Sprintf("martingale lost %d consecutive steps, max steps %d reached", seq.Step, p.MaxSteps))
	}
	return Transition{Reason: fmt.Sprintf("martingale step lost, next step %d", seq.Step)}
}

// isLoss prefers the venue's realized result for the closed position.
// Without one it judges by whichever protective level the last price is
// nearer to, then by the entry price.
func isLoss(p *MartingaleParams, seq *MartingaleState, closed exchange.Position, last float64) bool {
	if closed.RealizedPnL != 0 {
		return closed.RealizedPnL < 0
	}
	if last <= 0 {
		return true
	}
	if seq.StopLoss > 0 && seq.TakeProfit > 0 {
		return math.Abs(last-seq.StopLoss) < math.Abs(last-seq.TakeProfit)
	}
	return (last-seq.EntryPrice)*p.Side.Sign() < 0
}

func (martingaleMachine) Exposure(inst *Instance) (float64, float64) {
	seq := inst.Sequence
	if seq == nil || !seq.Holding {
		return 0, 0
	}
	return seq.Size * inst.Martingale.Side.Sign(), seq.EntryPrice
}
