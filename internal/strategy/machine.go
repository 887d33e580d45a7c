package strategy

import (
	"fmt"
	"time"

	engerrors "github.com/ducminhle1904/strategy-engine/internal/errors"
	"github.com/ducminhle1904/strategy-engine/internal/exchange"
	"github.com/ducminhle1904/strategy-engine/internal/trigger"
	"github.com/ducminhle1904/strategy-engine/pkg/id"
)

// EventType identifies what an instance is reacting to
type EventType string

const (
	EventActivate EventType = "activate"
	EventTick     EventType = "tick"
	EventSignal   EventType = "signal"
	EventIntent   EventType = "intent"
	EventPosition EventType = "position"
)

// Event is one input to a state machine
type Event struct {
	Type   EventType
	Now    time.Time
	Market trigger.Market

	// EventIntent
	Intent exchange.OrderIntent

	// EventPosition. A flat position has zero size. Observed is when the
	// venue was queried.
	Position exchange.Position
	Observed time.Time
}

// price returns the latest and previous price of the instance symbol
func (e Event) price(symbol string) (cur, prev float64) {
	return e.Market.Prices[symbol], e.Market.PrevPrices[symbol]
}

// Modify asks the venue to move protective levels of the open position
type Modify struct {
	StopLoss   float64
	TakeProfit float64
}

// Transition is what a machine wants done in response to an event
type Transition struct {
	To      State // empty keeps the current state
	Reason  string
	Intents []exchange.OrderIntent
	Modify  *Modify
}

// Empty reports whether the transition asks for nothing
func (t Transition) Empty() bool {
	return t.To == "" && len(t.Intents) == 0 && t.Modify == nil
}

func fault(reason string) Transition {
	return Transition{To: StateFaulted, Reason: reason}
}

// Machine is the per-kind behaviour behind the shared lifecycle shell
type Machine interface {
	Kind() Kind
	Validate(spec Spec) error
	Init(inst *Instance)
	Evaluate(inst *Instance, ev Event) Transition
	Exposure(inst *Instance) (size, entryPrice float64)
}

var machines = map[Kind]Machine{
	KindGrid:        gridMachine{},
	KindMartingale:  martingaleMachine{},
	KindConditional: conditionalMachine{},
	KindScheduled:   scheduledMachine{},
}

// For returns the machine for kind
func For(kind Kind) (Machine, error) {
	m, ok := machines[kind]
	if !ok {
		return nil, invalid(fmt.Sprintf("unknown strategy kind %q", kind))
	}
	return m, nil
}

// Step feeds ev to the instance's machine. Completed and cancelled
// instances ignore everything. Faulted and frozen instances ignore market
// input but still follow venue truth; whatever they issue stays
// unsubmitted until resumed. Activation arms triggers and moves Created to
// Active.
func Step(inst *Instance, ev Event) Transition {
	m, err := For(inst.Kind)
	if err != nil {
		return fault(err.Error())
	}
	if inst.State == StateCompleted || inst.State == StateCancelled {
		return Transition{}
	}
	if ev.Type == EventActivate {
		if inst.State != StateCreated || inst.Frozen {
			return Transition{}
		}
		m.Init(inst)
		armTrigger(inst, ev.Now)
		next := m.Evaluate(inst, ev)
		if next.To == "" {
			next.To = StateActive
		}
		return next
	}

	market := ev.Type == EventTick || ev.Type == EventSignal
	if market && (inst.Frozen || inst.State != StateActive) {
		return Transition{}
	}
	if inst.State != StateActive && inst.State != StateFaulted {
		return Transition{}
	}
	if market {
		if p := ev.Market.Prices[inst.Symbol]; p > 0 {
			inst.LastPrice = p
		}
	}
	next := m.Evaluate(inst, ev)
	if inst.State == StateFaulted {
		// only resume or cancel move a faulted instance
		next.To = ""
	}
	return next
}

// Exposure reports the signed size the instance believes it holds
func Exposure(inst *Instance) (size, entryPrice float64) {
	m, err := For(inst.Kind)
	if err != nil || inst.State == StateCancelled || inst.State == StateCompleted {
		return 0, 0
	}
	return m.Exposure(inst)
}

// Resume returns a Faulted or frozen instance to Active
func Resume(inst *Instance, now time.Time) error {
	switch {
	case inst.State == StateFaulted:
		if err := inst.SetState(StateActive, "resumed", now); err != nil {
			return err
		}
	case inst.Frozen && inst.State == StateActive:
	default:
		return fmt.Errorf("%w: %s is %s and not frozen", engerrors.ErrInvalidTransition, inst.ID, inst.State)
	}
	inst.Frozen = false
	inst.Reason = "resumed"
	inst.UpdatedAt = now
	return nil
}

// TriggerSpec returns the instance trigger with its symbol filled in
func (i *Instance) TriggerSpec() (trigger.Spec, bool) {
	return triggerSpec(i)
}

func armTrigger(inst *Instance, now time.Time) {
	if spec, ok := triggerSpec(inst); ok {
		inst.Trigger = trigger.Arm(spec, now)
	}
}

func triggerSpec(inst *Instance) (trigger.Spec, bool) {
	switch {
	case inst.Conditional != nil:
		return inst.Conditional.Trigger.WithSymbol(inst.Symbol), true
	case inst.Scheduled != nil:
		return inst.Scheduled.Trigger.WithSymbol(inst.Symbol), true
	case inst.Martingale != nil && inst.Martingale.Entry != nil:
		return inst.Martingale.Entry.WithSymbol(inst.Symbol), true
	}
	return trigger.Spec{}, false
}

// fire evaluates the instance trigger and stores the new trigger state
func fire(inst *Instance, ev Event) (bool, error) {
	spec, ok := triggerSpec(inst)
	if !ok {
		return true, nil
	}
	m := ev.Market
	if m.Now.IsZero() {
		m.Now = ev.Now
	}
	fired, next, err := trigger.Evaluate(spec, m, inst.Trigger)
	if err != nil {
		return false, err
	}
	inst.Trigger = next
	return fired, nil
}

// newIntent allocates the next step of the instance. The key is derived
// from (instance, step) only, so a retried step always reuses it.
func newIntent(inst *Instance, purpose exchange.IntentPurpose, leg int) exchange.OrderIntent {
	step := inst.NextStep
	inst.NextStep++
	return exchange.OrderIntent{
		Key:        id.IdempotencyKey(inst.ID, step),
		StrategyID: inst.ID,
		Step:       step,
		Leg:        leg,
		Purpose:    purpose,
		Account:    inst.Account,
		Venue:      inst.Venue,
		Symbol:     inst.Symbol,
		Status:     exchange.IntentPending,
	}
}

// fromTemplate builds an entry intent from an order template against a
// reference price
func fromTemplate(inst *Instance, t OrderTemplate, ref float64) exchange.OrderIntent {
	in := newIntent(inst, exchange.PurposeEntry, 0)
	in.Side = t.Side
	in.Kind = t.kind()
	in.Size = t.Size
	in.Price = t.Price
	if in.Kind != exchange.OrderKindMarket && t.Price > 0 {
		ref = t.Price
	}
	in.StopLoss, in.TakeProfit = t.levels(ref)
	if t.RiskPercent > 0 {
		in.RiskPercent = t.RiskPercent
		in.StopDistance = t.stopDistance()
	}
	return in
}

// closedAfter reports whether a flat position observation proves a fill
// at filledAt has since been closed
func closedAfter(ev Event, filledAt time.Time, tolerance float64) bool {
	if ev.Type != EventPosition || !ev.Position.IsFlat(tolerance) {
		return false
	}
	return ev.Observed.After(filledAt)
}

const sizeTolerance = 1e-9
