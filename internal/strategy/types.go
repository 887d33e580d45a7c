// Package strategy holds the strategy instance model and the per-kind
// state machines that turn market and venue events into order intents.
package strategy

import (
	"fmt"
	"time"

	engerrors "github.com/ducminhle1904/strategy-engine/internal/errors"
	"github.com/ducminhle1904/strategy-engine/internal/exchange"
	"github.com/ducminhle1904/strategy-engine/internal/trigger"
	"github.com/ducminhle1904/strategy-engine/pkg/types"
)

// Kind is the strategy family of an instance
type Kind string

const (
	KindGrid        Kind = "grid"
	KindMartingale  Kind = "martingale"
	KindConditional Kind = "conditional"
	KindScheduled   Kind = "scheduled"
)

// State is the lifecycle state shared by every kind
type State string

const (
	StateCreated   State = "Created"
	StateActive    State = "Active"
	StateCompleted State = "Completed"
	StateCancelled State = "Cancelled"
	StateFaulted   State = "Faulted"
)

// ValidTransitions lists the allowed lifecycle moves. Faulted only leaves
// through an explicit resume or cancel.
var ValidTransitions = map[State][]State{
	StateCreated: {StateActive, StateCancelled, StateFaulted},
	StateActive:  {StateCompleted, StateCancelled, StateFaulted},
	StateFaulted: {StateActive, StateCancelled},
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to State) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further intents may be issued
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFaulted
}

// OrderTemplate describes the order a conditional or scheduled strategy
// places. Size is fixed unless RiskPercent is set, in which case it is
// resolved from equity at submission.
type OrderTemplate struct {
	Side         types.Side         `json:"side" yaml:"side"`
	Kind         exchange.OrderKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	Size         float64            `json:"size,omitempty" yaml:"size,omitempty"`
	RiskPercent  float64            `json:"risk_percent,omitempty" yaml:"risk_percent,omitempty"`
	StopDistance float64            `json:"stop_distance,omitempty" yaml:"stop_distance,omitempty"`
	Price        float64            `json:"price,omitempty" yaml:"price,omitempty"` // limit or stop price

	// Absolute protective levels, or distances from the reference price
	StopLoss           float64 `json:"stop_loss,omitempty" yaml:"stop_loss,omitempty"`
	TakeProfit         float64 `json:"take_profit,omitempty" yaml:"take_profit,omitempty"`
	StopLossDistance   float64 `json:"stop_loss_distance,omitempty" yaml:"stop_loss_distance,omitempty"`
	TakeProfitDistance float64 `json:"take_profit_distance,omitempty" yaml:"take_profit_distance,omitempty"`
}

// Validate checks the template
func (t OrderTemplate) Validate() error {
	if !t.Side.Valid() {
		return invalid(fmt.Sprintf("invalid order side %q", t.Side))
	}
	switch t.kind() {
	case exchange.OrderKindMarket:
	case exchange.OrderKindLimit, exchange.OrderKindStop:
		if t.Price <= 0 {
			return invalid(string(t.kind()) + " order requires a price")
		}
	default:
		return invalid(fmt.Sprintf("invalid order kind %q", t.Kind))
	}
	if t.Size <= 0 && t.RiskPercent <= 0 {
		return invalid("order requires a size or a risk percent")
	}
	if t.Size > 0 && t.RiskPercent > 0 {
		return invalid("order size and risk percent are exclusive")
	}
	if t.RiskPercent > 0 && t.stopDistance() <= 0 {
		return invalid("risk based sizing requires a stop distance")
	}
	if t.StopLoss < 0 || t.TakeProfit < 0 || t.StopLossDistance < 0 || t.TakeProfitDistance < 0 {
		return invalid("protective levels cannot be negative")
	}
	return nil
}

func (t OrderTemplate) kind() exchange.OrderKind {
	if t.Kind == "" {
		return exchange.OrderKindMarket
	}
	return t.Kind
}

func (t OrderTemplate) stopDistance() float64 {
	if t.StopDistance > 0 {
		return t.StopDistance
	}
	return t.StopLossDistance
}

// levels resolves protective levels against a reference price
func (t OrderTemplate) levels(ref float64) (stopLoss, takeProfit float64) {
	sign := t.Side.Sign()
	stopLoss, takeProfit = t.StopLoss, t.TakeProfit
	if stopLoss == 0 && t.StopLossDistance > 0 && ref > 0 {
		stopLoss = ref - sign*t.StopLossDistance
	}
	if takeProfit == 0 && t.TakeProfitDistance > 0 && ref > 0 {
		takeProfit = ref + sign*t.TakeProfitDistance
	}
	return stopLoss, takeProfit
}

// TrailParams configures a trailing stop on a filled conditional order
type TrailParams struct {
	Distance        float64 `json:"distance,omitempty" yaml:"distance,omitempty"`
	CallbackRatio   float64 `json:"callback_ratio,omitempty" yaml:"callback_ratio,omitempty"`
	ActivationPrice float64 `json:"activation_price,omitempty" yaml:"activation_price,omitempty"`
}

// GridParams configures a grid instance
type GridParams struct {
	Levels         []float64              `json:"levels" yaml:"levels"`
	Direction      trigger.CrossDirection `json:"direction" yaml:"direction"` // crossing that opens a level
	Side           types.Side             `json:"side" yaml:"side"`
	Size           float64                `json:"size" yaml:"size"`
	TakeProfitStep float64                `json:"take_profit_step,omitempty" yaml:"take_profit_step,omitempty"`
	MaxFilled      int                    `json:"max_filled,omitempty" yaml:"max_filled,omitempty"` // 0 runs until cancelled
}

// MartingaleParams configures a martingale instance
type MartingaleParams struct {
	Side               types.Side    `json:"side" yaml:"side"`
	BaseSize           float64       `json:"base_size" yaml:"base_size"`
	Multiplier         float64       `json:"multiplier" yaml:"multiplier"`
	MaxSteps           int           `json:"max_steps" yaml:"max_steps"`
	StopLossDistance   float64       `json:"stop_loss_distance" yaml:"stop_loss_distance"`
	TakeProfitDistance float64       `json:"take_profit_distance" yaml:"take_profit_distance"`
	Entry              *trigger.Spec `json:"entry,omitempty" yaml:"entry,omitempty"` // nil enters on the next tick
}

// ConditionalParams configures a conditional order
type ConditionalParams struct {
	Trigger trigger.Spec  `json:"trigger" yaml:"trigger"`
	Order   OrderTemplate `json:"order" yaml:"order"`
	Trail   *TrailParams  `json:"trail,omitempty" yaml:"trail,omitempty"`
}

// ScheduledParams configures a scheduled order
type ScheduledParams struct {
	Trigger trigger.Spec  `json:"trigger" yaml:"trigger"`
	Order   OrderTemplate `json:"order" yaml:"order"`
	MaxRuns int           `json:"max_runs,omitempty" yaml:"max_runs,omitempty"` // 0 means once
}

// Spec is the declarative definition of a strategy instance. Exactly one
// parameter block matching Kind is set.
type Spec struct {
	Kind    Kind   `json:"kind" yaml:"kind"`
	Symbol  string `json:"symbol" yaml:"symbol"`
	Account string `json:"account" yaml:"account"`
	Venue   string `json:"venue" yaml:"venue"`

	Grid        *GridParams        `json:"grid,omitempty" yaml:"grid,omitempty"`
	Martingale  *MartingaleParams  `json:"martingale,omitempty" yaml:"martingale,omitempty"`
	Conditional *ConditionalParams `json:"conditional,omitempty" yaml:"conditional,omitempty"`
	Scheduled   *ScheduledParams   `json:"scheduled,omitempty" yaml:"scheduled,omitempty"`
}

// LevelStatus is the state of one grid level
type LevelStatus string

const (
	LevelEmpty    LevelStatus = "Empty"
	LevelEntering LevelStatus = "Entering"
	LevelFilled   LevelStatus = "Filled"
	LevelExiting  LevelStatus = "Exiting"
)

// GridLevel tracks one rung of the ladder
type GridLevel struct {
	Price     float64     `json:"price"`
	Status    LevelStatus `json:"status"`
	EntryKey  string      `json:"entry_key,omitempty"`
	ExitKey   string      `json:"exit_key,omitempty"`
	Size      float64     `json:"size,omitempty"`
	FillPrice float64     `json:"fill_price,omitempty"`
	Fills     int         `json:"fills"`
}

// GridState is the runtime state of a grid instance
type GridState struct {
	Levels []GridLevel `json:"levels"`
}

// MartingaleState is the runtime state of a martingale instance
type MartingaleState struct {
	Step           int       `json:"step"`
	EntryKey       string    `json:"entry_key,omitempty"`
	Holding        bool      `json:"holding"`
	Size           float64   `json:"size,omitempty"`
	EntryPrice     float64   `json:"entry_price,omitempty"`
	StopLoss       float64   `json:"stop_loss,omitempty"`
	TakeProfit     float64   `json:"take_profit,omitempty"`
	FilledAt       time.Time `json:"filled_at,omitempty"`
	CumulativeSize float64   `json:"cumulative_size"`
	Wins           int       `json:"wins"`
	Losses         int       `json:"losses"`
}

// OrderState is the runtime state of conditional and scheduled instances
type OrderState struct {
	EntryKey   string    `json:"entry_key,omitempty"`
	Filled     bool      `json:"filled"`
	Size       float64   `json:"size,omitempty"`
	EntryPrice float64   `json:"entry_price,omitempty"`
	FilledAt   time.Time `json:"filled_at,omitempty"`
	Stop       float64   `json:"stop,omitempty"`
	WaterMark  float64   `json:"water_mark,omitempty"`
	Runs       int       `json:"runs"`
}

// Instance is one running strategy. Only the strategy engine mutates it.
type Instance struct {
	ID string `json:"id"`
	Spec

	State     State     `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Frozen    bool      `json:"frozen"` // drift detected, no automated action until resumed
	Cancel    bool      `json:"cancel_requested"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	NextStep  int           `json:"next_step"`
	LastPrice float64       `json:"last_price,omitempty"`
	Trigger   trigger.State `json:"trigger"`

	Ladder   *GridState       `json:"ladder,omitempty"`
	Sequence *MartingaleState `json:"sequence,omitempty"`
	Entry    *OrderState      `json:"entry,omitempty"`
}

// NewInstance validates spec and builds a Created instance
func NewInstance(id string, spec Spec, now time.Time) (*Instance, error) {
	m, err := For(spec.Kind)
	if err != nil {
		return nil, err
	}
	if spec.Symbol == "" {
		return nil, invalid("symbol is required")
	}
	if spec.Venue == "" {
		return nil, invalid("venue is required")
	}
	if err := m.Validate(spec); err != nil {
		return nil, err
	}
	inst := &Instance{
		ID:        id,
		Spec:      spec,
		State:     StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.Init(inst)
	return inst, nil
}

// SetState moves the instance through the lifecycle
func (i *Instance) SetState(to State, reason string, now time.Time) error {
	if i.State == to {
		return nil
	}
	if !CanTransition(i.State, to) {
		return fmt.Errorf("%w: %s -> %s for %s", engerrors.ErrInvalidTransition, i.State, to, i.ID)
	}
	i.State = to
	i.Reason = reason
	i.UpdatedAt = now
	return nil
}

// Clone returns a deep copy safe to hand out
func (i *Instance) Clone() *Instance {
	cp := *i
	if i.Ladder != nil {
		g := GridState{Levels: append([]GridLevel(nil), i.Ladder.Levels...)}
		cp.Ladder = &g
	}
	if i.Sequence != nil {
		m := *i.Sequence
		cp.Sequence = &m
	}
	if i.Entry != nil {
		o := *i.Entry
		cp.Entry = &o
	}
	cp.Trigger = cloneTriggerState(i.Trigger)
	return &cp
}

func cloneTriggerState(st trigger.State) trigger.State {
	cp := st
	if len(st.Children) > 0 {
		cp.Children = make([]trigger.State, len(st.Children))
		for i, c := range st.Children {
			cp.Children[i] = cloneTriggerState(c)
		}
	}
	return cp
}

func invalid(msg string) error {
	return engerrors.NewValidationError("strategy", "validate", msg)
}

// Snapshot is a read-only view of an instance and everything it issued
type Snapshot struct {
	Instance   *Instance              `json:"instance"`
	Intents    []exchange.OrderIntent `json:"intents"`
	Exposure   float64                `json:"exposure"`
	EntryPrice float64                `json:"entry_price,omitempty"`
}
