package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	engerrors "github.com/ducminhle1904/strategy-engine/internal/errors"
	"github.com/ducminhle1904/strategy-engine/pkg/types"
)

// Kind selects how a trigger decides it has fired
type Kind string

const (
	KindTime      Kind = "time"
	KindSchedule  Kind = "schedule"
	KindPrice     Kind = "price"
	KindComposite Kind = "composite"
	KindSignal    Kind = "signal"
)

// CrossDirection is the direction a price must cross a level in
type CrossDirection string

const (
	CrossAbove CrossDirection = "above"
	CrossBelow CrossDirection = "below"
)

// Op combines composite children
type Op string

const (
	OpAnd Op = "and"
	OpOr  Op = "or"
)

// Spec is a declarative trigger condition
type Spec struct {
	Kind Kind `json:"kind" yaml:"kind"`

	// time
	At time.Time `json:"at,omitempty" yaml:"at,omitempty"`

	// schedule: either a cron expression or a fixed interval
	Cron  string        `json:"cron,omitempty" yaml:"cron,omitempty"`
	Every time.Duration `json:"every,omitempty" yaml:"every,omitempty"`

	// price
	Symbol    string         `json:"symbol,omitempty" yaml:"symbol,omitempty"`
	Level     float64        `json:"level,omitempty" yaml:"level,omitempty"`
	Direction CrossDirection `json:"direction,omitempty" yaml:"direction,omitempty"`

	// signal
	SignalDirection types.Direction `json:"signal_direction,omitempty" yaml:"signal_direction,omitempty"`
	Timeframe       string          `json:"timeframe,omitempty" yaml:"timeframe,omitempty"`

	// composite
	Op       Op     `json:"op,omitempty" yaml:"op,omitempty"`
	Children []Spec `json:"children,omitempty" yaml:"children,omitempty"`

	// Repeat re-arms price, signal and composite triggers after they fire
	Repeat bool `json:"repeat,omitempty" yaml:"repeat,omitempty"`
}

// Validate checks a trigger tree for missing or inconsistent fields
func Validate(spec Spec) error {
	switch spec.Kind {
	case KindTime:
		if spec.At.IsZero() {
			return invalid("time trigger requires 'at'")
		}
	case KindSchedule:
		if spec.Cron == "" && spec.Every <= 0 {
			return invalid("schedule trigger requires 'cron' or 'every'")
		}
		if spec.Cron != "" {
			if _, err := cron.ParseStandard(spec.Cron); err != nil {
				return invalid(fmt.Sprintf("invalid cron expression %q: %v", spec.Cron, err))
			}
		}
	case KindPrice:
		if spec.Level <= 0 {
			return invalid("price trigger requires a positive level")
		}
		if spec.Direction != CrossAbove && spec.Direction != CrossBelow {
			return invalid("price trigger direction must be 'above' or 'below'")
		}
	case KindSignal:
		if spec.SignalDirection == types.DirectionFlat {
			return invalid("signal trigger cannot wait for a flat signal")
		}
	case KindComposite:
		if spec.Op != OpAnd && spec.Op != OpOr {
			return invalid("composite trigger op must be 'and' or 'or'")
		}
		if len(spec.Children) == 0 {
			return invalid("composite trigger requires children")
		}
		for _, child := range spec.Children {
			if err := Validate(child); err != nil {
				return err
			}
		}
	default:
		return invalid(fmt.Sprintf("unknown trigger kind %q", spec.Kind))
	}
	return nil
}

// WithSymbol fills empty price and signal symbols with symbol
func (s Spec) WithSymbol(symbol string) Spec {
	if (s.Kind == KindPrice || s.Kind == KindSignal) && s.Symbol == "" {
		s.Symbol = symbol
	}
	if len(s.Children) > 0 {
		children := make([]Spec, len(s.Children))
		for i, child := range s.Children {
			children[i] = child.WithSymbol(symbol)
		}
		s.Children = children
	}
	return s
}

// Symbols lists every symbol the trigger reads prices or signals for
func (s Spec) Symbols() []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(Spec)
	walk = func(n Spec) {
		if n.Symbol != "" && !seen[n.Symbol] {
			seen[n.Symbol] = true
			out = append(out, n.Symbol)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(s)
	return out
}

// TimeDriven reports whether any part of the trigger fires on the clock
// alone, without a new price or signal
func (s Spec) TimeDriven() bool {
	if s.Kind == KindTime || s.Kind == KindSchedule {
		return true
	}
	for _, c := range s.Children {
		if c.TimeDriven() {
			return true
		}
	}
	return false
}

// String renders a short human description
func (s Spec) String() string {
	switch s.Kind {
	case KindTime:
		return "at " + s.At.Format(time.RFC3339)
	case KindSchedule:
		if s.Cron != "" {
			return "cron " + s.Cron
		}
		return "every " + s.Every.String()
	case KindPrice:
		return fmt.Sprintf("%s %s %g", s.Symbol, s.Direction, s.Level)
	case KindSignal:
		return fmt.Sprintf("signal %s %s %s", s.Symbol, s.SignalDirection, s.Timeframe)
	case KindComposite:
		parts := make([]string, len(s.Children))
		for i, c := range s.Children {
			parts[i] = c.String()
		}
		return "(" + strings.Join(parts, " "+string(s.Op)+" ") + ")"
	}
	return string(s.Kind)
}

func invalid(msg string) error {
	return engerrors.NewValidationError("trigger", "validate", msg)
}
