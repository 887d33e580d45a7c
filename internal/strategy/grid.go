package strategy

import (
	"fmt"
	"sort"

	"github.com/ducminhle1904/strategy-engine/internal/exchange"
	"github.com/ducminhle1904/strategy-engine/internal/trigger"
)

type gridMachine struct{}

func (gridMachine) Kind() Kind { return KindGrid }

func (gridMachine) Validate(spec Spec) error {
	p := spec.Grid
	if p == nil {
		return invalid("grid strategy requires grid parameters")
	}
	if len(p.Levels) == 0 {
		return invalid("grid requires at least one level")
	}
	seen := make(map[float64]bool)
	for _, l := range p.Levels {
		if l <= 0 {
			return invalid("grid levels must be positive")
		}
		if seen[l] {
			return invalid(fmt.Sprintf("duplicate grid level %g", l))
		}
		seen[l] = true
	}
	if p.Direction != trigger.CrossAbove && p.Direction != trigger.CrossBelow {
		return invalid("grid direction must be 'above' or 'below'")
	}
	if !p.Side.Valid() {
		return invalid(fmt.Sprintf("invalid grid side %q", p.Side))
	}
	if p.Size <= 0 {
		return invalid("grid size must be positive")
	}
	if p.TakeProfitStep < 0 || p.MaxFilled < 0 {
		return invalid("grid take profit step and max filled cannot be negative")
	}
	return nil
}

// Init lays out the ladder in ascending price order
func (gridMachine) Init(inst *Instance) {
	if inst.Ladder != nil {
		return
	}
	prices := append([]float64(nil), inst.Grid.Levels...)
	sort.Float64s(prices)
	levels := make([]GridLevel, len(prices))
	for i, p := range prices {
		levels[i] = GridLevel{Price: p, Status: LevelEmpty}
	}
	inst.Ladder = &GridState{Levels: levels}
}

func (g gridMachine) Evaluate(inst *Instance, ev Event) Transition {
	switch ev.Type {
	case EventTick:
		return g.onTick(inst, ev)
	case EventIntent:
		return g.onIntent(inst, ev.Intent)
	}
	return Transition{}
}

// onTick opens every Empty level the price crossed since the previous
// tick, in the order the price passed through them
func (gridMachine) onTick(inst *Instance, ev Event) Transition {
	p := inst.Grid
	cur, prev := ev.price(inst.Symbol)
	if cur <= 0 || prev <= 0 {
		return Transition{}
	}

	var crossed []int
	for i, l := range inst.Ladder.Levels {
		if l.Status != LevelEmpty {
			continue
		}
		if p.Direction == trigger.CrossAbove && prev < l.Price && cur >= l.Price ||
			p.Direction == trigger.CrossBelow && prev > l.Price && cur <= l.Price {
			crossed = append(crossed, i)
		}
	}
	if p.Direction == trigger.CrossBelow {
		sort.Sort(sort.Reverse(sort.IntSlice(crossed)))
	}

	var t Transition
	for _, i := range crossed {
		if p.MaxFilled > 0 && openLevels(inst.Ladder) >= p.MaxFilled {
			break
		}
		lvl := &inst.Ladder.Levels[i]
		in := newIntent(inst, exchange.PurposeEntry, i)
		in.Side = p.Side
		in.Kind = exchange.OrderKindMarket
		in.Size = p.Size
		lvl.Status = LevelEntering
		lvl.EntryKey = in.Key
		t.Intents = append(t.Intents, in)
	}
	return t
}

func (gridMachine) onIntent(inst *Instance, in exchange.OrderIntent) Transition {
	p := inst.Grid
	idx := -1
	for i, l := range inst.Ladder.Levels {
		if l.EntryKey == in.Key || l.ExitKey == in.Key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Transition{}
	}
	lvl := &inst.Ladder.Levels[idx]

	if in.Status == exchange.IntentRejected {
		return fault(fmt.Sprintf("grid level %g order rejected: %s", lvl.Price, in.LastError))
	}

	if lvl.EntryKey == in.Key && lvl.Status == LevelEntering {
		switch {
		case in.Status == exchange.IntentFilled,
			in.Status == exchange.IntentCancelled && in.FilledSize > 0:
			lvl.Status = LevelFilled
			lvl.Size = in.FilledSize
			lvl.FillPrice = in.AvgFillPrice
			lvl.Fills++
		case in.Status == exchange.IntentCancelled:
			lvl.Status = LevelEmpty
			lvl.EntryKey = ""
			return Transition{}
		default:
			return Transition{}
		}

		var t Transition
		if p.TakeProfitStep > 0 {
			tp := newIntent(inst, exchange.PurposeTakeProfit, idx)
			tp.Side = p.Side.Opposite()
			tp.Kind = exchange.OrderKindLimit
			tp.Size = lvl.Size
			tp.Price = lvl.Price + p.Side.Sign()*p.TakeProfitStep
			tp.ReduceOnly = true
			lvl.Status = LevelExiting
			lvl.ExitKey = tp.Key
			t.Intents = append(t.Intents, tp)
		}
		if p.MaxFilled > 0 && filledLevels(inst.Ladder) >= p.MaxFilled {
			t.To = StateCompleted
			t.Reason = fmt.Sprintf("%d grid levels filled", p.MaxFilled)
		}
		return t
	}

	if lvl.ExitKey == in.Key && lvl.Status == LevelExiting {
		switch in.Status {
		case exchange.IntentFilled:
			*lvl = GridLevel{Price: lvl.Price, Status: LevelEmpty, Fills: lvl.Fills}
		case exchange.IntentCancelled:
			lvl.Status = LevelFilled
			lvl.ExitKey = ""
		}
	}
	return Transition{}
}

// Exposure sums filled levels that have not been closed by their take profit
func (gridMachine) Exposure(inst *Instance) (float64, float64) {
	if inst.Ladder == nil {
		return 0, 0
	}
	var size, cost float64
	for _, l := range inst.Ladder.Levels {
		if l.Status == LevelFilled || l.Status == LevelExiting {
			size += l.Size
			cost += l.Size * l.FillPrice
		}
	}
	if size == 0 {
		return 0, 0
	}
	return size * inst.Grid.Side.Sign(), cost / size
}

func openLevels(g *GridState) int {
	n := 0
	for _, l := range g.Levels {
		if l.Status != LevelEmpty {
			n++
		}
	}
	return n
}

func filledLevels(g *GridState) int {
	n := 0
	for _, l := range g.Levels {
		if l.Status == LevelFilled || l.Status == LevelExiting {
			n++
		}
	}
	return n
}
