package strategy

import (
	"fmt"

	"github.com/ducminhle1904/strategy-engine/internal/trigger"
)

type scheduledMachine struct{}

func (scheduledMachine) Kind() Kind { return KindScheduled }

func (scheduledMachine) Validate(spec Spec) error {
	p := spec.Scheduled
	if p == nil {
		return invalid("scheduled strategy requires scheduled parameters")
	}
	if err := trigger.Validate(p.Trigger); err != nil {
		return err
	}
	if p.MaxRuns < 0 {
		return invalid("max runs cannot be negative")
	}
	if p.MaxRuns > 1 && p.Trigger.Kind != trigger.KindSchedule && !p.Trigger.Repeat {
		return invalid("repeated runs need a schedule or a repeating trigger")
	}
	return p.Order.Validate()
}

func (scheduledMachine) Init(inst *Instance) {
	if inst.Entry == nil {
		inst.Entry = &OrderState{}
	}
}

// Evaluate submits one order per fired slot and completes once MaxRuns
// orders have filled
func (scheduledMachine) Evaluate(inst *Instance, ev Event) Transition {
	p, st := inst.Scheduled, inst.Entry
	switch ev.Type {
	case EventActivate, EventTick, EventSignal:
		if st.EntryKey == "" {
			return armedEntry(inst, p.Trigger, p.Order, ev)
		}
	case EventIntent:
		if ev.Intent.Key != st.EntryKey {
			return Transition{}
		}
		if t, filled := settleEntry(st, ev.Intent); !filled {
			return t
		}
		st.Runs++
		if st.Runs >= maxRuns(p) {
			return Transition{To: StateCompleted, Reason: fmt.Sprintf("%d scheduled order(s) filled", st.Runs)}
		}
		// wait for the next slot
		st.EntryKey = ""
		st.Filled = false
		return Transition{Reason: fmt.Sprintf("run %d of %d filled", st.Runs, maxRuns(p))}
	}
	return Transition{}
}

// Exposure is zero: a scheduled order places a position and walks away
func (scheduledMachine) Exposure(*Instance) (float64, float64) {
	return 0, 0
}

func maxRuns(p *ScheduledParams) int {
	if p.MaxRuns <= 0 {
		return 1
	}
	return p.MaxRuns
}
