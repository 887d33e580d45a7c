package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ducminhle1904/strategy-engine/internal/exchange"
	"github.com/ducminhle1904/strategy-engine/internal/notifications"
	"github.com/ducminhle1904/strategy-engine/internal/reconciler"
	"github.com/ducminhle1904/strategy-engine/internal/state"
	"github.com/ducminhle1904/strategy-engine/internal/strategy"
	"github.com/ducminhle1904/strategy-engine/internal/trigger"
	"github.com/ducminhle1904/strategy-engine/pkg/types"
)

// effects collects what a locked decision wants done once mu is released
type effects struct {
	submit      []string
	cancel      []string // Pending intents to finalize
	venueCancel []exchange.OrderIntent
	modify      []modifyRequest
	instances   []*strategy.Instance
	intents     []string
	faults      []state.Fault
	notes       []notifications.Notification
	archive     []string
}

type modifyRequest struct {
	strategyID string
	venue      string
	ref        exchange.OrderRef
	stopLoss   float64
	takeProfit float64
}

// HandleTick evaluates every instance watching the tick's symbol. Ticks
// that are not newer than the last one seen for the symbol are dropped.
func (e *Engine) HandleTick(tick types.Tick) {
	if tick.Symbol == "" || tick.Price <= 0 {
		return
	}
	at := tick.Timestamp
	if at.IsZero() {
		at = e.now()
	}

	fx := &effects{}
	e.mu.Lock()
	if last, ok := e.lastTick[tick.Symbol]; ok && !at.After(last) {
		e.mu.Unlock()
		e.log.Debug("Dropping stale tick %s %v at %s", tick.Symbol, tick.Price, at)
		return
	}
	prev := e.prices[tick.Symbol]
	e.prices[tick.Symbol] = tick.Price
	e.lastTick[tick.Symbol] = at

	market := e.marketLocked(at)
	if prev > 0 {
		market.PrevPrices[tick.Symbol] = prev
	} else {
		delete(market.PrevPrices, tick.Symbol)
	}
	for _, sid := range e.order {
		inst := e.instances[sid]
		if !watches(inst, tick.Symbol) || e.blockedLocked(sid) {
			continue
		}
		tr := strategy.Step(inst, strategy.Event{Type: strategy.EventTick, Now: at, Market: market})
		e.applyLocked(inst, tr, fx, false)
	}
	e.mu.Unlock()

	e.metrics.UpdatePrice(tick.Symbol, tick.Price)
	if e.health != nil {
		e.health.RecordTick(tick.Symbol, tick.Price, at)
	}
	e.flush(fx)
}

// HandleSignal records the latest signal for its symbol and evaluates the
// instances that watch it. Older signals never replace newer ones.
func (e *Engine) HandleSignal(sig types.Signal) {
	if sig.Symbol == "" {
		return
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = e.now()
	}

	fx := &effects{}
	e.mu.Lock()
	if last, ok := e.signals[sig.Symbol]; ok && !sig.Timestamp.After(last.Timestamp) {
		e.mu.Unlock()
		return
	}
	e.signals[sig.Symbol] = sig
	market := e.marketLocked(sig.Timestamp)
	for _, sid := range e.order {
		inst := e.instances[sid]
		if !watches(inst, sig.Symbol) || e.blockedLocked(sid) {
			continue
		}
		tr := strategy.Step(inst, strategy.Event{Type: strategy.EventSignal, Now: sig.Timestamp, Market: market})
		e.applyLocked(inst, tr, fx, false)
	}
	e.mu.Unlock()

	e.log.Info("Signal %s %s %s from %s", sig.Symbol, sig.Direction, sig.Timeframe, sig.Source)
	e.flush(fx)
}

// HandleClock evaluates instances whose triggers fire on time alone
func (e *Engine) HandleClock(now time.Time) {
	fx := &effects{}
	e.mu.Lock()
	market := e.marketLocked(now)
	for _, sid := range e.order {
		inst := e.instances[sid]
		spec, ok := inst.TriggerSpec()
		if !ok || !spec.TimeDriven() || e.blockedLocked(sid) {
			continue
		}
		tr := strategy.Step(inst, strategy.Event{Type: strategy.EventTick, Now: now, Market: market})
		e.applyLocked(inst, tr, fx, false)
	}
	e.mu.Unlock()
	e.flush(fx)
}

// marketLocked snapshots the market view with no price movement
func (e *Engine) marketLocked(now time.Time) trigger.Market {
	m := trigger.Market{
		Now:        now,
		Prices:     make(map[string]float64, len(e.prices)),
		PrevPrices: make(map[string]float64, len(e.prices)),
		Signals:    make(map[string]types.Signal, len(e.signals)),
	}
	for s, p := range e.prices {
		m.Prices[s] = p
		m.PrevPrices[s] = p
	}
	for s, sig := range e.signals {
		m.Signals[s] = sig
	}
	return m
}

// watches reports whether symbol is the instance's own or one its trigger reads
func watches(inst *strategy.Instance, symbol string) bool {
	if inst.Symbol == symbol {
		return true
	}
	if spec, ok := inst.TriggerSpec(); ok {
		for _, s := range spec.Symbols() {
			if s == symbol {
				return true
			}
		}
	}
	return false
}

// blockedLocked reports whether an Unknown intent holds the instance back
func (e *Engine) blockedLocked(id string) bool {
	return len(e.unknown[id]) > 0
}

// held instances keep their Pending intents unsubmitted
func held(inst *strategy.Instance) bool {
	return inst.Frozen || inst.Cancel ||
		inst.State == strategy.StateFaulted || inst.State == strategy.StateCancelled
}

// applyLocked tracks new intents, applies the lifecycle move and queues
// persistence. persist forces a save even for an empty transition.
func (e *Engine) applyLocked(inst *strategy.Instance, tr strategy.Transition, fx *effects, persist bool) {
	if tr.Empty() && tr.Reason == "" && !persist {
		return
	}
	now := e.now()

	for _, in := range tr.Intents {
		if err := e.rec.Track(in); err != nil {
			e.log.LogError(fmt.Sprintf("track intent %s of %s", in.Key, inst.ID), err)
			continue
		}
		fx.intents = append(fx.intents, in.Key)
		e.metrics.RecordIntent(in.Venue, in.Symbol, string(in.Purpose))
		e.log.With("strategy_id", inst.ID, "intent_key", in.Key).
			Trade("%s %s %g %s step %d (%s)", in.Side, in.Kind, in.Size, in.Symbol, in.Step, in.Purpose)
	}

	if tr.Modify != nil {
		e.modifyLocked(inst, *tr.Modify, fx)
	}

	if tr.To != "" && tr.To != inst.State {
		prev := inst.State
		if err := inst.SetState(tr.To, tr.Reason, now); err != nil {
			e.log.LogError("strategy transition", err)
		} else {
			e.onStateChangeLocked(inst, prev, fx)
		}
	} else if tr.Reason != "" {
		inst.Reason = tr.Reason
		inst.UpdatedAt = now
	}

	if !held(inst) {
		for _, in := range tr.Intents {
			fx.submit = append(fx.submit, in.Key)
		}
	}
	fx.instances = append(fx.instances, inst.Clone())
}

func (e *Engine) onStateChangeLocked(inst *strategy.Instance, prev strategy.State, fx *effects) {
	log := e.log.With("strategy_id", inst.ID, "symbol", inst.Symbol)
	log.Status("Strategy %s %s -> %s: %s", inst.Kind, prev, inst.State, inst.Reason)

	switch inst.State {
	case strategy.StateFaulted:
		e.metrics.RecordFault(string(inst.Kind))
		fx.faults = append(fx.faults, state.Fault{StrategyID: inst.ID, Kind: "faulted", Message: inst.Reason, Time: e.now()})
		fx.notes = append(fx.notes, e.note(notifications.SeverityCritical, inst,
			fmt.Sprintf("Strategy faulted: %s", inst.Reason)))
	case strategy.StateCompleted:
		fx.notes = append(fx.notes, e.note(notifications.SeverityInfo, inst, "Strategy completed: "+inst.Reason))
		fx.archive = append(fx.archive, inst.ID)
	case strategy.StateCancelled:
		fx.notes = append(fx.notes, e.note(notifications.SeverityInfo, inst, "Strategy cancelled"))
		fx.archive = append(fx.archive, inst.ID)
	}
}

func (e *Engine) note(sev notifications.Severity, inst *strategy.Instance, msg string) notifications.Notification {
	return notifications.Notification{
		Severity: sev,
		Message:  msg,
		Context: map[string]string{
			"strategy_id": inst.ID,
			"kind":        string(inst.Kind),
			"symbol":      inst.Symbol,
			"account":     inst.Account,
		},
		Time: e.now(),
	}
}

// modifyLocked turns a stop move into a venue modify against the entry order
func (e *Engine) modifyLocked(inst *strategy.Instance, m strategy.Modify, fx *effects) {
	if inst.Entry == nil || inst.Entry.EntryKey == "" {
		return
	}
	entry, ok := e.rec.Intent(inst.Entry.EntryKey)
	if !ok {
		return
	}
	fx.modify = append(fx.modify, modifyRequest{
		strategyID: inst.ID,
		venue:      inst.Venue,
		ref:        entry.Ref(),
		stopLoss:   m.StopLoss,
		takeProfit: m.TakeProfit,
	})
}

// onReconcile is the reconciler event handler. It runs in whichever
// goroutine produced the event, never under the reconciler lock.
func (e *Engine) onReconcile(ev reconciler.Event) {
	fx := &effects{}
	e.mu.Lock()
	switch ev.Kind {
	case reconciler.EventIntentUpdated:
		e.onIntentLocked(ev.Intent, fx)
	case reconciler.EventPositionsUpdated:
		e.onPositionsLocked(ev, fx)
	case reconciler.EventDrift:
		e.onDriftLocked(ev.Drift, fx)
	case reconciler.EventDriftCleared:
		e.log.Info("Drift cleared on %s/%s; frozen strategies wait for an explicit resume", ev.Account, ev.Drift.Symbol)
		fx.notes = append(fx.notes, notifications.Notification{
			Severity: notifications.SeverityInfo,
			Message:  fmt.Sprintf("Drift cleared on %s", ev.Drift.Symbol),
			Context:  map[string]string{"account": ev.Account, "venue": ev.Venue},
			Time:     e.now(),
		})
	}
	e.mu.Unlock()
	e.flush(fx)
}

func (e *Engine) onIntentLocked(in exchange.OrderIntent, fx *effects) {
	e.metrics.RecordTransition(string(in.Status))
	fx.intents = append(fx.intents, in.Key)

	set := e.unknown[in.StrategyID]
	if in.Status == exchange.IntentUnknown {
		if set == nil {
			set = make(map[string]bool)
			e.unknown[in.StrategyID] = set
		}
		set[in.Key] = true
	} else if set != nil {
		delete(set, in.Key)
		if len(set) == 0 {
			delete(e.unknown, in.StrategyID)
		}
	}

	inst, ok := e.instances[in.StrategyID]
	if !ok {
		return
	}
	if in.Status == exchange.IntentRejected && in.RiskBlocked {
		e.metrics.RecordRiskBreach(in.Account)
		fx.faults = append(fx.faults, state.Fault{StrategyID: inst.ID, Kind: "risk_breach", Message: in.LastError, Time: e.now()})
		n := e.note(notifications.SeverityWarning, inst, "Order blocked by risk limits: "+in.LastError)
		n.Context["intent_key"] = in.Key
		fx.notes = append(fx.notes, n)
	}

	tr := strategy.Step(inst, strategy.Event{Type: strategy.EventIntent, Now: e.now(), Intent: in})
	e.applyLocked(inst, tr, fx, true)

	if inst.Cancel {
		e.finishCancelLocked(inst, fx)
	}
	if inst.State == strategy.StateCompleted || inst.State == strategy.StateCancelled {
		fx.archive = append(fx.archive, inst.ID)
	}
}

func (e *Engine) onPositionsLocked(ev reconciler.Event, fx *effects) {
	book := make(map[string]exchange.Position, len(ev.Positions))
	for _, p := range ev.Positions {
		book[p.Symbol] = p
	}
	for _, sid := range e.order {
		inst := e.instances[sid]
		if inst.Venue != ev.Venue || inst.Account != ev.Account {
			continue
		}
		pos, ok := book[inst.Symbol]
		if !ok {
			pos = exchange.Position{Account: ev.Account, Symbol: inst.Symbol}
		}
		tr := strategy.Step(inst, strategy.Event{
			Type:     strategy.EventPosition,
			Now:      e.now(),
			Position: pos,
			Observed: ev.Observed,
		})
		e.applyLocked(inst, tr, fx, false)
	}
}

// onDriftLocked freezes every instance sharing the drifting exposure
func (e *Engine) onDriftLocked(d reconciler.Drift, fx *effects) {
	e.metrics.RecordDrift(d.Symbol)
	now := e.now()
	for _, id := range d.StrategyIDs {
		inst, ok := e.instances[id]
		if !ok {
			continue
		}
		if !inst.Frozen {
			inst.Frozen = true
			inst.Reason = "drift: " + d.Reason
			inst.UpdatedAt = now
			fx.instances = append(fx.instances, inst.Clone())
		}
		fx.faults = append(fx.faults, state.Fault{StrategyID: id, Kind: "drift", Message: d.Reason, Time: now})
	}
	fx.notes = append(fx.notes, notifications.Notification{
		Severity: notifications.SeverityCritical,
		Message:  fmt.Sprintf("Position drift on %s: %s", d.Symbol, d.Reason),
		Context: map[string]string{
			"account":    d.Account,
			"symbol":     d.Symbol,
			"strategies": strings.Join(d.StrategyIDs, ","),
			"expected":   fmt.Sprintf("%g", d.Expected),
			"actual":     fmt.Sprintf("%g", d.Actual),
		},
		Time: now,
	})
}

// finishCancelLocked drives a cooperative cancel: Pending intents are
// finalized, resting orders are cancelled at the venue, and the instance
// becomes Cancelled once nothing it issued can still change.
func (e *Engine) finishCancelLocked(inst *strategy.Instance, fx *effects) {
	if inst.State == strategy.StateCancelled || inst.State == strategy.StateCompleted {
		return
	}
	waiting := false
	for _, in := range e.rec.IntentsFor(inst.ID) {
		switch {
		case in.Status == exchange.IntentPending:
			fx.cancel = append(fx.cancel, in.Key)
			waiting = true
		case in.Status == exchange.IntentAcknowledged || in.Status == exchange.IntentPartiallyFilled:
			if !e.cancelSent[in.Key] {
				e.cancelSent[in.Key] = true
				fx.venueCancel = append(fx.venueCancel, in)
			}
			waiting = true
		case in.Status.Live():
			waiting = true
		}
	}
	if waiting {
		return
	}
	prev := inst.State
	if err := inst.SetState(strategy.StateCancelled, "cancelled", e.now()); err != nil {
		e.log.LogError("cancel strategy", err)
		return
	}
	e.onStateChangeLocked(inst, prev, fx)
	fx.instances = append(fx.instances, inst.Clone())
}

// expectations reports what every instance believes it holds
func (e *Engine) expectations() []reconciler.Expectation {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []reconciler.Expectation
	for _, sid := range e.order {
		inst := e.instances[sid]
		size, entry := strategy.Exposure(inst)
		if size == 0 {
			continue
		}
		out = append(out, reconciler.Expectation{
			StrategyID: inst.ID,
			Venue:      inst.Venue,
			Account:    inst.Account,
			Symbol:     inst.Symbol,
			Size:       size,
			EntryPrice: entry,
		})
	}
	return out
}

// flush performs the side effects of a locked decision
func (e *Engine) flush(fx *effects) {
	if e.store != nil {
		ctx := context.Background()
		for _, inst := range fx.instances {
			if err := e.store.SaveStrategy(ctx, inst); err != nil {
				e.log.LogError("persist strategy", err)
			}
		}
		for _, key := range fx.intents {
			if in, ok := e.rec.Intent(key); ok {
				e.persistIntent(in)
			}
		}
		for _, f := range fx.faults {
			if err := e.store.RecordFault(ctx, f); err != nil {
				e.log.LogError("record fault", err)
			}
		}
	}

	for _, n := range fx.notes {
		e.sink.Publish(n)
	}

	for _, key := range fx.cancel {
		e.rec.CancelPending(key)
	}
	for _, in := range fx.venueCancel {
		in := in
		e.dispatch(func(ctx context.Context) { e.cancelAtVenue(ctx, in) })
	}
	for _, m := range fx.modify {
		m := m
		e.dispatch(func(ctx context.Context) { e.modifyAtVenue(ctx, m) })
	}
	for _, key := range fx.submit {
		key := key
		e.dispatch(func(ctx context.Context) { e.submit(ctx, key) })
	}
	for _, id := range fx.archive {
		e.archive(id)
	}
}

func (e *Engine) persistIntent(in exchange.OrderIntent) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveIntent(context.Background(), in); err != nil {
		e.log.LogError("persist intent", err)
	}
}

// archive drops a finished instance from memory once everything it issued
// is final. Without a store it stays in memory so snapshots keep working.
func (e *Engine) archive(id string) {
	if e.store == nil {
		return
	}
	e.mu.Lock()
	inst, ok := e.instances[id]
	if !ok || (inst.State != strategy.StateCompleted && inst.State != strategy.StateCancelled) {
		e.mu.Unlock()
		return
	}
	for _, in := range e.rec.IntentsFor(id) {
		if !in.Status.Terminal() {
			e.mu.Unlock()
			return
		}
	}
	delete(e.instances, id)
	delete(e.unknown, id)
	for i, o := range e.order {
		if o == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	e.rec.Forget(id)
	e.log.Debug("Archived strategy %s", id)
}
