package orchestrator

import (
	"context"
	"fmt"
	"time"

	engerrors "github.com/ducminhle1904/strategy-engine/internal/errors"
	"github.com/ducminhle1904/strategy-engine/internal/exchange"
	"github.com/ducminhle1904/strategy-engine/internal/reconciler"
	"github.com/ducminhle1904/strategy-engine/internal/risk"
	"github.com/ducminhle1904/strategy-engine/internal/strategy"
	"github.com/ducminhle1904/strategy-engine/pkg/id"
	"github.com/ducminhle1904/strategy-engine/pkg/types"
)

// CreateStrategy validates spec, activates the instance against the
// current market view and returns its id
func (e *Engine) CreateStrategy(ctx context.Context, spec strategy.Spec) (string, error) {
	if _, err := e.venue(spec.Venue); err != nil {
		return "", engerrors.NewValidationError("orchestrator", "create_strategy", "unknown venue "+spec.Venue)
	}
	if spec.Account == "" {
		spec.Account = e.defaultAccount(spec.Venue)
	}
	if spec.Account == "" {
		return "", engerrors.NewValidationError("orchestrator", "create_strategy", "account is required")
	}

	now := e.now()
	inst, err := strategy.NewInstance(id.NewAt(now), spec, now)
	if err != nil {
		return "", err
	}

	fx := &effects{}
	e.mu.Lock()
	e.instances[inst.ID] = inst
	e.order = append(e.order, inst.ID)
	inst.LastPrice = e.prices[inst.Symbol]
	tr := strategy.Step(inst, strategy.Event{Type: strategy.EventActivate, Now: now, Market: e.marketLocked(now)})
	e.applyLocked(inst, tr, fx, true)
	e.mu.Unlock()

	e.log.With("strategy_id", inst.ID, "symbol", inst.Symbol).
		Status("Created %s strategy on %s/%s", inst.Kind, inst.Venue, inst.Account)
	e.flush(fx)
	return inst.ID, nil
}

// CancelStrategy stops an instance from issuing new orders. It becomes
// Cancelled once every order it issued has a definite outcome; until then
// the snapshot shows the cancel as requested.
func (e *Engine) CancelStrategy(ctx context.Context, strategyID string) error {
	fx := &effects{}
	e.mu.Lock()
	inst, ok := e.instances[strategyID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", engerrors.ErrStrategyNotFound, strategyID)
	}
	if inst.State == strategy.StateCompleted || inst.State == strategy.StateCancelled {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is already %s", engerrors.ErrInvalidTransition, strategyID, inst.State)
	}
	if !inst.Cancel {
		inst.Cancel = true
		inst.UpdatedAt = e.now()
		fx.instances = append(fx.instances, inst.Clone())
	}
	e.finishCancelLocked(inst, fx)
	e.mu.Unlock()

	e.log.With("strategy_id", strategyID).Status("Cancel requested")
	e.flush(fx)
	return nil
}

// ResumeStrategy returns a Faulted or drift-frozen instance to Active and
// submits whatever it issued while held
func (e *Engine) ResumeStrategy(ctx context.Context, strategyID string) error {
	fx := &effects{}
	e.mu.Lock()
	inst, ok := e.instances[strategyID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", engerrors.ErrStrategyNotFound, strategyID)
	}
	if inst.Cancel {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is being cancelled", engerrors.ErrInvalidTransition, strategyID)
	}
	if err := strategy.Resume(inst, e.now()); err != nil {
		e.mu.Unlock()
		return err
	}
	for _, in := range e.rec.IntentsFor(strategyID) {
		if in.Status == exchange.IntentPending {
			fx.submit = append(fx.submit, in.Key)
		}
	}
	fx.instances = append(fx.instances, inst.Clone())
	drifting := e.rec.Drifting(inst.Venue, inst.Account, inst.Symbol)
	e.mu.Unlock()

	log := e.log.With("strategy_id", strategyID)
	if drifting {
		log.Warning("Resumed while %s exposure is still drifting", inst.Symbol)
	}
	log.Status("Strategy resumed")
	e.flush(fx)
	return nil
}

// GetStrategyState returns a snapshot of a live or archived instance
func (e *Engine) GetStrategyState(strategyID string) (strategy.Snapshot, error) {
	e.mu.Lock()
	inst, ok := e.instances[strategyID]
	if ok {
		snap := e.snapshotLocked(inst)
		e.mu.Unlock()
		return snap, nil
	}
	e.mu.Unlock()

	if e.store == nil {
		return strategy.Snapshot{}, fmt.Errorf("%w: %s", engerrors.ErrStrategyNotFound, strategyID)
	}
	ctx := context.Background()
	archived, err := e.store.LoadStrategy(ctx, strategyID)
	if err != nil {
		return strategy.Snapshot{}, err
	}
	intents, err := e.store.IntentsFor(ctx, strategyID)
	if err != nil {
		return strategy.Snapshot{}, err
	}
	return strategy.Snapshot{Instance: archived, Intents: intents}, nil
}

// ListStrategies returns snapshots of every instance held in memory
func (e *Engine) ListStrategies() []strategy.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]strategy.Snapshot, 0, len(e.order))
	for _, sid := range e.order {
		out = append(out, e.snapshotLocked(e.instances[sid]))
	}
	return out
}

func (e *Engine) snapshotLocked(inst *strategy.Instance) strategy.Snapshot {
	size, entry := strategy.Exposure(inst)
	return strategy.Snapshot{
		Instance:   inst.Clone(),
		Intents:    e.rec.IntentsFor(inst.ID),
		Exposure:   size,
		EntryPrice: entry,
	}
}

// ComputeRiskPreview sizes a hypothetical order from live equity
func (e *Engine) ComputeRiskPreview(ctx context.Context, account, symbol string, riskPercent, stopDistance float64) (float64, error) {
	_, venue, err := e.venueFor(account)
	if err != nil {
		return 0, err
	}
	equity, err := e.equity(ctx, venue, account)
	if err != nil {
		return 0, err
	}
	spec, err := e.contract(ctx, venue, symbol)
	if err != nil {
		return 0, err
	}
	return risk.PositionSize(equity, riskPercent, stopDistance, spec)
}

// GetPortfolioRisk aggregates the account's venue positions and live
// orders against the configured ceiling
func (e *Engine) GetPortfolioRisk(ctx context.Context, account string) (risk.Snapshot, error) {
	name, venue, err := e.venueFor(account)
	if err != nil {
		return risk.Snapshot{}, err
	}
	snap, err := e.portfolio(ctx, name, venue, account, "")
	if err != nil {
		return risk.Snapshot{}, err
	}
	if err := e.suggestSizes(ctx, name, venue, &snap); err != nil {
		return risk.Snapshot{}, err
	}
	return snap, nil
}

// Restore reloads non-archived instances and their intents from the
// store. Intents caught mid-submission come back as Unknown so the venue
// is asked before anything is resent.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	instances, err := e.store.ListActive(ctx)
	if err != nil {
		return engerrors.NewStateError("orchestrator", "restore", err)
	}

	var pending []string
	fx := &effects{}
	for _, inst := range instances {
		intents, err := e.store.IntentsFor(ctx, inst.ID)
		if err != nil {
			return engerrors.NewStateError("orchestrator", "restore", err)
		}
		for i := range intents {
			if intents[i].Status == exchange.IntentSubmitted {
				intents[i].Status = exchange.IntentUnknown
			}
		}
		e.rec.Restore(intents)

		e.mu.Lock()
		if _, exists := e.instances[inst.ID]; !exists {
			e.instances[inst.ID] = inst
			e.order = append(e.order, inst.ID)
		}
		for _, in := range intents {
			switch in.Status {
			case exchange.IntentUnknown:
				if e.unknown[inst.ID] == nil {
					e.unknown[inst.ID] = make(map[string]bool)
				}
				e.unknown[inst.ID][in.Key] = true
			case exchange.IntentPending:
				if !held(inst) {
					pending = append(pending, in.Key)
				}
			}
		}
		if inst.Cancel {
			e.finishCancelLocked(inst, fx)
		}
		e.mu.Unlock()
	}

	e.log.Status("Restored %d strategies", len(instances))
	e.flush(fx)
	for _, key := range pending {
		key := key
		e.dispatch(func(ctx context.Context) { e.submit(ctx, key) })
	}
	return nil
}

// ProcessRetries resubmits Pending intents whose backoff has elapsed
func (e *Engine) ProcessRetries(ctx context.Context) int {
	due := e.rec.DueRetries(e.now())
	for _, in := range due {
		e.metrics.RecordRetry(in.Venue)
		key := in.Key
		e.dispatch(func(ctx context.Context) { e.submit(ctx, key) })
	}
	return len(due)
}

// Reconcile runs one reconciliation cycle and then due retries
func (e *Engine) Reconcile(ctx context.Context) (reconciler.CycleReport, error) {
	report, err := e.rec.Cycle(ctx)
	e.metrics.ObserveReconcile(report.Duration)
	if e.health != nil {
		e.health.RecordReconcile(e.now(), err)
	}
	if err != nil {
		e.metrics.RecordError(string(engerrors.Categorize(err)))
		e.log.LogError("reconcile", err)
	}
	if report.TimedOut > 0 || report.Resent > 0 || report.DriftRaised > 0 {
		e.log.Info("Reconcile: %d timed out, %d resolved, %d resent, %d drift raised, %d cleared",
			report.TimedOut, report.Resolved, report.Resent, report.DriftRaised, report.DriftCleared)
	}
	e.updateGauges()
	e.ProcessRetries(ctx)
	return report, err
}

func (e *Engine) updateGauges() {
	if e.metrics == nil {
		return
	}
	counts := make(map[[2]string]int)
	e.mu.Lock()
	for _, sid := range e.order {
		inst := e.instances[sid]
		counts[[2]string{string(inst.Kind), string(inst.State)}]++
	}
	e.mu.Unlock()
	e.metrics.SetStrategies(counts)
}

// Run consumes ticks and signals until ctx ends. Reconciliation and
// retries run on their own goroutine so slow venues never delay
// evaluation.
func (e *Engine) Run(ctx context.Context, ticks <-chan types.Tick, signals <-chan types.Signal) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.reconcileLoop(ctx)
	}()

	clock := time.NewTicker(e.cfg.ClockInterval)
	defer clock.Stop()

	for {
		select {
		case <-ctx.Done():
			<-done
			return nil
		case t, ok := <-ticks:
			if !ok {
				ticks = nil
				continue
			}
			e.HandleTick(t)
		case s, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			e.HandleSignal(s)
		case <-clock.C:
			e.HandleClock(e.now())
		}
	}
}

func (e *Engine) reconcileLoop(ctx context.Context) {
	reconcile := time.NewTicker(e.cfg.ReconcileInterval)
	defer reconcile.Stop()
	retry := time.NewTicker(e.cfg.RetryInterval)
	defer retry.Stop()

	e.Reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-reconcile.C:
			e.Reconcile(ctx)
		case <-retry.C:
			e.ProcessRetries(ctx)
		}
	}
}
