package orchestrator

import (
	"context"
	"errors"
	"fmt"

	engerrors "github.com/ducminhle1904/strategy-engine/internal/errors"
	"github.com/ducminhle1904/strategy-engine/internal/exchange"
	"github.com/ducminhle1904/strategy-engine/internal/risk"
)

// attempt is the outcome of one pass through the account lock
type attempt struct {
	ack     *exchange.VenueAck
	err     error
	sent    exchange.OrderIntent
	skipped bool
}

// submit sends a Pending intent. An intent that was attempted before is
// first looked up at the venue, so a resend never follows an accepted
// order whatever the adapter's own dedupe does.
func (e *Engine) submit(ctx context.Context, key string) {
	if !e.claim(key) {
		return
	}
	defer e.release(key)

	in, ok := e.rec.Intent(key)
	if !ok || in.Status != exchange.IntentPending || e.isHeld(in.StrategyID) {
		return
	}

	if in.Attempts > 0 {
		resolved, err := e.rec.Resolve(ctx, key)
		if err != nil {
			// venue history is unknown; back off instead of resending blind
			e.failBeforeVenue(key, engerrors.WrapError(err, engerrors.ErrorCategoryTransient, "orchestrator", "resolve").
				WithMessage("order history unavailable"))
			return
		}
		if resolved.Status != exchange.IntentPending {
			e.log.Info("Intent %s already known to the venue as %s, not resending", key, resolved.Status)
			return
		}
		in = resolved
	}

	res := e.send(ctx, in)
	if res.skipped {
		return
	}
	if res.err != nil {
		cat := engerrors.Categorize(res.err)
		e.metrics.RecordError(string(cat))
		e.log.With("intent_key", key, "venue", in.Venue).
			Warning("Submit %s %s failed (%s): %v", in.Symbol, in.Side, cat, res.err)
		if _, err := e.rec.RecordFailure(key, res.err); err != nil {
			e.log.LogError("record failure", err)
		}
		return
	}
	e.metrics.RecordSubmit(res.sent.Symbol, res.sent.Size)
	if _, err := e.rec.RecordAck(key, res.ack); err != nil {
		e.log.LogError("record ack", err)
	}
}

// send runs size resolution, the exposure check and the venue call under
// the account lock. Outcomes are recorded by the caller after the lock is
// released because recording re-enters the engine.
func (e *Engine) send(ctx context.Context, in exchange.OrderIntent) attempt {
	venue, err := e.venue(in.Venue)
	if err != nil {
		if _, berr := e.rec.BeginSubmit(in.Key); berr != nil {
			return attempt{skipped: true}
		}
		return attempt{err: err}
	}

	lock := e.accountLock(in.Venue, in.Account)
	lock.Lock()
	defer lock.Unlock()

	if err := e.prepare(ctx, venue, &in); err != nil {
		if _, berr := e.rec.BeginSubmit(in.Key); berr != nil {
			return attempt{skipped: true}
		}
		return attempt{err: err}
	}

	sent, err := e.rec.BeginSubmit(in.Key)
	if err != nil {
		// cancelled or settled while waiting for the lock
		return attempt{skipped: true}
	}
	// a crash from here on restores the intent as Submitted, then Unknown
	e.persistIntent(sent)

	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	ack, err := venue.Submit(callCtx, sent)
	switch {
	case err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
		err = exchange.WithVenue(exchange.ErrCallTimeout, in.Venue, err)
	case err == nil && ack == nil:
		err = exchange.NewUnknown(in.Venue, "NO_ACK", "venue returned no acknowledgement", nil)
	}
	return attempt{ack: ack, err: err, sent: sent}
}

// prepare resolves risk-based size and checks aggregate exposure
func (e *Engine) prepare(ctx context.Context, venue exchange.Venue, in *exchange.OrderIntent) error {
	if in.Size <= 0 && in.RiskPercent > 0 {
		equity, err := e.equity(ctx, venue, in.Account)
		if err != nil {
			return err
		}
		spec, err := e.contract(ctx, venue, in.Symbol)
		if err != nil {
			return err
		}
		size, err := risk.PositionSize(equity, in.RiskPercent, in.StopDistance, spec)
		if err != nil {
			return err
		}
		if err := e.rec.UpdateSize(in.Key, size); err != nil {
			return err
		}
		in.Size = size
	}

	if e.cfg.RiskCeiling <= 0 || in.ReduceOnly {
		return nil
	}
	snap, err := e.portfolio(ctx, in.Venue, venue, in.Account, in.Key)
	if err != nil {
		return err
	}
	price, err := e.referencePrice(ctx, venue, in.Symbol)
	if err != nil {
		return err
	}
	spec, err := e.contract(ctx, venue, in.Symbol)
	if err != nil {
		return err
	}
	notional := in.Notional(price) * contractValue(spec)
	if err := risk.CheckOrder(snap, notional); err != nil {
		return err
	}
	return nil
}

func (e *Engine) equity(ctx context.Context, venue exchange.Venue, account string) (float64, error) {
	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	equity, err := venue.Equity(callCtx, account)
	if err != nil {
		return 0, engerrors.WrapError(err, engerrors.ErrorCategoryTransient, "orchestrator", "equity").
			WithContext("account", account)
	}
	return equity, nil
}

// portfolio computes the account's risk snapshot from fresh venue
// positions plus the remaining notional of live intents other than skip
func (e *Engine) portfolio(ctx context.Context, venueName string, venue exchange.Venue, account, skip string) (risk.Snapshot, error) {
	equity, err := e.equity(ctx, venue, account)
	if err != nil {
		return risk.Snapshot{}, err
	}
	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	positions, err := venue.QueryPositions(callCtx, account)
	if err != nil {
		return risk.Snapshot{}, engerrors.WrapError(err, engerrors.ErrorCategoryTransient, "orchestrator", "positions").
			WithContext("account", account)
	}

	exposures := make([]risk.Exposure, 0, len(positions))
	for _, p := range positions {
		price := p.MarkPrice
		if price == 0 {
			price = p.AvgEntryPrice
		}
		exposures = append(exposures, risk.Exposure{
			Symbol:        p.Symbol,
			Size:          p.Size,
			Price:         price,
			ContractValue: p.ContractValue,
		})
	}
	snap := risk.PortfolioRisk(exposures, equity, e.cfg.RiskCeiling)
	snap.Account = account

	pending, err := e.pendingExposure(ctx, venueName, venue, account, skip)
	if err != nil {
		return risk.Snapshot{}, err
	}
	snap = risk.WithPending(snap, pending)
	e.metrics.SetAggregateRisk(account, snap.AggregateRiskPercent)
	return snap, nil
}

// pendingExposure sums the unfilled notional of intents live at the venue.
// Reduce-only orders shrink exposure and are left out.
func (e *Engine) pendingExposure(ctx context.Context, venueName string, venue exchange.Venue, account, skip string) (float64, error) {
	var total float64
	values := make(map[string]float64)
	for _, in := range e.rec.All() {
		if in.Key == skip || in.ReduceOnly || !in.Status.Live() || in.Venue != venueName || in.Account != account {
			continue
		}
		price := in.Price
		if price <= 0 {
			ref, err := e.referencePrice(ctx, venue, in.Symbol)
			if err != nil {
				return 0, err
			}
			price = ref
		}
		cv, ok := values[in.Symbol]
		if !ok {
			spec, err := e.contract(ctx, venue, in.Symbol)
			if err != nil {
				return 0, err
			}
			cv = contractValue(spec)
			values[in.Symbol] = cv
		}
		total += in.Notional(price) * cv
	}
	return total, nil
}

// suggestSizes fills the largest order that still fits for every symbol
// the account holds or trades
func (e *Engine) suggestSizes(ctx context.Context, venueName string, venue exchange.Venue, snap *risk.Snapshot) error {
	if snap.Ceiling <= 0 {
		return nil
	}
	symbols := make(map[string]bool)
	for sym := range snap.PerSymbolExposure {
		symbols[sym] = true
	}
	e.mu.Lock()
	for _, inst := range e.instances {
		if inst.Venue == venueName && inst.Account == snap.Account {
			symbols[inst.Symbol] = true
		}
	}
	e.mu.Unlock()

	snap.SuggestedSize = make(map[string]float64, len(symbols))
	for sym := range symbols {
		price, err := e.referencePrice(ctx, venue, sym)
		if err != nil {
			return err
		}
		spec, err := e.contract(ctx, venue, sym)
		if err != nil {
			return err
		}
		snap.SuggestedSize[sym] = risk.SuggestSize(*snap, price, spec)
	}
	return nil
}

// contract returns sizing limits for symbol, preferring configured ones
func (e *Engine) contract(ctx context.Context, venue exchange.Venue, symbol string) (risk.ContractSpec, error) {
	if spec, ok := e.cfg.Contracts[symbol]; ok {
		spec.Symbol = symbol
		return spec, nil
	}
	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	c, err := venue.Constraints(callCtx, symbol)
	if err != nil {
		return risk.ContractSpec{}, engerrors.WrapError(err, engerrors.ErrorCategoryTransient, "orchestrator", "constraints").
			WithContext("symbol", symbol)
	}
	return risk.ContractSpec{
		Symbol:        symbol,
		ContractValue: c.ContractValue,
		MinSize:       c.MinOrderQty,
		MaxSize:       c.MaxOrderQty,
		SizeStep:      c.QtyStep,
	}, nil
}

// referencePrice prefers the last tick and falls back to a venue quote
func (e *Engine) referencePrice(ctx context.Context, venue exchange.Venue, symbol string) (float64, error) {
	e.mu.Lock()
	price := e.prices[symbol]
	e.mu.Unlock()
	if price > 0 {
		return price, nil
	}
	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	q, err := venue.LatestPrice(callCtx, symbol)
	if err != nil || q.Price <= 0 {
		return 0, engerrors.WrapError(fmt.Errorf("no price for %s: %v", symbol, err), engerrors.ErrorCategoryTransient, "orchestrator", "reference_price")
	}
	return q.Price, nil
}

func contractValue(spec risk.ContractSpec) float64 {
	if spec.ContractValue <= 0 {
		return 1
	}
	return spec.ContractValue
}

// failBeforeVenue records a failed attempt that never reached the venue
func (e *Engine) failBeforeVenue(key string, err error) {
	if _, berr := e.rec.BeginSubmit(key); berr != nil {
		return
	}
	e.log.With("intent_key", key).Warning("Submission blocked: %v", err)
	if _, rerr := e.rec.RecordFailure(key, err); rerr != nil {
		e.log.LogError("record failure", rerr)
	}
}

func (e *Engine) isHeld(strategyID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[strategyID]
	return ok && held(inst)
}

// cancelAtVenue cancels a resting order and pulls its new status at once
func (e *Engine) cancelAtVenue(ctx context.Context, in exchange.OrderIntent) {
	venue, err := e.venue(in.Venue)
	if err != nil {
		e.log.LogError("cancel order", err)
		return
	}
	callCtx, cancel := e.callContext(ctx)
	err = venue.Cancel(callCtx, in.Ref())
	cancel()
	if err != nil {
		e.log.With("intent_key", in.Key).Warning("Cancel at %s failed: %v", in.Venue, err)
		e.mu.Lock()
		delete(e.cancelSent, in.Key)
		e.mu.Unlock()
		return
	}
	if _, err := e.rec.Resolve(ctx, in.Key); err != nil {
		e.log.Debug("Resolve after cancel of %s: %v", in.Key, err)
	}
}

// modifyAtVenue pushes a moved stop. A failure leaves the previous stop at
// the venue; the next ratchet sends the newer level.
func (e *Engine) modifyAtVenue(ctx context.Context, m modifyRequest) {
	venue, err := e.venue(m.venue)
	if err != nil {
		e.log.LogError("modify order", err)
		return
	}
	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	if err := venue.Modify(callCtx, m.ref, m.stopLoss, m.takeProfit); err != nil {
		e.metrics.RecordError(string(engerrors.Categorize(err)))
		e.log.With("strategy_id", m.strategyID, "symbol", m.ref.Symbol).
			Warning("Moving stop to %g failed: %v", m.stopLoss, err)
		return
	}
	e.log.With("strategy_id", m.strategyID).Trade("Stop for %s moved to %g", m.ref.Symbol, m.stopLoss)
}
