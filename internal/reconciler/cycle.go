package reconciler

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/multierr"

	engerrors "github.com/ducminhle1904/strategy-engine/internal/errors"
	"github.com/ducminhle1904/strategy-engine/internal/exchange"
)

// CycleReport summarises one reconciliation pass
type CycleReport struct {
	Started      time.Time
	Duration     time.Duration
	TimedOut     int // Submitted intents moved to Unknown
	Resolved     int // intents whose status changed from venue truth
	Resent       int // Unknown intents returned to Pending after repeated misses
	Accounts     int
	DriftRaised  int
	DriftCleared int
}

// Resolve queries the intent's venue for its order and applies whatever
// the venue reports. An Unknown intent that the venue has no trace of for
// NotFoundLimit consecutive queries goes back to Pending so the same key
// can be resent.
func (r *Reconciler) Resolve(ctx context.Context, key string) (exchange.OrderIntent, error) {
	in, ok := r.Intent(key)
	if !ok {
		return exchange.OrderIntent{}, fmt.Errorf("%w: %s", engerrors.ErrIntentNotFound, key)
	}
	venue, err := r.venue(in.Venue)
	if err != nil {
		return in, err
	}
	orders, err := venue.QueryOrders(ctx, in.Account)
	if err != nil {
		return in, err
	}

	r.mu.Lock()
	cur, ok := r.intents[key]
	if !ok {
		r.mu.Unlock()
		return in, fmt.Errorf("%w: %s", engerrors.ErrIntentNotFound, key)
	}
	events, _, _ := r.matchLocked([]*exchange.OrderIntent{cur}, orders)
	snapshot := *cur
	h := r.handler
	r.mu.Unlock()

	r.dispatch(h, events)
	return snapshot, nil
}

// Cycle runs one reconciliation pass: ack timeouts, order truth, position
// truth, then drift detection against the registered expectations. Query
// failures on one account do not stop the others.
func (r *Reconciler) Cycle(ctx context.Context) (CycleReport, error) {
	r.mu.Lock()
	now := r.now()
	report := CycleReport{Started: now}
	var events []Event

	for _, key := range r.sequence {
		in := r.intents[key]
		if in.Status == exchange.IntentSubmitted && now.Sub(in.SubmittedAt) >= r.cfg.AckTimeout {
			prev := in.Status
			in.Status = exchange.IntentUnknown
			in.UpdatedAt = now
			report.TimedOut++
			r.log.LogIntentTransition(in.Key, in.Symbol, string(prev), string(in.Status), in.FilledSize, in.AvgFillPrice)
			events = append(events, intentEvent(prev, *in))
		}
	}

	live := make(map[accountKey][]*exchange.OrderIntent)
	for _, key := range r.sequence {
		if in := r.intents[key]; in.Status.Live() {
			ak := accountKey{in.Venue, in.Account}
			live[ak] = append(live[ak], in)
		}
	}
	accounts := make(map[accountKey]bool)
	for ak := range live {
		accounts[ak] = true
	}
	for ak := range r.positions {
		accounts[ak] = true
	}
	source := r.expectations
	h := r.handler
	r.mu.Unlock()

	var expected []Expectation
	if source != nil {
		expected = source()
		for _, e := range expected {
			accounts[accountKey{e.Venue, e.Account}] = true
		}
	}

	var errs error
	fetched := make(map[accountKey]bool)
	for _, ak := range sortedAccounts(accounts) {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		venue, err := r.venue(ak.venue)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		report.Accounts++

		if len(live[ak]) > 0 {
			orders, err := venue.QueryOrders(ctx, ak.account)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("query orders %s/%s: %w", ak.venue, ak.account, err))
			} else {
				r.mu.Lock()
				evs, resolved, resent := r.matchLocked(live[ak], orders)
				r.mu.Unlock()
				events = append(events, evs...)
				report.Resolved += resolved
				report.Resent += resent
			}
		}

		r.mu.Lock()
		observed := r.now()
		r.mu.Unlock()
		positions, err := venue.QueryPositions(ctx, ak.account)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("query positions %s/%s: %w", ak.venue, ak.account, err))
			continue
		}
		r.mu.Lock()
		book := make(map[string]exchange.Position, len(positions))
		for _, p := range positions {
			if p.Account == "" {
				p.Account = ak.account
			}
			book[p.Symbol] = p
		}
		r.positions[ak] = book
		r.mu.Unlock()
		fetched[ak] = true
		events = append(events, Event{
			Kind:      EventPositionsUpdated,
			Venue:     ak.venue,
			Account:   ak.account,
			Positions: positions,
			Observed:  observed,
		})
	}

	r.dispatch(h, events)

	// expectations are read again because handlers may have reacted to
	// closed positions
	if source != nil {
		drift := r.detectDrift(source(), fetched)
		for _, ev := range drift {
			if ev.Kind == EventDrift {
				report.DriftRaised++
			} else {
				report.DriftCleared++
			}
		}
		r.dispatch(h, drift)
	}

	report.Duration = r.now().Sub(now)
	return report, errs
}

// matchLocked applies venue orders to the given intents
func (r *Reconciler) matchLocked(intents []*exchange.OrderIntent, orders []exchange.VenueOrder) (events []Event, resolved, resent int) {
	now := r.now()
	for _, in := range intents {
		prev := in.Status
		vo, found := findOrder(orders, in)
		if found {
			if r.applyVenueLocked(in, vo) && in.Status != prev {
				resolved++
			}
			if in.Status != prev || in.Status == exchange.IntentPartiallyFilled {
				events = append(events, intentEvent(prev, *in))
			}
			continue
		}
		if in.Status != exchange.IntentUnknown {
			continue
		}
		in.NotFound++
		if in.NotFound < r.cfg.NotFoundLimit {
			r.log.Debug("Intent %s not visible at venue (%d/%d)", in.Key, in.NotFound, r.cfg.NotFoundLimit)
			continue
		}
		in.Status = exchange.IntentPending
		in.NextRetryAt = now
		in.NotFound = 0
		in.UpdatedAt = now
		resent++
		r.log.LogIntentTransition(in.Key, in.Symbol, string(prev), string(in.Status), in.FilledSize, in.AvgFillPrice)
		events = append(events, intentEvent(prev, *in))
	}
	return events, resolved, resent
}

func findOrder(orders []exchange.VenueOrder, in *exchange.OrderIntent) (exchange.VenueOrder, bool) {
	for _, vo := range orders {
		if exchange.KeyMatches(vo.ClientKey, in.Key) {
			return vo, true
		}
		if in.VenueOrderID != "" && vo.OrderID == in.VenueOrderID {
			return vo, true
		}
	}
	return exchange.VenueOrder{}, false
}

type exposureKey struct {
	venue   string
	account string
	symbol  string
}

func (k exposureKey) String() string {
	return k.venue + "/" + k.account + "/" + k.symbol
}

type aggregate struct {
	size       float64
	entryPrice float64
	strategies []string
}

// detectDrift compares believed exposure with fetched venue positions.
// Missing, reversed or surplus exposure counts, as does an entry price far
// from the single owning strategy's belief. Surplus is tolerated only with
// AllowExcess.
func (r *Reconciler) detectDrift(expected []Expectation, fetched map[accountKey]bool) []Event {
	agg := make(map[exposureKey]*aggregate)
	for _, e := range expected {
		k := exposureKey{e.Venue, e.Account, e.Symbol}
		a, ok := agg[k]
		if !ok {
			a = &aggregate{}
			agg[k] = a
		}
		a.size += e.Size
		a.entryPrice = e.EntryPrice
		a.strategies = append(a.strategies, e.StrategyID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var events []Event
	seen := make(map[string]bool)
	for k, a := range agg {
		id := k.String()
		seen[id] = true
		if !fetched[accountKey{k.venue, k.account}] {
			continue
		}
		actual := r.positions[accountKey{k.venue, k.account}][k.symbol]
		reason := r.mismatch(a, actual)
		if reason == "" {
			r.mismatchCount[id] = 0
			if r.drifting[id] {
				delete(r.drifting, id)
				events = append(events, driftEvent(EventDriftCleared, k, a, actual, ""))
			}
			continue
		}
		r.mismatchCount[id]++
		if r.mismatchCount[id] >= r.cfg.DriftCycles && !r.drifting[id] {
			r.drifting[id] = true
			r.log.Warning("Drift on %s: %s", id, reason)
			events = append(events, driftEvent(EventDrift, k, a, actual, reason))
		}
	}

	// exposure nobody expects any more cannot drift
	for id := range r.mismatchCount {
		if !seen[id] {
			delete(r.mismatchCount, id)
			if r.drifting[id] {
				delete(r.drifting, id)
				k := parseExposureKey(id)
				events = append(events, driftEvent(EventDriftCleared, k, &aggregate{}, exchange.Position{Symbol: k.symbol}, ""))
			}
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Drift.Symbol < events[j].Drift.Symbol })
	return events
}

func (r *Reconciler) mismatch(a *aggregate, actual exchange.Position) string {
	tol := r.cfg.SizeTolerance
	switch {
	case math.Abs(actual.Size-a.size) <= tol:
	case math.Abs(a.size) <= tol:
		if !r.cfg.AllowExcess {
			return fmt.Sprintf("expected flat, venue holds %g", actual.Size)
		}
		return ""
	case math.Abs(actual.Size) <= tol:
		return fmt.Sprintf("expected %g, venue is flat", a.size)
	case math.Signbit(actual.Size) != math.Signbit(a.size):
		return fmt.Sprintf("expected %g, venue holds %g", a.size, actual.Size)
	case math.Abs(actual.Size) < math.Abs(a.size):
		return fmt.Sprintf("expected %g, venue holds only %g", a.size, actual.Size)
	case !r.cfg.AllowExcess:
		return fmt.Sprintf("expected %g, venue holds %g more", a.size, actual.Size-a.size)
	}
	if len(a.strategies) == 1 && a.entryPrice > 0 && actual.AvgEntryPrice > 0 &&
		math.Abs(actual.Size-a.size) <= tol {
		dev := math.Abs(actual.AvgEntryPrice-a.entryPrice) / a.entryPrice
		if dev > r.cfg.PriceTolerance {
			return fmt.Sprintf("entry price %g deviates %.2f%% from expected %g", actual.AvgEntryPrice, dev*100, a.entryPrice)
		}
	}
	return ""
}

// Drifting reports whether exposure on the symbol is currently flagged
func (r *Reconciler) Drifting(venue, account, symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drifting[exposureKey{venue, account, symbol}.String()]
}

func (r *Reconciler) venue(name string) (exchange.Venue, error) {
	v, ok := r.venues[name]
	if !ok {
		return nil, engerrors.NewConfigurationError("reconciler", "venue", "unknown venue "+name)
	}
	return v, nil
}

func (r *Reconciler) dispatch(h Handler, events []Event) {
	if h == nil {
		return
	}
	for _, ev := range events {
		h(ev)
	}
}

func intentEvent(prev exchange.IntentStatus, in exchange.OrderIntent) Event {
	return Event{Kind: EventIntentUpdated, Intent: in, Previous: prev, Venue: in.Venue, Account: in.Account}
}

func driftEvent(kind EventKind, k exposureKey, a *aggregate, actual exchange.Position, reason string) Event {
	strategies := append([]string(nil), a.strategies...)
	sort.Strings(strategies)
	return Event{
		Kind:    kind,
		Venue:   k.venue,
		Account: k.account,
		Drift: Drift{
			StrategyIDs:   strategies,
			Account:       k.account,
			Symbol:        k.symbol,
			Expected:      a.size,
			Actual:        actual.Size,
			ExpectedPrice: a.entryPrice,
			ActualPrice:   actual.AvgEntryPrice,
			Reason:        reason,
		},
	}
}

func parseExposureKey(id string) exposureKey {
	parts := strings.SplitN(id, "/", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	return exposureKey{parts[0], parts[1], parts[2]}
}

func sortedAccounts(set map[accountKey]bool) []accountKey {
	out := make([]accountKey, 0, len(set))
	for ak := range set {
		out = append(out, ak)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].venue != out[j].venue {
			return out[i].venue < out[j].venue
		}
		return out[i].account < out[j].account
	})
	return out
}
