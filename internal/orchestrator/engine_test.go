package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engerrors "github.com/ducminhle1904/strategy-engine/internal/errors"
	"github.com/ducminhle1904/strategy-engine/internal/exchange"
	"github.com/ducminhle1904/strategy-engine/internal/exchange/paper"
	"github.com/ducminhle1904/strategy-engine/internal/notifications"
	"github.com/ducminhle1904/strategy-engine/internal/reconciler"
	"github.com/ducminhle1904/strategy-engine/internal/risk"
	"github.com/ducminhle1904/strategy-engine/internal/state"
	"github.com/ducminhle1904/strategy-engine/internal/strategy"
	"github.com/ducminhle1904/strategy-engine/internal/trigger"
	"github.com/ducminhle1904/strategy-engine/pkg/types"
)

const symbol = "BTCUSDT"

var t0 = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSink struct {
	mu    sync.Mutex
	notes []notifications.Notification
}

func (s *recordingSink) Publish(n notifications.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, n)
}

func (s *recordingSink) count(sev notifications.Severity) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, note := range s.notes {
		if note.Severity == sev {
			n++
		}
	}
	return n
}

// memStore keeps clones so the engine never shares memory with it
type memStore struct {
	mu         sync.Mutex
	strategies map[string]*strategy.Instance
	intents    map[string]exchange.OrderIntent
	faults     []state.Fault
}

func newMemStore() *memStore {
	return &memStore{
		strategies: make(map[string]*strategy.Instance),
		intents:    make(map[string]exchange.OrderIntent),
	}
}

func (s *memStore) SaveStrategy(_ context.Context, inst *strategy.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategies[inst.ID] = inst.Clone()
	return nil
}

func (s *memStore) LoadStrategy(_ context.Context, id string) (*strategy.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.strategies[id]
	if !ok {
		return nil, engerrors.ErrStrategyNotFound
	}
	return inst.Clone(), nil
}

func (s *memStore) ListActive(_ context.Context) ([]*strategy.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*strategy.Instance
	for _, inst := range s.strategies {
		if inst.State != strategy.StateCompleted && inst.State != strategy.StateCancelled {
			out = append(out, inst.Clone())
		}
	}
	return out, nil
}

func (s *memStore) ListStrategies(_ context.Context) ([]*strategy.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*strategy.Instance
	for _, inst := range s.strategies {
		out = append(out, inst.Clone())
	}
	return out, nil
}

func (s *memStore) SaveIntent(_ context.Context, in exchange.OrderIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[in.Key] = in
	return nil
}

func (s *memStore) IntentsFor(_ context.Context, strategyID string) ([]exchange.OrderIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []exchange.OrderIntent
	for _, in := range s.intents {
		if in.StrategyID == strategyID {
			out = append(out, in)
		}
	}
	return out, nil
}

func (s *memStore) RecordFault(_ context.Context, f state.Fault) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, f)
	return nil
}

func (s *memStore) Faults(_ context.Context, strategyID string) ([]state.Fault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []state.Fault
	for _, f := range s.faults {
		if f.StrategyID == strategyID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

type harness struct {
	t      *testing.T
	ctx    context.Context
	clock  *fakeClock
	venue  *paper.Venue
	sink   *recordingSink
	engine *Engine
}

func newHarness(t *testing.T, cfg Config, store state.Store) *harness {
	t.Helper()
	clock := &fakeClock{now: t0}
	venue := paper.New(paper.Options{Name: "paper", Equity: 10000, Clock: clock.Now})
	sink := &recordingSink{}

	rc := reconciler.DefaultConfig()
	rc.NotFoundLimit = 1
	rc.RetryMax = 4 * time.Second

	e, err := New(Options{
		Config:    cfg,
		Venues:    map[string]exchange.Venue{"paper": venue},
		Accounts:  map[string]string{"acct": "paper"},
		Reconcile: rc,
		Store:     store,
		Sink:      sink,
		Clock:     clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return &harness{t: t, ctx: context.Background(), clock: clock, venue: venue, sink: sink, engine: e}
}

// tick moves the clock and the venue price, then feeds the engine
func (h *harness) tick(price float64) {
	h.clock.Advance(time.Second)
	h.venue.SetPrice(symbol, price)
	h.engine.HandleTick(types.Tick{Symbol: symbol, Price: price, Timestamp: h.clock.Now()})
}

func (h *harness) create(spec strategy.Spec) string {
	h.t.Helper()
	if spec.Symbol == "" {
		spec.Symbol = symbol
	}
	spec.Venue = "paper"
	sid, err := h.engine.CreateStrategy(h.ctx, spec)
	require.NoError(h.t, err)
	return sid
}

func (h *harness) snapshot(sid string) strategy.Snapshot {
	h.t.Helper()
	snap, err := h.engine.GetStrategyState(sid)
	require.NoError(h.t, err)
	return snap
}

func (h *harness) reconcile() reconciler.CycleReport {
	h.t.Helper()
	h.clock.Advance(time.Second)
	report, err := h.engine.Reconcile(h.ctx)
	require.NoError(h.t, err)
	return report
}

func gridSpec(tpStep float64, levels ...float64) strategy.Spec {
	return strategy.Spec{
		Kind: strategy.KindGrid,
		Grid: &strategy.GridParams{
			Levels: levels, Direction: trigger.CrossAbove, Side: types.SideBuy, Size: 1, TakeProfitStep: tpStep,
		},
	}
}

func scheduledSpec(order strategy.OrderTemplate) strategy.Spec {
	return strategy.Spec{
		Kind: strategy.KindScheduled,
		Scheduled: &strategy.ScheduledParams{
			Trigger: trigger.Spec{Kind: trigger.KindTime, At: t0},
			Order:   order,
		},
	}
}

func martingaleSpec(maxSteps int) strategy.Spec {
	return strategy.Spec{
		Kind: strategy.KindMartingale,
		Martingale: &strategy.MartingaleParams{
			Side: types.SideBuy, BaseSize: 1, Multiplier: 2, MaxSteps: maxSteps,
			StopLossDistance: 5, TakeProfitDistance: 10,
		},
	}
}

// stopOut drops the price through the martingale stop and lets the next
// cycle observe the closed position
func (h *harness) stopOut() {
	h.t.Helper()
	h.tick(94)
	h.reconcile()
}

func sizes(intents []exchange.OrderIntent) []float64 {
	out := make([]float64, len(intents))
	for i, in := range intents {
		out[i] = in.Size
	}
	return out
}

func statuses(intents []exchange.OrderIntent) []exchange.IntentStatus {
	out := make([]exchange.IntentStatus, len(intents))
	for i, in := range intents {
		out[i] = in.Status
	}
	return out
}

func TestNewRequiresVenue(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.Equal(t, engerrors.ErrorCategoryConfiguration, engerrors.Categorize(err))
}

func TestCreateStrategyValidation(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	_, err := h.engine.CreateStrategy(h.ctx, strategy.Spec{Kind: strategy.KindGrid, Symbol: symbol, Venue: "nowhere"})
	assert.Error(t, err)

	_, err = h.engine.CreateStrategy(h.ctx, strategy.Spec{Kind: strategy.KindGrid, Symbol: symbol, Venue: "paper"})
	require.Error(t, err)
	assert.Equal(t, engerrors.ErrorCategoryValidation, engerrors.Categorize(err))
	assert.Empty(t, h.engine.ListStrategies())
}

func TestGridFillsAndTakesProfit(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.tick(99)
	sid := h.create(gridSpec(20, 100, 110))

	snap := h.snapshot(sid)
	assert.Equal(t, strategy.StateActive, snap.Instance.State)
	assert.Equal(t, "acct", snap.Instance.Account)

	h.tick(111)
	snap = h.snapshot(sid)
	require.Len(t, snap.Intents, 4)
	assert.Equal(t, []exchange.IntentStatus{
		exchange.IntentFilled, exchange.IntentFilled, exchange.IntentAcknowledged, exchange.IntentAcknowledged,
	}, statuses(snap.Intents))
	assert.Equal(t, 120.0, snap.Intents[2].Price)
	assert.True(t, snap.Intents[2].ReduceOnly)
	assert.Equal(t, 2.0, snap.Exposure)
	for _, lvl := range snap.Instance.Ladder.Levels {
		assert.Equal(t, strategy.LevelExiting, lvl.Status)
	}

	// the first take profit rests until the price reaches it
	h.tick(125)
	report := h.reconcile()
	assert.Zero(t, report.DriftRaised)

	snap = h.snapshot(sid)
	assert.Equal(t, exchange.IntentFilled, snap.Intents[2].Status)
	lvl := snap.Instance.Ladder.Levels[0]
	assert.Equal(t, strategy.LevelEmpty, lvl.Status)
	assert.Equal(t, 1, lvl.Fills)
	assert.Equal(t, 1.0, snap.Exposure)
	assert.Equal(t, 4, h.venue.SubmitCalls())
}

func TestStaleTicksAreDropped(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.tick(99)
	sid := h.create(gridSpec(0, 100))

	// an older tick must not be read as a crossing
	h.venue.SetPrice(symbol, 101)
	h.engine.HandleTick(types.Tick{Symbol: symbol, Price: 101, Timestamp: t0})
	assert.Empty(t, h.snapshot(sid).Intents)

	h.tick(101)
	assert.Len(t, h.snapshot(sid).Intents, 1)
}

func TestLostAckIsResolvedNotResent(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.tick(100)
	h.venue.AcceptThenFail(exchange.NewTransient("paper", "10006", "connection reset", nil))

	sid := h.create(scheduledSpec(strategy.OrderTemplate{Side: types.SideBuy, Size: 1}))
	snap := h.snapshot(sid)
	require.Len(t, snap.Intents, 1)
	in := snap.Intents[0]
	assert.Equal(t, exchange.IntentPending, in.Status)
	assert.Equal(t, 1, in.Attempts)

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, 1, h.engine.ProcessRetries(h.ctx))

	snap = h.snapshot(sid)
	assert.Equal(t, exchange.IntentFilled, snap.Intents[0].Status)
	assert.Equal(t, strategy.StateCompleted, snap.Instance.State)
	assert.Equal(t, 1, h.venue.SubmitCalls())
	assert.Equal(t, 1, h.venue.AcceptedCount(in.Key))
}

func TestTransientFailureIsRetriedWithSameKey(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.tick(100)
	h.venue.FailNextSubmit(exchange.NewTransient("paper", "10006", "rate limited", nil))

	sid := h.create(scheduledSpec(strategy.OrderTemplate{Side: types.SideBuy, Size: 1}))
	key := h.snapshot(sid).Intents[0].Key

	// backoff has not elapsed yet
	assert.Zero(t, h.engine.ProcessRetries(h.ctx))

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, 1, h.engine.ProcessRetries(h.ctx))

	snap := h.snapshot(sid)
	require.Len(t, snap.Intents, 1)
	assert.Equal(t, key, snap.Intents[0].Key)
	assert.Equal(t, exchange.IntentFilled, snap.Intents[0].Status)
	assert.Equal(t, 2, snap.Intents[0].Attempts)
	assert.Equal(t, 2, h.venue.SubmitCalls())
	assert.Equal(t, 1, h.venue.AcceptedCount(key))
}

func TestSubmitTimeoutBecomesUnknownAndBlocksEvaluation(t *testing.T) {
	h := newHarness(t, Config{CallTimeout: 20 * time.Millisecond}, nil)
	h.tick(99)
	sid := h.create(gridSpec(0, 100, 120))

	h.venue.SetSubmitDelay(time.Second)
	h.tick(101)
	snap := h.snapshot(sid)
	require.Len(t, snap.Intents, 1)
	assert.Equal(t, exchange.IntentUnknown, snap.Intents[0].Status)
	h.venue.SetSubmitDelay(0)

	// nothing new is issued while the outcome is unknown
	h.tick(121)
	assert.Len(t, h.snapshot(sid).Intents, 1)
	assert.Zero(t, h.engine.ProcessRetries(h.ctx))

	h.reconcile()
	snap = h.snapshot(sid)
	assert.Equal(t, exchange.IntentFilled, snap.Intents[0].Status)
	assert.Equal(t, 1, h.venue.SubmitCalls())
	assert.Equal(t, 1, h.venue.AcceptedCount(snap.Intents[0].Key))

	h.tick(119)
	h.tick(121)
	assert.Len(t, h.snapshot(sid).Intents, 2)
}

func TestRiskCeilingBlocksSubmission(t *testing.T) {
	h := newHarness(t, Config{RiskCeiling: 0.5}, nil)
	h.tick(100)

	sid := h.create(scheduledSpec(strategy.OrderTemplate{Side: types.SideBuy, Size: 100}))
	snap := h.snapshot(sid)
	require.Len(t, snap.Intents, 1)
	in := snap.Intents[0]
	assert.Equal(t, exchange.IntentRejected, in.Status)
	assert.True(t, in.RiskBlocked)
	assert.Equal(t, strategy.StateFaulted, snap.Instance.State)
	assert.Zero(t, h.venue.SubmitCalls())
	assert.Equal(t, 1, h.sink.count(notifications.SeverityWarning))
	assert.Equal(t, 1, h.sink.count(notifications.SeverityCritical))
}

func TestAccountExposureIsCheckedAgainstFreshPositions(t *testing.T) {
	h := newHarness(t, Config{RiskCeiling: 0.15}, nil)
	h.tick(100)
	order := strategy.OrderTemplate{Side: types.SideBuy, Size: 10}

	first := h.create(scheduledSpec(order))
	second := h.create(scheduledSpec(order))

	assert.Equal(t, strategy.StateCompleted, h.snapshot(first).Instance.State)
	snap := h.snapshot(second)
	assert.Equal(t, strategy.StateFaulted, snap.Instance.State)
	assert.True(t, snap.Intents[0].RiskBlocked)

	pr, err := h.engine.GetPortfolioRisk(h.ctx, "acct")
	require.NoError(t, err)
	assert.InDelta(t, 0.1, pr.AggregateRiskPercent, 1e-9)
	assert.InDelta(t, 500, pr.Headroom, 1e-9)
	assert.Equal(t, map[string]float64{symbol: 5}, pr.SuggestedSize)
}

func TestRestingOrdersCountTowardAccountExposure(t *testing.T) {
	h := newHarness(t, Config{RiskCeiling: 0.15}, nil)
	h.tick(100)
	order := strategy.OrderTemplate{Side: types.SideBuy, Kind: exchange.OrderKindLimit, Price: 90, Size: 10}

	first := h.create(scheduledSpec(order))
	require.Equal(t, exchange.IntentAcknowledged, h.snapshot(first).Intents[0].Status)

	pr, err := h.engine.GetPortfolioRisk(h.ctx, "acct")
	require.NoError(t, err)
	assert.Zero(t, pr.TotalExposure)
	assert.InDelta(t, 900, pr.PendingExposure, 1e-9)
	assert.InDelta(t, 600, pr.Headroom, 1e-9)
	assert.InDelta(t, 6, pr.SuggestedSize[symbol], 1e-9)

	// 900 resting plus 900 more is 0.18 of equity
	second := h.create(scheduledSpec(order))
	snap := h.snapshot(second)
	require.Len(t, snap.Intents, 1)
	assert.Equal(t, exchange.IntentRejected, snap.Intents[0].Status)
	assert.True(t, snap.Intents[0].RiskBlocked)
	assert.Equal(t, strategy.StateFaulted, snap.Instance.State)
	assert.Equal(t, 1, h.venue.SubmitCalls())

	h.tick(89)
	h.reconcile()
	assert.Equal(t, exchange.IntentFilled, h.snapshot(first).Intents[0].Status)

	pr, err = h.engine.GetPortfolioRisk(h.ctx, "acct")
	require.NoError(t, err)
	assert.InDelta(t, 0.089, pr.AggregateRiskPercent, 1e-9)
	assert.Zero(t, pr.PendingExposure)
	assert.False(t, pr.Breach)
}

func TestReduceOnlyOrdersDoNotCountAsPending(t *testing.T) {
	h := newHarness(t, Config{RiskCeiling: 0.5}, nil)
	h.tick(99)
	sid := h.create(gridSpec(20, 100))
	h.tick(101)

	snap := h.snapshot(sid)
	require.Len(t, snap.Intents, 2)
	require.True(t, snap.Intents[1].ReduceOnly)
	require.Equal(t, exchange.IntentAcknowledged, snap.Intents[1].Status)

	pr, err := h.engine.GetPortfolioRisk(h.ctx, "acct")
	require.NoError(t, err)
	assert.Zero(t, pr.PendingExposure)
	assert.InDelta(t, 101, pr.TotalExposure, 1e-9)
}

func TestRiskPercentSizing(t *testing.T) {
	cfg := Config{Contracts: map[string]risk.ContractSpec{
		symbol: {ContractValue: 1, MinSize: 0.001, SizeStep: 0.001},
	}}
	h := newHarness(t, cfg, nil)
	h.tick(100)

	size, err := h.engine.ComputeRiskPreview(h.ctx, "acct", symbol, 0.02, 50)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, size, 1e-9)

	sid := h.create(scheduledSpec(strategy.OrderTemplate{Side: types.SideBuy, RiskPercent: 0.02, StopDistance: 50}))
	snap := h.snapshot(sid)
	require.Len(t, snap.Intents, 1)
	assert.InDelta(t, 4.0, snap.Intents[0].Size, 1e-9)
	assert.Equal(t, exchange.IntentFilled, snap.Intents[0].Status)

	_, err = h.engine.ComputeRiskPreview(h.ctx, "nobody", symbol, 0.02, 50)
	assert.NoError(t, err, "single venue serves every account")
}

func TestMartingaleDoublesAfterLossUntilRiskCeiling(t *testing.T) {
	h := newHarness(t, Config{RiskCeiling: 0.03}, nil)
	h.tick(100)
	sid := h.create(martingaleSpec(5))

	snap := h.snapshot(sid)
	require.Len(t, snap.Intents, 1)
	assert.Equal(t, exchange.IntentFilled, snap.Intents[0].Status)
	assert.Equal(t, 95.0, snap.Intents[0].StopLoss)
	assert.Equal(t, 1.0, snap.Exposure)

	h.stopOut()
	snap = h.snapshot(sid)
	assert.Equal(t, 1, snap.Instance.Sequence.Step)
	assert.Equal(t, 1, snap.Instance.Sequence.Losses)
	assert.Zero(t, snap.Exposure)

	// the doubled step fails once and is retried under the same key
	h.venue.FailNextSubmit(exchange.NewTransient("paper", "10006", "rate limited", nil))
	h.tick(100)
	snap = h.snapshot(sid)
	require.Len(t, snap.Intents, 2)
	second := snap.Intents[1]
	assert.Equal(t, 2.0, second.Size)
	assert.Equal(t, exchange.IntentPending, second.Status)
	assert.NotEqual(t, snap.Intents[0].Key, second.Key)

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, 1, h.engine.ProcessRetries(h.ctx))
	snap = h.snapshot(sid)
	require.Len(t, snap.Intents, 2)
	assert.Equal(t, second.Key, snap.Intents[1].Key)
	assert.Equal(t, exchange.IntentFilled, snap.Intents[1].Status)
	assert.Equal(t, 2, snap.Intents[1].Attempts)
	assert.Equal(t, 1, h.venue.AcceptedCount(second.Key))
	assert.Equal(t, 2.0, snap.Exposure)

	// four units at 100 is 0.04 of equity, over the 0.03 ceiling
	h.stopOut()
	h.tick(100)
	snap = h.snapshot(sid)
	require.Len(t, snap.Intents, 3)
	third := snap.Intents[2]
	assert.Equal(t, 4.0, third.Size)
	assert.Equal(t, exchange.IntentRejected, third.Status)
	assert.True(t, third.RiskBlocked)
	assert.Equal(t, strategy.StateFaulted, snap.Instance.State)
	assert.Zero(t, h.venue.AcceptedCount(third.Key))
	assert.Equal(t, 3, h.venue.SubmitCalls())

	h.tick(101)
	assert.Len(t, h.snapshot(sid).Intents, 3)
}

func TestMartingaleFaultsAfterMaxStepsLosses(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.tick(100)
	sid := h.create(martingaleSpec(2))

	for step := 0; step <= 2; step++ {
		snap := h.snapshot(sid)
		require.Len(t, snap.Intents, step+1, "step %d", step)
		require.Equal(t, exchange.IntentFilled, snap.Intents[step].Status)
		h.stopOut()
		if step < 2 {
			assert.Equal(t, strategy.StateActive, h.snapshot(sid).Instance.State)
			h.tick(100)
		}
	}

	snap := h.snapshot(sid)
	assert.Equal(t, strategy.StateFaulted, snap.Instance.State)
	assert.Equal(t, 3, snap.Instance.Sequence.Losses)
	assert.Equal(t, []float64{1, 2, 4}, sizes(snap.Intents))
	assert.Zero(t, snap.Exposure)

	// nothing further is sent once the sequence is exhausted
	h.tick(100)
	h.reconcile()
	assert.Len(t, h.snapshot(sid).Intents, 3)
	assert.Equal(t, 3, h.venue.SubmitCalls())
	assert.Equal(t, 1, h.sink.count(notifications.SeverityCritical))
}

func TestTrailingStopFollowsPriceAndCompletesOnClose(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.tick(99)
	sid := h.create(strategy.Spec{
		Kind: strategy.KindConditional,
		Conditional: &strategy.ConditionalParams{
			Trigger: trigger.Spec{Kind: trigger.KindPrice, Level: 100, Direction: trigger.CrossAbove},
			Order:   strategy.OrderTemplate{Side: types.SideBuy, Size: 1, StopLossDistance: 5},
			Trail:   &strategy.TrailParams{Distance: 5},
		},
	})

	h.tick(101)
	snap := h.snapshot(sid)
	require.Len(t, snap.Intents, 1)
	assert.Equal(t, exchange.IntentFilled, snap.Intents[0].Status)
	assert.Equal(t, 96.0, snap.Intents[0].StopLoss)

	h.tick(110)
	positions, err := h.venue.QueryPositions(h.ctx, "acct")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 105.0, positions[0].StopLoss)
	assert.Equal(t, 105.0, h.snapshot(sid).Instance.Entry.Stop)

	// the venue stop closes the position; the next cycle observes it flat
	h.tick(104)
	h.reconcile()
	assert.Equal(t, strategy.StateCompleted, h.snapshot(sid).Instance.State)
	assert.Equal(t, 1, h.sink.count(notifications.SeverityInfo))
}

func TestCancelWaitsForOutstandingOrders(t *testing.T) {
	h := newHarness(t, Config{CallTimeout: 20 * time.Millisecond}, nil)
	h.tick(99)
	sid := h.create(gridSpec(20, 100))

	h.venue.SetSubmitDelay(time.Second)
	h.tick(101)
	h.venue.SetSubmitDelay(0)
	require.Equal(t, exchange.IntentUnknown, h.snapshot(sid).Intents[0].Status)

	require.NoError(t, h.engine.CancelStrategy(h.ctx, sid))
	snap := h.snapshot(sid)
	assert.Equal(t, strategy.StateActive, snap.Instance.State)
	assert.True(t, snap.Instance.Cancel)

	// the entry turns out filled; its take profit is never sent
	h.reconcile()
	snap = h.snapshot(sid)
	assert.Equal(t, strategy.StateCancelled, snap.Instance.State)
	require.Len(t, snap.Intents, 2)
	assert.Equal(t, exchange.IntentFilled, snap.Intents[0].Status)
	assert.Equal(t, exchange.IntentCancelled, snap.Intents[1].Status)
	assert.Zero(t, snap.Intents[1].Attempts)
	assert.Equal(t, 1, h.venue.SubmitCalls())

	err := h.engine.CancelStrategy(h.ctx, sid)
	assert.True(t, errors.Is(err, engerrors.ErrInvalidTransition))
}

func TestCancelCancelsRestingOrders(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.tick(99)
	sid := h.create(gridSpec(20, 100))
	h.tick(101)
	require.Equal(t, exchange.IntentAcknowledged, h.snapshot(sid).Intents[1].Status)

	require.NoError(t, h.engine.CancelStrategy(h.ctx, sid))
	snap := h.snapshot(sid)
	assert.Equal(t, strategy.StateCancelled, snap.Instance.State)
	assert.Equal(t, exchange.IntentCancelled, snap.Intents[1].Status)
	assert.Equal(t, exchange.VenueOrderCancelled, h.venue.Orders()[1].Status)
}

func TestCancelUnknownStrategy(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	err := h.engine.CancelStrategy(h.ctx, "missing")
	assert.True(t, errors.Is(err, engerrors.ErrStrategyNotFound))

	_, err = h.engine.GetStrategyState("missing")
	assert.True(t, errors.Is(err, engerrors.ErrStrategyNotFound))
}

func TestFaultedGridResumes(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.tick(99)
	sid := h.create(gridSpec(0, 100, 110))

	h.venue.FailNextSubmit(exchange.NewRejected("paper", "110007", "insufficient balance", nil))
	h.tick(101)
	snap := h.snapshot(sid)
	assert.Equal(t, strategy.StateFaulted, snap.Instance.State)
	assert.Equal(t, exchange.IntentRejected, snap.Intents[0].Status)

	// market input is ignored while faulted
	h.tick(111)
	assert.Len(t, h.snapshot(sid).Intents, 1)

	require.NoError(t, h.engine.ResumeStrategy(h.ctx, sid))
	assert.Equal(t, strategy.StateActive, h.snapshot(sid).Instance.State)

	h.tick(109)
	h.tick(111)
	snap = h.snapshot(sid)
	require.Len(t, snap.Intents, 2)
	assert.Equal(t, exchange.IntentFilled, snap.Intents[1].Status)

	err := h.engine.ResumeStrategy(h.ctx, sid)
	assert.True(t, errors.Is(err, engerrors.ErrInvalidTransition))
}

func TestDriftFreezesUntilResumed(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.tick(99)
	sid := h.create(gridSpec(0, 100, 120))
	h.tick(101)
	require.Equal(t, 1.0, h.snapshot(sid).Exposure)

	// closed by hand behind the engine's back
	h.venue.ClosePosition("acct", symbol)
	h.reconcile()
	assert.False(t, h.snapshot(sid).Instance.Frozen)
	report := h.reconcile()
	assert.Equal(t, 1, report.DriftRaised)

	snap := h.snapshot(sid)
	assert.True(t, snap.Instance.Frozen)
	assert.Equal(t, strategy.StateActive, snap.Instance.State)
	assert.Equal(t, 1, h.sink.count(notifications.SeverityCritical))

	h.tick(121)
	assert.Len(t, h.snapshot(sid).Intents, 1)

	require.NoError(t, h.engine.ResumeStrategy(h.ctx, sid))
	assert.False(t, h.snapshot(sid).Instance.Frozen)
}

func TestRestoreResolvesInterruptedSubmission(t *testing.T) {
	store := newMemStore()
	h := newHarness(t, Config{}, store)
	h.venue.SetPrice(symbol, 100)

	spec := scheduledSpec(strategy.OrderTemplate{Side: types.SideBuy, Size: 1})
	spec.Symbol, spec.Venue, spec.Account = symbol, "paper", "acct"
	inst, err := strategy.NewInstance("s-restore", spec, t0)
	require.NoError(t, err)
	tr := strategy.Step(inst, strategy.Event{Type: strategy.EventActivate, Now: t0})
	require.NoError(t, inst.SetState(tr.To, tr.Reason, t0))
	require.Len(t, tr.Intents, 1)

	// the previous process crashed after the venue accepted the order
	in := tr.Intents[0]
	in.Status = exchange.IntentSubmitted
	in.Attempts = 1
	_, err = h.venue.Submit(h.ctx, in)
	require.NoError(t, err)
	require.NoError(t, store.SaveStrategy(h.ctx, inst))
	require.NoError(t, store.SaveIntent(h.ctx, in))

	require.NoError(t, h.engine.Restore(h.ctx))
	snap := h.snapshot("s-restore")
	require.Len(t, snap.Intents, 1)
	assert.Equal(t, exchange.IntentUnknown, snap.Intents[0].Status)

	h.reconcile()
	assert.Empty(t, h.engine.ListStrategies(), "finished strategies are archived")

	snap = h.snapshot("s-restore")
	assert.Equal(t, strategy.StateCompleted, snap.Instance.State)
	require.Len(t, snap.Intents, 1)
	assert.Equal(t, exchange.IntentFilled, snap.Intents[0].Status)
	assert.Equal(t, 1, h.venue.SubmitCalls())
}

func TestRestoreResubmitsPending(t *testing.T) {
	store := newMemStore()
	h := newHarness(t, Config{}, store)
	h.venue.SetPrice(symbol, 100)

	spec := scheduledSpec(strategy.OrderTemplate{Side: types.SideBuy, Size: 1})
	spec.Symbol, spec.Venue, spec.Account = symbol, "paper", "acct"
	inst, err := strategy.NewInstance("s-pending", spec, t0)
	require.NoError(t, err)
	tr := strategy.Step(inst, strategy.Event{Type: strategy.EventActivate, Now: t0})
	require.NoError(t, inst.SetState(tr.To, tr.Reason, t0))
	require.NoError(t, store.SaveStrategy(h.ctx, inst))
	require.NoError(t, store.SaveIntent(h.ctx, tr.Intents[0]))

	require.NoError(t, h.engine.Restore(h.ctx))
	snap := h.snapshot("s-pending")
	assert.Equal(t, strategy.StateCompleted, snap.Instance.State)
	assert.Equal(t, 1, h.venue.AcceptedCount(tr.Intents[0].Key))
}

func TestPersistsStateAndFaults(t *testing.T) {
	store := newMemStore()
	h := newHarness(t, Config{RiskCeiling: 0.5}, store)
	h.tick(100)

	sid := h.create(scheduledSpec(strategy.OrderTemplate{Side: types.SideBuy, Size: 100}))
	saved, err := store.LoadStrategy(h.ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, strategy.StateFaulted, saved.State)

	intents, err := store.IntentsFor(h.ctx, sid)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, exchange.IntentRejected, intents[0].Status)

	faults, err := store.Faults(h.ctx, sid)
	require.NoError(t, err)
	kinds := make([]string, 0, len(faults))
	for _, f := range faults {
		kinds = append(kinds, f.Kind)
	}
	assert.ElementsMatch(t, []string{"risk_breach", "faulted"}, kinds)
}

func TestSubmitWorkers(t *testing.T) {
	h := newHarness(t, Config{SubmitWorkers: 2}, nil)
	h.tick(100)
	sid := h.create(scheduledSpec(strategy.OrderTemplate{Side: types.SideBuy, Size: 1}))

	assert.Eventually(t, func() bool {
		snap, err := h.engine.GetStrategyState(sid)
		return err == nil && snap.Instance.State == strategy.StateCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.venue.SubmitCalls())
}
