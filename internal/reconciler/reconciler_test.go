package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engerrors "github.com/ducminhle1904/strategy-engine/internal/errors"
	"github.com/ducminhle1904/strategy-engine/internal/exchange"
	"github.com/ducminhle1904/strategy-engine/internal/exchange/paper"
	"github.com/ducminhle1904/strategy-engine/pkg/id"
	"github.com/ducminhle1904/strategy-engine/pkg/types"
)

type fixture struct {
	rec    *Reconciler
	venue  *paper.Venue
	now    time.Time
	events []Event
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	f.venue = paper.New(paper.Options{Name: "paper", Equity: 10000})
	f.venue.SetPrice("BTCUSDT", 100)
	f.rec = New(cfg, map[string]exchange.Venue{"paper": f.venue}, nil)
	f.rec.SetClock(func() time.Time { return f.now })
	f.rec.OnEvent(func(ev Event) { f.events = append(f.events, ev) })
	return f
}

func (f *fixture) intent(step int) exchange.OrderIntent {
	return exchange.OrderIntent{
		Key:        id.IdempotencyKey("strat-1", step),
		StrategyID: "strat-1",
		Step:       step,
		Venue:      "paper",
		Account:    "acct",
		Symbol:     "BTCUSDT",
		Side:       types.SideBuy,
		Kind:       exchange.OrderKindMarket,
		Size:       1,
	}
}

func (f *fixture) statuses(key string) []exchange.IntentStatus {
	var out []exchange.IntentStatus
	for _, ev := range f.events {
		if ev.Kind == EventIntentUpdated && ev.Intent.Key == key {
			out = append(out, ev.Intent.Status)
		}
	}
	return out
}

func TestTrackRejectsDuplicateKeys(t *testing.T) {
	f := newFixture(t, Config{})
	in := f.intent(0)
	require.NoError(t, f.rec.Track(in))
	err := f.rec.Track(in)
	assert.True(t, errors.Is(err, engerrors.ErrDuplicateIntent))

	got, ok := f.rec.Intent(in.Key)
	require.True(t, ok)
	assert.Equal(t, exchange.IntentPending, got.Status)
	assert.Equal(t, f.now, got.CreatedAt)
}

func TestSubmitTimeoutResolvesByQueryWithoutResubmit(t *testing.T) {
	f := newFixture(t, Config{AckTimeout: 5 * time.Second})
	in := f.intent(0)
	require.NoError(t, f.rec.Track(in))

	sent, err := f.rec.BeginSubmit(in.Key)
	require.NoError(t, err)
	assert.Equal(t, 1, sent.Attempts)

	// the venue takes the order but the ack never arrives
	_, err = f.venue.Submit(context.Background(), sent)
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Second)
	_, err = f.rec.Cycle(context.Background())
	require.NoError(t, err)
	got, _ := f.rec.Intent(in.Key)
	assert.Equal(t, exchange.IntentFilled, got.Status, "query before timeout may already resolve")

	// a second intent where the venue never saw the order
	in2 := f.intent(1)
	require.NoError(t, f.rec.Track(in2))
	_, err = f.rec.BeginSubmit(in2.Key)
	require.NoError(t, err)

	f.now = f.now.Add(6 * time.Second)
	report, err := f.rec.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.TimedOut)

	got2, _ := f.rec.Intent(in2.Key)
	assert.Equal(t, exchange.IntentUnknown, got2.Status)
	assert.Equal(t, 1, got2.NotFound)
	assert.Empty(t, f.rec.DueRetries(f.now), "unknown intents are never retried blindly")
	assert.Equal(t, 1, f.venue.SubmitCalls())
	assert.Equal(t, 1, f.venue.AcceptedCount(in.Key))
	assert.Equal(t, 0, f.venue.AcceptedCount(in2.Key))
}

func TestUnknownAcceptedOrderIsFoundByKey(t *testing.T) {
	f := newFixture(t, Config{AckTimeout: time.Second})
	in := f.intent(0)
	require.NoError(t, f.rec.Track(in))
	sent, err := f.rec.BeginSubmit(in.Key)
	require.NoError(t, err)

	_, err = f.rec.RecordFailure(in.Key, exchange.WithVenue(exchange.ErrCallTimeout, "paper", nil))
	require.NoError(t, err)
	got, _ := f.rec.Intent(in.Key)
	require.Equal(t, exchange.IntentUnknown, got.Status)

	// the venue processed it after all
	_, err = f.venue.Submit(context.Background(), sent)
	require.NoError(t, err)

	got, err = f.rec.Resolve(context.Background(), in.Key)
	require.NoError(t, err)
	assert.Equal(t, exchange.IntentFilled, got.Status)
	assert.Equal(t, 1.0, got.FilledSize)
	assert.Equal(t, 100.0, got.AvgFillPrice)
	assert.NotEmpty(t, got.VenueOrderID)
	assert.Equal(t, 1, f.venue.AcceptedCount(in.Key))
	assert.Equal(t, []exchange.IntentStatus{exchange.IntentUnknown, exchange.IntentFilled}, f.statuses(in.Key))
}

func TestUnknownNotFoundReturnsToPendingWithSameKey(t *testing.T) {
	f := newFixture(t, Config{NotFoundLimit: 2})
	in := f.intent(3)
	require.NoError(t, f.rec.Track(in))
	_, err := f.rec.BeginSubmit(in.Key)
	require.NoError(t, err)
	_, err = f.rec.RecordFailure(in.Key, exchange.WithVenue(exchange.ErrCallTimeout, "paper", nil))
	require.NoError(t, err)

	got, err := f.rec.Resolve(context.Background(), in.Key)
	require.NoError(t, err)
	assert.Equal(t, exchange.IntentUnknown, got.Status)

	got, err = f.rec.Resolve(context.Background(), in.Key)
	require.NoError(t, err)
	assert.Equal(t, exchange.IntentPending, got.Status)

	due := f.rec.DueRetries(f.now)
	require.Len(t, due, 1)
	assert.Equal(t, in.Key, due[0].Key)

	again, err := f.rec.BeginSubmit(in.Key)
	require.NoError(t, err)
	assert.Equal(t, in.Key, again.Key)
	assert.Equal(t, 2, again.Attempts)
}

func TestRecordFailureClassification(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		want        exchange.IntentStatus
		riskBlocked bool
	}{
		{"transient", exchange.WithVenue(exchange.ErrConnectionFailed, "paper", nil), exchange.IntentPending, false},
		{"unknown", exchange.WithVenue(exchange.ErrCallTimeout, "paper", nil), exchange.IntentUnknown, false},
		{"rejected", exchange.WithVenue(exchange.ErrInsufficientBalance, "paper", nil), exchange.IntentRejected, false},
		{"risk breach", engerrors.NewRiskBreachError("orchestrator", "submit", "ceiling"), exchange.IntentRejected, true},
		{"validation", engerrors.NewValidationError("risk", "size", "below minimum"), exchange.IntentRejected, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{RetryBase: time.Second, RetryMax: time.Minute})
			in := f.intent(0)
			require.NoError(t, f.rec.Track(in))
			_, err := f.rec.BeginSubmit(in.Key)
			require.NoError(t, err)

			got, err := f.rec.RecordFailure(in.Key, tt.err)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.riskBlocked, got.RiskBlocked)
			assert.NotEmpty(t, got.LastError)
		})
	}
}

func TestTransientBackoffAndExhaustion(t *testing.T) {
	f := newFixture(t, Config{RetryBase: time.Second, RetryMax: 3 * time.Second, MaxAttempts: 3})
	in := f.intent(0)
	require.NoError(t, f.rec.Track(in))
	transient := exchange.WithVenue(exchange.ErrConnectionFailed, "paper", nil)

	for _, delay := range []time.Duration{time.Second, 2 * time.Second} {
		_, err := f.rec.BeginSubmit(in.Key)
		require.NoError(t, err)
		got, err := f.rec.RecordFailure(in.Key, transient)
		require.NoError(t, err)
		require.Equal(t, exchange.IntentPending, got.Status)
		assert.Equal(t, f.now.Add(delay), got.NextRetryAt)

		assert.Empty(t, f.rec.DueRetries(f.now))
		f.now = f.now.Add(delay)
		assert.Len(t, f.rec.DueRetries(f.now), 1)
	}

	_, err := f.rec.BeginSubmit(in.Key)
	require.NoError(t, err)
	got, err := f.rec.RecordFailure(in.Key, transient)
	require.NoError(t, err)
	assert.Equal(t, exchange.IntentRejected, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Contains(t, got.LastError, "retries exhausted")
	assert.Equal(t, 0, f.venue.SubmitCalls())
}

func TestMaxAttemptsDefault(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		rejectedAt  int
	}{
		{"unset uses default", 0, 3},
		{"configured", 5, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{MaxAttempts: tt.maxAttempts})
			in := f.intent(0)
			require.NoError(t, f.rec.Track(in))
			transient := exchange.WithVenue(exchange.ErrConnectionFailed, "paper", nil)

			var got exchange.OrderIntent
			for attempt := 1; attempt <= tt.rejectedAt; attempt++ {
				_, err := f.rec.BeginSubmit(in.Key)
				require.NoError(t, err)
				got, err = f.rec.RecordFailure(in.Key, transient)
				require.NoError(t, err)
				if attempt < tt.rejectedAt {
					require.Equal(t, exchange.IntentPending, got.Status, "attempt %d", attempt)
				}
			}
			assert.Equal(t, exchange.IntentRejected, got.Status)
			assert.Equal(t, tt.rejectedAt, got.Attempts)
		})
	}
	assert.Equal(t, 3, DefaultConfig().MaxAttempts)
}

func TestBackoffIsCapped(t *testing.T) {
	r := New(Config{RetryBase: time.Second, RetryMax: 10 * time.Second}, nil, nil)
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{12, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.backoffLocked(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestLateFailureDoesNotRegressResolvedIntent(t *testing.T) {
	f := newFixture(t, Config{})
	in := f.intent(0)
	require.NoError(t, f.rec.Track(in))
	sent, err := f.rec.BeginSubmit(in.Key)
	require.NoError(t, err)

	ack, err := f.venue.Submit(context.Background(), sent)
	require.NoError(t, err)
	_, err = f.rec.RecordAck(in.Key, ack)
	require.NoError(t, err)

	got, err := f.rec.RecordFailure(in.Key, exchange.WithVenue(exchange.ErrCallTimeout, "paper", nil))
	require.NoError(t, err)
	assert.Equal(t, exchange.IntentFilled, got.Status)

	// a stale ack cannot reopen a filled intent
	got, err = f.rec.RecordAck(in.Key, &exchange.VenueAck{OrderID: ack.OrderID, Status: exchange.VenueOrderNew})
	require.NoError(t, err)
	assert.Equal(t, exchange.IntentFilled, got.Status)
}

func TestCancelPendingOnlyBeforeSubmission(t *testing.T) {
	f := newFixture(t, Config{})
	a, b := f.intent(0), f.intent(1)
	require.NoError(t, f.rec.Track(a))
	require.NoError(t, f.rec.Track(b))
	_, err := f.rec.BeginSubmit(b.Key)
	require.NoError(t, err)

	assert.True(t, f.rec.CancelPending(a.Key))
	assert.False(t, f.rec.CancelPending(b.Key))
	assert.False(t, f.rec.CancelPending("missing"))

	got, _ := f.rec.Intent(a.Key)
	assert.Equal(t, exchange.IntentCancelled, got.Status)

	_, err = f.rec.BeginSubmit(a.Key)
	assert.True(t, errors.Is(err, engerrors.ErrInvalidTransition))
}

func TestDriftRaisedAfterConsecutiveCyclesAndCleared(t *testing.T) {
	f := newFixture(t, Config{DriftCycles: 2})
	expect := []Expectation{{StrategyID: "strat-1", Venue: "paper", Account: "acct", Symbol: "BTCUSDT", Size: 1, EntryPrice: 100}}
	f.rec.SetExpectationSource(func() []Expectation { return expect })

	report, err := f.rec.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.DriftRaised)
	assert.False(t, f.rec.Drifting("paper", "acct", "BTCUSDT"))

	report, err = f.rec.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.DriftRaised)
	assert.True(t, f.rec.Drifting("paper", "acct", "BTCUSDT"))

	var drift *Drift
	for i := range f.events {
		if f.events[i].Kind == EventDrift {
			drift = &f.events[i].Drift
		}
	}
	require.NotNil(t, drift)
	assert.Equal(t, []string{"strat-1"}, drift.StrategyIDs)
	assert.Equal(t, 1.0, drift.Expected)
	assert.Equal(t, 0.0, drift.Actual)
	assert.Contains(t, drift.Reason, "flat")

	// raised once, not every cycle
	report, err = f.rec.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.DriftRaised)

	_, err = f.venue.Submit(context.Background(), f.intent(0))
	require.NoError(t, err)
	report, err = f.rec.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.DriftCleared)
	assert.False(t, f.rec.Drifting("paper", "acct", "BTCUSDT"))

	pos, ok := f.rec.Position("paper", "acct", "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 1.0, pos.Size)
}

func TestDriftRules(t *testing.T) {
	tests := []struct {
		name        string
		expected    aggregate
		actual      exchange.Position
		allowExcess bool
		drift       bool
	}{
		{"match", aggregate{size: 1, entryPrice: 100, strategies: []string{"a"}}, exchange.Position{Size: 1, AvgEntryPrice: 100.5}, false, false},
		{"extra exposure", aggregate{size: 1, strategies: []string{"a"}}, exchange.Position{Size: 3}, false, true},
		{"extra short exposure", aggregate{size: -1, strategies: []string{"a"}}, exchange.Position{Size: -1.5}, false, true},
		{"extra exposure allowed", aggregate{size: 1, strategies: []string{"a"}}, exchange.Position{Size: 3}, true, false},
		{"nothing expected", aggregate{}, exchange.Position{Size: -2}, false, true},
		{"nothing expected allowed", aggregate{}, exchange.Position{Size: -2}, true, false},
		{"nothing expected and flat", aggregate{}, exchange.Position{}, false, false},
		{"flat", aggregate{size: 1, strategies: []string{"a"}}, exchange.Position{}, false, true},
		{"reversed", aggregate{size: 1, strategies: []string{"a"}}, exchange.Position{Size: -1}, true, true},
		{"short of expected", aggregate{size: -2, strategies: []string{"a"}}, exchange.Position{Size: -1}, true, true},
		{"entry price off", aggregate{size: 1, entryPrice: 100, strategies: []string{"a"}}, exchange.Position{Size: 1, AvgEntryPrice: 110}, false, true},
		{"price ignored when shared", aggregate{size: 2, entryPrice: 100, strategies: []string{"a", "b"}}, exchange.Position{Size: 2, AvgEntryPrice: 110}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(Config{PriceTolerance: 0.02, AllowExcess: tt.allowExcess}, nil, nil)
			a := tt.expected
			assert.Equal(t, tt.drift, r.mismatch(&a, tt.actual) != "")
		})
	}
}

func TestDriftRaisedOnSurplusVenueExposure(t *testing.T) {
	tests := []struct {
		name        string
		allowExcess bool
		raised      int
	}{
		{"strict", false, 1},
		{"excess allowed", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{DriftCycles: 2, AllowExcess: tt.allowExcess})
			for step := 0; step < 3; step++ {
				_, err := f.venue.Submit(context.Background(), f.intent(step))
				require.NoError(t, err)
			}
			expect := []Expectation{{StrategyID: "strat-1", Venue: "paper", Account: "acct", Symbol: "BTCUSDT", Size: 1}}
			f.rec.SetExpectationSource(func() []Expectation { return expect })

			raised := 0
			for i := 0; i < 5; i++ {
				report, err := f.rec.Cycle(context.Background())
				require.NoError(t, err)
				raised += report.DriftRaised
			}
			assert.Equal(t, tt.raised, raised)
			assert.Equal(t, tt.raised == 1, f.rec.Drifting("paper", "acct", "BTCUSDT"))

			for _, ev := range f.events {
				if ev.Kind == EventDrift {
					assert.Equal(t, 1.0, ev.Drift.Expected)
					assert.Equal(t, 3.0, ev.Drift.Actual)
					assert.Contains(t, ev.Drift.Reason, "more")
				}
			}
		})
	}
}

func TestCycleCollectsQueryErrors(t *testing.T) {
	f := newFixture(t, Config{})
	in := f.intent(0)
	require.NoError(t, f.rec.Track(in))
	_, err := f.rec.BeginSubmit(in.Key)
	require.NoError(t, err)

	f.venue.SetQueryError(exchange.WithVenue(exchange.ErrConnectionFailed, "paper", nil))
	_, err = f.rec.Cycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query orders paper/acct")
	assert.Contains(t, err.Error(), "query positions paper/acct")

	got, _ := f.rec.Intent(in.Key)
	assert.Equal(t, exchange.IntentSubmitted, got.Status)
}

func TestRestoreAndForget(t *testing.T) {
	f := newFixture(t, Config{})
	done := f.intent(0)
	done.Status = exchange.IntentFilled
	open := f.intent(1)
	open.Status = exchange.IntentUnknown
	f.rec.Restore([]exchange.OrderIntent{done, open, done})

	assert.Len(t, f.rec.All(), 2)
	assert.Len(t, f.rec.IntentsFor("strat-1"), 2)

	f.rec.Forget("strat-1")
	remaining := f.rec.All()
	require.Len(t, remaining, 1)
	assert.Equal(t, open.Key, remaining[0].Key)
}
