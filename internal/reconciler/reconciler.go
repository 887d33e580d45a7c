// Package reconciler owns every order intent after it is created and keeps
// the engine's belief about orders and positions aligned with what venues
// report.
package reconciler

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	engerrors "github.com/ducminhle1904/strategy-engine/internal/errors"
	"github.com/ducminhle1904/strategy-engine/internal/exchange"
	"github.com/ducminhle1904/strategy-engine/internal/logger"
)

// Config tunes reconciliation
type Config struct {
	AckTimeout     time.Duration `json:"ack_timeout" yaml:"ack_timeout"`         // Submitted longer than this becomes Unknown
	NotFoundLimit  int           `json:"not_found_limit" yaml:"not_found_limit"` // queries without a trace before an Unknown intent is resent
	SizeTolerance  float64       `json:"size_tolerance" yaml:"size_tolerance"`
	PriceTolerance float64       `json:"price_tolerance" yaml:"price_tolerance"` // fraction of expected entry price
	DriftCycles    int           `json:"drift_cycles" yaml:"drift_cycles"`       // consecutive mismatching cycles before drift is raised
	RetryBase      time.Duration `json:"retry_base" yaml:"retry_base"`
	RetryMax       time.Duration `json:"retry_max" yaml:"retry_max"`
	RetryJitter    float64       `json:"retry_jitter" yaml:"retry_jitter"` // 0..1 fraction of the delay
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts"` // transient submit attempts; 0 means the default
	AllowExcess    bool          `json:"allow_excess" yaml:"allow_excess"` // venue exposure above expectation is not drift
}

// DefaultConfig returns conservative reconciliation settings
func DefaultConfig() Config {
	return Config{
		AckTimeout:     10 * time.Second,
		NotFoundLimit:  3,
		SizeTolerance:  1e-9,
		PriceTolerance: 0.02,
		DriftCycles:    2,
		RetryBase:      time.Second,
		RetryMax:       time.Minute,
		MaxAttempts:    3,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.NotFoundLimit <= 0 {
		c.NotFoundLimit = d.NotFoundLimit
	}
	if c.SizeTolerance <= 0 {
		c.SizeTolerance = d.SizeTolerance
	}
	if c.PriceTolerance <= 0 {
		c.PriceTolerance = d.PriceTolerance
	}
	if c.DriftCycles <= 0 {
		c.DriftCycles = d.DriftCycles
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.RetryMax < c.RetryBase {
		c.RetryMax = d.RetryMax
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
}

// EventKind distinguishes reconciliation outcomes
type EventKind string

const (
	EventIntentUpdated    EventKind = "intent_updated"
	EventPositionsUpdated EventKind = "positions_updated"
	EventDrift            EventKind = "drift"
	EventDriftCleared     EventKind = "drift_cleared"
)

// Event reports a change learned from a venue
type Event struct {
	Kind      EventKind
	Intent    exchange.OrderIntent
	Previous  exchange.IntentStatus
	Venue     string
	Account   string
	Positions []exchange.Position
	Observed  time.Time // when the positions were queried
	Drift     Drift
}

// Drift describes a persistent mismatch between expected and venue exposure
type Drift struct {
	StrategyIDs   []string
	Account       string
	Symbol        string
	Expected      float64
	Actual        float64
	ExpectedPrice float64
	ActualPrice   float64
	Reason        string
}

// Expectation is the exposure one strategy believes it holds
type Expectation struct {
	StrategyID string
	Venue      string
	Account    string
	Symbol     string
	Size       float64 // signed
	EntryPrice float64
}

// ExpectationSource reports current believed exposure
type ExpectationSource func() []Expectation

// Handler receives events outside the reconciler lock
type Handler func(Event)

type accountKey struct {
	venue   string
	account string
}

// Reconciler is the single writer of intent lifecycle state
type Reconciler struct {
	mu sync.Mutex

	cfg    Config
	venues map[string]exchange.Venue
	log    *logger.Logger
	now    func() time.Time
	rng    *rand.Rand

	intents       map[string]*exchange.OrderIntent
	sequence      []string
	positions     map[accountKey]map[string]exchange.Position
	mismatchCount map[string]int
	drifting      map[string]bool

	handler      Handler
	expectations ExpectationSource
}

// New creates a reconciler over the named venues
func New(cfg Config, venues map[string]exchange.Venue, log *logger.Logger) *Reconciler {
	cfg.setDefaults()
	if log == nil {
		log = logger.Nop()
	}
	return &Reconciler{
		cfg:           cfg,
		venues:        venues,
		log:           log,
		now:           time.Now,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		intents:       make(map[string]*exchange.OrderIntent),
		positions:     make(map[accountKey]map[string]exchange.Position),
		mismatchCount: make(map[string]int),
		drifting:      make(map[string]bool),
	}
}

// SetClock replaces the time source
func (r *Reconciler) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// OnEvent registers the event handler
func (r *Reconciler) OnEvent(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

// SetExpectationSource registers the callback used for drift detection
func (r *Reconciler) SetExpectationSource(src ExpectationSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expectations = src
}

// Config returns the effective configuration
func (r *Reconciler) Config() Config {
	return r.cfg
}

// Track takes ownership of a new intent. Keys are unique for the
// reconciler's lifetime.
func (r *Reconciler) Track(intent exchange.OrderIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if intent.Key == "" {
		return engerrors.NewValidationError("reconciler", "track", "intent key is required")
	}
	if _, ok := r.intents[intent.Key]; ok {
		return fmt.Errorf("%w: %s", engerrors.ErrDuplicateIntent, intent.Key)
	}
	if intent.Status == "" {
		intent.Status = exchange.IntentPending
	}
	now := r.now()
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}
	intent.UpdatedAt = now
	r.intents[intent.Key] = &intent
	r.sequence = append(r.sequence, intent.Key)
	return nil
}

// Restore loads persisted intents as they were. Existing keys are skipped.
func (r *Reconciler) Restore(intents []exchange.OrderIntent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range intents {
		in := intents[i]
		if _, ok := r.intents[in.Key]; ok || in.Key == "" {
			continue
		}
		r.intents[in.Key] = &in
		r.sequence = append(r.sequence, in.Key)
	}
}

// BeginSubmit moves a Pending intent to Submitted and counts the attempt.
// The returned copy is what should be sent to the venue.
func (r *Reconciler) BeginSubmit(key string) (exchange.OrderIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, ok := r.intents[key]
	if !ok {
		return exchange.OrderIntent{}, fmt.Errorf("%w: %s", engerrors.ErrIntentNotFound, key)
	}
	if in.Status != exchange.IntentPending {
		return *in, fmt.Errorf("%w: cannot submit intent %s in status %s", engerrors.ErrInvalidTransition, key, in.Status)
	}
	now := r.now()
	in.Status = exchange.IntentSubmitted
	in.Attempts++
	in.SubmittedAt = now
	in.UpdatedAt = now
	in.NextRetryAt = time.Time{}
	return *in, nil
}

// UpdateSize records the resolved order size before submission
func (r *Reconciler) UpdateSize(key string, size float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.intents[key]
	if !ok {
		return fmt.Errorf("%w: %s", engerrors.ErrIntentNotFound, key)
	}
	if in.Status != exchange.IntentPending {
		return fmt.Errorf("%w: size is fixed once submitted", engerrors.ErrInvalidTransition)
	}
	in.Size = size
	return nil
}

// RecordAck applies a venue acknowledgement
func (r *Reconciler) RecordAck(key string, ack *exchange.VenueAck) (exchange.OrderIntent, error) {
	r.mu.Lock()
	in, ok := r.intents[key]
	if !ok {
		r.mu.Unlock()
		return exchange.OrderIntent{}, fmt.Errorf("%w: %s", engerrors.ErrIntentNotFound, key)
	}
	prev := in.Status
	r.applyVenueLocked(in, exchange.VenueOrder{
		OrderID:    ack.OrderID,
		ClientKey:  ack.ClientKey,
		Status:     ack.Status,
		FilledSize: ack.FilledSize,
		AvgPrice:   ack.AvgPrice,
	})
	snapshot := *in
	h := r.handler
	r.mu.Unlock()

	r.emit(h, prev, snapshot)
	return snapshot, nil
}

// RecordFailure classifies a submission error. Transient failures return
// the intent to Pending with a backoff; unknown outcomes park it in Unknown
// until a query resolves it; anything else is final.
func (r *Reconciler) RecordFailure(key string, err error) (exchange.OrderIntent, error) {
	r.mu.Lock()
	in, ok := r.intents[key]
	if !ok {
		r.mu.Unlock()
		return exchange.OrderIntent{}, fmt.Errorf("%w: %s", engerrors.ErrIntentNotFound, key)
	}
	prev := in.Status
	if prev != exchange.IntentSubmitted {
		// a query already settled the outcome of this call
		snapshot := *in
		r.mu.Unlock()
		r.log.Debug("Ignoring late failure for %s in status %s: %v", key, prev, err)
		return snapshot, nil
	}
	now := r.now()
	in.LastError = err.Error()
	in.UpdatedAt = now

	switch engerrors.Categorize(err) {
	case engerrors.ErrorCategoryTransient:
		if in.Attempts >= r.cfg.MaxAttempts {
			in.Status = exchange.IntentRejected
			in.LastError = fmt.Sprintf("retries exhausted after %d attempts: %v", in.Attempts, err)
		} else {
			in.Status = exchange.IntentPending
			in.NextRetryAt = now.Add(r.backoffLocked(in.Attempts))
		}
	case engerrors.ErrorCategoryUnknown:
		in.Status = exchange.IntentUnknown
	case engerrors.ErrorCategoryRiskBreach:
		in.Status = exchange.IntentRejected
		in.RiskBlocked = true
	default:
		in.Status = exchange.IntentRejected
	}
	snapshot := *in
	h := r.handler
	r.mu.Unlock()

	r.log.LogIntentTransition(key, snapshot.Symbol, string(prev), string(snapshot.Status), snapshot.FilledSize, snapshot.AvgFillPrice)
	r.emit(h, prev, snapshot)
	return snapshot, nil
}

// CancelPending finalizes an intent that never reached a venue. It returns
// false when the intent may be live and must be cancelled at the venue.
func (r *Reconciler) CancelPending(key string) bool {
	r.mu.Lock()
	in, ok := r.intents[key]
	if !ok || in.Status != exchange.IntentPending {
		r.mu.Unlock()
		return false
	}
	prev := in.Status
	in.Status = exchange.IntentCancelled
	in.UpdatedAt = r.now()
	snapshot := *in
	h := r.handler
	r.mu.Unlock()

	r.emit(h, prev, snapshot)
	return true
}

// Intent returns a copy of the intent with key
func (r *Reconciler) Intent(key string) (exchange.OrderIntent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.intents[key]
	if !ok {
		return exchange.OrderIntent{}, false
	}
	return *in, true
}

// IntentsFor returns a strategy's intents in creation order
func (r *Reconciler) IntentsFor(strategyID string) []exchange.OrderIntent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []exchange.OrderIntent
	for _, key := range r.sequence {
		if in := r.intents[key]; in.StrategyID == strategyID {
			out = append(out, *in)
		}
	}
	return out
}

// All returns every tracked intent in creation order
func (r *Reconciler) All() []exchange.OrderIntent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]exchange.OrderIntent, 0, len(r.sequence))
	for _, key := range r.sequence {
		out = append(out, *r.intents[key])
	}
	return out
}

// DueRetries returns Pending intents whose backoff has elapsed
func (r *Reconciler) DueRetries(now time.Time) []exchange.OrderIntent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []exchange.OrderIntent
	for _, key := range r.sequence {
		in := r.intents[key]
		if in.Status == exchange.IntentPending && in.Attempts > 0 && !now.Before(in.NextRetryAt) {
			out = append(out, *in)
		}
	}
	return out
}

// Forget drops finished intents of a strategy once they are archived
func (r *Reconciler) Forget(strategyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.sequence[:0]
	for _, key := range r.sequence {
		in := r.intents[key]
		if in.StrategyID == strategyID && in.Status.Terminal() {
			delete(r.intents, key)
			continue
		}
		kept = append(kept, key)
	}
	r.sequence = kept
}

// Positions returns the last venue-reported positions for an account
func (r *Reconciler) Positions(venue, account string) []exchange.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	book := r.positions[accountKey{venue, account}]
	out := make([]exchange.Position, 0, len(book))
	for _, p := range book {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Position returns the venue-reported position for one symbol. A symbol
// the venue did not report is flat.
func (r *Reconciler) Position(venue, account, symbol string) (exchange.Position, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	book, known := r.positions[accountKey{venue, account}]
	if !known {
		return exchange.Position{}, false
	}
	if p, ok := book[symbol]; ok {
		return p, true
	}
	return exchange.Position{Account: account, Symbol: symbol}, true
}

// applyVenueLocked folds venue truth into an intent and reports whether
// anything changed.
func (r *Reconciler) applyVenueLocked(in *exchange.OrderIntent, vo exchange.VenueOrder) bool {
	if in.Status.Terminal() {
		return false
	}
	prev := *in
	if vo.OrderID != "" {
		in.VenueOrderID = vo.OrderID
	}
	if vo.FilledSize > in.FilledSize {
		in.FilledSize = vo.FilledSize
	}
	if vo.AvgPrice > 0 {
		in.AvgFillPrice = vo.AvgPrice
	}
	in.NotFound = 0

	switch vo.Status {
	case exchange.VenueOrderFilled:
		in.Status = exchange.IntentFilled
		if in.FilledSize == 0 {
			in.FilledSize = in.Size
		}
	case exchange.VenueOrderPartiallyFilled:
		in.Status = exchange.IntentPartiallyFilled
	case exchange.VenueOrderCancelled:
		in.Status = exchange.IntentCancelled
	case exchange.VenueOrderRejected:
		in.Status = exchange.IntentRejected
		if vo.Reason != "" {
			in.LastError = vo.Reason
		}
	default:
		if in.FilledSize > 0 {
			in.Status = exchange.IntentPartiallyFilled
		} else {
			in.Status = exchange.IntentAcknowledged
		}
	}

	changed := prev.Status != in.Status || prev.FilledSize != in.FilledSize ||
		prev.VenueOrderID != in.VenueOrderID || prev.AvgFillPrice != in.AvgFillPrice
	if changed {
		in.UpdatedAt = r.now()
		r.log.LogIntentTransition(in.Key, in.Symbol, string(prev.Status), string(in.Status), in.FilledSize, in.AvgFillPrice)
	}
	return changed
}

// backoffLocked returns an exponential delay for the given attempt count
func (r *Reconciler) backoffLocked(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(r.cfg.RetryBase) * math.Pow(2, float64(attempts-1))
	if delay > float64(r.cfg.RetryMax) {
		delay = float64(r.cfg.RetryMax)
	}
	if r.cfg.RetryJitter > 0 {
		jitter := delay * r.cfg.RetryJitter
		delay += (r.rng.Float64()*2 - 1) * jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func (r *Reconciler) emit(h Handler, prev exchange.IntentStatus, in exchange.OrderIntent) {
	if h == nil || prev == in.Status && prev != exchange.IntentPartiallyFilled {
		return
	}
	h(Event{Kind: EventIntentUpdated, Intent: in, Previous: prev, Venue: in.Venue, Account: in.Account})
}
