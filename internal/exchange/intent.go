package exchange

import (
	"strings"
	"time"

	"github.com/ducminhle1904/strategy-engine/pkg/types"
)

// IntentStatus is the lifecycle state of an OrderIntent
type IntentStatus string

const (
	IntentPending         IntentStatus = "Pending"
	IntentSubmitted       IntentStatus = "Submitted"
	IntentAcknowledged    IntentStatus = "Acknowledged"
	IntentPartiallyFilled IntentStatus = "PartiallyFilled"
	IntentFilled          IntentStatus = "Filled"
	IntentCancelled       IntentStatus = "Cancelled"
	IntentRejected        IntentStatus = "Rejected"
	IntentUnknown         IntentStatus = "Unknown"
)

// Terminal reports whether the status is definite and final
func (s IntentStatus) Terminal() bool {
	return s == IntentFilled || s == IntentCancelled || s == IntentRejected
}

// Live reports whether the venue may be holding the order right now
func (s IntentStatus) Live() bool {
	switch s {
	case IntentSubmitted, IntentAcknowledged, IntentPartiallyFilled, IntentUnknown:
		return true
	default:
		return false
	}
}

// OrderKind is the execution style of an order
type OrderKind string

const (
	OrderKindMarket OrderKind = "market"
	OrderKindLimit  OrderKind = "limit"
	OrderKindStop   OrderKind = "stop"
)

// IntentPurpose records why a strategy wants an order
type IntentPurpose string

const (
	PurposeEntry      IntentPurpose = "entry"
	PurposeTakeProfit IntentPurpose = "take_profit"
	PurposeExit       IntentPurpose = "exit"
)

// OrderIntent is a single order the engine wants to exist at a venue.
// Strategy machines create it; only the reconciler mutates it afterwards.
type OrderIntent struct {
	Key        string        `json:"key"`
	StrategyID string        `json:"strategy_id"`
	Step       int           `json:"step"`
	Leg        int           `json:"leg"`
	Purpose    IntentPurpose `json:"purpose"`
	Account    string        `json:"account"`
	Venue      string        `json:"venue"`

	Symbol     string     `json:"symbol"`
	Side       types.Side `json:"side"`
	Kind       OrderKind  `json:"kind"`
	Size       float64    `json:"size"`
	Price      float64    `json:"price,omitempty"`
	StopLoss   float64    `json:"stop_loss,omitempty"`
	TakeProfit float64    `json:"take_profit,omitempty"`
	ReduceOnly bool       `json:"reduce_only,omitempty"`

	// Risk-based sizing, resolved at submission when Size is zero
	RiskPercent  float64 `json:"risk_percent,omitempty"`
	StopDistance float64 `json:"stop_distance,omitempty"`

	Status       IntentStatus `json:"status"`
	VenueOrderID string       `json:"venue_order_id,omitempty"`
	FilledSize   float64      `json:"filled_size"`
	AvgFillPrice float64      `json:"avg_fill_price"`
	LastError    string       `json:"last_error,omitempty"`
	RiskBlocked  bool         `json:"risk_blocked,omitempty"`

	// Retry bookkeeping. Attempts counts submission attempts for this key,
	// including ones blocked before the venue call.
	Attempts    int       `json:"attempts"`
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
	NotFound    int       `json:"not_found"`

	CreatedAt   time.Time `json:"created_at"`
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Ref returns the venue reference for the intent
func (o OrderIntent) Ref() OrderRef {
	return OrderRef{Symbol: o.Symbol, OrderID: o.VenueOrderID, ClientKey: o.Key}
}

// Notional returns the intended exposure at the given reference price
func (o OrderIntent) Notional(refPrice float64) float64 {
	price := o.Price
	if price == 0 {
		price = refPrice
	}
	return abs(o.Size-o.FilledSize) * price
}

// SignedFill returns the filled size signed by side
func (o OrderIntent) SignedFill() float64 {
	return o.FilledSize * o.Side.Sign()
}

// compactKeyLen fits the 31-character order comment of broker terminals
const compactKeyLen = 31

// CompactKey shortens an idempotency key for venues whose only free-text
// order field is too short for the full key.
func CompactKey(key string) string {
	compact := strings.ReplaceAll(key, "-", "")
	if len(compact) > compactKeyLen {
		compact = compact[:compactKeyLen]
	}
	return compact
}

// KeyMatches reports whether a client key echoed by a venue refers to key
func KeyMatches(venueKey, key string) bool {
	if venueKey == "" || key == "" {
		return false
	}
	return venueKey == key || venueKey == CompactKey(key)
}
