package exchange

import (
	"context"
	"time"

	"github.com/ducminhle1904/strategy-engine/pkg/types"
)

// Venue is the uniform contract over a trading venue. The engine is
// agnostic to whether the implementation is broker-style or exchange-style.
//
// Submit must be safe to retry with the same idempotency key: adapters
// either rely on a venue-native client order id or look the key up before
// resubmitting. Every call may fail with an *ExchangeError whose Kind is
// TRANSIENT, REJECTED or UNKNOWN.
type Venue interface {
	// Venue identification
	Name() string

	// Order operations
	Submit(ctx context.Context, intent OrderIntent) (*VenueAck, error)
	Cancel(ctx context.Context, ref OrderRef) error
	Modify(ctx context.Context, ref OrderRef, stopLoss, takeProfit float64) error

	// Venue truth
	QueryOrders(ctx context.Context, account string) ([]VenueOrder, error)
	QueryPositions(ctx context.Context, account string) ([]Position, error)

	// Market and account state
	LatestPrice(ctx context.Context, symbol string) (Quote, error)
	Equity(ctx context.Context, account string) (float64, error)
	Constraints(ctx context.Context, symbol string) (*TradingConstraints, error)
}

// OrderRef identifies an order at a venue. Either id may be empty.
type OrderRef struct {
	Symbol    string `json:"symbol"`
	OrderID   string `json:"order_id,omitempty"`
	ClientKey string `json:"client_key,omitempty"`
}

// VenueOrderStatus is the order status as reported by a venue
type VenueOrderStatus string

const (
	VenueOrderNew             VenueOrderStatus = "New"
	VenueOrderPartiallyFilled VenueOrderStatus = "PartiallyFilled"
	VenueOrderFilled          VenueOrderStatus = "Filled"
	VenueOrderCancelled       VenueOrderStatus = "Cancelled"
	VenueOrderRejected        VenueOrderStatus = "Rejected"
)

// VenueAck is the venue's confirmation that it received an order
type VenueAck struct {
	OrderID    string           `json:"order_id"`
	ClientKey  string           `json:"client_key"`
	Status     VenueOrderStatus `json:"status"`
	FilledSize float64          `json:"filled_size"`
	AvgPrice   float64          `json:"avg_price"`
	Time       time.Time        `json:"time"`
}

// VenueOrder is an order as reported by a venue query
type VenueOrder struct {
	OrderID    string           `json:"order_id"`
	ClientKey  string           `json:"client_key"`
	Symbol     string           `json:"symbol"`
	Side       types.Side       `json:"side"`
	Kind       OrderKind        `json:"kind"`
	Size       float64          `json:"size"`
	Price      float64          `json:"price"`
	FilledSize float64          `json:"filled_size"`
	AvgPrice   float64          `json:"avg_price"`
	Status     VenueOrderStatus `json:"status"`
	Reason     string           `json:"reason,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Position is venue-reported ground truth for an open position.
// Size is signed: positive for long, negative for short.
type Position struct {
	Account       string    `json:"account"`
	Symbol        string    `json:"symbol"`
	Size          float64   `json:"size"`
	AvgEntryPrice float64   `json:"avg_entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	RealizedPnL   float64   `json:"realized_pnl,omitempty"` // since the position last opened from flat; 0 when not reported
	StopLoss      float64   `json:"stop_loss,omitempty"`
	TakeProfit    float64   `json:"take_profit,omitempty"`
	ContractValue float64   `json:"contract_value,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IsFlat reports whether the position holds no size
func (p Position) IsFlat(tolerance float64) bool {
	return abs(p.Size) <= tolerance
}

// Notional returns the absolute exposure of the position
func (p Position) Notional() float64 {
	price := p.MarkPrice
	if price == 0 {
		price = p.AvgEntryPrice
	}
	cv := p.ContractValue
	if cv == 0 {
		cv = 1
	}
	return abs(p.Size) * price * cv
}

// Quote is the latest known price for a symbol
type Quote struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Time   time.Time `json:"time"`
	Stale  bool      `json:"stale"`
}

// TradingConstraints represents venue-specific trading limits for a symbol
type TradingConstraints struct {
	Symbol        string  `json:"symbol"`
	MinOrderQty   float64 `json:"min_order_qty"`
	MaxOrderQty   float64 `json:"max_order_qty"`
	QtyStep       float64 `json:"qty_step"`
	MinPriceStep  float64 `json:"min_price_step"`
	ContractValue float64 `json:"contract_value"` // value of one unit per unit of price
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
