package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"

	engerrors "github.com/ducminhle1904/strategy-engine/internal/errors"
	"github.com/ducminhle1904/strategy-engine/internal/exchange"
	"github.com/ducminhle1904/strategy-engine/internal/exchange/bybit"
	"github.com/ducminhle1904/strategy-engine/pkg/types"
)

// bybitAPI is the subset of the Bybit client the adapter drives
type bybitAPI interface {
	PlaceOrder(ctx context.Context, params bybit.PlaceOrderParams) (*bybit.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID, orderLinkID string) error
	GetOpenOrders(ctx context.Context, symbol, orderLinkID string) ([]bybit.Order, error)
	GetOrderHistory(ctx context.Context, symbol, orderLinkID string, limit int) ([]bybit.Order, error)
	GetOrderByLinkID(ctx context.Context, symbol, orderLinkID string) (*bybit.Order, error)
	GetPositions(ctx context.Context, symbol string) ([]bybit.PositionInfo, error)
	SetTradingStop(ctx context.Context, symbol string, positionIdx int, takeProfit, stopLoss string) error
	GetLatestPrice(ctx context.Context, symbol string) (float64, error)
	GetEquity(ctx context.Context) (float64, error)
	GetInstrument(ctx context.Context, symbol string) (*bybit.Instrument, error)
}

// historyDepth bounds how many closed orders a reconciliation pass reads
const historyDepth = 50

// BybitAdapter implements exchange.Venue for Bybit. The idempotency key is
// sent as orderLinkId, which Bybit enforces as unique per account.
type BybitAdapter struct {
	name    string
	account string
	client  bybitAPI
	now     func() time.Time
}

var _ exchange.Venue = (*BybitAdapter)(nil)

// NewBybitAdapter creates a new Bybit adapter instance
func NewBybitAdapter(name, account string, config *exchange.BybitConfig) (*BybitAdapter, error) {
	if config == nil {
		return nil, engerrors.NewConfigurationError("bybit", "new_adapter", "Bybit configuration is required")
	}

	client := bybit.NewClient(bybit.Config{
		APIKey:    config.APIKey,
		APISecret: config.APISecret,
		Testnet:   config.Testnet,
		Demo:      config.Demo,
		Category:  config.Category,
	})
	return newBybitAdapter(name, account, client), nil
}

func newBybitAdapter(name, account string, client bybitAPI) *BybitAdapter {
	if name == "" {
		name = exchange.VenueTypeBybit
	}
	return &BybitAdapter{name: name, account: account, client: client, now: time.Now}
}

// Name returns the venue routing name
func (b *BybitAdapter) Name() string {
	return b.name
}

// Submit places the intent. A duplicate orderLinkId means an earlier
// attempt landed, so the existing order is looked up and acknowledged.
func (b *BybitAdapter) Submit(ctx context.Context, intent exchange.OrderIntent) (*exchange.VenueAck, error) {
	params := bybit.PlaceOrderParams{
		Symbol:      intent.Symbol,
		Side:        bybitSide(intent.Side),
		OrderType:   bybit.OrderTypeMarket,
		Qty:         bybit.FormatFloat(intent.Size),
		OrderLinkID: intent.Key,
		ReduceOnly:  intent.ReduceOnly,
	}
	switch intent.Kind {
	case exchange.OrderKindLimit:
		params.OrderType = bybit.OrderTypeLimit
		params.Price = bybit.FormatFloat(intent.Price)
		params.TimeInForce = bybit.TimeInForceGTC
	case exchange.OrderKindStop:
		params.TriggerPrice = bybit.FormatFloat(intent.Price)
	}
	if intent.TakeProfit > 0 {
		params.TakeProfit = bybit.FormatFloat(intent.TakeProfit)
	}
	if intent.StopLoss > 0 {
		params.StopLoss = bybit.FormatFloat(intent.StopLoss)
	}

	order, err := b.client.PlaceOrder(ctx, params)
	if err != nil {
		if bybit.IsDuplicateLinkID(err) {
			return b.ackExisting(ctx, intent)
		}
		return nil, b.convertError(err, true)
	}

	return &exchange.VenueAck{
		OrderID:   order.OrderID,
		ClientKey: intent.Key,
		Status:    exchange.VenueOrderNew,
		Time:      b.now(),
	}, nil
}

func (b *BybitAdapter) ackExisting(ctx context.Context, intent exchange.OrderIntent) (*exchange.VenueAck, error) {
	order, err := b.client.GetOrderByLinkID(ctx, intent.Symbol, intent.Key)
	if err != nil {
		return nil, exchange.NewUnknown(b.name, "DUPLICATE_LOOKUP_FAILED", "order exists but lookup failed", err)
	}
	if order == nil {
		return nil, exchange.NewUnknown(b.name, "DUPLICATE_NOT_VISIBLE", "duplicate orderLinkId reported but order not visible", nil)
	}
	vo := b.toVenueOrder(*order)
	return &exchange.VenueAck{
		OrderID:    vo.OrderID,
		ClientKey:  intent.Key,
		Status:     vo.Status,
		FilledSize: vo.FilledSize,
		AvgPrice:   vo.AvgPrice,
		Time:       b.now(),
	}, nil
}

func (b *BybitAdapter) Cancel(ctx context.Context, ref exchange.OrderRef) error {
	if err := b.client.CancelOrder(ctx, ref.Symbol, ref.OrderID, ref.ClientKey); err != nil {
		return b.convertError(err, true)
	}
	return nil
}

// Modify moves position-level protective levels. Zero leaves a level as is.
func (b *BybitAdapter) Modify(ctx context.Context, ref exchange.OrderRef, stopLoss, takeProfit float64) error {
	var tp, sl string
	if takeProfit > 0 {
		tp = bybit.FormatFloat(takeProfit)
	}
	if stopLoss > 0 {
		sl = bybit.FormatFloat(stopLoss)
	}
	if tp == "" && sl == "" {
		return nil
	}
	if err := b.client.SetTradingStop(ctx, ref.Symbol, 0, tp, sl); err != nil {
		return b.convertError(err, true)
	}
	return nil
}

// QueryOrders returns open orders plus recent history. One API key is one
// account, so account only labels the result.
func (b *BybitAdapter) QueryOrders(ctx context.Context, account string) ([]exchange.VenueOrder, error) {
	open, err := b.client.GetOpenOrders(ctx, "", "")
	if err != nil {
		return nil, b.convertError(err, false)
	}
	history, err := b.client.GetOrderHistory(ctx, "", "", historyDepth)
	if err != nil {
		return nil, b.convertError(err, false)
	}

	seen := make(map[string]bool, len(open)+len(history))
	orders := make([]exchange.VenueOrder, 0, len(open)+len(history))
	for _, o := range append(open, history...) {
		if seen[o.OrderID] {
			continue
		}
		seen[o.OrderID] = true
		orders = append(orders, b.toVenueOrder(o))
	}
	return orders, nil
}

func (b *BybitAdapter) QueryPositions(ctx context.Context, account string) ([]exchange.Position, error) {
	rows, err := b.client.GetPositions(ctx, "")
	if err != nil {
		return nil, b.convertError(err, false)
	}
	if account == "" {
		account = b.account
	}

	positions := make([]exchange.Position, 0, len(rows))
	for _, row := range rows {
		size := row.SignedSize()
		if size == 0 {
			continue
		}
		positions = append(positions, exchange.Position{
			Account:       account,
			Symbol:        row.Symbol,
			Size:          size,
			AvgEntryPrice: bybit.ParseFloat(row.AvgPrice),
			MarkPrice:     bybit.ParseFloat(row.MarkPrice),
			UnrealizedPnL: bybit.ParseFloat(row.UnrealisedPnl),
			StopLoss:      bybit.ParseFloat(row.StopLoss),
			TakeProfit:    bybit.ParseFloat(row.TakeProfit),
			ContractValue: 1,
			UpdatedAt:     b.now(),
		})
	}
	return positions, nil
}

func (b *BybitAdapter) LatestPrice(ctx context.Context, symbol string) (exchange.Quote, error) {
	price, err := b.client.GetLatestPrice(ctx, symbol)
	if err != nil {
		return exchange.Quote{}, b.convertError(err, false)
	}
	return exchange.Quote{Symbol: symbol, Price: price, Time: b.now()}, nil
}

func (b *BybitAdapter) Equity(ctx context.Context, account string) (float64, error) {
	equity, err := b.client.GetEquity(ctx)
	if err != nil {
		return 0, b.convertError(err, false)
	}
	return equity, nil
}

func (b *BybitAdapter) Constraints(ctx context.Context, symbol string) (*exchange.TradingConstraints, error) {
	inst, err := b.client.GetInstrument(ctx, symbol)
	if err != nil {
		return nil, b.convertError(err, false)
	}
	return &exchange.TradingConstraints{
		Symbol:        symbol,
		MinOrderQty:   inst.MinOrderQty,
		MaxOrderQty:   inst.MaxOrderQty,
		QtyStep:       inst.QtyStep,
		MinPriceStep:  inst.TickSize,
		ContractValue: 1,
	}, nil
}

func (b *BybitAdapter) toVenueOrder(o bybit.Order) exchange.VenueOrder {
	kind := exchange.OrderKindMarket
	price := bybit.ParseFloat(o.Price)
	if o.OrderType == bybit.OrderTypeLimit {
		kind = exchange.OrderKindLimit
	} else if o.TriggerPrice != "" && bybit.ParseFloat(o.TriggerPrice) > 0 {
		kind = exchange.OrderKindStop
		price = bybit.ParseFloat(o.TriggerPrice)
	}
	side := types.SideBuy
	if o.Side == bybit.OrderSideSell {
		side = types.SideSell
	}
	return exchange.VenueOrder{
		OrderID:    o.OrderID,
		ClientKey:  o.OrderLinkID,
		Symbol:     o.Symbol,
		Side:       side,
		Kind:       kind,
		Size:       bybit.ParseFloat(o.Qty),
		Price:      price,
		FilledSize: bybit.ParseFloat(o.CumExecQty),
		AvgPrice:   bybit.ParseFloat(o.AvgPrice),
		Status:     bybitStatus(o.OrderStatus),
		Reason:     o.RejectReason,
		UpdatedAt:  o.Updated(),
	}
}

func bybitSide(side types.Side) bybit.OrderSide {
	if side == types.SideSell {
		return bybit.OrderSideSell
	}
	return bybit.OrderSideBuy
}

func bybitStatus(s bybit.OrderStatus) exchange.VenueOrderStatus {
	switch s {
	case bybit.OrderStatusPartiallyFilled:
		return exchange.VenueOrderPartiallyFilled
	case bybit.OrderStatusFilled:
		return exchange.VenueOrderFilled
	case bybit.OrderStatusCancelled, bybit.OrderStatusPartiallyFilledCanceled, bybit.OrderStatusDeactivated:
		return exchange.VenueOrderCancelled
	case bybit.OrderStatusRejected:
		return exchange.VenueOrderRejected
	default:
		return exchange.VenueOrderNew
	}
}

// convertError maps Bybit failures onto venue kinds. A transport failure on
// a mutating call is UNKNOWN: the request may have reached the matcher.
func (b *BybitAdapter) convertError(err error, mutating bool) error {
	code := bybit.Code(err)
	switch {
	case code == 0:
		if mutating && !notSent(err) {
			return exchange.NewUnknown(b.name, "TRANSPORT", "request outcome unknown", err)
		}
		return exchange.NewTransient(b.name, "TRANSPORT", "request failed", err)
	case bybit.IsRetryableCode(code):
		if code == bybit.ErrCodeRateLimitExceeded {
			return exchange.WithVenue(exchange.ErrRateLimitExceeded, b.name, err)
		}
		return exchange.NewTransient(b.name, fmt.Sprintf("BYBIT_%d", code), "venue busy", err)
	case bybit.IsAuthenticationError(err):
		return exchange.WithVenue(exchange.ErrAuthenticationFailed, b.name, err)
	case code == bybit.ErrCodeInsufficientBalance:
		return exchange.WithVenue(exchange.ErrInsufficientBalance, b.name, err)
	case code == bybit.ErrCodeSymbolNotFound:
		return exchange.WithVenue(exchange.ErrInvalidSymbol, b.name, err)
	case code == bybit.ErrCodeInvalidQuantity:
		return exchange.WithVenue(exchange.ErrOrderSizeTooSmall, b.name, err)
	case code == bybit.ErrCodeOrderNotFound:
		return exchange.WithVenue(exchange.ErrOrderNotFound, b.name, err)
	default:
		return exchange.NewRejected(b.name, fmt.Sprintf("BYBIT_%d", code), "order rejected", err)
	}
}

// notSent reports transport failures that prove the request never left,
// such as a refused dial.
func notSent(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return engerrors.Categorize(err) == engerrors.ErrorCategoryTransient
}
