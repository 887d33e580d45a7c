package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	engerrors "github.com/ducminhle1904/strategy-engine/internal/errors"
	"github.com/ducminhle1904/strategy-engine/internal/exchange"
	"github.com/ducminhle1904/strategy-engine/internal/exchange/mt5"
	"github.com/ducminhle1904/strategy-engine/pkg/types"
)

type mt5API interface {
	SendOrder(ctx context.Context, req mt5.TradeRequest) (*mt5.TradeResult, error)
	CancelOrder(ctx context.Context, ticket uint64) error
	ModifyPosition(ctx context.Context, ticket uint64, stopLoss, takeProfit float64) error
	Orders(ctx context.Context, since time.Time) ([]mt5.Order, error)
	OrderByComment(ctx context.Context, comment string) (*mt5.Order, error)
	Positions(ctx context.Context) ([]mt5.Position, error)
	Account(ctx context.Context) (*mt5.AccountInfo, error)
	Tick(ctx context.Context, symbol string) (*mt5.Tick, error)
	Symbol(ctx context.Context, symbol string) (*mt5.SymbolInfo, error)
}

// orderLookback is how far back order history is read when reconciling
const orderLookback = 24 * time.Hour

// MT5Adapter implements exchange.Venue over a MetaTrader 5 bridge. The
// terminal has no client order id, so the compact idempotency key travels
// in the order comment and is looked up before any resubmission.
type MT5Adapter struct {
	name       string
	account    string
	client     mt5API
	staleAfter time.Duration
	now        func() time.Time
}

var _ exchange.Venue = (*MT5Adapter)(nil)

// NewMT5Adapter creates an adapter talking to the configured bridge
func NewMT5Adapter(name, account string, config *exchange.MT5Config, staleAfter time.Duration) (*MT5Adapter, error) {
	if config == nil || config.BridgeURL == "" {
		return nil, engerrors.NewConfigurationError("mt5", "new_adapter", "MT5 bridge URL is required")
	}
	client := mt5.NewClient(mt5.Config{BaseURL: config.BridgeURL, Token: config.Token, Timeout: config.Timeout})
	return newMT5Adapter(name, account, client, staleAfter), nil
}

func newMT5Adapter(name, account string, client mt5API, staleAfter time.Duration) *MT5Adapter {
	if name == "" {
		name = exchange.VenueTypeMT5
	}
	return &MT5Adapter{name: name, account: account, client: client, staleAfter: staleAfter, now: time.Now}
}

func (m *MT5Adapter) Name() string {
	return m.name
}

// Submit sends the intent. On a retry it first searches for an order that
// carries the key, and acknowledges that one instead of sending again.
func (m *MT5Adapter) Submit(ctx context.Context, intent exchange.OrderIntent) (*exchange.VenueAck, error) {
	comment := exchange.CompactKey(intent.Key)

	if intent.Attempts > 1 {
		existing, err := m.client.OrderByComment(ctx, comment)
		if err != nil {
			return nil, m.convertError(err, false)
		}
		if existing != nil {
			vo := m.toVenueOrder(*existing)
			return &exchange.VenueAck{
				OrderID:    vo.OrderID,
				ClientKey:  intent.Key,
				Status:     vo.Status,
				FilledSize: vo.FilledSize,
				AvgPrice:   vo.AvgPrice,
				Time:       m.now(),
			}, nil
		}
	}

	req := mt5.TradeRequest{
		Symbol:     intent.Symbol,
		Type:       mt5OrderType(intent.Side, intent.Kind),
		Volume:     intent.Size,
		StopLoss:   intent.StopLoss,
		TakeProfit: intent.TakeProfit,
		Comment:    comment,
	}
	if intent.Kind != exchange.OrderKindMarket {
		req.Price = intent.Price
	}
	if intent.ReduceOnly && intent.Kind == exchange.OrderKindMarket {
		ticket, err := m.positionToReduce(ctx, intent)
		if err != nil {
			return nil, err
		}
		req.Position = ticket
	}

	res, err := m.client.SendOrder(ctx, req)
	if err != nil {
		return nil, m.convertError(err, true)
	}

	ack := &exchange.VenueAck{
		OrderID:   strconv.FormatUint(res.Order, 10),
		ClientKey: intent.Key,
		Status:    exchange.VenueOrderNew,
		Time:      m.now(),
	}
	if res.Retcode == mt5.RetcodeDone && intent.Kind == exchange.OrderKindMarket {
		ack.Status = exchange.VenueOrderFilled
		ack.FilledSize = res.Volume
		ack.AvgPrice = res.Price
	} else if res.Retcode == mt5.RetcodeDonePartial {
		ack.Status = exchange.VenueOrderPartiallyFilled
		ack.FilledSize = res.Volume
		ack.AvgPrice = res.Price
	}
	return ack, nil
}

// positionToReduce finds an opposite-side ticket large enough to close
func (m *MT5Adapter) positionToReduce(ctx context.Context, intent exchange.OrderIntent) (uint64, error) {
	positions, err := m.client.Positions(ctx)
	if err != nil {
		return 0, m.convertError(err, false)
	}
	want := "buy"
	if intent.Side == types.SideBuy {
		want = "sell"
	}
	for _, p := range positions {
		if p.Symbol == intent.Symbol && p.Type == want {
			return p.Ticket, nil
		}
	}
	return 0, exchange.NewRejected(m.name, "NO_POSITION", fmt.Sprintf("no %s position on %s to reduce", want, intent.Symbol), nil)
}

func (m *MT5Adapter) Cancel(ctx context.Context, ref exchange.OrderRef) error {
	ticket, err := m.resolveTicket(ctx, ref)
	if err != nil {
		return err
	}
	if err := m.client.CancelOrder(ctx, ticket); err != nil {
		return m.convertError(err, true)
	}
	return nil
}

func (m *MT5Adapter) resolveTicket(ctx context.Context, ref exchange.OrderRef) (uint64, error) {
	if ref.OrderID != "" {
		ticket, err := strconv.ParseUint(ref.OrderID, 10, 64)
		if err != nil {
			return 0, exchange.NewRejected(m.name, "BAD_TICKET", "order id is not a ticket", err)
		}
		return ticket, nil
	}
	order, err := m.client.OrderByComment(ctx, exchange.CompactKey(ref.ClientKey))
	if err != nil {
		return 0, m.convertError(err, false)
	}
	if order == nil {
		return 0, exchange.WithVenue(exchange.ErrOrderNotFound, m.name, nil)
	}
	return order.Ticket, nil
}

// Modify moves the protective levels of every ticket open on the symbol.
// Zero keeps the level the ticket already has.
func (m *MT5Adapter) Modify(ctx context.Context, ref exchange.OrderRef, stopLoss, takeProfit float64) error {
	positions, err := m.client.Positions(ctx)
	if err != nil {
		return m.convertError(err, false)
	}
	touched := 0
	for _, p := range positions {
		if p.Symbol != ref.Symbol {
			continue
		}
		sl, tp := p.StopLoss, p.TakeProfit
		if stopLoss > 0 {
			sl = stopLoss
		}
		if takeProfit > 0 {
			tp = takeProfit
		}
		if err := m.client.ModifyPosition(ctx, p.Ticket, sl, tp); err != nil {
			return m.convertError(err, true)
		}
		touched++
	}
	if touched == 0 {
		return exchange.WithVenue(exchange.ErrOrderNotFound, m.name, fmt.Errorf("no open position on %s", ref.Symbol))
	}
	return nil
}

func (m *MT5Adapter) QueryOrders(ctx context.Context, account string) ([]exchange.VenueOrder, error) {
	orders, err := m.client.Orders(ctx, m.now().Add(-orderLookback))
	if err != nil {
		return nil, m.convertError(err, false)
	}
	out := make([]exchange.VenueOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, m.toVenueOrder(o))
	}
	return out, nil
}

// QueryPositions nets hedging tickets into one position per symbol
func (m *MT5Adapter) QueryPositions(ctx context.Context, account string) ([]exchange.Position, error) {
	rows, err := m.client.Positions(ctx)
	if err != nil {
		return nil, m.convertError(err, false)
	}
	if account == "" {
		account = m.account
	}

	bySymbol := make(map[string]*exchange.Position)
	var order []string
	for _, row := range rows {
		signed := row.Volume
		if row.Type == "sell" {
			signed = -signed
		}
		pos, ok := bySymbol[row.Symbol]
		if !ok {
			pos = &exchange.Position{
				Account:    account,
				Symbol:     row.Symbol,
				StopLoss:   row.StopLoss,
				TakeProfit: row.TakeProfit,
				MarkPrice:  row.PriceCurrent,
			}
			bySymbol[row.Symbol] = pos
			order = append(order, row.Symbol)
		}
		// weighted entry over same-direction volume
		if pos.Size == 0 || (pos.Size > 0) == (signed > 0) {
			total := abs(pos.Size) + row.Volume
			if total > 0 {
				pos.AvgEntryPrice = (pos.AvgEntryPrice*abs(pos.Size) + row.PriceOpen*row.Volume) / total
			}
		}
		pos.Size += signed
		pos.UnrealizedPnL += row.Profit
		if t := time.UnixMilli(row.TimeMsc); t.After(pos.UpdatedAt) {
			pos.UpdatedAt = t
		}
	}

	out := make([]exchange.Position, 0, len(order))
	for _, sym := range order {
		if p := bySymbol[sym]; p.Size != 0 {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *MT5Adapter) LatestPrice(ctx context.Context, symbol string) (exchange.Quote, error) {
	tick, err := m.client.Tick(ctx, symbol)
	if err != nil {
		return exchange.Quote{}, m.convertError(err, false)
	}
	price := tick.Last
	if price == 0 && tick.Bid > 0 && tick.Ask > 0 {
		price = (tick.Bid + tick.Ask) / 2
	}
	q := exchange.Quote{Symbol: symbol, Price: price, Time: time.UnixMilli(tick.TimeMsc)}
	if m.staleAfter > 0 && m.now().Sub(q.Time) > m.staleAfter {
		q.Stale = true
	}
	return q, nil
}

func (m *MT5Adapter) Equity(ctx context.Context, account string) (float64, error) {
	info, err := m.client.Account(ctx)
	if err != nil {
		return 0, m.convertError(err, false)
	}
	return info.Equity, nil
}

func (m *MT5Adapter) Constraints(ctx context.Context, symbol string) (*exchange.TradingConstraints, error) {
	info, err := m.client.Symbol(ctx, symbol)
	if err != nil {
		return nil, m.convertError(err, false)
	}
	cv := info.ContractSize
	if cv == 0 {
		cv = 1
	}
	return &exchange.TradingConstraints{
		Symbol:        symbol,
		MinOrderQty:   info.VolumeMin,
		MaxOrderQty:   info.VolumeMax,
		QtyStep:       info.VolumeStep,
		MinPriceStep:  info.Point,
		ContractValue: cv,
	}, nil
}

func (m *MT5Adapter) toVenueOrder(o mt5.Order) exchange.VenueOrder {
	side := types.SideBuy
	kind := exchange.OrderKindMarket
	switch o.Type {
	case "sell", "sell_limit", "sell_stop":
		side = types.SideSell
	}
	switch o.Type {
	case "buy_limit", "sell_limit":
		kind = exchange.OrderKindLimit
	case "buy_stop", "sell_stop":
		kind = exchange.OrderKindStop
	}

	status := exchange.VenueOrderNew
	filled := 0.0
	switch o.State {
	case "partial":
		status = exchange.VenueOrderPartiallyFilled
		filled = o.VolumeInitial - o.VolumeCurrent
	case "filled":
		status = exchange.VenueOrderFilled
		filled = o.VolumeInitial
	case "canceled", "expired":
		status = exchange.VenueOrderCancelled
		filled = o.VolumeInitial - o.VolumeCurrent
	case "rejected":
		status = exchange.VenueOrderRejected
	}
	avg := o.FillPrice
	if avg == 0 && filled > 0 {
		avg = o.PriceOpen
	}

	updated := o.TimeDoneMsc
	if updated == 0 {
		updated = o.TimeSetupMsc
	}
	return exchange.VenueOrder{
		OrderID:    strconv.FormatUint(o.Ticket, 10),
		ClientKey:  o.Comment,
		Symbol:     o.Symbol,
		Side:       side,
		Kind:       kind,
		Size:       o.VolumeInitial,
		Price:      o.PriceOpen,
		FilledSize: filled,
		AvgPrice:   avg,
		Status:     status,
		UpdatedAt:  time.UnixMilli(updated),
	}
}

func mt5OrderType(side types.Side, kind exchange.OrderKind) string {
	base := "buy"
	if side == types.SideSell {
		base = "sell"
	}
	switch kind {
	case exchange.OrderKindLimit:
		return base + "_limit"
	case exchange.OrderKindStop:
		return base + "_stop"
	}
	return base
}

// convertError maps trade server retcodes and bridge statuses onto kinds
func (m *MT5Adapter) convertError(err error, mutating bool) error {
	var bridgeErr *mt5.BridgeError
	if !errors.As(err, &bridgeErr) {
		if mutating && !notSent(err) {
			return exchange.NewUnknown(m.name, "TRANSPORT", "request outcome unknown", err)
		}
		return exchange.NewTransient(m.name, "TRANSPORT", "request failed", err)
	}

	code := fmt.Sprintf("MT5_%d", bridgeErr.Retcode)
	switch bridgeErr.Retcode {
	case mt5.RetcodeRequote, mt5.RetcodePriceChanged, mt5.RetcodePriceOff,
		mt5.RetcodeConnection, mt5.RetcodeLocked:
		return exchange.NewTransient(m.name, code, "trade server busy", err)
	case mt5.RetcodeTooManyRequests:
		return exchange.WithVenue(exchange.ErrRateLimitExceeded, m.name, err)
	case mt5.RetcodeTimeout:
		return exchange.NewUnknown(m.name, code, "trade server timed out", err)
	case mt5.RetcodeNoMoney:
		return exchange.WithVenue(exchange.ErrInsufficientBalance, m.name, err)
	case mt5.RetcodeInvalidVolume, mt5.RetcodeLimitVolume:
		return exchange.WithVenue(exchange.ErrOrderSizeTooSmall, m.name, err)
	case 0:
	default:
		return exchange.NewRejected(m.name, code, "order rejected", err)
	}

	// bridge-level HTTP failure
	switch {
	case bridgeErr.Status == http.StatusUnauthorized || bridgeErr.Status == http.StatusForbidden:
		return exchange.WithVenue(exchange.ErrAuthenticationFailed, m.name, err)
	case bridgeErr.Status == http.StatusNotFound:
		return exchange.WithVenue(exchange.ErrOrderNotFound, m.name, err)
	case bridgeErr.Status == http.StatusTooManyRequests:
		return exchange.WithVenue(exchange.ErrRateLimitExceeded, m.name, err)
	case bridgeErr.Status >= 500:
		if mutating && bridgeErr.Status != http.StatusServiceUnavailable {
			return exchange.NewUnknown(m.name, fmt.Sprintf("HTTP_%d", bridgeErr.Status), "bridge failed mid-request", err)
		}
		return exchange.NewTransient(m.name, fmt.Sprintf("HTTP_%d", bridgeErr.Status), "bridge unavailable", err)
	default:
		return exchange.NewRejected(m.name, fmt.Sprintf("HTTP_%d", bridgeErr.Status), "bridge refused request", err)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
