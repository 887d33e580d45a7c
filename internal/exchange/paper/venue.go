package paper

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ducminhle1904/strategy-engine/internal/exchange"
	"github.com/ducminhle1904/strategy-engine/pkg/types"
)

// Options configures a paper venue
type Options struct {
	Name          string
	Equity        float64
	StaleAfter    time.Duration
	NativeDedupe  bool // dedupe submissions by client key like an exchange
	DefaultLimits exchange.TradingConstraints
	Clock         func() time.Time
}

// Venue is an in-memory venue that fills market orders at the last price,
// rests limit and stop orders until the price reaches them, and closes
// positions on their stop-loss or take-profit.
type Venue struct {
	mu sync.Mutex

	name         string
	nativeDedupe bool
	staleAfter   time.Duration
	clock        func() time.Time

	balance    map[string]float64
	initial    float64
	prices     map[string]exchange.Quote
	orders     map[string]*order
	orderSeq   []string
	byKey      map[string]string
	positions  map[string]*exchange.Position
	limits     map[string]exchange.TradingConstraints
	defaultLim exchange.TradingConstraints
	nextID     int

	// fault injection
	submitFaults []submitFault
	queryErr     error
	submitCalls  int
	submitDelay  time.Duration
}

type order struct {
	account string
	exchange.VenueOrder
	stopLoss   float64
	takeProfit float64
	reduceOnly bool
}

type submitFault struct {
	err         error
	acceptFirst bool
}

// New creates a paper venue
func New(opts Options) *Venue {
	if opts.Name == "" {
		opts.Name = "paper"
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.DefaultLimits.QtyStep == 0 {
		opts.DefaultLimits = exchange.TradingConstraints{MinOrderQty: 0.001, QtyStep: 0.001, ContractValue: 1}
	}
	return &Venue{
		name:         opts.Name,
		nativeDedupe: opts.NativeDedupe,
		staleAfter:   opts.StaleAfter,
		clock:        opts.Clock,
		balance:      make(map[string]float64),
		initial:      opts.Equity,
		prices:       make(map[string]exchange.Quote),
		orders:       make(map[string]*order),
		byKey:        make(map[string]string),
		positions:    make(map[string]*exchange.Position),
		limits:       make(map[string]exchange.TradingConstraints),
		defaultLim:   opts.DefaultLimits,
	}
}

// Name returns the venue name
func (v *Venue) Name() string { return v.name }

// SetConstraints overrides trading limits for a symbol
func (v *Venue) SetConstraints(c exchange.TradingConstraints) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.limits[c.Symbol] = c
}

// FailNextSubmit makes the next Submit return err without accepting the order
func (v *Venue) FailNextSubmit(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.submitFaults = append(v.submitFaults, submitFault{err: err})
}

// AcceptThenFail makes the next Submit accept the order but report err,
// the way a lost acknowledgement looks to the caller
func (v *Venue) AcceptThenFail(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.submitFaults = append(v.submitFaults, submitFault{err: err, acceptFirst: true})
}

// SetSubmitDelay makes Submit accept the order and then wait for d or
// until the caller gives up
func (v *Venue) SetSubmitDelay(d time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.submitDelay = d
}

// SetQueryError makes order and position queries fail until cleared with nil
func (v *Venue) SetQueryError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.queryErr = err
}

// SubmitCalls returns how many times Submit was called
func (v *Venue) SubmitCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.submitCalls
}

// AcceptedCount returns how many orders the venue accepted for a client key
func (v *Venue) AcceptedCount(key string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, o := range v.orders {
		if o.ClientKey == key && o.Status != exchange.VenueOrderRejected {
			n++
		}
	}
	return n
}

// Orders returns every order the venue has seen, in submission order
func (v *Venue) Orders() []exchange.VenueOrder {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]exchange.VenueOrder, 0, len(v.orderSeq))
	for _, id := range v.orderSeq {
		out = append(out, v.orders[id].VenueOrder)
	}
	return out
}

// ClosePosition flattens a position at the last price, as if closed by hand
func (v *Venue) ClosePosition(account, symbol string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	pos, ok := v.positions[posKey(account, symbol)]
	if !ok {
		return
	}
	v.closeLocked(account, pos, v.prices[symbol].Price)
}

// SetPrice records a new price and works resting orders and protective stops
func (v *Venue) SetPrice(symbol string, price float64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.prices[symbol] = exchange.Quote{Symbol: symbol, Price: price, Time: v.clock()}

	for _, id := range v.orderSeq {
		o := v.orders[id]
		if o.Symbol != symbol || (o.Status != exchange.VenueOrderNew && o.Status != exchange.VenueOrderPartiallyFilled) {
			continue
		}
		if reached(o, price) {
			v.fillLocked(o, o.Price)
		}
	}

	for key, pos := range v.positions {
		if pos.Symbol != symbol || pos.Size == 0 {
			continue
		}
		pos.MarkPrice = price
		pos.UnrealizedPnL = (price - pos.AvgEntryPrice) * pos.Size
		if hitStop(pos, price) || hitTarget(pos, price) {
			v.closeLocked(accountOf(key), pos, price)
		}
	}
}

// Submit places an order. With native dedupe, a repeated client key
// returns the original order instead of creating a new one.
func (v *Venue) Submit(ctx context.Context, intent exchange.OrderIntent) (*exchange.VenueAck, error) {
	v.mu.Lock()
	v.submitCalls++

	var fault *submitFault
	if len(v.submitFaults) > 0 {
		f := v.submitFaults[0]
		v.submitFaults = v.submitFaults[1:]
		fault = &f
	}

	if fault != nil && !fault.acceptFirst {
		v.mu.Unlock()
		return nil, fault.err
	}

	if v.nativeDedupe && intent.Key != "" {
		if id, ok := v.byKey[intent.Key]; ok {
			ack := ackOf(v.orders[id])
			v.mu.Unlock()
			return ack, nil
		}
	}

	o, err := v.acceptLocked(intent)
	delay := v.submitDelay
	v.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if fault != nil {
		return nil, fault.err
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	return ackOf(o), nil
}

func (v *Venue) acceptLocked(intent exchange.OrderIntent) (*order, error) {
	if intent.Size <= 0 {
		return nil, exchange.NewRejected(v.name, "INVALID_SIZE", "order size must be positive", nil)
	}
	lim := v.constraintsLocked(intent.Symbol)
	if intent.Size < lim.MinOrderQty {
		return nil, exchange.WithVenue(exchange.ErrOrderSizeTooSmall, v.name, nil)
	}

	quote, ok := v.prices[intent.Symbol]
	if intent.Kind == exchange.OrderKindMarket && (!ok || quote.Price <= 0) {
		return nil, exchange.NewRejected(v.name, "NO_PRICE", "no market price for "+intent.Symbol, nil)
	}

	v.nextID++
	o := &order{
		account: intent.Account,
		VenueOrder: exchange.VenueOrder{
			OrderID:   fmt.Sprintf("P%06d", v.nextID),
			ClientKey: intent.Key,
			Symbol:    intent.Symbol,
			Side:      intent.Side,
			Kind:      intent.Kind,
			Size:      intent.Size,
			Price:     intent.Price,
			Status:    exchange.VenueOrderNew,
			UpdatedAt: v.clock(),
		},
		stopLoss:   intent.StopLoss,
		takeProfit: intent.TakeProfit,
		reduceOnly: intent.ReduceOnly,
	}
	v.orders[o.OrderID] = o
	v.orderSeq = append(v.orderSeq, o.OrderID)
	if intent.Key != "" {
		v.byKey[intent.Key] = o.OrderID
	}

	if o.reduceOnly {
		pos := v.positions[posKey(o.account, o.Symbol)]
		if pos == nil || pos.Size == 0 || math.Signbit(pos.Size) == (o.Side == types.SideSell) {
			o.Status = exchange.VenueOrderRejected
			o.Reason = "reduce-only order would open a position"
			return o, nil
		}
	}

	switch {
	case o.Kind == exchange.OrderKindMarket:
		v.fillLocked(o, quote.Price)
	case ok && reached(o, quote.Price):
		v.fillLocked(o, o.Price)
	}
	return o, nil
}

// Cancel cancels a resting order. Cancelling a finished order is a no-op.
func (v *Venue) Cancel(ctx context.Context, ref exchange.OrderRef) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	o := v.lookupLocked(ref)
	if o == nil {
		return exchange.WithVenue(exchange.ErrOrderNotFound, v.name, nil)
	}
	if o.Status == exchange.VenueOrderNew || o.Status == exchange.VenueOrderPartiallyFilled {
		o.Status = exchange.VenueOrderCancelled
		o.UpdatedAt = v.clock()
	}
	return nil
}

// Modify moves the position-level stop-loss and take-profit for ref.Symbol
func (v *Venue) Modify(ctx context.Context, ref exchange.OrderRef, stopLoss, takeProfit float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	account := ""
	if o := v.lookupLocked(ref); o != nil {
		account = o.account
	}
	pos, ok := v.positions[posKey(account, ref.Symbol)]
	if !ok || pos.Size == 0 {
		return exchange.NewRejected(v.name, "NO_POSITION", "no open position for "+ref.Symbol, nil)
	}
	if stopLoss > 0 {
		pos.StopLoss = stopLoss
	}
	if takeProfit > 0 {
		pos.TakeProfit = takeProfit
	}
	pos.UpdatedAt = v.clock()
	return nil
}

// QueryOrders returns all orders for account, including finished ones
func (v *Venue) QueryOrders(ctx context.Context, account string) ([]exchange.VenueOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.queryErr != nil {
		return nil, v.queryErr
	}
	var out []exchange.VenueOrder
	for _, id := range v.orderSeq {
		if o := v.orders[id]; o.account == account {
			out = append(out, o.VenueOrder)
		}
	}
	return out, nil
}

// QueryPositions returns open positions for account. A closed position
// stays listed flat with its realized result until it is reopened.
func (v *Venue) QueryPositions(ctx context.Context, account string) ([]exchange.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.queryErr != nil {
		return nil, v.queryErr
	}
	var out []exchange.Position
	for key, pos := range v.positions {
		if accountOf(key) == account && (pos.Size != 0 || pos.RealizedPnL != 0) {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// LatestPrice returns the last price set for symbol
func (v *Venue) LatestPrice(ctx context.Context, symbol string) (exchange.Quote, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	q, ok := v.prices[symbol]
	if !ok {
		return exchange.Quote{Symbol: symbol, Stale: true}, exchange.WithVenue(exchange.ErrInvalidSymbol, v.name, nil)
	}
	if v.staleAfter > 0 && v.clock().Sub(q.Time) > v.staleAfter {
		q.Stale = true
	}
	return q, nil
}

// Equity returns balance plus unrealized P&L for account
func (v *Venue) Equity(ctx context.Context, account string) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	equity := v.initial + v.balance[account]
	for key, pos := range v.positions {
		if accountOf(key) == account {
			equity += pos.UnrealizedPnL
		}
	}
	return equity, nil
}

// Constraints returns trading limits for symbol
func (v *Venue) Constraints(ctx context.Context, symbol string) (*exchange.TradingConstraints, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	c := v.constraintsLocked(symbol)
	return &c, nil
}

func (v *Venue) constraintsLocked(symbol string) exchange.TradingConstraints {
	if c, ok := v.limits[symbol]; ok {
		return c
	}
	c := v.defaultLim
	c.Symbol = symbol
	return c
}

func (v *Venue) lookupLocked(ref exchange.OrderRef) *order {
	if ref.OrderID != "" {
		if o, ok := v.orders[ref.OrderID]; ok {
			return o
		}
	}
	if ref.ClientKey != "" {
		if id, ok := v.byKey[ref.ClientKey]; ok {
			return v.orders[id]
		}
	}
	return nil
}

func (v *Venue) fillLocked(o *order, price float64) {
	key := posKey(o.account, o.Symbol)
	pos, ok := v.positions[key]
	if !ok {
		pos = &exchange.Position{Account: o.account, Symbol: o.Symbol, ContractValue: 1}
		v.positions[key] = pos
	}

	qty := o.Size - o.FilledSize
	if o.reduceOnly {
		qty = math.Min(qty, math.Abs(pos.Size))
	}
	signed := qty * o.Side.Sign()

	switch {
	case pos.Size == 0 || math.Signbit(pos.Size) == math.Signbit(signed):
		if pos.Size == 0 {
			pos.RealizedPnL = 0
		}
		total := pos.Size + signed
		pos.AvgEntryPrice = (pos.AvgEntryPrice*math.Abs(pos.Size) + price*qty) / math.Abs(total)
		pos.Size = total
	case math.Abs(signed) <= math.Abs(pos.Size):
		pnl := (price - pos.AvgEntryPrice) * -signed
		v.balance[o.account] += pnl
		pos.RealizedPnL += pnl
		pos.Size += signed
	default:
		pnl := (price - pos.AvgEntryPrice) * pos.Size
		v.balance[o.account] += pnl
		pos.RealizedPnL = pnl
		pos.Size += signed
		pos.AvgEntryPrice = price
		pos.StopLoss, pos.TakeProfit = 0, 0
	}

	if math.Abs(pos.Size) < 1e-12 {
		pos.Size = 0
		pos.AvgEntryPrice = 0
		pos.StopLoss, pos.TakeProfit = 0, 0
	} else if !o.reduceOnly {
		if o.stopLoss > 0 {
			pos.StopLoss = o.stopLoss
		}
		if o.takeProfit > 0 {
			pos.TakeProfit = o.takeProfit
		}
	}
	pos.MarkPrice = price
	pos.UnrealizedPnL = (price - pos.AvgEntryPrice) * pos.Size
	pos.UpdatedAt = v.clock()

	o.AvgPrice = price
	o.FilledSize = o.Size
	o.Status = exchange.VenueOrderFilled
	o.UpdatedAt = v.clock()
}

func (v *Venue) closeLocked(account string, pos *exchange.Position, price float64) {
	pnl := (price - pos.AvgEntryPrice) * pos.Size
	v.balance[account] += pnl
	pos.RealizedPnL += pnl
	pos.Size = 0
	pos.AvgEntryPrice = 0
	pos.UnrealizedPnL = 0
	pos.StopLoss, pos.TakeProfit = 0, 0
	pos.MarkPrice = price
	pos.UpdatedAt = v.clock()
}

func reached(o *order, price float64) bool {
	switch o.Kind {
	case exchange.OrderKindLimit:
		if o.Side == types.SideBuy {
			return price <= o.Price
		}
		return price >= o.Price
	case exchange.OrderKindStop:
		if o.Side == types.SideBuy {
			return price >= o.Price
		}
		return price <= o.Price
	}
	return false
}

func hitStop(pos *exchange.Position, price float64) bool {
	if pos.StopLoss == 0 {
		return false
	}
	if pos.Size > 0 {
		return price <= pos.StopLoss
	}
	return price >= pos.StopLoss
}

func hitTarget(pos *exchange.Position, price float64) bool {
	if pos.TakeProfit == 0 {
		return false
	}
	if pos.Size > 0 {
		return price >= pos.TakeProfit
	}
	return price <= pos.TakeProfit
}

func ackOf(o *order) *exchange.VenueAck {
	return &exchange.VenueAck{
		OrderID:    o.OrderID,
		ClientKey:  o.ClientKey,
		Status:     o.Status,
		FilledSize: o.FilledSize,
		AvgPrice:   o.AvgPrice,
		Time:       o.UpdatedAt,
	}
}

func posKey(account, symbol string) string {
	return account + "|" + symbol
}

func accountOf(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i]
		}
	}
	return key
}
