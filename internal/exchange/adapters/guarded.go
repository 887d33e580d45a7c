package adapters

import (
	"context"
	"errors"
	"time"

	engerrors "github.com/ducminhle1904/strategy-engine/internal/errors"
	"github.com/ducminhle1904/strategy-engine/internal/exchange"
	"github.com/ducminhle1904/strategy-engine/internal/safety"
	"github.com/ducminhle1904/strategy-engine/pkg/types"
)

// GuardConfig bounds how a venue may be called
type GuardConfig struct {
	CallTimeout     time.Duration
	RateLimit       int     // burst capacity, 0 disables limiting
	RefillPerSecond float64 // sustained calls per second
	Breaker         safety.CircuitBreakerConfig
}

// GuardedVenue wraps a venue with a shared rate limiter, a circuit breaker
// and a per-call deadline. Every error it returns carries a venue kind.
type GuardedVenue struct {
	inner   exchange.Venue
	limiter *safety.RateLimiter
	breaker *safety.CircuitBreaker
	timeout time.Duration
}

var _ exchange.Venue = (*GuardedVenue)(nil)

// Guard wraps inner. Limiters are shared per venue name through limiters so
// several accounts on one venue draw from the same budget.
func Guard(inner exchange.Venue, cfg GuardConfig, limiters *safety.RateLimiterManager) *GuardedVenue {
	g := &GuardedVenue{
		inner:   inner,
		breaker: safety.NewCircuitBreaker(inner.Name(), cfg.Breaker),
		timeout: cfg.CallTimeout,
	}
	if cfg.RateLimit > 0 {
		refill := cfg.RefillPerSecond
		if refill <= 0 {
			refill = float64(cfg.RateLimit)
		}
		if limiters == nil {
			limiters = safety.NewRateLimiterManager()
		}
		g.limiter = limiters.GetOrCreate(inner.Name(), cfg.RateLimit, refill)
	}
	return g
}

// Breaker exposes the circuit breaker for state callbacks and stats
func (g *GuardedVenue) Breaker() *safety.CircuitBreaker {
	return g.breaker
}

// Unwrap returns the guarded venue
func (g *GuardedVenue) Unwrap() exchange.Venue {
	return g.inner
}

func (g *GuardedVenue) Name() string {
	return g.inner.Name()
}

func (g *GuardedVenue) Submit(ctx context.Context, intent exchange.OrderIntent) (*exchange.VenueAck, error) {
	if res := preflight(intent); !res.Valid {
		return nil, exchange.NewRejected(g.inner.Name(), res.Code, res.Message, nil)
	}

	var ack *exchange.VenueAck
	err := g.call(ctx, true, func(ctx context.Context) error {
		var err error
		ack, err = g.inner.Submit(ctx, intent)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ack, nil
}

func (g *GuardedVenue) Cancel(ctx context.Context, ref exchange.OrderRef) error {
	return g.call(ctx, true, func(ctx context.Context) error {
		return g.inner.Cancel(ctx, ref)
	})
}

func (g *GuardedVenue) Modify(ctx context.Context, ref exchange.OrderRef, stopLoss, takeProfit float64) error {
	return g.call(ctx, true, func(ctx context.Context) error {
		return g.inner.Modify(ctx, ref, stopLoss, takeProfit)
	})
}

func (g *GuardedVenue) QueryOrders(ctx context.Context, account string) ([]exchange.VenueOrder, error) {
	var orders []exchange.VenueOrder
	err := g.call(ctx, false, func(ctx context.Context) error {
		var err error
		orders, err = g.inner.QueryOrders(ctx, account)
		return err
	})
	return orders, err
}

func (g *GuardedVenue) QueryPositions(ctx context.Context, account string) ([]exchange.Position, error) {
	var positions []exchange.Position
	err := g.call(ctx, false, func(ctx context.Context) error {
		var err error
		positions, err = g.inner.QueryPositions(ctx, account)
		return err
	})
	return positions, err
}

func (g *GuardedVenue) LatestPrice(ctx context.Context, symbol string) (exchange.Quote, error) {
	var quote exchange.Quote
	err := g.call(ctx, false, func(ctx context.Context) error {
		var err error
		quote, err = g.inner.LatestPrice(ctx, symbol)
		return err
	})
	return quote, err
}

func (g *GuardedVenue) Equity(ctx context.Context, account string) (float64, error) {
	var equity float64
	err := g.call(ctx, false, func(ctx context.Context) error {
		var err error
		equity, err = g.inner.Equity(ctx, account)
		return err
	})
	return equity, err
}

func (g *GuardedVenue) Constraints(ctx context.Context, symbol string) (*exchange.TradingConstraints, error) {
	var c *exchange.TradingConstraints
	err := g.call(ctx, false, func(ctx context.Context) error {
		var err error
		c, err = g.inner.Constraints(ctx, symbol)
		return err
	})
	return c, err
}

// call runs fn under the limiter, breaker and deadline. A deadline hit on a
// mutating call is UNKNOWN because the venue may have acted on it; on a
// read it is TRANSIENT.
func (g *GuardedVenue) call(ctx context.Context, mutating bool, fn func(context.Context) error) error {
	name := g.inner.Name()

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return exchange.WithVenue(exchange.ErrRateLimitExceeded, name, err)
		}
	}

	err := g.breaker.Call(func() error {
		callCtx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}

		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			if mutating {
				return exchange.WithVenue(exchange.ErrCallTimeout, name, err)
			}
			return exchange.NewTransient(name, "READ_TIMEOUT", "venue read timed out", err)
		}
		return normalize(name, err)
	}, countsAgainstVenue)

	if errors.Is(err, safety.ErrCircuitOpen) {
		return exchange.WithVenue(exchange.ErrCircuitOpen, name, err)
	}
	return err
}

// countsAgainstVenue trips the breaker on venue health problems only.
// Rejections are the venue working correctly.
func countsAgainstVenue(err error) bool {
	switch engerrors.Categorize(err) {
	case engerrors.ErrorCategoryTransient, engerrors.ErrorCategoryUnknown:
		return true
	}
	return false
}

// normalize makes sure err carries a venue kind
func normalize(venue string, err error) error {
	var exErr *exchange.ExchangeError
	if errors.As(err, &exErr) {
		return err
	}
	kind := engerrors.Categorize(err)
	switch kind {
	case engerrors.ErrorCategoryTransient, engerrors.ErrorCategoryRejected, engerrors.ErrorCategoryUnknown:
	default:
		// validation or config failures inside an adapter are refusals
		kind = engerrors.ErrorCategoryRejected
	}
	return &exchange.ExchangeError{Venue: venue, Code: "VENUE_ERROR", Message: "venue call failed", Kind: kind, Underlying: err}
}

// preflight rejects intents no venue could accept without spending a call
func preflight(intent exchange.OrderIntent) safety.ValidationResult {
	if res := safety.ValidateQuantity(intent.Size, intent.Symbol); !res.Valid {
		return res
	}
	if intent.Kind == exchange.OrderKindMarket {
		return safety.ValidationResult{Valid: true}
	}
	if res := safety.ValidatePrice(intent.Price, intent.Symbol); !res.Valid {
		return res
	}
	if intent.ReduceOnly {
		return safety.ValidationResult{Valid: true}
	}
	return safety.ValidateProtectiveLevels(intent.Side == types.SideBuy, intent.Price, intent.StopLoss, intent.TakeProfit, intent.Symbol)
}
