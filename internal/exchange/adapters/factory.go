package adapters

import (
	"fmt"
	"sort"
	"time"

	engerrors "github.com/ducminhle1904/strategy-engine/internal/errors"
	"github.com/ducminhle1904/strategy-engine/internal/exchange"
	"github.com/ducminhle1904/strategy-engine/internal/exchange/bybit"
	"github.com/ducminhle1904/strategy-engine/internal/exchange/paper"
	"github.com/ducminhle1904/strategy-engine/internal/logger"
	"github.com/ducminhle1904/strategy-engine/internal/safety"
)

// Factory creates guarded venue instances from configuration
type Factory struct {
	limiters   *safety.RateLimiterManager
	log        *logger.Logger
	staleAfter time.Duration
}

// NewFactory creates a new venue factory. Venues created by one factory
// share its rate limiters.
func NewFactory(limiters *safety.RateLimiterManager, log *logger.Logger, staleAfter time.Duration) *Factory {
	if limiters == nil {
		limiters = safety.NewRateLimiterManager()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Factory{limiters: limiters, log: log, staleAfter: staleAfter}
}

// GetSupportedVenues returns the venue types the factory can build
func (f *Factory) GetSupportedVenues() []string {
	return []string{exchange.VenueTypeBybit, exchange.VenueTypeMT5, exchange.VenueTypePaper}
}

// CreateVenue validates cfg and returns the adapter wrapped in a guard
func (f *Factory) CreateVenue(cfg exchange.VenueConfig) (*GuardedVenue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		inner exchange.Venue
		err   error
	)
	switch cfg.NormalizedType() {
	case exchange.VenueTypeBybit:
		inner, err = NewBybitAdapter(cfg.Name, cfg.Account, cfg.Bybit)
	case exchange.VenueTypeMT5:
		inner, err = NewMT5Adapter(cfg.Name, cfg.Account, cfg.MT5, f.staleAfter)
	case exchange.VenueTypePaper:
		inner = f.createPaper(cfg)
	default:
		err = engerrors.NewConfigurationError("factory", "create_venue",
			fmt.Sprintf("venue type %q is not supported, supported: %v", cfg.Type, f.GetSupportedVenues()))
	}
	if err != nil {
		return nil, err
	}

	guarded := Guard(inner, GuardConfig{
		CallTimeout:     cfg.CallTimeout,
		RateLimit:       cfg.RateLimit,
		RefillPerSecond: cfg.RefillPerSecond,
		Breaker: safety.CircuitBreakerConfig{
			FailureThreshold: uint32(cfg.BreakerFailures),
			Cooldown:         cfg.BreakerCooldown,
		},
	}, f.limiters)
	guarded.Breaker().SetStateChangeCallback(func(name string, from, to safety.CircuitBreakerState) {
		f.log.Warning("venue %s circuit breaker %s -> %s", name, from, to)
	})
	f.log.Info("venue %s (%s) ready", cfg.Name, cfg.NormalizedType())
	return guarded, nil
}

func (f *Factory) createPaper(cfg exchange.VenueConfig) *paper.Venue {
	opts := paper.Options{Name: cfg.Name, StaleAfter: f.staleAfter, Equity: 10000}
	if cfg.Paper != nil {
		if cfg.Paper.Equity > 0 {
			opts.Equity = cfg.Paper.Equity
		}
		opts.NativeDedupe = cfg.Paper.NativeDedupe
	}
	v := paper.New(opts)
	if cfg.Paper != nil {
		symbols := make([]string, 0, len(cfg.Paper.Prices))
		for sym := range cfg.Paper.Prices {
			symbols = append(symbols, sym)
		}
		sort.Strings(symbols)
		for _, sym := range symbols {
			v.SetPrice(sym, cfg.Paper.Prices[sym])
		}
	}
	return v
}

// CreateFeed returns the price feed for a venue: the public websocket
// stream for Bybit when enabled, otherwise LatestPrice polling.
func (f *Factory) CreateFeed(cfg exchange.VenueConfig, venue exchange.Venue, symbols []string, pollInterval time.Duration) exchange.Feed {
	if cfg.NormalizedType() == exchange.VenueTypeBybit && cfg.Bybit != nil && cfg.Bybit.Stream {
		base := bybit.StreamMainnet
		if cfg.Bybit.Testnet {
			base = bybit.StreamTestnet
		}
		category := cfg.Bybit.Category
		if category == "" {
			category = "linear"
		}
		return bybit.NewTickerStream(base, category, symbols, f.log.With("venue", cfg.Name))
	}
	return exchange.NewPollingFeed(venue, symbols, pollInterval, f.log)
}
