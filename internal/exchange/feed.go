package exchange

import (
	"context"
	"time"

	"github.com/ducminhle1904/strategy-engine/internal/logger"
	"github.com/ducminhle1904/strategy-engine/pkg/types"
)

// Feed delivers price ticks until its context ends
type Feed interface {
	Run(ctx context.Context, out chan<- types.Tick) error
}

// PollingFeed turns LatestPrice polling into a tick stream for venues
// without a push feed.
type PollingFeed struct {
	venue    Venue
	symbols  []string
	interval time.Duration
	logger   *logger.Logger
	lastSent map[string]time.Time
}

// NewPollingFeed creates a feed polling symbols every interval
func NewPollingFeed(venue Venue, symbols []string, interval time.Duration, log *logger.Logger) *PollingFeed {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &PollingFeed{
		venue:    venue,
		symbols:  symbols,
		interval: interval,
		logger:   log.With("feed", venue.Name()),
		lastSent: make(map[string]time.Time),
	}
}

// Run polls until ctx is done, sending ticks on out. Stale quotes and
// quotes older than the last one sent are skipped.
func (f *PollingFeed) Run(ctx context.Context, out chan<- types.Tick) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		f.poll(ctx, out)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *PollingFeed) poll(ctx context.Context, out chan<- types.Tick) {
	for _, symbol := range f.symbols {
		quote, err := f.venue.LatestPrice(ctx, symbol)
		if err != nil {
			f.logger.Warning("price poll failed for %s: %v", symbol, err)
			continue
		}
		if quote.Stale || quote.Price <= 0 {
			continue
		}
		if last, ok := f.lastSent[symbol]; ok && !quote.Time.After(last) {
			continue
		}
		f.lastSent[symbol] = quote.Time

		select {
		case out <- types.Tick{Symbol: symbol, Price: quote.Price, Timestamp: quote.Time}:
		case <-ctx.Done():
			return
		}
	}
}
