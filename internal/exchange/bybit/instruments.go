package bybit

import (
	"context"
	"sync"
	"time"
)

type instrumentFetcher interface {
	fetchInstrument(ctx context.Context, symbol string) (*Instrument, error)
}

// InstrumentCache keeps instrument filters per symbol
type InstrumentCache struct {
	fetcher        instrumentFetcher
	instruments    map[string]*Instrument
	mutex          sync.RWMutex
	updateInterval time.Duration
	now            func() time.Time
}

// NewInstrumentCache creates a cache refreshed hourly
func NewInstrumentCache(fetcher instrumentFetcher) *InstrumentCache {
	return &InstrumentCache{
		fetcher:        fetcher,
		instruments:    make(map[string]*Instrument),
		updateInterval: time.Hour,
		now:            time.Now,
	}
}

// Get returns cached filters or fetches them
func (ic *InstrumentCache) Get(ctx context.Context, symbol string) (*Instrument, error) {
	ic.mutex.RLock()
	inst, ok := ic.instruments[symbol]
	ic.mutex.RUnlock()
	if ok && ic.now().Sub(inst.FetchedAt) < ic.updateInterval {
		return inst, nil
	}

	inst, err := ic.fetcher.fetchInstrument(ctx, symbol)
	if err != nil {
		return nil, err
	}
	inst.FetchedAt = ic.now()

	ic.mutex.Lock()
	ic.instruments[symbol] = inst
	ic.mutex.Unlock()
	return inst, nil
}
