package safety

import (
	"context"
	"sort"
	"sync"
	"time"
)

// RateLimiter is a token bucket for one venue connection. Wait reserves a
// token up front, so concurrent callers are served in arrival order; the
// balance goes negative while reservations are outstanding.
type RateLimiter struct {
	name  string
	burst float64
	rate  float64 // tokens per second
	now   func() time.Time

	mu     sync.Mutex
	tokens float64
	last   time.Time
	waits  uint64
	waited time.Duration
}

// NewRateLimiter creates a full bucket of burst tokens refilled at rate per
// second. A non-positive rate refills the whole burst every second.
func NewRateLimiter(name string, burst int, rate float64) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if rate <= 0 {
		rate = float64(burst)
	}
	return &RateLimiter{
		name:   name,
		burst:  float64(burst),
		rate:   rate,
		now:    time.Now,
		tokens: float64(burst),
		last:   time.Now(),
	}
}

// Allow takes a token if one is available without waiting
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.advance()
	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}
	return false
}

// Wait blocks until the caller's token is due. A cancelled wait hands its
// reservation back.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	delay := rl.reserve()
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		rl.release()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (rl *RateLimiter) reserve() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.advance()
	rl.tokens--
	if rl.tokens >= 0 {
		return 0
	}
	delay := time.Duration(-rl.tokens / rl.rate * float64(time.Second))
	rl.waits++
	rl.waited += delay
	return delay
}

func (rl *RateLimiter) release() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.tokens++
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
}

func (rl *RateLimiter) advance() {
	now := rl.now()
	elapsed := now.Sub(rl.last).Seconds()
	if elapsed <= 0 {
		return
	}
	rl.tokens += elapsed * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.last = now
}

// RateLimiterStats is a point-in-time view of a limiter
type RateLimiterStats struct {
	Name      string
	Burst     float64
	Rate      float64
	Tokens    float64 // negative while callers are queued
	Waits     uint64
	WaitTotal time.Duration
}

// GetStats returns current statistics about the rate limiter
func (rl *RateLimiter) GetStats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.advance()
	return RateLimiterStats{
		Name:      rl.name,
		Burst:     rl.burst,
		Rate:      rl.rate,
		Tokens:    rl.tokens,
		Waits:     rl.waits,
		WaitTotal: rl.waited,
	}
}

// RateLimiterManager hands out one limiter per venue name so every account
// and strategy on that venue shares its budget. The first caller's limits
// win.
type RateLimiterManager struct {
	mu       sync.Mutex
	limiters map[string]*RateLimiter
}

// NewRateLimiterManager creates an empty manager
func NewRateLimiterManager() *RateLimiterManager {
	return &RateLimiterManager{limiters: make(map[string]*RateLimiter)}
}

// GetOrCreate returns the venue's limiter, creating it on first use
func (m *RateLimiterManager) GetOrCreate(venue string, burst int, rate float64) *RateLimiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rl, ok := m.limiters[venue]; ok {
		return rl
	}
	rl := NewRateLimiter(venue, burst, rate)
	m.limiters[venue] = rl
	return rl
}

// GetStats returns statistics for every limiter, sorted by venue
func (m *RateLimiterManager) GetStats() []RateLimiterStats {
	m.mu.Lock()
	limiters := make([]*RateLimiter, 0, len(m.limiters))
	for _, rl := range m.limiters {
		limiters = append(limiters, rl)
	}
	m.mu.Unlock()

	stats := make([]RateLimiterStats, 0, len(limiters))
	for _, rl := range limiters {
		stats = append(stats, rl.GetStats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
