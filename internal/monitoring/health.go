package monitoring

import (
	"net/http"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HealthChecker tracks liveness of the engine loops
type HealthChecker struct {
	mu            sync.RWMutex
	started       time.Time
	staleAfter    time.Duration
	now           func() time.Time
	lastTick      time.Time
	lastPrice     map[string]float64
	lastReconcile time.Time
	errors        []string
}

type HealthStatus struct {
	Status        string             `json:"status"`
	Timestamp     time.Time          `json:"timestamp"`
	LastTick      time.Time          `json:"last_tick"`
	LastReconcile time.Time          `json:"last_reconcile"`
	LastPrices    map[string]float64 `json:"last_prices,omitempty"`
	Uptime        string             `json:"uptime"`
	Errors        []string           `json:"errors,omitempty"`
}

// NewHealthChecker reports degraded when reconciliation has not completed
// within staleAfter
func NewHealthChecker(staleAfter time.Duration) *HealthChecker {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &HealthChecker{
		started:    time.Now(),
		staleAfter: staleAfter,
		now:        time.Now,
		lastPrice:  make(map[string]float64),
		errors:     make([]string, 0),
	}
}

// SetClock replaces the time source
func (h *HealthChecker) SetClock(now func() time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = now
	h.started = now()
}

// RecordTick notes a consumed market tick
func (h *HealthChecker) RecordTick(symbol string, price float64, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastTick = at
	h.lastPrice[symbol] = price
}

// RecordReconcile notes a finished reconciliation cycle and its errors.
// The error list always reflects the latest cycle only.
func (h *HealthChecker) RecordReconcile(at time.Time, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastReconcile = at
	h.errors = h.errors[:0]
	if err != nil {
		h.errors = append(h.errors, err.Error())
	}
}

// Status computes the current health
func (h *HealthChecker) Status() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := h.now()
	status := "healthy"
	if h.lastReconcile.IsZero() || now.Sub(h.lastReconcile) > h.staleAfter {
		status = "degraded"
	}
	if len(h.errors) > 0 {
		status = "unhealthy"
	}

	prices := make(map[string]float64, len(h.lastPrice))
	for k, v := range h.lastPrice {
		prices[k] = v
	}
	return HealthStatus{
		Status:        status,
		Timestamp:     now,
		LastTick:      h.lastTick,
		LastReconcile: h.lastReconcile,
		LastPrices:    prices,
		Uptime:        now.Sub(h.started).Truncate(time.Second).String(),
		Errors:        append([]string(nil), h.errors...),
	}
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	health := h.Status()

	w.Header().Set("Content-Type", "application/json")
	switch health.Status {
	case "degraded":
		w.WriteHeader(http.StatusServiceUnavailable)
	case "unhealthy":
		w.WriteHeader(http.StatusInternalServerError)
	}
	_ = json.NewEncoder(w).Encode(health)
}
