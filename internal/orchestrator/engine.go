// Package orchestrator runs strategy instances against live venues. It
// feeds market data and reconciler events into the strategy machines and
// owns submission: sizing, the per-account risk check, retries and
// cancellation.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	engerrors "github.com/ducminhle1904/strategy-engine/internal/errors"
	"github.com/ducminhle1904/strategy-engine/internal/exchange"
	"github.com/ducminhle1904/strategy-engine/internal/logger"
	"github.com/ducminhle1904/strategy-engine/internal/monitoring"
	"github.com/ducminhle1904/strategy-engine/internal/notifications"
	"github.com/ducminhle1904/strategy-engine/internal/reconciler"
	"github.com/ducminhle1904/strategy-engine/internal/risk"
	"github.com/ducminhle1904/strategy-engine/internal/state"
	"github.com/ducminhle1904/strategy-engine/internal/strategy"
	"github.com/ducminhle1904/strategy-engine/pkg/types"
)

// Config tunes the engine runtime
type Config struct {
	SubmitWorkers     int           `json:"submit_workers" yaml:"submit_workers"` // 0 submits in the calling goroutine
	QueueSize         int           `json:"queue_size" yaml:"queue_size"`
	CallTimeout       time.Duration `json:"call_timeout" yaml:"call_timeout"`
	RiskCeiling       float64       `json:"risk_ceiling" yaml:"risk_ceiling"` // aggregate exposure / equity, 0 disables
	ReconcileInterval time.Duration `json:"reconcile_interval" yaml:"reconcile_interval"`
	RetryInterval     time.Duration `json:"retry_interval" yaml:"retry_interval"`
	ClockInterval     time.Duration `json:"clock_interval" yaml:"clock_interval"` // cadence for time-driven triggers

	// Contracts overrides venue constraints per symbol for sizing
	Contracts map[string]risk.ContractSpec `json:"contracts,omitempty" yaml:"contracts,omitempty"`
}

func (c *Config) setDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 5 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	if c.ClockInterval <= 0 {
		c.ClockInterval = time.Second
	}
}

// Options carries the engine collaborators. Store, Sink, Metrics and
// Health are optional.
type Options struct {
	Config    Config
	Venues    map[string]exchange.Venue
	Accounts  map[string]string // account -> venue name
	Reconcile reconciler.Config
	Store     state.Store
	Sink      notifications.Sink
	Metrics   *monitoring.Metrics
	Health    *monitoring.HealthChecker
	Logger    *logger.Logger
	Clock     func() time.Time
}

// Engine is the strategy engine runtime. Machines only run under mu;
// venue I/O, persistence and notifications happen after it is released.
type Engine struct {
	cfg      Config
	venues   map[string]exchange.Venue
	accounts map[string]string
	rec      *reconciler.Reconciler
	store    state.Store
	sink     notifications.Sink
	metrics  *monitoring.Metrics
	health   *monitoring.HealthChecker
	log      *logger.Logger
	now      func() time.Time

	mu         sync.Mutex
	instances  map[string]*strategy.Instance
	order      []string
	prices     map[string]float64
	lastTick   map[string]time.Time
	signals    map[string]types.Signal
	unknown    map[string]map[string]bool // strategy -> intents in Unknown
	cancelSent map[string]bool

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]bool

	jobs      chan func(context.Context)
	wg        sync.WaitGroup
	ctx       context.Context
	stop      context.CancelFunc
	closeOnce sync.Once
}

// New builds an engine and starts its submission workers
func New(opts Options) (*Engine, error) {
	if len(opts.Venues) == 0 {
		return nil, engerrors.NewConfigurationError("orchestrator", "new", "at least one venue is required")
	}
	opts.Config.setDefaults()
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Sink == nil {
		opts.Sink = notifications.NopSink{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	rec := reconciler.New(opts.Reconcile, opts.Venues, opts.Logger.With("component", "reconciler"))
	rec.SetClock(opts.Clock)

	ctx, stop := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        opts.Config,
		venues:     opts.Venues,
		accounts:   opts.Accounts,
		rec:        rec,
		store:      opts.Store,
		sink:       opts.Sink,
		metrics:    opts.Metrics,
		health:     opts.Health,
		log:        opts.Logger.With("component", "engine"),
		now:        opts.Clock,
		instances:  make(map[string]*strategy.Instance),
		prices:     make(map[string]float64),
		lastTick:   make(map[string]time.Time),
		signals:    make(map[string]types.Signal),
		unknown:    make(map[string]map[string]bool),
		cancelSent: make(map[string]bool),
		locks:      make(map[string]*sync.Mutex),
		inflight:   make(map[string]bool),
		ctx:        ctx,
		stop:       stop,
	}
	rec.OnEvent(e.onReconcile)
	rec.SetExpectationSource(e.expectations)

	if e.cfg.SubmitWorkers > 0 {
		e.jobs = make(chan func(context.Context), e.cfg.QueueSize)
		for i := 0; i < e.cfg.SubmitWorkers; i++ {
			e.wg.Add(1)
			go e.worker()
		}
	}
	return e, nil
}

// Reconciler exposes the intent owner for read-only inspection
func (e *Engine) Reconciler() *reconciler.Reconciler {
	return e.rec
}

// Close stops the workers. Queued submissions are dropped; their intents
// stay Pending and are picked up again after a restore.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.stop()
		e.wg.Wait()
	})
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case job := <-e.jobs:
			job(e.ctx)
		}
	}
}

// dispatch hands venue work to the workers, or runs it inline when the
// engine has none. A full queue never blocks the caller.
func (e *Engine) dispatch(job func(context.Context)) {
	if e.ctx.Err() != nil {
		return
	}
	if e.jobs == nil {
		job(e.ctx)
		return
	}
	select {
	case e.jobs <- job:
	default:
		e.log.Warning("Submission queue full, running job on its own goroutine")
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			job(e.ctx)
		}()
	}
}

// accountLock serialises compute-risk-then-submit per venue account
func (e *Engine) accountLock(venue, account string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	key := venue + "/" + account
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

// claim marks an intent as being worked on so concurrent triggers for the
// same key collapse into one submission
func (e *Engine) claim(key string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if e.inflight[key] {
		return false
	}
	e.inflight[key] = true
	return true
}

func (e *Engine) release(key string) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	delete(e.inflight, key)
}

func (e *Engine) venue(name string) (exchange.Venue, error) {
	v, ok := e.venues[name]
	if !ok {
		return nil, engerrors.NewConfigurationError("orchestrator", "venue", "unknown venue "+name)
	}
	return v, nil
}

// venueFor resolves the venue an account lives on. With a single venue
// every account belongs to it.
func (e *Engine) venueFor(account string) (string, exchange.Venue, error) {
	if name, ok := e.accounts[account]; ok {
		v, err := e.venue(name)
		return name, v, err
	}
	if len(e.venues) == 1 {
		for name, v := range e.venues {
			return name, v, nil
		}
	}
	return "", nil, engerrors.NewValidationError("orchestrator", "venue_for", "unknown account "+account)
}

// defaultAccount returns the first configured account of a venue
func (e *Engine) defaultAccount(venue string) string {
	var accounts []string
	for account, v := range e.accounts {
		if v == venue {
			accounts = append(accounts, account)
		}
	}
	if len(accounts) == 0 {
		return ""
	}
	sort.Strings(accounts)
	return accounts[0]
}

func (e *Engine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.CallTimeout)
}
