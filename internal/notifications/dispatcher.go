package notifications

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ducminhle1904/strategy-engine/internal/logger"
)

// DispatcherConfig tunes asynchronous delivery
type DispatcherConfig struct {
	QueueSize   int           `json:"queue_size" yaml:"queue_size"`
	MinSeverity Severity      `json:"min_severity" yaml:"min_severity"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"` // per notifier call
}

// Dispatcher fans notifications out to notifiers on a background worker.
// A full queue drops the notification; notifier errors and panics are
// logged and swallowed.
type Dispatcher struct {
	cfg       DispatcherConfig
	notifiers []Notifier
	log       *logger.Logger
	queue     chan Notification

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewDispatcher creates a dispatcher and starts its worker
func NewDispatcher(cfg DispatcherConfig, log *logger.Logger, notifiers ...Notifier) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = SeverityInfo
	}
	if log == nil {
		log = logger.Nop()
	}
	d := &Dispatcher{
		cfg:       cfg,
		notifiers: notifiers,
		log:       log,
		queue:     make(chan Notification, cfg.QueueSize),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Publish queues n without blocking
func (d *Dispatcher) Publish(n Notification) {
	if !n.Severity.AtLeast(d.cfg.MinSeverity) || len(d.notifiers) == 0 {
		return
	}
	if n.Time.IsZero() {
		n.Time = time.Now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- n:
	default:
		d.dropped.Add(1)
		d.log.Warning("Notification queue full, dropping: %s", n.Message)
	}
}

// Dropped returns how many notifications were discarded on a full queue
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Failed returns how many notifier calls returned an error or panicked
func (d *Dispatcher) Failed() int64 { return d.failed.Load() }

// Close stops accepting notifications and waits for the queue to drain
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for n := range d.queue {
		for _, notifier := range d.notifiers {
			if err := d.deliver(notifier, n); err != nil {
				d.failed.Add(1)
				d.log.LogError("notification delivery", err)
			}
		}
	}
}

func (d *Dispatcher) deliver(notifier Notifier, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()
	return notifier.Notify(ctx, n)
}

// LogNotifier writes notifications to the engine log
type LogNotifier struct {
	log *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	fields := make([]interface{}, 0, 2*len(n.Context))
	for k, v := range n.Context {
		fields = append(fields, k, v)
	}
	log := l.log.With(fields...)
	switch n.Severity {
	case SeverityCritical:
		log.Error("ALERT: %s", n.Message)
	case SeverityWarning:
		log.Warning("ALERT: %s", n.Message)
	default:
		log.Info("ALERT: %s", n.Message)
	}
	return nil
}
