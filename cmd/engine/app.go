package main

import (
	"context"
	"fmt"

	"github.com/ducminhle1904/strategy-engine/internal/config"
	"github.com/ducminhle1904/strategy-engine/internal/exchange"
	"github.com/ducminhle1904/strategy-engine/internal/exchange/adapters"
	"github.com/ducminhle1904/strategy-engine/internal/logger"
	"github.com/ducminhle1904/strategy-engine/internal/monitoring"
	"github.com/ducminhle1904/strategy-engine/internal/notifications"
	"github.com/ducminhle1904/strategy-engine/internal/orchestrator"
	"github.com/ducminhle1904/strategy-engine/internal/safety"
	"github.com/ducminhle1904/strategy-engine/internal/state"
	"github.com/ducminhle1904/strategy-engine/internal/strategy"
)

// app holds every long-lived component of one engine process
type app struct {
	cfg        *config.EngineConfig
	log        *logger.Logger
	factory    *adapters.Factory
	venues     map[string]exchange.Venue
	store      state.Store
	metrics    *monitoring.Metrics
	health     *monitoring.HealthChecker
	dispatcher *notifications.Dispatcher
	engine     *orchestrator.Engine
}

// appOptions selects the optional parts a command needs
type appOptions struct {
	store         bool
	notifications bool
}

func loadConfig() (*config.EngineConfig, error) {
	if err := config.LoadEnv(envFile); err != nil {
		return nil, err
	}
	return config.LoadEngineConfig(configFile)
}

func newApp(opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	log, err := logger.New("engine", cfg.Logging)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}

	a.factory = adapters.NewFactory(safety.NewRateLimiterManager(), log.With("component", "venues"), cfg.Feed.StaleAfter)
	a.venues = make(map[string]exchange.Venue, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		v, err := a.factory.CreateVenue(vc)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("venue %s: %w", vc.Name, err)
		}
		a.venues[vc.Name] = v
	}

	if opts.store && cfg.Store.Path != "" {
		store, err := state.OpenSQLite(cfg.Store.Path)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.store = store
	}

	a.metrics = monitoring.NewMetrics()
	a.health = monitoring.NewHealthChecker(cfg.Feed.StaleAfter)

	var sink notifications.Sink = notifications.NopSink{}
	if opts.notifications {
		notifiers := []notifications.Notifier{notifications.NewLogNotifier(log.With("component", "notifications"))}
		if cfg.Notifications.Telegram {
			notifiers = append(notifiers, notifications.NewTelegramNotifier(cfg.Notifications.TelegramToken, cfg.Notifications.TelegramChat))
		}
		a.dispatcher = notifications.NewDispatcher(cfg.Notifications.Dispatcher(), log, notifiers...)
		sink = a.dispatcher
	}

	a.engine, err = orchestrator.New(orchestrator.Options{
		Config:    cfg.Engine,
		Venues:    a.venues,
		Accounts:  cfg.Accounts(),
		Reconcile: cfg.Reconcile,
		Store:     a.store,
		Sink:      sink,
		Metrics:   a.metrics,
		Health:    a.health,
		Logger:    log,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// snapshotsFromStore reads every persisted instance with its intents
func (a *app) snapshotsFromStore(ctx context.Context) ([]strategy.Snapshot, error) {
	if a.store == nil {
		return a.engine.ListStrategies(), nil
	}
	instances, err := a.store.ListStrategies(ctx)
	if err != nil {
		return nil, err
	}
	snaps := make([]strategy.Snapshot, 0, len(instances))
	for _, inst := range instances {
		intents, err := a.store.IntentsFor(ctx, inst.ID)
		if err != nil {
			return nil, err
		}
		size, entry := strategy.Exposure(inst)
		snaps = append(snaps, strategy.Snapshot{Instance: inst, Intents: intents, Exposure: size, EntryPrice: entry})
	}
	return snaps, nil
}

// Close releases components in reverse start order
func (a *app) Close() {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.LogError("close store", err)
		}
	}
	a.log.Close()
}
