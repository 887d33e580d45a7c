package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ducminhle1904/strategy-engine/cmd/common"
	"github.com/ducminhle1904/strategy-engine/internal/monitoring"
	"github.com/ducminhle1904/strategy-engine/pkg/reporting"
	"github.com/ducminhle1904/strategy-engine/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine until interrupted",
	Long: `Run restores persisted strategies, creates the configured boot
strategies on a fresh store, starts the price feeds and drives the engine
until SIGINT or SIGTERM.

Example:
  engine run -c engine.yaml --status-every 1m`,
	RunE: runEngine,
}

var (
	runStatusEvery time.Duration
	runNoBoot      bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().DurationVar(&runStatusEvery, "status-every", 0, "print the strategy table at this interval (0 disables)")
	runCmd.Flags().BoolVar(&runNoBoot, "no-boot", false, "skip the strategies listed in the config file")
}

func runEngine(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(appOptions{store: true, notifications: true})
	if err != nil {
		return err
	}
	defer a.Close()

	a.log.Status("%s %s starting with %d venues", common.ProjectName, common.GetFullVersion(), len(a.venues))

	if err := a.engine.Restore(ctx); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	// Boot strategies seed a fresh store only, so restarts never duplicate them
	if !runNoBoot && len(a.engine.ListStrategies()) == 0 {
		for _, spec := range a.cfg.Strategies {
			id, err := a.engine.CreateStrategy(ctx, spec)
			if err != nil {
				return fmt.Errorf("create %s strategy on %s: %w", spec.Kind, spec.Symbol, err)
			}
			a.log.Info("boot strategy %s (%s %s)", id, spec.Kind, spec.Symbol)
		}
	}

	var wg sync.WaitGroup
	ticks := make(chan types.Tick, 256)
	for _, vc := range a.cfg.Venues {
		symbols := a.symbols(vc.Name)
		if len(symbols) == 0 {
			continue
		}
		feed := a.factory.CreateFeed(vc, a.venues[vc.Name], symbols, a.cfg.Feed.PollInterval)
		name := vc.Name
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := feed.Run(ctx, ticks); err != nil && !errors.Is(err, context.Canceled) {
				a.log.LogError("feed "+name, err)
			}
		}()
	}

	var (
		srv     *http.Server
		signals chan types.Signal
	)
	if a.cfg.Metrics.Listen != "" {
		httpLog := a.log.With("component", "http")
		router := monitoring.NewRouter(a.metrics, a.health, a.engine, httpLog)
		if a.cfg.Metrics.Signals {
			signals = make(chan types.Signal, 64)
			monitoring.MountSignals(router, signals, httpLog)
		}
		srv = &http.Server{
			Addr:              a.cfg.Metrics.Listen,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.LogError("metrics server", err)
			}
		}()
		a.log.Info("ops endpoints listening on %s", a.cfg.Metrics.Listen)
	}

	if runStatusEvery > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.printStatus(ctx, runStatusEvery)
		}()
	}

	err = a.engine.Run(ctx, ticks, signals)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.LogError("metrics shutdown", err)
		}
	}
	wg.Wait()
	a.log.Status("Engine stopped")
	return err
}

// symbols returns what a venue's feed must cover: config strategies plus
// anything restored from the store
func (a *app) symbols(venue string) []string {
	seen := make(map[string]bool)
	for _, s := range a.cfg.Symbols(venue) {
		seen[s] = true
	}
	for _, snap := range a.engine.ListStrategies() {
		if snap.Instance.Venue == venue {
			seen[snap.Instance.Symbol] = true
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (a *app) printStatus(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	reporter := reporting.NewDefaultConsoleReporter()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reporter.WriteStrategyTable(os.Stdout, a.engine.ListStrategies())
		}
	}
}
