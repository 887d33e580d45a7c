package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ducminhle1904/strategy-engine/pkg/reporting"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print persisted strategies and their orders",
	Long: `Status reads the engine store and prints one table of strategies and
one of order intents. The engine does not need to be running.

Example:
  engine status -c engine.yaml --orders`,
	RunE: runStatus,
}

var statusOrders bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusOrders, "orders", false, "also print order intents")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{store: true})
	if err != nil {
		return err
	}
	defer a.Close()

	snaps, err := a.snapshotsFromStore(cmd.Context())
	if err != nil {
		return err
	}
	reporter := reporting.NewDefaultConsoleReporter()
	reporter.WriteStrategyTable(os.Stdout, snaps)
	if statusOrders {
		reporter.WriteIntentTable(os.Stdout, snaps)
	}
	return nil
}
