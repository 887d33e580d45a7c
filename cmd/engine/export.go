package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ducminhle1904/strategy-engine/pkg/reporting"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export persisted strategies and orders to a file",
	Long: `Export writes every persisted strategy with its order intents.
The format follows the output extension: .xlsx (Strategies, Orders and
Grid Levels sheets), .csv (one line per order) or .json (snapshots).

Example:
  engine export -c engine.yaml -o results/strategies.xlsx`,
	RunE: runExport,
}

var (
	exportOutput string
	exportFormat string
)

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default results/strategies_<time>.<format>)")
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "xlsx", "format when no output file is given (xlsx, csv, json)")
}

func runExport(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{store: true})
	if err != nil {
		return err
	}
	defer a.Close()

	snaps, err := a.snapshotsFromStore(cmd.Context())
	if err != nil {
		return err
	}

	path := exportOutput
	if path == "" {
		path = reporting.DefaultExportPath(exportFormat, time.Now())
	}
	if err := reporting.NewDefaultReporter().Export(path, snaps); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported %d strategies to %s\n", len(snaps), path)
	return nil
}
