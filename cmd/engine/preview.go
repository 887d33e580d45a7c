package main

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/ducminhle1904/strategy-engine/pkg/reporting"
)

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Size a hypothetical order and show account risk",
	Long: `Preview asks the venue for live equity and contract constraints,
sizes an order that risks the given fraction of equity over the stop
distance and prints the account's current portfolio risk.

Example:
  engine preview -c engine.yaml --account main --symbol BTCUSDT --risk 0.01 --stop 500`,
	RunE: runPreview,
}

var (
	pvAccount string
	pvSymbol  string
	pvRisk    float64
	pvStop    float64
)

func init() {
	rootCmd.AddCommand(previewCmd)

	previewCmd.Flags().StringVarP(&pvAccount, "account", "a", "", "account to size against (required)")
	previewCmd.Flags().StringVarP(&pvSymbol, "symbol", "s", "", "symbol to size (required)")
	previewCmd.Flags().Float64Var(&pvRisk, "risk", 0.01, "fraction of equity at risk (0.01 = 1%)")
	previewCmd.Flags().Float64Var(&pvStop, "stop", 0, "stop distance in price units (required)")

	previewCmd.MarkFlagRequired("account")
	previewCmd.MarkFlagRequired("symbol")
	previewCmd.MarkFlagRequired("stop")
}

func runPreview(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	size, err := a.engine.ComputeRiskPreview(ctx, pvAccount, pvSymbol, pvRisk, pvStop)
	if err != nil {
		return fmt.Errorf("position size: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("ORDER PREVIEW")
	t.SetStyle(table.StyleRounded)
	t.AppendRows([]table.Row{
		{"Account", pvAccount},
		{"Symbol", pvSymbol},
		{"Risk", fmt.Sprintf("%.2f%%", pvRisk*100)},
		{"Stop Distance", pvStop},
		{"Position Size", size},
	})
	t.Render()

	snap, err := a.engine.GetPortfolioRisk(ctx, pvAccount)
	if err != nil {
		return fmt.Errorf("portfolio risk: %w", err)
	}
	reporting.NewDefaultConsoleReporter().WriteRiskTable(os.Stdout, snap)
	return nil
}
