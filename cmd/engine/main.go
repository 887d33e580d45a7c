package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "engine",
	Short: "Automated strategy and risk engine",
	Long: `Engine runs grid, martingale, conditional and scheduled strategies
against exchange-style and broker-style venues, reconciles every order it
sends and enforces a portfolio risk ceiling.

Venue credentials are read from the environment (or a .env file):
  BYBIT_API_KEY, BYBIT_API_SECRET, MT5_BRIDGE_TOKEN,
  TELEGRAM_BOT_TOKEN, TELEGRAM_CHAT_ID`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "engine.yaml", "engine config file (.yaml, .yml or .json); bare names are read from configs/")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "environment file with venue credentials")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
