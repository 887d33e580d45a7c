package main

import (
	"github.com/spf13/cobra"

	"github.com/ducminhle1904/strategy-engine/cmd/common"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		common.PrintVersion(cmd.OutOrStdout(), "engine")
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cmd.Printf("%s: %d venues, %d boot strategies\n", configFile, len(cfg.Venues), len(cfg.Strategies))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)
}
