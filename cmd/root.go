package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile   string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "visioniqd",
	Short: "Telemetry collection daemon for Hyundai/Kia connected vehicles",
	Long: `visioniqd polls a connected-vehicle API under a strict daily call budget,
caches raw payloads with stale-fallback on upstream failure, derives battery,
trip, location, and charging-session records, and persists them to flat CSV
files, PostgreSQL, or both at once with drift reconciliation.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (text or json)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
