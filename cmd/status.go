package cmd

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mhuot/visioniqd/internal/cache"
	"github.com/mhuot/visioniqd/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show call budget, cache, and storage state",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	now := time.Now()

	budgetPath := filepath.Join(cfg.Cache.Dir, "api_call_history.json")
	budget, err := cache.LoadBudget(budgetPath, cfg.Cache.DailyLimit, loc, now)
	if err != nil {
		return err
	}

	fmt.Printf("visioniqd %s\n\n", Version)

	fmt.Println("Call budget:")
	fmt.Printf("  Used: %d of %d today\n", budget.Used, budget.DailyLimit)
	fmt.Printf("  Validity window: %s\n", budget.ValidityWindow())
	if !budget.LastCall.IsZero() {
		fmt.Printf("  Last call: %s (%s ago)\n",
			budget.LastCall.Format(time.RFC3339), now.Sub(budget.LastCall).Round(time.Second))
	}
	fmt.Println()

	snaps, err := cache.NewSnapshotStore(cfg.Cache.Dir)
	if err != nil {
		return err
	}
	count, err := snaps.Count()
	if err != nil {
		return err
	}
	fmt.Println("Snapshot cache:")
	fmt.Printf("  Snapshots: %d\n", count)
	if latest, err := snaps.Latest(); err == nil && latest != nil {
		fmt.Printf("  Latest: %s (%s ago, hash %s)\n",
			latest.FetchedAt.Format(time.RFC3339),
			now.Sub(latest.FetchedAt).Round(time.Second),
			latest.PayloadHash[:8])
	}
	fmt.Println()

	backend, err := openBackend(cfg, nil, slog.Default())
	if err != nil {
		return err
	}
	defer backend.Close() //nolint:errcheck

	stats, err := backend.Stats(cmd.Context())
	if err != nil {
		return err
	}

	storageDesc := cfg.Storage.Backend
	if cfg.Storage.Backend != "csv" {
		storageDesc += " (" + redactDSN(cfg.Storage.Postgres.DSN) + ")"
	}
	fmt.Printf("Storage: %s\n", storageDesc)
	fmt.Printf("  Battery readings:  %s\n", formatNumber(stats.BatteryReadings))
	fmt.Printf("  Trips:             %s\n", formatNumber(stats.Trips))
	fmt.Printf("  Locations:         %s\n", formatNumber(stats.Locations))
	fmt.Printf("  Charging sessions: %s\n", formatNumber(stats.ChargingSessions))
	if stats.RawPayloads > 0 {
		fmt.Printf("  Raw payloads:      %s\n", formatNumber(stats.RawPayloads))
	}
	if stats.PoolOpen > 0 {
		fmt.Printf("  Pool: %d open, %d in use, %d idle\n", stats.PoolOpen, stats.PoolInUse, stats.PoolIdle)
	}

	if open, err := backend.OpenChargingSession(cmd.Context()); err == nil && open != nil {
		fmt.Println()
		fmt.Printf("Charging session in progress: %s\n", open.ID)
		fmt.Printf("  Started: %s at %.0f%%\n", open.StartTime.Format(time.RFC3339), open.StartBattery)
		fmt.Printf("  Energy added so far: %.2f kWh\n", open.EnergyAdded)
	}

	return nil
}

// formatNumber formats an integer with comma separators (e.g., 1,247,832).
func formatNumber(n int) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var result []byte
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}
