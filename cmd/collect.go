package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mhuot/visioniqd/internal/config"
)

var collectForce bool

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run a single collection tick and exit",
	RunE:  runCollect,
}

func init() {
	collectCmd.Flags().BoolVar(&collectForce, "force", false, "fetch even if the cached snapshot is still valid")
	rootCmd.AddCommand(collectCmd)
}

func runCollect(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	backend, err := openBackend(cfg, nil, slog.Default())
	if err != nil {
		return err
	}
	defer backend.Close() //nolint:errcheck

	coll, err := buildCollector(cfg, backend, nil, slog.Default())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := coll.Resume(ctx); err != nil {
		return err
	}

	result, err := coll.CollectOnce(ctx, collectForce)
	if err != nil {
		return err
	}

	fmt.Printf("tick %s\n", result.TickID)
	fmt.Printf("  snapshot: %s (cached=%t fresh=%t stale=%t)\n",
		result.Snapshot.PayloadHash[:8], result.Snapshot.Cached, result.Snapshot.Fresh, result.Snapshot.Stale)
	if result.Records.Reading != nil {
		fmt.Printf("  battery: %.0f%% charging=%t\n",
			result.Records.Reading.BatteryLevel, result.Records.Reading.IsCharging)
	}
	fmt.Printf("  trips: %d\n", len(result.Records.Trips))
	for _, sess := range result.Sessions {
		state := "open"
		if sess.Complete {
			state = "closed"
		}
		fmt.Printf("  session %s: %s, %.2f kWh\n", sess.ID, state, sess.EnergyAdded)
	}
	return nil
}
