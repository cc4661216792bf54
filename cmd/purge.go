package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/mhuot/visioniqd/internal/cache"
	"github.com/mhuot/visioniqd/internal/config"
)

var purgeDryRun bool

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove expired snapshots and aged-out raw payloads",
	RunE:  runPurge,
}

func init() {
	purgeCmd.Flags().BoolVar(&purgeDryRun, "dry-run", false, "report what would be removed without removing it")
	rootCmd.AddCommand(purgeCmd)
}

func runPurge(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	now := time.Now()

	snaps, err := cache.NewSnapshotStore(cfg.Cache.Dir)
	if err != nil {
		return err
	}

	if purgeDryRun {
		all, err := snaps.All()
		if err != nil {
			return err
		}
		expired := 0
		for _, s := range all {
			if !s.History && now.Sub(s.FetchedAt) > cfg.Cache.SnapshotRetention {
				expired++
			}
		}
		fmt.Printf("would remove %d of %d snapshots (retention %s, history exempt)\n",
			expired, len(all), cfg.Cache.SnapshotRetention)
	} else {
		removed, err := snaps.Purge(now, cfg.Cache.SnapshotRetention)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d snapshots\n", removed)
	}

	if cfg.Storage.Backend == "csv" {
		return nil
	}

	pg, err := openPostgres(cfg)
	if err != nil {
		return err
	}
	defer pg.Close() //nolint:errcheck

	cutoff := now.Add(-cfg.Storage.Postgres.RawRetention)
	if purgeDryRun {
		slog.Info("dry run, raw payload purge skipped", "cutoff", cutoff.Format(time.RFC3339))
		return nil
	}
	purged, err := pg.PurgeRawPayloads(cmd.Context(), cutoff)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d raw payloads archived before %s\n", purged, cutoff.Format("2006-01-02"))
	return nil
}
