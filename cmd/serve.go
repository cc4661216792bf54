package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mhuot/visioniqd/internal/config"
	"github.com/mhuot/visioniqd/internal/metrics"
	"github.com/mhuot/visioniqd/internal/store"
)

var storageBackend string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the visioniqd daemon (default command)",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&storageBackend, "storage-backend", "", "storage backend (overrides config)")
	rootCmd.AddCommand(serveCmd)

	// Make serve the default command.
	rootCmd.RunE = runServe
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if storageBackend != "" {
		cfg.Storage.Backend = storageBackend
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	slog.Info("starting visioniqd",
		"version", Version,
		"storage_backend", cfg.Storage.Backend,
		"daily_limit", cfg.Cache.DailyLimit,
		"poll_interval", cfg.PollInterval(),
	)

	m := metrics.Default(cfg.Collection.MetricsNamespace)

	backend, err := openBackend(cfg, m, slog.Default())
	if err != nil {
		return err
	}
	defer backend.Close() //nolint:errcheck

	coll, err := buildCollector(cfg, backend, m, slog.Default())
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("visioniqd ready")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coll.Run(gctx) })
	if dual, ok := backend.(*store.DualBackend); ok {
		g.Go(func() error { return runReconcileLoop(gctx, dual, m) })
	}

	waitErr := g.Wait()
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		slog.Error("visioniqd exited with error", "error", waitErr)
	}

	if err := backend.Close(); err != nil {
		slog.Error("closing storage", "error", err)
	}

	slog.Info("visioniqd shutdown complete")
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}

// runReconcileLoop compares the two storage sides once a day and exports the
// drift counts. Reconciliation never mutates either side.
func runReconcileLoop(ctx context.Context, dual *store.DualBackend, m *metrics.Collector) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		report, err := dual.Reconcile(ctx)
		if err != nil {
			slog.Warn("reconciliation failed", "error", err)
			continue
		}
		for _, f := range report.Families {
			m.ReconcileDrift.WithLabelValues(f.Family, "primary").Set(float64(f.MissingInPrimary))
			m.ReconcileDrift.WithLabelValues(f.Family, "secondary").Set(float64(f.MissingInSecondary))
		}
		if report.InSync() {
			slog.Info("storage sides in sync")
		} else {
			slog.Warn("storage drift detected", "families", len(report.Families))
		}
	}
}
