package cmd

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/mhuot/visioniqd/internal/cache"
	"github.com/mhuot/visioniqd/internal/collector"
	"github.com/mhuot/visioniqd/internal/config"
	"github.com/mhuot/visioniqd/internal/metrics"
	"github.com/mhuot/visioniqd/internal/session"
	"github.com/mhuot/visioniqd/internal/store"
	"github.com/mhuot/visioniqd/internal/telemetry"
	"github.com/mhuot/visioniqd/internal/upstream"
	"github.com/mhuot/visioniqd/internal/weather"
)

func setupLogging() {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	if logFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// redactDSN masks the password in a PostgreSQL DSN for safe display.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return dsn
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// openBackend builds the configured storage backend. m may be nil for
// one-shot commands that do not export metrics.
func openBackend(cfg *config.Config, m *metrics.Collector, logger *slog.Logger) (store.Backend, error) {
	switch cfg.Storage.Backend {
	case "csv":
		return store.NewCSVBackend(cfg.Storage.CSV.Dir)
	case "postgres":
		return openPostgres(cfg)
	case "dual":
		pg, err := openPostgres(cfg)
		if err != nil {
			return nil, err
		}
		csv, err := store.NewCSVBackend(cfg.Storage.CSV.Dir)
		if err != nil {
			_ = pg.Close()
			return nil, err
		}
		opts := store.DualOptions{
			ReadFromSecondary: cfg.Storage.Dual.ReadFromSecondary,
			SecondaryTimeout:  cfg.Storage.Dual.SecondaryTimeout,
		}
		if m != nil {
			opts.OnSecondaryFailure = m.SecondaryWriteFailuresTotal.Inc
		}
		return store.NewDualBackend(pg, csv, opts, logger), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
}

func openPostgres(cfg *config.Config) (*store.PostgresBackend, error) {
	return store.NewPostgresBackend(cfg.Storage.Postgres.DSN, store.PostgresOptions{
		MaxOpenConns:   cfg.Storage.Postgres.MaxOpenConns,
		MaxIdleConns:   cfg.Storage.Postgres.MaxIdleConns,
		AcquireTimeout: cfg.Storage.Postgres.AcquireTimeout,
	})
}

// buildCollector assembles the fetch pipeline on top of an open backend.
// m may be nil for one-shot commands.
func buildCollector(cfg *config.Config, backend store.Backend, m *metrics.Collector, logger *slog.Logger) (*collector.Collector, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	snaps, err := cache.NewSnapshotStore(cfg.Cache.Dir)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot store: %w", err)
	}

	budgetPath := filepath.Join(cfg.Cache.Dir, "api_call_history.json")
	budget, err := cache.LoadBudget(budgetPath, cfg.Cache.DailyLimit, loc, time.Now())
	if err != nil {
		return nil, fmt.Errorf("loading call budget: %w", err)
	}

	client := upstream.NewHTTPClient(cfg.Upstream.BaseURL, cfg.Upstream.VehicleID, cfg.Upstream.Token, cfg.Upstream.Timeout)
	rlc := cache.New(client, snaps, budget, budgetPath, logger)

	tracker := session.NewTracker(cfg.GapThreshold(), cfg.Charging.BatteryCapacityKWh, logger)

	opts := collector.Options{
		ParseOptions:      telemetry.ParseOptions{OdometerMiles: cfg.Upstream.OdometerMiles},
		SnapshotRetention: cfg.Cache.SnapshotRetention,
		RawRetention:      cfg.Storage.Postgres.RawRetention,
	}
	if cfg.Weather.Enabled {
		opts.Weather = weather.New(cfg.Weather.BaseURL, cfg.Weather.Timeout, cfg.Weather.CacheTTL, logger)
	}

	return collector.New(rlc, backend, tracker, m, logger, opts), nil
}
