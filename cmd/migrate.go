package cmd

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mhuot/visioniqd/internal/config"
	"github.com/mhuot/visioniqd/internal/store"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var migrateDryRun bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "show pending migrations without applying")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if cfg.Storage.Postgres.DSN == "" {
		return fmt.Errorf("migrate requires storage.postgres.dsn; the csv backend has no schema")
	}

	if migrateDryRun {
		slog.Info("dry run mode, showing migration status only")
		db, err := sql.Open("pgx", cfg.Storage.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close() //nolint:errcheck
		return store.MigrationStatus(db)
	}

	// Opening the backend runs migrations.
	pg, err := openPostgres(cfg)
	if err != nil {
		return err
	}
	defer pg.Close() //nolint:errcheck

	slog.Info("migrations complete")
	return nil
}
