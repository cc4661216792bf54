package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mhuot/visioniqd/internal/config"
	"github.com/mhuot/visioniqd/internal/store"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare primary and secondary storage and report drift",
	Long: `reconcile reads every entity family from both storage sides of a dual
backend and reports records present on only one side. It never writes;
repairing drift is left to the operator.`,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if cfg.Storage.Backend != "dual" {
		return fmt.Errorf("reconcile requires storage.backend 'dual', got %q", cfg.Storage.Backend)
	}

	backend, err := openBackend(cfg, nil, slog.Default())
	if err != nil {
		return err
	}
	defer backend.Close() //nolint:errcheck

	dual, ok := backend.(*store.DualBackend)
	if !ok {
		return fmt.Errorf("storage backend is not a dual backend")
	}

	report, err := dual.Reconcile(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("reconciliation at %s\n\n", report.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	for _, f := range report.Families {
		fmt.Printf("%-18s primary=%-7d secondary=%-7d", f.Family, f.Primary, f.Secondary)
		if f.MissingInPrimary == 0 && f.MissingInSecondary == 0 {
			fmt.Println(" in sync")
			continue
		}
		fmt.Printf(" drift: %d missing in primary, %d missing in secondary\n",
			f.MissingInPrimary, f.MissingInSecondary)
	}

	if !report.InSync() {
		return fmt.Errorf("storage sides have drifted")
	}
	return nil
}
