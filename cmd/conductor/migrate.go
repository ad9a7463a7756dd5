package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relkit/conductor/internal/db"
)

func newMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate the Conductor database",
		Long:  "Creates or updates all tables and seeds release trains from configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "conductor.yaml", "path to Conductor config file")
	return cmd
}

func runMigrate(cmd *cobra.Command, configPath string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	if err := db.SeedTrains(gormDB, cfg.Trains); err != nil {
		return err
	}
	fmt.Fprintf(out, "Seeded %d trains:", len(cfg.Trains))
	for _, t := range cfg.Trains {
		fmt.Fprintf(out, " %s", t.ID)
	}
	fmt.Fprintln(out)
	return nil
}
