package main

import (
	"github.com/spf13/cobra"

	"github.com/bigkaa/practicestore/internal/database"
)

func newMigrateCmd() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Управление схемой БД",
	}

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Применить все миграции",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return database.Migrate(cfg, logger)
		},
	})

	var steps int
	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Откатить миграции",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return database.MigrateDown(cfg, steps, logger)
		},
	}
	downCmd.Flags().IntVar(&steps, "steps", 1, "сколько миграций откатить")
	migrateCmd.AddCommand(downCmd)

	return migrateCmd
}
