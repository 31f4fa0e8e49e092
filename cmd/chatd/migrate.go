package main

import (
	"errors"

	"github.com/spf13/cobra"

	"realtime-chat/internal/config"
	"realtime-chat/internal/db"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DSN == "" {
				return errors.New("DB_DSN is not set")
			}
			log := cfg.Logger()

			database, err := db.NewDatabase(cmd.Context(), cfg.DSN)
			if err != nil {
				return err
			}
			defer database.Close()

			if err := database.AutoMigrate(cmd.Context()); err != nil {
				return err
			}
			log.Info("Database schema initialized")
			return nil
		},
	}
}
