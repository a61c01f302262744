package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/koscakluka/ema-classroom/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}

			db, err := store.New(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer db.Close()

			if err := db.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
			log.Info("migrations applied")
			return nil
		},
	}
}
