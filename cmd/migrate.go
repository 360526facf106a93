package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the usage and job schemas",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		usageStore, err := openUsageStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer usageStore.Close()
		if err := usageStore.Migrate(ctx); err != nil {
			return err
		}

		jobStore, err := openJobStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer jobStore.Close()
		if err := jobStore.Migrate(ctx); err != nil {
			return err
		}

		zap.L().Info("migrations applied", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
