package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// worker runs the scheduling pipeline and job worker without the HTTP
// listener. Useful for draining a shared job queue from a separate host.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the background job worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := newGatewayEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		zap.L().Info("job worker starting",
			zap.Int("workers", cfg.Jobs.Workers),
			zap.String("store", cfg.Store.Driver))

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return env.monitor.Run(ctx) })
		g.Go(func() error { return env.sched.Run(ctx) })
		g.Go(func() error { return env.jobs.Run(ctx) })

		if err := g.Wait(); err != nil {
			return err
		}
		zap.L().Info("job worker stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
