package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/inference-gateway/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway and background job worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := newGatewayEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		srv := server.New(cfg.Server, env.gw, env.jobs, env.recorder, env.monitor)

		zap.L().Info("gateway starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("store", cfg.Store.Driver),
			zap.Strings("models", env.registry.Models()))

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return env.monitor.Run(ctx) })
		g.Go(func() error { return env.sched.Run(ctx) })
		g.Go(func() error { return env.jobs.Run(ctx) })
		g.Go(func() error { return srv.Run(ctx) })

		if err := g.Wait(); err != nil {
			return err
		}
		zap.L().Info("gateway stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
