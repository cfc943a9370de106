package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the scheduler and HTTP API until interrupted",
		Long: `Starts the periodic alert check loop and the HTTP API. The first
check runs immediately; subsequent checks follow the configured interval.
SIGINT or SIGTERM triggers a graceful shutdown.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.Run(ctx); err != nil {
				a.Logger().Error("server stopped with error", zap.Error(err))
				return err
			}
			a.Logger().Info("server stopped")
			return nil
		},
	}
}
