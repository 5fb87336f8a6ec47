package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/YallaPapi/pubscrape-sub005/internal/app"
)

// newServeCmd runs the HTTP API, the worker pool and maintenance.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the governor service",
		Long: `Restores persisted state, then serves the HTTP API until interrupted.
When worker.enabled is set, in-process workers fetch admitted items with the
reference colly fetcher.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			defer a.Close()

			rt.logger.Info("governor starting",
				zap.Int("port", rt.cfg.Server.Port),
				zap.Int("workers", a.Workers()),
			)
			if err := a.Run(ctx); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			rt.logger.Info("shutdown complete")
			return nil
		},
	}
}
