package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Serves the fetch, collect, cache and crawler registry endpoints plus
/healthz, /readyz and /metrics. SIGINT or SIGTERM drains in-flight requests.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := appInstance.Serve(ctx); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			appInstance.Logger().Info("server stopped")
			return nil
		},
	}
}
