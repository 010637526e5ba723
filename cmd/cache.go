package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the page cache",
	}
	cmd.AddCommand(newCacheEvictCmd())
	return cmd
}

func newCacheEvictCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "evict",
		Short: "Remove cached pages older than a given age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			age := appInstance.Config().TTL()
			if cmd.Flags().Changed("older-than") {
				if olderThan < 0 {
					return fmt.Errorf("--older-than must be >= 0")
				}
				age = olderThan
			}
			removed, err := appInstance.Cache().EvictOlderThan(cmd.Context(), age)
			if err != nil {
				return fmt.Errorf("evict: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), newPrinter().Success("removed %d cached pages older than %s", removed, age))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age threshold (default cache TTL); 0 removes everything")
	return cmd
}
