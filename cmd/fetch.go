package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/market-crawler/internal/fetcher/cached"
)

func newFetchCmd() *cobra.Command {
	var (
		noCache  bool
		showHTML bool
	)
	cmd := &cobra.Command{
		Use:   "fetch URL",
		Short: "Fetch one page through the cache with retry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, ok := appInstance.Fetcher().Fetch(cmd.Context(), args[0], !noCache)

			out := cmd.OutOrStdout()
			p := newPrinter()
			if len(res.Attempts) > 0 {
				if err := renderTable(newTable(out, "#", "Outcome", "Reason", "Status", "Delay"), attemptRows(res.Attempts)); err != nil {
					return err
				}
			}
			if !ok {
				return fmt.Errorf("fetch failed for %s after %d attempts", args[0], len(res.Attempts))
			}
			source := "network"
			if res.FromCache {
				source = "cache"
			}
			fmt.Fprintln(out, p.Success("fetched %s from %s (%d bytes)", args[0], source, len(res.HTML)))
			if showHTML {
				fmt.Fprintln(out, res.HTML)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "skip the cache lookup and always go to the network")
	cmd.Flags().BoolVar(&showHTML, "html", false, "print the fetched HTML")
	return cmd
}

func attemptRows(attempts []cached.Attempt) [][]string {
	rows := make([][]string, 0, len(attempts))
	for _, a := range attempts {
		status := ""
		if a.StatusCode > 0 {
			status = strconv.Itoa(a.StatusCode)
		}
		rows = append(rows, []string{
			strconv.Itoa(a.Number),
			string(a.Outcome),
			a.Reason,
			status,
			a.Delay.String(),
		})
	}
	return rows
}
