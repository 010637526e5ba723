package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/market-crawler/internal/export"
)

func newCollectCmd() *cobra.Command {
	var (
		sampleSize int
		noCache    bool
		format     string
		urlsFile   string
		urlFlags   []string
		printBatch bool
	)
	cmd := &cobra.Command{
		Use:   "collect [--url URL]... [URL...]",
		Short: "Collect a sample of parsed records across URLs",
		Long: `Fetches each URL in order, parses it with the configured item selector and
stops once sample-size records are gathered. Each URL contributes at most
sample-size / len(URLs) records. With --export the batch is written to the
configured export backend.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			c, err := appInstance.Collector()
			if err != nil {
				return err
			}
			urls := append(append([]string{}, urlFlags...), args...)
			if urlsFile != "" {
				fromFile, err := readURLFile(urlsFile)
				if err != nil {
					return err
				}
				urls = append(urls, fromFile...)
			}
			var f export.Format
			if format != "" {
				if f, err = export.ParseFormat(format); err != nil {
					return err
				}
			}
			if !cmd.Flags().Changed("sample-size") {
				sampleSize = appInstance.Config().Collector.DefaultSampleSize
			}

			batch, err := c.Collect(cmd.Context(), urls, sampleSize, !noCache)
			if batch == nil {
				return fmt.Errorf("collect: %w", err)
			}

			out := cmd.OutOrStdout()
			p := newPrinter()
			rows := make([][]string, 0, len(batch.URLs))
			for _, u := range batch.URLs {
				rows = append(rows, []string{u.URL, strconv.FormatBool(u.Fetched), strconv.FormatBool(u.FromCache), strconv.Itoa(u.Records)})
			}
			if err := renderTable(newTable(out, "URL", "Fetched", "Cached", "Records"), rows); err != nil {
				return err
			}
			if err != nil {
				fmt.Fprintln(out, p.Warning("collection interrupted; %d records gathered", len(batch.Records)))
				return fmt.Errorf("collect: %w", err)
			}
			fmt.Fprintln(out, p.Success("run %s collected %d records", batch.RunID, len(batch.Records)))

			if printBatch {
				if err := printJSON(out, batch); err != nil {
					return err
				}
			}
			if f != "" {
				artifact, err := appInstance.Exporter().Export(cmd.Context(), batch, f)
				if err != nil {
					return fmt.Errorf("export: %w", err)
				}
				fmt.Fprintln(out, p.Info("exported %d records to %s", artifact.Count, artifact.URI))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&sampleSize, "sample-size", "n", 0, "records to collect (default collector.default_sample_size)")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "skip cache lookups")
	cmd.Flags().StringVar(&format, "export", "", "export the batch as csv or json")
	cmd.Flags().StringArrayVar(&urlFlags, "url", nil, "source URL; repeatable, and positional URLs are appended")
	cmd.Flags().StringVar(&urlsFile, "urls-file", "", "file with one URL per line; # starts a comment")
	cmd.Flags().BoolVar(&printBatch, "print", false, "print the batch as JSON")
	return cmd
}

func readURLFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open urls file: %w", err)
	}
	defer f.Close()

	var urls []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read urls file: %w", err)
	}
	if len(urls) == 0 {
		return nil, errors.New("urls file has no URLs")
	}
	return urls, nil
}
