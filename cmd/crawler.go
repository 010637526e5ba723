package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/market-crawler/internal/manifest"
	"github.com/JakeFAU/market-crawler/internal/registry"
)

func newCrawlerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "crawler",
		Aliases: []string{"crawlers"},
		Short:   "Manage and run registered plugin crawlers",
	}
	cmd.AddCommand(
		newCrawlerAddCmd(),
		newCrawlerUpdateCmd(),
		newCrawlerDeleteCmd(),
		newCrawlerListCmd(),
		newCrawlerShowCmd(),
		newCrawlerExecCmd(),
		newCrawlerImportCmd(),
	)
	return cmd
}

func newCrawlerAddCmd() *cobra.Command {
	var (
		file     string
		req      registry.AddRequest
		disabled bool
	)
	cmd := &cobra.Command{
		Use:   "add NAME --file CODE.js",
		Short: "Register a new crawler",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			code, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read crawler code: %w", err)
			}
			req.Name = args[0]
			req.Code = string(code)
			reg := appInstance.Registry()
			if err := reportResult(cmd, reg.Add(req)); err != nil {
				return err
			}
			if disabled {
				off := false
				return reportResult(cmd, reg.Update(req.Name, registry.UpdateRequest{Enabled: &off}))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JavaScript source defining scrape, run or main")
	cmd.Flags().StringVar(&req.Description, "description", "", "free-form description")
	cmd.Flags().StringVar(&req.Platform, "platform", "", "platform tag (default \"custom\")")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "register the crawler disabled")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newCrawlerUpdateCmd() *cobra.Command {
	var (
		file, description, platform string
		enable, disable             bool
	)
	cmd := &cobra.Command{
		Use:   "update NAME",
		Short: "Change a crawler's code, metadata or enabled state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if enable && disable {
				return errors.New("--enable and --disable are mutually exclusive")
			}
			var req registry.UpdateRequest
			flags := cmd.Flags()
			if flags.Changed("file") {
				code, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read crawler code: %w", err)
				}
				s := string(code)
				req.Code = &s
			}
			if flags.Changed("description") {
				req.Description = &description
			}
			if flags.Changed("platform") {
				req.Platform = &platform
			}
			if enable || disable {
				on := enable
				req.Enabled = &on
			}
			return reportResult(cmd, appInstance.Registry().Update(args[0], req))
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "replacement JavaScript source")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&platform, "platform", "", "new platform tag")
	cmd.Flags().BoolVar(&enable, "enable", false, "enable the crawler")
	cmd.Flags().BoolVar(&disable, "disable", false, "disable the crawler")
	return cmd
}

func newCrawlerDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete NAME",
		Aliases: []string{"rm"},
		Short:   "Remove a crawler and its code",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return reportResult(cmd, appInstance.Registry().Delete(args[0]))
		},
	}
}

func newCrawlerListCmd() *cobra.Command {
	var (
		filter registry.ListFilter
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered crawlers",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			crawlers := appInstance.Registry().List(filter)
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, crawlers)
			}
			if len(crawlers) == 0 {
				fmt.Fprintln(out, newPrinter().Warning("no crawlers registered"))
				return nil
			}
			rows := make([][]string, 0, len(crawlers))
			for _, d := range crawlers {
				rows = append(rows, []string{
					d.Name,
					d.Platform,
					strconv.FormatBool(d.Enabled),
					strconv.Itoa(d.Version),
					d.UpdatedAt.Format(time.RFC3339),
					d.Description,
				})
			}
			return renderTable(newTable(out, "Name", "Platform", "Enabled", "Version", "Updated", "Description"), rows)
		},
	}
	cmd.Flags().StringVar(&filter.Platform, "platform", "", "only crawlers with this platform tag")
	cmd.Flags().BoolVar(&filter.EnabledOnly, "enabled-only", false, "hide disabled crawlers")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newCrawlerShowCmd() *cobra.Command {
	var showCode bool
	cmd := &cobra.Command{
		Use:   "show NAME",
		Short: "Show a crawler's descriptor or source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			reg := appInstance.Registry()
			out := cmd.OutOrStdout()
			if showCode {
				res := reg.Code(args[0])
				if !res.Success {
					return resultError(res)
				}
				fmt.Fprint(out, res.Output)
				return nil
			}
			d, ok := reg.Get(args[0])
			if !ok {
				return fmt.Errorf("crawler %q not found", args[0])
			}
			return printJSON(out, d)
		},
	}
	cmd.Flags().BoolVar(&showCode, "code", false, "print the JavaScript source")
	return cmd
}

func newCrawlerExecCmd() *cobra.Command {
	var (
		rawKwargs string
		pairs     []string
	)
	cmd := &cobra.Command{
		Use:   "exec NAME",
		Short: "Execute a crawler in the sandbox and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			kwargs, err := parseKwargs(rawKwargs, pairs)
			if err != nil {
				return err
			}
			res := appInstance.Registry().Execute(cmd.Context(), args[0], kwargs)
			if !res.Success {
				return resultError(res)
			}
			return printJSON(cmd.OutOrStdout(), res.Output)
		},
	}
	cmd.Flags().StringVar(&rawKwargs, "kwargs", "", "JSON object passed to the entry point")
	cmd.Flags().StringArrayVar(&pairs, "arg", nil, "key=value string argument; repeatable, overrides --kwargs")
	return cmd
}

func newCrawlerImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import MANIFEST",
		Short: "Add or update crawlers listed in a YAML manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			m, err := manifest.Load(args[0])
			if err != nil {
				return err
			}
			results := m.Import(appInstance.Registry())
			rows := make([][]string, 0, len(results))
			failed := 0
			for _, r := range results {
				status := "ok"
				if !r.Result.Success {
					status = string(r.Result.Code)
					failed++
				}
				rows = append(rows, []string{r.Name, r.Action, status, firstNonEmpty(r.Result.Error, r.Result.Message)})
			}
			if err := renderTable(newTable(cmd.OutOrStdout(), "Name", "Action", "Status", "Detail"), rows); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d manifest entries failed", failed, len(results))
			}
			return nil
		},
	}
}

func parseKwargs(raw string, pairs []string) (map[string]any, error) {
	kwargs := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &kwargs); err != nil {
			return nil, fmt.Errorf("--kwargs must be a JSON object: %w", err)
		}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("--arg %q must look like key=value", p)
		}
		kwargs[strings.TrimSpace(k)] = v
	}
	return kwargs, nil
}

func reportResult(cmd *cobra.Command, res registry.Result) error {
	if !res.Success {
		return resultError(res)
	}
	fmt.Fprintln(cmd.OutOrStdout(), newPrinter().Success("%s", res.Message))
	return nil
}

func resultError(res registry.Result) error {
	return fmt.Errorf("%s: %s", res.Code, res.Error)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
