package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/signalnine/terca/internal/pricing"
	"github.com/signalnine/terca/internal/report"
)

var (
	flagFormat  string
	flagPricing string
)

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report [run-dir]",
		Short: "Summarize a run's results per variant",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runDir := filepath.Join(defaultRunsDir(rootDir), "latest")
			if len(args) > 0 {
				runDir = args[0]
			}
			resolved, err := filepath.EvalSymlinks(runDir)
			if err != nil {
				return fmt.Errorf("resolving run dir: %w", err)
			}
			var prices *pricing.Table
			if flagPricing != "" {
				if prices, err = pricing.Load(flagPricing); err != nil {
					return err
				}
			}
			return report.Generate(resolved, flagFormat, cmd.OutOrStdout(), prices)
		},
	}
	cmd.Flags().StringVar(&flagFormat, "format", "table", "output format (table, markdown, json)")
	cmd.Flags().StringVar(&flagPricing, "pricing", "", "YAML file of per-agent token prices")
	return cmd
}

func defaultRunsDir(root string) string {
	return filepath.Join(root, ".terca", "runs")
}
