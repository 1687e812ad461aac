package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"dotbot-exec/internal/reporting"
)

func newReportCmd(root *rootOptions) *cobra.Command {
	var planID, outDir string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Write the execution report of a plan from recorded outcomes",
		Long:  "Reads outcomes from the analytics store, so analytics.clickhouse_dsn must be set.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if cfg.Analytics.ClickHouseDSN == "" {
				return fmt.Errorf("analytics.clickhouse_dsn is not set; outcomes are only kept in memory during a run")
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return writeReport(cmd.Context(), cmd.OutOrStdout(), a, planID, outDir)
		},
	}
	cmd.Flags().StringVar(&planID, "plan-id", "", "plan id")
	cmd.Flags().StringVar(&outDir, "out", "reports", "output directory")
	_ = cmd.MarkFlagRequired("plan-id")
	return cmd
}

func writeReport(ctx context.Context, out io.Writer, a *app, planID, dir string) error {
	r, err := reporting.NewGenerator(a.stores.outcomes, a.networks).Generate(ctx, planID)
	if err != nil {
		return err
	}
	paths, err := reporting.WriteFiles(dir, r)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintf(out, "Wrote %s\n", p)
	}
	return nil
}
