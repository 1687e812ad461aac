package main

import (
	"context"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/verification"
)

func newVerifyCmd(root *rootOptions) *cobra.Command {
	var planID string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that finalized extrinsics of a plan are in their recorded blocks",
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
			return verifyPlan(cmd.Context(), cmd.OutOrStdout(), a, planID)
		},
	}
	cmd.Flags().StringVar(&planID, "plan-id", "", "plan id")
	_ = cmd.MarkFlagRequired("plan-id")
	return cmd
}

func verifyPlan(ctx context.Context, out io.Writer, a *app, planID string) error {
	outcomes, err := a.stores.outcomes.GetByPlan(ctx, planID)
	if err != nil {
		return err
	}
	if len(outcomes) == 0 {
		return fmt.Errorf("no outcomes recorded for plan %s", planID)
	}

	sources := make(map[string]verification.BlockSource)
	for _, o := range outcomes {
		if !verification.Verifiable(o) || sources[o.Target] != nil {
			continue
		}
		p, err := a.pool(ctx, o.Target)
		if err != nil {
			return err
		}
		h, err := p.GetReadHandle(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", o.Target, err)
		}
		sources[o.Target] = h.Client()
	}

	report, err := verification.NewInclusionVerifier(sources).VerifyAll(ctx, outcomes)
	if err != nil {
		return err
	}
	renderVerification(out, outcomes, report)
	if report.DivergentOutcomes > 0 {
		return fmt.Errorf("%d of %d finalized extrinsics did not verify", report.DivergentOutcomes, report.TotalOutcomes)
	}
	return nil
}

func renderVerification(out io.Writer, outcomes []*domain.ExecutionOutcome, report *verification.VerificationReport) {
	byIndex := make(map[int]*domain.ExecutionOutcome, len(outcomes))
	for _, o := range outcomes {
		byIndex[o.Index] = o
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"#", "Target", "Extrinsic", "Block", "Result"})
	for _, r := range report.Results {
		o := byIndex[r.Index]
		result := "ok"
		if !r.Match {
			result = r.Divergences[0].Field + ": " + r.Divergences[0].Actual
		}
		t.AppendRow(table.Row{r.Index, o.Target, o.ExtrinsicHash, o.BlockHash, result})
	}
	t.AppendFooter(table.Row{"", "", "", "verified", fmt.Sprintf("%d/%d (%d skipped)", report.MatchedOutcomes, report.TotalOutcomes, report.Skipped)})
	t.Render()
}
