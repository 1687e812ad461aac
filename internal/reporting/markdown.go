package reporting

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"dotbot-exec/internal/domain"
)

// RenderMarkdown renders report as Markdown string.
func RenderMarkdown(r *Report) string {
	var sb strings.Builder
	agg := r.Aggregate

	// Header
	sb.WriteString(fmt.Sprintf("# Execution Report: %s\n\n", r.PlanID))
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339)))

	// Summary
	sb.WriteString("## Summary\n\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Items | %d |\n", agg.Total))
	sb.WriteString(fmt.Sprintf("| Finalized | %d |\n", agg.Finalized))
	sb.WriteString(fmt.Sprintf("| Failed | %d |\n", agg.Failed))
	sb.WriteString(fmt.Sprintf("| Cancelled | %d |\n", agg.Cancelled))
	sb.WriteString(fmt.Sprintf("| Success Rate | %.2f%% |\n", agg.SuccessRate*100))
	sb.WriteString(fmt.Sprintf("| Submitted Without Dry-Run | %d |\n", agg.Unvalidated))
	sb.WriteString(fmt.Sprintf("| Duration Median (ms) | %.0f |\n", agg.DurationMedianMs))
	sb.WriteString(fmt.Sprintf("| Duration P90 (ms) | %.0f |\n", agg.DurationP90Ms))
	sb.WriteString("\n")

	// Fees
	sb.WriteString("## Estimated Fees\n\n")
	if len(r.Fees) > 0 {
		sb.WriteString("| Network | Amount |\n")
		sb.WriteString("|---------|--------|\n")
		for _, f := range r.Fees {
			sb.WriteString(fmt.Sprintf("| %s | %s |\n", f.Target, f.Amount))
		}
	} else {
		sb.WriteString("No fees recorded.\n")
	}
	sb.WriteString("\n")

	// By kind
	sb.WriteString("## By Operation\n\n")
	sb.WriteString("| Kind | Items | Finalized | Failed | Cancelled | Success Rate | Median (ms) |\n")
	sb.WriteString("|------|-------|-----------|--------|-----------|--------------|-------------|\n")
	for _, k := range agg.ByKind {
		sb.WriteString(fmt.Sprintf("| %s | %d | %d | %d | %d | %.2f%% | %.0f |\n",
			k.Kind, k.Total, k.Finalized, k.Failed, k.Cancelled, k.SuccessRate*100, k.DurationMedianMs))
	}
	sb.WriteString("\n")

	// Error codes
	if len(agg.ErrorCodes) > 0 {
		sb.WriteString("## Error Codes\n\n")
		codes := make([]string, 0, len(agg.ErrorCodes))
		for code := range agg.ErrorCodes {
			codes = append(codes, string(code))
		}
		sort.Strings(codes)
		for _, code := range codes {
			sb.WriteString(fmt.Sprintf("- %s: %d\n", code, agg.ErrorCodes[domain.Code(code)]))
		}
		sb.WriteString("\n")
	}

	// Failures
	sb.WriteString("## Failures\n\n")
	if len(r.Failures) > 0 {
		sb.WriteString("| # | Kind | Status | Code | Message |\n")
		sb.WriteString("|---|------|--------|------|---------|\n")
		for _, f := range r.Failures {
			sb.WriteString(fmt.Sprintf("| %d | %s | %s | %s | %s |\n",
				f.Index, f.Kind, f.Status, f.Code, escapeCell(f.Message)))
		}
	} else {
		sb.WriteString("No failures.\n")
	}
	sb.WriteString("\n")

	// Items
	sb.WriteString("## Items\n\n")
	sb.WriteString("| # | Kind | Network | Status | Extrinsic | Block |\n")
	sb.WriteString("|---|------|---------|--------|-----------|-------|\n")
	for _, it := range r.Items {
		sb.WriteString(fmt.Sprintf("| %d | %s | %s | %s | %s | %s |\n",
			it.Index, it.Kind, it.Target, it.Status, orDash(it.ExtrinsicHash), orDash(it.BlockHash)))
	}
	sb.WriteString("\n")

	return sb.String()
}

func escapeCell(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", "\\|"), "\n", " ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
