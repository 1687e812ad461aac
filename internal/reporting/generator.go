package reporting

import (
	"context"
	"sort"
	"time"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/metrics"
	"dotbot-exec/internal/storage"
)

// Generator produces reports from recorded outcomes.
type Generator struct {
	outcomeStore storage.OutcomeStore
	aggregator   *metrics.Aggregator
	networks     map[string]domain.Network
	now          func() time.Time // Injectable clock for deterministic output
}

// NewGenerator creates a new report generator. networks is used to format
// fees and may be nil.
func NewGenerator(outcomeStore storage.OutcomeStore, networks map[string]domain.Network) *Generator {
	return &Generator{
		outcomeStore: outcomeStore,
		aggregator:   metrics.NewAggregator(outcomeStore),
		networks:     networks,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithClock sets a custom clock function for deterministic output.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Generate produces the report of planID. Returns metrics.ErrNoOutcomes
// when nothing was recorded for the plan.
func (g *Generator) Generate(ctx context.Context, planID string) (*Report, error) {
	agg, err := g.aggregator.ComputeAggregate(ctx, planID)
	if err != nil {
		return nil, err
	}
	outcomes, err := g.outcomeStore.GetByPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	items := g.generateItems(outcomes)
	return &Report{
		GeneratedAt: g.now(),
		PlanID:      planID,
		Aggregate:   agg,
		Fees:        g.generateFees(agg),
		Items:       items,
		Failures:    generateFailures(outcomes),
	}, nil
}

func (g *Generator) generateFees(agg *metrics.Aggregate) []FeeRow {
	rows := make([]FeeRow, 0, len(agg.ByTarget))
	for _, t := range agg.ByTarget {
		amount := t.EstimatedFees.String() + " planck"
		if n, ok := g.networks[t.Target]; ok && n.Symbol != "" {
			amount = n.FormatAmount(t.EstimatedFees)
		}
		rows = append(rows, FeeRow{Target: t.Target, Amount: amount})
	}
	return rows
}

func (g *Generator) generateItems(outcomes []*domain.ExecutionOutcome) []ItemRow {
	rows := make([]ItemRow, 0, len(outcomes))
	for _, o := range outcomes {
		row := ItemRow{
			Index:         o.Index,
			Kind:          o.Kind,
			Target:        o.Target,
			Status:        string(o.Status),
			Endpoint:      o.Endpoint,
			ExtrinsicHash: o.ExtrinsicHash,
			BlockHash:     o.BlockHash,
			EstimatedFee:  o.EstimatedFee,
			Validated:     o.Validated,
		}
		if o.CreatedAt > 0 && o.CompletedAt >= o.CreatedAt {
			row.DurationMs = o.CompletedAt - o.CreatedAt
		}
		rows = append(rows, row)
	}
	sortItems(rows)
	return rows
}

func generateFailures(outcomes []*domain.ExecutionOutcome) []FailureRow {
	var rows []FailureRow
	for _, o := range outcomes {
		if o.Status != domain.StatusFailed && o.Status != domain.StatusCancelled {
			continue
		}
		rows = append(rows, FailureRow{
			Index:   o.Index,
			Kind:    o.Kind,
			Status:  string(o.Status),
			Code:    string(o.ErrorCode),
			Message: o.ErrorMessage,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Index < rows[j].Index })
	return rows
}

// sortItems sorts rows by index, then kind.
func sortItems(rows []ItemRow) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Index != rows[j].Index {
			return rows[i].Index < rows[j].Index
		}
		return rows[i].Kind < rows[j].Kind
	})
}
