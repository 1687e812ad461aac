package metrics

import (
	"context"
	"errors"

	"dotbot-exec/internal/storage"
)

// ErrNoOutcomes is returned when a plan has no recorded outcomes.
var ErrNoOutcomes = errors.New("no outcomes recorded for plan")

// Aggregator computes plan statistics from recorded outcomes.
type Aggregator struct {
	outcomeStore storage.OutcomeStore
}

// NewAggregator creates a new metrics aggregator.
func NewAggregator(outcomeStore storage.OutcomeStore) *Aggregator {
	return &Aggregator{outcomeStore: outcomeStore}
}

// ComputeAggregate loads the outcomes of planID and computes its statistics.
// Returns ErrNoOutcomes if nothing was recorded.
func (a *Aggregator) ComputeAggregate(ctx context.Context, planID string) (*Aggregate, error) {
	outcomes, err := a.outcomeStore.GetByPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if len(outcomes) == 0 {
		return nil, ErrNoOutcomes
	}
	return computeFromOutcomes(planID, outcomes), nil
}
