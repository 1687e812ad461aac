package storage

import (
	"context"

	"dotbot-exec/internal/domain"
)

// OutcomeStore provides access to execution_outcomes storage.
type OutcomeStore interface {
	// Insert adds a new outcome. Returns ErrDuplicateKey if (plan_id, item_id) exists.
	Insert(ctx context.Context, o *domain.ExecutionOutcome) error

	// InsertBulk adds multiple outcomes. Fails entire batch on any duplicate.
	InsertBulk(ctx context.Context, outcomes []*domain.ExecutionOutcome) error

	// GetByPlan retrieves all outcomes of a plan, ordered by index ASC.
	GetByPlan(ctx context.Context, planID string) ([]*domain.ExecutionOutcome, error)
}

// EndpointSnapshotStore provides access to endpoint_health_snapshots storage.
type EndpointSnapshotStore interface {
	// InsertBulk appends snapshots.
	InsertBulk(ctx context.Context, snapshots []*domain.EndpointSnapshot) error

	// GetByEndpoint retrieves snapshots for an endpoint within [start, end] (inclusive, Unix ms),
	// ordered by timestamp ASC.
	GetByEndpoint(ctx context.Context, endpoint string, start, end int64) ([]*domain.EndpointSnapshot, error)
}
