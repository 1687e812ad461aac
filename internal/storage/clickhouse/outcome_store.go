package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/storage"
)

// OutcomeStore implements storage.OutcomeStore using ClickHouse.
type OutcomeStore struct {
	conn *Conn
}

// NewOutcomeStore creates a new OutcomeStore.
func NewOutcomeStore(conn *Conn) *OutcomeStore {
	return &OutcomeStore{conn: conn}
}

// Compile-time interface check.
var _ storage.OutcomeStore = (*OutcomeStore)(nil)

const outcomeColumns = `
	plan_id, item_id, item_index, kind, family, target, endpoint,
	status, error_code, error_message, extrinsic_hash, block_hash,
	estimated_fee, validated, created_at_ms, completed_at_ms`

// Insert adds a new outcome. Returns ErrDuplicateKey if (plan_id, item_id) exists.
func (s *OutcomeStore) Insert(ctx context.Context, o *domain.ExecutionOutcome) error {
	return s.InsertBulk(ctx, []*domain.ExecutionOutcome{o})
}

// InsertBulk adds multiple outcomes. Fails entire batch on any duplicate.
func (s *OutcomeStore) InsertBulk(ctx context.Context, outcomes []*domain.ExecutionOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	// Check for intra-batch duplicates
	seen := make(map[string]struct{})
	for _, o := range outcomes {
		if o == nil || o.PlanID == "" || o.ItemID == "" {
			return storage.ErrInvalidInput
		}
		key := o.PlanID + "|" + o.ItemID
		if _, exists := seen[key]; exists {
			return storage.ErrDuplicateKey
		}
		seen[key] = struct{}{}
	}

	// MergeTree does not enforce uniqueness; check existing rows explicitly.
	for _, o := range outcomes {
		exists, err := s.exists(ctx, o.PlanID, o.ItemID)
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		if exists {
			return storage.ErrDuplicateKey
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO execution_outcomes (`+outcomeColumns+`)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, o := range outcomes {
		var validated uint8
		if o.Validated {
			validated = 1
		}
		err = batch.Append(
			o.PlanID, o.ItemID, uint32(o.Index), o.Kind, string(o.Family), o.Target, o.Endpoint,
			string(o.Status), string(o.ErrorCode), o.ErrorMessage, o.ExtrinsicHash, o.BlockHash,
			o.EstimatedFee, validated, uint64(o.CreatedAt), uint64(o.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetByPlan retrieves all outcomes of a plan, ordered by index ASC.
func (s *OutcomeStore) GetByPlan(ctx context.Context, planID string) ([]*domain.ExecutionOutcome, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT `+outcomeColumns+`
		FROM execution_outcomes
		WHERE plan_id = ?
		ORDER BY item_index ASC
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("query by plan: %w", err)
	}
	defer rows.Close()

	return scanOutcomes(rows)
}

func (s *OutcomeStore) exists(ctx context.Context, planID, itemID string) (bool, error) {
	var count uint64
	err := s.conn.QueryRow(ctx, `
		SELECT count(*) FROM execution_outcomes
		WHERE plan_id = ? AND item_id = ?
	`, planID, itemID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func scanOutcomes(rows driver.Rows) ([]*domain.ExecutionOutcome, error) {
	var result []*domain.ExecutionOutcome
	for rows.Next() {
		var (
			o                      domain.ExecutionOutcome
			index                  uint32
			family, status, code   string
			validated              uint8
			createdAt, completedAt uint64
		)
		err := rows.Scan(
			&o.PlanID, &o.ItemID, &index, &o.Kind, &family, &o.Target, &o.Endpoint,
			&status, &code, &o.ErrorMessage, &o.ExtrinsicHash, &o.BlockHash,
			&o.EstimatedFee, &validated, &createdAt, &completedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Index = int(index)
		o.Family = domain.Family(family)
		o.Status = domain.Status(status)
		o.ErrorCode = domain.Code(code)
		o.Validated = validated == 1
		o.CreatedAt = int64(createdAt)
		o.CompletedAt = int64(completedAt)
		result = append(result, &o)
	}
	return result, rows.Err()
}
