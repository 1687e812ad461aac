package clickhouse

import (
	"context"
	"fmt"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/storage"
)

// EndpointSnapshotStore implements storage.EndpointSnapshotStore using ClickHouse.
type EndpointSnapshotStore struct {
	conn *Conn
}

// NewEndpointSnapshotStore creates a new EndpointSnapshotStore.
func NewEndpointSnapshotStore(conn *Conn) *EndpointSnapshotStore {
	return &EndpointSnapshotStore{conn: conn}
}

// Compile-time interface check.
var _ storage.EndpointSnapshotStore = (*EndpointSnapshotStore)(nil)

// InsertBulk appends snapshots in one batch.
func (s *EndpointSnapshotStore) InsertBulk(ctx context.Context, snapshots []*domain.EndpointSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO endpoint_health_snapshots (
			manager_id, endpoint, healthy, failure_count,
			avg_latency_ms, last_failure_ms, timestamp_ms
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, snap := range snapshots {
		if snap == nil || snap.Endpoint == "" {
			return storage.ErrInvalidInput
		}
		var healthy uint8
		if snap.Healthy {
			healthy = 1
		}
		var lastFailure *uint64
		if snap.LastFailure != nil {
			v := uint64(*snap.LastFailure)
			lastFailure = &v
		}
		err = batch.Append(
			snap.ManagerID, snap.Endpoint, healthy, uint32(snap.FailureCount),
			snap.AvgLatencyMs, lastFailure, uint64(snap.Timestamp),
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

// GetByEndpoint retrieves snapshots for an endpoint within [start, end] (inclusive).
func (s *EndpointSnapshotStore) GetByEndpoint(ctx context.Context, endpoint string, start, end int64) ([]*domain.EndpointSnapshot, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT manager_id, endpoint, healthy, failure_count,
		       avg_latency_ms, last_failure_ms, timestamp_ms
		FROM endpoint_health_snapshots
		WHERE endpoint = ? AND timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC
	`, endpoint, uint64(start), uint64(end))
	if err != nil {
		return nil, fmt.Errorf("query by endpoint: %w", err)
	}
	defer rows.Close()

	var result []*domain.EndpointSnapshot
	for rows.Next() {
		var (
			snap        domain.EndpointSnapshot
			healthy     uint8
			failures    uint32
			lastFailure *uint64
			ts          uint64
		)
		if err := rows.Scan(
			&snap.ManagerID, &snap.Endpoint, &healthy, &failures,
			&snap.AvgLatencyMs, &lastFailure, &ts,
		); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.Healthy = healthy == 1
		snap.FailureCount = int(failures)
		snap.Timestamp = int64(ts)
		if lastFailure != nil {
			v := int64(*lastFailure)
			snap.LastFailure = &v
		}
		result = append(result, &snap)
	}
	return result, rows.Err()
}
