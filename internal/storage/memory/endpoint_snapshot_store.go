package memory

import (
	"context"
	"sort"
	"sync"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/storage"
)

// EndpointSnapshotStore is an in-memory implementation of storage.EndpointSnapshotStore.
type EndpointSnapshotStore struct {
	mu        sync.RWMutex
	snapshots []*domain.EndpointSnapshot
}

// NewEndpointSnapshotStore creates a new in-memory snapshot store.
func NewEndpointSnapshotStore() *EndpointSnapshotStore {
	return &EndpointSnapshotStore{}
}

// Compile-time interface check.
var _ storage.EndpointSnapshotStore = (*EndpointSnapshotStore)(nil)

// InsertBulk appends snapshots.
func (s *EndpointSnapshotStore) InsertBulk(_ context.Context, snapshots []*domain.EndpointSnapshot) error {
	for _, snap := range snapshots {
		if snap == nil || snap.Endpoint == "" {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, snap := range snapshots {
		cp := *snap
		s.snapshots = append(s.snapshots, &cp)
	}
	return nil
}

// GetByEndpoint retrieves snapshots for an endpoint within [start, end].
func (s *EndpointSnapshotStore) GetByEndpoint(_ context.Context, endpoint string, start, end int64) ([]*domain.EndpointSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.EndpointSnapshot
	for _, snap := range s.snapshots {
		if snap.Endpoint == endpoint && snap.Timestamp >= start && snap.Timestamp <= end {
			cp := *snap
			result = append(result, &cp)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp < result[j].Timestamp
	})
	return result, nil
}
