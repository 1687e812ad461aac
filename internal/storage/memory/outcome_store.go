package memory

import (
	"context"
	"sort"
	"sync"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/storage"
)

// OutcomeStore is an in-memory implementation of storage.OutcomeStore.
type OutcomeStore struct {
	mu       sync.RWMutex
	outcomes map[string]*domain.ExecutionOutcome // key: plan_id|item_id
}

// NewOutcomeStore creates a new in-memory outcome store.
func NewOutcomeStore() *OutcomeStore {
	return &OutcomeStore{outcomes: make(map[string]*domain.ExecutionOutcome)}
}

// Compile-time interface check.
var _ storage.OutcomeStore = (*OutcomeStore)(nil)

func outcomeKey(o *domain.ExecutionOutcome) string {
	return o.PlanID + "|" + o.ItemID
}

// Insert adds a new outcome. Returns ErrDuplicateKey if it exists.
func (s *OutcomeStore) Insert(_ context.Context, o *domain.ExecutionOutcome) error {
	if o == nil || o.PlanID == "" || o.ItemID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := outcomeKey(o)
	if _, exists := s.outcomes[key]; exists {
		return storage.ErrDuplicateKey
	}
	cp := *o
	s.outcomes[key] = &cp
	return nil
}

// InsertBulk adds multiple outcomes atomically.
func (s *OutcomeStore) InsertBulk(_ context.Context, outcomes []*domain.ExecutionOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(outcomes))
	for _, o := range outcomes {
		if o == nil || o.PlanID == "" || o.ItemID == "" {
			return storage.ErrInvalidInput
		}
		key := outcomeKey(o)
		if _, exists := s.outcomes[key]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := seen[key]; exists {
			return storage.ErrDuplicateKey
		}
		seen[key] = struct{}{}
	}

	for _, o := range outcomes {
		cp := *o
		s.outcomes[outcomeKey(o)] = &cp
	}
	return nil
}

// GetByPlan retrieves all outcomes of a plan ordered by index.
func (s *OutcomeStore) GetByPlan(_ context.Context, planID string) ([]*domain.ExecutionOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ExecutionOutcome
	for _, o := range s.outcomes {
		if o.PlanID == planID {
			cp := *o
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Index < result[j].Index
	})
	return result, nil
}
