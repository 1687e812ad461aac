package execution

import (
	"context"
	"sync"
	"time"

	"cosmossdk.io/log"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/logging"
	"dotbot-exec/internal/storage"
)

const (
	recorderBuffer      = 64
	recorderInsertLimit = 10 * time.Second
)

// OutcomeRecorder forwards terminal items to an OutcomeStore on a background
// goroutine so observers never block on storage.
type OutcomeRecorder struct {
	store  storage.OutcomeStore
	planID string
	logger log.Logger

	ch       chan *domain.ExecutionOutcome
	done     chan struct{}
	mu       sync.Mutex
	closed   bool
	dropped  int
	recorded int
}

// NewOutcomeRecorder starts a recorder for plan planID.
func NewOutcomeRecorder(store storage.OutcomeStore, planID string, logger log.Logger) *OutcomeRecorder {
	r := &OutcomeRecorder{
		store:  store,
		planID: planID,
		logger: logging.Subsystem(logger, logging.SubsystemStorage),
		ch:     make(chan *domain.ExecutionOutcome, recorderBuffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Observe is the queue Observer.
func (r *OutcomeRecorder) Observe(ev Event) {
	if ev.Type != EventStatusChanged || ev.Item == nil || !ev.Item.Status.IsTerminal() {
		return
	}
	outcome := ToOutcome(r.planID, *ev.Item)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- outcome:
	default:
		r.dropped++
		r.logger.Warn("outcome buffer full, dropping record", "item", ev.Item.Index)
	}
}

func (r *OutcomeRecorder) run() {
	defer close(r.done)
	for o := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), recorderInsertLimit)
		err := r.store.Insert(ctx, o)
		cancel()
		if err != nil {
			r.logger.Warn("record execution outcome failed", append([]any{"item", o.Index}, logging.ErrorFields(err)...)...)
			continue
		}
		r.mu.Lock()
		r.recorded++
		r.mu.Unlock()
	}
}

// Close flushes pending records and stops the recorder.
func (r *OutcomeRecorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	<-r.done
}

// Recorded returns how many outcomes were stored.
func (r *OutcomeRecorder) Recorded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recorded
}

// ToOutcome converts a terminal item into its analytics record.
func ToOutcome(planID string, item Item) *domain.ExecutionOutcome {
	o := &domain.ExecutionOutcome{
		PlanID:    planID,
		ItemID:    item.ID,
		Index:     item.Index,
		Kind:      item.Kind,
		Family:    item.Payload.Family,
		Target:    item.Payload.Target,
		Endpoint:  item.Endpoint,
		Status:    item.Status,
		CreatedAt: item.CreatedAt.UnixMilli(),
	}
	if item.CompletedAt != nil {
		o.CompletedAt = item.CompletedAt.UnixMilli()
	}
	if item.Error != nil {
		o.ErrorCode = item.Error.Code
		o.ErrorMessage = item.Error.Message
	}
	if item.Result != nil {
		o.ExtrinsicHash = item.Result.ExtrinsicHash
		o.BlockHash = item.Result.BlockHash
	}
	if item.Simulation != nil {
		o.Validated = item.Simulation.Validated
		if !item.Simulation.EstimatedFee.IsNil() {
			o.EstimatedFee = item.Simulation.EstimatedFee.String()
		}
	} else if item.Payload.EstimatedFee != nil {
		o.EstimatedFee = item.Payload.EstimatedFee.String()
	}
	return o
}
