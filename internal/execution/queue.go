package execution

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"cosmossdk.io/log"
	"github.com/google/uuid"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/logging"
	"dotbot-exec/internal/observability"
)

// Errors
var (
	ErrItemNotFound      = errors.New("execution item not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// QueueOptions contains configuration for creating a Queue.
type QueueOptions struct {
	PlanID string
	// SimulationEnabled makes new items start pending; otherwise they start ready.
	SimulationEnabled bool
	Metrics           *observability.Metrics
	Logger            log.Logger
	Now               func() time.Time
}

// Queue is an ordered collection of items with aggregate status and run
// control flags. Safe for concurrent use.
type Queue struct {
	id                string
	planID            string
	simulationEnabled bool
	metrics           *observability.Metrics
	logger            log.Logger
	now               func() time.Time

	// notifyMu serializes mutation+notification so observers see events in
	// mutation order.
	notifyMu sync.Mutex

	mu        sync.RWMutex
	items     []*Item
	byID      map[string]*Item
	executing bool
	paused    bool

	obsMu     sync.Mutex
	observers map[int]Observer
	nextObs   int
}

// NewQueue creates an empty queue.
func NewQueue(opts QueueOptions) *Queue {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Queue{
		id:                uuid.NewString(),
		planID:            opts.PlanID,
		simulationEnabled: opts.SimulationEnabled,
		metrics:           opts.Metrics,
		logger:            logging.Subsystem(opts.Logger, logging.SubsystemQueue),
		now:               now,
		byID:              make(map[string]*Item),
		observers:         make(map[int]Observer),
	}
}

// ID returns the queue id.
func (q *Queue) ID() string { return q.id }

// PlanID returns the plan the queue was created for.
func (q *Queue) PlanID() string { return q.planID }

// SimulationEnabled reports whether new items start pending.
func (q *Queue) SimulationEnabled() bool { return q.simulationEnabled }

// Subscribe registers an observer and returns a function that removes it.
func (q *Queue) Subscribe(o Observer) func() {
	q.obsMu.Lock()
	defer q.obsMu.Unlock()

	id := q.nextObs
	q.nextObs++
	q.observers[id] = o
	return func() {
		q.obsMu.Lock()
		defer q.obsMu.Unlock()
		delete(q.observers, id)
	}
}

// Append adds an operation at the end of the queue and returns its id.
func (q *Queue) Append(p domain.Payload) string {
	q.notifyMu.Lock()
	defer q.notifyMu.Unlock()

	status := domain.StatusReady
	if q.simulationEnabled {
		status = domain.StatusPending
	}

	q.mu.Lock()
	item := &Item{
		ID:        uuid.NewString(),
		Index:     len(q.items),
		Kind:      p.Kind,
		Payload:   p,
		Status:    status,
		CreatedAt: q.now(),
	}
	q.items = append(q.items, item)
	q.byID[item.ID] = item
	ev := Event{Type: EventItemAdded, Item: ptr(item.clone()), Progress: q.progressLocked()}
	q.mu.Unlock()

	q.metrics.RecordTransition(string(status))
	q.notify(ev)
	return item.ID
}

// UpdateStatus moves an item to status. failure is recorded for failed and
// cancelled items and ignored otherwise.
func (q *Queue) UpdateStatus(id string, status domain.Status, failure *domain.Error) error {
	q.notifyMu.Lock()
	defer q.notifyMu.Unlock()

	q.mu.Lock()
	item, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	prev := item.Status
	if !domain.CanTransition(prev, status) {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s (item %d)", ErrInvalidTransition, prev, status, item.Index)
	}

	now := q.now()
	item.Status = status
	if item.StartedAt == nil {
		item.StartedAt = &now
	}
	if status.IsTerminal() {
		item.CompletedAt = &now
		if status != domain.StatusFinalized && failure != nil {
			item.Error = failure
		}
	}
	ev := Event{Type: EventStatusChanged, Item: ptr(item.clone()), Previous: prev, Progress: q.progressLocked()}
	q.mu.Unlock()

	q.metrics.RecordTransition(string(status))
	if status.IsTerminal() && ev.Item.Error != nil {
		q.metrics.RecordTerminalError(string(ev.Item.Error.Code))
	}
	q.logger.Debug("item status changed", "item", ev.Item.Index, "kind", ev.Item.Kind, "from", string(prev), "to", string(status))
	q.notify(ev)
	return nil
}

// UpdateResult records what an item produced.
func (q *Queue) UpdateResult(id string, r Result) error {
	return q.update(id, func(item *Item) { item.Result = &r })
}

// SetSimulation records an item's simulation result.
func (q *Queue) SetSimulation(id string, res *domain.SimulationResult) error {
	return q.update(id, func(item *Item) { item.Simulation = res })
}

// SetEndpoint records the endpoint an item was executed through.
func (q *Queue) SetEndpoint(id, endpoint string) error {
	return q.update(id, func(item *Item) { item.Endpoint = endpoint })
}

// SetPayload replaces an item's payload, e.g. after rebuilding it under a
// new session. Only non-terminal items can be changed.
func (q *Queue) SetPayload(id string, p domain.Payload) error {
	var err error
	uerr := q.update(id, func(item *Item) {
		if item.Status.IsTerminal() {
			err = fmt.Errorf("%w: item %d is %s", ErrInvalidTransition, item.Index, item.Status)
			return
		}
		item.Payload = p
	})
	if uerr != nil {
		return uerr
	}
	return err
}

func (q *Queue) update(id string, fn func(*Item)) error {
	q.notifyMu.Lock()
	defer q.notifyMu.Unlock()

	q.mu.Lock()
	item, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	fn(item)
	ev := Event{Type: EventItemUpdated, Item: ptr(item.clone()), Previous: item.Status, Progress: q.progressLocked()}
	q.mu.Unlock()

	q.notify(ev)
	return nil
}

// Item returns a copy of the item with id.
func (q *Queue) Item(id string) (Item, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	item, ok := q.byID[id]
	if !ok {
		return Item{}, false
	}
	return item.clone(), true
}

// Items returns copies of all items in queue order.
func (q *Queue) Items() []Item {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]Item, len(q.items))
	for i, item := range q.items {
		out[i] = item.clone()
	}
	return out
}

// ItemsByStatus returns copies of the items with status, in queue order.
func (q *Queue) ItemsByStatus(status domain.Status) []Item {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []Item
	for _, item := range q.items {
		if item.Status == status {
			out = append(out, item.clone())
		}
	}
	return out
}

// Len returns the number of items.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Progress returns the aggregate status.
func (q *Queue) Progress() Progress {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.progressLocked()
}

func (q *Queue) progressLocked() Progress {
	p := Progress{Total: len(q.items), IsExecuting: q.executing, IsPaused: q.paused}
	for _, item := range q.items {
		switch item.Status {
		case domain.StatusFinalized:
			p.Completed++
		case domain.StatusFailed:
			p.Failed++
		case domain.StatusCancelled:
			p.Cancelled++
		default:
			p.Remaining++
		}
	}
	return p
}

// SetExecuting sets the executing flag.
func (q *Queue) SetExecuting(executing bool) {
	q.setRunState(func() { q.executing = executing })
}

// Pause asks the controller to stop before the next item.
func (q *Queue) Pause() {
	q.setRunState(func() { q.paused = true })
}

// Resume clears the pause flag.
func (q *Queue) Resume() {
	q.setRunState(func() { q.paused = false })
}

// IsPaused reports the pause flag.
func (q *Queue) IsPaused() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.paused
}

// IsExecuting reports the executing flag.
func (q *Queue) IsExecuting() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.executing
}

func (q *Queue) setRunState(fn func()) {
	q.notifyMu.Lock()
	defer q.notifyMu.Unlock()

	q.mu.Lock()
	fn()
	ev := Event{Type: EventRunState, Progress: q.progressLocked()}
	q.mu.Unlock()

	q.notify(ev)
}

// notify delivers ev to every observer. Caller holds notifyMu.
func (q *Queue) notify(ev Event) {
	q.obsMu.Lock()
	observers := make([]Observer, 0, len(q.observers))
	for i := 0; i < q.nextObs; i++ {
		if o, ok := q.observers[i]; ok {
			observers = append(observers, o)
		}
	}
	q.obsMu.Unlock()

	for _, o := range observers {
		q.deliver(o, ev)
	}
}

func (q *Queue) deliver(o Observer, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("queue observer panicked", "event", string(ev.Type), "panic", fmt.Sprint(r))
		}
	}()
	if ev.Item != nil {
		c := *ev.Item
		ev.Item = &c
	}
	o(ev)
}

func ptr[T any](v T) *T {
	return &v
}
