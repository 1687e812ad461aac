// Package execution holds the ordered, observable queue of operations a plan
// executes.
package execution

import (
	"time"

	"dotbot-exec/internal/domain"
)

// Result is what an item produced on chain or, for non-transaction families,
// the producer's output.
type Result struct {
	ExtrinsicHash string
	BlockHash     string
	Output        string
}

// Item is one queued operation. Items handed out by the queue are copies.
type Item struct {
	ID       string
	Index    int
	Kind     string
	Payload  domain.Payload
	Status   domain.Status
	Endpoint string

	Simulation *domain.SimulationResult
	Result     *Result
	Error      *domain.Error

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Description returns the payload's human-readable description.
func (i Item) Description() string {
	return i.Payload.Description
}

func (i *Item) clone() Item {
	c := *i
	if i.Simulation != nil {
		sim := *i.Simulation
		c.Simulation = &sim
	}
	if i.Result != nil {
		r := *i.Result
		c.Result = &r
	}
	if i.Error != nil {
		e := *i.Error
		c.Error = &e
	}
	if i.StartedAt != nil {
		t := *i.StartedAt
		c.StartedAt = &t
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// Progress is the aggregate state of a queue.
type Progress struct {
	Total     int
	Completed int // finalized
	Failed    int
	Cancelled int
	Remaining int // not yet terminal

	IsExecuting bool
	IsPaused    bool
}

// Done reports whether every item is terminal.
func (p Progress) Done() bool {
	return p.Remaining == 0
}

// EventType identifies what changed.
type EventType string

const (
	EventItemAdded     EventType = "item_added"
	EventStatusChanged EventType = "status_changed"
	EventItemUpdated   EventType = "item_updated"
	EventRunState      EventType = "run_state"
)

// Event is delivered to observers after every queue mutation. Item is nil
// for run-state changes.
type Event struct {
	Type     EventType
	Item     *Item
	Previous domain.Status
	Progress Progress
}

// Observer receives queue events synchronously. Observers must not mutate
// the queue from inside the callback.
type Observer func(Event)
