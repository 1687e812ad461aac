package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/pool"
)

// Request is everything a producer gets to build one payload.
type Request struct {
	PlanID  string
	Index   int
	Step    Step
	Sender  string
	Network domain.Network
	// Session is the session the payload is built for, on Network. Payloads
	// must carry its schema identity.
	Session pool.ExecutionSession
}

// Producer builds the payload of one operation kind.
type Producer interface {
	Produce(ctx context.Context, req Request) (domain.Payload, error)
}

// ProducerFunc adapts a function to the Producer interface.
type ProducerFunc func(ctx context.Context, req Request) (domain.Payload, error)

// Produce implements Producer.
func (f ProducerFunc) Produce(ctx context.Context, req Request) (domain.Payload, error) {
	return f(ctx, req)
}

// Factory creates a producer. It is called at most once per kind per orchestrator.
type Factory func() (Producer, error)

// Registry maps operation kinds to producer factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for kind.
func (r *Registry) Register(kind string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if kind == "" || f == nil {
		return fmt.Errorf("register producer: kind and factory are required")
	}
	if _, ok := r.factories[kind]; ok {
		return fmt.Errorf("register producer: kind %q already registered", kind)
	}
	r.factories[kind] = f
	return nil
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func (r *Registry) factory(kind string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[kind]
	return f, ok
}
