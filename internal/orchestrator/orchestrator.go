// Package orchestrator turns plan steps into queued operations.
// It coordinates: sessions → producers → queue
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"cosmossdk.io/log"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/execution"
	"dotbot-exec/internal/logging"
	"dotbot-exec/internal/pool"
)

// SessionOpener opens an execution session on one network.
type SessionOpener func(ctx context.Context) (pool.ExecutionSession, error)

// FromPool adapts a connection pool to a SessionOpener.
func FromPool(p *pool.Pool) SessionOpener {
	return func(ctx context.Context) (pool.ExecutionSession, error) {
		s, err := p.CreateExecutionSession(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Orchestrator prepares a plan into a queue and opens execution sessions
// for it. A session serves one transaction or batch: payloads built under
// one session are rebuilt by their step's producer before they run on
// another. A target without a session opener is an error, never a shared
// fallback connection.
type Orchestrator struct {
	registry *Registry
	networks map[string]domain.Network
	openers  map[string]SessionOpener
	queue    *execution.Queue
	logger   log.Logger

	mu        sync.Mutex
	open      map[string]pool.ExecutionSession
	steps     map[string]stepRef
	producers map[string]Producer
}

// stepRef locates the plan step a queued item was produced from.
type stepRef struct {
	plan  *Plan
	index int
}

// Options for creating Orchestrator.
type Options struct {
	Registry *Registry
	Networks map[string]domain.Network
	// Sessions maps a network name to its session opener.
	Sessions map[string]SessionOpener
	Queue    *execution.Queue
	Logger   log.Logger
}

// New creates a new Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil {
		return nil, errors.New("orchestrator: registry is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("orchestrator: queue is required")
	}
	return &Orchestrator{
		registry:  opts.Registry,
		networks:  opts.Networks,
		openers:   opts.Sessions,
		queue:     opts.Queue,
		logger:    logging.Subsystem(opts.Logger, logging.SubsystemOrchestrator),
		open:      make(map[string]pool.ExecutionSession),
		steps:     make(map[string]stepRef),
		producers: make(map[string]Producer),
	}, nil
}

// PrepareResult contains results from Prepare.
type PrepareResult struct {
	ItemIDs  []string
	Targets  []string
	Warnings []string
	Errors   []string
}

// Prepare builds every step's payload and appends them to the queue.
// Phases:
//  1. Resolve target networks
//  2. Open one preparation session per target
//  3. Produce every payload
//  4. Append to the queue
//
// Preparation sessions are released before Prepare returns; execution
// rebuilds each payload under the session that runs it.
// Nothing is queued unless every step produced a payload; step errors are
// collected in the result and reported together.
func (o *Orchestrator) Prepare(ctx context.Context, plan *Plan) (*PrepareResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	result := &PrepareResult{}

	// Phase 1: Resolve targets
	targets, err := o.resolveTargets(plan)
	if err != nil {
		return nil, fmt.Errorf("phase 1 (resolve targets) failed: %w", err)
	}
	result.Targets = targets
	o.logger.Info("plan targets resolved", "plan", plan.ID, "targets", targets, "steps", len(plan.Steps))

	// Phase 2: Sessions
	sessions := make(map[string]pool.ExecutionSession, len(targets))
	defer func() {
		for _, s := range sessions {
			o.release(s)
		}
	}()
	for _, t := range targets {
		s, err := o.OpenSession(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("phase 2 (open sessions) failed: %w", err)
		}
		sessions[t] = s
	}

	// Phase 3: Produce payloads
	payloads := make([]domain.Payload, len(plan.Steps))
	for i, step := range plan.Steps {
		p, err := o.produce(ctx, plan, i, step, sessions[step.Target(plan)])
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("step %d (%s): %v", i, step.Kind, err))
			continue
		}
		for _, w := range p.Warnings {
			result.Warnings = append(result.Warnings, fmt.Sprintf("step %d: %s", i, w))
		}
		payloads[i] = p
	}
	if len(result.Errors) > 0 {
		o.logger.Warn("plan preparation failed", "plan", plan.ID, "errors", len(result.Errors))
		return result, fmt.Errorf("phase 3 (produce payloads) failed for %d of %d steps", len(result.Errors), len(plan.Steps))
	}

	// Phase 4: Enqueue
	o.mu.Lock()
	for i, p := range payloads {
		id := o.queue.Append(p)
		o.steps[id] = stepRef{plan: plan, index: i}
		result.ItemIDs = append(result.ItemIDs, id)
	}
	o.mu.Unlock()
	o.logger.Info("plan prepared", "plan", plan.ID, "items", len(result.ItemIDs), "warnings", len(result.Warnings))
	return result, nil
}

func (o *Orchestrator) resolveTargets(plan *Plan) ([]string, error) {
	seen := make(map[string]bool)
	var targets []string
	var errs []error
	for i, step := range plan.Steps {
		t := step.Target(plan)
		if seen[t] {
			continue
		}
		seen[t] = true
		if _, ok := o.networks[t]; !ok {
			errs = append(errs, fmt.Errorf("step %d: unknown network %q", i, t))
			continue
		}
		targets = append(targets, t)
	}
	sort.Strings(targets)
	return targets, errors.Join(errs...)
}

func (o *Orchestrator) produce(ctx context.Context, plan *Plan, index int, step Step, s pool.ExecutionSession) (domain.Payload, error) {
	producer, err := o.producer(step.Kind)
	if err != nil {
		return domain.Payload{}, err
	}
	target := step.Target(plan)

	p, err := producer.Produce(ctx, Request{
		PlanID:  plan.ID,
		Index:   index,
		Step:    step,
		Sender:  plan.Sender,
		Network: o.networks[target],
		Session: s,
	})
	if err != nil {
		return domain.Payload{}, err
	}

	if p.Kind == "" {
		p.Kind = step.Kind
	}
	if p.Target == "" {
		p.Target = target
	}
	if step.Description != "" {
		p.Description = step.Description
	}
	if p.Target != target {
		return domain.Payload{}, fmt.Errorf("producer built payload for %q, step targets %q", p.Target, target)
	}
	if err := s.AssertSameSchema(p); err != nil {
		return domain.Payload{}, err
	}
	return p, nil
}

// producer returns the cached producer for kind, creating it on first use.
func (o *Orchestrator) producer(kind string) (Producer, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if p, ok := o.producers[kind]; ok {
		return p, nil
	}
	f, ok := o.registry.factory(kind)
	if !ok {
		return nil, fmt.Errorf("no producer registered for kind %q", kind)
	}
	p, err := f()
	if err != nil {
		return nil, fmt.Errorf("create %s producer: %w", kind, err)
	}
	o.producers[kind] = p
	return p, nil
}

// Rebuild produces a queued item's payload again under s, through the same
// producer that built it during Prepare.
func (o *Orchestrator) Rebuild(ctx context.Context, s pool.ExecutionSession, item execution.Item) (domain.Payload, error) {
	o.mu.Lock()
	ref, ok := o.steps[item.ID]
	o.mu.Unlock()
	if !ok {
		return domain.Payload{}, fmt.Errorf("item %d was not prepared from a plan step", item.Index)
	}
	return o.produce(ctx, ref.plan, ref.index, ref.plan.Steps[ref.index], s)
}

// OpenSession opens a new execution session on target. The caller owns it
// and releases it; sessions still open are released by Close.
func (o *Orchestrator) OpenSession(ctx context.Context, target string) (pool.ExecutionSession, error) {
	open, ok := o.openers[target]
	if !ok {
		return nil, domain.NewError(domain.CodeNoSession, fmt.Sprintf("no connection pool configured for %q", target), nil)
	}
	s, err := open(ctx)
	if err != nil {
		return nil, domain.AsError(err, domain.CodeEndpointUnavailable, fmt.Sprintf("open session for %q", target))
	}

	o.mu.Lock()
	for id, prev := range o.open {
		if !prev.IsActive() {
			delete(o.open, id)
		}
	}
	o.open[s.ID()] = s
	o.mu.Unlock()

	o.logger.Debug("execution session opened", "target", target, "session", s.ID(),
		"endpoint", s.Endpoint(), "schema", s.Schema().String())
	return s, nil
}

func (o *Orchestrator) release(s pool.ExecutionSession) {
	o.mu.Lock()
	delete(o.open, s.ID())
	o.mu.Unlock()
	s.Release()
}

// Close releases every session still open.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for id, s := range o.open {
		s.Release()
		delete(o.open, id)
	}
}
