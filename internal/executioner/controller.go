// Package executioner drives queued items through simulation, approval,
// signing and broadcast.
package executioner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cosmossdk.io/log"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/execution"
	"dotbot-exec/internal/logging"
	"dotbot-exec/internal/observability"
	"dotbot-exec/internal/pool"
	"dotbot-exec/internal/signer"
	"dotbot-exec/internal/simulation"
	"dotbot-exec/internal/substrate"
)

// Defaults.
const (
	DefaultBroadcastTimeout = 5 * time.Minute
	DefaultPollInterval     = 2 * time.Second
	DefaultPauseInterval    = 100 * time.Millisecond
)

// PresimulateMode selects when pending items are simulated.
type PresimulateMode string

const (
	// PresimulateInline simulates each item right before its approval.
	PresimulateInline PresimulateMode = "inline"
	// PresimulateSequential simulates all pending items of a target in queue
	// order on one shared fork before execution starts.
	PresimulateSequential PresimulateMode = "sequential"
	// PresimulateParallel simulates all pending items independently before
	// execution starts.
	PresimulateParallel PresimulateMode = "parallel"
)

// IsValid checks if the mode is a known value.
func (m PresimulateMode) IsValid() bool {
	return m == PresimulateInline || m == PresimulateSequential || m == PresimulateParallel
}

// ErrAlreadyExecuting is returned by Run while another run is active.
var ErrAlreadyExecuting = errors.New("queue is already executing")

// SessionProvider opens execution sessions and rebuilds payloads for them.
// Each transaction or batch runs on a session of its own.
type SessionProvider interface {
	// OpenSession opens a new session on target. The caller releases it.
	OpenSession(ctx context.Context, target string) (pool.ExecutionSession, error)
	// Rebuild produces item's payload again under s.
	Rebuild(ctx context.Context, s pool.ExecutionSession, item execution.Item) (domain.Payload, error)
}

// Simulator is the subset of the simulation engine the controller uses.
type Simulator interface {
	Simulate(ctx context.Context, s pool.ExecutionSession, p domain.Payload) (*domain.SimulationResult, error)
	SimulateSequential(ctx context.Context, s pool.ExecutionSession, payloads []domain.Payload) ([]*domain.SimulationResult, error)
	SimulateAll(ctx context.Context, s pool.ExecutionSession, payloads []domain.Payload) []simulation.Outcome
}

// Options contains configuration for creating a Controller.
type Options struct {
	Queue    *execution.Queue
	Sessions SessionProvider
	// Simulator is required when the queue has simulation enabled.
	Simulator Simulator
	Signer    signer.Signer

	// Approver is asked before every signature unless AutoApprove is set.
	Approver    Approver
	AutoApprove bool

	// Batcher combines compatible neighbouring items. Nil disables batching.
	Batcher     Batcher
	Presimulate PresimulateMode // Default: inline
	StopOnError bool

	BroadcastTimeout time.Duration // Default: 5m
	// PollInterval paces inclusion polling on endpoints without subscriptions.
	PollInterval  time.Duration // Default: 2s
	PauseInterval time.Duration // Default: 100ms

	Metrics *observability.Metrics
	Logger  log.Logger
}

// Controller runs the transaction lifecycle for one queue.
type Controller struct {
	queue            *execution.Queue
	sessions         SessionProvider
	sim              Simulator
	signer           signer.Signer
	approver         Approver
	batcher          Batcher
	presimulate      PresimulateMode
	stopOnError      bool
	broadcastTimeout time.Duration
	pollInterval     time.Duration
	pauseInterval    time.Duration
	metrics          *observability.Metrics
	logger           log.Logger

	mu        sync.Mutex
	running   bool
	cancelled bool
	stop      chan struct{}
}

// New creates a controller.
func New(opts Options) (*Controller, error) {
	if opts.Queue == nil {
		return nil, errors.New("executioner: queue is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("executioner: session provider is required")
	}
	if opts.Signer == nil {
		return nil, errors.New("executioner: signer is required")
	}
	if opts.Queue.SimulationEnabled() && opts.Simulator == nil {
		return nil, errors.New("executioner: simulator is required when simulation is enabled")
	}

	approver := opts.Approver
	if opts.AutoApprove {
		approver = AutoApprove
	}
	if approver == nil {
		return nil, errors.New("executioner: approver is required unless auto-approve is set")
	}

	mode := opts.Presimulate
	if mode == "" {
		mode = PresimulateInline
	}
	if !mode.IsValid() {
		return nil, fmt.Errorf("executioner: unknown presimulate mode %q", mode)
	}

	broadcastTimeout := opts.BroadcastTimeout
	if broadcastTimeout <= 0 {
		broadcastTimeout = DefaultBroadcastTimeout
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	pauseInterval := opts.PauseInterval
	if pauseInterval <= 0 {
		pauseInterval = DefaultPauseInterval
	}

	return &Controller{
		queue:            opts.Queue,
		sessions:         opts.Sessions,
		sim:              opts.Simulator,
		signer:           opts.Signer,
		approver:         approver,
		batcher:          opts.Batcher,
		presimulate:      mode,
		stopOnError:      opts.StopOnError,
		broadcastTimeout: broadcastTimeout,
		pollInterval:     pollInterval,
		pauseInterval:    pauseInterval,
		metrics:          opts.Metrics,
		logger:           logging.Subsystem(opts.Logger, logging.SubsystemExecutioner),
		stop:             make(chan struct{}),
	}, nil
}

// Pause stops the run before the next item.
func (c *Controller) Pause() { c.queue.Pause() }

// Resume continues a paused run.
func (c *Controller) Resume() { c.queue.Resume() }

// Cancel stops the current run. Items are checked between lifecycle stages:
// an item not yet broadcast is cancelled, a broadcast one is still watched
// to its terminal status. A pending approval is abandoned.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cancelled {
		c.cancelled = true
		close(c.stop)
	}
}

func (c *Controller) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *Controller) stopped() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop
}

func (c *Controller) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyExecuting
	}
	c.running = true
	if c.cancelled {
		c.cancelled = false
		c.stop = make(chan struct{})
	}
	return nil
}

func (c *Controller) end() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
}

// unit is one item or one batch moving through the lifecycle together.
type unit struct {
	ids     []string
	indices []int
	payload domain.Payload
	batch   bool
}

type result int

const (
	resultDone result = iota
	resultFailed
	resultFallback
	resultStopped
)

// Run executes every runnable item in queue order. It returns when all
// items are terminal, when the run is cancelled, or on the first failure
// with StopOnError. A cancelled run leaves pending items re-runnable and
// cancels ready ones.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()

	c.queue.SetExecuting(true)
	defer c.queue.SetExecuting(false)

	start := time.Now()
	c.logger.Info("execution started", "plan", c.queue.PlanID(), "items", c.queue.Len())

	if c.queue.SimulationEnabled() {
		failed := c.presimulateAll(ctx)
		if failed && c.stopOnError {
			c.logger.Warn("stopping after presimulation failure")
			return nil
		}
	}

	attempted := make(map[string]bool)
	unbatched := make(map[string]bool)
	for {
		if err := c.waitWhilePaused(ctx); err != nil {
			c.cancelRemaining()
			return err
		}
		if c.isCancelled() {
			c.cancelRemaining()
			c.logger.Info("execution cancelled", "progress", fmt.Sprintf("%+v", c.queue.Progress()))
			return nil
		}
		if err := ctx.Err(); err != nil {
			c.cancelRemaining()
			return err
		}

		u := c.nextUnit(attempted, unbatched)
		if u == nil {
			break
		}

		switch c.execute(ctx, u) {
		case resultFallback:
			for _, id := range u.ids {
				unbatched[id] = true
			}
			continue
		case resultFailed:
			for _, id := range u.ids {
				attempted[id] = true
			}
			if c.stopOnError {
				c.logger.Warn("stopping after failure", "items", u.indices)
				return nil
			}
		default:
			for _, id := range u.ids {
				attempted[id] = true
			}
		}
	}

	p := c.queue.Progress()
	c.logger.Info("execution finished",
		"completed", p.Completed, "failed", p.Failed, "cancelled", p.Cancelled,
		"remaining", p.Remaining, "duration", time.Since(start).String())
	return nil
}

func (c *Controller) waitWhilePaused(ctx context.Context) error {
	if !c.queue.IsPaused() {
		return nil
	}
	c.logger.Info("execution paused")

	ticker := time.NewTicker(c.pauseInterval)
	defer ticker.Stop()
	for c.queue.IsPaused() && !c.isCancelled() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopped():
		case <-ticker.C:
		}
	}
	c.logger.Info("execution resumed")
	return nil
}

// nextUnit returns the first runnable item in queue order, combined with
// its compatible successors when batching is enabled.
func (c *Controller) nextUnit(attempted, unbatched map[string]bool) *unit {
	items := c.queue.Items()

	first := -1
	for i, item := range items {
		if attempted[item.ID] {
			continue
		}
		if item.Status == domain.StatusPending || item.Status == domain.StatusReady {
			first = i
			break
		}
	}
	if first < 0 {
		return nil
	}

	head := items[first]
	u := &unit{ids: []string{head.ID}, indices: []int{head.Index}, payload: head.Payload}
	if c.batcher == nil || unbatched[head.ID] {
		return u
	}

	group := []execution.Item{head}
	for _, item := range items[first+1:] {
		if attempted[item.ID] || unbatched[item.ID] || item.Status != head.Status {
			break
		}
		if !head.Payload.CompatibleWith(item.Payload) {
			break
		}
		group = append(group, item)
	}
	if len(group) < 2 {
		return u
	}

	payloads := make([]domain.Payload, len(group))
	for i, item := range group {
		payloads[i] = item.Payload
	}
	batch, err := c.batcher.Batch(payloads)
	if err != nil {
		c.logger.Warn("items not batchable, executing individually",
			append([]any{"first", head.Index, "count", len(group)}, logging.ErrorFields(err)...)...)
		for _, item := range group {
			unbatched[item.ID] = true
		}
		return u
	}

	u = &unit{payload: batch, batch: true}
	for _, item := range group {
		u.ids = append(u.ids, item.ID)
		u.indices = append(u.indices, item.Index)
	}
	return u
}

func (c *Controller) execute(ctx context.Context, u *unit) result {
	s, err := c.sessions.OpenSession(ctx, u.payload.Target)
	if err != nil {
		return c.fail(u, domain.AsError(err, domain.CodeNoSession, fmt.Sprintf("no execution session for %q", u.payload.Target)))
	}
	defer s.Release()
	if !s.IsActive() {
		return c.fail(u, disconnected(s))
	}
	if r := c.bind(ctx, s, u); r != resultDone {
		return r
	}

	sim, r := c.simulateUnit(ctx, s, u)
	if r != resultDone {
		return r
	}

	if c.isCancelled() || ctx.Err() != nil {
		return c.cancel(u, domain.NewError(domain.CodeCancelled, "execution cancelled before approval", nil))
	}
	approved, err := awaitApprovalOrStop(ctx, c.stopped(), c.approver, approvalRequest(u, sim))
	if err != nil {
		return c.cancel(u, domain.NewError(domain.CodeCancelled, "execution cancelled while awaiting approval", err))
	}
	if !approved {
		c.logger.Info("item rejected by user", "items", u.indices)
		c.cancel(u, domain.NewError(domain.CodeUserRejected, "rejected by user", nil))
		return resultDone
	}

	if !u.payload.Family.NeedsSubmission() {
		for _, id := range u.ids {
			_ = c.queue.UpdateResult(id, execution.Result{Output: u.payload.Result})
		}
		c.transition(u, domain.StatusFinalized)
		return resultDone
	}

	if c.isCancelled() || ctx.Err() != nil {
		return c.cancel(u, domain.NewError(domain.CodeCancelled, "execution cancelled before signing", nil))
	}

	c.transition(u, domain.StatusSigning)
	signed, r := c.sign(ctx, s, u)
	if r != resultDone {
		return r
	}

	if c.isCancelled() || ctx.Err() != nil {
		return c.cancel(u, domain.NewError(domain.CodeCancelled, "execution cancelled before broadcast", nil))
	}

	c.transition(u, domain.StatusBroadcasting)
	if err := s.AssertSameSchema(signed); err != nil {
		return c.fail(u, domain.AsError(err, domain.CodeCrossSessionPayload, "signed payload does not match session"))
	}
	if !s.IsActive() {
		return c.fail(u, disconnected(s))
	}

	start := time.Now()
	derr := c.broadcast(ctx, s, u, signed)
	c.metrics.RecordBroadcast(time.Since(start).Seconds())
	if derr != nil {
		return c.fail(u, derr)
	}
	c.logger.Info("transaction finalized", "items", u.indices, "hash", signed.Hash, "endpoint", s.Endpoint())
	return resultDone
}

// bind rebuilds the unit's payloads under s and records the session's
// endpoint on its items. A batch is assembled again from the rebuilt
// payloads; if that fails its items run on their own.
func (c *Controller) bind(ctx context.Context, s pool.ExecutionSession, u *unit) result {
	payloads := make([]domain.Payload, len(u.ids))
	for i, id := range u.ids {
		item, ok := c.queue.Item(id)
		if !ok {
			return resultFailed
		}
		p := item.Payload
		if !p.Schema.Equal(s.Schema()) {
			var err error
			if p, err = c.sessions.Rebuild(ctx, s, item); err == nil {
				err = c.queue.SetPayload(id, p)
			}
			if err != nil {
				if u.batch {
					c.logger.Warn("batch member not rebuilt, executing individually",
						append([]any{"items", u.indices, "item", item.Index}, logging.ErrorFields(err)...)...)
					return resultFallback
				}
				if !s.IsActive() {
					return c.fail(u, disconnected(s))
				}
				return c.fail(u, domain.AsError(err, domain.CodeRebuildFailed,
					fmt.Sprintf("payload could not be rebuilt for %s", s.Endpoint())))
			}
		}
		payloads[i] = p
		_ = c.queue.SetEndpoint(id, s.Endpoint())
	}

	if !u.batch {
		u.payload = payloads[0]
		return resultDone
	}
	batch, err := c.batcher.Batch(payloads)
	if err != nil {
		c.logger.Warn("rebuilt items not batchable, executing individually",
			append([]any{"items", u.indices}, logging.ErrorFields(err)...)...)
		return resultFallback
	}
	u.payload = batch
	return resultDone
}

// simulateUnit moves pending items to ready, or fails them. A single item
// that is already ready keeps the simulation it carries. A batch is always
// simulated as a whole, since its members' own simulations say nothing
// about the combined call.
func (c *Controller) simulateUnit(ctx context.Context, s pool.ExecutionSession, u *unit) (*domain.SimulationResult, result) {
	if u.batch {
		return c.simulateBatch(ctx, s, u)
	}

	item, ok := c.queue.Item(u.ids[0])
	if !ok {
		return nil, resultFailed
	}
	if item.Status != domain.StatusPending {
		return item.Simulation, resultDone
	}

	c.transition(u, domain.StatusSimulating)
	res, err := c.sim.Simulate(ctx, s, u.payload)
	if err != nil {
		if ctx.Err() != nil {
			return nil, c.fail(u, domain.NewError(domain.CodeCancelled, "execution cancelled during simulation", err))
		}
		return nil, c.fail(u, domain.AsError(err, domain.CodeSimulationFailed, "simulation could not run"))
	}
	return res, c.applySimulation(u.ids[0], res)
}

// simulateBatch simulates the batch payload and falls back to individual
// execution when it fails. Pending members move to ready on success.
func (c *Controller) simulateBatch(ctx context.Context, s pool.ExecutionSession, u *unit) (*domain.SimulationResult, result) {
	if !c.queue.SimulationEnabled() {
		return nil, resultDone
	}

	res, err := c.sim.Simulate(ctx, s, u.payload)
	if err != nil || !res.Success {
		var reason string
		if err != nil {
			reason = err.Error()
		} else {
			reason = res.FailureReason
		}
		c.metrics.RecordBatchFallback()
		c.logger.Warn("batch simulation failed, falling back to individual execution",
			"items", u.indices, "reason", reason)
		return nil, resultFallback
	}

	for _, id := range u.ids {
		_ = c.queue.SetSimulation(id, res)
		item, ok := c.queue.Item(id)
		if !ok || item.Status != domain.StatusPending {
			continue
		}
		if err := c.queue.UpdateStatus(id, domain.StatusReady, nil); err != nil {
			c.logger.Error("update status failed", append([]any{"item", id}, logging.ErrorFields(err)...)...)
		}
	}
	return res, resultDone
}

// applySimulation records res on a simulating item and moves it on.
func (c *Controller) applySimulation(id string, res *domain.SimulationResult) result {
	_ = c.queue.SetSimulation(id, res)
	if !res.Success {
		if err := c.queue.UpdateStatus(id, domain.StatusFailed, res.Failure()); err != nil {
			c.logger.Error("update status failed", append([]any{"item", id}, logging.ErrorFields(err)...)...)
		}
		return resultFailed
	}
	if err := c.queue.UpdateStatus(id, domain.StatusReady, nil); err != nil {
		c.logger.Error("update status failed", append([]any{"item", id}, logging.ErrorFields(err)...)...)
		return resultFailed
	}
	return resultDone
}

func (c *Controller) sign(ctx context.Context, s pool.ExecutionSession, u *unit) (*domain.SignedPayload, result) {
	if err := s.AssertSameSchema(u.payload); err != nil {
		return nil, c.fail(u, domain.AsError(err, domain.CodeCrossSessionPayload, "payload does not match session"))
	}
	if !s.IsActive() {
		return nil, c.fail(u, disconnected(s))
	}

	nonce, err := s.Client().AccountNextIndex(ctx, u.payload.Sender)
	if err != nil {
		if errors.Is(err, substrate.ErrClosed) || !s.IsActive() {
			return nil, c.fail(u, disconnected(s))
		}
		return nil, c.fail(u, domain.NewError(domain.CodeSigningFailed, "could not read account nonce", err))
	}

	signed, err := c.signer.Sign(ctx, signer.Request{
		Payload: u.payload,
		Address: u.payload.Sender,
		Nonce:   nonce,
		Schema:  s.Schema(),
	})
	if err != nil {
		derr := domain.AsError(err, domain.CodeSigningFailed, "signing failed")
		if derr.Code == domain.CodeUserRejected {
			c.cancel(u, derr)
			return nil, resultDone
		}
		return nil, c.fail(u, derr)
	}
	return signed, resultDone
}

func (c *Controller) transition(u *unit, status domain.Status) {
	for _, id := range u.ids {
		if err := c.queue.UpdateStatus(id, status, nil); err != nil {
			c.logger.Error("update status failed",
				append([]any{"item", id, "status", string(status)}, logging.ErrorFields(err)...)...)
		}
	}
}

func (c *Controller) fail(u *unit, failure *domain.Error) result {
	c.logger.Warn("item failed", append([]any{"items", u.indices, "kind", u.payload.Kind}, logging.ErrorFields(failure)...)...)
	for _, id := range u.ids {
		if err := c.queue.UpdateStatus(id, domain.StatusFailed, failure); err != nil {
			c.logger.Error("update status failed", append([]any{"item", id}, logging.ErrorFields(err)...)...)
		}
	}
	return resultFailed
}

// cancel cancels items that are ready or signing. Pending items are left
// for a later run.
func (c *Controller) cancel(u *unit, reason *domain.Error) result {
	for _, id := range u.ids {
		item, ok := c.queue.Item(id)
		if !ok || !domain.CanTransition(item.Status, domain.StatusCancelled) {
			continue
		}
		if err := c.queue.UpdateStatus(id, domain.StatusCancelled, reason); err != nil {
			c.logger.Error("update status failed", append([]any{"item", id}, logging.ErrorFields(err)...)...)
		}
	}
	return resultStopped
}

func (c *Controller) cancelRemaining() {
	reason := domain.NewError(domain.CodeCancelled, "execution cancelled", nil)
	for _, item := range c.queue.ItemsByStatus(domain.StatusReady) {
		if err := c.queue.UpdateStatus(item.ID, domain.StatusCancelled, reason); err != nil {
			c.logger.Error("update status failed", append([]any{"item", item.ID}, logging.ErrorFields(err)...)...)
		}
	}
}

func disconnected(s pool.ExecutionSession) *domain.Error {
	return domain.NewError(domain.CodeSessionDisconnected,
		fmt.Sprintf("connection to %s was lost, retry the operation", s.Endpoint()), nil)
}
