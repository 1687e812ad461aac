package executioner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/execution"
	"dotbot-exec/internal/observability"
	"dotbot-exec/internal/pool"
	"dotbot-exec/internal/pool/pooltest"
	"dotbot-exec/internal/signer"
	"dotbot-exec/internal/simulation"
	"dotbot-exec/internal/substrate"
	"dotbot-exec/internal/substrate/stub"
)

const (
	alice  = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"
	blockA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
)

// fakeSim succeeds unless a failure is scripted for the payload description.
type fakeSim struct {
	mu        sync.Mutex
	failures  map[string]*domain.SimulationResult
	failBatch bool
	calls     []string
	seqCalls  int
	allCalls  int
}

func newFakeSim() *fakeSim {
	return &fakeSim{failures: make(map[string]*domain.SimulationResult)}
}

func (f *fakeSim) failWith(desc, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[desc] = &domain.SimulationResult{
		Outcome:       domain.OutcomeApplicationFailure,
		FailureReason: reason,
		Validated:     true,
	}
}

func (f *fakeSim) result(p domain.Payload) *domain.SimulationResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, p.Description)
	if r, ok := f.failures[p.Description]; ok {
		return r
	}
	if p.Kind == KindBatch {
		if f.failBatch {
			return &domain.SimulationResult{Outcome: domain.OutcomeApplicationFailure, FailureReason: "Balances.InsufficientBalance", Validated: true}
		}
		return &domain.SimulationResult{Success: true, Outcome: domain.OutcomeSuccess, EstimatedFee: sdkmath.NewInt(300), Validated: true}
	}
	return &domain.SimulationResult{Success: true, Outcome: domain.OutcomeSuccess, EstimatedFee: sdkmath.NewInt(100), Validated: true}
}

func (f *fakeSim) Simulate(_ context.Context, s pool.ExecutionSession, p domain.Payload) (*domain.SimulationResult, error) {
	if err := s.AssertSameSchema(p); err != nil {
		return nil, err
	}
	return f.result(p), nil
}

func (f *fakeSim) SimulateSequential(_ context.Context, _ pool.ExecutionSession, payloads []domain.Payload) ([]*domain.SimulationResult, error) {
	f.mu.Lock()
	f.seqCalls++
	f.mu.Unlock()

	out := make([]*domain.SimulationResult, len(payloads))
	for i, p := range payloads {
		out[i] = f.result(p)
		if !out[i].Success {
			for j := i + 1; j < len(payloads); j++ {
				out[j] = &domain.SimulationResult{Outcome: domain.OutcomeUpstreamFailure, FailureReason: domain.UpstreamFailureReason}
			}
			break
		}
	}
	return out, nil
}

func (f *fakeSim) SimulateAll(ctx context.Context, s pool.ExecutionSession, payloads []domain.Payload) []simulation.Outcome {
	f.mu.Lock()
	f.allCalls++
	f.mu.Unlock()

	out := make([]simulation.Outcome, len(payloads))
	for i, p := range payloads {
		res, err := f.Simulate(ctx, s, p)
		out[i] = simulation.Outcome{Result: res, Err: err}
	}
	return out
}

func (f *fakeSim) simulated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// harness serves "polkadot" only. Every opened session gets a new stub
// node, configured by node when set.
type harness struct {
	schema  domain.SchemaIdentity
	queue   *execution.Queue
	sim     *fakeSim
	metrics *observability.Metrics
	signs   atomic.Int32

	mu       sync.Mutex
	node     func(n int, conn *stub.Conn)
	conns    []*stub.Conn
	opened   []*pooltest.Session
	foreign  map[string]bool
	rebuilds int
	history  map[string][]domain.Status
}

func newHarness(t *testing.T, simulate bool) *harness {
	t.Helper()
	h := &harness{
		schema:  pooltest.Schema(),
		sim:     newFakeSim(),
		metrics: observability.NewMetrics("", prometheus.NewRegistry()),
		foreign: make(map[string]bool),
		history: make(map[string][]domain.Status),
	}
	h.queue = execution.NewQueue(execution.QueueOptions{PlanID: "plan", SimulationEnabled: simulate})
	h.queue.Subscribe(func(ev execution.Event) {
		if ev.Type != execution.EventStatusChanged && ev.Type != execution.EventItemAdded {
			return
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		h.history[ev.Item.ID] = append(h.history[ev.Item.ID], ev.Item.Status)
	})
	t.Cleanup(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, conn := range h.conns {
			conn.Drop()
		}
	})
	return h
}

// OpenSession implements SessionProvider.
func (h *harness) OpenSession(_ context.Context, target string) (pool.ExecutionSession, error) {
	if target != "polkadot" {
		return nil, domain.NewError(domain.CodeNoSession, "no session for "+target, nil)
	}
	conn := stub.NewNode("wss://node", stub.Runtime{})
	conn.HandleSubscribe(substrate.MethodSubmitAndWatch, finalizeWatch)

	h.mu.Lock()
	n, configure := len(h.conns), h.node
	h.conns = append(h.conns, conn)
	h.mu.Unlock()
	if configure != nil {
		configure(n, conn)
	}

	s := pooltest.NewSession(conn, pooltest.Schema())
	h.mu.Lock()
	h.opened = append(h.opened, s)
	h.mu.Unlock()
	return s, nil
}

// Rebuild implements SessionProvider. Items marked foreign come back bound
// to some other session.
func (h *harness) Rebuild(_ context.Context, s pool.ExecutionSession, item execution.Item) (domain.Payload, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rebuilds++
	p := item.Payload
	p.Schema = s.Schema()
	if h.foreign[p.Description] {
		p.Schema = pooltest.Schema()
	}
	return p, nil
}

// calls sums method calls over every node the harness handed out.
func (h *harness) calls(method string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, conn := range h.conns {
		total += conn.Calls(method)
	}
	return total
}

func (h *harness) sessions() []*pooltest.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*pooltest.Session(nil), h.opened...)
}

func finalizeWatch(_ []interface{}, emit func(interface{}) bool) error {
	emit("ready")
	emit(map[string]string{"inBlock": blockA})
	emit(map[string]string{"finalized": blockA})
	return nil
}

func (h *harness) payload(desc string) domain.Payload {
	return domain.Payload{
		Schema:      h.schema,
		Kind:        "transfer",
		Family:      domain.FamilyTransfer,
		Target:      "polkadot",
		Sender:      alice,
		Call:        append([]byte{0x05, 0x03}, desc...),
		Description: desc,
	}
}

func (h *harness) add(desc string) string {
	return h.queue.Append(h.payload(desc))
}

func (h *harness) signer() signer.Signer {
	return signer.Func(func(_ context.Context, req signer.Request) (*domain.SignedPayload, error) {
		h.signs.Add(1)
		ext := append([]byte{0x84}, req.Payload.Call...)
		return &domain.SignedPayload{
			Schema:    req.Schema,
			Extrinsic: ext,
			Hash:      substrate.ExtrinsicHash(ext),
			Signer:    req.Address,
			Nonce:     req.Nonce,
		}, nil
	})
}

func (h *harness) controller(t *testing.T, mutate func(*Options)) *Controller {
	t.Helper()
	opts := Options{
		Queue:            h.queue,
		Sessions:         h,
		Simulator:        h.sim,
		Signer:           h.signer(),
		AutoApprove:      true,
		BroadcastTimeout: 2 * time.Second,
		PollInterval:     10 * time.Millisecond,
		PauseInterval:    5 * time.Millisecond,
		Metrics:          h.metrics,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func (h *harness) statuses(id string) []domain.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Status(nil), h.history[id]...)
}

func (h *harness) item(t *testing.T, id string) execution.Item {
	t.Helper()
	item, ok := h.queue.Item(id)
	require.True(t, ok)
	return item
}

func run(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(t, true)

	_, err := New(Options{Sessions: h, Signer: h.signer()})
	assert.Error(t, err)

	_, err = New(Options{Queue: h.queue, Sessions: h, Signer: h.signer(), AutoApprove: true})
	assert.Error(t, err, "simulator required")

	_, err = New(Options{Queue: h.queue, Sessions: h, Signer: h.signer(), Simulator: h.sim})
	assert.Error(t, err, "approver required")

	_, err = New(Options{Queue: h.queue, Sessions: h, Signer: h.signer(), Simulator: h.sim, AutoApprove: true, Presimulate: "eager"})
	assert.Error(t, err)
}

func TestRun_AllItemsReachTerminalStatus(t *testing.T) {
	h := newHarness(t, true)
	ids := []string{h.add("a"), h.add("b"), h.add("c")}

	run(t, h.controller(t, nil))

	for _, id := range ids {
		item := h.item(t, id)
		assert.Equal(t, domain.StatusFinalized, item.Status)
		require.NotNil(t, item.Result)
		assert.Equal(t, blockA, item.Result.BlockHash)
		assert.NotEmpty(t, item.Result.ExtrinsicHash)
		assert.Equal(t, "wss://node", item.Endpoint)
		assert.Equal(t, []domain.Status{
			domain.StatusPending,
			domain.StatusSimulating,
			domain.StatusReady,
			domain.StatusSigning,
			domain.StatusBroadcasting,
			domain.StatusInBlock,
			domain.StatusFinalized,
		}, h.statuses(id))
	}
	assert.Equal(t, 3, h.calls(substrate.MethodSubmitAndWatch))
	assert.Equal(t, 3, h.calls(substrate.MethodAccountNextIndex))
	assert.True(t, h.queue.Progress().Done())
	assert.False(t, h.queue.IsExecuting())
}

func TestRun_SimulationFailureNeverReachesReady(t *testing.T) {
	h := newHarness(t, true)
	h.sim.failWith("b", "InsufficientBalance")
	a, b, c := h.add("a"), h.add("b"), h.add("c")

	run(t, h.controller(t, nil))

	item := h.item(t, b)
	assert.Equal(t, domain.StatusFailed, item.Status)
	require.NotNil(t, item.Error)
	assert.Equal(t, domain.CodeSimulationFailed, item.Error.Code)
	assert.Contains(t, item.Error.Message, "InsufficientBalance")
	assert.NotContains(t, h.statuses(b), domain.StatusReady)

	assert.Equal(t, domain.StatusFinalized, h.item(t, a).Status)
	assert.Equal(t, domain.StatusFinalized, h.item(t, c).Status)
	assert.Equal(t, int32(2), h.signs.Load())
}

func TestRun_StopOnError(t *testing.T) {
	h := newHarness(t, true)
	h.sim.failWith("a", "InsufficientBalance")
	a, b := h.add("a"), h.add("b")

	run(t, h.controller(t, func(o *Options) { o.StopOnError = true }))

	assert.Equal(t, domain.StatusFailed, h.item(t, a).Status)
	assert.Equal(t, domain.StatusPending, h.item(t, b).Status)
	assert.Zero(t, h.signs.Load())
}

func TestRun_BatchFallsBackToIndividualItems(t *testing.T) {
	h := newHarness(t, true)
	h.sim.failBatch = true
	h.sim.failWith("b", "InsufficientBalance")
	ids := []string{h.add("a"), h.add("b"), h.add("c")}

	run(t, h.controller(t, func(o *Options) {
		o.Batcher = UtilityBatcher{BatchAll: map[string]domain.CallIndex{"polkadot": {Pallet: 26, Call: 2}}}
	}))

	assert.Equal(t, domain.StatusFinalized, h.item(t, ids[0]).Status)
	assert.Equal(t, domain.StatusFailed, h.item(t, ids[1]).Status)
	assert.Equal(t, domain.StatusFinalized, h.item(t, ids[2]).Status)

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.BatchFallbacks))
	assert.Equal(t, []string{"Batch of 3: a; b; c", "a", "b", "c"}, h.sim.simulated())
	assert.Equal(t, 2, h.calls(substrate.MethodSubmitAndWatch))
}

func TestRun_BatchSubmitsOnce(t *testing.T) {
	h := newHarness(t, true)
	ids := []string{h.add("a"), h.add("b"), h.add("c")}

	run(t, h.controller(t, func(o *Options) {
		o.Batcher = UtilityBatcher{BatchAll: map[string]domain.CallIndex{"polkadot": {Pallet: 26, Call: 2}}}
	}))

	assert.Equal(t, 1, h.calls(substrate.MethodSubmitAndWatch))
	assert.Equal(t, int32(1), h.signs.Load())
	hash := h.item(t, ids[0]).Result.ExtrinsicHash
	for _, id := range ids {
		item := h.item(t, id)
		assert.Equal(t, domain.StatusFinalized, item.Status)
		assert.Equal(t, hash, item.Result.ExtrinsicHash)
		assert.True(t, item.Simulation.Success)
	}
}

func TestRun_BatchSimulatedAfterParallelPresimulation(t *testing.T) {
	h := newHarness(t, true)
	h.sim.failBatch = true
	ids := []string{h.add("a"), h.add("b"), h.add("c")}

	run(t, h.controller(t, func(o *Options) {
		o.Presimulate = PresimulateParallel
		o.Batcher = UtilityBatcher{BatchAll: map[string]domain.CallIndex{"polkadot": {Pallet: 26, Call: 2}}}
	}))

	assert.Equal(t, []string{"a", "b", "c", "Batch of 3: a; b; c"}, h.sim.simulated())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.BatchFallbacks))
	assert.Equal(t, 3, h.calls(substrate.MethodSubmitAndWatch))
	for _, id := range ids {
		item := h.item(t, id)
		assert.Equal(t, domain.StatusFinalized, item.Status)
		assert.Equal(t, "100", item.Simulation.EstimatedFee.String(), "own simulation kept after fallback")
	}
}

func TestRun_BatchApprovalCarriesBatchSimulation(t *testing.T) {
	h := newHarness(t, true)
	ids := []string{h.add("a"), h.add("b")}

	var requests []ApprovalRequest
	run(t, h.controller(t, func(o *Options) {
		o.Presimulate = PresimulateParallel
		o.Batcher = UtilityBatcher{BatchAll: map[string]domain.CallIndex{"polkadot": {Pallet: 26, Call: 2}}}
		o.AutoApprove = false
		o.Approver = func(req ApprovalRequest, resolve Resolver) {
			requests = append(requests, req)
			resolve(true)
		}
	}))

	require.Len(t, requests, 1)
	assert.Equal(t, ids, requests[0].ItemIDs)
	require.NotNil(t, requests[0].EstimatedFee)
	assert.Equal(t, "300", requests[0].EstimatedFee.String())
	assert.Equal(t, 1, h.calls(substrate.MethodSubmitAndWatch))
	for _, id := range ids {
		item := h.item(t, id)
		assert.Equal(t, domain.StatusFinalized, item.Status)
		assert.Equal(t, "300", item.Simulation.EstimatedFee.String())
	}
}

func TestRun_UserRejection(t *testing.T) {
	h := newHarness(t, false)
	a, b := h.add("a"), h.add("b")

	var requests []ApprovalRequest
	var mu sync.Mutex
	run(t, h.controller(t, func(o *Options) {
		o.AutoApprove = false
		o.Approver = func(req ApprovalRequest, resolve Resolver) {
			mu.Lock()
			requests = append(requests, req)
			mu.Unlock()
			resolve(req.Description != "a")
			resolve(true)
		}
	}))

	item := h.item(t, a)
	assert.Equal(t, domain.StatusCancelled, item.Status)
	assert.Equal(t, domain.CodeUserRejected, item.Error.Code)
	assert.Equal(t, domain.StatusFinalized, h.item(t, b).Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, requests, 2)
	assert.Equal(t, a, requests[0].ItemID)
	assert.Equal(t, []string{a}, requests[0].ItemIDs)
	assert.Nil(t, requests[0].Simulation)
}

func TestRun_ApprovalCarriesSimulation(t *testing.T) {
	h := newHarness(t, true)
	h.add("a")

	var got ApprovalRequest
	run(t, h.controller(t, func(o *Options) {
		o.AutoApprove = false
		o.Approver = func(req ApprovalRequest, resolve Resolver) {
			got = req
			resolve(true)
		}
	}))

	require.NotNil(t, got.Simulation)
	require.NotNil(t, got.EstimatedFee)
	assert.Equal(t, "100", got.EstimatedFee.String())
	assert.Empty(t, got.Warnings)
}

func TestRun_CancelWhileAwaitingApproval(t *testing.T) {
	h := newHarness(t, true)
	a, b := h.add("a"), h.add("b")

	var c *Controller
	c = h.controller(t, func(o *Options) {
		o.AutoApprove = false
		o.Approver = func(ApprovalRequest, Resolver) { c.Cancel() }
	})
	run(t, c)

	item := h.item(t, a)
	assert.Equal(t, domain.StatusCancelled, item.Status)
	assert.Equal(t, domain.CodeCancelled, item.Error.Code)
	assert.Equal(t, domain.StatusPending, h.item(t, b).Status, "unsimulated items stay re-runnable")
	assert.Zero(t, h.signs.Load())
}

func TestRun_ContextCancelledCancelsReadyItems(t *testing.T) {
	h := newHarness(t, true)
	a, b := h.add("a"), h.add("b")

	ctx, cancel := context.WithCancel(context.Background())
	c := h.controller(t, func(o *Options) {
		o.Presimulate = PresimulateParallel
		o.AutoApprove = false
		o.Approver = func(ApprovalRequest, Resolver) { cancel() }
	})

	err := c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.StatusCancelled, h.item(t, a).Status)
	assert.Equal(t, domain.StatusCancelled, h.item(t, b).Status)
}

func TestRun_PauseAndResume(t *testing.T) {
	h := newHarness(t, false)
	h.add("a")
	h.add("b")

	var (
		mu        sync.Mutex
		resumedAt time.Time
		approvedB time.Time
	)
	var c *Controller
	c = h.controller(t, func(o *Options) {
		o.AutoApprove = false
		o.Approver = func(req ApprovalRequest, resolve Resolver) {
			if req.Description == "a" {
				c.Pause()
				resolve(true)
				go func() {
					time.Sleep(50 * time.Millisecond)
					mu.Lock()
					resumedAt = time.Now()
					mu.Unlock()
					c.Resume()
				}()
				return
			}
			mu.Lock()
			approvedB = time.Now()
			mu.Unlock()
			resolve(true)
		}
	})
	run(t, c)

	mu.Lock()
	defer mu.Unlock()
	require.False(t, approvedB.IsZero())
	assert.False(t, approvedB.Before(resumedAt))
	assert.Equal(t, 2, h.queue.Progress().Completed)
}

func TestRun_SessionDropFailsOnlyItsTransaction(t *testing.T) {
	h := newHarness(t, false)
	h.node = func(n int, conn *stub.Conn) {
		if n > 0 {
			return
		}
		conn.HandleSubscribe(substrate.MethodSubmitAndWatch, func(_ []interface{}, emit func(interface{}) bool) error {
			emit("ready")
			go conn.Drop()
			return nil
		})
	}
	a, b := h.add("a"), h.add("b")

	run(t, h.controller(t, nil))

	item := h.item(t, a)
	assert.Equal(t, domain.StatusFailed, item.Status)
	assert.Equal(t, domain.CodeSessionDisconnected, item.Error.Code)

	item = h.item(t, b)
	assert.Equal(t, domain.StatusFinalized, item.Status, "next transaction gets a new session")
	assert.Equal(t, blockA, item.Result.BlockHash)
	assert.Equal(t, 2, h.calls(substrate.MethodSubmitAndWatch))
}

func TestRun_SessionPerTransaction(t *testing.T) {
	h := newHarness(t, false)
	ids := []string{h.add("a"), h.add("b"), h.add("c")}

	run(t, h.controller(t, nil))

	opened := h.sessions()
	require.Len(t, opened, 3)
	for _, s := range opened {
		assert.True(t, s.Released())
	}
	for i, id := range ids {
		item := h.item(t, id)
		assert.Equal(t, domain.StatusFinalized, item.Status)
		assert.True(t, item.Payload.Schema.Equal(opened[i].Schema()), "payload rebuilt for its session")
	}
	assert.Equal(t, 3, h.rebuilds)
}

func TestRun_BroadcastTimeout(t *testing.T) {
	h := newHarness(t, false)
	h.node = func(_ int, conn *stub.Conn) {
		conn.HandleSubscribe(substrate.MethodSubmitAndWatch, func(_ []interface{}, emit func(interface{}) bool) error {
			emit("ready")
			return nil
		})
	}
	id := h.add("a")

	run(t, h.controller(t, func(o *Options) { o.BroadcastTimeout = 50 * time.Millisecond }))

	item := h.item(t, id)
	assert.Equal(t, domain.StatusFailed, item.Status)
	assert.Equal(t, domain.CodeTimeout, item.Error.Code)
	assert.NotEmpty(t, item.Result.ExtrinsicHash)
}

func TestRun_PoolRejection(t *testing.T) {
	h := newHarness(t, false)
	h.node = func(_ int, conn *stub.Conn) {
		conn.HandleSubscribe(substrate.MethodSubmitAndWatch, func(_ []interface{}, emit func(interface{}) bool) error {
			emit("invalid")
			return nil
		})
	}
	id := h.add("a")

	run(t, h.controller(t, nil))

	item := h.item(t, id)
	assert.Equal(t, domain.StatusFailed, item.Status)
	assert.Equal(t, domain.CodeTransactionRejected, item.Error.Code)
}

func TestRun_PollsWithoutSubscriptions(t *testing.T) {
	h := newHarness(t, false)

	var (
		mu        sync.Mutex
		submitted string
	)
	blockHash := func(n uint64) string { return fmt.Sprintf("0x%064x", n) }
	h.node = func(_ int, conn *stub.Conn) {
		conn.WithoutSubscriptions()
		conn.Handle(substrate.MethodSubmitExtrinsic, func(params []interface{}) (interface{}, error) {
			raw, err := substrate.DecodeHex(params[0].(string))
			if err != nil {
				return nil, err
			}
			mu.Lock()
			defer mu.Unlock()
			submitted = params[0].(string)
			return substrate.ExtrinsicHash(raw), nil
		})
		conn.Handle(substrate.MethodHeader, func(params []interface{}) (interface{}, error) {
			mu.Lock()
			defer mu.Unlock()
			if len(params) == 0 && submitted == "" {
				return substrate.Header{Number: "0x5"}, nil
			}
			return substrate.Header{Number: "0x6"}, nil
		})
		conn.Handle(substrate.MethodBlockHash, func(params []interface{}) (interface{}, error) {
			return blockHash(params[0].(uint64)), nil
		})
		conn.Handle(substrate.MethodBlock, func(params []interface{}) (interface{}, error) {
			mu.Lock()
			defer mu.Unlock()
			blk := substrate.SignedBlock{}
			if params[0].(string) == blockHash(6) {
				blk.Block.Extrinsics = []string{submitted}
			}
			return blk, nil
		})
	}
	id := h.add("a")

	run(t, h.controller(t, nil))

	item := h.item(t, id)
	assert.Equal(t, domain.StatusFinalized, item.Status)
	assert.Equal(t, blockHash(6), item.Result.BlockHash)
	assert.Contains(t, h.statuses(id), domain.StatusInBlock)
	assert.Equal(t, 1, h.calls(substrate.MethodSubmitExtrinsic))
}

func TestRun_NoSession(t *testing.T) {
	h := newHarness(t, false)
	p := h.payload("a")
	p.Target = "kusama"
	id := h.queue.Append(p)

	run(t, h.controller(t, nil))

	item := h.item(t, id)
	assert.Equal(t, domain.StatusFailed, item.Status)
	assert.Equal(t, domain.CodeNoSession, item.Error.Code)
}

func TestRun_CrossSessionPayloadRejectedBeforeSigning(t *testing.T) {
	h := newHarness(t, false)
	h.foreign["a"] = true
	id := h.add("a")

	run(t, h.controller(t, nil))

	item := h.item(t, id)
	assert.Equal(t, domain.StatusFailed, item.Status)
	assert.Equal(t, domain.CodeCrossSessionPayload, item.Error.Code)
	assert.Zero(t, h.signs.Load())
	assert.Zero(t, h.calls(substrate.MethodSubmitAndWatch))
}

func TestRun_SignedPayloadFromOtherSessionNotBroadcast(t *testing.T) {
	h := newHarness(t, false)
	id := h.add("a")

	run(t, h.controller(t, func(o *Options) {
		o.Signer = signer.Func(func(_ context.Context, req signer.Request) (*domain.SignedPayload, error) {
			return &domain.SignedPayload{Schema: pooltest.Schema(), Extrinsic: req.Payload.Call}, nil
		})
	}))

	item := h.item(t, id)
	assert.Equal(t, domain.CodeCrossSessionPayload, item.Error.Code)
	assert.Zero(t, h.calls(substrate.MethodSubmitAndWatch))
}

func TestRun_SignerFailures(t *testing.T) {
	h := newHarness(t, false)
	a, b := h.add("a"), h.add("b")

	run(t, h.controller(t, func(o *Options) {
		o.Signer = signer.Func(func(_ context.Context, req signer.Request) (*domain.SignedPayload, error) {
			if req.Payload.Description == "a" {
				return nil, domain.NewError(domain.CodeUserRejected, "rejected on device", nil)
			}
			return nil, errors.New("device unplugged")
		})
	}))

	assert.Equal(t, domain.StatusCancelled, h.item(t, a).Status)
	item := h.item(t, b)
	assert.Equal(t, domain.StatusFailed, item.Status)
	assert.Equal(t, domain.CodeSigningFailed, item.Error.Code)
}

func TestRun_NonSubmissionFamilyFinalizesWithoutBroadcast(t *testing.T) {
	h := newHarness(t, false)
	id := h.queue.Append(domain.Payload{
		Schema:      h.schema,
		Kind:        "confirm",
		Family:      domain.FamilyConfirmation,
		Target:      "polkadot",
		Description: "confirm plan",
		Result:      "confirmed",
	})

	run(t, h.controller(t, nil))

	item := h.item(t, id)
	assert.Equal(t, domain.StatusFinalized, item.Status)
	assert.Equal(t, "confirmed", item.Result.Output)
	assert.Zero(t, h.signs.Load())
}

func TestRun_PresimulateSequentialMarksUpstreamFailures(t *testing.T) {
	h := newHarness(t, true)
	h.sim.failWith("b", "InsufficientBalance")
	a, b, c := h.add("a"), h.add("b"), h.add("c")

	run(t, h.controller(t, func(o *Options) { o.Presimulate = PresimulateSequential }))

	assert.Equal(t, 1, h.sim.seqCalls)
	assert.Equal(t, []string{"a", "b"}, h.sim.simulated())
	assert.Equal(t, domain.StatusFinalized, h.item(t, a).Status)
	assert.Equal(t, domain.CodeSimulationFailed, h.item(t, b).Error.Code)
	item := h.item(t, c)
	assert.Equal(t, domain.StatusFailed, item.Status)
	assert.Equal(t, domain.CodeUpstreamFailed, item.Error.Code)
}

func TestRun_PresimulateParallel(t *testing.T) {
	h := newHarness(t, true)
	h.sim.failWith("a", "InsufficientBalance")
	a, b := h.add("a"), h.add("b")

	run(t, h.controller(t, func(o *Options) { o.Presimulate = PresimulateParallel }))

	assert.Equal(t, 1, h.sim.allCalls)
	assert.Equal(t, domain.StatusFailed, h.item(t, a).Status)
	assert.Equal(t, domain.StatusFinalized, h.item(t, b).Status)
	assert.Len(t, h.sim.simulated(), 2)
}

func TestRun_AlreadyExecuting(t *testing.T) {
	h := newHarness(t, false)
	h.add("a")

	release := make(chan struct{})
	started := make(chan struct{})
	c := h.controller(t, func(o *Options) {
		o.AutoApprove = false
		o.Approver = func(_ ApprovalRequest, resolve Resolver) {
			close(started)
			<-release
			resolve(true)
		}
	})

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	<-started
	assert.ErrorIs(t, c.Run(context.Background()), ErrAlreadyExecuting)
	close(release)
	require.NoError(t, <-done)
}
