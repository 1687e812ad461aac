package simulation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/pool"
	"dotbot-exec/internal/pool/pooltest"
	"dotbot-exec/internal/scale"
	"dotbot-exec/internal/substrate"
	"dotbot-exec/internal/substrate/stub"
)

const alice = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"

var (
	okResult     = scale.ApplyResult{}
	noFundsError = scale.ApplyResult{Dispatch: &scale.DispatchError{Kind: "Module", ModuleName: "Balances.InsufficientBalance"}}
)

// fakeFork answers dry-runs by call content.
type fakeFork struct {
	mu       sync.Mutex
	results  map[string]scale.ApplyResult
	errs     map[string]error
	needs    map[string]string // call -> call that must have been applied first
	applied  map[string]bool
	dryRuns  []string
	closed   bool
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func newFakeFork() *fakeFork {
	return &fakeFork{
		results: make(map[string]scale.ApplyResult),
		errs:    make(map[string]error),
		needs:   make(map[string]string),
		applied: make(map[string]bool),
	}
}

func (f *fakeFork) DryRun(_ context.Context, p domain.Payload) (*DryRunOutcome, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxSeen.Load()
		if n <= cur || f.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	call := string(p.Call)
	f.dryRuns = append(f.dryRuns, call)

	if err, ok := f.errs[call]; ok {
		return nil, err
	}
	if dep, ok := f.needs[call]; ok && !f.applied[dep] {
		return &DryRunOutcome{Result: noFundsError}, nil
	}
	res, ok := f.results[call]
	if !ok {
		res = okResult
	}
	v := "0x01"
	return &DryRunOutcome{Result: res, StorageDiff: []StorageEntry{{Key: call, Value: &v}}}, nil
}

func (f *fakeFork) Apply(_ context.Context, o *DryRunOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range o.StorageDiff {
		f.applied[e.Key] = true
	}
	return nil
}

func (f *fakeFork) BlockHash() string { return stub.DefaultFinalizedHead }

func (f *fakeFork) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeFork) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dryRuns...)
}

type fakeForker struct {
	fork  *fakeFork
	err   error
	opens atomic.Int32
}

func (f *fakeForker) Open(context.Context, pool.ExecutionSession) (Fork, error) {
	f.opens.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.fork, nil
}

func newSession(t *testing.T) (*pooltest.Session, *stub.Conn) {
	t.Helper()
	conn := stub.NewNode("wss://node", stub.Runtime{})
	conn.Respond(substrate.MethodQueryInfo, map[string]interface{}{
		"class":      "normal",
		"partialFee": "1500000",
		"weight":     map[string]int{"ref_time": 1, "proof_size": 1},
	})
	s := pooltest.NewSession(conn, pooltest.Schema())
	t.Cleanup(s.Release)
	return s, conn
}

func payload(s pool.ExecutionSession, call string) domain.Payload {
	return domain.Payload{
		Schema: s.Schema(),
		Kind:   "transfer",
		Family: domain.FamilyTransfer,
		Sender: alice,
		Call:   []byte(call),
	}
}

func TestSimulate_Success(t *testing.T) {
	s, _ := newSession(t)
	fork := newFakeFork()
	e := NewEngine(Options{Forker: &fakeForker{fork: fork}})

	p := payload(s, "transfer")
	p.ExpectedDeltas = []domain.BalanceDelta{{Amount: sdkmath.NewInt(10), Direction: domain.DirectionOut, Reason: "transfer"}}

	res, err := e.Simulate(context.Background(), s, p)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, domain.OutcomeSuccess, res.Outcome)
	assert.True(t, res.Validated)
	assert.Equal(t, stub.DefaultFinalizedHead, res.BlockHash)
	assert.Equal(t, "1500000", res.EstimatedFee.String())
	require.Len(t, res.BalanceDeltas, 2)
	assert.Equal(t, "fee", res.BalanceDeltas[1].Reason)
	assert.True(t, fork.closed)
}

func TestSimulate_ApplicationFailure(t *testing.T) {
	s, _ := newSession(t)
	fork := newFakeFork()
	fork.results["transfer"] = noFundsError
	e := NewEngine(Options{Forker: &fakeForker{fork: fork}})

	res, err := e.Simulate(context.Background(), s, payload(s, "transfer"))
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, domain.OutcomeApplicationFailure, res.Outcome)
	assert.Equal(t, "Balances.InsufficientBalance", res.FailureReason)
	assert.Equal(t, domain.CodeSimulationFailed, res.ErrorCode())
	assert.True(t, res.Validated)
}

func TestSimulate_StructuralFailure(t *testing.T) {
	s, _ := newSession(t)
	fork := newFakeFork()
	fork.errs["garbage"] = &substrate.RPCError{Code: 1002, Message: "Verification Error", Data: []byte(`"Runtime error: Execution failed: wasm trap: wasm ` + "`unreachable`" + ` instruction executed"`)}
	e := NewEngine(Options{Forker: &fakeForker{fork: fork}})

	res, err := e.Simulate(context.Background(), s, payload(s, "garbage"))
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, domain.OutcomeStructuralFailure, res.Outcome)
	assert.Equal(t, domain.CodeSimulationStructural, res.ErrorCode())
	assert.Contains(t, res.FailureReason, "wasm trap")
}

func TestSimulate_ForkUnavailableFallsBackToFee(t *testing.T) {
	s, conn := newSession(t)
	e := NewEngine(Options{Forker: &fakeForker{err: ErrForkUnavailable}})

	res, err := e.Simulate(context.Background(), s, payload(s, "transfer"))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.False(t, res.Validated)
	assert.Empty(t, res.BlockHash)
	assert.Equal(t, "1500000", res.EstimatedFee.String())
	assert.Equal(t, 1, conn.Calls(substrate.MethodQueryInfo))
}

func TestSimulate_NoForkerFeeRejection(t *testing.T) {
	s, conn := newSession(t)
	conn.Fail(substrate.MethodQueryInfo, &substrate.RPCError{Code: 1002, Message: "Could not decode call"})
	e := NewEngine(Options{})

	res, err := e.Simulate(context.Background(), s, payload(s, "bad"))
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.False(t, res.Validated)
	assert.Equal(t, domain.OutcomeApplicationFailure, res.Outcome)
	assert.Contains(t, res.FailureReason, "Could not decode call")
}

func TestSimulate_CrossSessionPayload(t *testing.T) {
	s, _ := newSession(t)
	other, _ := newSession(t)
	forker := &fakeForker{fork: newFakeFork()}
	e := NewEngine(Options{Forker: forker})

	_, err := e.Simulate(context.Background(), s, payload(other, "transfer"))
	assert.ErrorIs(t, err, domain.ErrCrossSessionPayload)
	assert.Zero(t, forker.opens.Load(), "no fork for a rejected payload")
}

func TestSimulate_InactiveSession(t *testing.T) {
	s, conn := newSession(t)
	conn.Drop()
	require.Eventually(t, func() bool { return !s.IsActive() }, time.Second, 5*time.Millisecond)

	e := NewEngine(Options{Forker: &fakeForker{fork: newFakeFork()}})
	_, err := e.Simulate(context.Background(), s, payload(s, "transfer"))
	assert.ErrorIs(t, err, domain.ErrSessionDisconnected)
}

func TestSimulateSequential_UpstreamFailure(t *testing.T) {
	s, _ := newSession(t)
	fork := newFakeFork()
	fork.results["b"] = noFundsError
	forker := &fakeForker{fork: fork}
	e := NewEngine(Options{Forker: forker})

	payloads := []domain.Payload{payload(s, "a"), payload(s, "b"), payload(s, "c"), payload(s, "d")}
	results, err := e.SimulateSequential(context.Background(), s, payloads)
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.True(t, results[0].Success)
	assert.Equal(t, domain.OutcomeApplicationFailure, results[1].Outcome)
	for _, r := range results[2:] {
		assert.Equal(t, domain.OutcomeUpstreamFailure, r.Outcome)
		assert.Equal(t, domain.UpstreamFailureReason, r.FailureReason)
		assert.Equal(t, domain.CodeUpstreamFailed, r.ErrorCode())
	}

	assert.Equal(t, []string{"a", "b"}, fork.calls(), "c and d are never dry-run")
	assert.Equal(t, int32(1), forker.opens.Load(), "one shared fork")
}

func TestSimulateSequential_SeesPriorEffects(t *testing.T) {
	s, _ := newSession(t)
	fork := newFakeFork()
	fork.needs["stake"] = "transfer"
	e := NewEngine(Options{Forker: &fakeForker{fork: fork}})

	results, err := e.SimulateSequential(context.Background(), s,
		[]domain.Payload{payload(s, "transfer"), payload(s, "stake")})
	require.NoError(t, err)
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success, "stake sees the applied transfer")

	// Alone, the dependent call fails.
	fresh := newFakeFork()
	fresh.needs["stake"] = "transfer"
	e = NewEngine(Options{Forker: &fakeForker{fork: fresh}})
	res, err := e.Simulate(context.Background(), s, payload(s, "stake"))
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestSimulateSequential_CrossSession(t *testing.T) {
	s, _ := newSession(t)
	other, _ := newSession(t)
	e := NewEngine(Options{Forker: &fakeForker{fork: newFakeFork()}})

	_, err := e.SimulateSequential(context.Background(), s,
		[]domain.Payload{payload(s, "a"), payload(other, "b")})
	assert.ErrorIs(t, err, domain.ErrCrossSessionPayload)
}

func TestSimulateSequential_TransportFailureDegradesToFeeOnly(t *testing.T) {
	s, _ := newSession(t)
	fork := newFakeFork()
	fork.errs["b"] = errors.New("fork socket closed")
	e := NewEngine(Options{Forker: &fakeForker{fork: fork}})

	results, err := e.SimulateSequential(context.Background(), s,
		[]domain.Payload{payload(s, "a"), payload(s, "b"), payload(s, "c")})
	require.NoError(t, err)

	assert.True(t, results[0].Validated)
	assert.True(t, results[1].Success)
	assert.False(t, results[1].Validated)
	assert.False(t, results[2].Validated)
	assert.Equal(t, []string{"a", "b"}, fork.calls())
}

func TestSimulateAll_OrderAndBound(t *testing.T) {
	s, _ := newSession(t)
	fork := newFakeFork()
	fork.delay = 20 * time.Millisecond
	fork.results["x2"] = noFundsError
	e := NewEngine(Options{Forker: &fakeForker{fork: fork}, Workers: 2})

	payloads := []domain.Payload{payload(s, "x0"), payload(s, "x1"), payload(s, "x2"), payload(s, "x3"), payload(s, "x4")}
	out := e.SimulateAll(context.Background(), s, payloads)
	require.Len(t, out, 5)

	for i, o := range out {
		require.NoError(t, o.Err)
		if i == 2 {
			assert.False(t, o.Result.Success)
			continue
		}
		assert.True(t, o.Result.Success, "item %d", i)
	}
	assert.LessOrEqual(t, fork.maxSeen.Load(), int32(2))
}

func TestIsTrap(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"wasm trap: wasm `unreachable` instruction executed", true},
		{"Execution aborted due to trap", true},
		{"runtime panicked: index out of bounds", true},
		{"Balances.InsufficientBalance", false},
		{"InvalidTransaction.Payment", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTrap(tt.msg), tt.msg)
	}
}
