package simulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cosmossdk.io/log"
	sdkmath "cosmossdk.io/math"
	"golang.org/x/sync/errgroup"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/logging"
	"dotbot-exec/internal/observability"
	"dotbot-exec/internal/pool"
	"dotbot-exec/internal/signer"
)

// DefaultWorkers bounds concurrent independent simulations.
const DefaultWorkers = 4

// Options contains configuration for creating an Engine.
type Options struct {
	// Forker opens forks. Nil means every simulation is fee-only.
	Forker  Forker
	Workers int // Default: 4

	// Extrinsic is used to build the fake-signed extrinsic for fee estimation.
	Extrinsic signer.ExtrinsicOptions

	Metrics *observability.Metrics
	Logger  log.Logger
}

// Engine runs dry-runs through execution sessions.
type Engine struct {
	forker    Forker
	workers   int
	extrinsic signer.ExtrinsicOptions
	metrics   *observability.Metrics
	logger    log.Logger
}

// NewEngine creates a simulation engine.
func NewEngine(opts Options) *Engine {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	return &Engine{
		forker:    opts.Forker,
		workers:   workers,
		extrinsic: opts.Extrinsic,
		metrics:   opts.Metrics,
		logger:    logging.Subsystem(opts.Logger, logging.SubsystemSimulation),
	}
}

// Simulate dry-runs p on a fresh fork of the session's ledger state.
// Classified failures are returned as results; the error is reserved for
// cross-session payloads and dead sessions.
func (e *Engine) Simulate(ctx context.Context, s pool.ExecutionSession, p domain.Payload) (*domain.SimulationResult, error) {
	start := time.Now()
	if err := checkSession(s, p); err != nil {
		return nil, err
	}

	fork, err := e.openFork(ctx, s)
	if err != nil {
		res, ferr := e.feeOnly(ctx, s, p)
		e.record("inline", res, start)
		return res, ferr
	}
	defer fork.Close()

	res, _, err := e.dryRun(ctx, s, fork, p)
	if err != nil {
		e.logger.Warn("dry-run transport failure, falling back to fee estimation", logging.ErrorFields(err)...)
		res, err = e.feeOnly(ctx, s, p)
	}
	e.record("inline", res, start)
	return res, err
}

// SimulateSequential dry-runs payloads in order on one shared fork, applying
// each success before the next. After the first failure the remaining
// payloads are marked upstream-failed without being dry-run.
func (e *Engine) SimulateSequential(ctx context.Context, s pool.ExecutionSession, payloads []domain.Payload) ([]*domain.SimulationResult, error) {
	start := time.Now()
	for _, p := range payloads {
		if err := checkSession(s, p); err != nil {
			return nil, err
		}
	}

	results := make([]*domain.SimulationResult, len(payloads))

	fork, err := e.openFork(ctx, s)
	usable := err == nil
	if usable {
		defer fork.Close()
	}

	for i, p := range payloads {
		var res *domain.SimulationResult
		if usable {
			r, out, derr := e.dryRun(ctx, s, fork, p)
			switch {
			case derr != nil:
				e.logger.Warn("dry-run transport failure, remaining transactions are fee-only",
					append([]any{"index", i}, logging.ErrorFields(derr)...)...)
				usable = false
			case r.Success:
				if aerr := fork.Apply(ctx, out); aerr != nil {
					e.logger.Warn("apply dry-run to fork failed, remaining transactions are fee-only",
						append([]any{"index", i}, logging.ErrorFields(aerr)...)...)
					usable = false
				}
				res = r
			default:
				res = r
			}
		}
		if res == nil {
			r, ferr := e.feeOnly(ctx, s, p)
			if ferr != nil {
				return nil, ferr
			}
			res = r
		}

		results[i] = res
		if !res.Success {
			for j := i + 1; j < len(payloads); j++ {
				results[j] = &domain.SimulationResult{
					Outcome:       domain.OutcomeUpstreamFailure,
					FailureReason: domain.UpstreamFailureReason,
				}
			}
			e.logger.Info("sequential simulation stopped at failure",
				"index", i, "skipped", len(payloads)-i-1, "reason", res.FailureReason)
			break
		}
	}

	for _, res := range results {
		e.record("sequential", res, start)
	}
	return results, nil
}

// Outcome is one result of SimulateAll.
type Outcome struct {
	Result *domain.SimulationResult
	Err    error
}

// SimulateAll simulates independent payloads concurrently, each on its own
// fork, with at most Workers in flight. Results keep the input order.
func (e *Engine) SimulateAll(ctx context.Context, s pool.ExecutionSession, payloads []domain.Payload) []Outcome {
	out := make([]Outcome, len(payloads))

	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, p := range payloads {
		g.Go(func() error {
			res, err := e.Simulate(ctx, s, p)
			out[i] = Outcome{Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func checkSession(s pool.ExecutionSession, p domain.Payload) error {
	if err := s.AssertSameSchema(p); err != nil {
		return err
	}
	if !s.IsActive() {
		return domain.ErrSessionDisconnected
	}
	return nil
}

func (e *Engine) openFork(ctx context.Context, s pool.ExecutionSession) (Fork, error) {
	if e.forker == nil {
		return nil, ErrForkUnavailable
	}
	fork, err := e.forker.Open(ctx, s)
	if err != nil {
		e.logger.Warn("fork unavailable, results will be unvalidated",
			append([]any{"endpoint", s.Endpoint()}, logging.ErrorFields(err)...)...)
		return nil, err
	}
	return fork, nil
}

// dryRun returns a classified result, or an error when the fork itself broke.
func (e *Engine) dryRun(ctx context.Context, s pool.ExecutionSession, fork Fork, p domain.Payload) (*domain.SimulationResult, *DryRunOutcome, error) {
	out, err := fork.DryRun(ctx, p)
	if err != nil {
		if isNodeRejection(err) {
			res := classifyRejection(err)
			res.Validated = true
			res.BlockHash = fork.BlockHash()
			return res, nil, nil
		}
		return nil, nil, err
	}

	if !out.Result.Ok() {
		reason := out.Result.Reason()
		outcome := domain.OutcomeApplicationFailure
		if IsTrap(reason) {
			outcome = domain.OutcomeStructuralFailure
		}
		return &domain.SimulationResult{
			Outcome:       outcome,
			FailureReason: reason,
			Validated:     true,
			BlockHash:     fork.BlockHash(),
		}, out, nil
	}

	fee := e.estimateFee(ctx, s, p)
	return &domain.SimulationResult{
		Success:       true,
		Outcome:       domain.OutcomeSuccess,
		EstimatedFee:  fee,
		BalanceDeltas: deltas(p, fee),
		Validated:     true,
		BlockHash:     fork.BlockHash(),
	}, out, nil
}

// feeOnly is the fallback when no fork is available: the runtime's fee
// query still rejects undecodable calls, so it is the cheapest real check.
func (e *Engine) feeOnly(ctx context.Context, s pool.ExecutionSession, p domain.Payload) (*domain.SimulationResult, error) {
	fee, err := e.queryFee(ctx, s, p)
	if err != nil {
		if isNodeRejection(err) {
			return classifyRejection(err), nil
		}
		if !s.IsActive() {
			return nil, domain.ErrSessionDisconnected
		}
		return nil, fmt.Errorf("fee estimation: %w", err)
	}
	return &domain.SimulationResult{
		Success:       true,
		Outcome:       domain.OutcomeSuccess,
		EstimatedFee:  fee,
		BalanceDeltas: deltas(p, fee),
	}, nil
}

// estimateFee queries the fee for a validated success. Failures are logged and
// yield the producer's estimate, or zero.
func (e *Engine) estimateFee(ctx context.Context, s pool.ExecutionSession, p domain.Payload) sdkmath.Int {
	fee, err := e.queryFee(ctx, s, p)
	if err != nil {
		e.logger.Debug("fee estimation failed", logging.ErrorFields(err)...)
		if p.EstimatedFee != nil {
			return *p.EstimatedFee
		}
		return sdkmath.ZeroInt()
	}
	return fee
}

func (e *Engine) queryFee(ctx context.Context, s pool.ExecutionSession, p domain.Payload) (sdkmath.Int, error) {
	if p.Sender == "" {
		return sdkmath.Int{}, errors.New("payload has no sender")
	}
	client := s.Client()
	nonce, err := client.AccountNextIndex(ctx, p.Sender)
	if err != nil {
		return sdkmath.Int{}, err
	}
	ext, err := signer.FakeSigned(p, nonce, e.extrinsic)
	if err != nil {
		return sdkmath.Int{}, err
	}
	info, err := client.QueryFeeInfo(ctx, ext)
	if err != nil {
		return sdkmath.Int{}, err
	}
	return info.PartialFee, nil
}

func deltas(p domain.Payload, fee sdkmath.Int) []domain.BalanceDelta {
	out := make([]domain.BalanceDelta, 0, len(p.ExpectedDeltas)+1)
	out = append(out, p.ExpectedDeltas...)
	if !fee.IsNil() && fee.IsPositive() {
		out = append(out, domain.BalanceDelta{Amount: fee, Direction: domain.DirectionOut, Reason: "fee"})
	}
	return out
}

func (e *Engine) record(mode string, res *domain.SimulationResult, start time.Time) {
	if res == nil {
		return
	}
	e.metrics.RecordSimulation(mode, string(res.Outcome), res.Validated, time.Since(start).Seconds())
}
