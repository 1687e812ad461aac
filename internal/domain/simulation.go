package domain

import sdkmath "cosmossdk.io/math"

// Outcome classifies a dry-run.
type Outcome string

const (
	OutcomeSuccess            Outcome = "success"
	OutcomeApplicationFailure Outcome = "application_failure"
	OutcomeStructuralFailure  Outcome = "structural_failure"
	OutcomeUpstreamFailure    Outcome = "upstream_failure"
)

// UpstreamFailureReason is the reason recorded for transactions skipped after a
// failed predecessor in a sequential simulation.
const UpstreamFailureReason = "upstream transaction failed"

// Direction of a balance change.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// BalanceDelta is one expected balance change for the sender.
type BalanceDelta struct {
	Amount    sdkmath.Int
	Direction Direction
	Reason    string
}

// SimulationResult is the outcome of a dry-run. It never reflects committed state.
type SimulationResult struct {
	Success       bool
	Outcome       Outcome
	FailureReason string
	EstimatedFee  sdkmath.Int
	BalanceDeltas []BalanceDelta

	// Validated is false when the fork was unavailable and only fee estimation ran.
	Validated bool
	// BlockHash is the fork base block, empty when unvalidated.
	BlockHash string
}

// ErrorCode maps the outcome to the terminal error code used for failed items.
func (r *SimulationResult) ErrorCode() Code {
	switch r.Outcome {
	case OutcomeStructuralFailure:
		return CodeSimulationStructural
	case OutcomeUpstreamFailure:
		return CodeUpstreamFailed
	default:
		return CodeSimulationFailed
	}
}

// Failure converts a failed result into a terminal item error.
func (r *SimulationResult) Failure() *Error {
	if r == nil || r.Success {
		return nil
	}
	msg := r.FailureReason
	switch r.Outcome {
	case OutcomeStructuralFailure:
		msg = "malformed transaction rejected by the runtime (client defect): " + r.FailureReason
	case OutcomeApplicationFailure:
		msg = "simulation failed: " + r.FailureReason
	}
	return NewError(r.ErrorCode(), msg, nil)
}
