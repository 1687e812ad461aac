package executioner

import (
	"context"
	"errors"
	"sync"

	sdkmath "cosmossdk.io/math"

	"dotbot-exec/internal/domain"
)

// ApprovalRequest asks a human to approve one item or batch before signing.
type ApprovalRequest struct {
	ItemID string
	// ItemIDs lists every item covered, more than one for a batch.
	ItemIDs      []string
	Payload      domain.Payload
	Description  string
	EstimatedFee *sdkmath.Int
	Warnings     []string
	// Simulation is nil when simulation is disabled.
	Simulation *domain.SimulationResult
	// Done is closed once the controller stops waiting for this request:
	// after a decision, a cancelled run or an ended context.
	Done <-chan struct{}
}

// Resolver completes an approval request. Only the first call counts.
type Resolver func(approved bool)

// Approver presents a request and eventually calls resolve. It may call
// resolve synchronously or from another goroutine; the controller waits
// without a timeout. An approver still prompting when req.Done closes
// should abort and return, its answer is ignored.
type Approver func(req ApprovalRequest, resolve Resolver)

// AutoApprove approves every request immediately.
func AutoApprove(_ ApprovalRequest, resolve Resolver) { resolve(true) }

var errRunCancelled = errors.New("run cancelled")

// awaitApprovalOrStop blocks until the approver resolves, ctx is done or
// stop is closed.
func awaitApprovalOrStop(ctx context.Context, stop <-chan struct{}, approve Approver, req ApprovalRequest) (bool, error) {
	decision := make(chan bool, 1)
	var once sync.Once
	resolve := func(approved bool) {
		once.Do(func() { decision <- approved })
	}

	done := make(chan struct{})
	defer close(done)
	req.Done = done

	go approve(req, resolve)

	select {
	case approved := <-decision:
		return approved, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-stop:
		return false, errRunCancelled
	}
}

func approvalRequest(u *unit, sim *domain.SimulationResult) ApprovalRequest {
	req := ApprovalRequest{
		ItemID:      u.ids[0],
		ItemIDs:     append([]string(nil), u.ids...),
		Payload:     u.payload,
		Description: u.payload.Description,
		Warnings:    append([]string(nil), u.payload.Warnings...),
		Simulation:  sim,
	}
	switch {
	case sim != nil && !sim.EstimatedFee.IsNil():
		fee := sim.EstimatedFee
		req.EstimatedFee = &fee
	case u.payload.EstimatedFee != nil:
		fee := *u.payload.EstimatedFee
		req.EstimatedFee = &fee
	}
	if sim != nil && !sim.Validated {
		req.Warnings = append(req.Warnings, "simulation unavailable: only the fee was estimated, the transaction was not dry-run")
	}
	return req
}
