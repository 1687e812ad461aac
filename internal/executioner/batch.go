package executioner

import (
	"errors"
	"fmt"
	"strings"

	sdkmath "cosmossdk.io/math"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/scale"
)

// KindBatch is the payload kind of combined batches.
const KindBatch = "batch"

// ErrNotBatchable is returned when payloads cannot be combined.
var ErrNotBatchable = errors.New("payloads cannot be batched")

// Batcher combines compatible payloads into one atomic payload.
type Batcher interface {
	Batch(payloads []domain.Payload) (domain.Payload, error)
}

// UtilityBatcher wraps calls in Utility.batch_all, which reverts every call
// if any one fails.
type UtilityBatcher struct {
	// BatchAll is keyed by target network.
	BatchAll map[string]domain.CallIndex
}

// Batch implements Batcher.
func (b UtilityBatcher) Batch(payloads []domain.Payload) (domain.Payload, error) {
	if len(payloads) < 2 {
		return domain.Payload{}, fmt.Errorf("%w: need at least 2 payloads, got %d", ErrNotBatchable, len(payloads))
	}
	first := payloads[0]
	for i, p := range payloads[1:] {
		if !first.CompatibleWith(p) {
			return domain.Payload{}, fmt.Errorf("%w: payload %d is not compatible with payload 0", ErrNotBatchable, i+1)
		}
	}
	idx, ok := b.BatchAll[first.Target]
	if !ok {
		return domain.Payload{}, fmt.Errorf("%w: no Utility.batch_all index for %q", ErrNotBatchable, first.Target)
	}

	call := []byte{idx.Pallet, idx.Call}
	call = append(call, scale.EncodeCompact(uint64(len(payloads)))...)

	out := domain.Payload{
		Schema: first.Schema,
		Kind:   KindBatch,
		Family: first.Family,
		Target: first.Target,
		Sender: first.Sender,
	}
	descriptions := make([]string, 0, len(payloads))
	fee := sdkmath.ZeroInt()
	allFees := true
	for _, p := range payloads {
		call = append(call, p.Call...)
		descriptions = append(descriptions, p.Description)
		out.Warnings = append(out.Warnings, p.Warnings...)
		out.ExpectedDeltas = append(out.ExpectedDeltas, p.ExpectedDeltas...)
		if p.EstimatedFee == nil {
			allFees = false
		} else {
			fee = fee.Add(*p.EstimatedFee)
		}
	}
	out.Call = call
	out.Description = fmt.Sprintf("Batch of %d: %s", len(payloads), strings.Join(descriptions, "; "))
	if allFees {
		out.EstimatedFee = &fee
	}
	return out, nil
}
