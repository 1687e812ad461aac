// Package verification checks recorded outcomes against the chain.
// A finalized outcome matches when its block contains its extrinsic.
package verification

import (
	"context"
	"fmt"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/substrate"
)

// FieldDivergence represents a mismatch between a recorded and an on-chain value.
type FieldDivergence struct {
	Field    string
	Expected string // recorded value
	Actual   string // on-chain value
}

// VerificationResult contains the result of verifying a single outcome.
type VerificationResult struct {
	ItemID      string
	Index       int
	Match       bool
	Divergences []FieldDivergence
}

// VerificationReport contains results for batch verification.
type VerificationReport struct {
	TotalOutcomes     int // outcomes checked against the chain
	MatchedOutcomes   int
	DivergentOutcomes int
	Skipped           int // not finalized, or never submitted
	Results           []VerificationResult
}

// BlockSource fetches blocks by hash. *substrate.Client implements it.
type BlockSource interface {
	Block(ctx context.Context, hash string) (*substrate.SignedBlock, error)
}

// InclusionVerifier checks that finalized extrinsics are in their recorded blocks.
type InclusionVerifier struct {
	sources map[string]BlockSource // keyed by target network
}

// NewInclusionVerifier creates a verifier reading blocks of each target from sources.
func NewInclusionVerifier(sources map[string]BlockSource) *InclusionVerifier {
	return &InclusionVerifier{sources: sources}
}

// Verifiable reports whether o can be checked on chain.
func Verifiable(o *domain.ExecutionOutcome) bool {
	return o.Status == domain.StatusFinalized && o.ExtrinsicHash != ""
}

// VerifyOutcome verifies a single finalized outcome.
func (v *InclusionVerifier) VerifyOutcome(ctx context.Context, o *domain.ExecutionOutcome) (*VerificationResult, error) {
	if !Verifiable(o) {
		return nil, fmt.Errorf("outcome %s is not a finalized submission", o.ItemID)
	}
	src, ok := v.sources[o.Target]
	if !ok {
		return nil, fmt.Errorf("no block source for network %q", o.Target)
	}

	result := &VerificationResult{ItemID: o.ItemID, Index: o.Index}
	if o.BlockHash == "" {
		result.Divergences = append(result.Divergences, FieldDivergence{Field: "BlockHash", Expected: "", Actual: "unknown"})
		return result, nil
	}

	block, err := src.Block(ctx, o.BlockHash)
	if err != nil {
		return nil, fmt.Errorf("fetch block %s: %w", o.BlockHash, err)
	}
	if idx := block.Block.ContainsExtrinsic(o.ExtrinsicHash); idx < 0 {
		result.Divergences = append(result.Divergences, FieldDivergence{
			Field:    "ExtrinsicHash",
			Expected: o.ExtrinsicHash,
			Actual:   fmt.Sprintf("not in block %s (%d extrinsics)", o.BlockHash, len(block.Block.Extrinsics)),
		})
	}

	result.Match = len(result.Divergences) == 0
	return result, nil
}

// VerifyAll verifies every finalized submission in outcomes and skips the rest.
func (v *InclusionVerifier) VerifyAll(ctx context.Context, outcomes []*domain.ExecutionOutcome) (*VerificationReport, error) {
	report := &VerificationReport{}
	for _, o := range outcomes {
		if !Verifiable(o) {
			report.Skipped++
			continue
		}
		res, err := v.VerifyOutcome(ctx, o)
		if err != nil {
			return nil, err
		}
		report.TotalOutcomes++
		if res.Match {
			report.MatchedOutcomes++
		} else {
			report.DivergentOutcomes++
		}
		report.Results = append(report.Results, *res)
	}
	return report, nil
}
