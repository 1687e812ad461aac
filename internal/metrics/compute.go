// Package metrics computes run statistics from execution outcomes.
package metrics

import (
	"math"
	"sort"

	sdkmath "cosmossdk.io/math"

	"dotbot-exec/internal/domain"
)

// Stats summarizes a set of outcomes.
type Stats struct {
	Total       int
	Finalized   int
	Failed      int
	Cancelled   int
	Unvalidated int     // submitted without a fork dry-run
	SuccessRate float64 // finalized / total

	// EstimatedFees is the sum of fee estimates of finalized items, in planck.
	EstimatedFees sdkmath.Int

	DurationMeanMs   float64
	DurationMedianMs float64
	DurationP90Ms    float64
}

// KindStats is Stats for one operation kind.
type KindStats struct {
	Kind string
	Stats
}

// TargetFees is the fee total of one network.
type TargetFees struct {
	Target        string
	EstimatedFees sdkmath.Int
}

// Aggregate is the statistics of one plan.
type Aggregate struct {
	PlanID string
	Stats
	ByKind     []KindStats  // sorted by kind
	ByTarget   []TargetFees // sorted by target
	ErrorCodes map[domain.Code]int
	// Time range covered, Unix ms.
	FirstCreatedAt  int64
	LastCompletedAt int64
}

// computeFromOutcomes computes the aggregate of outcomes, which must belong to one plan.
func computeFromOutcomes(planID string, outcomes []*domain.ExecutionOutcome) *Aggregate {
	agg := &Aggregate{
		PlanID:     planID,
		Stats:      computeStats(outcomes),
		ErrorCodes: make(map[domain.Code]int),
	}

	byKind := make(map[string][]*domain.ExecutionOutcome)
	fees := make(map[string]sdkmath.Int)
	for _, o := range outcomes {
		byKind[o.Kind] = append(byKind[o.Kind], o)
		if o.ErrorCode != "" {
			agg.ErrorCodes[o.ErrorCode]++
		}
		if fee, ok := finalizedFee(o); ok {
			cur, seen := fees[o.Target]
			if !seen {
				cur = sdkmath.ZeroInt()
			}
			fees[o.Target] = cur.Add(fee)
		}
		if o.CreatedAt > 0 && (agg.FirstCreatedAt == 0 || o.CreatedAt < agg.FirstCreatedAt) {
			agg.FirstCreatedAt = o.CreatedAt
		}
		if o.CompletedAt > agg.LastCompletedAt {
			agg.LastCompletedAt = o.CompletedAt
		}
	}

	for kind, group := range byKind {
		agg.ByKind = append(agg.ByKind, KindStats{Kind: kind, Stats: computeStats(group)})
	}
	sort.Slice(agg.ByKind, func(i, j int) bool { return agg.ByKind[i].Kind < agg.ByKind[j].Kind })

	for target, fee := range fees {
		agg.ByTarget = append(agg.ByTarget, TargetFees{Target: target, EstimatedFees: fee})
	}
	sort.Slice(agg.ByTarget, func(i, j int) bool { return agg.ByTarget[i].Target < agg.ByTarget[j].Target })

	return agg
}

func computeStats(outcomes []*domain.ExecutionOutcome) Stats {
	s := Stats{Total: len(outcomes), EstimatedFees: sdkmath.ZeroInt()}

	var durations []float64
	for _, o := range outcomes {
		switch o.Status {
		case domain.StatusFinalized:
			s.Finalized++
		case domain.StatusFailed:
			s.Failed++
		case domain.StatusCancelled:
			s.Cancelled++
		}
		if o.Family.NeedsSubmission() && o.Status == domain.StatusFinalized && !o.Validated {
			s.Unvalidated++
		}
		if fee, ok := finalizedFee(o); ok {
			s.EstimatedFees = s.EstimatedFees.Add(fee)
		}
		if o.CreatedAt > 0 && o.CompletedAt >= o.CreatedAt {
			durations = append(durations, float64(o.CompletedAt-o.CreatedAt))
		}
	}

	s.SuccessRate = computeRate(s.Finalized, s.Total)
	sort.Float64s(durations)
	s.DurationMeanMs = computeMean(durations)
	s.DurationMedianMs = computePercentile(durations, 0.5)
	s.DurationP90Ms = computePercentile(durations, 0.9)
	return s
}

// finalizedFee returns the estimated fee of a finalized outcome, if recorded.
func finalizedFee(o *domain.ExecutionOutcome) (sdkmath.Int, bool) {
	if o.Status != domain.StatusFinalized || o.EstimatedFee == "" {
		return sdkmath.Int{}, false
	}
	fee, ok := sdkmath.NewIntFromString(o.EstimatedFee)
	return fee, ok
}

func computeRate(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}

func computeMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// computePercentile uses linear interpolation.
// sorted must be pre-sorted ASC.
// p is percentile (0.10 = 10th percentile).
func computePercentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}

	idx := p * float64(n-1)
	lower := int(math.Floor(idx))
	upper := lower + 1
	if upper >= n {
		return sorted[n-1]
	}

	frac := idx - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}
