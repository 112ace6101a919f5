package diversification

import (
	"fmt"
	"sort"

	"github.com/atlas-desktop/rebalancer/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EnforcementResult is the output of BucketLimitsEnforcer.Apply (spec §4.3).
type EnforcementResult struct {
	Selected   []types.AssetScore
	Rejected   []types.AssetScore
	Actions    []string
	BucketsRepresented int
}

// BucketLimitsEnforcer applies position, allocation, and minimum-bucket
// constraints to a scored universe ahead of selection.
type BucketLimitsEnforcer struct {
	logger  *zap.Logger
	buckets *BucketManager
}

// NewBucketLimitsEnforcer constructs an enforcer over the given bucket
// directory.
func NewBucketLimitsEnforcer(logger *zap.Logger, buckets *BucketManager) *BucketLimitsEnforcer {
	return &BucketLimitsEnforcer{logger: logger, buckets: buckets}
}

// Apply runs the four-step algorithm of spec §4.3 in order: group, cap
// positions, cap allocation, then backfill minimum bucket representation.
//
// The allocation-limit step reads PreviousAllocation, not PositionSize:
// this stage runs before L5 sizing in the pipeline, so PositionSize is
// still zero for every candidate. PreviousAllocation is the only
// allocation signal available at this point in the pipeline.
func (e *BucketLimitsEnforcer) Apply(scored []types.AssetScore, policy types.Policy) EnforcementResult {
	if len(scored) == 0 {
		return EnforcementResult{}
	}

	groups := e.buckets.GroupByBucket(scored)
	selected := make(map[string]bool, len(scored))
	rejectionReason := make(map[string]string)
	var actions []string

	actions = append(actions, e.applyPositionLimits(groups, policy, selected, rejectionReason)...)
	actions = append(actions, e.applyAllocationLimits(groups, policy, selected)...)
	actions = append(actions, e.ensureMinBucketsRepresented(groups, policy, selected)...)

	var sel, rej []types.AssetScore
	for _, s := range scored {
		if selected[s.Asset] {
			sel = append(sel, s)
		} else {
			s.Reason = rejectionReason[s.Asset]
			rej = append(rej, s)
		}
	}

	represented := make(map[string]struct{})
	for _, s := range sel {
		represented[e.buckets.Bucket(s.Asset)] = struct{}{}
	}

	e.logger.Info("bucket limits applied",
		zap.Int("selected", len(sel)),
		zap.Int("rejected", len(rej)),
		zap.Int("buckets_represented", len(represented)),
	)

	return EnforcementResult{Selected: sel, Rejected: rej, Actions: actions, BucketsRepresented: len(represented)}
}

// applyPositionLimits keeps the top policy.MaxPositionsPerBucket assets
// per bucket (spec §4.3 step 2). When AllowBucketOverflow is set,
// portfolio-priority assets bypass the cap entirely and compete only
// among themselves and the remaining slots go to the rest; otherwise
// every asset in the bucket competes for the same fixed slots, already
// ordered portfolio-first by GroupByBucket.
func (e *BucketLimitsEnforcer) applyPositionLimits(groups map[string][]types.AssetScore, policy types.Policy, selected map[string]bool, rejectionReason map[string]string) []string {
	var actions []string

	for bucket, group := range groups {
		if len(group) <= policy.MaxPositionsPerBucket {
			for _, s := range group {
				selected[s.Asset] = true
			}
			continue
		}

		if policy.AllowBucketOverflow {
			portfolioCount := 0
			for _, s := range group {
				if s.Priority == types.PriorityPortfolio {
					selected[s.Asset] = true
					portfolioCount++
				}
			}
			remaining := policy.MaxPositionsPerBucket - portfolioCount
			kept := portfolioCount
			for _, s := range group {
				if s.Priority == types.PriorityPortfolio {
					continue
				}
				if remaining > 0 {
					selected[s.Asset] = true
					remaining--
					kept++
					continue
				}
				rejectionReason[s.Asset] = fmt.Sprintf("exceeded max positions for bucket %q (%d), portfolio overflow allowed", bucket, policy.MaxPositionsPerBucket)
			}
			actions = append(actions, fmt.Sprintf("bucket %q: selected %d/%d assets (limit %d, overflow allowed)", bucket, kept, len(group), policy.MaxPositionsPerBucket))
			continue
		}

		for i, s := range group {
			if i < policy.MaxPositionsPerBucket {
				selected[s.Asset] = true
			} else {
				rejectionReason[s.Asset] = fmt.Sprintf("exceeded max positions for bucket %q (%d)", bucket, policy.MaxPositionsPerBucket)
			}
		}
		actions = append(actions, fmt.Sprintf("bucket %q: selected %d/%d assets (limit %d)", bucket, policy.MaxPositionsPerBucket, len(group), policy.MaxPositionsPerBucket))
	}

	return actions
}

// applyAllocationLimits finds each bucket whose selected members'
// PreviousAllocation sums above MaxAllocationPerBucket and records the
// max_allocation/current_allocation factor in the action log (spec §4.3
// step 3). No member's size is changed: PositionSize is not touched here,
// and no later stage applies the recorded factor.
func (e *BucketLimitsEnforcer) applyAllocationLimits(groups map[string][]types.AssetScore, policy types.Policy, selected map[string]bool) []string {
	var actions []string

	for bucket, group := range groups {
		current := decimal.Zero
		for _, s := range group {
			if selected[s.Asset] {
				current = current.Add(s.PreviousAllocation)
			}
		}
		if current.LessThanOrEqual(policy.MaxAllocationPerBucket) || current.IsZero() {
			continue
		}
		scale := policy.MaxAllocationPerBucket.Div(current)
		actions = append(actions, fmt.Sprintf("bucket %q: scaled allocation from %s to %s (factor %s)",
			bucket, current.StringFixed(4), policy.MaxAllocationPerBucket.StringFixed(4), scale.StringFixed(4)))
	}

	return actions
}

// ensureMinBucketsRepresented injects the top-scoring asset from the
// best unrepresented bucket until MinBucketsRepresented is satisfied
// (spec §4.3 step 4). Each injection is recorded in the returned action
// log; the injected asset's Reason is left unchanged.
func (e *BucketLimitsEnforcer) ensureMinBucketsRepresented(groups map[string][]types.AssetScore, policy types.Policy, selected map[string]bool) []string {
	var actions []string

	represented := make(map[string]struct{})
	for bucket, group := range groups {
		for _, s := range group {
			if selected[s.Asset] {
				represented[bucket] = struct{}{}
				break
			}
		}
	}
	if len(represented) >= policy.MinBucketsRepresented {
		return actions
	}

	type candidate struct {
		bucket string
		best   types.AssetScore
	}
	var empty []candidate
	for bucket, group := range groups {
		if _, ok := represented[bucket]; ok || len(group) == 0 {
			continue
		}
		best := group[0]
		for _, s := range group[1:] {
			if s.Combined.GreaterThan(best.Combined) {
				best = s
			}
		}
		empty = append(empty, candidate{bucket: bucket, best: best})
	}
	sort.SliceStable(empty, func(i, j int) bool { return empty[i].best.Combined.GreaterThan(empty[j].best.Combined) })

	needed := policy.MinBucketsRepresented - len(represented)
	for i := 0; i < needed && i < len(empty); i++ {
		selected[empty[i].best.Asset] = true
		actions = append(actions, fmt.Sprintf("forced selection of %s from bucket %q for minimum representation", empty[i].best.Asset, empty[i].bucket))
	}

	return actions
}
