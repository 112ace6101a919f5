// Package types provides shared type definitions for the rebalancer.
package types

// Priority orders an asset's inclusion tier in the universe and breaks
// ties during bucket selection. Portfolio always outranks the rest.
type Priority string

const (
	PriorityPortfolio Priority = "portfolio"
	PriorityTrending  Priority = "trending"
	PriorityRegime    Priority = "regime"
	PriorityFallback  Priority = "fallback"
)

// Rank returns a lower-is-better ordinal for sorting by priority.
func (p Priority) Rank() int {
	switch p {
	case PriorityPortfolio:
		return 0
	case PriorityTrending:
		return 1
	case PriorityRegime:
		return 2
	default:
		return 3
	}
}

// RegimeKind is the macro market classification.
type RegimeKind string

const (
	RegimeGoldilocks RegimeKind = "Goldilocks"
	RegimeDeflation  RegimeKind = "Deflation"
	RegimeInflation  RegimeKind = "Inflation"
	RegimeReflation  RegimeKind = "Reflation"
	RegimeUnknown    RegimeKind = "Unknown"
)

// Severity grades a regime transition's disruptiveness, and with it the
// scope of protection systems it is permitted to override.
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Action is the instruction attached to a RebalancingTarget.
type Action string

const (
	ActionOpen     Action = "open"
	ActionClose    Action = "close"
	ActionIncrease Action = "increase"
	ActionDecrease Action = "decrease"
	ActionHold     Action = "hold"
)

// AdjustmentType is the kind of mutation a protection guard is asked to
// permit or deny. It is a finer-grained twin of Action: "any" lets a guard
// answer without committing to a specific direction (passed by
// SelectionService for incumbents at or above the score threshold).
type AdjustmentType string

const (
	AdjustClose    AdjustmentType = "close"
	AdjustReduce   AdjustmentType = "reduce"
	AdjustIncrease AdjustmentType = "increase"
	AdjustAny      AdjustmentType = "any"
)

// Stage is a position's place in the lifecycle state machine.
type Stage string

const (
	StageActive       Stage = "active"
	StageGrace        Stage = "grace"
	StageWarning      Stage = "warning"
	StageForcedReview Stage = "forced_review"
	StageClosing      Stage = "closing"
)

// Health is a coarse signal derived from a position's trend and stage.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
)

// ScoreTrend summarizes recent score movement for a tracked position.
type ScoreTrend string

const (
	TrendImproving ScoreTrend = "improving"
	TrendDeclining ScoreTrend = "declining"
	TrendStable    ScoreTrend = "stable"
)

// SizingMode selects the initial (pre two-stage) sizing algorithm.
type SizingMode string

const (
	SizingAdaptive     SizingMode = "adaptive"
	SizingEqualWeight  SizingMode = "equal_weight"
	SizingScoreWeight  SizingMode = "score_weighted"
)

// ResidualStrategy selects how leftover allocation mass is placed after
// two-stage sizing.
type ResidualStrategy string

const (
	ResidualSafeTopSlice ResidualStrategy = "safe_top_slice"
	ResidualProportional ResidualStrategy = "proportional"
	ResidualCashBucket   ResidualStrategy = "cash_bucket"
)

// CashEquivalentAsset is the synthetic asset symbol used by the
// cash_bucket residual strategy.
const CashEquivalentAsset = "CASH_EQUIVALENT"

// UnknownBucket is the bucket assigned to an asset with no explicit
// membership.
const UnknownBucket = "Unknown"
