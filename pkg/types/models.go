package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Regime is a detected macro market classification with confidence,
// stability, and strength metrics (spec §3.1).
type Regime struct {
	Kind         RegimeKind      `json:"kind"`
	Confidence   decimal.Decimal `json:"confidence"`
	Stability    decimal.Decimal `json:"stability"`
	Strength     decimal.Decimal `json:"strength"`
	DetectedAt   time.Time       `json:"detectedAt"`
}

// IsStable reports whether the regime is likely to persist.
func (r Regime) IsStable(threshold decimal.Decimal) bool {
	return r.Stability.GreaterThanOrEqual(threshold)
}

// RegimeTransition records a change of regime with a severity grading its
// ability to override protection systems. Immutable once recorded.
type RegimeTransition struct {
	From       RegimeKind `json:"from"`
	To         RegimeKind `json:"to"`
	Date       time.Time  `json:"date"`
	Severity   Severity   `json:"severity"`
	Momentum   decimal.Decimal `json:"momentum"`
	Confidence decimal.Decimal `json:"confidence"`
	Triggers   []string   `json:"triggers"`
}

// AssetScore is a per-asset combined score produced by ScoringService and
// consumed by every downstream layer. Mutable only during the scoring
// build phase; treated as immutable afterward, except for the
// PositionSize field attached by L5.
type AssetScore struct {
	Asset              string          `json:"asset"`
	Date               time.Time       `json:"date"`
	Technical          decimal.Decimal `json:"technical"`
	Fundamental        decimal.Decimal `json:"fundamental"`
	Combined           decimal.Decimal `json:"combined"`
	Confidence         decimal.Decimal `json:"confidence"`
	Regime             RegimeKind      `json:"regime"`
	Priority           Priority        `json:"priority"`
	IsCurrentPosition  bool            `json:"isCurrentPosition"`
	PreviousAllocation decimal.Decimal `json:"previousAllocation"`
	Reason             string          `json:"reason"`

	// PositionSize is attached by L5 sizing; zero until then.
	PositionSize decimal.Decimal `json:"positionSize"`

	// Bucket is the asset's diversification bucket, set by L3 smart
	// diversification when it admits the asset; empty otherwise.
	Bucket string `json:"bucket,omitempty"`
}

// GracePosition tracks an underperforming incumbent's decay (spec §3.1,
// §4.6). Unique per asset.
type GracePosition struct {
	Asset         string          `json:"asset"`
	StartDate     time.Time       `json:"startDate"`
	OriginalSize  decimal.Decimal `json:"originalSize"`
	OriginalScore decimal.Decimal `json:"originalScore"`
	CurrentSize   decimal.Decimal `json:"currentSize"`
	DecayApplied  decimal.Decimal `json:"decayApplied"`
	Reason        string          `json:"reason"`
}

// PositionAge tracks how long a position has been held, for holding-period
// enforcement (spec §4.7). Unique per asset.
type PositionAge struct {
	Asset             string     `json:"asset"`
	EntryDate         time.Time  `json:"entryDate"`
	EntrySize         decimal.Decimal `json:"entrySize"`
	EntryReason       string     `json:"entryReason"`
	LastAdjustmentDate *time.Time `json:"lastAdjustmentDate,omitempty"`
	AdjustmentCount   int        `json:"adjustmentCount"`
}

// CoreAssetInfo grants an asset immunity from closure (spec §3.1, §4.5).
// Unique per asset.
type CoreAssetInfo struct {
	Asset             string     `json:"asset"`
	DesignationDate   time.Time  `json:"designationDate"`
	ExpiryDate        time.Time  `json:"expiryDate"`
	Reason            string     `json:"reason"`
	Bucket            string     `json:"bucket"`
	DesignationScore  *decimal.Decimal `json:"designationScore,omitempty"`
	ExtensionCount    int        `json:"extensionCount"`
	LastPerfCheck     *time.Time `json:"lastPerfCheck,omitempty"`
	Warnings          []string   `json:"warnings"`
}

// PositionEventType distinguishes open/close entries in a PositionEvent log.
type PositionEventType string

const (
	PositionEventOpen  PositionEventType = "open"
	PositionEventClose PositionEventType = "close"
)

// PositionEvent is an append-only per-asset log entry used by whipsaw
// cycle counting (spec §3.1, §4.8).
type PositionEvent struct {
	Asset  string            `json:"asset"`
	Type   PositionEventType `json:"type"`
	Date   time.Time         `json:"date"`
	Size   decimal.Decimal   `json:"size"`
	Reason string            `json:"reason"`
	Price  *decimal.Decimal  `json:"price,omitempty"`
}

// RegimeContext carries a detected regime transition to protection guards
// that are allowed to weigh overriding their normal constraints against it
// (spec §4.7, §4.9).
type RegimeContext struct {
	RegimeChanged  bool       `json:"regimeChanged"`
	NewRegime      RegimeKind `json:"newRegime"`
	OldRegime      RegimeKind `json:"oldRegime"`
	RegimeSeverity Severity   `json:"regimeSeverity"`
	ChangeDate     time.Time  `json:"changeDate"`
}

// PositionState is the lifecycle snapshot for a held position (spec §3.1).
type PositionState struct {
	Asset                 string     `json:"asset"`
	Stage                 Stage      `json:"stage"`
	EntryDate             time.Time  `json:"entryDate"`
	CurrentSize           decimal.Decimal `json:"currentSize"`
	CurrentScore          decimal.Decimal `json:"currentScore"`
	DaysHeld              int        `json:"daysHeld"`
	GraceDaysRemaining    int        `json:"graceDaysRemaining"`
	LastAdjustment        *time.Time `json:"lastAdjustment,omitempty"`
	Bucket                string     `json:"bucket"`
	Health                Health     `json:"health"`
	OriginalEntrySize     decimal.Decimal `json:"originalEntrySize"`
	PeakSize              decimal.Decimal `json:"peakSize"`
	ScoreTrend            ScoreTrend `json:"scoreTrend"`
	ConsecutiveLowScores  int        `json:"consecutiveLowScores"`
}

// RebalancingTarget is the final, audit-ready output of the pipeline
// (spec §3.1, §6.1).
type RebalancingTarget struct {
	Asset         string          `json:"asset"`
	TargetWeight  decimal.Decimal `json:"targetAllocationPct"`
	CurrentWeight decimal.Decimal `json:"currentAllocationPct"`
	Action        Action          `json:"action"`
	Priority      Priority        `json:"priority"`
	Score         decimal.Decimal `json:"score"`
	Reason        string          `json:"reason"`
}

// Bucket is a named, read-only group of assets (spec §3.1).
type Bucket struct {
	Name   string
	Assets []string
}
