// Package events defines the audit EventSink boundary (spec §6.3) and a
// reference in-memory implementation. The rebalancer never persists
// events itself; it emits them to an injected sink and the storage
// engine is an external collaborator.
package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category groups event types into the families spec §6.3 requires.
type Category string

const (
	CategoryPortfolio       Category = "portfolio"
	CategoryRegime          Category = "regime"
	CategoryProtection      Category = "protection"
	CategoryScoring         Category = "scoring"
	CategoryDiversification Category = "diversification"
	CategoryError           Category = "error"
)

// Type is a dotted event type within a Category, e.g. "portfolio.open".
type Type string

const (
	TypePortfolioOpen             Type = "portfolio.open"
	TypePortfolioClose            Type = "portfolio.close"
	TypePortfolioAdjust           Type = "portfolio.adjust"
	TypePortfolioDecay            Type = "portfolio.decay"
	TypePortfolioRebalanceStart   Type = "portfolio.rebalance_start"
	TypePortfolioRebalanceComplete Type = "portfolio.rebalance_complete"

	TypeRegimeTransition      Type = "regime.transition"
	TypeRegimeDetection       Type = "regime.detection"
	TypeRegimeOverrideGranted Type = "regime.override_granted"

	TypeProtectionWhipsawBlock       Type = "protection.whipsaw_block"
	TypeProtectionGraceStart         Type = "protection.grace_start"
	TypeProtectionGraceEnd           Type = "protection.grace_end"
	TypeProtectionHoldingPeriodBlock Type = "protection.holding_period_block"
	TypeProtectionCoreAssetImmunity  Type = "protection.core_asset_immunity"
	TypeProtectionOverrideApplied    Type = "protection.override_applied"

	TypeScoringAssetScored     Type = "scoring.asset_scored"
	TypeScoringThresholdBreach Type = "scoring.threshold_breach"

	TypeDiversificationBucketLimitEnforced  Type = "diversification.bucket_limit_enforced"
	TypeDiversificationBucketOverrideGranted Type = "diversification.bucket_override_granted"

	TypeError Type = "error.general"
)

// Event is the audit envelope emitted for every decision-relevant action
// (spec §6.3).
type Event struct {
	Timestamp           time.Time        `json:"timestamp"`
	EventType           Type             `json:"event_type"`
	EventCategory       Category         `json:"event_category"`
	TraceID             string           `json:"trace_id,omitempty"`
	SessionID           string           `json:"session_id,omitempty"`
	Asset               string           `json:"asset,omitempty"`
	Regime              string           `json:"regime,omitempty"`
	Action              string           `json:"action,omitempty"`
	Reason              string           `json:"reason,omitempty"`
	ScoreBefore         *decimal.Decimal `json:"score_before,omitempty"`
	ScoreAfter          *decimal.Decimal `json:"score_after,omitempty"`
	SizeBefore          *decimal.Decimal `json:"size_before,omitempty"`
	SizeAfter           *decimal.Decimal `json:"size_after,omitempty"`
	PortfolioAllocation *decimal.Decimal `json:"portfolio_allocation,omitempty"`
	ActivePositions     *int             `json:"active_positions,omitempty"`
	Metadata            map[string]any   `json:"metadata,omitempty"`
	ExecutionTimeMs     *float64         `json:"execution_time_ms,omitempty"`
}

// SessionStats summarizes a rebalance session passed to EndSession.
type SessionStats struct {
	TargetsEmitted int
	Approved       int
	Denied         int
	Overrides      int
}

// Sink is the audit boundary every component emits through (spec §6.3).
// Emit must be non-blocking from the core pipeline's perspective: a sink
// implementation that needs to do I/O should buffer or hand off to a
// background goroutine internally.
type Sink interface {
	Emit(event Event)
	StartTrace(operation string) (traceID string)
	EndTrace(traceID string, success bool)
	StartSession(kind string) (sessionID string)
	EndSession(sessionID string, stats SessionStats)
}
