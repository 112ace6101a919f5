// Package protection implements L4 of the rebalancing pipeline: the
// lifecycle and protection guards that decide, per candidate mutation,
// whether it is permitted (spec §4.5-§4.10).
package protection

import (
	"time"

	"github.com/atlas-desktop/rebalancer/internal/rberrors"
	"github.com/atlas-desktop/rebalancer/pkg/types"
	"github.com/atlas-desktop/rebalancer/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// GraceAction is the outcome of GracePeriodManager.HandleUnderperformer.
type GraceAction struct {
	Action          string
	NewSize         decimal.Decimal
	Reason          string
	DaysInGrace     int
	RecoveryDetected bool
	ForceClose      bool
}

const (
	graceActionHold     = "hold"
	graceActionStart    = "grace_start"
	graceActionDecay    = "grace_decay"
	graceActionRecovery = "grace_recovery"
	graceActionForceClose = "force_close"
)

// GracePeriodManager lets an underperforming incumbent decay gradually
// toward closure instead of being dropped in a single rebalance (spec
// §4.6).
type GracePeriodManager struct {
	logger *zap.Logger

	gracePeriodDays int
	decayRate       decimal.Decimal
	minDecayFactor  decimal.Decimal

	positions map[string]types.GracePosition
}

// NewGracePeriodManager validates its bounds per spec §4.6 and returns a
// ConfigurationError if violated.
func NewGracePeriodManager(logger *zap.Logger, gracePeriodDays int, decayRate, minDecayFactor decimal.Decimal) (*GracePeriodManager, error) {
	if gracePeriodDays < 1 || gracePeriodDays > 30 {
		return nil, &rberrors.ConfigurationError{Field: "grace_period_days", Reason: "must be 1-30"}
	}
	if decayRate.LessThan(decimal.NewFromFloat(0.1)) || decayRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, &rberrors.ConfigurationError{Field: "grace_decay_rate", Reason: "must be 0.1-1.0"}
	}
	if minDecayFactor.LessThan(decimal.NewFromFloat(0.01)) || minDecayFactor.GreaterThan(decimal.NewFromFloat(0.5)) {
		return nil, &rberrors.ConfigurationError{Field: "min_decay_factor", Reason: "must be 0.01-0.5"}
	}
	return &GracePeriodManager{
		logger:          logger,
		gracePeriodDays: gracePeriodDays,
		decayRate:       decayRate,
		minDecayFactor:  minDecayFactor,
		positions:       make(map[string]types.GracePosition),
	}, nil
}

// HandleUnderperformer runs the §4.6 state machine for one asset on one
// date: start, decay, recover, or force-close.
func (m *GracePeriodManager) HandleUnderperformer(asset string, currentScore, currentSize, threshold decimal.Decimal, date time.Time) GraceAction {
	pos, inGrace := m.positions[asset]

	if currentScore.GreaterThanOrEqual(threshold) {
		if !inGrace {
			return GraceAction{Action: graceActionHold, NewSize: currentSize, Reason: "score above threshold"}
		}
		days := utils.DaysBetween(pos.StartDate, date)
		delete(m.positions, asset)
		m.logger.Info("grace period recovery", zap.String("asset", asset), zap.Int("days_in_grace", days))
		return GraceAction{
			Action:           graceActionRecovery,
			NewSize:          currentSize,
			Reason:           "score recovered above threshold",
			DaysInGrace:      days,
			RecoveryDetected: true,
		}
	}

	if !inGrace {
		m.positions[asset] = types.GracePosition{
			Asset:         asset,
			StartDate:     date,
			OriginalSize:  currentSize,
			OriginalScore: currentScore,
			CurrentSize:   currentSize,
			Reason:        "score below threshold",
		}
		m.logger.Info("grace period started", zap.String("asset", asset), zap.String("score", currentScore.StringFixed(4)))
		return GraceAction{Action: graceActionStart, NewSize: currentSize, Reason: "starting grace period"}
	}

	days := utils.DaysBetween(pos.StartDate, date)
	if days >= m.gracePeriodDays {
		delete(m.positions, asset)
		m.logger.Info("grace period expired, forcing closure", zap.String("asset", asset), zap.Int("days_in_grace", days))
		return GraceAction{Action: graceActionForceClose, NewSize: decimal.Zero, Reason: "grace period expired", DaysInGrace: days, ForceClose: true}
	}

	newSize := m.decayedSize(pos, days)
	pos.CurrentSize = newSize
	pos.DecayApplied = pos.OriginalSize.Sub(newSize)
	m.positions[asset] = pos

	return GraceAction{Action: graceActionDecay, NewSize: newSize, Reason: "grace period decay", DaysInGrace: days}
}

// decayedSize implements size = max(min_decay_factor·original,
// original·decay_rate^days).
func (m *GracePeriodManager) decayedSize(pos types.GracePosition, days int) decimal.Decimal {
	decayFactor := m.decayRate.Pow(decimal.NewFromInt(int64(days)))
	floor := m.minDecayFactor
	if decayFactor.LessThan(floor) {
		decayFactor = floor
	}
	return pos.OriginalSize.Mul(decayFactor).Round(6)
}

// IsInGracePeriod reports whether asset is currently tracked in an
// unexpired grace period.
func (m *GracePeriodManager) IsInGracePeriod(asset string, date time.Time) bool {
	pos, ok := m.positions[asset]
	if !ok {
		return false
	}
	return utils.DaysBetween(pos.StartDate, date) < m.gracePeriodDays
}

// GracePosition returns the current grace bookkeeping for asset, if any.
func (m *GracePeriodManager) GracePosition(asset string) (types.GracePosition, bool) {
	pos, ok := m.positions[asset]
	return pos, ok
}

// Count returns the number of positions currently tracked as in grace,
// for telemetry gauges.
func (m *GracePeriodManager) Count() int {
	return len(m.positions)
}

// CleanExpired drops grace positions whose window has elapsed, returning
// the number removed.
func (m *GracePeriodManager) CleanExpired(date time.Time) int {
	removed := 0
	for asset, pos := range m.positions {
		if utils.DaysBetween(pos.StartDate, date) >= m.gracePeriodDays {
			delete(m.positions, asset)
			removed++
		}
	}
	return removed
}

