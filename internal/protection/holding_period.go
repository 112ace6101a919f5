package protection

import (
	"fmt"
	"time"

	"github.com/atlas-desktop/rebalancer/internal/rberrors"
	"github.com/atlas-desktop/rebalancer/pkg/types"
	"github.com/atlas-desktop/rebalancer/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// regimeOverrideProximityDays is how close to the minimum holding period a
// position must be before a regime change is allowed to skip the rest of
// the wait (spec §4.7).
const regimeOverrideProximityDays = 2

// HoldingPeriodManager enforces minimum and maximum holding windows per
// position, with a regime-aware override path for positions close to
// meeting their minimum during a high or critical regime transition (spec
// §4.7).
type HoldingPeriodManager struct {
	logger *zap.Logger

	minHoldingDays        int
	maxHoldingDays        int
	regimeOverrideCooldown int

	positions          map[string]types.PositionAge
	lastRegimeOverride map[string]time.Time
}

// NewHoldingPeriodManager validates its bounds and constructs a manager.
// regimeOverrideCooldown bounds how often a single asset may use a regime
// override, independent of how many times its holding period is checked.
func NewHoldingPeriodManager(logger *zap.Logger, minHoldingDays, maxHoldingDays, regimeOverrideCooldown int) (*HoldingPeriodManager, error) {
	if minHoldingDays < 1 || minHoldingDays > 365 {
		return nil, &rberrors.ConfigurationError{Field: "min_holding_period_days", Reason: "must be 1-365"}
	}
	if maxHoldingDays < minHoldingDays || maxHoldingDays > 365 {
		return nil, &rberrors.ConfigurationError{Field: "max_holding_period_days", Reason: "must be >= min_holding_period_days and <= 365"}
	}
	if regimeOverrideCooldown < 1 || regimeOverrideCooldown > 180 {
		return nil, &rberrors.ConfigurationError{Field: "regime_override_cooldown_days", Reason: "must be 1-180"}
	}
	return &HoldingPeriodManager{
		logger:                 logger,
		minHoldingDays:         minHoldingDays,
		maxHoldingDays:         maxHoldingDays,
		regimeOverrideCooldown: regimeOverrideCooldown,
		positions:              make(map[string]types.PositionAge),
		lastRegimeOverride:     make(map[string]time.Time),
	}, nil
}

// RecordEntry starts holding-period tracking for a newly opened position.
func (m *HoldingPeriodManager) RecordEntry(asset string, entryDate time.Time, entrySize decimal.Decimal, entryReason string) {
	m.positions[asset] = types.PositionAge{
		Asset:       asset,
		EntryDate:   entryDate,
		EntrySize:   entrySize,
		EntryReason: entryReason,
	}
	m.logger.Info("holding period entry recorded", zap.String("asset", asset), zap.Time("entry_date", entryDate))
}

// RecordAdjustment notes that asset was adjusted, without resetting its
// entry date.
func (m *HoldingPeriodManager) RecordAdjustment(asset string, adjustmentDate time.Time) {
	pos, ok := m.positions[asset]
	if !ok {
		return
	}
	date := adjustmentDate
	pos.LastAdjustmentDate = &date
	pos.AdjustmentCount++
	m.positions[asset] = pos
}

// RecordClosure stops holding-period tracking for asset.
func (m *HoldingPeriodManager) RecordClosure(asset string) {
	delete(m.positions, asset)
}

// CanAdjust reports whether asset may be adjusted today under the base
// holding-period rules, with an optional regime override considered when
// those rules would otherwise deny it (spec §4.7).
func (m *HoldingPeriodManager) CanAdjust(asset string, currentDate time.Time, regime *types.RegimeContext, adjustmentType types.AdjustmentType) (bool, string) {
	ok, reason := m.canAdjustBase(asset, currentDate, adjustmentType)
	if ok {
		return true, reason
	}

	if regime != nil && regime.RegimeChanged {
		if canOverride, overrideReason := m.canUseRegimeOverride(asset, currentDate, *regime); canOverride {
			m.lastRegimeOverride[asset] = currentDate
			m.logger.Info("holding period regime override granted",
				zap.String("asset", asset), zap.String("severity", string(regime.RegimeSeverity)))
			return true, "regime override: " + overrideReason
		}
	}

	return false, reason
}

func (m *HoldingPeriodManager) canAdjustBase(asset string, currentDate time.Time, adjustmentType types.AdjustmentType) (bool, string) {
	pos, tracked := m.positions[asset]
	if !tracked {
		return true, "new position, no holding period constraints"
	}

	daysHeld := utils.DaysBetween(pos.EntryDate, currentDate)

	if daysHeld < m.minHoldingDays {
		switch adjustmentType {
		case types.AdjustClose, types.AdjustReduce:
			return false, fmt.Sprintf("min holding period not met: %d/%d days", daysHeld, m.minHoldingDays)
		case types.AdjustIncrease:
			return true, fmt.Sprintf("position increase allowed (held %d days)", daysHeld)
		}
	}

	if daysHeld >= m.maxHoldingDays {
		return true, fmt.Sprintf("max holding period reached: %d days, forced review required", daysHeld)
	}

	return true, fmt.Sprintf("within holding period: %d days (min %d, max %d)", daysHeld, m.minHoldingDays, m.maxHoldingDays)
}

func (m *HoldingPeriodManager) canUseRegimeOverride(asset string, currentDate time.Time, regime types.RegimeContext) (bool, string) {
	if last, used := m.lastRegimeOverride[asset]; used {
		daysSince := utils.DaysBetween(last, currentDate)
		if daysSince < m.regimeOverrideCooldown {
			return false, fmt.Sprintf("regime override cooldown active: %d/%d days", daysSince, m.regimeOverrideCooldown)
		}
	}

	if regime.RegimeSeverity == types.SeverityNormal || regime.RegimeSeverity == "" {
		return false, "regime change not significant enough for override"
	}

	if pos, tracked := m.positions[asset]; tracked {
		daysHeld := utils.DaysBetween(pos.EntryDate, currentDate)
		daysRemaining := m.minHoldingDays - daysHeld
		if daysRemaining > regimeOverrideProximityDays {
			return false, fmt.Sprintf("too far from min holding period: %d days remaining", daysRemaining)
		}
	}

	return true, fmt.Sprintf("critical regime change %s -> %s (severity: %s) overrides holding period",
		regime.OldRegime, regime.NewRegime, regime.RegimeSeverity)
}

// ShouldForceReview reports whether asset has reached its maximum holding
// period and must be reviewed regardless of score.
func (m *HoldingPeriodManager) ShouldForceReview(asset string, currentDate time.Time) bool {
	pos, ok := m.positions[asset]
	if !ok {
		return false
	}
	return utils.DaysBetween(pos.EntryDate, currentDate) >= m.maxHoldingDays
}

// PositionAge returns how long asset has been tracked, in days, or 0 if
// untracked.
func (m *HoldingPeriodManager) PositionAge(asset string, currentDate time.Time) int {
	pos, ok := m.positions[asset]
	if !ok {
		return 0
	}
	return utils.DaysBetween(pos.EntryDate, currentDate)
}

// CleanExpiredOverrides drops regime-override bookkeeping older than twice
// the cooldown window, mirroring the retention rule applied to whipsaw
// event history.
func (m *HoldingPeriodManager) CleanExpiredOverrides(currentDate time.Time) int {
	removed := 0
	for asset, overrideDate := range m.lastRegimeOverride {
		if utils.DaysBetween(overrideDate, currentDate) >= m.regimeOverrideCooldown*2 {
			delete(m.lastRegimeOverride, asset)
			removed++
		}
	}
	return removed
}
