// Package rebalancer implements the §4.13 coordinator: SelectionService
// pre-filters a scored universe through the lifecycle/protection guards,
// and RebalancerEngine sequences the full L1-L5 pipeline into
// RebalancingTargets.
package rebalancer

import (
	"fmt"
	"time"

	"github.com/atlas-desktop/rebalancer/internal/events"
	"github.com/atlas-desktop/rebalancer/internal/lifecycle"
	"github.com/atlas-desktop/rebalancer/internal/protection"
	"github.com/atlas-desktop/rebalancer/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Grace action labels, mirrored from protection.GracePeriodManager's
// GraceAction.Action values (that package keeps the constants
// unexported; these string literals are its public contract).
const (
	graceActionHold       = "hold"
	graceActionForceClose = "force_close"
)

// SelectionService applies the grace-period, holding-period, and
// whipsaw pre-filters to a scored universe, then picks which assets
// enter the portfolio: every qualifying incumbent, plus new
// opportunities up to the available slots (spec §4.13 step 7).
type SelectionService struct {
	logger *zap.Logger

	grace     *protection.GracePeriodManager
	holding   *protection.HoldingPeriodManager
	whipsaw   *protection.WhipsawProtectionManager
	lifecycle *lifecycle.Tracker
	sink      events.Sink
}

// NewSelectionService wires the lifecycle pre-filters. Any of grace,
// holding, whipsaw, or lifecycleTracker may be nil, in which case that
// stage is a no-op passthrough.
func NewSelectionService(
	logger *zap.Logger,
	grace *protection.GracePeriodManager,
	holding *protection.HoldingPeriodManager,
	whipsaw *protection.WhipsawProtectionManager,
	lifecycleTracker *lifecycle.Tracker,
	sink events.Sink,
) *SelectionService {
	return &SelectionService{
		logger:    logger,
		grace:     grace,
		holding:   holding,
		whipsaw:   whipsaw,
		lifecycle: lifecycleTracker,
		sink:      sink,
	}
}

// Result is the outcome of SelectionService.Select.
type Result struct {
	// Selected are the assets carried forward into L5 sizing.
	Selected []types.AssetScore

	// Locked maps an asset to a size the grace-period state machine has
	// already fixed for this cycle; these assets are excluded from L5
	// sizing entirely and their target weight is taken verbatim from
	// this map, so a decaying grace position's size is never
	// recomputed upward by the sizer (spec §8.1 invariant 5).
	Locked map[string]decimal.Decimal

	// ForceClosed maps an asset whose grace period expired (or whose
	// incumbent score fell below MinScoreThreshold) to the reason it is
	// being closed rather than carried forward. An asset rejected by the
	// holding or whipsaw guard is dropped without an entry here.
	ForceClosed map[string]string
}

// Select runs the full selection algorithm: lifecycle pre-filters, then
// incumbent retention, then new-position admission up to policy limits
// (spec §4.13 step 7).
func (s *SelectionService) Select(
	scored []types.AssetScore,
	policy types.Policy,
	date time.Time,
	regimeCtx *types.RegimeContext,
) Result {
	filtered := scored
	locked := make(map[string]decimal.Decimal)
	forceClosed := make(map[string]string)

	if policy.EnableGracePeriods || policy.EnableWhipsawProtection || policy.MinHoldingPeriodDays > 0 {
		filtered, locked, forceClosed = s.applyLifecycleManagement(scored, policy, date, regimeCtx)
	}

	var portfolioAssets, newAssets []types.AssetScore
	for _, a := range filtered {
		if a.Priority == types.PriorityPortfolio {
			portfolioAssets = append(portfolioAssets, a)
		} else {
			newAssets = append(newAssets, a)
		}
	}

	selected := make([]types.AssetScore, 0, len(filtered))
	for _, a := range portfolioAssets {
		if _, isLocked := locked[a.Asset]; isLocked {
			selected = append(selected, a)
			continue
		}
		if a.Combined.GreaterThanOrEqual(policy.MinScoreThreshold) {
			a.Reason = fmt.Sprintf("portfolio: score %s >= %s", a.Combined.StringFixed(3), policy.MinScoreThreshold.StringFixed(3))
			selected = append(selected, a)
			continue
		}
		forceClosed[a.Asset] = fmt.Sprintf("portfolio: score %s < %s", a.Combined.StringFixed(3), policy.MinScoreThreshold.StringFixed(3))
	}

	availableSlots := policy.MaxTotalPositions - len(selected)
	maxNew := policy.MaxNewPositions
	if availableSlots < maxNew {
		maxNew = availableSlots
	}

	if maxNew > 0 {
		qualified := make([]types.AssetScore, 0, len(newAssets))
		for _, a := range newAssets {
			if a.Combined.GreaterThanOrEqual(policy.MinScoreNewPosition) {
				qualified = append(qualified, a)
			}
		}
		sortByScoreDescending(qualified)
		if len(qualified) > maxNew {
			qualified = qualified[:maxNew]
		}
		for _, a := range qualified {
			a.Reason = fmt.Sprintf("new: score %s >= %s", a.Combined.StringFixed(3), policy.MinScoreNewPosition.StringFixed(3))
			selected = append(selected, a)
		}
	}

	s.logger.Info("selection complete",
		zap.Int("portfolio_kept", len(portfolioAssets)-len(forceClosed)),
		zap.Int("total_selected", len(selected)),
		zap.Int("force_closed", len(forceClosed)),
	)

	return Result{Selected: selected, Locked: locked, ForceClosed: forceClosed}
}

func sortByScoreDescending(assets []types.AssetScore) {
	for i := 1; i < len(assets); i++ {
		for j := i; j > 0 && assets[j].Combined.GreaterThan(assets[j-1].Combined); j-- {
			assets[j], assets[j-1] = assets[j-1], assets[j]
		}
	}
}

// applyLifecycleManagement runs the grace period, holding period, and
// whipsaw pre-filters in sequence (spec §4.13 step 7 commentary).
func (s *SelectionService) applyLifecycleManagement(
	scored []types.AssetScore,
	policy types.Policy,
	date time.Time,
	regimeCtx *types.RegimeContext,
) (filtered []types.AssetScore, locked map[string]decimal.Decimal, forceClosed map[string]string) {
	graceFiltered, locked, forceClosed := s.applyGracePeriod(scored, policy, date)
	holdingFiltered := s.applyHoldingPeriod(graceFiltered, policy, date, regimeCtx, locked)
	whipsawFiltered := s.applyWhipsaw(holdingFiltered, policy, date)

	s.updateLifecycleTracking(whipsawFiltered, date)

	return whipsawFiltered, locked, forceClosed
}

func (s *SelectionService) applyGracePeriod(
	scored []types.AssetScore,
	policy types.Policy,
	date time.Time,
) (kept []types.AssetScore, locked map[string]decimal.Decimal, forceClosed map[string]string) {
	locked = make(map[string]decimal.Decimal)
	forceClosed = make(map[string]string)

	if !policy.EnableGracePeriods || s.grace == nil {
		return scored, locked, forceClosed
	}

	kept = make([]types.AssetScore, 0, len(scored))
	for _, a := range scored {
		if a.Priority != types.PriorityPortfolio {
			kept = append(kept, a)
			continue
		}

		action := s.grace.HandleUnderperformer(a.Asset, a.Combined, a.PreviousAllocation, policy.MinScoreThreshold, date)
		switch action.Action {
		case graceActionHold:
			kept = append(kept, a)
		case graceActionForceClose:
			forceClosed[a.Asset] = "grace: " + action.Reason
			s.emit(events.CategoryProtection, events.TypeProtectionGraceEnd, a.Asset, "close", action.Reason, date)
		default: // grace_start, grace_decay, grace_recovery
			locked[a.Asset] = action.NewSize
			a.Reason = "grace: " + action.Reason
			kept = append(kept, a)
			s.emit(events.CategoryProtection, events.TypeProtectionGraceStart, a.Asset, action.Action, action.Reason, date)
		}
	}
	return kept, locked, forceClosed
}

func (s *SelectionService) applyHoldingPeriod(
	scored []types.AssetScore,
	policy types.Policy,
	date time.Time,
	regimeCtx *types.RegimeContext,
	locked map[string]decimal.Decimal,
) []types.AssetScore {
	if s.holding == nil || policy.MinHoldingPeriodDays <= 0 {
		return scored
	}

	kept := make([]types.AssetScore, 0, len(scored))
	for _, a := range scored {
		if a.Priority != types.PriorityPortfolio {
			kept = append(kept, a)
			continue
		}
		if _, isLocked := locked[a.Asset]; isLocked {
			// Grace already decided this asset's fate this cycle.
			kept = append(kept, a)
			continue
		}

		adjustmentType := types.AdjustAny
		if a.Combined.LessThan(policy.MinScoreThreshold) {
			adjustmentType = types.AdjustClose
		}

		ok, reason := s.holding.CanAdjust(a.Asset, date, regimeCtx, adjustmentType)
		if !ok {
			s.emit(events.CategoryProtection, events.TypeProtectionHoldingPeriodBlock, a.Asset, "close", reason, date)
			continue
		}
		if regimeCtx != nil && regimeCtx.RegimeChanged && containsRegimeOverride(reason) {
			a.Reason = "holding: " + reason
			s.emit(events.CategoryProtection, events.TypeProtectionOverrideApplied, a.Asset, "regime_override", reason, date)
		}
		kept = append(kept, a)
	}
	return kept
}

func (s *SelectionService) applyWhipsaw(scored []types.AssetScore, policy types.Policy, date time.Time) []types.AssetScore {
	if s.whipsaw == nil || !policy.EnableWhipsawProtection {
		return scored
	}

	kept := make([]types.AssetScore, 0, len(scored))
	for _, a := range scored {
		if a.Priority == types.PriorityPortfolio {
			kept = append(kept, a)
			continue
		}
		ok, reason := s.whipsaw.CanOpen(a.Asset, date)
		if !ok {
			s.emit(events.CategoryProtection, events.TypeProtectionWhipsawBlock, a.Asset, "open", reason, date)
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

func (s *SelectionService) updateLifecycleTracking(scored []types.AssetScore, date time.Time) {
	if s.lifecycle == nil {
		return
	}
	for _, a := range scored {
		if a.Priority != types.PriorityPortfolio {
			continue
		}
		s.lifecycle.Update(a.Asset, date, a.Combined, a.PreviousAllocation, "score_update",
			fmt.Sprintf("score updated to %s", a.Combined.StringFixed(3)), false)
	}
}

func (s *SelectionService) emit(category events.Category, eventType events.Type, asset, action, reason string, date time.Time) {
	if s.sink == nil {
		return
	}
	s.sink.Emit(events.Event{
		Timestamp:     date,
		EventType:     eventType,
		EventCategory: category,
		Asset:         asset,
		Action:        action,
		Reason:        reason,
	})
}

func containsRegimeOverride(reason string) bool {
	const marker = "regime override"
	if len(reason) < len(marker) {
		return false
	}
	for i := 0; i+len(marker) <= len(reason); i++ {
		if reason[i:i+len(marker)] == marker {
			return true
		}
	}
	return false
}
