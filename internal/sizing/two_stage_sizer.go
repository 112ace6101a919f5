package sizing

import (
	"sort"

	"github.com/atlas-desktop/rebalancer/internal/rberrors"
	"github.com/atlas-desktop/rebalancer/pkg/types"
	"github.com/atlas-desktop/rebalancer/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// minAllocationGrain is the smallest distributable unit of allocation
// (spec §4.12): any residual slice below this is left unallocated rather
// than dribbled out.
var minAllocationGrain = decimal.NewFromFloat(0.001)

// TwoStageResult is the outcome of TwoStagePositionSizer.Apply.
type TwoStageResult struct {
	Sized              []Sized
	Stage1CappedCount  int
	Stage2CappedCount  int
	TotalAllocated     decimal.Decimal
	ResidualUnallocated decimal.Decimal
	ResidualStrategyUsed types.ResidualStrategy
}

// TwoStagePositionSizer redistributes allocation mass away from
// individually-capped positions and resolves whatever residual remains
// (spec §4.12). Its own maxSinglePosition may be stricter than the one
// DynamicPositionSizer already applied.
type TwoStagePositionSizer struct {
	logger *zap.Logger

	maxSinglePosition decimal.Decimal
	targetAllocation  decimal.Decimal
	residualStrategy  types.ResidualStrategy
	maxResidualPerAsset decimal.Decimal
}

// NewTwoStagePositionSizer validates bounds and constructs a sizer.
func NewTwoStagePositionSizer(logger *zap.Logger, maxSinglePosition, targetAllocation decimal.Decimal, residualStrategy types.ResidualStrategy, maxResidualPerAsset decimal.Decimal) (*TwoStagePositionSizer, error) {
	switch residualStrategy {
	case types.ResidualSafeTopSlice, types.ResidualProportional, types.ResidualCashBucket:
	default:
		return nil, &rberrors.ConfigurationError{Field: "residual_strategy", Reason: "unknown strategy " + string(residualStrategy)}
	}
	if maxSinglePosition.LessThanOrEqual(decimal.Zero) || maxSinglePosition.GreaterThan(decimal.NewFromInt(1)) {
		return nil, &rberrors.ConfigurationError{Field: "max_single_position", Reason: "must be in (0, 1]"}
	}
	if targetAllocation.LessThanOrEqual(decimal.Zero) || targetAllocation.GreaterThan(decimal.NewFromInt(1)) {
		return nil, &rberrors.ConfigurationError{Field: "target_allocation", Reason: "must be in (0, 1]"}
	}
	return &TwoStagePositionSizer{
		logger:              logger,
		maxSinglePosition:   maxSinglePosition,
		targetAllocation:    targetAllocation,
		residualStrategy:    residualStrategy,
		maxResidualPerAsset: maxResidualPerAsset,
	}, nil
}

// Apply runs stage1 caps, stage2 redistribution, and stage3 residual
// handling over assets already sized by DynamicPositionSizer (spec §4.12).
func (s *TwoStagePositionSizer) Apply(sized []Sized) TwoStageResult {
	if len(sized) == 0 {
		return TwoStageResult{}
	}

	capped, uncapped, stage1Capped := s.stage1ApplyCaps(sized)
	remaining := s.stage2Distribute(capped, uncapped)
	stage2Capped := 0
	for _, entry := range uncapped {
		if entry.stage2Capped {
			stage2Capped++
		}
	}

	all := append(capped, uncapped...)
	strategyUsed := types.ResidualStrategy("")
	if remaining.GreaterThan(decimal.NewFromFloat(0.01)) {
		strategyUsed = s.residualStrategy
		all, remaining = s.stage3HandleResidual(all, remaining)
	}

	var total decimal.Decimal
	out := make([]Sized, 0, len(all))
	for _, entry := range all {
		total = total.Add(entry.sized.Asset.PositionSize)
		out = append(out, entry.sized)
	}

	s.logger.Debug("two-stage sizing complete",
		zap.Int("stage1_capped", stage1Capped),
		zap.Int("stage2_capped", stage2Capped),
		zap.String("residual_strategy", string(strategyUsed)),
		zap.String("total_allocated", total.String()))

	return TwoStageResult{
		Sized:               out,
		Stage1CappedCount:   stage1Capped,
		Stage2CappedCount:   stage2Capped,
		TotalAllocated:      total,
		ResidualUnallocated: remaining,
		ResidualStrategyUsed: strategyUsed,
	}
}

// stageEntry carries the per-asset sizing state across the three stages
// without mutating the caller's Sized slice element order.
type stageEntry struct {
	sized        Sized
	stage1Capped bool
	stage2Capped bool
}

func (s *TwoStagePositionSizer) stage1ApplyCaps(sized []Sized) (capped, uncapped []stageEntry, count int) {
	for _, entry := range sized {
		size := entry.Asset.PositionSize
		if size.GreaterThan(s.maxSinglePosition) {
			entry.Asset.PositionSize = s.maxSinglePosition
			entry.WasCapped = true
			capped = append(capped, stageEntry{sized: entry, stage1Capped: true})
			count++
			continue
		}
		uncapped = append(uncapped, stageEntry{sized: entry})
	}
	return capped, uncapped, count
}

func (s *TwoStagePositionSizer) stage2Distribute(capped, uncapped []stageEntry) decimal.Decimal {
	var totalCapped decimal.Decimal
	for _, entry := range capped {
		totalCapped = totalCapped.Add(entry.sized.Asset.PositionSize)
	}
	remaining := utils.MaxDecimal(decimal.Zero, s.targetAllocation.Sub(totalCapped))

	if len(uncapped) == 0 {
		return remaining
	}
	if remaining.LessThanOrEqual(decimal.Zero) {
		for i := range uncapped {
			uncapped[i].sized.Asset.PositionSize = decimal.Zero
		}
		return decimal.Zero
	}

	var totalUncapped decimal.Decimal
	for _, entry := range uncapped {
		totalUncapped = totalUncapped.Add(entry.sized.Asset.PositionSize)
	}
	if totalUncapped.GreaterThan(decimal.Zero) {
		scale := remaining.Div(totalUncapped)
		for i := range uncapped {
			newSize := uncapped[i].sized.Asset.PositionSize.Mul(scale)
			if newSize.GreaterThan(s.maxSinglePosition) {
				uncapped[i].sized.Asset.PositionSize = s.maxSinglePosition
				uncapped[i].sized.WasCapped = true
				uncapped[i].stage2Capped = true
			} else {
				uncapped[i].sized.Asset.PositionSize = newSize
			}
		}
	}

	var finalTotal decimal.Decimal
	for _, entry := range capped {
		finalTotal = finalTotal.Add(entry.sized.Asset.PositionSize)
	}
	for _, entry := range uncapped {
		finalTotal = finalTotal.Add(entry.sized.Asset.PositionSize)
	}
	return utils.MaxDecimal(decimal.Zero, s.targetAllocation.Sub(finalTotal))
}

func (s *TwoStagePositionSizer) stage3HandleResidual(all []stageEntry, residual decimal.Decimal) ([]stageEntry, decimal.Decimal) {
	if residual.LessThanOrEqual(decimal.NewFromFloat(0.01)) {
		return all, residual
	}
	switch s.residualStrategy {
	case types.ResidualProportional:
		return all, s.applyProportional(all, residual)
	case types.ResidualCashBucket:
		return s.applyCashBucket(all, residual)
	default:
		return all, s.applySafeTopSlice(all, residual)
	}
}

// applySafeTopSlice distributes residual across the top three uncapped
// assets by score, each bounded by headroom and maxResidualPerAsset
// (spec §4.12).
func (s *TwoStagePositionSizer) applySafeTopSlice(all []stageEntry, residual decimal.Decimal) decimal.Decimal {
	var uncappedIdx []int
	for i, entry := range all {
		if !entry.stage1Capped && !entry.stage2Capped {
			uncappedIdx = append(uncappedIdx, i)
		}
	}
	if len(uncappedIdx) == 0 {
		_, remaining := s.applyCashBucket(all, residual)
		return remaining
	}

	sort.Slice(uncappedIdx, func(a, b int) bool {
		return all[uncappedIdx[a]].sized.Asset.Combined.GreaterThan(all[uncappedIdx[b]].sized.Asset.Combined)
	})
	top := uncappedIdx
	if len(top) > 3 {
		top = top[:3]
	}

	perPosition := residual.Div(decimal.NewFromInt(int64(len(top))))
	var allocated decimal.Decimal
	for _, idx := range top {
		current := all[idx].sized.Asset.PositionSize
		headroom := s.maxSinglePosition.Sub(current)
		safe := utils.MinDecimal(perPosition, utils.MinDecimal(headroom, s.maxResidualPerAsset))
		if safe.GreaterThan(minAllocationGrain) {
			all[idx].sized.Asset.PositionSize = current.Add(safe)
			allocated = allocated.Add(safe)
		}
	}
	return residual.Sub(allocated)
}

// applyProportional distributes residual to every asset in proportion to
// its current size, respecting each one's headroom (spec §4.12).
func (s *TwoStagePositionSizer) applyProportional(all []stageEntry, residual decimal.Decimal) decimal.Decimal {
	var total decimal.Decimal
	for _, entry := range all {
		total = total.Add(entry.sized.Asset.PositionSize)
	}
	if total.LessThanOrEqual(decimal.Zero) {
		return residual
	}

	var allocated decimal.Decimal
	for i := range all {
		current := all[i].sized.Asset.PositionSize
		share := residual.Mul(current.Div(total))
		headroom := s.maxSinglePosition.Sub(current)
		safe := utils.MinDecimal(share, headroom)
		if safe.GreaterThan(minAllocationGrain) {
			all[i].sized.Asset.PositionSize = current.Add(safe)
			allocated = allocated.Add(safe)
		}
	}
	return residual.Sub(allocated)
}

// applyCashBucket parks the entire residual in a synthetic cash position
// rather than distributing it across real assets (spec §4.12).
func (s *TwoStagePositionSizer) applyCashBucket(all []stageEntry, residual decimal.Decimal) ([]stageEntry, decimal.Decimal) {
	cash := Sized{
		Asset: types.AssetScore{
			Asset:        types.CashEquivalentAsset,
			Confidence:   decimal.NewFromInt(1),
			PositionSize: residual,
		},
		Category: CategoryStandard,
		Reason:   "cash bucket residual",
	}
	all = append(all, stageEntry{sized: cash})
	return all, decimal.Zero
}
