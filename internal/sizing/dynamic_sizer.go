// Package sizing turns a scored, bucket-limited universe into concrete
// position-size percentages (spec §4.11, §4.12).
package sizing

import (
	"github.com/atlas-desktop/rebalancer/internal/rberrors"
	"github.com/atlas-desktop/rebalancer/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SizeCategory labels the multiplier tier an asset fell into during
// adaptive sizing (spec §4.11).
type SizeCategory string

const (
	CategoryMax        SizeCategory = "max"
	CategoryStandard   SizeCategory = "standard"
	CategoryHalf       SizeCategory = "half"
	CategoryLight      SizeCategory = "light"
	CategoryNoPosition SizeCategory = "none"
)

// Sized pairs a scored asset with the sizing decision made for it, kept
// alongside (rather than bolted onto) types.AssetScore so the sizing
// layer's bookkeeping doesn't leak into every other pipeline stage.
type Sized struct {
	Asset      types.AssetScore
	Category   SizeCategory
	Reason     string
	WasCapped  bool
	WasBoosted bool
}

var (
	incumbencyBoost = decimal.NewFromFloat(1.02)
)

// DynamicPositionSizer computes an initial per-asset size from a scored
// universe, before two-stage redistribution (spec §4.11).
type DynamicPositionSizer struct {
	logger *zap.Logger

	mode               types.SizingMode
	maxSinglePosition  decimal.Decimal
	targetAllocation   decimal.Decimal
	minPositionSize    decimal.Decimal
}

// NewDynamicPositionSizer validates bounds and constructs a sizer. A mode
// outside the known set, or an allocation/position bound outside (0,1],
// is a ConfigurationError: sizing cannot proceed with a nonsensical
// target.
func NewDynamicPositionSizer(logger *zap.Logger, mode types.SizingMode, maxSinglePosition, targetAllocation, minPositionSize decimal.Decimal) (*DynamicPositionSizer, error) {
	switch mode {
	case types.SizingAdaptive, types.SizingEqualWeight, types.SizingScoreWeight:
	default:
		return nil, &rberrors.ConfigurationError{Field: "sizing_mode", Reason: "unknown mode " + string(mode)}
	}
	if maxSinglePosition.LessThanOrEqual(decimal.Zero) || maxSinglePosition.GreaterThan(decimal.NewFromInt(1)) {
		return nil, &rberrors.ConfigurationError{Field: "max_single_position", Reason: "must be in (0, 1]"}
	}
	if targetAllocation.LessThanOrEqual(decimal.Zero) || targetAllocation.GreaterThan(decimal.NewFromInt(1)) {
		return nil, &rberrors.ConfigurationError{Field: "target_allocation", Reason: "must be in (0, 1]"}
	}
	if minPositionSize.LessThan(decimal.Zero) || minPositionSize.GreaterThan(maxSinglePosition) {
		return nil, &rberrors.ConfigurationError{Field: "min_position_size", Reason: "must be in [0, max_single_position]"}
	}
	return &DynamicPositionSizer{
		logger:            logger,
		mode:              mode,
		maxSinglePosition: maxSinglePosition,
		targetAllocation:  targetAllocation,
		minPositionSize:   minPositionSize,
	}, nil
}

// CalculateSizes sizes every asset per the configured mode, then applies
// the shared min/max constraint pass (spec §4.11).
func (s *DynamicPositionSizer) CalculateSizes(assets []types.AssetScore) []Sized {
	if len(assets) == 0 {
		return nil
	}

	var sized []Sized
	switch s.mode {
	case types.SizingEqualWeight:
		sized = s.equalWeight(assets)
	case types.SizingScoreWeight:
		sized = s.scoreWeighted(assets)
	default:
		sized = s.adaptive(assets)
	}

	constrained := s.applyConstraints(sized)
	s.logger.Debug("dynamic sizing complete",
		zap.String("mode", string(s.mode)),
		zap.Int("input", len(assets)),
		zap.Int("output", len(constrained)))
	return constrained
}

func (s *DynamicPositionSizer) adaptive(assets []types.AssetScore) []Sized {
	n := decimal.NewFromInt(int64(len(assets)))
	base := s.targetAllocation.Div(n)

	sized := make([]Sized, 0, len(assets))
	for _, asset := range assets {
		category, multiplier := scoreMultiplier(asset.Combined)
		raw := base.Mul(multiplier)
		reason := "adaptive: " + string(category)
		if asset.IsCurrentPosition {
			raw = raw.Mul(incumbencyBoost)
			reason += " + portfolio bias"
		}
		asset.PositionSize = raw
		sized = append(sized, Sized{Asset: asset, Category: category, Reason: reason})
	}
	normalizeToTarget(sized, s.targetAllocation)
	return sized
}

func (s *DynamicPositionSizer) equalWeight(assets []types.AssetScore) []Sized {
	n := decimal.NewFromInt(int64(len(assets)))
	equal := s.targetAllocation.Div(n)

	sized := make([]Sized, 0, len(assets))
	for _, asset := range assets {
		asset.PositionSize = equal
		sized = append(sized, Sized{Asset: asset, Category: CategoryStandard, Reason: "equal weight"})
	}
	return sized
}

func (s *DynamicPositionSizer) scoreWeighted(assets []types.AssetScore) []Sized {
	var total decimal.Decimal
	for _, asset := range assets {
		total = total.Add(asset.Combined)
	}
	if total.IsZero() {
		return s.equalWeight(assets)
	}

	sized := make([]Sized, 0, len(assets))
	for _, asset := range assets {
		weight := asset.Combined.Div(total)
		raw := s.targetAllocation.Mul(weight)
		asset.PositionSize = raw
		sized = append(sized, Sized{Asset: asset, Category: sizeCategoryFromAllocation(raw, s.targetAllocation), Reason: "score weighted"})
	}
	return sized
}

// scoreMultiplier maps a combined score to the category/multiplier table
// of spec §4.11.
func scoreMultiplier(combined decimal.Decimal) (SizeCategory, decimal.Decimal) {
	switch {
	case combined.GreaterThanOrEqual(decimal.NewFromFloat(0.9)):
		return CategoryMax, decimal.NewFromFloat(1.5)
	case combined.GreaterThanOrEqual(decimal.NewFromFloat(0.8)):
		return CategoryStandard, decimal.NewFromFloat(1.2)
	case combined.GreaterThanOrEqual(decimal.NewFromFloat(0.7)):
		return CategoryHalf, decimal.NewFromFloat(1.0)
	case combined.GreaterThanOrEqual(decimal.NewFromFloat(0.6)):
		return CategoryLight, decimal.NewFromFloat(0.8)
	default:
		return CategoryNoPosition, decimal.Zero
	}
}

func sizeCategoryFromAllocation(size, target decimal.Decimal) SizeCategory {
	switch {
	case size.GreaterThanOrEqual(target.Mul(decimal.NewFromFloat(0.15))):
		return CategoryMax
	case size.GreaterThanOrEqual(target.Mul(decimal.NewFromFloat(0.10))):
		return CategoryStandard
	case size.GreaterThanOrEqual(target.Mul(decimal.NewFromFloat(0.05))):
		return CategoryHalf
	default:
		return CategoryLight
	}
}

func normalizeToTarget(sized []Sized, target decimal.Decimal) {
	var total decimal.Decimal
	for _, s := range sized {
		total = total.Add(s.Asset.PositionSize)
	}
	if total.LessThanOrEqual(decimal.Zero) {
		return
	}
	scale := target.Div(total)
	for i := range sized {
		sized[i].Asset.PositionSize = sized[i].Asset.PositionSize.Mul(scale)
	}
}

// applyConstraints caps oversized positions, boosts undersized ones,
// drops zero-size ones, then renormalizes and re-checks the cap once
// (spec §4.11).
func (s *DynamicPositionSizer) applyConstraints(sized []Sized) []Sized {
	kept := make([]Sized, 0, len(sized))
	for _, entry := range sized {
		size := entry.Asset.PositionSize
		switch {
		case size.GreaterThan(s.maxSinglePosition):
			entry.Asset.PositionSize = s.maxSinglePosition
			entry.WasCapped = true
		case size.GreaterThan(decimal.Zero) && size.LessThan(s.minPositionSize):
			entry.Asset.PositionSize = s.minPositionSize
			entry.WasBoosted = true
		case size.LessThanOrEqual(decimal.Zero):
			continue
		}
		kept = append(kept, entry)
	}

	var total decimal.Decimal
	for _, entry := range kept {
		total = total.Add(entry.Asset.PositionSize)
	}
	if total.GreaterThan(decimal.Zero) {
		scale := s.targetAllocation.Div(total)
		for i := range kept {
			newSize := kept[i].Asset.PositionSize.Mul(scale)
			if newSize.GreaterThan(s.maxSinglePosition) {
				kept[i].Asset.PositionSize = s.maxSinglePosition
				kept[i].WasCapped = true
			} else {
				kept[i].Asset.PositionSize = newSize
			}
		}
	}
	return kept
}

