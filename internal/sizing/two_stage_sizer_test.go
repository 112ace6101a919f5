package sizing_test

import (
	"testing"

	"github.com/atlas-desktop/rebalancer/internal/sizing"
	"github.com/atlas-desktop/rebalancer/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTwoStageSizer(t *testing.T, strategy types.ResidualStrategy) *sizing.TwoStagePositionSizer {
	t.Helper()
	s, err := sizing.NewTwoStagePositionSizer(zap.NewNop(),
		decimal.NewFromFloat(0.15), decimal.NewFromFloat(0.95), strategy, decimal.NewFromFloat(0.05))
	require.NoError(t, err)
	return s
}

func sizedAsset(name string, combined, size float64) sizing.Sized {
	return sizing.Sized{Asset: types.AssetScore{Asset: name, Combined: decimal.NewFromFloat(combined), PositionSize: decimal.NewFromFloat(size)}}
}

func TestNewTwoStagePositionSizerRejectsUnknownStrategy(t *testing.T) {
	_, err := sizing.NewTwoStagePositionSizer(zap.NewNop(),
		decimal.NewFromFloat(0.15), decimal.NewFromFloat(0.95), types.ResidualStrategy("bogus"), decimal.NewFromFloat(0.05))
	require.Error(t, err)
}

func TestApplyStage1CapsOversizedPositions(t *testing.T) {
	s := newTwoStageSizer(t, types.ResidualSafeTopSlice)
	input := []sizing.Sized{
		sizedAsset("AAPL", 0.9, 0.25),
		sizedAsset("MSFT", 0.8, 0.10),
	}

	result := s.Apply(input)
	require.Equal(t, 1, result.Stage1CappedCount)

	for _, entry := range result.Sized {
		if entry.Asset.Asset == "AAPL" {
			require.True(t, entry.Asset.PositionSize.Equal(decimal.NewFromFloat(0.15)))
		}
	}
}

func TestApplyStage2RedistributesToUncapped(t *testing.T) {
	s, err := sizing.NewTwoStagePositionSizer(zap.NewNop(),
		decimal.NewFromFloat(0.5), decimal.NewFromFloat(0.95), types.ResidualSafeTopSlice, decimal.NewFromFloat(0.05))
	require.NoError(t, err)
	input := []sizing.Sized{
		sizedAsset("AAPL", 0.9, 0.6), // capped to 0.5, leaving ample room for the rest to grow
		sizedAsset("MSFT", 0.8, 0.10),
		sizedAsset("GOOG", 0.7, 0.05),
	}

	result := s.Apply(input)
	var msftSize decimal.Decimal
	for _, entry := range result.Sized {
		if entry.Asset.Asset == "MSFT" {
			msftSize = entry.Asset.PositionSize
		}
	}
	require.True(t, msftSize.GreaterThan(decimal.NewFromFloat(0.10)), "uncapped asset should grow to absorb freed allocation")
}

func TestApplySafeTopSliceDistributesResidualToTopScorers(t *testing.T) {
	s, err := sizing.NewTwoStagePositionSizer(zap.NewNop(),
		decimal.NewFromFloat(0.30), decimal.NewFromFloat(0.95), types.ResidualSafeTopSlice, decimal.NewFromFloat(0.05))
	require.NoError(t, err)
	input := []sizing.Sized{
		sizedAsset("BIG", 0.9, 0.60), // stage1-capped to 0.30, frees allocation for the rest
		sizedAsset("MID", 0.8, 0.15), // stage2-capped to 0.30 while scaling, not eligible for stage3 top-up
		sizedAsset("SML", 0.7, 0.05), // stays under cap, eligible for stage3 top-up
	}

	result := s.Apply(input)
	require.Equal(t, types.ResidualSafeTopSlice, result.ResidualStrategyUsed)

	var midSize, smlSize decimal.Decimal
	for _, entry := range result.Sized {
		switch entry.Asset.Asset {
		case "MID":
			midSize = entry.Asset.PositionSize
		case "SML":
			smlSize = entry.Asset.PositionSize
		}
	}
	require.True(t, midSize.GreaterThan(decimal.NewFromFloat(0.15)), "asset capped during stage2 keeps its grown stage2 size")
	require.True(t, smlSize.GreaterThan(decimal.NewFromFloat(0.05)), "remaining uncapped asset should receive residual")
}

func TestApplyCashBucketCreatesSyntheticPosition(t *testing.T) {
	s := newTwoStageSizer(t, types.ResidualCashBucket)
	input := []sizing.Sized{
		sizedAsset("AAPL", 0.9, 0.15),
		sizedAsset("MSFT", 0.8, 0.15),
	}

	result := s.Apply(input)
	var foundCash bool
	for _, entry := range result.Sized {
		if entry.Asset.Asset == types.CashEquivalentAsset {
			foundCash = true
			require.True(t, entry.Asset.PositionSize.GreaterThan(decimal.Zero))
		}
	}
	require.True(t, foundCash)
	require.True(t, result.ResidualUnallocated.IsZero())
}

func TestApplyProportionalRespectsPerAssetHeadroom(t *testing.T) {
	s, err := sizing.NewTwoStagePositionSizer(zap.NewNop(),
		decimal.NewFromFloat(0.30), decimal.NewFromFloat(0.95), types.ResidualProportional, decimal.NewFromFloat(0.05))
	require.NoError(t, err)
	input := []sizing.Sized{
		sizedAsset("BIG", 0.9, 0.60), // stage1-capped to 0.30, no headroom left
		sizedAsset("MID", 0.8, 0.10), // stage2-capped to 0.30 while scaling, no headroom left
		sizedAsset("SML", 0.7, 0.05), // stays under cap through stage2, has headroom for stage3
	}

	result := s.Apply(input)
	var bigSize, midSize, smlSize decimal.Decimal
	for _, entry := range result.Sized {
		switch entry.Asset.Asset {
		case "BIG":
			bigSize = entry.Asset.PositionSize
		case "MID":
			midSize = entry.Asset.PositionSize
		case "SML":
			smlSize = entry.Asset.PositionSize
		}
	}
	require.True(t, bigSize.Equal(decimal.NewFromFloat(0.30)), "capped asset has no headroom to receive residual")
	require.True(t, midSize.Equal(decimal.NewFromFloat(0.30)), "asset capped during stage2 has no headroom to receive residual")
	require.True(t, smlSize.GreaterThan(decimal.NewFromFloat(0.2167)), "uncapped asset should receive a proportional share of the residual on top of its stage2 size")
}

func TestApplyWithEmptyInputReturnsZeroResult(t *testing.T) {
	s := newTwoStageSizer(t, types.ResidualSafeTopSlice)
	result := s.Apply(nil)
	require.Empty(t, result.Sized)
	require.True(t, result.TotalAllocated.IsZero())
}

func TestApplyWithAllPositionsCappedFallsBackToCashBucket(t *testing.T) {
	s := newTwoStageSizer(t, types.ResidualSafeTopSlice)
	input := []sizing.Sized{
		sizedAsset("AAPL", 0.9, 0.15),
		sizedAsset("MSFT", 0.8, 0.15),
	}
	// Force both into stage1-capped territory so no uncapped asset remains
	// for safe_top_slice to grow.
	input[0].Asset.PositionSize = decimal.NewFromFloat(0.20)
	input[1].Asset.PositionSize = decimal.NewFromFloat(0.20)

	result := s.Apply(input)
	require.Equal(t, 2, result.Stage1CappedCount)

	var foundCash bool
	for _, entry := range result.Sized {
		if entry.Asset.Asset == types.CashEquivalentAsset {
			foundCash = true
		}
	}
	require.True(t, foundCash, "residual with no uncapped recipients should fall back to cash bucket")
}
