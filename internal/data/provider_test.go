package data_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/rebalancer/internal/data"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAssetReturnComputesCloseToCloseReturn(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveBars("AAPL", []data.Bar{
		{Timestamp: start, Close: decimal.NewFromInt(100)},
		{Timestamp: start.AddDate(0, 0, 10), Close: decimal.NewFromInt(110)},
	}))

	provider := data.NewProvider(zap.NewNop(), store)
	ret, ok := provider.AssetReturn("AAPL", start, start.AddDate(0, 0, 10))
	require.True(t, ok)
	require.True(t, ret.Equal(decimal.NewFromFloat(0.1)))
}

func TestAssetReturnIsUnavailableWithFewerThanTwoBars(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveBars("AAPL", []data.Bar{
		{Timestamp: start, Close: decimal.NewFromInt(100)},
	}))

	provider := data.NewProvider(zap.NewNop(), store)
	_, ok := provider.AssetReturn("AAPL", start, start)
	require.False(t, ok)
}

func TestAssetReturnIsUnavailableWhenFirstCloseIsZero(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveBars("ZERO", []data.Bar{
		{Timestamp: start, Close: decimal.Zero},
		{Timestamp: start.AddDate(0, 0, 1), Close: decimal.NewFromInt(5)},
	}))

	provider := data.NewProvider(zap.NewNop(), store)
	_, ok := provider.AssetReturn("ZERO", start, start.AddDate(0, 0, 1))
	require.False(t, ok)
}

func TestVolatilityAdjustedReturnScalesByInverseVolatility(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	closes := []int64{100, 102, 99, 105, 103, 108, 110}
	bars := make([]data.Bar, len(closes))
	for i, c := range closes {
		bars[i] = data.Bar{Timestamp: start.AddDate(0, 0, i), Close: decimal.NewFromInt(c)}
	}
	require.NoError(t, store.SaveBars("VOLT", bars))

	provider := data.NewProvider(zap.NewNop(), store)
	adjusted, ok := provider.VolatilityAdjustedReturn("VOLT", start, start.AddDate(0, 0, len(closes)-1))
	require.True(t, ok)
	require.False(t, adjusted.IsZero())
}

func TestVolatilityAdjustedReturnIsUnavailableWithTooFewBars(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveBars("THIN", []data.Bar{
		{Timestamp: start, Close: decimal.NewFromInt(100)},
		{Timestamp: start.AddDate(0, 0, 1), Close: decimal.NewFromInt(101)},
	}))

	provider := data.NewProvider(zap.NewNop(), store)
	_, ok := provider.VolatilityAdjustedReturn("THIN", start, start.AddDate(0, 0, 1))
	require.False(t, ok)
}
