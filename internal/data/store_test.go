package data_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/rebalancer/internal/data"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewStoreCreatesDataDirectory(t *testing.T) {
	dir := t.TempDir() + "/nested"
	store, err := data.NewStore(zap.NewNop(), dir)
	require.NoError(t, err)
	require.NotNil(t, store)
}

func TestSaveBarsThenLoadBarsRoundTrips(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []data.Bar{
		{Timestamp: start, Open: decimal.NewFromInt(100), High: decimal.NewFromInt(105), Low: decimal.NewFromInt(98), Close: decimal.NewFromInt(102), Volume: decimal.NewFromInt(1000)},
		{Timestamp: start.AddDate(0, 0, 1), Open: decimal.NewFromInt(102), High: decimal.NewFromInt(108), Low: decimal.NewFromInt(101), Close: decimal.NewFromInt(107), Volume: decimal.NewFromInt(1200)},
	}
	require.NoError(t, store.SaveBars("AAPL", bars))

	loaded, err := store.LoadBars("AAPL", start, start.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.True(t, loaded[1].Close.Equal(decimal.NewFromInt(107)))
}

func TestLoadBarsFiltersToRequestedWindow(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]data.Bar, 0, 10)
	for i := 0; i < 10; i++ {
		bars = append(bars, data.Bar{
			Timestamp: start.AddDate(0, 0, i),
			Close:     decimal.NewFromInt(int64(100 + i)),
		})
	}
	require.NoError(t, store.SaveBars("MSFT", bars))

	window, err := store.LoadBars("MSFT", start.AddDate(0, 0, 2), start.AddDate(0, 0, 4))
	require.NoError(t, err)
	require.Len(t, window, 3)
	require.True(t, window[0].Close.Equal(decimal.NewFromInt(102)))
}

func TestLoadBarsGeneratesDeterministicSeriesWhenFileMissing(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)

	first, err := store.LoadBars("NEWASSET", start, end)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	store.ClearCache()
	second, err := store.LoadBars("NEWASSET", start, end)
	require.NoError(t, err)
	require.Equal(t, len(first), len(second))
	require.True(t, first[0].Close.Equal(second[0].Close), "placeholder series must be deterministic across cache misses")
}

func TestClearCacheForcesReload(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveBars("AAPL", []data.Bar{
		{Timestamp: start, Close: decimal.NewFromInt(100)},
	}))

	store.ClearCache()
	loaded, err := store.LoadBars("AAPL", start, start)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
}
