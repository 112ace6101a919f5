package protection_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/rebalancer/internal/protection"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newGraceManager(t *testing.T) *protection.GracePeriodManager {
	t.Helper()
	mgr, err := protection.NewGracePeriodManager(zap.NewNop(), 10, decimal.NewFromFloat(0.8), decimal.NewFromFloat(0.2))
	require.NoError(t, err)
	return mgr
}

func TestNewGracePeriodManagerRejectsOutOfBoundsConfig(t *testing.T) {
	_, err := protection.NewGracePeriodManager(zap.NewNop(), 0, decimal.NewFromFloat(0.8), decimal.NewFromFloat(0.2))
	require.Error(t, err)

	_, err = protection.NewGracePeriodManager(zap.NewNop(), 10, decimal.NewFromFloat(1.5), decimal.NewFromFloat(0.2))
	require.Error(t, err)

	_, err = protection.NewGracePeriodManager(zap.NewNop(), 10, decimal.NewFromFloat(0.8), decimal.NewFromFloat(0.9))
	require.Error(t, err)
}

func TestHandleUnderperformerHoldsWhenAboveThreshold(t *testing.T) {
	mgr := newGraceManager(t)
	date := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	action := mgr.HandleUnderperformer("AAPL", decimal.NewFromFloat(0.6), decimal.NewFromFloat(0.1), decimal.NewFromFloat(0.5), date)
	require.Equal(t, "hold", action.Action)
	require.False(t, mgr.IsInGracePeriod("AAPL", date))
}

func TestHandleUnderperformerStartsGracePeriod(t *testing.T) {
	mgr := newGraceManager(t)
	date := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	action := mgr.HandleUnderperformer("AAPL", decimal.NewFromFloat(0.4), decimal.NewFromFloat(0.1), decimal.NewFromFloat(0.5), date)
	require.Equal(t, "grace_start", action.Action)
	require.True(t, action.NewSize.Equal(decimal.NewFromFloat(0.1)))
	require.True(t, mgr.IsInGracePeriod("AAPL", date))

	pos, ok := mgr.GracePosition("AAPL")
	require.True(t, ok)
	require.True(t, pos.OriginalSize.Equal(decimal.NewFromFloat(0.1)))
}

func TestHandleUnderperformerDecaysWithFloor(t *testing.T) {
	mgr := newGraceManager(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr.HandleUnderperformer("AAPL", decimal.NewFromFloat(0.4), decimal.NewFromFloat(1.0), decimal.NewFromFloat(0.5), start)

	// 5 days later: decay factor 0.8^5 = 0.32768, well above the 0.2 floor.
	day5 := start.AddDate(0, 0, 5)
	action := mgr.HandleUnderperformer("AAPL", decimal.NewFromFloat(0.4), decimal.NewFromFloat(1.0), decimal.NewFromFloat(0.5), day5)
	require.Equal(t, "grace_decay", action.Action)
	require.Equal(t, 5, action.DaysInGrace)
	expected := decimal.NewFromFloat(0.8).Pow(decimal.NewFromInt(5)).Round(6)
	require.True(t, action.NewSize.Equal(expected), "expected %s got %s", expected, action.NewSize)

	// 9 days later: decay factor 0.8^9 ~= 0.134, below the 0.2 floor, so the
	// floor applies instead.
	day9 := start.AddDate(0, 0, 9)
	action = mgr.HandleUnderperformer("AAPL", decimal.NewFromFloat(0.4), decimal.NewFromFloat(1.0), decimal.NewFromFloat(0.5), day9)
	require.Equal(t, "grace_decay", action.Action)
	require.True(t, action.NewSize.Equal(decimal.NewFromFloat(0.2)), "floor should clamp decay, got %s", action.NewSize)
}

func TestHandleUnderperformerForceClosesAtExpiry(t *testing.T) {
	mgr := newGraceManager(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr.HandleUnderperformer("AAPL", decimal.NewFromFloat(0.4), decimal.NewFromFloat(1.0), decimal.NewFromFloat(0.5), start)

	expiry := start.AddDate(0, 0, 10)
	action := mgr.HandleUnderperformer("AAPL", decimal.NewFromFloat(0.4), decimal.NewFromFloat(1.0), decimal.NewFromFloat(0.5), expiry)
	require.Equal(t, "force_close", action.Action)
	require.True(t, action.ForceClose)
	require.True(t, action.NewSize.IsZero())
	require.False(t, mgr.IsInGracePeriod("AAPL", expiry))
}

func TestHandleUnderperformerRecoversAboveThreshold(t *testing.T) {
	mgr := newGraceManager(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr.HandleUnderperformer("AAPL", decimal.NewFromFloat(0.4), decimal.NewFromFloat(1.0), decimal.NewFromFloat(0.5), start)

	recoveryDate := start.AddDate(0, 0, 3)
	action := mgr.HandleUnderperformer("AAPL", decimal.NewFromFloat(0.6), decimal.NewFromFloat(1.0), decimal.NewFromFloat(0.5), recoveryDate)
	require.Equal(t, "grace_recovery", action.Action)
	require.True(t, action.RecoveryDetected)
	require.Equal(t, 3, action.DaysInGrace)
	require.False(t, mgr.IsInGracePeriod("AAPL", recoveryDate))
}

func TestCleanExpiredRemovesOnlyElapsedPositions(t *testing.T) {
	mgr := newGraceManager(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr.HandleUnderperformer("AAPL", decimal.NewFromFloat(0.4), decimal.NewFromFloat(1.0), decimal.NewFromFloat(0.5), start)
	mgr.HandleUnderperformer("MSFT", decimal.NewFromFloat(0.4), decimal.NewFromFloat(1.0), decimal.NewFromFloat(0.5), start.AddDate(0, 0, 8))

	removed := mgr.CleanExpired(start.AddDate(0, 0, 10))
	require.Equal(t, 1, removed, "only AAPL's 10-day window has elapsed")
	require.False(t, mgr.IsInGracePeriod("AAPL", start.AddDate(0, 0, 10)))
	require.True(t, mgr.IsInGracePeriod("MSFT", start.AddDate(0, 0, 10)))
}
