package protection_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/rebalancer/internal/protection"
	"github.com/atlas-desktop/rebalancer/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newWhipsawManager(t *testing.T) *protection.WhipsawProtectionManager {
	t.Helper()
	mgr, err := protection.NewWhipsawProtectionManager(zap.NewNop(), 1, 14, 4)
	require.NoError(t, err)
	return mgr
}

func TestNewWhipsawProtectionManagerRejectsInvalidBounds(t *testing.T) {
	_, err := protection.NewWhipsawProtectionManager(zap.NewNop(), 0, 14, 4)
	require.Error(t, err)

	_, err = protection.NewWhipsawProtectionManager(zap.NewNop(), 1, 400, 4)
	require.Error(t, err)

	_, err = protection.NewWhipsawProtectionManager(zap.NewNop(), 1, 14, 200)
	require.Error(t, err)
}

func TestCanOpenDeniesAlreadyActivePosition(t *testing.T) {
	mgr := newWhipsawManager(t)
	date := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	mgr.RecordEvent("AAPL", types.PositionEventOpen, date, decimal.NewFromFloat(0.1), "entry", nil)

	ok, reason := mgr.CanOpen("AAPL", date.Add(time.Hour))
	require.False(t, ok)
	require.Contains(t, reason, "already open")
}

func TestCanCloseDeniesBeforeMinimumDuration(t *testing.T) {
	mgr := newWhipsawManager(t)
	openDate := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	mgr.RecordEvent("AAPL", types.PositionEventOpen, openDate, decimal.NewFromFloat(0.1), "entry", nil)

	ok, reason := mgr.CanClose("AAPL", openDate, openDate.Add(2*time.Hour))
	require.False(t, ok)
	require.Contains(t, reason, "minimum")

	ok, _ = mgr.CanClose("AAPL", openDate, openDate.Add(5*time.Hour))
	require.True(t, ok)
}

func TestCanCloseAllowsUntrackedPosition(t *testing.T) {
	mgr := newWhipsawManager(t)
	ok, reason := mgr.CanClose("AAPL", time.Now(), time.Now())
	require.True(t, ok)
	require.Contains(t, reason, "not tracked")
}

func TestCompleteCycleBlocksSubsequentOpenWithinProtectionWindow(t *testing.T) {
	mgr := newWhipsawManager(t)
	openDate := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	closeDate := openDate.Add(6 * time.Hour)

	mgr.RecordEvent("AAPL", types.PositionEventOpen, openDate, decimal.NewFromFloat(0.1), "entry", nil)
	mgr.RecordEvent("AAPL", types.PositionEventClose, closeDate, decimal.NewFromFloat(0.1), "exit", nil)

	ok, reason := mgr.CanOpen("AAPL", closeDate.Add(24*time.Hour))
	require.False(t, ok)
	require.Contains(t, reason, "whipsaw protection")
}

func TestCanOpenAllowedAfterProtectionPeriodElapses(t *testing.T) {
	mgr := newWhipsawManager(t)
	openDate := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	closeDate := openDate.Add(6 * time.Hour)

	mgr.RecordEvent("AAPL", types.PositionEventOpen, openDate, decimal.NewFromFloat(0.1), "entry", nil)
	mgr.RecordEvent("AAPL", types.PositionEventClose, closeDate, decimal.NewFromFloat(0.1), "exit", nil)

	ok, _ := mgr.CanOpen("AAPL", closeDate.AddDate(0, 0, 15))
	require.True(t, ok, "cycle is outside the 14-day protection window")
}

func TestCleanExpiredEventsPrunesBeyondDoubleProtectionPeriod(t *testing.T) {
	mgr := newWhipsawManager(t)
	openDate := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	closeDate := openDate.Add(6 * time.Hour)
	mgr.RecordEvent("AAPL", types.PositionEventOpen, openDate, decimal.NewFromFloat(0.1), "entry", nil)
	mgr.RecordEvent("AAPL", types.PositionEventClose, closeDate, decimal.NewFromFloat(0.1), "exit", nil)

	removed := mgr.CleanExpiredEvents(openDate.AddDate(0, 0, 29))
	require.Equal(t, 2, removed, "both events exceed 2x the 14-day protection period")
}

func TestIsActiveReflectsOpenPositions(t *testing.T) {
	mgr := newWhipsawManager(t)
	require.False(t, mgr.IsActive("AAPL"))

	date := time.Now()
	mgr.RecordEvent("AAPL", types.PositionEventOpen, date, decimal.NewFromFloat(0.1), "entry", nil)
	require.True(t, mgr.IsActive("AAPL"))

	mgr.RecordEvent("AAPL", types.PositionEventClose, date.Add(5*time.Hour), decimal.NewFromFloat(0.1), "exit", nil)
	require.False(t, mgr.IsActive("AAPL"))
}
