package protection_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/rebalancer/internal/protection"
	"github.com/atlas-desktop/rebalancer/internal/regimectx"
	"github.com/atlas-desktop/rebalancer/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticRegimeSource struct {
	regime     types.RegimeKind
	transition *types.RegimeTransition
}

func (s *staticRegimeSource) CurrentRegime(time.Time) (types.RegimeKind, error) { return s.regime, nil }
func (s *staticRegimeSource) RecentTransition(time.Time) (*types.RegimeTransition, bool) {
	if s.transition == nil {
		return nil, false
	}
	return s.transition, true
}

func TestCanExecuteDeniesCoreAssetClose(t *testing.T) {
	core := protection.NewCoreAssetManager(zap.NewNop(), corePolicy(), nil, nil)
	date := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	core.MarkAsCore("AAPL", date, "high alpha", nil)

	orch := protection.NewOrchestrator(zap.NewNop(), core, nil, nil, nil, nil)
	decision := orch.CanExecute(protection.Request{Asset: "AAPL", Action: types.ActionClose, Date: date})
	require.False(t, decision.Approved)
	require.Contains(t, decision.BlockingSystems, "core_asset_immunity")
}

func TestCanExecuteCoreAssetImmunityIsNotOverrideable(t *testing.T) {
	core := protection.NewCoreAssetManager(zap.NewNop(), corePolicy(), nil, nil)
	date := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	core.MarkAsCore("AAPL", date, "high alpha", nil)

	source := &staticRegimeSource{regime: types.RegimeDeflation, transition: &types.RegimeTransition{
		From: types.RegimeGoldilocks, To: types.RegimeDeflation, Date: date, Severity: types.SeverityCritical,
	}}
	regime := regimectx.NewProvider(zap.NewNop(), source, time.Hour)

	orch := protection.NewOrchestrator(zap.NewNop(), core, nil, nil, nil, regime)
	decision := orch.CanExecute(protection.Request{Asset: "AAPL", Action: types.ActionDecrease, Date: date})
	require.False(t, decision.Approved, "even a critical regime transition cannot override core asset immunity")
}

func TestCanExecuteBlocksCloseDuringGracePeriod(t *testing.T) {
	grace, err := protection.NewGracePeriodManager(zap.NewNop(), 10, decimal.NewFromFloat(0.8), decimal.NewFromFloat(0.2))
	require.NoError(t, err)
	date := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	grace.HandleUnderperformer("AAPL", decimal.NewFromFloat(0.3), decimal.NewFromFloat(0.1), decimal.NewFromFloat(0.5), date)

	orch := protection.NewOrchestrator(zap.NewNop(), nil, grace, nil, nil, nil)
	decision := orch.CanExecute(protection.Request{Asset: "AAPL", Action: types.ActionClose, Date: date})
	require.False(t, decision.Approved)
	require.Contains(t, decision.BlockingSystems, "grace_period")
}

func TestCanExecuteGracePeriodOverriddenByCriticalRegime(t *testing.T) {
	grace, err := protection.NewGracePeriodManager(zap.NewNop(), 10, decimal.NewFromFloat(0.8), decimal.NewFromFloat(0.2))
	require.NoError(t, err)
	date := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	grace.HandleUnderperformer("AAPL", decimal.NewFromFloat(0.3), decimal.NewFromFloat(0.1), decimal.NewFromFloat(0.5), date)

	source := &staticRegimeSource{regime: types.RegimeDeflation, transition: &types.RegimeTransition{
		From: types.RegimeGoldilocks, To: types.RegimeDeflation, Date: date, Severity: types.SeverityCritical,
	}}
	regime := regimectx.NewProvider(zap.NewNop(), source, time.Hour)

	orch := protection.NewOrchestrator(zap.NewNop(), nil, grace, nil, nil, regime)
	decision := orch.CanExecute(protection.Request{Asset: "AAPL", Action: types.ActionClose, Date: date})
	require.True(t, decision.Approved)
	require.True(t, decision.OverrideApplied)
}

func TestCanExecuteBlocksOpenUnderWhipsawCycleLimit(t *testing.T) {
	whipsaw, err := protection.NewWhipsawProtectionManager(zap.NewNop(), 1, 14, 4)
	require.NoError(t, err)
	openDate := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	closeDate := openDate.Add(6 * time.Hour)
	whipsaw.RecordEvent("AAPL", types.PositionEventOpen, openDate, decimal.NewFromFloat(0.1), "entry", nil)
	whipsaw.RecordEvent("AAPL", types.PositionEventClose, closeDate, decimal.NewFromFloat(0.1), "exit", nil)

	orch := protection.NewOrchestrator(zap.NewNop(), nil, nil, nil, whipsaw, nil)
	decision := orch.CanExecute(protection.Request{Asset: "AAPL", Action: types.ActionOpen, Date: closeDate.AddDate(0, 0, 1)})
	require.False(t, decision.Approved)
	require.Contains(t, decision.BlockingSystems, "whipsaw_protection")
}

func TestCanExecuteApprovesWithNoGuardsConfigured(t *testing.T) {
	orch := protection.NewOrchestrator(zap.NewNop(), nil, nil, nil, nil, nil)
	decision := orch.CanExecute(protection.Request{Asset: "AAPL", Action: types.ActionOpen, Date: time.Now()})
	require.True(t, decision.Approved)
	require.Empty(t, decision.BlockingSystems)
}

func TestCanExecuteHoldingPeriodBlocksEarlyClose(t *testing.T) {
	holding, err := protection.NewHoldingPeriodManager(zap.NewNop(), 5, 90, 30)
	require.NoError(t, err)
	entry := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	holding.RecordEntry("AAPL", entry, decimal.NewFromFloat(0.1), "initial")

	orch := protection.NewOrchestrator(zap.NewNop(), nil, nil, holding, nil, nil)
	decision := orch.CanExecute(protection.Request{
		Asset: "AAPL", Action: types.ActionClose, Date: entry.AddDate(0, 0, 2), PositionEntryDate: &entry,
	})
	require.False(t, decision.Approved)
	require.Contains(t, decision.BlockingSystems, "holding_period")
}
