package regimectx_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/rebalancer/internal/regimectx"
	"github.com/atlas-desktop/rebalancer/pkg/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRegimeSource struct {
	regime     types.RegimeKind
	transition *types.RegimeTransition
}

func (f *fakeRegimeSource) CurrentRegime(time.Time) (types.RegimeKind, error) { return f.regime, nil }
func (f *fakeRegimeSource) RecentTransition(time.Time) (*types.RegimeTransition, bool) {
	if f.transition == nil {
		return nil, false
	}
	return f.transition, true
}

func TestGetContextNoTransitionDeniesAllOverrides(t *testing.T) {
	source := &fakeRegimeSource{regime: types.RegimeGoldilocks}
	provider := regimectx.NewProvider(zap.NewNop(), source, time.Hour)

	ctx, err := provider.GetContext(time.Now())
	require.NoError(t, err)
	require.Nil(t, ctx.RecentTransition)
	for protection, allowed := range ctx.OverridePermissions {
		require.False(t, allowed, "protection %s should not be overridable with no transition", protection)
	}
}

func TestGetContextHighSeverityPermitsSubsetOfProtections(t *testing.T) {
	date := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	source := &fakeRegimeSource{
		regime: types.RegimeDeflation,
		transition: &types.RegimeTransition{
			From: types.RegimeGoldilocks, To: types.RegimeDeflation, Date: date, Severity: types.SeverityHigh,
		},
	}
	provider := regimectx.NewProvider(zap.NewNop(), source, time.Hour)

	ctx, err := provider.GetContext(date)
	require.NoError(t, err)
	require.True(t, ctx.OverridePermissions["grace_period"])
	require.True(t, ctx.OverridePermissions["holding_period"])
	require.True(t, ctx.OverridePermissions["core_asset_designation"])
	require.False(t, ctx.OverridePermissions["whipsaw_protection"], "high severity does not unlock whipsaw protection")
	require.False(t, ctx.OverridePermissions["bucket_limits"], "high severity does not unlock bucket limits")
}

func TestGetContextCriticalSeverityPermitsAllProtections(t *testing.T) {
	date := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	source := &fakeRegimeSource{
		regime: types.RegimeDeflation,
		transition: &types.RegimeTransition{
			From: types.RegimeGoldilocks, To: types.RegimeDeflation, Date: date, Severity: types.SeverityCritical,
		},
	}
	provider := regimectx.NewProvider(zap.NewNop(), source, time.Hour)

	ctx, err := provider.GetContext(date)
	require.NoError(t, err)
	for protection, allowed := range ctx.OverridePermissions {
		require.True(t, allowed, "protection %s should be overridable under critical severity", protection)
	}
}

func TestCanOverrideReportsReason(t *testing.T) {
	date := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	source := &fakeRegimeSource{
		regime: types.RegimeDeflation,
		transition: &types.RegimeTransition{
			From: types.RegimeGoldilocks, To: types.RegimeDeflation, Date: date, Severity: types.SeverityHigh,
		},
	}
	provider := regimectx.NewProvider(zap.NewNop(), source, time.Hour)

	ok, reason := provider.CanOverride("whipsaw_protection", date)
	require.False(t, ok)
	require.Contains(t, reason, "insufficient")

	ok, _ = provider.CanOverride("grace_period", date)
	require.True(t, ok)
}

func TestGetContextCachesWithinTTL(t *testing.T) {
	date := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	source := &fakeRegimeSource{regime: types.RegimeGoldilocks}
	provider := regimectx.NewProvider(zap.NewNop(), source, time.Hour)

	first, err := provider.GetContext(date)
	require.NoError(t, err)

	source.regime = types.RegimeInflation
	second, err := provider.GetContext(date.Add(30 * time.Minute))
	require.NoError(t, err)
	require.Equal(t, first.CurrentRegime, second.CurrentRegime, "within the cache TTL, the stale regime is returned")

	third, err := provider.GetContext(date.Add(2 * time.Hour))
	require.NoError(t, err)
	require.Equal(t, types.RegimeInflation, third.CurrentRegime, "past the cache TTL, the fresh regime must be reflected")
}

func TestAsRegimeContextProjectsTransition(t *testing.T) {
	date := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	ctx := regimectx.Context{
		RecentTransition: &types.RegimeTransition{
			From: types.RegimeGoldilocks, To: types.RegimeDeflation, Date: date, Severity: types.SeverityCritical,
		},
	}
	rc := ctx.AsRegimeContext()
	require.True(t, rc.RegimeChanged)
	require.Equal(t, types.RegimeGoldilocks, rc.OldRegime)
	require.Equal(t, types.RegimeDeflation, rc.NewRegime)
	require.Equal(t, types.SeverityCritical, rc.RegimeSeverity)
}
