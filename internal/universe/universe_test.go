package universe_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/rebalancer/internal/universe"
	"github.com/atlas-desktop/rebalancer/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDetector struct {
	regime     types.RegimeKind
	regimeErr  error
	buckets    []string
	candidates []universe.TrendingCandidate
	scanErr    error
}

func (f *fakeDetector) CurrentRegime(time.Time) (types.RegimeKind, error) {
	return f.regime, f.regimeErr
}
func (f *fakeDetector) RegimeBuckets(types.RegimeKind) []string { return f.buckets }
func (f *fakeDetector) TrendingAssets(time.Time, []string, decimal.Decimal) ([]universe.TrendingCandidate, error) {
	return f.candidates, f.scanErr
}

type fakeBuckets struct{ assets []string }

func (f *fakeBuckets) AssetsInBuckets([]string) []string { return f.assets }

func TestBuildAlwaysIncludesPortfolio(t *testing.T) {
	detector := &fakeDetector{regime: types.RegimeGoldilocks, buckets: []string{"Risk Assets"}}
	buckets := &fakeBuckets{assets: []string{"SPY", "QQQ"}}
	builder := universe.NewBuilder(zap.NewNop(), detector, buckets)

	current := map[string]decimal.Decimal{"BTC": decimal.NewFromFloat(0.1)}
	u, err := builder.Build(time.Now(), current, nil, nil, decimal.NewFromFloat(0.9))
	require.NoError(t, err)

	_, ok := u.Combined["BTC"]
	require.True(t, ok, "portfolio asset must always be in combined universe")
	require.Equal(t, types.PriorityPortfolio, u.Priority("BTC"))
}

func TestBuildFallsBackOnUnknownRegime(t *testing.T) {
	detector := &fakeDetector{regimeErr: assertErr{}}
	builder := universe.NewBuilder(zap.NewNop(), detector, &fakeBuckets{})

	u, err := builder.Build(time.Now(), nil, nil, nil, decimal.NewFromFloat(0.7))
	require.NoError(t, err)
	require.Equal(t, universe.DefaultRegime, u.Regime)
}

func TestBuildFiltersTrendingByConfidence(t *testing.T) {
	detector := &fakeDetector{
		regime:  types.RegimeReflation,
		buckets: []string{"Risk Assets"},
		candidates: []universe.TrendingCandidate{
			{Asset: "HIGH", Confidence: decimal.NewFromFloat(0.9)},
			{Asset: "LOW", Confidence: decimal.NewFromFloat(0.3)},
		},
	}
	builder := universe.NewBuilder(zap.NewNop(), detector, &fakeBuckets{assets: []string{"HIGH", "LOW"}})

	u, err := builder.Build(time.Now(), nil, nil, nil, decimal.NewFromFloat(0.7))
	require.NoError(t, err)

	_, highIn := u.Trending["HIGH"]
	_, lowIn := u.Trending["LOW"]
	require.True(t, highIn)
	require.False(t, lowIn)
}

type assertErr struct{}

func (assertErr) Error() string { return "regime detection unavailable" }
