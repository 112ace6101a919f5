package rebalancer_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/rebalancer/internal/diversification"
	"github.com/atlas-desktop/rebalancer/internal/events"
	"github.com/atlas-desktop/rebalancer/internal/protection"
	"github.com/atlas-desktop/rebalancer/internal/rebalancer"
	"github.com/atlas-desktop/rebalancer/internal/scoring"
	"github.com/atlas-desktop/rebalancer/internal/universe"
	"github.com/atlas-desktop/rebalancer/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestBucketOverrideAutoPromotesToCore exercises the engine end to end
// with a bucket already full at its limit and an exceptionally scored
// asset that clears the override threshold: the asset should be
// admitted, gain core-asset status, and emit
// diversification.bucket_override_granted.
func TestBucketOverrideAutoPromotesToCore(t *testing.T) {
	sink := events.NewMemorySink(zap.NewNop(), 100)

	riskAssets := []string{"A", "B", "C", "D", "X"}
	detector := &fakeRegimeDetector{regime: types.RegimeGoldilocks}
	builder := universe.NewBuilder(zap.NewNop(), detector, &fakeBucketSource{assets: riskAssets})

	// A-D outrank X and fill the bucket's 4 slots first (selection runs
	// highest-score-first); X arrives as the 5th entrant but still
	// clears the override threshold on its own merit. After the
	// Goldilocks x1.10 multiplier and the clamp to 1, A-D score 1.0 and
	// X scores 0.957.
	scores := map[string]decimal.Decimal{
		"A": decimal.NewFromFloat(0.99),
		"B": decimal.NewFromFloat(0.985),
		"C": decimal.NewFromFloat(0.98),
		"D": decimal.NewFromFloat(0.975),
		"X": decimal.NewFromFloat(0.87),
	}
	scoringSvc, err := scoring.NewService(zap.NewNop(), scoring.Config{
		EnableTechnical:   true,
		TechnicalWeight:   decimal.NewFromInt(1),
		RegimeMultipliers: scoring.DefaultRegimeMultipliers(),
	}, fixedAnalyzer{scores: scores}, nil)
	require.NoError(t, err)

	buckets := diversification.NewBucketManager([]types.Bucket{
		{Name: "Risk Assets", Assets: riskAssets},
	})
	core := protection.NewCoreAssetManager(zap.NewNop(), *types.DefaultPolicy(), buckets, nil)
	smartDiversify := diversification.NewSmartDiversificationManager(
		zap.NewNop(), buckets, decimal.NewFromFloat(0.95), 2, core)

	selection := rebalancer.NewSelectionService(zap.NewNop(), nil, nil, nil, nil, sink)
	orchestrator := protection.NewOrchestrator(zap.NewNop(), core, nil, nil, nil, nil)

	policy := *types.DefaultPolicy()
	policy.MinScoreThreshold = decimal.NewFromFloat(0.5)
	policy.MinScoreNewPosition = decimal.NewFromFloat(0.5)
	policy.MaxTotalPositions = 5
	policy.MaxNewPositions = 5
	policy.MaxPositionsPerBucket = 4
	policy.EnableSmartDiversification = true

	engine, err := rebalancer.NewEngine(zap.NewNop(), rebalancer.Components{
		UniverseBuilder: builder,
		Scoring:         scoringSvc,
		BucketManager:   buckets,
		SmartDiversify:  smartDiversify,
		CoreAssets:      core,
		Selection:       selection,
		Orchestrator:    orchestrator,
		Sink:            sink,
	})
	require.NoError(t, err)

	date := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	targets, err := engine.Rebalance(date, nil, policy, nil, decimal.NewFromFloat(0.7))
	require.NoError(t, err)

	var assets []string
	for _, target := range targets {
		assets = append(assets, target.Asset)
	}
	require.Contains(t, assets, "X", "override-eligible asset must still be admitted past the bucket limit")
	require.True(t, core.IsCoreAsset("X", date), "granting the override must promote the asset to core")

	var sawGrantEvent bool
	for _, e := range sink.Events() {
		if e.EventType == events.TypeDiversificationBucketOverrideGranted && e.Asset == "X" {
			sawGrantEvent = true
		}
	}
	require.True(t, sawGrantEvent, "bucket override grant must be recorded on the event sink")
}

// TestSelectGrantsRegimeOverridePastHoldingPeriod exercises
// SelectionService.Select for a position that has not met its minimum
// holding period but whose closure is requested during a high-severity
// regime transition close enough to the minimum to qualify for the
// holding-period override.
func TestSelectGrantsRegimeOverridePastHoldingPeriod(t *testing.T) {
	sink := events.NewMemorySink(zap.NewNop(), 100)
	holding, err := protection.NewHoldingPeriodManager(zap.NewNop(), 3, 90, 30)
	require.NoError(t, err)

	entryDate := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	holding.RecordEntry("A", entryDate, decimal.NewFromFloat(0.3), "initial entry")

	service := rebalancer.NewSelectionService(zap.NewNop(), nil, holding, nil, nil, sink)

	policy := *types.DefaultPolicy()
	policy.MinScoreThreshold = decimal.NewFromFloat(0.6)
	policy.MaxTotalPositions = 5
	policy.MaxNewPositions = 2

	// Held only 2 of the required 3 minimum days: a plain close request
	// would be blocked.
	closeDate := entryDate.AddDate(0, 0, 2)
	scored := []types.AssetScore{
		scoreOf("A", 0.2, types.PriorityPortfolio, 0.3),
	}

	// Without a regime transition, the holding-period guard denies the
	// close outright: the asset is dropped from consideration entirely,
	// never reaching the score-threshold close path.
	blocked := service.Select(scored, policy, closeDate, nil)
	require.Empty(t, blocked.Selected)
	require.NotContains(t, blocked.ForceClosed, "A")

	regimeCtx := &types.RegimeContext{
		RegimeChanged:  true,
		OldRegime:      types.RegimeGoldilocks,
		NewRegime:      types.RegimeDeflation,
		RegimeSeverity: types.SeverityHigh,
	}

	// With the regime override, the holding-period guard permits the
	// asset through to the ordinary score-threshold evaluation, which
	// closes it: the close is "permitted" rather than silently blocked.
	result := service.Select(scored, policy, closeDate, regimeCtx)
	require.Empty(t, result.Selected)
	require.Contains(t, result.ForceClosed, "A")

	var sawOverrideEvent bool
	for _, e := range sink.Events() {
		if e.EventType == events.TypeProtectionOverrideApplied && e.Asset == "A" {
			sawOverrideEvent = true
		}
	}
	require.True(t, sawOverrideEvent, "holding-period regime override must be recorded on the event sink")
}
