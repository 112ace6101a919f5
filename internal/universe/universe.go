// Package universe implements L1 of the rebalancing pipeline: building the
// asset universe a rebalance will consider (spec §4.1).
package universe

import (
	"time"

	"github.com/atlas-desktop/rebalancer/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RegimeDetector is the narrow external-collaborator boundary the spec's
// design notes call for (§9): the universe builder only needs the
// current regime, its bucket membership, and a confidence-filtered list
// of trending candidates. Regime detection from raw indicators is
// explicitly out of scope for this module.
type RegimeDetector interface {
	CurrentRegime(date time.Time) (types.RegimeKind, error)
	RegimeBuckets(regime types.RegimeKind) []string
	TrendingAssets(date time.Time, candidates []string, minConfidence decimal.Decimal) ([]TrendingCandidate, error)
}

// TrendingCandidate is a scanner-reported asset with a confidence score.
type TrendingCandidate struct {
	Asset      string
	Confidence decimal.Decimal
}

// BucketSource resolves buckets to their member assets. Implemented by
// internal/diversification.BucketManager; kept as an interface here so
// universe has no compile-time dependency on diversification.
type BucketSource interface {
	AssetsInBuckets(buckets []string) []string
}

// Universe is the result of L1: four asset sets and a priority function.
type Universe struct {
	Portfolio    map[string]struct{}
	Trending     map[string]struct{}
	RegimeBucket map[string]struct{}
	Combined     map[string]struct{}
	Regime       types.RegimeKind
	Date         time.Time

	// Priority reports the spec §4.1 priority tier for an asset already
	// known to be in Combined.
	priority map[string]types.Priority
}

// Priority returns the tier assigned to asset, defaulting to Fallback for
// anything outside the combined universe (should not happen for members
// of Combined).
func (u *Universe) Priority(asset string) types.Priority {
	if p, ok := u.priority[asset]; ok {
		return p
	}
	return types.PriorityFallback
}

// Assets returns the combined universe as a sorted-by-insertion slice is
// unnecessary here; callers range over Combined directly via this helper
// for convenience.
func (u *Universe) Assets() []string {
	out := make([]string, 0, len(u.Combined))
	for a := range u.Combined {
		out = append(out, a)
	}
	return out
}

// Builder implements L1 (spec §4.1).
type Builder struct {
	logger   *zap.Logger
	detector RegimeDetector
	buckets  BucketSource
}

// NewBuilder constructs a Builder.
func NewBuilder(logger *zap.Logger, detector RegimeDetector, buckets BucketSource) *Builder {
	return &Builder{logger: logger, detector: detector, buckets: buckets}
}

// DefaultRegime is returned to callers when the configured detector fails
// to produce a regime; the build never aborts on a missing regime.
const DefaultRegime = types.RegimeGoldilocks

// Build constructs the universe for a rebalance (spec §4.1 contract).
//
// portfolio is always included regardless of confidence filters: an
// existing holding must be analysed even if it no longer trends. This is
// a hard invariant, not a default.
func (b *Builder) Build(
	date time.Time,
	currentPositions map[string]decimal.Decimal,
	regimeOverride *types.RegimeKind,
	bucketFilter []string,
	minTrendingConfidence decimal.Decimal,
) (*Universe, error) {
	portfolio := make(map[string]struct{}, len(currentPositions))
	for asset, weight := range currentPositions {
		if weight.GreaterThan(decimal.Zero) {
			portfolio[asset] = struct{}{}
		}
	}

	regime := DefaultRegime
	if regimeOverride != nil {
		regime = *regimeOverride
	} else if b.detector != nil {
		detected, err := b.detector.CurrentRegime(date)
		if err != nil {
			b.logger.Warn("regime detection failed, falling back to default",
				zap.Error(err), zap.String("fallback", string(DefaultRegime)))
		} else {
			regime = detected
		}
	}

	buckets := bucketFilter
	if len(buckets) == 0 && b.detector != nil {
		buckets = b.detector.RegimeBuckets(regime)
	}

	regimeBucket := make(map[string]struct{})
	if b.buckets != nil {
		for _, a := range b.buckets.AssetsInBuckets(buckets) {
			regimeBucket[a] = struct{}{}
		}
	}

	trending := make(map[string]struct{}, len(portfolio))
	for a := range portfolio {
		trending[a] = struct{}{}
	}
	if b.detector != nil {
		candidateList := make([]string, 0, len(regimeBucket))
		for a := range regimeBucket {
			candidateList = append(candidateList, a)
		}
		candidates, err := b.detector.TrendingAssets(date, candidateList, minTrendingConfidence)
		if err != nil {
			b.logger.Warn("trending scan failed, continuing with portfolio-only trending", zap.Error(err))
		} else {
			for _, c := range candidates {
				if c.Confidence.GreaterThanOrEqual(minTrendingConfidence) {
					trending[c.Asset] = struct{}{}
				}
			}
		}
	}

	combined := make(map[string]struct{})
	priority := make(map[string]types.Priority)
	for a := range portfolio {
		combined[a] = struct{}{}
		priority[a] = types.PriorityPortfolio
	}
	for a := range trending {
		combined[a] = struct{}{}
		if _, isPortfolio := priority[a]; !isPortfolio {
			priority[a] = types.PriorityTrending
		}
	}
	for a := range regimeBucket {
		combined[a] = struct{}{}
		if _, known := priority[a]; !known {
			priority[a] = types.PriorityRegime
		}
	}

	u := &Universe{
		Portfolio:    portfolio,
		Trending:     trending,
		RegimeBucket: regimeBucket,
		Combined:     combined,
		Regime:       regime,
		Date:         date,
		priority:     priority,
	}

	b.logger.Info("universe built",
		zap.Int("portfolio", len(portfolio)),
		zap.Int("trending", len(trending)),
		zap.Int("regime_bucket", len(regimeBucket)),
		zap.Int("combined", len(combined)),
		zap.String("regime", string(regime)),
	)

	return u, nil
}
