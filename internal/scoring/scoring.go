// Package scoring implements L2 of the rebalancing pipeline: combining
// technical and fundamental analysis into a single AssetScore per asset
// (spec §4.2).
package scoring

import (
	"time"

	"github.com/atlas-desktop/rebalancer/internal/rberrors"
	"github.com/atlas-desktop/rebalancer/internal/universe"
	"github.com/atlas-desktop/rebalancer/pkg/types"
	"github.com/atlas-desktop/rebalancer/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TechnicalAnalyzer is the narrow duck-typed boundary for technical
// scoring (spec §9). Technical indicator computation is an external
// collaborator, not part of this module.
type TechnicalAnalyzer interface {
	Score(asset string, date time.Time) (decimal.Decimal, error)
}

// FundamentalAnalyzer is the narrow duck-typed boundary for fundamental
// scoring (spec §9). Fundamental analysis sources are external
// collaborators.
type FundamentalAnalyzer interface {
	Score(asset string, date time.Time, regime types.RegimeKind) (decimal.Decimal, error)
}

// RegimeMultipliers maps a regime to its combined-score multiplier
// (spec §4.2 step 6).
type RegimeMultipliers map[types.RegimeKind]decimal.Decimal

// DefaultRegimeMultipliers returns the spec's default multipliers.
func DefaultRegimeMultipliers() RegimeMultipliers {
	return RegimeMultipliers{
		types.RegimeGoldilocks: decimal.NewFromFloat(1.10),
		types.RegimeReflation:  decimal.NewFromFloat(1.05),
		types.RegimeInflation:  decimal.NewFromFloat(0.95),
		types.RegimeDeflation:  decimal.NewFromFloat(0.90),
	}
}

var incumbentBias = decimal.NewFromFloat(1.02)

// Config configures the scoring service.
type Config struct {
	EnableTechnical   bool
	EnableFundamental bool
	TechnicalWeight   decimal.Decimal
	FundamentalWeight decimal.Decimal
	RegimeMultipliers RegimeMultipliers
}

// Service implements ScoringService (spec §4.2).
type Service struct {
	logger     *zap.Logger
	config     Config
	technical  TechnicalAnalyzer
	fundamental FundamentalAnalyzer
}

// NewService constructs a Service. Returns a ConfigurationError if both
// analyzers are disabled (spec §4.2: "At least one analyzer must be
// enabled").
func NewService(logger *zap.Logger, config Config, technical TechnicalAnalyzer, fundamental FundamentalAnalyzer) (*Service, error) {
	if !config.EnableTechnical && !config.EnableFundamental {
		return nil, &rberrors.ConfigurationError{Field: "enable_technical/enable_fundamental", Reason: "at least one analyzer must be enabled"}
	}
	if config.RegimeMultipliers == nil {
		config.RegimeMultipliers = DefaultRegimeMultipliers()
	}
	return &Service{logger: logger, config: config, technical: technical, fundamental: fundamental}, nil
}

// Score produces an AssetScore for every asset in the universe (spec §4.2).
func (s *Service) Score(u *universe.Universe, currentPositions map[string]decimal.Decimal) ([]types.AssetScore, error) {
	out := make([]types.AssetScore, 0, len(u.Combined))

	for asset := range u.Combined {
		score, err := s.scoreOne(asset, u.Date, u.Regime, u.Priority(asset), currentPositions[asset])
		if err != nil {
			s.logger.Warn("could not score asset, skipping", zap.String("asset", asset), zap.Error(err))
			continue
		}
		out = append(out, score)
	}

	s.logger.Info("scoring complete", zap.Int("assets_scored", len(out)))
	return out, nil
}

func (s *Service) scoreOne(asset string, date time.Time, regime types.RegimeKind, priority types.Priority, previousAllocation decimal.Decimal) (types.AssetScore, error) {
	var technical, fundamental decimal.Decimal
	missingData := false

	if s.config.EnableTechnical && s.technical != nil {
		v, err := s.technical.Score(asset, date)
		if err != nil {
			missingData = true
		} else {
			technical = utils.Clamp01(v)
		}
	}
	if s.config.EnableFundamental && s.fundamental != nil {
		v, err := s.fundamental.Score(asset, date, regime)
		if err != nil {
			missingData = true
		} else {
			fundamental = utils.Clamp01(v)
		}
	}

	techWeight := decimal.Zero
	fundWeight := decimal.Zero
	switch {
	case s.config.EnableTechnical && s.config.EnableFundamental:
		techWeight, fundWeight = s.config.TechnicalWeight, s.config.FundamentalWeight
		if fundamental.IsZero() && technical.GreaterThan(decimal.Zero) {
			// Fundamental data effectively missing for this asset: renormalise to technical-only.
			techWeight, fundWeight = decimal.NewFromInt(1), decimal.Zero
		}
	case s.config.EnableTechnical:
		techWeight = decimal.NewFromInt(1)
	case s.config.EnableFundamental:
		fundWeight = decimal.NewFromInt(1)
	}

	combined := technical.Mul(techWeight).Add(fundamental.Mul(fundWeight))

	isCurrentPosition := previousAllocation.GreaterThan(decimal.Zero)
	if priority == types.PriorityPortfolio && isCurrentPosition {
		combined = utils.MinDecimal(combined.Mul(incumbentBias), decimal.NewFromInt(1))
	}

	if mult, ok := s.config.RegimeMultipliers[regime]; ok {
		combined = combined.Mul(mult)
	}
	combined = utils.Clamp01(combined)

	confidence := decimal.NewFromFloat(0.8)
	if missingData {
		confidence = decimal.NewFromFloat(0.6)
	}

	return types.AssetScore{
		Asset:              asset,
		Date:               date,
		Technical:          technical,
		Fundamental:        fundamental,
		Combined:           combined,
		Confidence:         confidence,
		Regime:             regime,
		Priority:           priority,
		IsCurrentPosition:  isCurrentPosition,
		PreviousAllocation: previousAllocation,
		Reason:             scoreReason(techWeight, fundWeight),
	}, nil
}

func scoreReason(techWeight, fundWeight decimal.Decimal) string {
	return "tech=" + techWeight.StringFixed(2) + " fund=" + fundWeight.StringFixed(2)
}
