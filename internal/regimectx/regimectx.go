// Package regimectx adapts a regime detector into the override-permission
// and parameter-adjustment context consumed by every L4 protection
// component (spec §4.9).
package regimectx

import (
	"fmt"
	"time"

	"github.com/atlas-desktop/rebalancer/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RegimeSource is the narrow duck-typed boundary onto regime detection:
// the current classification plus the most recent transition, if any
// occurred within the detector's own recency window.
type RegimeSource interface {
	CurrentRegime(date time.Time) (types.RegimeKind, error)
	RecentTransition(date time.Time) (*types.RegimeTransition, bool)
}

// ParameterAdjustments are regime-conditioned tunable overrides computed
// for each Context (spec §4.9, §9). They are returned on Context only:
// no other package reads them, and Policy is not changed by them.
type ParameterAdjustments struct {
	PositionLimitMultiplier  decimal.Decimal
	ScoreThresholdAdjustment decimal.Decimal
	RiskScalingFactor        decimal.Decimal
	SizingModeOverride       *types.SizingMode
}

// Context is the per-date snapshot handed to protection components (spec
// §4.9).
type Context struct {
	CurrentRegime       types.RegimeKind
	RecentTransition    *types.RegimeTransition
	OverridePermissions map[string]bool
	ParameterAdjustments ParameterAdjustments
}

// AsRegimeContext projects this Context into the narrower types.RegimeContext
// shape consumed by protection.HoldingPeriodManager.CanAdjust.
func (c Context) AsRegimeContext() *types.RegimeContext {
	if c.RecentTransition == nil {
		return &types.RegimeContext{RegimeChanged: false}
	}
	t := c.RecentTransition
	return &types.RegimeContext{
		RegimeChanged:  true,
		NewRegime:      t.To,
		OldRegime:      t.From,
		RegimeSeverity: t.Severity,
		ChangeDate:     t.Date,
	}
}

const (
	protectionGracePeriod         = "grace_period"
	protectionHoldingPeriod       = "holding_period"
	protectionWhipsaw             = "whipsaw_protection"
	protectionBucketLimits        = "bucket_limits"
	protectionPositionLimits      = "position_limits"
	protectionCoreAssetDesignation = "core_asset_designation"
)

var regimeDefaults = map[types.RegimeKind]ParameterAdjustments{
	types.RegimeGoldilocks: {decimal.NewFromFloat(1.1), decimal.NewFromFloat(-0.02), decimal.NewFromFloat(1.0), nil},
	types.RegimeDeflation:  {decimal.NewFromFloat(0.8), decimal.NewFromFloat(0.05), decimal.NewFromFloat(0.7), sizingModePtr(types.SizingEqualWeight)},
	types.RegimeInflation:  {decimal.NewFromFloat(0.9), decimal.Zero, decimal.NewFromFloat(0.85), nil},
	types.RegimeReflation:  {decimal.NewFromFloat(1.2), decimal.NewFromFloat(-0.03), decimal.NewFromFloat(1.1), sizingModePtr(types.SizingScoreWeight)},
}

func sizingModePtr(m types.SizingMode) *types.SizingMode { return &m }

// Provider caches contexts keyed to the hour and derives override
// permissions from the most recent transition's severity (spec §4.9).
type Provider struct {
	logger   *zap.Logger
	source   RegimeSource
	cacheTTL time.Duration

	cache     map[string]Context
	cachedAt  map[string]time.Time
}

// NewProvider constructs a Provider. cacheTTL defaults to one hour when
// zero, matching the spec's default cache_duration.
func NewProvider(logger *zap.Logger, source RegimeSource, cacheTTL time.Duration) *Provider {
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	return &Provider{
		logger:   logger,
		source:   source,
		cacheTTL: cacheTTL,
		cache:    make(map[string]Context),
		cachedAt: make(map[string]time.Time),
	}
}

// GetContext returns the cached or freshly computed context for date,
// keyed to the hour (spec §4.9).
func (p *Provider) GetContext(date time.Time) (Context, error) {
	key := cacheKey(date)
	if cached, ok := p.cache[key]; ok {
		if date.Sub(p.cachedAt[key]) <= p.cacheTTL {
			return cached, nil
		}
	}

	regime, err := p.source.CurrentRegime(date)
	if err != nil {
		return Context{}, fmt.Errorf("regimectx: current regime: %w", err)
	}
	transition, _ := p.source.RecentTransition(date)

	ctx := Context{
		CurrentRegime:        regime,
		RecentTransition:      transition,
		OverridePermissions:   overridePermissions(transition),
		ParameterAdjustments: parameterAdjustments(regime, transition),
	}

	p.cache[key] = ctx
	p.cachedAt[key] = date
	p.evictExpired(date)
	return ctx, nil
}

// CanOverride reports whether protectionType may be overridden given
// date's regime context (spec §4.9's permission table).
func (p *Provider) CanOverride(protectionType string, date time.Time) (bool, string) {
	ctx, err := p.GetContext(date)
	if err != nil {
		return false, err.Error()
	}
	if ctx.RecentTransition == nil {
		return false, "no recent regime transition"
	}
	allowed := ctx.OverridePermissions[protectionType]
	if allowed {
		return true, fmt.Sprintf("%s regime transition %s -> %s", ctx.RecentTransition.Severity, ctx.RecentTransition.From, ctx.RecentTransition.To)
	}
	return false, fmt.Sprintf("%s regime transition insufficient for %s override", ctx.RecentTransition.Severity, protectionType)
}

func overridePermissions(transition *types.RegimeTransition) map[string]bool {
	permissions := map[string]bool{
		protectionGracePeriod:         false,
		protectionHoldingPeriod:       false,
		protectionWhipsaw:             false,
		protectionBucketLimits:        false,
		protectionPositionLimits:      false,
		protectionCoreAssetDesignation: false,
	}
	if transition == nil {
		return permissions
	}
	switch transition.Severity {
	case types.SeverityCritical:
		permissions[protectionGracePeriod] = true
		permissions[protectionHoldingPeriod] = true
		permissions[protectionWhipsaw] = true
		permissions[protectionPositionLimits] = true
		permissions[protectionBucketLimits] = true
		permissions[protectionCoreAssetDesignation] = true
	case types.SeverityHigh:
		permissions[protectionGracePeriod] = true
		permissions[protectionHoldingPeriod] = true
		permissions[protectionPositionLimits] = true
		permissions[protectionCoreAssetDesignation] = true
	}
	return permissions
}

func parameterAdjustments(regime types.RegimeKind, transition *types.RegimeTransition) ParameterAdjustments {
	base, ok := regimeDefaults[regime]
	if !ok {
		base = regimeDefaults[types.RegimeGoldilocks]
	}

	if transition != nil {
		switch transition.Severity {
		case types.SeverityCritical:
			base.PositionLimitMultiplier = base.PositionLimitMultiplier.Mul(decimal.NewFromFloat(1.3))
			base.ScoreThresholdAdjustment = base.ScoreThresholdAdjustment.Sub(decimal.NewFromFloat(0.03))
		case types.SeverityHigh:
			base.PositionLimitMultiplier = base.PositionLimitMultiplier.Mul(decimal.NewFromFloat(1.1))
			base.ScoreThresholdAdjustment = base.ScoreThresholdAdjustment.Sub(decimal.NewFromFloat(0.01))
		}
	}
	return base
}

func cacheKey(date time.Time) string {
	return date.Format("2006-01-02-15")
}

func (p *Provider) evictExpired(date time.Time) {
	cutoff := p.cacheTTL * 2
	for key, cachedAt := range p.cachedAt {
		if date.Sub(cachedAt) > cutoff {
			delete(p.cache, key)
			delete(p.cachedAt, key)
		}
	}
}
