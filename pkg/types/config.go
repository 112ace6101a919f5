// Package types provides configuration types for the rebalancer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Policy enumerates every tunable knob of the rebalancing decision
// pipeline (spec §6.2). It is a pure value record: no method on Policy
// mutates it, and the same Policy is shared read-only across L1-L5.
type Policy struct {
	MaxTotalPositions   int `mapstructure:"max_total_positions"`
	MaxNewPositions     int `mapstructure:"max_new_positions"`

	MinScoreThreshold   decimal.Decimal `mapstructure:"min_score_threshold"`
	MinScoreNewPosition decimal.Decimal `mapstructure:"min_score_new_position"`

	MaxSinglePositionPct decimal.Decimal `mapstructure:"max_single_position_pct"`
	MaxSinglePosition    decimal.Decimal `mapstructure:"max_single_position"`
	TargetTotalAllocation decimal.Decimal `mapstructure:"target_total_allocation"`
	MinPositionSize      decimal.Decimal `mapstructure:"min_position_size"`

	SizingMode        SizingMode       `mapstructure:"sizing_mode"`
	ResidualStrategy  ResidualStrategy `mapstructure:"residual_strategy"`
	MaxResidualPerAsset decimal.Decimal `mapstructure:"max_residual_per_asset"`

	EnableBucketDiversification bool            `mapstructure:"enable_bucket_diversification"`
	MaxPositionsPerBucket       int             `mapstructure:"max_positions_per_bucket"`
	MaxAllocationPerBucket      decimal.Decimal `mapstructure:"max_allocation_per_bucket"`
	MinBucketsRepresented       int             `mapstructure:"min_buckets_represented"`
	AllowBucketOverflow         bool            `mapstructure:"allow_bucket_overflow"`

	EnableSmartDiversification bool            `mapstructure:"enable_smart_diversification"`
	BucketOverrideThreshold    decimal.Decimal `mapstructure:"core_asset_override_threshold"`
	MaxOverridesPerRebalance   int             `mapstructure:"max_overrides_per_rebalance"`

	EnableGracePeriods bool            `mapstructure:"enable_grace_periods"`
	GracePeriodDays    int             `mapstructure:"grace_period_days"`
	GraceDecayRate     decimal.Decimal `mapstructure:"grace_decay_rate"`
	MinDecayFactor     decimal.Decimal `mapstructure:"min_decay_factor"`

	MinHoldingPeriodDays int `mapstructure:"min_holding_period_days"`
	MaxHoldingPeriodDays int `mapstructure:"max_holding_period_days"`

	EnableRegimeOverrides       bool     `mapstructure:"enable_regime_overrides"`
	RegimeOverrideCooldownDays  int      `mapstructure:"regime_override_cooldown_days"`
	RegimeSeverityThreshold     Severity `mapstructure:"regime_severity_threshold"`

	EnableWhipsawProtection       bool `mapstructure:"enable_whipsaw_protection"`
	MaxCyclesPerProtectionPeriod  int  `mapstructure:"max_cycles_per_protection_period"`
	WhipsawProtectionDays         int  `mapstructure:"whipsaw_protection_days"`
	MinPositionDurationHours      int  `mapstructure:"min_position_duration_hours"`

	EnableCoreAssetManagement           bool            `mapstructure:"enable_core_asset_management"`
	MaxCoreAssets                       int             `mapstructure:"max_core_assets"`
	CoreAssetExpiryDays                 int             `mapstructure:"core_asset_expiry_days"`
	CoreAssetExtensionLimit             int             `mapstructure:"core_asset_extension_limit"`
	CoreAssetUnderperformanceThreshold  decimal.Decimal `mapstructure:"core_asset_underperformance_threshold"`
	CoreAssetUnderperformancePeriodDays int             `mapstructure:"core_asset_underperformance_period_days"`
	CoreAssetPerformanceCheckFrequency  int             `mapstructure:"core_asset_performance_check_frequency_days"`

	TechnicalWeight   decimal.Decimal `mapstructure:"technical_weight"`
	FundamentalWeight decimal.Decimal `mapstructure:"fundamental_weight"`
	MinTrendingConfidence decimal.Decimal `mapstructure:"min_trending_confidence"`
}

// DefaultPolicy returns the policy defaults enumerated in spec §6.2.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxTotalPositions:   10,
		MaxNewPositions:     3,
		MinScoreThreshold:   decimal.NewFromFloat(0.6),
		MinScoreNewPosition: decimal.NewFromFloat(0.65),

		MaxSinglePositionPct:  decimal.NewFromFloat(0.20),
		MaxSinglePosition:     decimal.NewFromFloat(0.15),
		TargetTotalAllocation: decimal.NewFromFloat(0.95),
		MinPositionSize:       decimal.NewFromFloat(0.02),

		SizingMode:          SizingAdaptive,
		ResidualStrategy:    ResidualSafeTopSlice,
		MaxResidualPerAsset: decimal.NewFromFloat(0.05),

		EnableBucketDiversification: false,
		MaxPositionsPerBucket:       4,
		MaxAllocationPerBucket:      decimal.NewFromFloat(0.4),
		MinBucketsRepresented:       2,
		AllowBucketOverflow:         false,

		EnableSmartDiversification: true,
		BucketOverrideThreshold:    decimal.NewFromFloat(0.95),
		MaxOverridesPerRebalance:   2,

		EnableGracePeriods: true,
		GracePeriodDays:    5,
		GraceDecayRate:     decimal.NewFromFloat(0.8),
		MinDecayFactor:     decimal.NewFromFloat(0.1),

		MinHoldingPeriodDays: 3,
		MaxHoldingPeriodDays: 90,

		EnableRegimeOverrides:      true,
		RegimeOverrideCooldownDays: 30,
		RegimeSeverityThreshold:    SeverityHigh,

		EnableWhipsawProtection:      true,
		MaxCyclesPerProtectionPeriod: 1,
		WhipsawProtectionDays:        14,
		MinPositionDurationHours:     4,

		EnableCoreAssetManagement:           true,
		MaxCoreAssets:                       5,
		CoreAssetExpiryDays:                 180,
		CoreAssetExtensionLimit:             3,
		CoreAssetUnderperformanceThreshold:  decimal.NewFromFloat(0.15),
		CoreAssetUnderperformancePeriodDays: 30,
		CoreAssetPerformanceCheckFrequency:  7,

		TechnicalWeight:       decimal.NewFromFloat(0.6),
		FundamentalWeight:     decimal.NewFromFloat(0.4),
		MinTrendingConfidence: decimal.NewFromFloat(0.7),
	}
}

// ServerConfig configures the optional HTTP/WebSocket facade in cmd/rebalancer.
type ServerConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	WebSocketPath  string        `json:"websocketPath"`
	ReadTimeout    time.Duration `json:"readTimeout"`
	WriteTimeout   time.Duration `json:"writeTimeout"`
	MaxConnections int           `json:"maxConnections"`
	EnableMetrics  bool          `json:"enableMetrics"`
	MetricsPort    int           `json:"metricsPort"`
}

// DefaultServerConfig returns sensible defaults for the facade.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:           "localhost",
		Port:           8090,
		WebSocketPath:  "/stream",
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		MaxConnections: 100,
		EnableMetrics:  true,
		MetricsPort:    9090,
	}
}
