// Package config loads and validates the rebalancer's tunable Policy
// from a YAML file, with REBALANCER_* environment variable overrides.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/atlas-desktop/rebalancer/internal/rberrors"
	"github.com/atlas-desktop/rebalancer/pkg/types"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Load reads a Policy from path, seeded with DefaultPolicy values so an
// incomplete file still yields a usable configuration, then applies
// REBALANCER_* environment variable overrides.
func Load(path string) (*types.Policy, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("REBALANCER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	seedDefaults(v, types.DefaultPolicy())

	if err := v.ReadInConfig(); err != nil {
		_, isNotFoundErr := err.(viper.ConfigFileNotFoundError)
		if !isNotFoundErr && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read policy config: %w", err)
		}
	}

	var policy types.Policy
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		stringToDecimalHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
	if err := v.Unmarshal(&policy, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("unmarshal policy config: %w", err)
	}

	if err := Validate(&policy); err != nil {
		return nil, err
	}
	return &policy, nil
}

// seedDefaults registers every DefaultPolicy field as a viper default so
// fields absent from the file (or env) still resolve sensibly.
func seedDefaults(v *viper.Viper, defaults *types.Policy) {
	val := reflect.ValueOf(*defaults)
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		tag := typ.Field(i).Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		v.SetDefault(tag, val.Field(i).Interface())
	}
}

// stringToDecimalHookFunc lets policy files express decimal fields as
// either YAML floats or quoted strings, both decoding into
// decimal.Decimal via its exact-parsing constructor.
func stringToDecimalHookFunc() mapstructure.DecodeHookFunc {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decimalType {
			return data, nil
		}
		switch from.Kind() {
		case reflect.String:
			d, err := decimal.NewFromString(data.(string))
			if err != nil {
				return nil, err
			}
			return d, nil
		case reflect.Float32, reflect.Float64:
			return decimal.NewFromFloat(reflect.ValueOf(data).Float()), nil
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return decimal.NewFromInt(reflect.ValueOf(data).Int()), nil
		default:
			return data, nil
		}
	}
}

// Validate checks the range invariants spec §6.2 places on Policy, so a
// misconfigured deployment fails fast at startup rather than mid-cycle.
func Validate(p *types.Policy) error {
	if p.MaxTotalPositions <= 0 {
		return &rberrors.ConfigurationError{Field: "max_total_positions", Reason: "must be positive"}
	}
	if p.MaxNewPositions < 0 {
		return &rberrors.ConfigurationError{Field: "max_new_positions", Reason: "must not be negative"}
	}
	if p.MaxSinglePosition.LessThanOrEqual(decimal.Zero) || p.MaxSinglePosition.GreaterThan(decimal.NewFromInt(1)) {
		return &rberrors.ConfigurationError{Field: "max_single_position", Reason: "must be in (0, 1]"}
	}
	if p.TargetTotalAllocation.LessThanOrEqual(decimal.Zero) || p.TargetTotalAllocation.GreaterThan(decimal.NewFromInt(1)) {
		return &rberrors.ConfigurationError{Field: "target_total_allocation", Reason: "must be in (0, 1]"}
	}
	switch p.SizingMode {
	case types.SizingEqualWeight, types.SizingScoreWeight, types.SizingAdaptive:
	default:
		return &rberrors.ConfigurationError{Field: "sizing_mode", Reason: "unknown mode " + string(p.SizingMode)}
	}
	switch p.ResidualStrategy {
	case types.ResidualSafeTopSlice, types.ResidualProportional, types.ResidualCashBucket:
	default:
		return &rberrors.ConfigurationError{Field: "residual_strategy", Reason: "unknown strategy " + string(p.ResidualStrategy)}
	}
	if p.GracePeriodDays < 0 {
		return &rberrors.ConfigurationError{Field: "grace_period_days", Reason: "must not be negative"}
	}
	if p.MinHoldingPeriodDays < 0 || p.MaxHoldingPeriodDays < p.MinHoldingPeriodDays {
		return &rberrors.ConfigurationError{Field: "max_holding_period_days", Reason: "must be >= min_holding_period_days"}
	}
	if p.EnableCoreAssetManagement && p.MaxCoreAssets < 0 {
		return &rberrors.ConfigurationError{Field: "max_core_assets", Reason: "must not be negative"}
	}
	if p.TechnicalWeight.Add(p.FundamentalWeight).GreaterThan(decimal.NewFromInt(1).Add(decimal.NewFromFloat(0.0001))) {
		return &rberrors.ConfigurationError{Field: "technical_weight", Reason: "technical_weight + fundamental_weight must not exceed 1"}
	}
	return nil
}
