package protection

import (
	"time"

	"github.com/atlas-desktop/rebalancer/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// maxPerformanceWarnings bounds the per-asset warning history so it never
// grows without limit across a long backtest.
const maxPerformanceWarnings = 10

// DataProvider supplies historical returns for core-asset performance
// checks (spec §6.4). Implementations return (0, false) when a return
// cannot be computed for the window, which the caller treats as
// DataUnavailable rather than a zero return.
type DataProvider interface {
	AssetReturn(asset string, start, end time.Time) (decimal.Decimal, bool)
}

// BucketMembership resolves which assets share a bucket with a given
// asset, used to compute bucket-mean returns for underperformance checks.
type BucketMembership interface {
	Assets(bucket string) []string
}

// CoreAssetManager grants immunity from closure and grace periods to
// exceptionally scored assets, subject to a capacity limit, an expiry
// date, and ongoing underperformance monitoring (spec §4.5).
type CoreAssetManager struct {
	logger *zap.Logger

	enabled                  bool
	maxCoreAssets            int
	expiryDays               int
	extensionLimit           int
	underperformanceThreshold decimal.Decimal
	underperformancePeriod   int
	checkFrequencyDays       int

	buckets BucketMembership
	data    DataProvider

	assets map[string]*types.CoreAssetInfo
}

// NewCoreAssetManager constructs a manager. buckets and data may be nil;
// a nil data provider simply means underperformance auto-revocation never
// fires (the manager still honors manual revoke/extend and expiry).
func NewCoreAssetManager(logger *zap.Logger, policy types.Policy, buckets BucketMembership, data DataProvider) *CoreAssetManager {
	return &CoreAssetManager{
		logger:                    logger,
		enabled:                   policy.EnableCoreAssetManagement,
		maxCoreAssets:             policy.MaxCoreAssets,
		expiryDays:                policy.CoreAssetExpiryDays,
		extensionLimit:            policy.CoreAssetExtensionLimit,
		underperformanceThreshold: policy.CoreAssetUnderperformanceThreshold,
		underperformancePeriod:    policy.CoreAssetUnderperformancePeriodDays,
		checkFrequencyDays:        policy.CoreAssetPerformanceCheckFrequency,
		buckets:                   buckets,
		data:                      data,
		assets:                    make(map[string]*types.CoreAssetInfo),
	}
}

// MarkAsCore designates asset as core, failing if disabled, already core,
// or at capacity (spec §4.5). Implements diversification.CoreAssetDesignator.
func (m *CoreAssetManager) MarkAsCore(asset string, date time.Time, reason string, designationScore *decimal.Decimal) bool {
	if !m.canMarkAsCore(asset) {
		m.logger.Warn("cannot mark asset as core", zap.String("asset", asset))
		return false
	}

	bucket := types.UnknownBucket
	if m.buckets != nil {
		bucket = m.assetBucket(asset)
	}

	info := &types.CoreAssetInfo{
		Asset:            asset,
		DesignationDate:  date,
		ExpiryDate:       date.AddDate(0, 0, m.expiryDays),
		Reason:           reason,
		Bucket:           bucket,
		DesignationScore: designationScore,
		LastPerfCheck:    &date,
	}
	m.assets[asset] = info

	m.logger.Info("asset marked as core",
		zap.String("asset", asset), zap.String("reason", reason),
		zap.Time("expires", info.ExpiryDate))
	return true
}

func (m *CoreAssetManager) canMarkAsCore(asset string) bool {
	if !m.enabled {
		return false
	}
	if _, ok := m.assets[asset]; ok {
		return false
	}
	return len(m.assets) < m.maxCoreAssets
}

// assetBucket finds asset's bucket by scanning the membership source. The
// boundary interface only exposes Assets(bucket), so membership is
// resolved by lookup rather than a forward mapping.
func (m *CoreAssetManager) assetBucket(asset string) string {
	type bucketLister interface {
		Buckets() []string
	}
	lister, ok := m.buckets.(bucketLister)
	if !ok {
		return types.UnknownBucket
	}
	for _, b := range lister.Buckets() {
		for _, a := range m.buckets.Assets(b) {
			if a == asset {
				return b
			}
		}
	}
	return types.UnknownBucket
}

// IsCoreAsset reports whether asset currently holds core status. When date
// is non-zero, an auto-revocation check (spec §4.5.1) runs first.
func (m *CoreAssetManager) IsCoreAsset(asset string, date time.Time) bool {
	if _, ok := m.assets[asset]; !ok {
		return false
	}
	if !date.IsZero() {
		if reason, revoke := m.shouldAutoRevoke(asset, date); revoke {
			m.autoRevoke(asset, date, reason)
			return false
		}
	}
	return true
}

// Revoke manually removes asset's core status.
func (m *CoreAssetManager) Revoke(asset string, reason string) bool {
	if _, ok := m.assets[asset]; !ok {
		return false
	}
	delete(m.assets, asset)
	m.logger.Info("core status manually revoked", zap.String("asset", asset), zap.String("reason", reason))
	return true
}

// Extend pushes out asset's expiry date, subject to the extension limit.
func (m *CoreAssetManager) Extend(asset string, additionalDays int, date time.Time, reason string) bool {
	info, ok := m.assets[asset]
	if !ok {
		return false
	}
	if info.ExtensionCount >= m.extensionLimit {
		m.logger.Warn("extension limit reached", zap.String("asset", asset))
		return false
	}
	info.ExpiryDate = date.AddDate(0, 0, additionalDays)
	info.ExtensionCount++
	m.logger.Info("core status extended", zap.String("asset", asset), zap.Time("new_expiry", info.ExpiryDate))
	return true
}

// ShouldExemptFromGrace is equivalent to IsCoreAsset(asset, date) — a core
// asset never enters a grace period (spec §4.5).
func (m *CoreAssetManager) ShouldExemptFromGrace(asset string, date time.Time) bool {
	return m.IsCoreAsset(asset, date)
}

// CoreAssets returns the symbols currently holding core status.
func (m *CoreAssetManager) CoreAssets() []string {
	out := make([]string, 0, len(m.assets))
	for asset := range m.assets {
		out = append(out, asset)
	}
	return out
}

func (m *CoreAssetManager) shouldAutoRevoke(asset string, date time.Time) (string, bool) {
	info := m.assets[asset]

	if date.After(info.ExpiryDate) {
		return "automatic expiry", true
	}

	if m.enabled && m.data != nil {
		underperformance, exceeded := m.checkUnderperformance(asset, date)
		if exceeded {
			return "underperformed bucket mean by more than the configured threshold", true
		}
		_ = underperformance
	}

	return "", false
}

func (m *CoreAssetManager) autoRevoke(asset string, date time.Time, reason string) {
	info := m.assets[asset]
	daysHeld := int(date.Sub(info.DesignationDate).Hours() / 24)
	delete(m.assets, asset)
	m.logger.Info("core status auto-revoked",
		zap.String("asset", asset), zap.String("reason", reason), zap.Int("days_held", daysHeld))
}

// checkUnderperformance compares asset's trailing return against its
// bucket's mean return, excluding itself, over underperformancePeriod
// days. Returns (underperformance, exceeded). Fails closed to "not
// exceeded" whenever either return cannot be computed, matching the
// original implementation's conservative data-unavailable handling.
func (m *CoreAssetManager) checkUnderperformance(asset string, date time.Time) (decimal.Decimal, bool) {
	info := m.assets[asset]
	start := date.AddDate(0, 0, -m.underperformancePeriod)

	assetReturn, ok := m.data.AssetReturn(asset, start, date)
	if !ok {
		return decimal.Zero, false
	}

	bucketReturn, ok := m.bucketMeanReturn(info.Bucket, asset, start, date)
	if !ok {
		return decimal.Zero, false
	}

	underperformance := bucketReturn.Sub(assetReturn)
	exceeded := underperformance.GreaterThan(m.underperformanceThreshold)
	if exceeded {
		m.issuePerformanceWarning(asset, underperformance, date)
	}
	return underperformance, exceeded
}

// bucketMeanReturn averages trailing returns across bucket members other
// than asset, requiring at least two members with computable returns.
func (m *CoreAssetManager) bucketMeanReturn(bucket, excludeAsset string, start, end time.Time) (decimal.Decimal, bool) {
	if m.buckets == nil {
		return decimal.Zero, false
	}
	members := m.buckets.Assets(bucket)
	returns := make([]float64, 0, len(members))
	for _, member := range members {
		if member == excludeAsset {
			continue
		}
		r, ok := m.data.AssetReturn(member, start, end)
		if !ok {
			continue
		}
		f, _ := r.Float64()
		returns = append(returns, f)
	}
	if len(returns) < 2 {
		return decimal.Zero, false
	}
	mean := stat.Mean(returns, nil)
	return decimal.NewFromFloat(mean), true
}

func (m *CoreAssetManager) issuePerformanceWarning(asset string, underperformance decimal.Decimal, date time.Time) {
	info, ok := m.assets[asset]
	if !ok {
		return
	}
	warning := "underperforming bucket " + info.Bucket + " by " + underperformance.StringFixed(4) + " on " + date.Format("2006-01-02")
	info.Warnings = append(info.Warnings, warning)
	if len(info.Warnings) > maxPerformanceWarnings {
		info.Warnings = info.Warnings[len(info.Warnings)-maxPerformanceWarnings:]
	}
	m.logger.Warn("core asset performance warning", zap.String("asset", asset), zap.String("underperformance", underperformance.StringFixed(4)))
}

// ShouldCheckPerformance reports whether the configured check frequency
// has elapsed since asset's last performance check.
func (m *CoreAssetManager) ShouldCheckPerformance(asset string, date time.Time) bool {
	info, ok := m.assets[asset]
	if !ok {
		return false
	}
	if info.LastPerfCheck == nil {
		return true
	}
	daysSince := int(date.Sub(*info.LastPerfCheck).Hours() / 24)
	return daysSince >= m.checkFrequencyDays
}

// PerformLifecycleCheck runs auto-revocation and performance monitoring
// across every core asset, returning the action taken per asset.
func (m *CoreAssetManager) PerformLifecycleCheck(date time.Time) map[string]string {
	actions := make(map[string]string)
	for _, asset := range m.CoreAssets() {
		if reason, revoke := m.shouldAutoRevoke(asset, date); revoke {
			m.autoRevoke(asset, date, reason)
			actions[asset] = "auto_revoked: " + reason
			continue
		}
		if m.ShouldCheckPerformance(asset, date) {
			info := m.assets[asset]
			info.LastPerfCheck = &date
			actions[asset] = "retained: performance checked"
			continue
		}
		actions[asset] = "retained: no checks due"
	}
	return actions
}
