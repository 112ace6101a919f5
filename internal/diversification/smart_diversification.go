package diversification

import (
	"sort"
	"time"

	"github.com/atlas-desktop/rebalancer/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CoreAssetDesignator is the narrow boundary onto internal/protection's
// CoreAssetManager: smart diversification only needs to request a core
// designation, never the full protection surface.
type CoreAssetDesignator interface {
	MarkAsCore(asset string, date time.Time, reason string, designationScore *decimal.Decimal) bool
}

// SmartDiversificationManager grants bucket-limit overrides to
// exceptionally scored assets, automatically promoting the overrider to
// core status (spec §4.4).
type SmartDiversificationManager struct {
	logger              *zap.Logger
	buckets             *BucketManager
	overrideThreshold   decimal.Decimal
	maxOverridesPerCycle int
	core                CoreAssetDesignator

	cycleDate     *time.Time
	overridesUsed int
}

// NewSmartDiversificationManager constructs a manager. core may be nil,
// in which case no override is ever granted (mirrors spec §4.4: an
// override attempt that cannot reach a core designator is denied).
func NewSmartDiversificationManager(logger *zap.Logger, buckets *BucketManager, overrideThreshold decimal.Decimal, maxOverridesPerCycle int, core CoreAssetDesignator) *SmartDiversificationManager {
	return &SmartDiversificationManager{
		logger:               logger,
		buckets:              buckets,
		overrideThreshold:    overrideThreshold,
		maxOverridesPerCycle: maxOverridesPerCycle,
		core:                 core,
	}
}

// Apply selects assets up to the bucket limits, then grants overrides to
// the highest-scoring excess assets that clear the override threshold,
// up to maxOverridesPerCycle per rebalance date (spec §4.4).
func (m *SmartDiversificationManager) Apply(scored []types.AssetScore, bucketLimits map[string]int, date time.Time) []types.AssetScore {
	if m.cycleDate == nil || !m.cycleDate.Equal(date) {
		m.overridesUsed = 0
		d := date
		m.cycleDate = &d
	}

	sorted := append([]types.AssetScore(nil), scored...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Combined.GreaterThan(sorted[j].Combined) })

	selected := make([]types.AssetScore, 0, len(sorted))
	bucketCounts := make(map[string]int)
	overridesGranted := 0

	for _, s := range sorted {
		bucket := m.buckets.Bucket(s.Asset)
		limit := bucketLimits[bucket]
		if limit <= 0 {
			limit = 1<<31 - 1
		}
		count := bucketCounts[bucket]

		if count < limit {
			s.Bucket = bucket
			selected = append(selected, s)
			bucketCounts[bucket] = count + 1
			continue
		}

		if m.canGrantOverride(s, count, limit) {
			score := s.Combined
			reason := "high-alpha bucket override"
			if m.core.MarkAsCore(s.Asset, date, reason, &score) {
				s.Bucket = bucket
				s.Reason = reason
				selected = append(selected, s)
				bucketCounts[bucket] = count + 1
				m.overridesUsed++
				overridesGranted++
				m.logger.Info("bucket override granted",
					zap.String("asset", s.Asset), zap.String("bucket", bucket),
					zap.String("score", s.Combined.StringFixed(4)))
				continue
			}
		}

		s.Reason = "rejected: bucket limit reached, override not available"
	}

	m.logger.Info("smart diversification complete",
		zap.Int("selected", len(selected)), zap.Int("overrides_granted", overridesGranted))

	return selected
}

func (m *SmartDiversificationManager) canGrantOverride(s types.AssetScore, count, limit int) bool {
	if count < limit {
		return false
	}
	if s.Combined.LessThan(m.overrideThreshold) {
		return false
	}
	if m.overridesUsed >= m.maxOverridesPerCycle {
		return false
	}
	return m.core != nil
}
