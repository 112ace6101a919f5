// Package diversification implements L3 of the rebalancing pipeline:
// per-bucket position and allocation caps, and the smart-override
// mechanism that lets exceptional assets bypass them (spec §4.3, §4.4).
package diversification

import (
	"sort"

	"github.com/atlas-desktop/rebalancer/pkg/types"
)

// BucketManager is a pure read-only directory mapping assets to buckets
// and buckets to their member assets. It holds no rebalancing state and
// never mutates after construction.
type BucketManager struct {
	assetToBucket map[string]string
	bucketAssets  map[string][]string
}

// NewBucketManager builds a BucketManager from a static bucket list. A
// later call that needs to change bucket membership constructs a new
// BucketManager rather than mutating this one.
func NewBucketManager(buckets []types.Bucket) *BucketManager {
	assetToBucket := make(map[string]string)
	bucketAssets := make(map[string][]string, len(buckets))

	for _, b := range buckets {
		bucketAssets[b.Name] = append([]string(nil), b.Assets...)
		for _, a := range b.Assets {
			assetToBucket[a] = b.Name
		}
	}

	return &BucketManager{assetToBucket: assetToBucket, bucketAssets: bucketAssets}
}

// Bucket returns the bucket an asset belongs to, or UnknownBucket if it
// isn't mapped to one.
func (m *BucketManager) Bucket(asset string) string {
	if b, ok := m.assetToBucket[asset]; ok {
		return b
	}
	return types.UnknownBucket
}

// Assets returns the member assets of a named bucket.
func (m *BucketManager) Assets(bucket string) []string {
	return m.bucketAssets[bucket]
}

// AssetsInBuckets returns the union of member assets across the named
// buckets. Implements universe.BucketSource.
func (m *BucketManager) AssetsInBuckets(buckets []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, bucket := range buckets {
		for _, a := range m.bucketAssets[bucket] {
			if _, ok := seen[a]; !ok {
				seen[a] = struct{}{}
				out = append(out, a)
			}
		}
	}
	return out
}

// Buckets returns the names of every configured bucket, sorted for
// deterministic iteration.
func (m *BucketManager) Buckets() []string {
	out := make([]string, 0, len(m.bucketAssets))
	for name := range m.bucketAssets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// GroupByBucket partitions scored assets by bucket, each group sorted
// with portfolio-priority assets first, then descending combined score
// (spec §4.3 step 1).
func (m *BucketManager) GroupByBucket(scored []types.AssetScore) map[string][]types.AssetScore {
	groups := make(map[string][]types.AssetScore)
	for _, s := range scored {
		bucket := m.Bucket(s.Asset)
		groups[bucket] = append(groups[bucket], s)
	}
	for bucket := range groups {
		group := groups[bucket]
		sort.SliceStable(group, func(i, j int) bool {
			iPortfolio := group[i].Priority == types.PriorityPortfolio
			jPortfolio := group[j].Priority == types.PriorityPortfolio
			if iPortfolio != jPortfolio {
				return iPortfolio
			}
			return group[i].Combined.GreaterThan(group[j].Combined)
		})
		groups[bucket] = group
	}
	return groups
}
