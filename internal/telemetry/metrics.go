// Package telemetry exposes Prometheus metrics for the rebalancing engine:
// cycle duration, targets emitted, protection blocks, and the size of the
// core-asset/grace-period registries.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the rebalancer's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	rebalanceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rebalancer",
			Subsystem: "engine",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a full rebalance cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"result"},
	)

	targetsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rebalancer",
			Subsystem: "engine",
			Name:      "targets_emitted_total",
			Help:      "Total rebalancing targets emitted, grouped by action.",
		},
		[]string{"action"},
	)

	protectionBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rebalancer",
			Subsystem: "protection",
			Name:      "blocks_total",
			Help:      "Total rebalance attempts blocked by a protection check.",
		},
		[]string{"check"},
	)

	coreAssetGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rebalancer",
			Subsystem: "protection",
			Name:      "core_assets_current",
			Help:      "Current number of assets holding core-asset immunity.",
		},
	)

	gracePositionGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rebalancer",
			Subsystem: "protection",
			Name:      "grace_positions_current",
			Help:      "Current number of positions in their grace period.",
		},
	)

	diversificationAdjustments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rebalancer",
			Subsystem: "diversification",
			Name:      "bucket_adjustments_total",
			Help:      "Total bucket-limit enforcement adjustments, grouped by bucket.",
		},
		[]string{"bucket"},
	)
)

func init() {
	Registry.MustRegister(
		rebalanceDuration,
		targetsEmitted,
		protectionBlocks,
		coreAssetGauge,
		gracePositionGauge,
		diversificationAdjustments,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered metrics in the
// Prometheus exposition format, mounted at /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordRebalanceCycle records the wall-clock duration of a rebalance
// cycle, labeled by its outcome ("success", "blocked", "error").
func RecordRebalanceCycle(result string, duration time.Duration) {
	rebalanceDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordTargetEmitted increments the count of targets emitted for the
// given action ("enter", "exit", "increase", "decrease", "hold").
func RecordTargetEmitted(action string) {
	targetsEmitted.WithLabelValues(action).Inc()
}

// RecordProtectionBlock increments the count of rebalance attempts
// blocked by the named check ("core_asset_immunity", "grace_period",
// "holding_period", "whipsaw").
func RecordProtectionBlock(check string) {
	protectionBlocks.WithLabelValues(check).Inc()
}

// SetCoreAssetCount updates the current core-asset gauge.
func SetCoreAssetCount(count int) {
	coreAssetGauge.Set(float64(count))
}

// SetGracePositionCount updates the current grace-position gauge.
func SetGracePositionCount(count int) {
	gracePositionGauge.Set(float64(count))
}

// RecordDiversificationAdjustment increments the count of bucket-limit
// enforcement adjustments for the named bucket.
func RecordDiversificationAdjustment(bucket string) {
	diversificationAdjustments.WithLabelValues(bucket).Inc()
}
