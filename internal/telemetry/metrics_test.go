package telemetry_test

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/atlas-desktop/rebalancer/internal/telemetry"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	telemetry.RecordRebalanceCycle("success", 150*time.Millisecond)
	telemetry.RecordTargetEmitted("enter")
	telemetry.RecordProtectionBlock("whipsaw")
	telemetry.SetCoreAssetCount(3)
	telemetry.SetGracePositionCount(2)
	telemetry.RecordDiversificationAdjustment("Risk Assets")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	telemetry.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "rebalancer_engine_cycle_duration_seconds")
	require.Contains(t, body, "rebalancer_engine_targets_emitted_total")
	require.Contains(t, body, "rebalancer_protection_blocks_total")
	require.Contains(t, body, "rebalancer_protection_core_assets_current 3")
	require.Contains(t, body, "rebalancer_protection_grace_positions_current 2")
	require.Contains(t, body, "rebalancer_diversification_bucket_adjustments_total")
}
