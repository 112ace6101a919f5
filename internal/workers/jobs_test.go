package workers_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/rebalancer/internal/workers"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeGraceCleaner struct{ removed int }

func (f *fakeGraceCleaner) CleanExpired(time.Time) int { return f.removed }

type fakeHoldingCleaner struct{ removed int }

func (f *fakeHoldingCleaner) CleanExpiredOverrides(time.Time) int { return f.removed }

type fakeWhipsawCleaner struct{ removed int }

func (f *fakeWhipsawCleaner) CleanExpiredEvents(time.Time) int { return f.removed }

type fakeCoreAssetRunner struct{ actions map[string]string }

func (f *fakeCoreAssetRunner) PerformLifecycleCheck(time.Time) map[string]string { return f.actions }

func TestGraceCleanupJobDelegatesToCleaner(t *testing.T) {
	cleaner := &fakeGraceCleaner{removed: 3}
	job := workers.NewGraceCleanupJob(zap.NewNop(), cleaner)

	require.Equal(t, "grace_period_cleanup", job.Name())
	job.Run(time.Now())
}

func TestHoldingOverrideCleanupJobDelegatesToCleaner(t *testing.T) {
	cleaner := &fakeHoldingCleaner{removed: 1}
	job := workers.NewHoldingOverrideCleanupJob(zap.NewNop(), cleaner)

	require.Equal(t, "holding_override_cleanup", job.Name())
	job.Run(time.Now())
}

func TestWhipsawCleanupJobDelegatesToCleaner(t *testing.T) {
	cleaner := &fakeWhipsawCleaner{removed: 0}
	job := workers.NewWhipsawCleanupJob(zap.NewNop(), cleaner)

	require.Equal(t, "whipsaw_event_cleanup", job.Name())
	job.Run(time.Now())
}

func TestCoreAssetLifecycleJobDelegatesToRunner(t *testing.T) {
	runner := &fakeCoreAssetRunner{actions: map[string]string{
		"AAPL": "auto_revoked: underperformance",
		"MSFT": "retained: no checks due",
	}}
	job := workers.NewCoreAssetLifecycleJob(zap.NewNop(), runner)

	require.Equal(t, "core_asset_lifecycle_check", job.Name())
	job.Run(time.Now())
}
