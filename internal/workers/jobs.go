package workers

import (
	"time"

	"go.uber.org/zap"
)

// GraceCleaner drops expired grace-period bookkeeping.
type GraceCleaner interface {
	CleanExpired(date time.Time) int
}

// HoldingOverrideCleaner drops stale regime-override bookkeeping.
type HoldingOverrideCleaner interface {
	CleanExpiredOverrides(currentDate time.Time) int
}

// WhipsawCleaner drops stale whipsaw event history.
type WhipsawCleaner interface {
	CleanExpiredEvents(date time.Time) int
}

// CoreAssetLifecycleRunner performs core-asset auto-revocation and
// performance checks.
type CoreAssetLifecycleRunner interface {
	PerformLifecycleCheck(date time.Time) map[string]string
}

// GraceCleanupJob adapts a GraceCleaner to the Job interface.
type GraceCleanupJob struct {
	logger  *zap.Logger
	cleaner GraceCleaner
}

// NewGraceCleanupJob constructs a GraceCleanupJob.
func NewGraceCleanupJob(logger *zap.Logger, cleaner GraceCleaner) *GraceCleanupJob {
	return &GraceCleanupJob{logger: logger, cleaner: cleaner}
}

// Name identifies this job for logging.
func (j *GraceCleanupJob) Name() string { return "grace_period_cleanup" }

// Run prunes expired grace positions as of currentDate.
func (j *GraceCleanupJob) Run(currentDate time.Time) {
	removed := j.cleaner.CleanExpired(currentDate)
	if removed > 0 {
		j.logger.Info("pruned expired grace positions", zap.Int("removed", removed))
	}
}

// HoldingOverrideCleanupJob adapts a HoldingOverrideCleaner to the Job
// interface.
type HoldingOverrideCleanupJob struct {
	logger  *zap.Logger
	cleaner HoldingOverrideCleaner
}

// NewHoldingOverrideCleanupJob constructs a HoldingOverrideCleanupJob.
func NewHoldingOverrideCleanupJob(logger *zap.Logger, cleaner HoldingOverrideCleaner) *HoldingOverrideCleanupJob {
	return &HoldingOverrideCleanupJob{logger: logger, cleaner: cleaner}
}

// Name identifies this job for logging.
func (j *HoldingOverrideCleanupJob) Name() string { return "holding_override_cleanup" }

// Run prunes stale regime-override bookkeeping as of currentDate.
func (j *HoldingOverrideCleanupJob) Run(currentDate time.Time) {
	removed := j.cleaner.CleanExpiredOverrides(currentDate)
	if removed > 0 {
		j.logger.Info("pruned expired holding overrides", zap.Int("removed", removed))
	}
}

// WhipsawCleanupJob adapts a WhipsawCleaner to the Job interface.
type WhipsawCleanupJob struct {
	logger  *zap.Logger
	cleaner WhipsawCleaner
}

// NewWhipsawCleanupJob constructs a WhipsawCleanupJob.
func NewWhipsawCleanupJob(logger *zap.Logger, cleaner WhipsawCleaner) *WhipsawCleanupJob {
	return &WhipsawCleanupJob{logger: logger, cleaner: cleaner}
}

// Name identifies this job for logging.
func (j *WhipsawCleanupJob) Name() string { return "whipsaw_event_cleanup" }

// Run prunes stale whipsaw history as of currentDate.
func (j *WhipsawCleanupJob) Run(currentDate time.Time) {
	removed := j.cleaner.CleanExpiredEvents(currentDate)
	if removed > 0 {
		j.logger.Info("pruned expired whipsaw events", zap.Int("removed", removed))
	}
}

// CoreAssetLifecycleJob adapts a CoreAssetLifecycleRunner to the Job
// interface.
type CoreAssetLifecycleJob struct {
	logger *zap.Logger
	runner CoreAssetLifecycleRunner
}

// NewCoreAssetLifecycleJob constructs a CoreAssetLifecycleJob.
func NewCoreAssetLifecycleJob(logger *zap.Logger, runner CoreAssetLifecycleRunner) *CoreAssetLifecycleJob {
	return &CoreAssetLifecycleJob{logger: logger, runner: runner}
}

// Name identifies this job for logging.
func (j *CoreAssetLifecycleJob) Name() string { return "core_asset_lifecycle_check" }

// Run performs core-asset auto-revocation and performance checks as of
// currentDate.
func (j *CoreAssetLifecycleJob) Run(currentDate time.Time) {
	actions := j.runner.PerformLifecycleCheck(currentDate)
	for asset, action := range actions {
		if action != "retained: no checks due" {
			j.logger.Debug("core asset lifecycle action", zap.String("asset", asset), zap.String("action", action))
		}
	}
}
