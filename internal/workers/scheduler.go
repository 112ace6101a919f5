// Package workers runs periodic housekeeping jobs (grace/holding/whipsaw
// registry pruning, core-asset lifecycle checks) against a caller-supplied
// clock; cmd/rebalancer supplies time.Now.
package workers

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is a unit of scheduled cleanup work. Run receives the date read
// from the Scheduler's clock, so a fixed clock keeps jobs reproducible.
type Job interface {
	Name() string
	Run(currentDate time.Time)
}

// Scheduler drives registered cleanup Jobs on a cron expression. The
// cron expression governs wall-clock trigger cadence; each tick supplies
// the date from the caller-provided clock to the job.
type Scheduler struct {
	mu     sync.Mutex
	logger *zap.Logger
	cron   *cron.Cron
	clock  func() time.Time
}

// NewScheduler constructs a Scheduler. clock supplies the "now" each job
// is run with; cmd/rebalancer passes time.Now, and tests can return a
// fixed instant.
func NewScheduler(logger *zap.Logger, clock func() time.Time) *Scheduler {
	return &Scheduler{
		logger: logger,
		cron:   cron.New(),
		clock:  clock,
	}
}

// AddJob registers job on the given standard five-field cron schedule
// (e.g. "*/15 * * * *" for every 15 minutes of wall-clock scheduling time).
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		now := s.clock()
		s.logger.Debug("running cleanup job", zap.String("job", job.Name()))
		job.Run(now)
	})
	if err != nil {
		return err
	}
	s.logger.Info("registered cleanup job", zap.String("job", job.Name()), zap.String("schedule", schedule))
	return nil
}

// RunNow executes job immediately, outside its schedule, useful for an
// end-of-run sweep.
func (s *Scheduler) RunNow(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.Run(s.clock())
}

// Start begins running registered jobs on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("cleanup scheduler started")
}

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("cleanup scheduler stopped")
}
