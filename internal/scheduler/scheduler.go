// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named maintenance task run on a cron schedule.
type Job struct {
	Name string
	// Schedule is a cron expression or descriptor such as "@every 5m". An
	// empty schedule disables the job.
	Schedule string
	Run      func(ctx context.Context) error
}

// Scheduler runs maintenance jobs. A job that is still running when its
// next tick fires is skipped for that tick.
type Scheduler struct {
	jobs   []Job
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func New(jobs ...Job) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:   jobs,
		cron:   cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:    ctx,
		cancel: cancel,
		logger: slog.Default().With("component", "scheduler"),
	}
}

// Start registers every enabled job and starts the ticker. An invalid
// schedule is a configuration error and nothing is started.
func (s *Scheduler) Start() error {
	for _, job := range s.jobs {
		if job.Schedule == "" || job.Run == nil {
			continue
		}
		_, err := s.cron.AddFunc(job.Schedule, func() { s.run(job) })
		if err != nil {
			return fmt.Errorf("schedule %s %q: %w", job.Name, job.Schedule, err)
		}
		s.logger.Info("scheduled job", "name", job.Name, "schedule", job.Schedule)
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) run(job Job) {
	start := time.Now()
	if err := job.Run(s.ctx); err != nil {
		s.logger.Warn("job failed", "name", job.Name, "error", err)
		return
	}
	s.logger.Debug("job done", "name", job.Name, "duration", time.Since(start))
}

// Stop stops the ticker, cancels running jobs and waits for them.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.cancel()
	<-done.Done()
}
