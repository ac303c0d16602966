// Package housekeeping drives periodic maintenance work — capability
// refresh for agents, channel garbage-collection reporting — on top of
// github.com/go-co-op/gocron/v2, the same cron engine the teacher used for
// its ingestion-scheduling orchestrator.
package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"vworld/internal/logging"
)

// Jobs wraps a gocron scheduler dedicated to one-shot and recurring
// maintenance tasks, separate from the process scheduler's own worker
// pool: these are wall-clock-driven housekeeping duties, not cooperative
// processes.
type Jobs struct {
	logger *slog.Logger
	cron   gocron.Scheduler
}

// New starts a gocron scheduler for housekeeping jobs.
func New(logger *slog.Logger) (*Jobs, error) {
	cron, err := gocron.NewScheduler(gocron.WithLimitConcurrentJobs(4, gocron.LimitModeReschedule))
	if err != nil {
		return nil, fmt.Errorf("housekeeping: new scheduler: %w", err)
	}
	j := &Jobs{
		logger: logging.Default(logger).With("component", "housekeeping"),
		cron:   cron,
	}
	cron.Start()
	return j, nil
}

// RefreshCapabilitiesAfter submits a one-time job that calls refresh once
// interval has elapsed, mirroring spec 4.6's "≈180 seconds of real time"
// capability-refresh rule. UserAgent is its only caller; puppet agents do
// not schedule a refresh.
func (j *Jobs) RefreshCapabilitiesAfter(interval time.Duration, name string, refresh func(ctx context.Context) error) error {
	job, err := j.cron.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(interval))),
		gocron.NewTask(func() {
			if err := refresh(context.Background()); err != nil {
				j.logger.Warn("capability refresh failed", "agent", name, "error", err)
			}
		}),
		gocron.WithEventListeners(
			gocron.AfterJobRuns(func(id uuid.UUID, jobName string) {
				j.logger.Debug("capability refresh ran", "agent", name)
			}),
		),
	)
	if err != nil {
		return fmt.Errorf("housekeeping: schedule capability refresh for %s: %w", name, err)
	}
	_ = job
	return nil
}

// ChannelSweepReport submits a recurring job that logs a GC-pressure style
// summary of live channel count, via countFn, every interval.
func (j *Jobs) ChannelSweepReport(interval time.Duration, countFn func() int) error {
	_, err := j.cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			j.logger.Info("channel sweep report", "live_channels", countFn())
		}),
	)
	if err != nil {
		return fmt.Errorf("housekeeping: schedule channel sweep report: %w", err)
	}
	return nil
}

// Stop shuts down the gocron scheduler, waiting for in-flight jobs.
func (j *Jobs) Stop() error {
	return j.cron.Shutdown()
}
