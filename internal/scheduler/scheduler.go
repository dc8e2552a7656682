// Package scheduler runs periodic maintenance for the call log: retention of
// old calls and the running-marker heartbeat of the active service run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/prismaqf/callblocker/internal/session"
)

// Retainer deletes logged calls older than a cutoff.
type Retainer interface {
	DeleteCallsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Heartbeater refreshes the running marker of the current run.
type Heartbeater interface {
	Heartbeat(ctx context.Context) error
}

// Config configures a Scheduler.
type Config struct {
	Location          *time.Location // zone for cron specs; nil means Local
	RetentionSchedule string         // cron spec, e.g. "@daily" or "0 3 * * *"
	RetentionDays     int            // 0 disables the retention job
	HeartbeatInterval time.Duration  // 0 disables the heartbeat job
	Retainer          Retainer
	Heartbeater       Heartbeater
	Logger            *slog.Logger
}

// Scheduler wraps a cron instance with the maintenance jobs registered.
type Scheduler struct {
	cron     *cron.Cron
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	jobCount int
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New registers the enabled jobs. It returns an error for an invalid spec.
func New(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}

	s := &Scheduler{
		cron:   cron.New(cron.WithLocation(loc), cron.WithParser(cronParser)),
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}

	if cfg.RetentionDays > 0 && cfg.Retainer != nil {
		spec := cfg.RetentionSchedule
		if spec == "" {
			spec = "@daily"
		}
		if _, err := s.cron.AddFunc(spec, func() { s.RunRetention(context.Background()) }); err != nil {
			return nil, fmt.Errorf("scheduling retention %q: %w", spec, err)
		}
		s.jobCount++
	}

	if cfg.HeartbeatInterval > 0 && cfg.Heartbeater != nil {
		spec := fmt.Sprintf("@every %s", cfg.HeartbeatInterval)
		if _, err := s.cron.AddFunc(spec, func() { s.runHeartbeat(context.Background()) }); err != nil {
			return nil, fmt.Errorf("scheduling heartbeat: %w", err)
		}
		s.jobCount++
	}

	return s, nil
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int {
	return s.jobCount
}

// Run starts the cron loop and blocks until ctx is cancelled, then waits for
// running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", s.jobCount)

	<-ctx.Done()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// RunRetention deletes calls older than the configured number of days.
func (s *Scheduler) RunRetention(ctx context.Context) (int64, error) {
	if s.cfg.RetentionDays <= 0 || s.cfg.Retainer == nil {
		return 0, nil
	}
	cutoff := s.now().AddDate(0, 0, -s.cfg.RetentionDays)
	n, err := s.cfg.Retainer.DeleteCallsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention failed", "error", err)
		return 0, err
	}
	if n > 0 {
		s.logger.Info("retention removed old calls", "deleted", n, "cutoff", cutoff.Format(time.DateOnly))
	}
	return n, nil
}

func (s *Scheduler) runHeartbeat(ctx context.Context) {
	err := s.cfg.Heartbeater.Heartbeat(ctx)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotRunning):
		s.logger.Debug("heartbeat skipped, no active run")
	default:
		s.logger.Warn("heartbeat failed", "error", err)
	}
}
