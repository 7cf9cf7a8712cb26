package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/gameview/processing/internal/config"
	"github.com/gameview/processing/internal/model"
	"github.com/gameview/processing/internal/service"
	"github.com/gameview/processing/internal/store"
)

var errNotStale = errors.New("job is not stale")

// Reaper fails processing jobs whose backend went quiet.
type Reaper struct {
	cfg      config.ReaperConfig
	store    store.Store
	notifier *service.Notifier
	cron     *cron.Cron
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewReaper(cfg config.ReaperConfig, st store.Store, notifier *service.Notifier, log logrus.FieldLogger) *Reaper {
	return &Reaper{
		cfg:      cfg,
		store:    st,
		notifier: notifier,
		cron:     cron.New(),
		log:      log,
		now:      time.Now,
	}
}

// Start schedules the sweep.
func (r *Reaper) Start() error {
	schedule := r.cfg.Schedule
	if schedule == "" {
		schedule = "@every 1m"
	}
	if _, err := r.cron.AddFunc(schedule, r.runSweep); err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", schedule, err)
	}
	r.cron.Start()
	r.log.WithField("schedule", schedule).Info("stale job reaper started")
	return nil
}

// Stop waits for a running sweep to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
	r.log.Info("stale job reaper stopped")
}

func (r *Reaper) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := r.Sweep(ctx)
	if err != nil {
		r.log.WithError(err).Error("stale job sweep failed")
		return
	}
	if n > 0 {
		r.log.WithField("reaped", n).Info("stale job sweep completed")
	}
}

// staleReason returns a diagnostic when job has been silent for too long.
func (r *Reaper) staleReason(job *model.Job, now time.Time) string {
	if job.Status != model.JobStatusProcessing {
		return ""
	}
	switch job.Strategy {
	case model.StrategyLegacy:
		last := job.LastHeartbeat
		if last == nil {
			last = job.StartedAt
		}
		if r.cfg.HeartbeatTimeout > 0 && last != nil && now.Sub(*last) > r.cfg.HeartbeatTimeout {
			return fmt.Sprintf("No progress from the processing worker for %s", r.cfg.HeartbeatTimeout)
		}
	case model.StrategyManaged:
		if r.cfg.ManagedTimeout > 0 && job.StartedAt != nil && now.Sub(*job.StartedAt) > r.cfg.ManagedTimeout {
			return fmt.Sprintf("Managed backend did not report back within %s", r.cfg.ManagedTimeout)
		}
	}
	return ""
}

// Sweep fails every stale processing job and returns how many it closed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	jobs, err := r.store.ListByStatus(ctx, model.JobStatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to list processing jobs: %w", err)
	}

	reaped := 0
	for _, job := range jobs {
		if r.staleReason(job, r.now()) == "" {
			continue
		}
		updated, err := r.store.Update(ctx, job.ID, func(j *model.Job) error {
			reason := r.staleReason(j, r.now())
			if reason == "" {
				return errNotStale
			}
			return j.Fail(reason, r.now())
		})
		if err != nil {
			if errors.Is(err, errNotStale) || errors.Is(err, model.ErrTerminal) || errors.Is(err, store.ErrNotFound) {
				continue
			}
			r.log.WithError(err).WithField("job_id", job.ID).Error("failed to reap job")
			continue
		}
		r.log.WithFields(logrus.Fields{"job_id": job.ID, "strategy": job.Strategy}).Warn("reaped stale job")
		r.notifier.Finished(ctx, updated)
		reaped++
	}
	return reaped, nil
}
