package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gameview/processing/internal/model"
	"github.com/gameview/processing/internal/store"
)

// Dispatcher walks the strategy chain for a queued job.
type Dispatcher struct {
	store      store.Store
	strategies []Strategy
	notifier   *Notifier
	log        logrus.FieldLogger
	now        func() time.Time
}

func NewDispatcher(st store.Store, strategies []Strategy, notifier *Notifier, log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{store: st, strategies: strategies, notifier: notifier, log: log, now: time.Now}
}

// Strategies returns the chain in order.
func (d *Dispatcher) Strategies() []Strategy {
	return d.strategies
}

// Strategy returns the chain member named name.
func (d *Dispatcher) Strategy(name model.Strategy) (Strategy, bool) {
	for _, s := range d.strategies {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

func (d *Dispatcher) Dispatch(ctx context.Context, jobID string) (*model.DispatchOutcome, error) {
	job, err := d.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusQueued {
		return nil, ErrAlreadyDispatched
	}

	log := d.log.WithField("job_id", job.ID)
	var skipped []model.SkippedStrategy

	for _, s := range d.strategies {
		if s.Name() == model.StrategyPending {
			return d.markPending(ctx, job.ID, skipped)
		}

		identity, err := s.Dispatch(ctx, job)
		if err != nil {
			if errors.Is(err, ErrBackendUnavailable) {
				log.WithError(err).WithField("strategy", s.Name()).Warn("strategy unavailable, trying next")
				skipped = append(skipped, model.SkippedStrategy{Strategy: s.Name(), Reason: err.Error()})
				continue
			}
			return d.fail(ctx, job.ID, s.Name(), err, skipped)
		}

		updated, err := d.store.Update(ctx, job.ID, func(j *model.Job) error {
			return j.Start(s.Name(), identity, d.now())
		})
		if err != nil {
			if errors.Is(err, model.ErrInvalidTransition) || errors.Is(err, model.ErrTerminal) {
				// Someone else moved the job; do not leave our run behind.
				if stopErr := s.Stop(ctx, job); stopErr != nil {
					log.WithError(stopErr).Warn("failed to stop orphaned run")
				}
				return nil, ErrAlreadyDispatched
			}
			return nil, fmt.Errorf("failed to record dispatch: %w", err)
		}

		log.WithFields(logrus.Fields{"strategy": s.Name(), "identity": identity}).Info("job dispatched")
		d.notifier.Changed(ctx, updated, "Processing started")
		return &model.DispatchOutcome{
			Strategy:       s.Name(),
			Accepted:       true,
			Status:         updated.Status,
			WorkerIdentity: identity,
			Skipped:        skipped,
		}, nil
	}

	// The chain always ends with pending; reaching here means it was
	// built without it.
	return d.markPending(ctx, job.ID, skipped)
}

func (d *Dispatcher) markPending(ctx context.Context, jobID string, skipped []model.SkippedStrategy) (*model.DispatchOutcome, error) {
	updated, err := d.store.Update(ctx, jobID, func(j *model.Job) error {
		return j.MarkPending(PendingNote, d.now())
	})
	if err != nil {
		if errors.Is(err, model.ErrInvalidTransition) || errors.Is(err, model.ErrTerminal) {
			return nil, ErrAlreadyDispatched
		}
		return nil, fmt.Errorf("failed to mark job pending: %w", err)
	}
	d.log.WithField("job_id", jobID).Info("no processing backend available, job pending")
	d.notifier.Changed(ctx, updated, PendingNote)
	return &model.DispatchOutcome{
		Strategy:   model.StrategyPending,
		Accepted:   true,
		Status:     updated.Status,
		Diagnostic: PendingNote,
		Skipped:    skipped,
	}, nil
}

func (d *Dispatcher) fail(ctx context.Context, jobID string, strategy model.Strategy, cause error, skipped []model.SkippedStrategy) (*model.DispatchOutcome, error) {
	diagnostic := model.TruncateError(cause.Error())
	updated, err := d.store.Update(ctx, jobID, func(j *model.Job) error {
		if j.Status != model.JobStatusQueued {
			return ErrAlreadyDispatched
		}
		j.Strategy = strategy
		return j.Fail(diagnostic, d.now())
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyDispatched) || errors.Is(err, model.ErrTerminal) {
			return nil, ErrAlreadyDispatched
		}
		return nil, fmt.Errorf("failed to record dispatch failure: %w", err)
	}
	d.log.WithError(cause).WithFields(logrus.Fields{"job_id": jobID, "strategy": strategy}).Error("dispatch rejected, job failed")
	d.notifier.Finished(ctx, updated)
	return &model.DispatchOutcome{
		Strategy:   strategy,
		Accepted:   false,
		Status:     updated.Status,
		Diagnostic: diagnostic,
		Skipped:    skipped,
	}, nil
}
