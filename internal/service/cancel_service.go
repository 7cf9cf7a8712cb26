package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gameview/processing/internal/model"
	"github.com/gameview/processing/internal/store"
)

const stopTimeout = 5 * time.Second

// CancelService records cancellation and asks the owning backend to stop.
type CancelService struct {
	store      store.Store
	notifier   *Notifier
	strategies map[model.Strategy]Strategy
	log        logrus.FieldLogger
}

func NewCancelService(st store.Store, notifier *Notifier, strategies []Strategy, log logrus.FieldLogger) *CancelService {
	m := make(map[model.Strategy]Strategy, len(strategies))
	for _, s := range strategies {
		if s != nil {
			m[s.Name()] = s
		}
	}
	return &CancelService{store: st, notifier: notifier, strategies: m, log: log}
}

func (s *CancelService) Cancel(ctx context.Context, jobID string) (*model.CancelResponse, error) {
	updated, err := s.store.Update(ctx, jobID, func(j *model.Job) error {
		return j.Cancel(time.Now())
	})
	if err != nil {
		if errors.Is(err, model.ErrTerminal) {
			job, getErr := s.store.Get(ctx, jobID)
			if getErr != nil {
				return nil, getErr
			}
			return &model.CancelResponse{Success: false, JobID: jobID, Status: job.Status}, nil
		}
		return nil, err
	}

	log := s.log.WithFields(logrus.Fields{"job_id": jobID, "strategy": updated.Strategy})
	log.Info("job cancelled")
	s.notifier.Finished(ctx, updated)

	if strategy, ok := s.strategies[updated.Strategy]; ok {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()
		if err := strategy.Stop(stopCtx, updated); err != nil {
			log.WithError(err).Warn("failed to stop backend run")
		}
	}

	return &model.CancelResponse{Success: true, JobID: jobID, Status: updated.Status}, nil
}
