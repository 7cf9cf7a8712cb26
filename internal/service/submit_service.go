package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gameview/processing/internal/model"
	"github.com/gameview/processing/internal/store"
)

// SubmitService creates jobs and hands them to the dispatcher.
type SubmitService struct {
	store      store.Store
	dispatcher *Dispatcher
	validate   *validator.Validate
	maxRetries int
	log        logrus.FieldLogger
}

func NewSubmitService(st store.Store, dispatcher *Dispatcher, v *validator.Validate, maxRetries int, log logrus.FieldLogger) *SubmitService {
	return &SubmitService{store: st, dispatcher: dispatcher, validate: v, maxRetries: maxRetries, log: log}
}

func (s *SubmitService) Submit(ctx context.Context, req *model.SubmitRequest) (*model.SubmitResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, &ValidationError{Message: "Validation failed", Err: err}
	}

	job := model.NewJob(uuid.New().String(), req.TargetID, req.Settings.WithDefaults(), req.SourceInputs, s.maxRetries, time.Now())
	if err := s.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}
	s.log.WithFields(logrus.Fields{"job_id": job.ID, "target_id": job.TargetID, "inputs": len(job.SourceInputs)}).Info("job submitted")

	outcome, err := s.dispatcher.Dispatch(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to dispatch job: %w", err)
	}

	current, err := s.store.Get(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	return &model.SubmitResponse{Job: current, Outcome: outcome}, nil
}

// GetJob returns the stored job snapshot.
func (s *SubmitService) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return s.store.Get(ctx, jobID)
}
