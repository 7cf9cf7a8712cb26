package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/gameview/processing/internal/client"
	"github.com/gameview/processing/internal/config"
	"github.com/gameview/processing/internal/model"
)

// Strategy hands a job to one kind of execution backend.
type Strategy interface {
	Name() model.Strategy
	// Dispatch returns the identity of the accepted run. Errors wrapping
	// ErrBackendUnavailable let the next strategy try.
	Dispatch(ctx context.Context, job *model.Job) (string, error)
	// Stop is best effort.
	Stop(ctx context.Context, job *model.Job) error
}

// NewStrategyChain orders the strategies once at startup. A configured
// managed backend is never bypassed for the local worker.
func NewStrategyChain(cfg *config.Config, managed, legacy Strategy) []Strategy {
	var chain []Strategy
	switch {
	case cfg.ManagedConfigured() && managed != nil:
		chain = append(chain, managed)
	case cfg.Legacy.Enabled && legacy != nil:
		chain = append(chain, legacy)
	}
	return append(chain, PendingStrategy{})
}

// ManagedStrategy triggers a run on the hosted GPU backend; results come
// back through the callback endpoint.
type ManagedStrategy struct {
	backend   client.ManagedBackend
	tokens    *CallbackTokens
	publicURL string
	log       logrus.FieldLogger
}

func NewManagedStrategy(backend client.ManagedBackend, tokens *CallbackTokens, publicURL string, log logrus.FieldLogger) *ManagedStrategy {
	return &ManagedStrategy{backend: backend, tokens: tokens, publicURL: publicURL, log: log}
}

func (s *ManagedStrategy) Name() model.Strategy { return model.StrategyManaged }

func (s *ManagedStrategy) CallbackURL(jobID string) (string, error) {
	u := s.publicURL + "/api/processing/callback"
	if s.tokens == nil {
		return u, nil
	}
	token, err := s.tokens.Issue(jobID)
	if err != nil {
		return "", fmt.Errorf("failed to sign callback token: %w", err)
	}
	return u + "?token=" + url.QueryEscape(token), nil
}

func (s *ManagedStrategy) Dispatch(ctx context.Context, job *model.Job) (string, error) {
	variant := model.SelectVariant(job.Settings)
	if !s.backend.Configured(variant) {
		return "", fmt.Errorf("%w: no managed endpoint for %s processing", ErrBackendUnavailable, variant)
	}
	callbackURL, err := s.CallbackURL(job.ID)
	if err != nil {
		return "", err
	}

	resp, err := s.backend.Trigger(ctx, variant, client.NewTriggerRequest(job, callbackURL))
	if err != nil {
		if errors.Is(err, client.ErrUnavailable) {
			return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return "", fmt.Errorf("managed backend rejected job: %w", err)
	}
	if !resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = "no reason given"
		}
		return "", fmt.Errorf("managed backend rejected job: %s", msg)
	}
	identity := resp.Identity()
	if identity == "" {
		return "", fmt.Errorf("managed backend accepted job without a run identifier")
	}
	s.log.WithFields(logrus.Fields{"job_id": job.ID, "run_id": identity, "variant": variant}).Info("managed run triggered")
	return identity, nil
}

// Stop is advisory; the managed backend exposes no cancel API, so a late
// callback is rejected by the terminal-state check instead.
func (s *ManagedStrategy) Stop(_ context.Context, job *model.Job) error {
	s.log.WithFields(logrus.Fields{"job_id": job.ID, "run_id": job.AssignedWorkerIdentity}).Info("managed run left to finish; late results will be ignored")
	return nil
}

const TaskTypeLegacy = "processing:legacy"

// Legacy queues, highest priority first
const (
	QueueLegacyHigh    = "legacy_high"
	QueueLegacyDefault = "legacy_default"
	QueueLegacyLow     = "legacy_low"
)

// LegacyQueues are the asynq queue weights the worker serves.
var LegacyQueues = map[string]int{
	QueueLegacyHigh:    6,
	QueueLegacyDefault: 3,
	QueueLegacyLow:     1,
}

// LegacyTaskPayload is the asynq payload of a legacy task.
type LegacyTaskPayload struct {
	JobID string `json:"jobId"`
}

// QueueForPreset maps a preset to its queue. Fast jobs go first.
func QueueForPreset(p model.Preset) string {
	switch p {
	case model.PresetFast:
		return QueueLegacyHigh
	case model.PresetQuality:
		return QueueLegacyLow
	default:
		return QueueLegacyDefault
	}
}

// TaskEnqueuer is the subset of *asynq.Client the legacy strategy uses.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskInspector is the subset of *asynq.Inspector used to stop tasks.
type TaskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
	CancelProcessing(id string) error
}

// LegacyStrategy queues the job for the local reconstruction worker.
type LegacyStrategy struct {
	client    TaskEnqueuer
	inspector TaskInspector
	timeout   time.Duration
	log       logrus.FieldLogger
}

func NewLegacyStrategy(c TaskEnqueuer, inspector TaskInspector, taskTimeout time.Duration, log logrus.FieldLogger) *LegacyStrategy {
	return &LegacyStrategy{client: c, inspector: inspector, timeout: taskTimeout, log: log}
}

func (s *LegacyStrategy) Name() model.Strategy { return model.StrategyLegacy }

func LegacyIdentity(taskID string) string {
	return "asynq:" + taskID
}

func (s *LegacyStrategy) Dispatch(ctx context.Context, job *model.Job) (string, error) {
	data, err := json.Marshal(LegacyTaskPayload{JobID: job.ID})
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	opts := []asynq.Option{
		asynq.TaskID(job.ID),
		asynq.Queue(QueueForPreset(job.Settings.Preset)),
		asynq.MaxRetry(job.MaxRetries),
		asynq.Retention(24 * time.Hour),
	}
	if s.timeout > 0 {
		opts = append(opts, asynq.Timeout(s.timeout))
	}

	info, err := s.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeLegacy, data), opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			// An earlier attempt enqueued it; the task is ours.
			return LegacyIdentity(job.ID), nil
		}
		return "", fmt.Errorf("%w: failed to enqueue task: %v", ErrBackendUnavailable, err)
	}
	s.log.WithFields(logrus.Fields{"job_id": job.ID, "task_id": info.ID, "queue": info.Queue}).Info("legacy task enqueued")
	return LegacyIdentity(info.ID), nil
}

// Stop deletes a task that has not started and asks an active one to
// cancel. The worker notices the cancelled job either way.
func (s *LegacyStrategy) Stop(_ context.Context, job *model.Job) error {
	if s.inspector == nil {
		return nil
	}
	queue := QueueForPreset(job.Settings.Preset)
	info, err := s.inspector.GetTaskInfo(queue, job.ID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return nil
		}
		return fmt.Errorf("failed to inspect task: %w", err)
	}
	if info.State == asynq.TaskStateActive {
		return s.inspector.CancelProcessing(job.ID)
	}
	if err := s.inspector.DeleteTask(queue, job.ID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// PendingStrategy accepts every job without running it; the job waits in
// Queued until a backend becomes available.
type PendingStrategy struct{}

const PendingNote = "Processing will begin once a processing backend becomes available"

func (PendingStrategy) Name() model.Strategy { return model.StrategyPending }

func (PendingStrategy) Dispatch(context.Context, *model.Job) (string, error) { return "", nil }

func (PendingStrategy) Stop(context.Context, *model.Job) error { return nil }
