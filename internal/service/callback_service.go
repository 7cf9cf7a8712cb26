package service

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/gameview/processing/internal/model"
	"github.com/gameview/processing/internal/store"
)

// CallbackResult is the answer to a backend callback. HTTPStatus and Code
// drive the response; the rest is the body of a 200.
type CallbackResult struct {
	HTTPStatus int             `json:"-"`
	Code       string          `json:"-"`
	Details    interface{}     `json:"-"`
	Success    bool            `json:"success"`
	JobID      string          `json:"jobId,omitempty"`
	Status     model.JobStatus `json:"status,omitempty"`
	Message    string          `json:"message"`
}

const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodeService      = "SERVICE_ERROR"
)

func reject(status int, code, message string) *CallbackResult {
	return &CallbackResult{HTTPStatus: status, Code: code, Message: message}
}

func accepted(job *model.Job, message string) *CallbackResult {
	return &CallbackResult{HTTPStatus: http.StatusOK, Success: true, JobID: job.ID, Status: job.Status, Message: message}
}

// CallbackService applies completion and progress notices sent by
// execution backends.
type CallbackService struct {
	store    store.Store
	tokens   *CallbackTokens
	validate *validator.Validate
	notifier *Notifier
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewCallbackService(st store.Store, tokens *CallbackTokens, v *validator.Validate, notifier *Notifier, log logrus.FieldLogger) *CallbackService {
	return &CallbackService{store: st, tokens: tokens, validate: v, notifier: notifier, log: log, now: time.Now}
}

// authorize runs the checks shared by both notice kinds: token, lookup
// and worker identity.
func (s *CallbackService) authorize(ctx context.Context, token, jobID, workerID string) (*model.Job, *CallbackResult) {
	if err := s.tokens.Verify(token, jobID); err != nil {
		s.log.WithError(err).WithField("job_id", jobID).Warn("callback token rejected")
		return nil, reject(http.StatusUnauthorized, CodeUnauthorized, "Invalid callback token")
	}
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, reject(http.StatusNotFound, CodeNotFound, "Job not found")
		}
		return nil, reject(http.StatusInternalServerError, CodeService, err.Error())
	}
	if job.AssignedWorkerIdentity == "" || workerID != job.AssignedWorkerIdentity {
		s.log.WithFields(logrus.Fields{
			"job_id":   jobID,
			"expected": job.AssignedWorkerIdentity,
			"got":      workerID,
		}).Warn("callback from unexpected worker")
		return nil, reject(http.StatusConflict, CodeConflict, "Worker identity does not match the job assignment")
	}
	return job, nil
}

// Receive handles a completion notice.
func (s *CallbackService) Receive(ctx context.Context, token string, raw []byte) *CallbackResult {
	var p model.CallbackPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return reject(http.StatusBadRequest, CodeValidation, "Invalid callback body")
	}
	jobID := p.ResolvedJobID()
	if jobID == "" || p.Success == nil {
		return reject(http.StatusBadRequest, CodeValidation, "jobId and success are required")
	}

	job, rejected := s.authorize(ctx, token, jobID, p.ResolvedWorkerID())
	if rejected != nil {
		return rejected
	}
	if job.IsTerminal() {
		return accepted(job, "Job already finalized")
	}

	var mutate func(*model.Job) error
	if *p.Success {
		outputs, res := s.parseOutputs(job, &p)
		if res != nil {
			return res
		}
		mutate = func(j *model.Job) error { return j.Complete(*outputs, s.now()) }
	} else {
		msg := p.ResolvedError()
		if msg == "" {
			return reject(http.StatusBadRequest, CodeValidation, "errorMessage is required when success is false")
		}
		mutate = func(j *model.Job) error { return j.Fail(msg, s.now()) }
	}

	updated, err := s.store.Update(ctx, jobID, mutate)
	if err != nil {
		if errors.Is(err, model.ErrTerminal) {
			// A concurrent delivery won.
			current, getErr := s.store.Get(ctx, jobID)
			if getErr != nil {
				return reject(http.StatusInternalServerError, CodeService, getErr.Error())
			}
			return accepted(current, "Job already finalized")
		}
		if errors.Is(err, model.ErrInvalidTransition) {
			return reject(http.StatusConflict, CodeConflict, err.Error())
		}
		return reject(http.StatusInternalServerError, CodeService, err.Error())
	}

	s.log.WithFields(logrus.Fields{"job_id": jobID, "status": updated.Status}).Info("callback applied")
	s.notifier.Finished(ctx, updated)
	return accepted(updated, "Callback applied")
}

func (s *CallbackService) parseOutputs(job *model.Job, p *model.CallbackPayload) (*model.Outputs, *CallbackResult) {
	if !p.HasOutputs() {
		return nil, reject(http.StatusBadRequest, CodeValidation, "outputs are required when success is true")
	}
	// Static runs of the GPU backend report the camera file as camerasUrl;
	// older backends name the scene url.
	var wire struct {
		model.Outputs
		URL        string `json:"url"`
		CamerasURL string `json:"camerasUrl"`
	}
	if err := json.Unmarshal(p.Outputs, &wire); err != nil {
		return nil, reject(http.StatusBadRequest, CodeValidation, "Invalid outputs")
	}
	outputs := wire.Outputs
	if outputs.PlyURL == "" {
		outputs.PlyURL = wire.URL
	}
	if outputs.MetadataURL == "" {
		outputs.MetadataURL = wire.CamerasURL
	}
	if err := s.validate.Struct(&outputs); err != nil {
		res := reject(http.StatusBadRequest, CodeValidation, "Outputs validation failed")
		res.Details = FormatValidationErrors(err)
		return nil, res
	}
	if job.Settings.IsMotion() {
		if err := s.validate.Struct(outputs.MotionFields()); err != nil {
			res := reject(http.StatusBadRequest, CodeValidation, "Motion outputs validation failed")
			res.Details = FormatValidationErrors(err)
			return nil, res
		}
		outputs.MotionEnabled = true
	}
	return &outputs, nil
}

// ReportProgress handles an intermediate progress notice.
func (s *CallbackService) ReportProgress(ctx context.Context, token string, raw []byte) *CallbackResult {
	var r model.ProgressReport
	if err := json.Unmarshal(raw, &r); err != nil {
		return reject(http.StatusBadRequest, CodeValidation, "Invalid progress body")
	}
	jobID := r.ResolvedJobID()
	if jobID == "" {
		return reject(http.StatusBadRequest, CodeValidation, "jobId is required")
	}

	job, rejected := s.authorize(ctx, token, jobID, r.ResolvedWorkerID())
	if rejected != nil {
		return rejected
	}
	if job.IsTerminal() {
		return accepted(job, "Job already finalized")
	}

	stage, _ := model.StageFromTool(r.Stage)
	value := int(math.Round(r.Progress))
	updated, err := s.store.Update(ctx, jobID, func(j *model.Job) error {
		return j.Advance(stage, value, s.now())
	})
	if err != nil {
		if errors.Is(err, model.ErrTerminal) {
			current, getErr := s.store.Get(ctx, jobID)
			if getErr != nil {
				return reject(http.StatusInternalServerError, CodeService, getErr.Error())
			}
			return accepted(current, "Job already finalized")
		}
		if errors.Is(err, model.ErrInvalidTransition) {
			return reject(http.StatusConflict, CodeConflict, err.Error())
		}
		return reject(http.StatusInternalServerError, CodeService, err.Error())
	}

	s.notifier.Changed(ctx, updated, r.Message)
	return accepted(updated, "Progress recorded")
}

// FormatValidationErrors maps field names to the failing tag.
func FormatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		out := make(map[string]string)
		for _, e := range validationErrors {
			out[e.Field()] = e.Tag()
		}
		return out
	}
	return nil
}
