package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTerminal is returned when a write targets a job that already
	// reached completed, failed or cancelled.
	ErrTerminal = errors.New("job is in a terminal state")
	// ErrInvalidTransition is returned for a transition the state machine
	// does not allow from the current status.
	ErrInvalidTransition = errors.New("invalid job transition")
)

// MaxErrorLength bounds the diagnostic stored on a failed job.
const MaxErrorLength = 1024

// Job is the durable record of one video-to-scene conversion.
type Job struct {
	ID                     string        `json:"id"`
	TargetID               string        `json:"targetId"`
	Status                 JobStatus     `json:"status"`
	Stage                  *Stage        `json:"stage"`
	Progress               int           `json:"progress"`
	Settings               Settings      `json:"settings"`
	SourceInputs           []SourceInput `json:"sourceInputs"`
	Outputs                *Outputs      `json:"outputs"`
	Strategy               Strategy      `json:"strategy,omitempty"`
	AssignedWorkerIdentity string        `json:"assignedWorkerIdentity,omitempty"`
	StatusMessage          string        `json:"statusMessage,omitempty"`
	ErrorMessage           *string       `json:"errorMessage"`
	RetryCount             int           `json:"retryCount"`
	MaxRetries             int           `json:"maxRetries"`
	QueuedAt               time.Time     `json:"queuedAt"`
	StartedAt              *time.Time    `json:"startedAt,omitempty"`
	CompletedAt            *time.Time    `json:"completedAt,omitempty"`
	LastHeartbeat          *time.Time    `json:"lastHeartbeat,omitempty"`
	UpdatedAt              time.Time     `json:"updatedAt"`
}

// NewJob returns a queued job with progress zero.
func NewJob(id, targetID string, settings Settings, inputs []SourceInput, maxRetries int, now time.Time) *Job {
	in := make([]SourceInput, len(inputs))
	copy(in, inputs)
	return &Job{
		ID:           id,
		TargetID:     targetID,
		Status:       JobStatusQueued,
		Settings:     settings,
		SourceInputs: in,
		MaxRetries:   maxRetries,
		QueuedAt:     now,
		UpdatedAt:    now,
	}
}

func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// CurrentStage returns the stage or the empty string when there is none.
func (j *Job) CurrentStage() Stage {
	if j.Stage == nil {
		return ""
	}
	return *j.Stage
}

// ErrorText returns the stored diagnostic or the empty string.
func (j *Job) ErrorText() string {
	if j.ErrorMessage == nil {
		return ""
	}
	return *j.ErrorMessage
}

// Start hands the job to a strategy. Only a queued job can start and the
// owning identity is mandatory.
func (j *Job) Start(strategy Strategy, identity string, now time.Time) error {
	if j.IsTerminal() {
		return ErrTerminal
	}
	if j.Status != JobStatusQueued {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, j.Status)
	}
	if identity == "" {
		return fmt.Errorf("%w: start without worker identity", ErrInvalidTransition)
	}
	stage := StageDownloading
	j.Status = JobStatusProcessing
	j.Stage = &stage
	j.Strategy = strategy
	j.AssignedWorkerIdentity = identity
	j.StatusMessage = ""
	j.StartedAt = &now
	j.UpdatedAt = now
	return nil
}

// MarkPending records that no backend could take the job. It stays queued.
func (j *Job) MarkPending(note string, now time.Time) error {
	if j.IsTerminal() {
		return ErrTerminal
	}
	if j.Status != JobStatusQueued {
		return fmt.Errorf("%w: pending from %s", ErrInvalidTransition, j.Status)
	}
	j.Strategy = StrategyPending
	j.StatusMessage = note
	j.UpdatedAt = now
	return nil
}

// Advance moves a processing job forward. Progress never decreases; a
// lower value keeps the current one.
func (j *Job) Advance(stage Stage, progress int, now time.Time) error {
	if j.IsTerminal() {
		return ErrTerminal
	}
	if j.Status != JobStatusProcessing {
		return fmt.Errorf("%w: advance from %s", ErrInvalidTransition, j.Status)
	}
	progress = clampProgress(progress)
	if progress > j.Progress {
		j.Progress = progress
	}
	if stage != "" {
		s := stage
		j.Stage = &s
	}
	j.LastHeartbeat = &now
	j.UpdatedAt = now
	return nil
}

// Complete stores the outputs and closes the job.
func (j *Job) Complete(outputs Outputs, now time.Time) error {
	if j.IsTerminal() {
		return ErrTerminal
	}
	if j.Status != JobStatusProcessing {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, j.Status)
	}
	out := outputs
	j.Status = JobStatusCompleted
	j.Stage = nil
	j.Progress = 100
	j.Outputs = &out
	j.ErrorMessage = nil
	j.StatusMessage = ""
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// Fail closes the job with a diagnostic. A queued job can fail when its
// managed backend rejected the handoff.
func (j *Job) Fail(msg string, now time.Time) error {
	if j.IsTerminal() {
		return ErrTerminal
	}
	if msg == "" {
		msg = "processing failed"
	}
	msg = TruncateError(msg)
	j.Status = JobStatusFailed
	j.Stage = nil
	j.Outputs = nil
	j.ErrorMessage = &msg
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// Cancel records user intent to stop the job.
func (j *Job) Cancel(now time.Time) error {
	if j.IsTerminal() {
		return ErrTerminal
	}
	j.Status = JobStatusCancelled
	j.Stage = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// Note stores a non-terminal diagnostic, e.g. the error of an attempt that
// will be retried.
func (j *Job) Note(msg string, now time.Time) error {
	if j.IsTerminal() {
		return ErrTerminal
	}
	msg = TruncateError(msg)
	j.ErrorMessage = &msg
	j.UpdatedAt = now
	return nil
}

// TruncateError bounds msg to MaxErrorLength bytes.
func TruncateError(msg string) string {
	if len(msg) > MaxErrorLength {
		return msg[:MaxErrorLength]
	}
	return msg
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Clone returns a deep copy so callers can mutate safely.
func (j *Job) Clone() *Job {
	c := *j
	if j.Stage != nil {
		s := *j.Stage
		c.Stage = &s
	}
	if j.Outputs != nil {
		o := *j.Outputs
		o.FrameURLs = append([]string(nil), j.Outputs.FrameURLs...)
		c.Outputs = &o
	}
	if j.ErrorMessage != nil {
		e := *j.ErrorMessage
		c.ErrorMessage = &e
	}
	c.SourceInputs = append([]SourceInput(nil), j.SourceInputs...)
	if j.Settings.Motion != nil {
		m := *j.Settings.Motion
		c.Settings.Motion = &m
	}
	c.StartedAt = copyTime(j.StartedAt)
	c.CompletedAt = copyTime(j.CompletedAt)
	c.LastHeartbeat = copyTime(j.LastHeartbeat)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
