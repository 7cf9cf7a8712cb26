package model

import (
	"bytes"
	"encoding/json"
	"time"
)

// SubmitRequest creates a job for a target artifact.
type SubmitRequest struct {
	TargetID     string        `json:"targetId" validate:"required"`
	SourceInputs []SourceInput `json:"sourceInputs" validate:"required,min=1,max=16,dive"`
	Settings     Settings      `json:"settings"`
}

// SubmitResponse is returned after the job has been dispatched.
type SubmitResponse struct {
	Job     *Job             `json:"job"`
	Outcome *DispatchOutcome `json:"outcome"`
}

// DispatchOutcome reports how a dispatch attempt ended.
type DispatchOutcome struct {
	Strategy       Strategy          `json:"strategy"`
	Accepted       bool              `json:"accepted"`
	Status         JobStatus         `json:"status"`
	WorkerIdentity string            `json:"workerIdentity,omitempty"`
	Diagnostic     string            `json:"diagnostic,omitempty"`
	Skipped        []SkippedStrategy `json:"skipped,omitempty"`
}

// SkippedStrategy is a strategy that was unavailable during dispatch.
type SkippedStrategy struct {
	Strategy Strategy `json:"strategy"`
	Reason   string   `json:"reason"`
}

// CancelRequest asks to cancel a job.
type CancelRequest struct {
	JobID string `json:"jobId" validate:"required"`
}

// CancelResponse reports the status after a cancel request.
type CancelResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
}

// CallbackPayload is the completion notice sent by an execution backend.
// The snake_case aliases are what the GPU workers send.
type CallbackPayload struct {
	JobID        string          `json:"jobId"`
	ProductionID string          `json:"production_id"`
	Success      *bool           `json:"success"`
	WorkerID     string          `json:"workerId"`
	CallID       string          `json:"call_id"`
	JobRunID     string          `json:"jobRunId"`
	Outputs      json.RawMessage `json:"outputs"`
	ErrorMessage string          `json:"errorMessage"`
	Error        string          `json:"error"`
}

// ResolvedJobID returns jobId or its alias.
func (p *CallbackPayload) ResolvedJobID() string {
	if p.JobID != "" {
		return p.JobID
	}
	return p.ProductionID
}

// ResolvedWorkerID returns the first identity field that is set.
func (p *CallbackPayload) ResolvedWorkerID() string {
	for _, v := range []string{p.WorkerID, p.JobRunID, p.CallID} {
		if v != "" {
			return v
		}
	}
	return ""
}

// ResolvedError returns errorMessage or its alias.
func (p *CallbackPayload) ResolvedError() string {
	if p.ErrorMessage != "" {
		return p.ErrorMessage
	}
	return p.Error
}

// HasOutputs reports whether an outputs object was supplied.
func (p *CallbackPayload) HasOutputs() bool {
	trimmed := bytes.TrimSpace(p.Outputs)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// ProgressReport is an intermediate progress notice from a backend.
type ProgressReport struct {
	JobID        string  `json:"jobId"`
	ProductionID string  `json:"production_id"`
	WorkerID     string  `json:"workerId"`
	CallID       string  `json:"call_id"`
	JobRunID     string  `json:"jobRunId"`
	Stage        string  `json:"stage"`
	Progress     float64 `json:"progress"`
	Message      string  `json:"message"`
}

func (r *ProgressReport) ResolvedJobID() string {
	if r.JobID != "" {
		return r.JobID
	}
	return r.ProductionID
}

func (r *ProgressReport) ResolvedWorkerID() string {
	for _, v := range []string{r.WorkerID, r.JobRunID, r.CallID} {
		if v != "" {
			return v
		}
	}
	return ""
}

// CompletionNotice is sent downstream once a job reaches a terminal state.
type CompletionNotice struct {
	JobID       string     `json:"jobId"`
	TargetID    string     `json:"targetId"`
	Status      JobStatus  `json:"status"`
	Outputs     *Outputs   `json:"outputs,omitempty"`
	Error       string     `json:"error,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// NoticeFromJob builds the downstream notice for a terminal job.
func NoticeFromJob(j *Job) CompletionNotice {
	return CompletionNotice{
		JobID:       j.ID,
		TargetID:    j.TargetID,
		Status:      j.Status,
		Outputs:     j.Outputs,
		Error:       j.ErrorText(),
		CompletedAt: j.CompletedAt,
	}
}
