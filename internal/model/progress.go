package model

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ProgressEvent is the unit delivered to progress observers.
type ProgressEvent struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Stage     Stage     `json:"stage,omitempty"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventFromJob snapshots the observable state of a job.
func EventFromJob(j *Job, message string) ProgressEvent {
	if message == "" {
		message = j.StatusMessage
	}
	return ProgressEvent{
		JobID:     j.ID,
		Status:    j.Status,
		Stage:     j.CurrentStage(),
		Progress:  j.Progress,
		Message:   message,
		Error:     j.ErrorText(),
		Timestamp: j.UpdatedAt,
	}
}

// Key identifies the observable state for change detection.
func (e ProgressEvent) Key() string {
	return fmt.Sprintf("%s|%s|%d", e.Status, e.Stage, e.Progress)
}

func (e ProgressEvent) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// Progress bands
const (
	DownloadBandEnd = 5
	ToolBandEnd     = 90
	UploadBandEnd   = 95
)

var toolStages = map[string]Stage{
	"downloading":      StageDownloading,
	"download":         StageDownloading,
	"frame_extraction": StageReconstructing,
	"extracting":       StageReconstructing,
	"colmap_features":  StageReconstructing,
	"colmap_matching":  StageReconstructing,
	"colmap_mapper":    StageReconstructing,
	"reconstructing":   StageReconstructing,
	"sfm":              StageReconstructing,
	"training":         StageTraining,
	"training_4d":      StageTraining,
	"exporting":        StageUploading,
	"uploading":        StageUploading,
	"complete":         StageFinalizing,
	"finalizing":       StageFinalizing,
}

// StageFromTool maps a stage name reported by the reconstruction tool or
// the managed backend to a Stage.
func StageFromTool(name string) (Stage, bool) {
	s, ok := toolStages[strings.ToLower(strings.TrimSpace(name))]
	return s, ok
}

// RescaleToolProgress maps the tool's 0-100 range into the 5-90 band.
func RescaleToolProgress(p float64) int {
	if math.IsNaN(p) || p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	span := float64(ToolBandEnd - DownloadBandEnd)
	return DownloadBandEnd + int(math.Floor(p*span/100))
}

// DownloadProgress maps fetched/total inputs into the 0-5 band.
func DownloadProgress(fetched, total int) int {
	if total <= 0 {
		return DownloadBandEnd
	}
	return fetched * DownloadBandEnd / total
}

// UploadProgress maps uploaded/total artifacts into the 90-95 band.
func UploadProgress(uploaded, total int) int {
	if total <= 0 {
		return UploadBandEnd
	}
	return ToolBandEnd + uploaded*(UploadBandEnd-ToolBandEnd)/total
}
