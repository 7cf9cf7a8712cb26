package model

// Job status
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Processing stages
type Stage string

const (
	StageDownloading    Stage = "downloading"
	StageReconstructing Stage = "reconstructing"
	StageTraining       Stage = "training"
	StageUploading      Stage = "uploading"
	StageFinalizing     Stage = "finalizing"
)

var ValidStages = []Stage{
	StageDownloading, StageReconstructing, StageTraining,
	StageUploading, StageFinalizing,
}

// Quality presets
type Preset string

const (
	PresetFast     Preset = "fast"
	PresetBalanced Preset = "balanced"
	PresetQuality  Preset = "quality"
)

var ValidPresets = []Preset{PresetFast, PresetBalanced, PresetQuality}

// Dispatch strategies
type Strategy string

const (
	StrategyManaged Strategy = "managed"
	StrategyLegacy  Strategy = "legacy"
	StrategyPending Strategy = "pending"
)

// Backend variants
type Variant string

const (
	VariantStatic Variant = "static"
	VariantMotion Variant = "motion"
)
