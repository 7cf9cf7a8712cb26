package model

// Settings is the processing configuration chosen at submission time.
// It is never mutated once the job has been created.
type Settings struct {
	Preset          Preset          `json:"preset" validate:"omitempty,oneof=fast balanced quality"`
	TotalSteps      int             `json:"totalSteps" validate:"gte=0,lte=100000"`
	MaxSplats       int             `json:"maxSplats" validate:"gte=0,lte=50000000"`
	ImagePercentage int             `json:"imagePercentage" validate:"gte=0,lte=100"`
	FPS             float64         `json:"fps" validate:"gte=0,lte=60"`
	Motion          *MotionSettings `json:"motion,omitempty"`
}

// MotionSettings configures motion (time-sequence) reconstruction.
type MotionSettings struct {
	Enabled    bool    `json:"enabled"`
	FPS        float64 `json:"fps" validate:"gte=0,lte=60"`
	MaxFrames  int     `json:"maxFrames" validate:"gte=0,lte=1000"`
	Iterations int     `json:"iterations" validate:"gte=0,lte=200000"`
}

// Motion defaults
const (
	DefaultMotionFPS        = 15
	DefaultMotionMaxFrames  = 150
	DefaultMotionIterations = 30000
)

type presetValues struct {
	steps           int
	splats          int
	imagePercentage int
	fps             float64
}

var presetTable = map[Preset]presetValues{
	PresetFast:     {steps: 7000, splats: 1_000_000, imagePercentage: 50, fps: 2},
	PresetBalanced: {steps: 15000, splats: 3_000_000, imagePercentage: 75, fps: 3},
	PresetQuality:  {steps: 30000, splats: 10_000_000, imagePercentage: 100, fps: 5},
}

// IsMotion reports whether the job produces a frame sequence.
func (s Settings) IsMotion() bool {
	return s.Motion != nil && s.Motion.Enabled
}

// WithDefaults returns a copy of s where every zero field is filled from
// the preset table. An empty preset means balanced.
func (s Settings) WithDefaults() Settings {
	out := s
	if out.Preset == "" {
		out.Preset = PresetBalanced
	}
	v, ok := presetTable[out.Preset]
	if !ok {
		v = presetTable[PresetBalanced]
	}
	if out.TotalSteps == 0 {
		out.TotalSteps = v.steps
	}
	if out.MaxSplats == 0 {
		out.MaxSplats = v.splats
	}
	if out.ImagePercentage == 0 {
		out.ImagePercentage = v.imagePercentage
	}
	if out.FPS == 0 {
		out.FPS = v.fps
	}
	if s.Motion != nil {
		m := *s.Motion
		if m.FPS == 0 {
			m.FPS = DefaultMotionFPS
		}
		if m.MaxFrames == 0 {
			m.MaxFrames = DefaultMotionMaxFrames
		}
		if m.Iterations == 0 {
			m.Iterations = DefaultMotionIterations
		}
		out.Motion = &m
	}
	return out
}

// SelectVariant picks the backend variant for the given settings.
func SelectVariant(s Settings) Variant {
	if s.IsMotion() {
		return VariantMotion
	}
	return VariantStatic
}

// SourceInput is one uploaded video the job reads from.
type SourceInput struct {
	URL      string `json:"url" validate:"required,url"`
	Filename string `json:"filename" validate:"required"`
	Size     int64  `json:"size,omitempty" validate:"gte=0"`
}

// Outputs are the artifacts of a completed job.
type Outputs struct {
	PlyURL        string   `json:"plyUrl" validate:"required"`
	MetadataURL   string   `json:"metadataUrl" validate:"required"`
	ThumbnailURL  string   `json:"thumbnailUrl" validate:"required"`
	MotionEnabled bool     `json:"motionEnabled,omitempty"`
	FrameURLs     []string `json:"frameUrls,omitempty"`
	FrameCount    int      `json:"frameCount,omitempty"`
	Duration      float64  `json:"duration,omitempty"`
	FPS           float64  `json:"fps,omitempty"`
}

// MotionFields are the outputs a motion job must additionally report.
type MotionFields struct {
	FrameCount int     `json:"frameCount" validate:"gt=0"`
	Duration   float64 `json:"duration" validate:"gt=0"`
	FPS        float64 `json:"fps" validate:"gt=0"`
}

func (o Outputs) MotionFields() MotionFields {
	return MotionFields{FrameCount: o.FrameCount, Duration: o.Duration, FPS: o.FPS}
}
