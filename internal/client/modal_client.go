package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/gameview/processing/internal/config"
	"github.com/gameview/processing/internal/model"
)

// ErrUnavailable means the managed backend could not be reached at all:
// connection failure, timeout or an open circuit breaker.
var ErrUnavailable = errors.New("managed backend unavailable")

// StatusError is a non-2xx answer from the managed backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("managed backend error (status %d): %s", e.StatusCode, e.Body)
}

// ManagedBackend triggers GPU processing runs.
type ManagedBackend interface {
	Trigger(ctx context.Context, variant model.Variant, req *TriggerRequest) (*TriggerResponse, error)
	Configured(variant model.Variant) bool
}

// TriggerRequest is the wire payload the GPU functions accept.
type TriggerRequest struct {
	ProductionID string          `json:"production_id"`
	ExperienceID string          `json:"experience_id"`
	SourceVideos []SourceVideo   `json:"source_videos"`
	Settings     TriggerSettings `json:"settings"`
	CallbackURL  string          `json:"callback_url"`
}

type SourceVideo struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

type TriggerSettings struct {
	Preset          model.Preset `json:"preset"`
	TotalSteps      int          `json:"totalSteps"`
	MaxSplats       int          `json:"maxSplats"`
	ImagePercentage int          `json:"imagePercentage"`
	FPS             float64      `json:"fps"`
	MotionEnabled   bool         `json:"motionEnabled"`
	MotionFPS       float64      `json:"motionFps,omitempty"`
	MaxFrames       int          `json:"maxFrames,omitempty"`
	Iterations      int          `json:"iterations,omitempty"`
}

// TriggerResponse is the acknowledgement of a trigger call.
type TriggerResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	CallID       string `json:"call_id"`
	JobRunID     string `json:"jobRunId"`
	ProductionID string `json:"production_id"`
}

// Identity returns the backend's handle for the run.
func (r *TriggerResponse) Identity() string {
	if r.CallID != "" {
		return r.CallID
	}
	return r.JobRunID
}

// NewTriggerRequest converts a job into the trigger payload.
func NewTriggerRequest(job *model.Job, callbackURL string) *TriggerRequest {
	videos := make([]SourceVideo, 0, len(job.SourceInputs))
	for _, in := range job.SourceInputs {
		videos = append(videos, SourceVideo{URL: in.URL, Filename: in.Filename, Size: in.Size})
	}
	s := job.Settings
	settings := TriggerSettings{
		Preset:          s.Preset,
		TotalSteps:      s.TotalSteps,
		MaxSplats:       s.MaxSplats,
		ImagePercentage: s.ImagePercentage,
		FPS:             s.FPS,
	}
	if s.IsMotion() {
		settings.MotionEnabled = true
		settings.MotionFPS = s.Motion.FPS
		settings.MaxFrames = s.Motion.MaxFrames
		settings.Iterations = s.Motion.Iterations
	}
	return &TriggerRequest{
		ProductionID: job.ID,
		ExperienceID: job.TargetID,
		SourceVideos: videos,
		Settings:     settings,
		CallbackURL:  callbackURL,
	}
}

// ModalClient implements ManagedBackend for the hosted GPU functions.
// Every call goes through a circuit breaker; 4xx answers do not count
// against it.
type ModalClient struct {
	httpClient *http.Client
	urls       map[model.Variant]string
	apiKey     string
	breaker    *gobreaker.CircuitBreaker
	log        logrus.FieldLogger
}

func NewModalClient(cfg *config.ManagedConfig, log logrus.FieldLogger) *ModalClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "managed-backend",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.StatusCode < 500
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
		},
	})
	return &ModalClient{
		httpClient: &http.Client{Timeout: timeout},
		urls: map[model.Variant]string{
			model.VariantStatic: cfg.StaticURL,
			model.VariantMotion: cfg.MotionURL,
		},
		apiKey:  cfg.APIKey,
		breaker: breaker,
		log:     log,
	}
}

// Configured reports whether an endpoint exists for variant.
func (c *ModalClient) Configured(variant model.Variant) bool {
	return c.urls[variant] != ""
}

// Trigger starts a run on the endpoint for variant.
func (c *ModalClient) Trigger(ctx context.Context, variant model.Variant, req *TriggerRequest) (*TriggerResponse, error) {
	url := c.urls[variant]
	if url == "" {
		return nil, fmt.Errorf("%w: no endpoint for %s processing", ErrUnavailable, variant)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		var result TriggerResponse
		if err := c.post(ctx, url, req, &result); err != nil {
			return nil, err
		}
		return &result, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return out.(*TriggerResponse), nil
}

// post sends a POST request with JSON body
func (c *ModalClient) post(ctx context.Context, url string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and parses the response
func (c *ModalClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	log := c.log.WithFields(logrus.Fields{"method": req.Method, "url": req.URL.String()})
	log.Debug("managed backend request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.WithError(err).Warn("managed backend request failed")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", ErrUnavailable, err)
	}

	log.WithField("status", resp.StatusCode).Debug("managed backend response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: model.TruncateError(string(respBody))}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
