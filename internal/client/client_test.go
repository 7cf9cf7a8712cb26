package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameview/processing/internal/config"
	"github.com/gameview/processing/internal/model"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testJob(motion bool) *model.Job {
	s := model.Settings{Preset: model.PresetQuality}
	if motion {
		s.Motion = &model.MotionSettings{Enabled: true}
	}
	return model.NewJob("job-1", "exp-9", s.WithDefaults(), []model.SourceInput{
		{URL: "https://cdn.example.com/a.mp4", Filename: "a.mp4", Size: 42},
	}, 3, time.Now())
}

func TestTriggerSendsOriginalWireFormat(t *testing.T) {
	var got map[string]interface{}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"success":true,"message":"started","call_id":"fc-123","production_id":"job-1"}`))
	}))
	defer srv.Close()

	c := NewModalClient(&config.ManagedConfig{MotionURL: srv.URL, APIKey: "k"}, quietLogger())
	job := testJob(true)
	resp, err := c.Trigger(context.Background(), model.VariantMotion, NewTriggerRequest(job, "https://api/cb"))
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, "fc-123", resp.Identity())
	assert.Equal(t, "Bearer k", auth)
	assert.Equal(t, "job-1", got["production_id"])
	assert.Equal(t, "exp-9", got["experience_id"])
	assert.Equal(t, "https://api/cb", got["callback_url"])
	settings := got["settings"].(map[string]interface{})
	assert.Equal(t, true, settings["motionEnabled"])
	assert.Equal(t, float64(model.DefaultMotionMaxFrames), settings["maxFrames"])
	videos := got["source_videos"].([]interface{})
	require.Len(t, videos, 1)
	assert.Equal(t, float64(42), videos[0].(map[string]interface{})["size"])
}

func TestTriggerStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("gpu exploded"))
	}))
	defer srv.Close()

	c := NewModalClient(&config.ManagedConfig{StaticURL: srv.URL}, quietLogger())
	_, err := c.Trigger(context.Background(), model.VariantStatic, NewTriggerRequest(testJob(false), ""))
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 500, se.StatusCode)
	assert.Contains(t, se.Error(), "gpu exploded")
	assert.False(t, errors.Is(err, ErrUnavailable))
}

func TestTriggerUnreachableAndBreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewModalClient(&config.ManagedConfig{StaticURL: url, Timeout: time.Second}, quietLogger())
	for i := 0; i < 3; i++ {
		_, err := c.Trigger(context.Background(), model.VariantStatic, NewTriggerRequest(testJob(false), ""))
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	_, err := c.Trigger(context.Background(), model.VariantStatic, NewTriggerRequest(testJob(false), ""))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "circuit breaker is open")
}

func TestTriggerMissingVariantEndpoint(t *testing.T) {
	c := NewModalClient(&config.ManagedConfig{StaticURL: "http://example.invalid"}, quietLogger())
	assert.True(t, c.Configured(model.VariantStatic))
	assert.False(t, c.Configured(model.VariantMotion))
	_, err := c.Trigger(context.Background(), model.VariantMotion, NewTriggerRequest(testJob(true), ""))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHookClientPostsNotice(t *testing.T) {
	var notice model.CompletionNotice
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&notice))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	job := testJob(false)
	require.NoError(t, job.Fail("boom", time.Now()))

	h := NewHookClient(&config.HooksConfig{CompletionURL: srv.URL})
	require.NoError(t, h.JobFinished(context.Background(), model.NoticeFromJob(job)))
	assert.Equal(t, "job-1", notice.JobID)
	assert.Equal(t, "exp-9", notice.TargetID)
	assert.Equal(t, model.JobStatusFailed, notice.Status)
	assert.Equal(t, "boom", notice.Error)
}

func TestHookClientNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h := NewHookClient(&config.HooksConfig{CompletionURL: srv.URL})
	err := h.JobFinished(context.Background(), model.CompletionNotice{JobID: "x"})
	assert.Error(t, err)
}

func TestStorageClientSelection(t *testing.T) {
	_, err := NewStorageClient(&config.StorageConfig{Driver: "gcs"})
	assert.Error(t, err)

	_, err = NewStorageClient(&config.StorageConfig{Driver: "r2"})
	assert.Error(t, err)

	c, err := NewStorageClient(&config.StorageConfig{
		Driver:        "minio",
		Bucket:        "scenes",
		MinioEndpoint: "localhost:9000",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000/scenes/job-1/scene.ply", c.GetPublicURL("job-1/scene.ply"))

	c, err = NewStorageClient(&config.StorageConfig{
		Driver:            "r2",
		Bucket:            "scenes",
		PublicURL:         "https://cdn.example.com/",
		R2AccountID:       "acct",
		R2AccessKeyID:     "id",
		R2SecretAccessKey: "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/job-1/scene.ply", c.GetPublicURL("job-1/scene.ply"))
}
