package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameview/processing/internal/client"
	"github.com/gameview/processing/internal/config"
	"github.com/gameview/processing/internal/model"
)

type managedServer struct {
	srv         *httptest.Server
	calls       int32
	callbackURL atomic.Value
}

func newManagedServer(t *testing.T, status int, body string) *managedServer {
	t.Helper()
	m := &managedServer{}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&m.calls, 1)
		var req client.TriggerRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		m.callbackURL.Store(req.CallbackURL)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(m.srv.Close)
	return m
}

func managedConfig(u string) *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{PublicURL: "https://api.example.com"},
		Managed: config.ManagedConfig{StaticURL: u, MotionURL: u, Timeout: time.Second},
		Legacy:  config.LegacyConfig{Enabled: true},
	}
}

func (e *testEnv) submitService(cfg *config.Config, tokens *CallbackTokens, enq *fakeEnqueuer) *SubmitService {
	var managed Strategy
	if cfg.ManagedConfigured() {
		managed = NewManagedStrategy(client.NewModalClient(&cfg.Managed, e.log), tokens, cfg.Server.PublicURL, e.log)
	}
	var legacy Strategy
	if enq != nil {
		legacy = NewLegacyStrategy(enq, nil, 0, e.log)
	}
	d := NewDispatcher(e.store, NewStrategyChain(cfg, managed, legacy), e.notifier, e.log)
	return NewSubmitService(e.store, d, e.validate, 3, e.log)
}

func TestSubmitManagedSuccess(t *testing.T) {
	env := newTestEnv(t)
	srv := newManagedServer(t, http.StatusOK, `{"success":true,"call_id":"fc-1"}`)
	tokens := NewCallbackTokens("secret", time.Hour)
	enq := &fakeEnqueuer{}
	svc := env.submitService(managedConfig(srv.srv.URL), tokens, enq)

	resp, err := svc.Submit(context.Background(), validSubmit())
	require.NoError(t, err)

	assert.Equal(t, model.StrategyManaged, resp.Outcome.Strategy)
	assert.True(t, resp.Outcome.Accepted)
	assert.Equal(t, "fc-1", resp.Outcome.WorkerIdentity)
	assert.Equal(t, model.JobStatusProcessing, resp.Job.Status)
	assert.Equal(t, model.StageDownloading, resp.Job.CurrentStage())
	assert.Equal(t, "fc-1", resp.Job.AssignedWorkerIdentity)
	assert.NotNil(t, resp.Job.StartedAt)
	assert.Equal(t, 0, enq.calls)

	cb, err := url.Parse(srv.callbackURL.Load().(string))
	require.NoError(t, err)
	assert.Equal(t, "https", cb.Scheme)
	assert.Equal(t, "/api/processing/callback", cb.Path)
	assert.NoError(t, tokens.Verify(cb.Query().Get("token"), resp.Job.ID))

	evs := env.channel.Events()
	require.NotEmpty(t, evs)
	assert.Equal(t, model.JobStatusProcessing, evs[len(evs)-1].Status)
}

func TestSubmitManagedRejectionFailsWithoutFallback(t *testing.T) {
	env := newTestEnv(t)
	srv := newManagedServer(t, http.StatusInternalServerError, "out of GPUs")
	enq := &fakeEnqueuer{}
	svc := env.submitService(managedConfig(srv.srv.URL), nil, enq)

	resp, err := svc.Submit(context.Background(), validSubmit())
	require.NoError(t, err)

	assert.Equal(t, model.StrategyManaged, resp.Outcome.Strategy)
	assert.False(t, resp.Outcome.Accepted)
	assert.Equal(t, model.JobStatusFailed, resp.Outcome.Status)
	assert.Contains(t, resp.Outcome.Diagnostic, "500")
	assert.Equal(t, model.JobStatusFailed, resp.Job.Status)
	assert.Contains(t, resp.Job.ErrorText(), "out of GPUs")
	assert.Nil(t, resp.Job.Stage)
	assert.Equal(t, 0, enq.calls)
	assert.Equal(t, 1, env.hook.Count())
}

func TestSubmitManagedSuccessFalseIsRejection(t *testing.T) {
	env := newTestEnv(t)
	srv := newManagedServer(t, http.StatusOK, `{"success":false,"message":"bad videos"}`)
	svc := env.submitService(managedConfig(srv.srv.URL), nil, nil)

	resp, err := svc.Submit(context.Background(), validSubmit())
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, resp.Job.Status)
	assert.Contains(t, resp.Job.ErrorText(), "bad videos")
}

func TestSubmitManagedUnreachableGoesPending(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	u := srv.URL
	srv.Close()
	enq := &fakeEnqueuer{}
	svc := env.submitService(managedConfig(u), nil, enq)

	resp, err := svc.Submit(context.Background(), validSubmit())
	require.NoError(t, err)

	assert.Equal(t, model.StrategyPending, resp.Outcome.Strategy)
	assert.True(t, resp.Outcome.Accepted)
	require.Len(t, resp.Outcome.Skipped, 1)
	assert.Equal(t, model.StrategyManaged, resp.Outcome.Skipped[0].Strategy)
	assert.Equal(t, model.JobStatusQueued, resp.Job.Status)
	assert.Equal(t, PendingNote, resp.Job.StatusMessage)
	// legacy is never tried while a managed backend is configured
	assert.Equal(t, 0, enq.calls)
}

func TestSubmitWithoutBackendGoesPending(t *testing.T) {
	env := newTestEnv(t)
	cfg := &config.Config{Legacy: config.LegacyConfig{Enabled: false}}
	svc := env.submitService(cfg, nil, &fakeEnqueuer{})

	resp, err := svc.Submit(context.Background(), validSubmit())
	require.NoError(t, err)
	assert.Equal(t, model.StrategyPending, resp.Outcome.Strategy)
	assert.Equal(t, model.JobStatusQueued, resp.Job.Status)
	assert.Equal(t, model.StrategyPending, resp.Job.Strategy)
	assert.Nil(t, resp.Job.Stage)
	assert.Equal(t, 0, env.hook.Count())
}

func TestSubmitLegacyQueuesByPreset(t *testing.T) {
	env := newTestEnv(t)
	cfg := &config.Config{Legacy: config.LegacyConfig{Enabled: true}}
	enq := &fakeEnqueuer{}
	svc := env.submitService(cfg, nil, enq)

	req := validSubmit()
	req.Settings.Preset = model.PresetFast
	resp, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, model.StrategyLegacy, resp.Outcome.Strategy)
	assert.Equal(t, LegacyIdentity(resp.Job.ID), resp.Job.AssignedWorkerIdentity)
	assert.Equal(t, QueueLegacyHigh, enq.option(asynq.QueueOpt))
	assert.Equal(t, resp.Job.ID, enq.option(asynq.TaskIDOpt))
	assert.Equal(t, 3, enq.option(asynq.MaxRetryOpt))
	assert.Equal(t, 7000, resp.Job.Settings.TotalSteps)
}

func TestSubmitLegacyEnqueueFailureGoesPending(t *testing.T) {
	env := newTestEnv(t)
	cfg := &config.Config{Legacy: config.LegacyConfig{Enabled: true}}
	enq := &fakeEnqueuer{err: errors.New("dial tcp 127.0.0.1:6379: connection refused")}
	svc := env.submitService(cfg, nil, enq)

	resp, err := svc.Submit(context.Background(), validSubmit())
	require.NoError(t, err)
	assert.Equal(t, model.StrategyPending, resp.Outcome.Strategy)
	require.Len(t, resp.Outcome.Skipped, 1)
	assert.Equal(t, model.StrategyLegacy, resp.Outcome.Skipped[0].Strategy)
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	svc := env.submitService(&config.Config{}, nil, nil)

	req := validSubmit()
	req.SourceInputs = nil
	_, err := svc.Submit(context.Background(), req)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.NotNil(t, FormatValidationErrors(verr.Err))

	req = validSubmit()
	req.Settings.Preset = "ultra"
	_, err = svc.Submit(context.Background(), req)
	assert.True(t, errors.As(err, &verr))
}

func TestDispatchRequiresQueued(t *testing.T) {
	env := newTestEnv(t)
	enq := &fakeEnqueuer{}
	cfg := &config.Config{Legacy: config.LegacyConfig{Enabled: true}}
	d := NewDispatcher(env.store, NewStrategyChain(cfg, nil, NewLegacyStrategy(enq, nil, 0, env.log)), env.notifier, env.log)

	env.startJob(t, "j1", model.Settings{}, model.StrategyLegacy, "asynq:j1")
	_, err := d.Dispatch(context.Background(), "j1")
	assert.ErrorIs(t, err, ErrAlreadyDispatched)
	assert.Equal(t, 0, enq.calls)
}

func TestDispatchPendingJobCanBeRetried(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, "j1", model.Settings{})

	pendingOnly := NewDispatcher(env.store, NewStrategyChain(&config.Config{}, nil, nil), env.notifier, env.log)
	out, err := pendingOnly.Dispatch(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, model.StrategyPending, out.Strategy)

	enq := &fakeEnqueuer{}
	cfg := &config.Config{Legacy: config.LegacyConfig{Enabled: true}}
	withLegacy := NewDispatcher(env.store, NewStrategyChain(cfg, nil, NewLegacyStrategy(enq, nil, 0, env.log)), env.notifier, env.log)
	out, err = withLegacy.Dispatch(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, model.StrategyLegacy, out.Strategy)
	assert.Equal(t, model.JobStatusProcessing, env.get(t, "j1").Status)
}

func TestStrategyChainOrder(t *testing.T) {
	managed := NewManagedStrategy(nil, nil, "", quietLogger())
	legacy := NewLegacyStrategy(&fakeEnqueuer{}, nil, 0, quietLogger())

	names := func(chain []Strategy) []model.Strategy {
		var out []model.Strategy
		for _, s := range chain {
			out = append(out, s.Name())
		}
		return out
	}

	cfg := &config.Config{Managed: config.ManagedConfig{StaticURL: "http://gpu"}, Legacy: config.LegacyConfig{Enabled: true}}
	assert.Equal(t, []model.Strategy{model.StrategyManaged, model.StrategyPending}, names(NewStrategyChain(cfg, managed, legacy)))

	cfg = &config.Config{Legacy: config.LegacyConfig{Enabled: true}}
	assert.Equal(t, []model.Strategy{model.StrategyLegacy, model.StrategyPending}, names(NewStrategyChain(cfg, managed, legacy)))

	cfg = &config.Config{}
	assert.Equal(t, []model.Strategy{model.StrategyPending}, names(NewStrategyChain(cfg, managed, legacy)))
}

func TestQueueForPreset(t *testing.T) {
	assert.Equal(t, QueueLegacyHigh, QueueForPreset(model.PresetFast))
	assert.Equal(t, QueueLegacyDefault, QueueForPreset(model.PresetBalanced))
	assert.Equal(t, QueueLegacyLow, QueueForPreset(model.PresetQuality))
}

func TestLegacyStop(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "j1", model.Settings{})

	active := &fakeInspector{state: asynq.TaskStateActive}
	require.NoError(t, NewLegacyStrategy(nil, active, 0, env.log).Stop(context.Background(), job))
	assert.Equal(t, []string{"j1"}, active.cancelled)
	assert.Empty(t, active.deleted)

	pending := &fakeInspector{state: asynq.TaskStatePending}
	require.NoError(t, NewLegacyStrategy(nil, pending, 0, env.log).Stop(context.Background(), job))
	assert.Equal(t, []string{"j1"}, pending.deleted)

	gone := &fakeInspector{getErr: asynq.ErrTaskNotFound}
	assert.NoError(t, NewLegacyStrategy(nil, gone, 0, env.log).Stop(context.Background(), job))
}

func TestCallbackTokens(t *testing.T) {
	tokens := NewCallbackTokens("secret", time.Hour)
	tok, err := tokens.Issue("j1")
	require.NoError(t, err)

	assert.NoError(t, tokens.Verify(tok, "j1"))
	assert.ErrorIs(t, tokens.Verify(tok, "j2"), ErrInvalidToken)
	assert.ErrorIs(t, tokens.Verify("", "j1"), ErrInvalidToken)
	assert.ErrorIs(t, NewCallbackTokens("other", time.Hour).Verify(tok, "j1"), ErrInvalidToken)

	var disabled *CallbackTokens
	assert.Nil(t, NewCallbackTokens("", time.Hour))
	assert.NoError(t, disabled.Verify("", "j1"))
}
