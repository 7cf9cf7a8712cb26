package service

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameview/processing/internal/model"
	"github.com/gameview/processing/internal/store"
)

type failingStop struct{ PendingStrategy }

func (failingStop) Name() model.Strategy { return model.StrategyManaged }

func (failingStop) Stop(context.Context, *model.Job) error { return errors.New("no route to backend") }

func TestCancelQueuedJob(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, "j1", model.Settings{})
	svc := NewCancelService(env.store, env.notifier, nil, env.log)

	res, err := svc.Cancel(context.Background(), "j1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, model.JobStatusCancelled, res.Status)

	job := env.get(t, "j1")
	assert.Equal(t, model.JobStatusCancelled, job.Status)
	assert.Nil(t, job.Stage)
	assert.NotNil(t, job.CompletedAt)

	evs := env.channel.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, model.JobStatusCancelled, evs[0].Status)
}

func TestCancelCompletedIsNoop(t *testing.T) {
	env := newTestEnv(t)
	env.startJob(t, "j1", model.Settings{}, model.StrategyManaged, "fc-1")
	_, err := env.store.Update(context.Background(), "j1", func(j *model.Job) error {
		return j.Complete(model.Outputs{PlyURL: "p", MetadataURL: "m", ThumbnailURL: "t"}, j.UpdatedAt)
	})
	require.NoError(t, err)

	svc := NewCancelService(env.store, env.notifier, nil, env.log)
	res, err := svc.Cancel(context.Background(), "j1")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, model.JobStatusCompleted, res.Status)
	assert.Equal(t, model.JobStatusCompleted, env.get(t, "j1").Status)
	assert.Empty(t, env.channel.Events())
	assert.Equal(t, 0, env.hook.Count())
}

func TestCancelUnknownJob(t *testing.T) {
	env := newTestEnv(t)
	_, err := NewCancelService(env.store, env.notifier, nil, env.log).Cancel(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelStopsLegacyTask(t *testing.T) {
	env := newTestEnv(t)
	env.startJob(t, "j1", model.Settings{}, model.StrategyLegacy, "asynq:j1")
	inspector := &fakeInspector{state: asynq.TaskStateActive}
	svc := NewCancelService(env.store, env.notifier, []Strategy{NewLegacyStrategy(nil, inspector, 0, env.log)}, env.log)

	res, err := svc.Cancel(context.Background(), "j1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"j1"}, inspector.cancelled)
}

func TestCancelStopErrorIsNotReturned(t *testing.T) {
	env := newTestEnv(t)
	env.startJob(t, "j1", model.Settings{}, model.StrategyManaged, "fc-1")
	svc := NewCancelService(env.store, env.notifier, []Strategy{failingStop{}}, env.log)

	res, err := svc.Cancel(context.Background(), "j1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, model.JobStatusCancelled, env.get(t, "j1").Status)
}
