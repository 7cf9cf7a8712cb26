package redis

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameview/processing/internal/model"
	"github.com/gameview/processing/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return New(client, time.Minute)
}

func newJob() *model.Job {
	id := uuid.New().String()
	return model.NewJob(id, "exp", model.Settings{}.WithDefaults(), []model.SourceInput{
		{URL: "https://cdn.example.com/a.mp4", Filename: "a.mp4"},
	}, 3, time.Now())
}

func TestRedisStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := newJob()

	require.NoError(t, s.Create(ctx, job))
	assert.ErrorIs(t, s.Create(ctx, job), store.ErrConflict)

	updated, err := s.Update(ctx, job.ID, func(j *model.Job) error {
		return j.Start(model.StrategyLegacy, "asynq:"+j.ID, time.Now())
	})
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, updated.Status)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "asynq:"+job.ID, got.AssignedWorkerIdentity)

	processing, err := s.ListByStatus(ctx, model.JobStatusProcessing)
	require.NoError(t, err)
	found := false
	for _, j := range processing {
		if j.ID == job.ID {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRedisStoreMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing-"+uuid.New().String())
	assert.ErrorIs(t, err, store.ErrNotFound)
}
