package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gameview/processing/internal/model"
	"github.com/gameview/processing/internal/store"
)

const keyPrefix = "processing:job:"

type Store struct {
	redis *redis.Client
	ttl   time.Duration
}

// New wraps an existing client. A zero ttl keeps jobs forever.
func New(client *redis.Client, ttl time.Duration) *Store {
	return &Store{redis: client, ttl: ttl}
}

func jobKey(id string) string {
	return keyPrefix + id
}

func statusKey(status model.JobStatus) string {
	return fmt.Sprintf("processing:status:%s", status)
}

func (s *Store) Create(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	ok, err := s.redis.SetNX(ctx, jobKey(job.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	if !ok {
		return store.ErrConflict
	}
	return s.redis.SAdd(ctx, statusKey(job.Status), job.ID).Err()
}

func (s *Store) Get(ctx context.Context, id string) (*model.Job, error) {
	return s.get(ctx, s.redis, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) get(ctx context.Context, c getter, id string) (*model.Job, error) {
	data, err := c.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// Update uses WATCH on the job key so a concurrent writer aborts the
// transaction and the mutator is re-applied to the fresh record.
func (s *Store) Update(ctx context.Context, id string, fn store.Mutator) (*model.Job, error) {
	var result *model.Job
	txf := func(tx *redis.Tx) error {
		job, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		prev := job.Status
		if err := fn(job); err != nil {
			return err
		}
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(id), data, s.ttl)
			if prev != job.Status {
				pipe.SRem(ctx, statusKey(prev), id)
				pipe.SAdd(ctx, statusKey(job.Status), id)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = job
		return nil
	}

	for attempt := 0; attempt < store.MaxUpdateAttempts; attempt++ {
		err := s.redis.Watch(ctx, txf, jobKey(id))
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, store.ErrConflict
}

func (s *Store) ListByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error) {
	ids, err := s.redis.SMembers(ctx, statusKey(status)).Result()
	if err != nil {
		return nil, err
	}
	var out []*model.Job
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// expired record, drop the stale index entry
				s.redis.SRem(ctx, statusKey(status), id)
				continue
			}
			return nil, err
		}
		if job.Status == status {
			out = append(out, job)
		}
	}
	return out, nil
}

// Close is a no-op; the client is owned by the caller.
func (s *Store) Close() error {
	return nil
}
