// Package store persists jobs. It is the single source of truth for job
// state; every other component coordinates through it.
package store

import (
	"context"
	"errors"

	"github.com/gameview/processing/internal/model"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrConflict = errors.New("job was modified concurrently")
)

// MaxUpdateAttempts bounds how often Update re-applies a mutator after a
// lost compare-and-swap.
const MaxUpdateAttempts = 5

// Mutator changes a job in place. Returning an error aborts the update
// without writing.
type Mutator func(job *model.Job) error

// Store is the durable job record.
type Store interface {
	// Create inserts a new job. ErrConflict if the id already exists.
	Create(ctx context.Context, job *model.Job) error
	// Get returns a copy of the job or ErrNotFound.
	Get(ctx context.Context, id string) (*model.Job, error)
	// Update applies fn to the current job and writes the result with a
	// compare-and-swap on the stored version.
	Update(ctx context.Context, id string, fn Mutator) (*model.Job, error)
	// ListByStatus returns every job currently in status.
	ListByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error)
	Close() error
}
