package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gameview/processing/internal/model"
	"github.com/gameview/processing/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  version INTEGER NOT NULL DEFAULT 1,
  updated_at TEXT NOT NULL,
  data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
`

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// One writer connection serialises writes; the version column still
	// guards read-modify-write across processes sharing the file.
	db.SetMaxOpenConns(1)
	if err := initDB(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, version, updated_at, data) VALUES (?, ?, 1, ?, ?)`,
		job.ID, string(job.Status), formatTime(job.UpdatedAt), string(data))
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*model.Job, error) {
	job, _, err := s.get(ctx, id)
	return job, err
}

func (s *Store) get(ctx context.Context, id string) (*model.Job, int64, error) {
	var data string
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT data, version FROM jobs WHERE id = ?`, id).Scan(&data, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, store.ErrNotFound
		}
		return nil, 0, err
	}
	var job model.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, 0, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, version, nil
}

func (s *Store) Update(ctx context.Context, id string, fn store.Mutator) (*model.Job, error) {
	for attempt := 0; attempt < store.MaxUpdateAttempts; attempt++ {
		job, version, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(job); err != nil {
			return nil, err
		}
		data, err := json.Marshal(job)
		if err != nil {
			return nil, fmt.Errorf("marshal job: %w", err)
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, version = version + 1, updated_at = ?, data = ? WHERE id = ? AND version = ?`,
			string(job.Status), formatTime(job.UpdatedAt), string(data), id, version)
		if err != nil {
			return nil, fmt.Errorf("update job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			return job, nil
		}
	}
	return nil, store.ErrConflict
}

func (s *Store) ListByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM jobs WHERE status = ? ORDER BY updated_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var job model.Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return nil, err
		}
		out = append(out, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func initDB(db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return err
		}
	}
	_, err := db.Exec(schema)
	return err
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
