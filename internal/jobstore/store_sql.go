// Copyright 2025 James Ross
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Store is the transactional Job/Content persistence layer. Every mutating
// method is a single statement or a load-mutate-commit pair so a crash
// mid-update never leaves a job split between two states.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

func Open(dsn string, maxOpen, maxIdle int, connMaxLifetime time.Duration, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(connMaxLifetime)
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// NewWithDB wraps an already-open *sql.DB, used by tests and by callers
// that manage their own connection pool lifecycle.
func NewWithDB(db *sql.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log}
}

const jobColumns = `
	id, user_id, status, kind, checkpoint, prompt,
	COALESCE(negative_prompt, ''), COALESCE(loras, '[]'),
	width, height, batch_size,
	seed, steps, cfg_scale, COALESCE(sampler_name, ''), COALESCE(scheduler_name, ''), denoise,
	COALESCE(params, '{}'),
	backend_name, COALESCE(backend_job_id, ''), COALESCE(dispatch_token, ''),
	retry_count, COALESCE(cancel_reason, ''), COALESCE(error_message, ''),
	content_id,
	created_at, started_at, completed_at`

// scanJob scans a row produced by a query selecting jobColumns, in order.
func scanJob(scan func(dest ...interface{}) error) (*Job, error) {
	j := &Job{}
	var loRAsRaw, paramsRaw []byte
	err := scan(
		&j.ID, &j.UserID, &j.Status, &j.Kind, &j.Checkpoint, &j.Prompt,
		&j.NegativePrompt, &loRAsRaw,
		&j.Width, &j.Height, &j.BatchSize,
		&j.Seed, &j.Steps, &j.CFGScale, &j.SamplerName, &j.SchedulerName, &j.Denoise,
		&paramsRaw,
		&j.BackendName, &j.BackendJobID, &j.DispatchToken,
		&j.RetryCount, &j.CancelReason, &j.ErrorMessage,
		&j.ContentID,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(loRAsRaw) > 0 {
		if err := json.Unmarshal(loRAsRaw, &j.LoRAs); err != nil {
			return nil, fmt.Errorf("decode loras: %w", err)
		}
	}
	if len(paramsRaw) > 0 {
		if err := json.Unmarshal(paramsRaw, &j.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	return j, nil
}

// Insert creates a new job row in StatusPending and returns its assigned id.
func (s *Store) Insert(ctx context.Context, j *Job) (int64, error) {
	if j.UserID == 0 {
		return 0, fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if j.Prompt == "" {
		return 0, fmt.Errorf("%w: prompt is required", ErrValidation)
	}
	loRAsRaw, err := json.Marshal(j.LoRAs)
	if err != nil {
		return 0, fmt.Errorf("encode loras: %w", err)
	}
	paramsRaw, err := json.Marshal(j.Params)
	if err != nil {
		return 0, fmt.Errorf("encode params: %w", err)
	}
	const q = `
		INSERT INTO jobs (
			user_id, status, kind, checkpoint, prompt, negative_prompt, loras,
			width, height, batch_size,
			seed, steps, cfg_scale, sampler_name, scheduler_name, denoise,
			params, backend_name, dispatch_token, retry_count, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10,
			$11, $12, $13, $14, $15, $16,
			$17, $18, $19, 0, $20
		)
		RETURNING id`
	now := time.Now().UTC()
	var id int64
	err = s.db.QueryRowContext(ctx, q,
		j.UserID, StatusPending, j.Kind, j.Checkpoint, j.Prompt, nullIfEmpty(j.NegativePrompt), loRAsRaw,
		j.Width, j.Height, j.BatchSize,
		j.Seed, j.Steps, j.CFGScale, nullIfEmpty(j.SamplerName), nullIfEmpty(j.SchedulerName), j.Denoise,
		paramsRaw, j.BackendName, nullIfEmpty(j.DispatchToken), now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

// Fetch loads a single job by id.
func (s *Store) Fetch(ctx context.Context, id int64) (*Job, error) {
	q := "SELECT " + jobColumns + " FROM jobs WHERE id = $1"
	j, err := scanJob(s.db.QueryRowContext(ctx, q, id).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch job %d: %w", id, err)
	}
	return j, nil
}

// Update performs a load-mutate-commit cycle: fetch the current row inside
// a transaction, run mutate against it, then persist the mutated fields.
// mutate returning an error aborts the transaction without writing.
func (s *Store) Update(ctx context.Context, id int64, mutate func(*Job) error) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	selectQ := "SELECT " + jobColumns + " FROM jobs WHERE id = $1"
	j, err := scanJob(tx.QueryRowContext(ctx, selectQ, id).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update job %d: select: %w", id, err)
	}
	prevStatus := j.Status

	if err := mutate(j); err != nil {
		return nil, err
	}

	if err := validateTransition(prevStatus, j.Status); err != nil {
		return nil, err
	}

	loRAsRaw, err := json.Marshal(j.LoRAs)
	if err != nil {
		return nil, fmt.Errorf("encode loras: %w", err)
	}
	paramsRaw, err := json.Marshal(j.Params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}

	const updateQ = `
		UPDATE jobs SET
			status = $1, kind = $2, negative_prompt = $3, loras = $4,
			steps = $5, cfg_scale = $6, sampler_name = $7, scheduler_name = $8, denoise = $9,
			params = $10, backend_job_id = $11, dispatch_token = $12, retry_count = $13,
			cancel_reason = $14, error_message = $15, content_id = $16,
			started_at = $17, completed_at = $18
		WHERE id = $19`
	_, err = tx.ExecContext(ctx, updateQ,
		j.Status, j.Kind, nullIfEmpty(j.NegativePrompt), loRAsRaw,
		j.Steps, j.CFGScale, nullIfEmpty(j.SamplerName), nullIfEmpty(j.SchedulerName), j.Denoise,
		paramsRaw, nullIfEmpty(j.BackendJobID), nullIfEmpty(j.DispatchToken), j.RetryCount,
		nullIfEmpty(j.CancelReason), nullIfEmpty(j.ErrorMessage), j.ContentID,
		j.StartedAt, j.CompletedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update job %d: write: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("update job %d: commit: %w", id, err)
	}
	return j, nil
}

// validateTransition rejects illegal status moves out from under a
// concurrent mutation (e.g. cancelling a job that has already completed).
// Terminal states never move again; pending may only move to running or
// cancelled; running may only move to completed, failed, or cancelled.
func validateTransition(from, to string) error {
	if from == to {
		return nil
	}
	switch from {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return fmt.Errorf("%w: job is already %s, cannot move to %s", ErrConflict, from, to)
	case StatusPending:
		if to != StatusRunning && to != StatusCancelled {
			return fmt.Errorf("%w: pending job cannot move directly to %s", ErrConflict, to)
		}
	case StatusRunning:
		if to != StatusCompleted && to != StatusFailed && to != StatusCancelled {
			return fmt.Errorf("%w: running job cannot move to %s", ErrConflict, to)
		}
	}
	return nil
}

// Query returns jobs matching filter, newest first, paginated.
func (s *Store) Query(ctx context.Context, f Filter) ([]*Job, error) {
	q := "SELECT " + jobColumns + " FROM jobs WHERE 1=1"
	args := []interface{}{}
	n := 0
	add := func(clause string, val interface{}) {
		n++
		q += fmt.Sprintf(" AND %s $%d", clause, n)
		args = append(args, val)
	}
	if f.UserID != 0 {
		add("user_id =", f.UserID)
	}
	if f.Status != "" {
		add("status =", f.Status)
	}
	if !f.Since.IsZero() {
		add("created_at >=", f.Since)
	}
	q += " ORDER BY created_at DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	n++
	q += fmt.Sprintf(" LIMIT $%d", n)
	args = append(args, limit)
	n++
	q += fmt.Sprintf(" OFFSET $%d", n)
	args = append(args, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// AggregateByStatus groups all jobs by status, used by the operator admin
// surface's queue summary view.
func (s *Store) AggregateByStatus(ctx context.Context) ([]StatusCount, error) {
	const q = `SELECT status, COUNT(*) FROM jobs GROUP BY status`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("aggregate by status: %w", err)
	}
	defer rows.Close()
	var out []StatusCount
	for rows.Next() {
		var sc StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// InsertContent records the single artifact row a completed job produces.
func (s *Store) InsertContent(ctx context.Context, c *Content) (int64, error) {
	metaRaw, err := json.Marshal(c.Metadata)
	if err != nil {
		return 0, fmt.Errorf("encode content metadata: %w", err)
	}
	const q = `
		INSERT INTO content (job_id, creator_id, title, type, data, prompt, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`
	now := time.Now().UTC()
	var id int64
	err = s.db.QueryRowContext(ctx, q, c.JobID, c.CreatorID, c.Title, c.Type, c.Data, c.Prompt, metaRaw, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert content: %w", err)
	}
	return id, nil
}

// FetchContent loads the content row produced by a job, if any.
func (s *Store) FetchContent(ctx context.Context, jobID int64) (*Content, error) {
	const q = `
		SELECT id, job_id, creator_id, title, type, data, prompt, COALESCE(metadata, '{}'), created_at
		FROM content WHERE job_id = $1`
	c := &Content{}
	var metaRaw []byte
	err := s.db.QueryRowContext(ctx, q, jobID).Scan(
		&c.ID, &c.JobID, &c.CreatorID, &c.Title, &c.Type, &c.Data, &c.Prompt, &metaRaw, &c.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch content for job %d: %w", jobID, err)
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &c.Metadata); err != nil {
			return nil, fmt.Errorf("decode content metadata: %w", err)
		}
	}
	return c, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
