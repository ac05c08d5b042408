package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"netops-console/internal/capability"
	"netops-console/internal/models"
)

// ErrDataClosed is returned when a job's data handle is used after Close.
// An abandoned execution that outlives its deadline sees this instead of
// touching a finished transaction.
var ErrDataClosed = errors.New("job data handle closed")

// jobTx is the slice of pgx.Tx the handle uses. Narrowed so tests can
// exercise the close and serialization contract without a database.
type jobTx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// JobData is the transactional data-access handle handed to one execution
// through its capability context. It owns a single transaction scoped to the
// job's lifetime: Commit on success, Rollback otherwise, released exactly
// once by Close. A pgx.Tx is not safe for concurrent use, so every method
// holds a mutex; Close waits for any in-flight statement, and use after
// Close returns ErrDataClosed.
type JobData struct {
	mu    sync.Mutex
	tx    jobTx
	jobID string
	done  bool
}

// BeginJobData opens the per-execution transaction for jobID.
func (s *Store) BeginJobData(ctx context.Context, jobID string) (capability.Datastore, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin job tx: %w", err)
	}
	return &JobData{tx: tx, jobID: jobID}, nil
}

// Put stores a value under key, scoped to this job.
func (d *JobData) Put(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return ErrDataClosed
	}
	_, err = d.tx.Exec(ctx, `
		INSERT INTO job_data (job_id, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (job_id, key) DO UPDATE SET value = EXCLUDED.value
	`, d.jobID, key, raw)
	if err != nil {
		return fmt.Errorf("put job data: %w", err)
	}
	return nil
}

// Get reads a value stored under key for this job.
func (d *JobData) Get(ctx context.Context, key string) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return nil, ErrDataClosed
	}
	var raw []byte
	err := d.tx.QueryRow(ctx, `
		SELECT value FROM job_data WHERE job_id = $1 AND key = $2
	`, d.jobID, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, capability.ErrNoValue
	}
	if err != nil {
		return nil, fmt.Errorf("get job data: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return v, nil
}

// RecordMeasurement writes a WAN health sample inside this job's
// transaction. The periodic monitor uses this path so its writes follow the
// same discipline as any other job.
func (d *JobData) RecordMeasurement(ctx context.Context, m models.Measurement) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return ErrDataClosed
	}
	return insertMeasurement(ctx, d.tx, m)
}

// Close releases the transaction: commit when the execution succeeded,
// rollback otherwise. It blocks until any in-flight statement on the handle
// has returned. Safe to call more than once.
func (d *JobData) Close(ctx context.Context, success bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return nil
	}
	d.done = true
	if success {
		if err := d.tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit job tx: %w", err)
		}
		return nil
	}
	if err := d.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback job tx: %w", err)
	}
	return nil
}
