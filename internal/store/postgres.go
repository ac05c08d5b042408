package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"netops-console/internal/models"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// ErrAlreadyClaimed is returned by ClaimJob when the record is not pending.
// It is the signal that a redelivered queue message lost the claim race.
var ErrAlreadyClaimed = errors.New("job already claimed")

// TruncationMarkerLimit is how the truncation marker renders in logs.
const truncationMarker = "(%d lines truncated)"

// Store wraps pgxpool for Postgres persistence of job records, job-scoped
// data, and WAN measurements.
type Store struct {
	pool       *pgxpool.Pool
	logLineCap int
}

// New creates a pooled connection to Postgres. logLineCap bounds the stored
// log lines per job; older lines are dropped and counted once exceeded.
func New(ctx context.Context, dsn string, logLineCap int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if logLineCap <= 0 {
		logLineCap = 500
	}
	return &Store{pool: pool, logLineCap: logLineCap}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job record.
type CreateJobParams struct {
	Kind         string
	Name         string
	ArtifactPath string
	Submitter    string
	QueueClass   string
	Params       map[string]any
}

// CreateJob inserts a pending job record and returns it.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.JobRecord, error) {
	if p.QueueClass == "" {
		p.QueueClass = "interactive"
	}
	if p.Params == nil {
		p.Params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(p.Params)
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("marshal params: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, kind, name, artifact_path, submitter, queue_class, status, params, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, id, p.Kind, p.Name, p.ArtifactPath, p.Submitter, p.QueueClass, models.StatusPending, paramsJSON, now)
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("insert job: %w", err)
	}

	return models.JobRecord{
		ID:           id,
		Kind:         p.Kind,
		Name:         p.Name,
		ArtifactPath: p.ArtifactPath,
		Submitter:    p.Submitter,
		QueueClass:   p.QueueClass,
		Status:       models.StatusPending,
		Params:       p.Params,
		CreatedAt:    now,
	}, nil
}

// ClaimJob transitions pending -> running and stamps started_at. The
// conditional update is the single cross-worker mutual-exclusion point:
// under at-least-once delivery, exactly one claim attempt on an id succeeds
// and every other one observes ErrAlreadyClaimed.
func (s *Store) ClaimJob(ctx context.Context, id string) (models.JobRecord, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, started_at = $3
		WHERE id = $1 AND status = $4
	`, id, models.StatusRunning, now, models.StatusPending)
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("claim job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a lost race from a bogus id.
		if _, err := s.GetJob(ctx, id); err != nil {
			return models.JobRecord{}, err
		}
		return models.JobRecord{}, ErrAlreadyClaimed
	}
	return s.GetJob(ctx, id)
}

// AppendLog adds one log line to a running job, in emission order. Lines for
// a record already in a terminal state are dropped (rows affected 0, nil
// error) so benign races with asynchronous flushing stay non-fatal; the
// caller may warn. The per-job cap is enforced by trimming the oldest rows
// and counting them in logs_truncated.
func (s *Store) AppendLog(ctx context.Context, id, line string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO job_logs (job_id, line)
		SELECT $1, $2 WHERE EXISTS (SELECT 1 FROM jobs WHERE id = $1 AND status = $3)
	`, id, line, models.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("append log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := s.trimLogs(ctx, id); err != nil {
		return true, err
	}
	return true, nil
}

func (s *Store) trimLogs(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM job_logs WHERE job_id = $1 AND seq IN (
			SELECT seq FROM job_logs WHERE job_id = $1
			ORDER BY seq DESC OFFSET $2
		)
	`, id, s.logLineCap)
	if err != nil {
		return fmt.Errorf("trim logs: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		if _, err := s.pool.Exec(ctx, `
			UPDATE jobs SET logs_truncated = logs_truncated + $2 WHERE id = $1
		`, id, n); err != nil {
			return fmt.Errorf("count truncated logs: %w", err)
		}
	}
	return nil
}

// CompleteJob transitions running -> success, storing the structured result
// verbatim and stamping finished_at.
func (s *Store) CompleteJob(ctx context.Context, id string, result map[string]any) error {
	if result == nil {
		result = map[string]any{}
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, result = $3, finished_at = $4
		WHERE id = $1 AND status = $5
	`, id, models.StatusSuccess, resultJSON, time.Now().UTC(), models.StatusRunning)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete job %s: not running", id)
	}
	return nil
}

// FailJob transitions running -> failed and records the failure message as
// the final log line. The message insert runs before the status flip so the
// running-state guard in AppendLog does not reject it.
func (s *Store) FailJob(ctx context.Context, id, message string) error {
	if _, err := s.AppendLog(ctx, id, message); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, finished_at = $3
		WHERE id = $1 AND status = $4
	`, id, models.StatusFailed, time.Now().UTC(), models.StatusRunning)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail job %s: not running", id)
	}
	return nil
}

// GetJob fetches a job record with its logs reassembled in insertion order.
func (s *Store) GetJob(ctx context.Context, id string) (models.JobRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, kind, name, artifact_path, submitter, queue_class, status,
		       params, result, logs_truncated, created_at, started_at, finished_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.JobRecord
	var paramsJSON, resultJSON []byte
	var truncated int
	var started, finished pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.Kind, &job.Name, &job.ArtifactPath, &job.Submitter,
		&job.QueueClass, &job.Status, &paramsJSON, &resultJSON, &truncated,
		&job.CreatedAt, &started, &finished)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRecord{}, ErrNotFound
	}
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(paramsJSON, &job.Params); err != nil {
		return models.JobRecord{}, fmt.Errorf("unmarshal params: %w", err)
	}
	if resultJSON != nil {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.JobRecord{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.StartedAt = timePtr(started)
	job.FinishedAt = timePtr(finished)

	rows, err := s.pool.Query(ctx, `
		SELECT line FROM job_logs WHERE job_id = $1 ORDER BY seq
	`, id)
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	if truncated > 0 {
		job.Logs = append(job.Logs, fmt.Sprintf(truncationMarker, truncated))
	}
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return models.JobRecord{}, fmt.Errorf("scan log line: %w", err)
		}
		job.Logs = append(job.Logs, line)
	}
	if err := rows.Err(); err != nil {
		return models.JobRecord{}, fmt.Errorf("read logs: %w", err)
	}
	return job, nil
}

// InsertMeasurement records one WAN health sample outside any job
// transaction (used by tooling; the monitor path goes through JobData).
func (s *Store) InsertMeasurement(ctx context.Context, m models.Measurement) error {
	return insertMeasurement(ctx, s.pool, m)
}

// LatestMeasurements returns the most recent samples, newest first.
func (s *Store) LatestMeasurements(ctx context.Context, limit int) ([]models.Measurement, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT target, latency_ms, jitter_ms, packet_loss_pct, score, measured_at
		FROM wan_measurements ORDER BY measured_at DESC, id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query measurements: %w", err)
	}
	defer rows.Close()

	var out []models.Measurement
	for rows.Next() {
		var m models.Measurement
		if err := rows.Scan(&m.Target, &m.LatencyMS, &m.JitterMS, &m.PacketLossPct, &m.Score, &m.MeasuredAt); err != nil {
			return nil, fmt.Errorf("scan measurement: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// execer is satisfied by both pgxpool.Pool and pgx.Tx, letting the monitor
// write measurements inside a job transaction with the same statement.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertMeasurement(ctx context.Context, db execer, m models.Measurement) error {
	_, err := db.Exec(ctx, `
		INSERT INTO wan_measurements (target, latency_ms, jitter_ms, packet_loss_pct, score, measured_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, m.Target, m.LatencyMS, m.JitterMS, m.PacketLossPct, m.Score, m.MeasuredAt.UTC())
	if err != nil {
		return fmt.Errorf("insert measurement: %w", err)
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
