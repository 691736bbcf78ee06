// Meshvault is a 3D-asset library service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides a SQLite-backed persistence layer for the
// thumbnail job queue: schema migrations, atomic job state transitions,
// leasing helpers, and the per-version thumbnail record table.
//
// All state transitions run inside serializable transactions with row
// predicates on the current status, so they are safe against concurrent
// workers and the lease sweeper.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"meshvault/pkg/thumbnail"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// settings keys
	schemaVersionKey = "schema_version"
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")
)

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	// DSN with pragmas for durability and concurrency.
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: better concurrency
	// - foreign_keys=ON: enforce referential integrity
	// - synchronous=NORMAL: reasonable safety/perf tradeoff
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Reasonable pool settings for a single-node embedded DB
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a transaction. If fn returns an error,
// the transaction is rolled back; otherwise, it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// In case of panic, make best effort rollback
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	target := 1 // latest schema version in this file

	// v1: initial schema
	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		// If corrupted, force to 0 to allow re-init
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		// jobs table
		`CREATE TABLE IF NOT EXISTS jobs (
  id                   INTEGER PRIMARY KEY AUTOINCREMENT,
  model_id             INTEGER NOT NULL,
  model_version_id     INTEGER NOT NULL,
  model_hash           TEXT NOT NULL,
  status               TEXT NOT NULL CHECK (status IN ('pending','processing','completed','failed','dead','cancelled')),
  attempt_count        INTEGER NOT NULL DEFAULT 0,
  max_attempts         INTEGER NOT NULL DEFAULT 3,
  lock_timeout_minutes INTEGER NOT NULL DEFAULT 10,
  claimed_by           TEXT NULL,
  claimed_at           TIMESTAMP NULL,
  lease_expires_at     TIMESTAMP NULL,
  error_message        TEXT NULL,
  created_at           TIMESTAMP NOT NULL,
  updated_at           TIMESTAMP NOT NULL,
  completed_at         TIMESTAMP NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_model ON jobs(model_id);`,
		// Dedup: at most one in-flight job per content hash.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_hash ON jobs(model_hash) WHERE status IN ('pending','processing');`,

		// thumbnail_records table
		`CREATE TABLE IF NOT EXISTS thumbnail_records (
  model_version_id INTEGER PRIMARY KEY,
  model_id         INTEGER NOT NULL,
  status           TEXT NOT NULL CHECK (status IN ('pending','processing','ready','failed')),
  file_ref         TEXT NULL,
  width            INTEGER NOT NULL DEFAULT 0,
  height           INTEGER NOT NULL DEFAULT 0,
  size_bytes       INTEGER NOT NULL DEFAULT 0,
  error_message    TEXT NULL,
  created_at       TIMESTAMP NOT NULL,
  processed_at     TIMESTAMP NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_records_model ON thumbnail_records(model_id);`,

		// job_transitions table (audit; not required for correctness)
		`CREATE TABLE IF NOT EXISTS job_transitions (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id      INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
  time        TIMESTAMP NOT NULL,
  level       TEXT NOT NULL CHECK (level IN ('info','warn','error')),
  from_status TEXT NOT NULL,
  to_status   TEXT NOT NULL,
  message     TEXT NOT NULL,
  worker_id   TEXT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_job_transitions_job_time ON job_transitions(job_id, time);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Settings helpers ---------------

// SetSetting upserts a key/value in settings.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, key, value)
	return err
}

// GetSetting returns a value for key or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var v string
	if err := s.db.QueryRowContext(ctx, q, key).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return v, nil
}

// --------------- Jobs ---------------

const jobColumns = `id, model_id, model_version_id, model_hash, status, attempt_count, max_attempts, lock_timeout_minutes, claimed_by, claimed_at, lease_expires_at, error_message, created_at, updated_at, completed_at`

// EnqueueJob inserts job unless a non-terminal job with the same model
// hash already exists; in that case the existing job is returned and
// created is false. Terminal jobs never block a fresh enqueue.
func (s *Store) EnqueueJob(ctx context.Context, job *thumbnail.Job) (*thumbnail.Job, bool, error) {
	var (
		out     *thumbnail.Job
		created bool
	)
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.findActiveJobByHashTx(ctx, tx, job.ModelHash)
		if err == nil {
			out = existing
			created = false
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		const ins = `
INSERT INTO jobs (model_id, model_version_id, model_hash, status, attempt_count, max_attempts, lock_timeout_minutes, claimed_by, claimed_at, lease_expires_at, error_message, created_at, updated_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, NULL, ?, ?, NULL);`
		res, err := tx.ExecContext(ctx, ins,
			job.ModelID, job.ModelVersionID, job.ModelHash, job.Status.String(),
			job.AttemptCount, job.MaxAttempts, job.LockTimeoutMinutes,
			job.CreatedAt.UTC(), job.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("job insert id: %w", err)
		}
		inserted, err := s.getJobByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}
		out = inserted
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// GetJobByID retrieves a job by ID.
func (s *Store) GetJobByID(ctx context.Context, id int64) (*thumbnail.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=?`
	return s.scanJobRow(s.db.QueryRowContext(ctx, q, id))
}

// FindActiveJobByHash returns the non-terminal job for a model hash,
// or ErrNotFound.
func (s *Store) FindActiveJobByHash(ctx context.Context, hash string) (*thumbnail.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE model_hash=? AND status IN ('pending','processing') LIMIT 1`
	return s.scanJobRow(s.db.QueryRowContext(ctx, q, hash))
}

// GetLatestJobForModel returns the most recently created job for a model,
// terminal or not. Used to recover the version/hash for regeneration.
func (s *Store) GetLatestJobForModel(ctx context.Context, modelID int64) (*thumbnail.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE model_id=? ORDER BY created_at DESC, id DESC LIMIT 1`
	return s.scanJobRow(s.db.QueryRowContext(ctx, q, modelID))
}

// ListJobsByStatus returns jobs matching the provided status ordered by
// creation time, oldest first.
func (s *Store) ListJobsByStatus(ctx context.Context, status thumbnail.JobStatus) ([]*thumbnail.Job, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status: %s", status)
	}
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status=? ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, q, status.String())
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()

	var out []*thumbnail.Job
	for rows.Next() {
		job, err := s.scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// CountJobsByStatus returns the number of jobs per status.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[thumbnail.JobStatus]int, error) {
	const q = `SELECT status, COUNT(*) FROM jobs GROUP BY status`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	out := make(map[thumbnail.JobStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		out[thumbnail.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job counts: %w", err)
	}
	return out, nil
}

// --------------- Leasing helpers ---------------

// AcquirePendingJob atomically claims the oldest pending job for workerID,
// transitioning it to processing, bumping attempt_count, and materializing
// the lease expiry from the job's lock timeout. Returns ErrNotFound if no
// pending job exists.
func (s *Store) AcquirePendingJob(ctx context.Context, workerID string, now time.Time) (*thumbnail.Job, error) {
	now = now.UTC()

	var acquired *thumbnail.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		// Oldest pending first; id breaks creation-time ties.
		const sel = `SELECT id, lock_timeout_minutes FROM jobs WHERE status='pending' ORDER BY created_at ASC, id ASC LIMIT 1`
		var (
			id         int64
			lockTimout int
		)
		err := tx.QueryRowContext(ctx, sel).Scan(&id, &lockTimout)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select pending job: %w", err)
		}

		leaseUntil := now.Add(time.Duration(lockTimout) * time.Minute)

		const upd = `UPDATE jobs
SET status='processing', claimed_by=?, claimed_at=?, lease_expires_at=?, attempt_count=attempt_count+1, updated_at=?
WHERE id=? AND status='pending'`
		res, err := tx.ExecContext(ctx, upd, workerID, now, leaseUntil, now, id)
		if err != nil {
			return fmt.Errorf("acquire pending job: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected != 1 {
			return ErrNotFound
		}

		j, err := s.getJobByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}
		acquired = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acquired, nil
}

// CompleteJob transitions a processing job to completed and clears the
// lease. applied is false when the job was not in processing; the caller
// decides whether that is an idempotent no-op or a logged anomaly.
// The stored row drops claimed_by, but the returned snapshot keeps it so
// the caller can attribute the completion to the worker that held the
// lease.
func (s *Store) CompleteJob(ctx context.Context, id int64, now time.Time) (*thumbnail.Job, bool, error) {
	now = now.UTC()

	var (
		out     *thumbnail.Job
		applied bool
	)
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.getJobByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}

		const upd = `UPDATE jobs
SET status='completed', claimed_by=NULL, claimed_at=NULL, lease_expires_at=NULL, completed_at=?, updated_at=?
WHERE id=? AND status='processing'`
		res, err := tx.ExecContext(ctx, upd, now, now, id)
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		n, _ := res.RowsAffected()
		applied = n == 1

		j, err := s.getJobByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if applied {
			j.ClaimedBy = cur.ClaimedBy
		}
		out = j
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, applied, nil
}

// FailJob records errMsg against the job and applies the retry-or-dead
// decision from the job's current state: below the attempt budget the job
// returns to pending with the lease cleared; at the budget it becomes dead.
// Terminal jobs are left untouched and applied is false. As with
// CompleteJob, the returned snapshot keeps claimed_by from the failed
// attempt.
func (s *Store) FailJob(ctx context.Context, id int64, errMsg string, now time.Time) (*thumbnail.Job, bool, error) {
	now = now.UTC()
	errMsg = thumbnail.Truncate(errMsg, thumbnail.MaxErrorMessageLen)

	var (
		out     *thumbnail.Job
		applied bool
	)
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.getJobByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Status.IsTerminal() {
			out = cur
			applied = false
			return nil
		}

		next := thumbnail.JobStatusPending
		if cur.AttemptCount >= cur.MaxAttempts {
			next = thumbnail.JobStatusDead
		}

		const upd = `UPDATE jobs
SET status=?, claimed_by=NULL, claimed_at=NULL, lease_expires_at=NULL, error_message=?, updated_at=?
WHERE id=? AND status=?`
		res, err := tx.ExecContext(ctx, upd, next.String(), errMsg, now, id, cur.Status.String())
		if err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		n, _ := res.RowsAffected()
		if n != 1 {
			// Lost a race with another transition inside the same tx scope;
			// serializable isolation makes this unreachable in practice.
			return fmt.Errorf("fail job %d: concurrent transition", id)
		}
		applied = true

		j, err := s.getJobByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}
		j.ClaimedBy = cur.ClaimedBy
		out = j
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, applied, nil
}

// ResetJob is the admin override: any job, including dead, returns to
// pending with a zeroed attempt counter and cleared lease and error.
func (s *Store) ResetJob(ctx context.Context, id int64, now time.Time) (*thumbnail.Job, error) {
	now = now.UTC()

	var out *thumbnail.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		const upd = `UPDATE jobs
SET status='pending', attempt_count=0, claimed_by=NULL, claimed_at=NULL, lease_expires_at=NULL, error_message=NULL, completed_at=NULL, updated_at=?
WHERE id=?`
		res, err := tx.ExecContext(ctx, upd, now, id)
		if err != nil {
			return fmt.Errorf("reset job: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		j, err := s.getJobByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelActiveJobsForModel transitions every non-terminal job for a model
// to cancelled. The returned snapshots hold each job as it was before the
// cancellation, so the caller can audit the prior status and claimant.
func (s *Store) CancelActiveJobsForModel(ctx context.Context, modelID int64, now time.Time) ([]*thumbnail.Job, error) {
	now = now.UTC()

	var out []*thumbnail.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		const sel = `SELECT id FROM jobs WHERE model_id=? AND status IN ('pending','processing','failed')`
		ids, err := collectIDs(tx.QueryContext(ctx, sel, modelID))
		if err != nil {
			return fmt.Errorf("select active jobs for model: %w", err)
		}

		for _, id := range ids {
			cur, err := s.getJobByIDTx(ctx, tx, id)
			if err != nil {
				return err
			}
			const upd = `UPDATE jobs
SET status='cancelled', claimed_by=NULL, claimed_at=NULL, lease_expires_at=NULL, updated_at=?
WHERE id=? AND status IN ('pending','processing','failed')`
			res, err := tx.ExecContext(ctx, upd, now, id)
			if err != nil {
				return fmt.Errorf("cancel job %d: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue
			}
			out = append(out, cur)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SweepExpiredLeases returns every processing job whose lease expired
// before now back to pending. The attempt counter is left as-is; the
// expired claim consumed its attempt. The returned snapshots hold each
// job as it was before the sweep, claimant and expired lease included.
func (s *Store) SweepExpiredLeases(ctx context.Context, now time.Time) ([]*thumbnail.Job, error) {
	now = now.UTC()

	var out []*thumbnail.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		const sel = `SELECT id FROM jobs WHERE status='processing' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`
		ids, err := collectIDs(tx.QueryContext(ctx, sel, now))
		if err != nil {
			return fmt.Errorf("select expired leases: %w", err)
		}

		for _, id := range ids {
			cur, err := s.getJobByIDTx(ctx, tx, id)
			if err != nil {
				return err
			}
			// Re-check the predicate: a job may legally leave processing
			// between the scan and this update.
			const upd = `UPDATE jobs
SET status='pending', claimed_by=NULL, claimed_at=NULL, lease_expires_at=NULL, updated_at=?
WHERE id=? AND status='processing' AND lease_expires_at < ?`
			res, err := tx.ExecContext(ctx, upd, now, id, now)
			if err != nil {
				return fmt.Errorf("sweep job %d: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue
			}
			out = append(out, cur)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --------------- Thumbnail records ---------------

const recordColumns = `model_version_id, model_id, status, file_ref, width, height, size_bytes, error_message, created_at, processed_at`

// EnsureRecordPending creates the thumbnail record for a model version in
// pending state if it does not exist yet. An existing record is returned
// unchanged.
func (s *Store) EnsureRecordPending(ctx context.Context, modelVersionID, modelID int64, now time.Time) (*thumbnail.Record, error) {
	now = now.UTC()
	const ins = `
INSERT INTO thumbnail_records(model_version_id, model_id, status, created_at)
VALUES(?, ?, 'pending', ?)
ON CONFLICT(model_version_id) DO NOTHING;`
	if _, err := s.db.ExecContext(ctx, ins, modelVersionID, modelID, now); err != nil {
		return nil, fmt.Errorf("ensure record: %w", err)
	}
	return s.GetRecord(ctx, modelVersionID)
}

// GetRecord retrieves the thumbnail record for a model version.
func (s *Store) GetRecord(ctx context.Context, modelVersionID int64) (*thumbnail.Record, error) {
	q := `SELECT ` + recordColumns + ` FROM thumbnail_records WHERE model_version_id=?`
	return s.scanRecordRow(s.db.QueryRowContext(ctx, q, modelVersionID))
}

// GetLatestRecordForModel retrieves the most recently created record for
// a model.
func (s *Store) GetLatestRecordForModel(ctx context.Context, modelID int64) (*thumbnail.Record, error) {
	q := `SELECT ` + recordColumns + ` FROM thumbnail_records WHERE model_id=? ORDER BY created_at DESC, model_version_id DESC LIMIT 1`
	return s.scanRecordRow(s.db.QueryRowContext(ctx, q, modelID))
}

// MarkRecordProcessing moves a pending or previously failed record to
// processing. Records already processing or ready are left unchanged.
func (s *Store) MarkRecordProcessing(ctx context.Context, modelVersionID int64) (bool, error) {
	const upd = `UPDATE thumbnail_records
SET status='processing', error_message=NULL
WHERE model_version_id=? AND status IN ('pending','failed')`
	res, err := s.db.ExecContext(ctx, upd, modelVersionID)
	if err != nil {
		return false, fmt.Errorf("mark record processing: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkRecordReady transitions the record to ready with the artifact
// fields, creating the row if it is absent, and stamps processed_at.
func (s *Store) MarkRecordReady(ctx context.Context, modelVersionID, modelID int64, art thumbnail.Artifact, now time.Time) (*thumbnail.Record, error) {
	now = now.UTC()
	const upsert = `
INSERT INTO thumbnail_records(model_version_id, model_id, status, file_ref, width, height, size_bytes, error_message, created_at, processed_at)
VALUES(?, ?, 'ready', ?, ?, ?, ?, NULL, ?, ?)
ON CONFLICT(model_version_id) DO UPDATE SET
  status='ready',
  file_ref=excluded.file_ref,
  width=excluded.width,
  height=excluded.height,
  size_bytes=excluded.size_bytes,
  error_message=NULL,
  processed_at=excluded.processed_at;`
	_, err := s.db.ExecContext(ctx, upsert,
		modelVersionID, modelID, art.FileRef, art.Width, art.Height, art.SizeBytes, now, now)
	if err != nil {
		return nil, fmt.Errorf("mark record ready: %w", err)
	}
	return s.GetRecord(ctx, modelVersionID)
}

// MarkRecordFailed transitions the record to failed with the error message
// and stamps processed_at. Artifact fields are cleared.
func (s *Store) MarkRecordFailed(ctx context.Context, modelVersionID int64, errMsg string, now time.Time) (*thumbnail.Record, error) {
	now = now.UTC()
	errMsg = thumbnail.Truncate(errMsg, thumbnail.MaxErrorMessageLen)
	const upd = `UPDATE thumbnail_records
SET status='failed', file_ref=NULL, width=0, height=0, size_bytes=0, error_message=?, processed_at=?
WHERE model_version_id=?`
	res, err := s.db.ExecContext(ctx, upd, errMsg, now, modelVersionID)
	if err != nil {
		return nil, fmt.Errorf("mark record failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetRecord(ctx, modelVersionID)
}

// ResetRecordPending returns the record to pending for regeneration,
// clearing artifact and error fields.
func (s *Store) ResetRecordPending(ctx context.Context, modelVersionID int64) (*thumbnail.Record, error) {
	const upd = `UPDATE thumbnail_records
SET status='pending', file_ref=NULL, width=0, height=0, size_bytes=0, error_message=NULL, processed_at=NULL
WHERE model_version_id=?`
	res, err := s.db.ExecContext(ctx, upd, modelVersionID)
	if err != nil {
		return nil, fmt.Errorf("reset record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetRecord(ctx, modelVersionID)
}

// --------------- Job transitions ---------------

// AppendTransition inserts a new audit row for a job.
func (s *Store) AppendTransition(ctx context.Context, tr thumbnail.Transition) error {
	const ins = `INSERT INTO job_transitions(job_id, time, level, from_status, to_status, message, worker_id) VALUES(?, ?, ?, ?, ?, ?, ?)`
	var worker any
	if tr.WorkerID != nil {
		worker = *tr.WorkerID
	}
	_, err := s.db.ExecContext(ctx, ins, tr.JobID, tr.Time.UTC(), tr.Level.String(), tr.From.String(), tr.To.String(), tr.Message, worker)
	if err != nil {
		return fmt.Errorf("insert job transition: %w", err)
	}
	return nil
}

// ListTransitions fetches audit entries for a job ordered by time ascending.
// If limit <= 0, returns all.
func (s *Store) ListTransitions(ctx context.Context, jobID int64, limit int) ([]thumbnail.Transition, error) {
	q := `SELECT id, job_id, time, level, from_status, to_status, message, worker_id FROM job_transitions WHERE job_id=? ORDER BY time ASC, id ASC`
	if limit > 0 {
		q = q + fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job transitions: %w", err)
	}
	defer rows.Close()

	var out []thumbnail.Transition
	for rows.Next() {
		var (
			id, rowJobID int64
			t            time.Time
			level        string
			from, to     string
			msg          string
			worker       sql.NullString
		)
		if err := rows.Scan(&id, &rowJobID, &t, &level, &from, &to, &msg, &worker); err != nil {
			return nil, fmt.Errorf("scan job transition: %w", err)
		}
		out = append(out, thumbnail.Transition{
			ID:       id,
			JobID:    rowJobID,
			Time:     t.UTC(),
			Level:    thumbnail.TransitionLevel(level),
			From:     thumbnail.JobStatus(from),
			To:       thumbnail.JobStatus(to),
			Message:  msg,
			WorkerID: fromNullStringPtr(worker),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job transitions: %w", err)
	}
	return out, nil
}

// --------------- Internal helpers ---------------

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanJob(sc rowScanner) (*thumbnail.Job, error) {
	var row struct {
		id, modelID, versionID int64
		hash, status           string
		attempts, maxAttempts  int
		lockTimeout            int
		claimedBy              sql.NullString
		claimedAt              sql.NullTime
		leaseExpiresAt         sql.NullTime
		errorMessage           sql.NullString
		createdAt, updatedAt   time.Time
		completedAt            sql.NullTime
	}
	err := sc.Scan(
		&row.id, &row.modelID, &row.versionID, &row.hash, &row.status,
		&row.attempts, &row.maxAttempts, &row.lockTimeout,
		&row.claimedBy, &row.claimedAt, &row.leaseExpiresAt, &row.errorMessage,
		&row.createdAt, &row.updatedAt, &row.completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &thumbnail.Job{
		ID:                 row.id,
		ModelID:            row.modelID,
		ModelVersionID:     row.versionID,
		ModelHash:          row.hash,
		Status:             thumbnail.JobStatus(row.status),
		AttemptCount:       row.attempts,
		MaxAttempts:        row.maxAttempts,
		LockTimeoutMinutes: row.lockTimeout,
		ClaimedBy:          fromNullStringPtr(row.claimedBy),
		ClaimedAt:          fromNullTimePtr(row.claimedAt),
		LeaseExpiresAt:     fromNullTimePtr(row.leaseExpiresAt),
		ErrorMessage:       fromNullStringPtr(row.errorMessage),
		CreatedAt:          row.createdAt.UTC(),
		UpdatedAt:          row.updatedAt.UTC(),
		CompletedAt:        fromNullTimePtr(row.completedAt),
	}, nil
}

func (s *Store) scanJobRow(row *sql.Row) (*thumbnail.Job, error) { return s.scanJob(row) }

func (s *Store) scanJobRows(rows *sql.Rows) (*thumbnail.Job, error) { return s.scanJob(rows) }

func (s *Store) getJobByIDTx(ctx context.Context, tx *sql.Tx, id int64) (*thumbnail.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=?`
	return s.scanJob(tx.QueryRowContext(ctx, q, id))
}

func (s *Store) findActiveJobByHashTx(ctx context.Context, tx *sql.Tx, hash string) (*thumbnail.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE model_hash=? AND status IN ('pending','processing') LIMIT 1`
	return s.scanJob(tx.QueryRowContext(ctx, q, hash))
}

func (s *Store) scanRecord(sc rowScanner) (*thumbnail.Record, error) {
	var row struct {
		versionID, modelID int64
		status             string
		fileRef            sql.NullString
		width, height      int
		sizeBytes          int64
		errorMessage       sql.NullString
		createdAt          time.Time
		processedAt        sql.NullTime
	}
	err := sc.Scan(
		&row.versionID, &row.modelID, &row.status, &row.fileRef,
		&row.width, &row.height, &row.sizeBytes, &row.errorMessage,
		&row.createdAt, &row.processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}
	return &thumbnail.Record{
		ModelVersionID: row.versionID,
		ModelID:        row.modelID,
		Status:         thumbnail.RecordStatus(row.status),
		FileRef:        fromNullStringPtr(row.fileRef),
		Width:          row.width,
		Height:         row.height,
		SizeBytes:      row.sizeBytes,
		ErrorMessage:   fromNullStringPtr(row.errorMessage),
		CreatedAt:      row.createdAt.UTC(),
		ProcessedAt:    fromNullTimePtr(row.processedAt),
	}, nil
}

func (s *Store) scanRecordRow(row *sql.Row) (*thumbnail.Record, error) { return s.scanRecord(row) }

func collectIDs(rows *sql.Rows, err error) ([]int64, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func fromNullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}

func fromNullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time.UTC()
		return &t
	}
	return nil
}
