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

// Package queue implements the thumbnail job state machine over the store:
// enqueue with content-hash dedup, atomic multi-worker claiming, idempotent
// completion, retry-or-dead failure handling, admin reset, cancellation,
// and the periodic lease sweeper.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"meshvault/internal/metrics"
	"meshvault/internal/thumbnail/store"
	"meshvault/pkg/thumbnail"
)

// Store defines the persistence operations required by the queue service.
type Store interface {
	EnqueueJob(ctx context.Context, job *thumbnail.Job) (*thumbnail.Job, bool, error)
	GetJobByID(ctx context.Context, id int64) (*thumbnail.Job, error)
	GetLatestJobForModel(ctx context.Context, modelID int64) (*thumbnail.Job, error)
	AcquirePendingJob(ctx context.Context, workerID string, now time.Time) (*thumbnail.Job, error)
	CompleteJob(ctx context.Context, id int64, now time.Time) (*thumbnail.Job, bool, error)
	FailJob(ctx context.Context, id int64, errMsg string, now time.Time) (*thumbnail.Job, bool, error)
	ResetJob(ctx context.Context, id int64, now time.Time) (*thumbnail.Job, error)
	CancelActiveJobsForModel(ctx context.Context, modelID int64, now time.Time) ([]*thumbnail.Job, error)
	SweepExpiredLeases(ctx context.Context, now time.Time) ([]*thumbnail.Job, error)
	CountJobsByStatus(ctx context.Context) (map[thumbnail.JobStatus]int, error)
	AppendTransition(ctx context.Context, tr thumbnail.Transition) error
	ListTransitions(ctx context.Context, jobID int64, limit int) ([]thumbnail.Transition, error)
}

// Records defines the record-service operations the queue drives from its
// claim and completion paths.
type Records interface {
	EnsurePending(ctx context.Context, modelVersionID, modelID int64) (*thumbnail.Record, error)
	OnJobClaimed(ctx context.Context, modelVersionID, modelID int64) error
	OnJobCompleted(ctx context.Context, modelVersionID, modelID int64, art thumbnail.Artifact) (*thumbnail.Record, error)
	OnJobFailed(ctx context.Context, modelVersionID, modelID int64, errMsg string) (*thumbnail.Record, error)
	OnRegenerationRequested(ctx context.Context, modelVersionID, modelID int64) (*thumbnail.Record, error)
}

// Config controls queue behavior.
type Config struct {
	// SweepInterval is the cadence of the lease sweeper.
	SweepInterval time.Duration

	// DefaultMaxAttempts applies when an enqueue does not specify a budget.
	DefaultMaxAttempts int

	// DefaultLockTimeoutMinutes applies when an enqueue does not specify
	// a lease duration.
	DefaultLockTimeoutMinutes int
}

// Service is the queue's public contract. Every operation is a short,
// atomic database interaction; the service itself holds no job state.
type Service struct {
	store   Store
	records Records
	cfg     Config
	logger  *log.Logger
	now     func() time.Time
}

// New constructs a queue Service. logger may be nil.
func New(st Store, rec Records, cfg Config, logger *log.Logger) *Service {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.DefaultMaxAttempts < 1 {
		cfg.DefaultMaxAttempts = thumbnail.DefaultMaxAttempts
	}
	if cfg.DefaultLockTimeoutMinutes < 1 {
		cfg.DefaultLockTimeoutMinutes = thumbnail.DefaultLockTimeoutMinutes
	}
	return &Service{
		store:   st,
		records: rec,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf("[queue] %s", fmt.Sprintf(format, args...))
	}
}

// EnqueueRequest carries the parameters of an enqueue call. Zero
// MaxAttempts and LockTimeoutMinutes take the configured defaults.
type EnqueueRequest struct {
	ModelID            int64
	ModelVersionID     int64
	ModelHash          string
	MaxAttempts        int
	LockTimeoutMinutes int
}

// Enqueue creates a pending job for the model version unless a
// non-terminal job with the same model hash already exists; the existing
// job is then returned unchanged. The thumbnail record for the version is
// created in pending state if absent.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*thumbnail.Job, error) {
	if req.ModelID <= 0 || req.ModelVersionID <= 0 {
		return nil, validationErr("model and version ids must be positive, got model=%d version=%d", req.ModelID, req.ModelVersionID)
	}
	if err := thumbnail.ValidateModelHash(req.ModelHash); err != nil {
		return nil, validationErr("invalid model hash: %v", err)
	}
	if req.MaxAttempts < 0 {
		return nil, validationErr("maxAttempts must be >= 1, got %d", req.MaxAttempts)
	}
	if req.LockTimeoutMinutes < 0 {
		return nil, validationErr("lockTimeoutMinutes must be >= 0, got %d", req.LockTimeoutMinutes)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.cfg.DefaultMaxAttempts
	}
	lockTimeout := req.LockTimeoutMinutes
	if lockTimeout == 0 {
		lockTimeout = s.cfg.DefaultLockTimeoutMinutes
	}

	job := thumbnail.NewJob(req.ModelID, req.ModelVersionID, req.ModelHash, maxAttempts, lockTimeout)
	out, created, err := s.store.EnqueueJob(ctx, &job)
	if err != nil {
		return nil, transientErr(fmt.Errorf("enqueue: %w", err))
	}
	metrics.IncEnqueued(!created)

	if !created {
		s.logf("enqueue deduplicated onto job id=%d hash=%s", out.ID, out.ModelHash)
		return out, nil
	}

	if _, err := s.records.EnsurePending(ctx, out.ModelVersionID, out.ModelID); err != nil {
		// The job row is durable; the record will be created on completion.
		s.logf("enqueue job=%d: ensure record: %v", out.ID, err)
	}
	s.audit(ctx, out.ID, thumbnail.TransitionLevelInfo, thumbnail.JobStatusPending, thumbnail.JobStatusPending,
		fmt.Sprintf("enqueued for model=%d version=%d", out.ModelID, out.ModelVersionID), nil)
	s.logf("enqueued job id=%d model=%d version=%d", out.ID, out.ModelID, out.ModelVersionID)
	return out, nil
}

// Dequeue atomically claims the oldest pending job for workerID and
// returns it, or (nil, nil) when the queue is empty. The claim commits or
// rolls back as one transaction: a cancellation mid-claim either leaves
// the job pending or leaves it processing for the sweeper to reclaim,
// never in between.
func (s *Service) Dequeue(ctx context.Context, workerID string) (*thumbnail.Job, error) {
	if workerID == "" {
		return nil, validationErr("workerId is required")
	}

	job, err := s.store.AcquirePendingJob(ctx, workerID, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, transientErr(fmt.Errorf("dequeue: %w", err))
	}
	metrics.IncClaimed()

	s.audit(ctx, job.ID, thumbnail.TransitionLevelInfo, thumbnail.JobStatusPending, thumbnail.JobStatusProcessing,
		fmt.Sprintf("claimed, attempt %d/%d", job.AttemptCount, job.MaxAttempts), &workerID)

	// Record transition and notification ride on the claim best-effort;
	// the job row is authoritative.
	if err := s.records.OnJobClaimed(ctx, job.ModelVersionID, job.ModelID); err != nil {
		s.logf("dequeue job=%d: record claim: %v", job.ID, err)
	}
	return job, nil
}

// Complete transitions a processing job to completed, updates the
// thumbnail record with the artifact, and publishes the state change.
// Completing an already-completed job is a no-op; completing a pending or
// otherwise terminal job is logged and ignored.
func (s *Service) Complete(ctx context.Context, jobID int64, art thumbnail.Artifact) (*thumbnail.Job, error) {
	if err := art.Validate(); err != nil {
		return nil, validationErr("invalid artifact: %v", err)
	}

	job, applied, err := s.store.CompleteJob(ctx, jobID, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFoundErr("job %d not found", jobID)
	}
	if err != nil {
		return nil, transientErr(fmt.Errorf("complete: %w", err))
	}
	if !applied {
		s.logf("complete job=%d ignored: status=%s", jobID, job.Status)
		return job, nil
	}
	metrics.IncCompleted()

	s.audit(ctx, job.ID, thumbnail.TransitionLevelInfo, thumbnail.JobStatusProcessing, thumbnail.JobStatusCompleted,
		fmt.Sprintf("completed with artifact %s (%dx%d, %d bytes)", art.FileRef, art.Width, art.Height, art.SizeBytes), job.ClaimedBy)

	if _, err := s.records.OnJobCompleted(ctx, job.ModelVersionID, job.ModelID, art); err != nil {
		return job, transientErr(fmt.Errorf("complete job %d: record: %w", jobID, err))
	}
	return job, nil
}

// Fail records the error against the job and applies the retry-or-dead
// decision: below the attempt budget the job returns to pending; at the
// budget it becomes dead and the thumbnail record moves to failed.
// Failing a terminal job is logged and ignored.
func (s *Service) Fail(ctx context.Context, jobID int64, errMsg string) (*thumbnail.Job, error) {
	job, applied, err := s.store.FailJob(ctx, jobID, errMsg, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFoundErr("job %d not found", jobID)
	}
	if err != nil {
		return nil, transientErr(fmt.Errorf("fail: %w", err))
	}
	if !applied {
		s.logf("fail job=%d ignored: status=%s", jobID, job.Status)
		return job, nil
	}

	switch job.Status {
	case thumbnail.JobStatusPending:
		metrics.IncFailure(metrics.OutcomeRetry)
		s.audit(ctx, job.ID, thumbnail.TransitionLevelWarn, thumbnail.JobStatusProcessing, thumbnail.JobStatusPending,
			fmt.Sprintf("attempt %d/%d failed: %s", job.AttemptCount, job.MaxAttempts, thumbnail.Truncate(errMsg, 256)), job.ClaimedBy)
	case thumbnail.JobStatusDead:
		metrics.IncFailure(metrics.OutcomeDead)
		s.audit(ctx, job.ID, thumbnail.TransitionLevelError, thumbnail.JobStatusProcessing, thumbnail.JobStatusDead,
			fmt.Sprintf("attempt budget exhausted (%d): %s", job.MaxAttempts, thumbnail.Truncate(errMsg, 256)), job.ClaimedBy)
		if _, err := s.records.OnJobFailed(ctx, job.ModelVersionID, job.ModelID, errMsg); err != nil {
			return job, transientErr(fmt.Errorf("fail job %d: record: %w", jobID, err))
		}
	}
	return job, nil
}

// Retry is the admin override: the job, including a dead one, returns to
// pending with a zeroed attempt counter.
func (s *Service) Retry(ctx context.Context, jobID int64) (*thumbnail.Job, error) {
	job, err := s.store.ResetJob(ctx, jobID, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFoundErr("job %d not found", jobID)
	}
	if err != nil {
		return nil, transientErr(fmt.Errorf("retry: %w", err))
	}
	metrics.IncRetried()
	s.audit(ctx, job.ID, thumbnail.TransitionLevelInfo, job.Status, thumbnail.JobStatusPending, "admin retry reset", nil)
	s.logf("job=%d reset to pending by admin retry", jobID)
	return job, nil
}

// CancelActiveForModel transitions every non-terminal job for the model
// to cancelled and returns the count.
func (s *Service) CancelActiveForModel(ctx context.Context, modelID int64) (int, error) {
	if modelID <= 0 {
		return 0, validationErr("model id must be positive, got %d", modelID)
	}
	jobs, err := s.store.CancelActiveJobsForModel(ctx, modelID, s.now())
	if err != nil {
		return 0, transientErr(fmt.Errorf("cancel: %w", err))
	}
	// The store hands back pre-cancel snapshots: a processing job is
	// audited as processing -> cancelled with its claimant.
	for _, job := range jobs {
		s.audit(ctx, job.ID, thumbnail.TransitionLevelInfo, job.Status, thumbnail.JobStatusCancelled,
			"cancelled: model obsolete", job.ClaimedBy)
	}
	metrics.AddCancelled(len(jobs))
	if len(jobs) > 0 {
		s.logf("cancelled %d active job(s) for model=%d", len(jobs), modelID)
	}
	return len(jobs), nil
}

// Regenerate cancels the model's active jobs, resets its thumbnail record
// to pending, and enqueues a fresh job from the most recent job row's
// version and hash. Returns the new job.
func (s *Service) Regenerate(ctx context.Context, modelID int64) (*thumbnail.Job, error) {
	last, err := s.store.GetLatestJobForModel(ctx, modelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFoundErr("no job history for model %d", modelID)
	}
	if err != nil {
		return nil, transientErr(fmt.Errorf("regenerate: %w", err))
	}

	if _, err := s.CancelActiveForModel(ctx, modelID); err != nil {
		return nil, err
	}
	if _, err := s.records.OnRegenerationRequested(ctx, last.ModelVersionID, modelID); err != nil {
		return nil, transientErr(fmt.Errorf("regenerate model %d: record: %w", modelID, err))
	}
	return s.Enqueue(ctx, EnqueueRequest{
		ModelID:            modelID,
		ModelVersionID:     last.ModelVersionID,
		ModelHash:          last.ModelHash,
		MaxAttempts:        last.MaxAttempts,
		LockTimeoutMinutes: last.LockTimeoutMinutes,
	})
}

// GetJob returns a job with its transition audit trail.
func (s *Service) GetJob(ctx context.Context, jobID int64) (*thumbnail.Job, []thumbnail.Transition, error) {
	job, err := s.store.GetJobByID(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, notFoundErr("job %d not found", jobID)
	}
	if err != nil {
		return nil, nil, transientErr(fmt.Errorf("get job: %w", err))
	}
	trs, err := s.store.ListTransitions(ctx, jobID, 0)
	if err != nil {
		return nil, nil, transientErr(fmt.Errorf("get job transitions: %w", err))
	}
	return job, trs, nil
}

// SweepOnce returns every job whose lease expired to pending and reports
// how many were swept. The consumed attempt stays consumed.
func (s *Service) SweepOnce(ctx context.Context) (int, error) {
	swept, err := s.store.SweepExpiredLeases(ctx, s.now())
	if err != nil {
		return 0, transientErr(fmt.Errorf("sweep: %w", err))
	}
	for _, job := range swept {
		// Pre-sweep snapshot: job.ClaimedBy names the worker whose lease
		// expired.
		s.audit(ctx, job.ID, thumbnail.TransitionLevelWarn, thumbnail.JobStatusProcessing, thumbnail.JobStatusPending,
			fmt.Sprintf("lease expired after attempt %d/%d", job.AttemptCount, job.MaxAttempts), job.ClaimedBy)
		s.logf("sweeper reset job=%d attempt=%d/%d", job.ID, job.AttemptCount, job.MaxAttempts)
	}
	metrics.AddLeaseSwept(len(swept))
	return len(swept), nil
}

// RunSweeper runs the lease sweeper at the configured cadence until ctx
// is canceled. It also refreshes the queue depth gauges each tick.
func (s *Service) RunSweeper(ctx context.Context) {
	s.logf("lease sweeper starting; interval=%s", s.cfg.SweepInterval)
	defer s.logf("lease sweeper stopped")

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := s.SweepOnce(ctx); err != nil {
			s.logf("sweep error: %v", err)
		}
		s.updateDepthGauges(ctx)
	}
}

func (s *Service) updateDepthGauges(ctx context.Context) {
	counts, err := s.store.CountJobsByStatus(ctx)
	if err != nil {
		s.logf("queue depth: %v", err)
		return
	}
	for _, status := range []thumbnail.JobStatus{
		thumbnail.JobStatusPending, thumbnail.JobStatusProcessing,
		thumbnail.JobStatusCompleted, thumbnail.JobStatusDead, thumbnail.JobStatusCancelled,
	} {
		metrics.SetQueueDepth(status.String(), counts[status])
	}
}

func (s *Service) audit(ctx context.Context, jobID int64, level thumbnail.TransitionLevel, from, to thumbnail.JobStatus, msg string, worker *string) {
	tr := thumbnail.Transition{
		JobID:    jobID,
		Time:     s.now(),
		Level:    level,
		From:     from,
		To:       to,
		Message:  thumbnail.Truncate(msg, thumbnail.MaxErrorMessageLen),
		WorkerID: worker,
	}
	if err := s.store.AppendTransition(ctx, tr); err != nil {
		s.logf("audit job=%d: %v", jobID, err)
	}
}
