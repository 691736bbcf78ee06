package store

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

// Tests for the store layer: migrations, job lifecycle, dedup, leasing,
// and thumbnail records.

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"meshvault/pkg/thumbnail"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	s, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testHash(n int) string {
	return fmt.Sprintf("%064x", n)
}

func enqueueTestJob(t *testing.T, s *Store, modelID, versionID int64, hash string, maxAttempts int) *thumbnail.Job {
	t.Helper()
	job := thumbnail.NewJob(modelID, versionID, hash, maxAttempts, thumbnail.DefaultLockTimeoutMinutes)
	out, created, err := s.EnqueueJob(context.Background(), &job)
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	if !created {
		t.Fatalf("EnqueueJob deduplicated unexpectedly onto job %d", out.ID)
	}
	return out
}

func TestOpenAndMigrations_EnqueueAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := enqueueTestJob(t, s, 1, 10, testHash(1), 3)
	if job.ID == 0 {
		t.Fatalf("expected assigned job ID, got 0")
	}
	if job.Status != thumbnail.JobStatusPending {
		t.Fatalf("new job status = %s, want pending", job.Status)
	}
	if job.AttemptCount != 0 || job.MaxAttempts != 3 {
		t.Fatalf("attempt fields = %d/%d, want 0/3", job.AttemptCount, job.MaxAttempts)
	}
	if job.ClaimedBy != nil || job.LeaseExpiresAt != nil || job.CompletedAt != nil {
		t.Fatalf("new job carries claim or completion fields: %+v", job)
	}

	got, err := s.GetJobByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJobByID failed: %v", err)
	}
	if got.ModelID != 1 || got.ModelVersionID != 10 || got.ModelHash != testHash(1) {
		t.Fatalf("job mismatch: %+v", got)
	}

	if _, err := s.GetJobByID(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetJobByID(missing) err = %v, want ErrNotFound", err)
	}
}

func TestEnqueueDedup_ActiveHashBlocksSecondJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := enqueueTestJob(t, s, 1, 10, testHash(7), 3)

	dup := thumbnail.NewJob(1, 10, testHash(7), 3, thumbnail.DefaultLockTimeoutMinutes)
	got, created, err := s.EnqueueJob(ctx, &dup)
	if err != nil {
		t.Fatalf("EnqueueJob (dup) failed: %v", err)
	}
	if created {
		t.Fatalf("duplicate enqueue created a second job id=%d", got.ID)
	}
	if got.ID != first.ID {
		t.Fatalf("duplicate enqueue returned job %d, want %d", got.ID, first.ID)
	}

	// Dedup still applies while the job is processing.
	if _, err := s.AcquirePendingJob(ctx, "w1", time.Now().UTC()); err != nil {
		t.Fatalf("AcquirePendingJob failed: %v", err)
	}
	got2, created2, err := s.EnqueueJob(ctx, &dup)
	if err != nil {
		t.Fatalf("EnqueueJob (dup while processing) failed: %v", err)
	}
	if created2 || got2.ID != first.ID {
		t.Fatalf("dedup lost while processing: created=%v id=%d", created2, got2.ID)
	}

	// A terminal job no longer blocks a fresh enqueue.
	if _, _, err := s.CompleteJob(ctx, first.ID, time.Now().UTC()); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	fresh := thumbnail.NewJob(1, 10, testHash(7), 3, thumbnail.DefaultLockTimeoutMinutes)
	got3, created3, err := s.EnqueueJob(ctx, &fresh)
	if err != nil {
		t.Fatalf("EnqueueJob (after complete) failed: %v", err)
	}
	if !created3 || got3.ID == first.ID {
		t.Fatalf("enqueue after terminal did not create a new job: created=%v id=%d", created3, got3.ID)
	}
}

func TestEnqueueDedup_ParallelSameHashCreatesOneJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const attempts = 3
	results := make(chan int64, attempts)
	errs := make(chan error, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job := thumbnail.NewJob(1, 10, testHash(42), 3, thumbnail.DefaultLockTimeoutMinutes)
			out, _, err := s.EnqueueJob(ctx, &job)
			if err != nil {
				errs <- err
				return
			}
			results <- out.ID
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("parallel EnqueueJob failed: %v", err)
	}
	ids := map[int64]bool{}
	n := 0
	for id := range results {
		ids[id] = true
		n++
	}
	if n != attempts {
		t.Fatalf("got %d results, want %d", n, attempts)
	}
	if len(ids) != 1 {
		t.Fatalf("parallel enqueues created %d distinct jobs, want 1", len(ids))
	}

	// Exactly one row exists for the hash.
	jobs, err := s.ListJobsByStatus(ctx, thumbnail.JobStatusPending)
	if err != nil {
		t.Fatalf("ListJobsByStatus failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("pending jobs = %d, want 1", len(jobs))
	}
}

func TestAcquirePendingJob_OrderClaimAndLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	older := enqueueTestJob(t, s, 1, 10, testHash(1), 3)
	newer := enqueueTestJob(t, s, 2, 20, testHash(2), 3)

	got, err := s.AcquirePendingJob(ctx, "worker-a", now)
	if err != nil {
		t.Fatalf("AcquirePendingJob failed: %v", err)
	}
	if got.ID != older.ID {
		t.Fatalf("acquired job %d, want oldest %d", got.ID, older.ID)
	}
	if got.Status != thumbnail.JobStatusProcessing {
		t.Fatalf("acquired status = %s, want processing", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("acquired attempt_count = %d, want 1", got.AttemptCount)
	}
	if got.ClaimedBy == nil || *got.ClaimedBy != "worker-a" {
		t.Fatalf("claimed_by = %v, want worker-a", got.ClaimedBy)
	}
	wantLease := now.Add(time.Duration(got.LockTimeoutMinutes) * time.Minute)
	if got.LeaseExpiresAt == nil || !got.LeaseExpiresAt.UTC().Equal(wantLease) {
		t.Fatalf("lease_expires_at = %v, want %v", got.LeaseExpiresAt, wantLease)
	}

	got2, err := s.AcquirePendingJob(ctx, "worker-b", now)
	if err != nil {
		t.Fatalf("AcquirePendingJob (second) failed: %v", err)
	}
	if got2.ID != newer.ID {
		t.Fatalf("second acquire got job %d, want %d", got2.ID, newer.ID)
	}

	if _, err := s.AcquirePendingJob(ctx, "worker-c", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("acquire on empty queue err = %v, want ErrNotFound", err)
	}
}

func TestAcquirePendingJob_RacingWorkersClaimDistinctJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	const jobCount = 5
	seeded := map[int64]bool{}
	for i := 0; i < jobCount; i++ {
		job := enqueueTestJob(t, s, int64(i+1), int64(10+i), testHash(50+i), 3)
		seeded[job.ID] = true
	}

	// Twice as many workers as jobs: every job is claimed exactly once
	// and the surplus workers see an empty queue.
	const workers = 2 * jobCount
	type result struct {
		job *thumbnail.Job
		err error
	}
	results := make(chan result, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := s.AcquirePendingJob(ctx, fmt.Sprintf("racer-%d", i), now)
			results <- result{job: job, err: err}
		}(i)
	}
	wg.Wait()
	close(results)

	claimedBy := map[int64]string{}
	emptyClaims := 0
	for res := range results {
		switch {
		case res.err == nil:
			if !seeded[res.job.ID] {
				t.Fatalf("claimed unknown job %d", res.job.ID)
			}
			if res.job.ClaimedBy == nil {
				t.Fatalf("claimed job %d without claimant", res.job.ID)
			}
			if prev, ok := claimedBy[res.job.ID]; ok {
				t.Fatalf("job %d claimed by both %s and %s", res.job.ID, prev, *res.job.ClaimedBy)
			}
			claimedBy[res.job.ID] = *res.job.ClaimedBy
		case errors.Is(res.err, ErrNotFound):
			emptyClaims++
		default:
			t.Fatalf("AcquirePendingJob failed: %v", res.err)
		}
	}
	if len(claimedBy) != jobCount {
		t.Fatalf("claimed %d distinct jobs, want %d", len(claimedBy), jobCount)
	}
	if emptyClaims != workers-jobCount {
		t.Fatalf("empty claims = %d, want %d", emptyClaims, workers-jobCount)
	}
}

func TestCompleteJob_AppliedOnceAndIgnoresOtherStates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := enqueueTestJob(t, s, 1, 10, testHash(3), 3)

	// Completing a pending job is not applied.
	got, applied, err := s.CompleteJob(ctx, job.ID, now)
	if err != nil {
		t.Fatalf("CompleteJob (pending) failed: %v", err)
	}
	if applied || got.Status != thumbnail.JobStatusPending {
		t.Fatalf("complete on pending: applied=%v status=%s", applied, got.Status)
	}

	if _, err := s.AcquirePendingJob(ctx, "w1", now); err != nil {
		t.Fatalf("AcquirePendingJob failed: %v", err)
	}

	got, applied, err = s.CompleteJob(ctx, job.ID, now)
	if err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	if !applied {
		t.Fatalf("complete on processing not applied")
	}
	if got.Status != thumbnail.JobStatusCompleted || got.CompletedAt == nil {
		t.Fatalf("completed job: %+v", got)
	}
	// The snapshot names the worker that finished the job; the stored row
	// drops the lease.
	if got.ClaimedBy == nil || *got.ClaimedBy != "w1" {
		t.Fatalf("completion snapshot claimed_by = %v, want w1", got.ClaimedBy)
	}
	row, err := s.GetJobByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJobByID failed: %v", err)
	}
	if row.ClaimedBy != nil || row.LeaseExpiresAt != nil {
		t.Fatalf("completed row retains lease fields: %+v", row)
	}

	// Second completion is an idempotent no-op.
	got, applied, err = s.CompleteJob(ctx, job.ID, now)
	if err != nil {
		t.Fatalf("CompleteJob (again) failed: %v", err)
	}
	if applied || got.Status != thumbnail.JobStatusCompleted {
		t.Fatalf("repeat complete: applied=%v status=%s", applied, got.Status)
	}

	if _, _, err := s.CompleteJob(ctx, 9999, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("CompleteJob(missing) err = %v, want ErrNotFound", err)
	}
}

func TestFailJob_RetryThenDeadLetter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := enqueueTestJob(t, s, 1, 10, testHash(4), 2)

	// Attempt 1 fails: budget not exhausted, back to pending.
	if _, err := s.AcquirePendingJob(ctx, "w1", now); err != nil {
		t.Fatalf("acquire 1 failed: %v", err)
	}
	got, applied, err := s.FailJob(ctx, job.ID, "render timeout", now)
	if err != nil {
		t.Fatalf("FailJob 1 failed: %v", err)
	}
	if !applied || got.Status != thumbnail.JobStatusPending {
		t.Fatalf("fail 1: applied=%v status=%s, want pending", applied, got.Status)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("fail 1 attempt_count = %d, want 1", got.AttemptCount)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "render timeout" {
		t.Fatalf("fail 1 error_message = %v", got.ErrorMessage)
	}
	if got.ClaimedBy == nil || *got.ClaimedBy != "w1" {
		t.Fatalf("fail 1 snapshot claimed_by = %v, want w1", got.ClaimedBy)
	}
	row, err := s.GetJobByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJobByID failed: %v", err)
	}
	if row.ClaimedBy != nil || row.LeaseExpiresAt != nil {
		t.Fatalf("failed row retains lease fields: %+v", row)
	}

	// Attempt 2 fails: budget exhausted, dead.
	if _, err := s.AcquirePendingJob(ctx, "w2", now); err != nil {
		t.Fatalf("acquire 2 failed: %v", err)
	}
	got, applied, err = s.FailJob(ctx, job.ID, "corrupt mesh", now)
	if err != nil {
		t.Fatalf("FailJob 2 failed: %v", err)
	}
	if !applied || got.Status != thumbnail.JobStatusDead {
		t.Fatalf("fail 2: applied=%v status=%s, want dead", applied, got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "corrupt mesh" {
		t.Fatalf("fail 2 error_message = %v", got.ErrorMessage)
	}
	if got.ClaimedBy == nil || *got.ClaimedBy != "w2" {
		t.Fatalf("fail 2 snapshot claimed_by = %v, want w2", got.ClaimedBy)
	}

	// Failing a terminal job is ignored.
	got, applied, err = s.FailJob(ctx, job.ID, "late report", now)
	if err != nil {
		t.Fatalf("FailJob (dead) failed: %v", err)
	}
	if applied || got.Status != thumbnail.JobStatusDead {
		t.Fatalf("fail on dead: applied=%v status=%s", applied, got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "corrupt mesh" {
		t.Fatalf("error message overwritten on terminal job: %v", got.ErrorMessage)
	}
}

func TestSweepExpiredLeases_ResetsWithoutRefundingAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	job := enqueueTestJob(t, s, 1, 10, testHash(5), 3)
	fresh := enqueueTestJob(t, s, 2, 20, testHash(6), 3)

	if _, err := s.AcquirePendingJob(ctx, "w1", now); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	// Claim the second job an hour later so its lease is still live when
	// the first one expires.
	later := now.Add(time.Hour)
	if _, err := s.AcquirePendingJob(ctx, "w2", later); err != nil {
		t.Fatalf("acquire (fresh) failed: %v", err)
	}

	// Nothing to sweep before the lease expires.
	swept, err := s.SweepExpiredLeases(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("SweepExpiredLeases (early) failed: %v", err)
	}
	if len(swept) != 0 {
		t.Fatalf("early sweep reset %d jobs, want 0", len(swept))
	}

	// Past the first job's lease but not the second's.
	cutoff := now.Add(time.Duration(job.LockTimeoutMinutes)*time.Minute + time.Minute)
	swept, err = s.SweepExpiredLeases(ctx, cutoff)
	if err != nil {
		t.Fatalf("SweepExpiredLeases failed: %v", err)
	}
	if len(swept) != 1 || swept[0].ID != job.ID {
		t.Fatalf("sweep reset %d jobs (%v), want job %d", len(swept), swept, job.ID)
	}
	// The snapshot is the job as it was before the sweep, so the expired
	// claim is attributable.
	got := swept[0]
	if got.Status != thumbnail.JobStatusProcessing {
		t.Fatalf("swept snapshot status = %s, want processing", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("swept attempt_count = %d, want 1 (attempt consumed)", got.AttemptCount)
	}
	if got.ClaimedBy == nil || *got.ClaimedBy != "w1" {
		t.Fatalf("swept snapshot claimed_by = %v, want w1", got.ClaimedBy)
	}
	row, err := s.GetJobByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJobByID failed: %v", err)
	}
	if row.Status != thumbnail.JobStatusPending {
		t.Fatalf("swept row status = %s, want pending", row.Status)
	}
	if row.AttemptCount != 1 {
		t.Fatalf("swept row attempt_count = %d, want 1", row.AttemptCount)
	}
	if row.ClaimedBy != nil || row.LeaseExpiresAt != nil {
		t.Fatalf("swept row retains claim: %+v", row)
	}

	// The fresh claim was untouched.
	other, err := s.GetJobByID(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("GetJobByID failed: %v", err)
	}
	if other.Status != thumbnail.JobStatusProcessing {
		t.Fatalf("unexpired claim was swept: status=%s", other.Status)
	}

	// Idempotent: nothing left to sweep at the same cutoff.
	swept, err = s.SweepExpiredLeases(ctx, cutoff)
	if err != nil {
		t.Fatalf("SweepExpiredLeases (repeat) failed: %v", err)
	}
	if len(swept) != 0 {
		t.Fatalf("repeat sweep reset %d jobs, want 0", len(swept))
	}
}

func TestResetJob_AdminOverrideFromDead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := enqueueTestJob(t, s, 1, 10, testHash(8), 1)
	if _, err := s.AcquirePendingJob(ctx, "w1", now); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if _, _, err := s.FailJob(ctx, job.ID, "boom", now); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}

	got, err := s.ResetJob(ctx, job.ID, now)
	if err != nil {
		t.Fatalf("ResetJob failed: %v", err)
	}
	if got.Status != thumbnail.JobStatusPending {
		t.Fatalf("reset status = %s, want pending", got.Status)
	}
	if got.AttemptCount != 0 {
		t.Fatalf("reset attempt_count = %d, want 0", got.AttemptCount)
	}
	if got.ErrorMessage != nil {
		t.Fatalf("reset error_message = %v, want nil", got.ErrorMessage)
	}

	if _, err := s.ResetJob(ctx, 9999, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ResetJob(missing) err = %v, want ErrNotFound", err)
	}
}

func TestCancelActiveJobsForModel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	claimedJob := enqueueTestJob(t, s, 1, 10, testHash(9), 3)
	pendingJob := enqueueTestJob(t, s, 1, 11, testHash(10), 3)
	other := enqueueTestJob(t, s, 2, 20, testHash(11), 3)

	// Claim the first pending job for model 1 (the oldest).
	if _, err := s.AcquirePendingJob(ctx, "w1", now); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	cancelled, err := s.CancelActiveJobsForModel(ctx, 1, now)
	if err != nil {
		t.Fatalf("CancelActiveJobsForModel failed: %v", err)
	}
	if len(cancelled) != 2 {
		t.Fatalf("cancelled %d jobs, want 2", len(cancelled))
	}
	// Snapshots carry the pre-cancel status and claimant.
	prior := map[int64]*thumbnail.Job{}
	for _, j := range cancelled {
		prior[j.ID] = j
	}
	if j := prior[claimedJob.ID]; j == nil || j.Status != thumbnail.JobStatusProcessing || j.ClaimedBy == nil || *j.ClaimedBy != "w1" {
		t.Fatalf("claimed job snapshot: %+v", j)
	}
	if j := prior[pendingJob.ID]; j == nil || j.Status != thumbnail.JobStatusPending || j.ClaimedBy != nil {
		t.Fatalf("pending job snapshot: %+v", j)
	}
	for _, id := range []int64{claimedJob.ID, pendingJob.ID} {
		j, err := s.GetJobByID(ctx, id)
		if err != nil {
			t.Fatalf("GetJobByID(%d) failed: %v", id, err)
		}
		if j.Status != thumbnail.JobStatusCancelled {
			t.Fatalf("job %d status = %s, want cancelled", id, j.Status)
		}
	}

	// The other model's job is untouched.
	j, err := s.GetJobByID(ctx, other.ID)
	if err != nil {
		t.Fatalf("GetJobByID failed: %v", err)
	}
	if j.Status != thumbnail.JobStatusPending {
		t.Fatalf("other model's job status = %s, want pending", j.Status)
	}

	// A second cancel finds nothing.
	cancelled, err = s.CancelActiveJobsForModel(ctx, 1, now)
	if err != nil {
		t.Fatalf("CancelActiveJobsForModel (repeat) failed: %v", err)
	}
	if len(cancelled) != 0 {
		t.Fatalf("repeat cancel affected %d jobs, want 0", len(cancelled))
	}
}

func TestGetLatestJobForModel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := enqueueTestJob(t, s, 1, 10, testHash(12), 3)
	if _, err := s.AcquirePendingJob(ctx, "w1", now); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if _, _, err := s.CompleteJob(ctx, first.ID, now); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	second := enqueueTestJob(t, s, 1, 11, testHash(13), 3)

	got, err := s.GetLatestJobForModel(ctx, 1)
	if err != nil {
		t.Fatalf("GetLatestJobForModel failed: %v", err)
	}
	if got.ID != second.ID {
		t.Fatalf("latest job = %d, want %d", got.ID, second.ID)
	}

	if _, err := s.GetLatestJobForModel(ctx, 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetLatestJobForModel(missing) err = %v, want ErrNotFound", err)
	}
}

func TestRecordLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	rec, err := s.EnsureRecordPending(ctx, 10, 1, now)
	if err != nil {
		t.Fatalf("EnsureRecordPending failed: %v", err)
	}
	if rec.Status != thumbnail.RecordStatusPending || rec.ModelID != 1 {
		t.Fatalf("new record: %+v", rec)
	}

	// Ensure is idempotent.
	again, err := s.EnsureRecordPending(ctx, 10, 1, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("EnsureRecordPending (again) failed: %v", err)
	}
	if !again.CreatedAt.UTC().Equal(rec.CreatedAt.UTC()) {
		t.Fatalf("ensure recreated record: %v vs %v", again.CreatedAt, rec.CreatedAt)
	}

	applied, err := s.MarkRecordProcessing(ctx, 10)
	if err != nil {
		t.Fatalf("MarkRecordProcessing failed: %v", err)
	}
	if !applied {
		t.Fatalf("MarkRecordProcessing not applied on pending record")
	}
	// Already processing: not applied again.
	applied, err = s.MarkRecordProcessing(ctx, 10)
	if err != nil {
		t.Fatalf("MarkRecordProcessing (repeat) failed: %v", err)
	}
	if applied {
		t.Fatalf("MarkRecordProcessing applied twice")
	}

	art := thumbnail.Artifact{FileRef: "sha256:" + testHash(99), SizeBytes: 2048, Width: 256, Height: 256}
	rec, err = s.MarkRecordReady(ctx, 10, 1, art, now)
	if err != nil {
		t.Fatalf("MarkRecordReady failed: %v", err)
	}
	if rec.Status != thumbnail.RecordStatusReady {
		t.Fatalf("ready record status = %s", rec.Status)
	}
	if rec.FileRef == nil || *rec.FileRef != art.FileRef {
		t.Fatalf("ready record file_ref = %v", rec.FileRef)
	}
	if rec.Width != 256 || rec.Height != 256 || rec.SizeBytes != 2048 {
		t.Fatalf("ready record artifact fields: %+v", rec)
	}
	if rec.ProcessedAt == nil {
		t.Fatalf("ready record missing processed_at")
	}

	rec, err = s.MarkRecordFailed(ctx, 10, "budget exhausted", now)
	if err != nil {
		t.Fatalf("MarkRecordFailed failed: %v", err)
	}
	if rec.Status != thumbnail.RecordStatusFailed {
		t.Fatalf("failed record status = %s", rec.Status)
	}
	if rec.ErrorMessage == nil || *rec.ErrorMessage != "budget exhausted" {
		t.Fatalf("failed record error_message = %v", rec.ErrorMessage)
	}

	rec, err = s.ResetRecordPending(ctx, 10)
	if err != nil {
		t.Fatalf("ResetRecordPending failed: %v", err)
	}
	if rec.Status != thumbnail.RecordStatusPending {
		t.Fatalf("reset record status = %s", rec.Status)
	}
	if rec.FileRef != nil || rec.ErrorMessage != nil {
		t.Fatalf("reset record retains artifact/error: %+v", rec)
	}

	if _, err := s.MarkRecordFailed(ctx, 404, "nope", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkRecordFailed(missing) err = %v, want ErrNotFound", err)
	}

	got, err := s.GetLatestRecordForModel(ctx, 1)
	if err != nil {
		t.Fatalf("GetLatestRecordForModel failed: %v", err)
	}
	if got.ModelVersionID != 10 {
		t.Fatalf("latest record version = %d, want 10", got.ModelVersionID)
	}
}

func TestAppendAndListTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	job := enqueueTestJob(t, s, 1, 10, testHash(14), 3)

	worker := "w1"
	entries := []thumbnail.Transition{
		{JobID: job.ID, Time: now, Level: thumbnail.TransitionLevelInfo, From: thumbnail.JobStatusPending, To: thumbnail.JobStatusProcessing, Message: "claimed", WorkerID: &worker},
		{JobID: job.ID, Time: now.Add(time.Minute), Level: thumbnail.TransitionLevelWarn, From: thumbnail.JobStatusProcessing, To: thumbnail.JobStatusPending, Message: "attempt failed", WorkerID: &worker},
	}
	for _, tr := range entries {
		if err := s.AppendTransition(ctx, tr); err != nil {
			t.Fatalf("AppendTransition failed: %v", err)
		}
	}

	got, err := s.ListTransitions(ctx, job.ID, 0)
	if err != nil {
		t.Fatalf("ListTransitions failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d transitions, want 2", len(got))
	}
	if got[0].Message != "claimed" || got[1].Message != "attempt failed" {
		t.Fatalf("transition order/content mismatch: %+v", got)
	}
	if got[0].WorkerID == nil || *got[0].WorkerID != "w1" {
		t.Fatalf("transition worker = %v", got[0].WorkerID)
	}
	if got[1].Level != thumbnail.TransitionLevelWarn {
		t.Fatalf("transition level = %s", got[1].Level)
	}

	limited, err := s.ListTransitions(ctx, job.ID, 1)
	if err != nil {
		t.Fatalf("ListTransitions (limit) failed: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limited list returned %d entries, want 1", len(limited))
	}
}

func TestSettingsSetAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetSetting(ctx, "render_profile", "default"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	v, err := s.GetSetting(ctx, "render_profile")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if v != "default" {
		t.Fatalf("setting = %q, want default", v)
	}
}
