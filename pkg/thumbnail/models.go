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

// Package thumbnail contains shared data models and constants used by
// the thumbnail controller, render workers, and tests. A Job is a unit
// of render work; a Record is the per-version artifact row that end
// clients read.
package thumbnail

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a render job.
// pending → processing → {completed|dead}; cancelled is reachable from any
// non-terminal state; failed is accepted for storage compatibility but the
// queue transitions retryable failures back to pending instead.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusDead       JobStatus = "dead"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Valid reports whether the status is one of the allowed states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted,
		JobStatusFailed, JobStatusDead, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is a terminal state
// (completed, dead, or cancelled).
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusDead, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// String returns the string value of the JobStatus.
func (s JobStatus) String() string { return string(s) }

// RecordStatus is the lifecycle state of a thumbnail record as seen
// by clients: pending → processing → {ready|failed}.
type RecordStatus string

const (
	RecordStatusPending    RecordStatus = "pending"
	RecordStatusProcessing RecordStatus = "processing"
	RecordStatusReady      RecordStatus = "ready"
	RecordStatusFailed     RecordStatus = "failed"
)

// Valid reports whether the status is one of the allowed states.
func (s RecordStatus) Valid() bool {
	switch s {
	case RecordStatusPending, RecordStatusProcessing, RecordStatusReady, RecordStatusFailed:
		return true
	default:
		return false
	}
}

// String returns the string value of the RecordStatus.
func (s RecordStatus) String() string { return string(s) }

const (
	// DefaultMaxAttempts is the retry budget for a job before dead-letter.
	DefaultMaxAttempts = 3

	// DefaultLockTimeoutMinutes is the lease duration granted per claim.
	DefaultLockTimeoutMinutes = 10

	// MaxErrorMessageLen bounds the stored error message of a job or record.
	MaxErrorMessageLen = 2000
)

// Job represents a single thumbnail render request and its lifecycle.
// The queue deduplicates in-flight jobs by ModelHash; at most one
// non-terminal job exists per hash.
type Job struct {
	ID                 int64      `json:"id" db:"id"`
	ModelID            int64      `json:"modelId" db:"model_id"`
	ModelVersionID     int64      `json:"modelVersionId" db:"model_version_id"`
	ModelHash          string     `json:"modelHash" db:"model_hash"`
	Status             JobStatus  `json:"status" db:"status"`
	AttemptCount       int        `json:"attemptCount" db:"attempt_count"`
	MaxAttempts        int        `json:"maxAttempts" db:"max_attempts"`
	LockTimeoutMinutes int        `json:"lockTimeoutMinutes" db:"lock_timeout_minutes"`
	ClaimedBy          *string    `json:"claimedBy,omitempty" db:"claimed_by"`
	ClaimedAt          *time.Time `json:"claimedAt,omitempty" db:"claimed_at"`
	LeaseExpiresAt     *time.Time `json:"leaseExpiresAt,omitempty" db:"lease_expires_at"`
	ErrorMessage       *string    `json:"errorMessage,omitempty" db:"error_message"`
	CreatedAt          time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time  `json:"updatedAt" db:"updated_at"`
	CompletedAt        *time.Time `json:"completedAt,omitempty" db:"completed_at"`
}

// LeaseExpired reports whether the job holds a lease that expired at or
// before now. Jobs outside processing never hold a lease.
func (j *Job) LeaseExpired(now time.Time) bool {
	if j.Status != JobStatusProcessing || j.LeaseExpiresAt == nil {
		return false
	}
	return !j.LeaseExpiresAt.After(now)
}

// NewJob constructs a pending Job. The store assigns the ID on insert.
func NewJob(modelID, modelVersionID int64, modelHash string, maxAttempts, lockTimeoutMinutes int) Job {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	if lockTimeoutMinutes < 0 {
		lockTimeoutMinutes = DefaultLockTimeoutMinutes
	}
	now := time.Now().UTC()
	return Job{
		ModelID:            modelID,
		ModelVersionID:     modelVersionID,
		ModelHash:          modelHash,
		Status:             JobStatusPending,
		AttemptCount:       0,
		MaxAttempts:        maxAttempts,
		LockTimeoutMinutes: lockTimeoutMinutes,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Record is the per-version thumbnail artifact row visible to clients.
// Artifact fields are populated only in the ready state.
type Record struct {
	ModelVersionID int64        `json:"modelVersionId" db:"model_version_id"`
	ModelID        int64        `json:"modelId" db:"model_id"`
	Status         RecordStatus `json:"status" db:"status"`
	FileRef        *string      `json:"fileRef,omitempty" db:"file_ref"`
	Width          int          `json:"width,omitempty" db:"width"`
	Height         int          `json:"height,omitempty" db:"height"`
	SizeBytes      int64        `json:"sizeBytes,omitempty" db:"size_bytes"`
	ErrorMessage   *string      `json:"errorMessage,omitempty" db:"error_message"`
	CreatedAt      time.Time    `json:"createdAt" db:"created_at"`
	ProcessedAt    *time.Time   `json:"processedAt,omitempty" db:"processed_at"`
}

// Artifact bundles the fields a worker reports on successful completion.
type Artifact struct {
	FileRef   string `json:"fileRef"`
	SizeBytes int64  `json:"sizeBytes"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// Validate checks the artifact fields a ready record must carry.
func (a Artifact) Validate() error {
	if a.FileRef == "" {
		return fmt.Errorf("fileRef is required")
	}
	if a.SizeBytes <= 0 {
		return fmt.Errorf("sizeBytes must be positive, got %d", a.SizeBytes)
	}
	if a.Width <= 0 || a.Height <= 0 {
		return fmt.Errorf("width and height must be positive, got %dx%d", a.Width, a.Height)
	}
	return nil
}

// ValidateModelHash checks that h is a 64-character lowercase hex SHA-256.
func ValidateModelHash(h string) error {
	if len(h) != 64 {
		return fmt.Errorf("model hash must be 64 characters, got %d", len(h))
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') {
			continue
		}
		return fmt.Errorf("model hash must be lowercase hex, invalid character at offset %d", i)
	}
	return nil
}

// TransitionLevel represents the severity of a job transition log entry.
type TransitionLevel string

const (
	TransitionLevelInfo  TransitionLevel = "info"
	TransitionLevelWarn  TransitionLevel = "warn"
	TransitionLevelError TransitionLevel = "error"
)

// String returns the string value of the TransitionLevel.
func (l TransitionLevel) String() string { return string(l) }

// Transition is an append-only audit entry for a Job's state changes.
// Not required for correctness; kept for user-visible progress and debugging.
type Transition struct {
	ID       int64           `json:"id" db:"id"`
	JobID    int64           `json:"jobId" db:"job_id"`
	Time     time.Time       `json:"time" db:"time"`
	Level    TransitionLevel `json:"level" db:"level"`
	From     JobStatus       `json:"from" db:"from_status"`
	To       JobStatus       `json:"to" db:"to_status"`
	Message  string          `json:"message" db:"message"`
	WorkerID *string         `json:"workerId,omitempty" db:"worker_id"`
}

// Truncate bounds s to max bytes; used for stored error messages.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
