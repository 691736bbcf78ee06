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

// Package records owns the per-version thumbnail artifact row. The queue
// calls into it from its claim and completion paths; clients read the row
// through the HTTP surface. Retryable job failures never touch the record,
// only the dead-letter path does.
package records

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"meshvault/internal/thumbnail/notify"
	"meshvault/internal/thumbnail/store"
	"meshvault/pkg/thumbnail"
)

// Store defines the persistence operations required by the record service.
type Store interface {
	EnsureRecordPending(ctx context.Context, modelVersionID, modelID int64, now time.Time) (*thumbnail.Record, error)
	GetRecord(ctx context.Context, modelVersionID int64) (*thumbnail.Record, error)
	GetLatestRecordForModel(ctx context.Context, modelID int64) (*thumbnail.Record, error)
	MarkRecordProcessing(ctx context.Context, modelVersionID int64) (bool, error)
	MarkRecordReady(ctx context.Context, modelVersionID, modelID int64, art thumbnail.Artifact, now time.Time) (*thumbnail.Record, error)
	MarkRecordFailed(ctx context.Context, modelVersionID int64, errMsg string, now time.Time) (*thumbnail.Record, error)
	ResetRecordPending(ctx context.Context, modelVersionID int64) (*thumbnail.Record, error)
}

// Service transitions thumbnail records and publishes state changes.
type Service struct {
	store  Store
	bus    notify.Bus
	logger *log.Logger
	now    func() time.Time
}

// New constructs a record Service. bus must not be nil; use notify.Noop
// for deployments without a push channel. logger may be nil.
func New(st Store, bus notify.Bus, logger *log.Logger) *Service {
	return &Service{
		store:  st,
		bus:    bus,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf("[records] %s", fmt.Sprintf(format, args...))
	}
}

// EnsurePending creates the record for a newly observed model version.
// Existing records are returned unchanged.
func (s *Service) EnsurePending(ctx context.Context, modelVersionID, modelID int64) (*thumbnail.Record, error) {
	return s.store.EnsureRecordPending(ctx, modelVersionID, modelID, s.now())
}

// Get returns the record for a model version.
func (s *Service) Get(ctx context.Context, modelVersionID int64) (*thumbnail.Record, error) {
	return s.store.GetRecord(ctx, modelVersionID)
}

// GetForModel returns the current record for a model.
func (s *Service) GetForModel(ctx context.Context, modelID int64) (*thumbnail.Record, error) {
	return s.store.GetLatestRecordForModel(ctx, modelID)
}

// OnJobClaimed moves the record to processing when a worker claims the
// job. A record already processing (a retry of the same version) is left
// alone and no event is published.
func (s *Service) OnJobClaimed(ctx context.Context, modelVersionID, modelID int64) error {
	applied, err := s.store.MarkRecordProcessing(ctx, modelVersionID)
	if err != nil {
		return fmt.Errorf("record processing for version %d: %w", modelVersionID, err)
	}
	if !applied {
		return nil
	}
	s.publish(ctx, modelVersionID, modelID, thumbnail.RecordStatusProcessing, nil)
	return nil
}

// OnJobCompleted transitions the record to ready with the artifact fields,
// creating it if absent, and publishes thumbnail-status-changed.
func (s *Service) OnJobCompleted(ctx context.Context, modelVersionID, modelID int64, art thumbnail.Artifact) (*thumbnail.Record, error) {
	if err := art.Validate(); err != nil {
		return nil, fmt.Errorf("artifact for version %d: %w", modelVersionID, err)
	}
	rec, err := s.store.MarkRecordReady(ctx, modelVersionID, modelID, art, s.now())
	if err != nil {
		return nil, fmt.Errorf("record ready for version %d: %w", modelVersionID, err)
	}
	s.publish(ctx, modelVersionID, modelID, thumbnail.RecordStatusReady, rec.FileRef)
	return rec, nil
}

// OnJobFailed transitions the record to failed. Only the dead-letter path
// calls this; retryable failures leave the record untouched.
func (s *Service) OnJobFailed(ctx context.Context, modelVersionID, modelID int64, errMsg string) (*thumbnail.Record, error) {
	rec, err := s.store.MarkRecordFailed(ctx, modelVersionID, errMsg, s.now())
	if errors.Is(err, store.ErrNotFound) {
		// The record is created on upload, but a job enqueued before a
		// crash may predate it. Create, then fail.
		if _, err := s.store.EnsureRecordPending(ctx, modelVersionID, modelID, s.now()); err != nil {
			return nil, fmt.Errorf("record ensure for version %d: %w", modelVersionID, err)
		}
		rec, err = s.store.MarkRecordFailed(ctx, modelVersionID, errMsg, s.now())
		if err != nil {
			return nil, fmt.Errorf("record failed for version %d: %w", modelVersionID, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("record failed for version %d: %w", modelVersionID, err)
	}
	s.publish(ctx, modelVersionID, modelID, thumbnail.RecordStatusFailed, nil)
	return rec, nil
}

// OnRegenerationRequested resets the record to pending. Callers cancel the
// model's active jobs first, then enqueue fresh.
func (s *Service) OnRegenerationRequested(ctx context.Context, modelVersionID, modelID int64) (*thumbnail.Record, error) {
	rec, err := s.store.ResetRecordPending(ctx, modelVersionID)
	if errors.Is(err, store.ErrNotFound) {
		rec, err = s.store.EnsureRecordPending(ctx, modelVersionID, modelID, s.now())
	}
	if err != nil {
		return nil, fmt.Errorf("record reset for version %d: %w", modelVersionID, err)
	}
	s.publish(ctx, modelVersionID, modelID, thumbnail.RecordStatusPending, nil)
	return rec, nil
}

func (s *Service) publish(ctx context.Context, modelVersionID, modelID int64, status thumbnail.RecordStatus, fileRef *string) {
	s.bus.Publish(ctx, notify.Event{
		Type:           notify.EventThumbnailStatusChanged,
		ModelID:        modelID,
		ModelVersionID: modelVersionID,
		Status:         status,
		FileRef:        fileRef,
		Timestamp:      s.now(),
	})
	s.logf("version=%d status=%s", modelVersionID, status)
}
