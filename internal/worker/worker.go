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

// Package worker implements the thumbnail render worker: a poll loop
// that claims jobs from the controller, runs the render pipeline, and
// reports the outcome. Each worker processes one job at a time; its
// scene is torn down between jobs.
package worker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"time"

	"meshvault/internal/metrics"
	"meshvault/internal/thumbnail/config"
	"meshvault/internal/worker/render"
	"meshvault/pkg/thumbnail"
)

// JobAPI defines the controller operations the worker needs.
// Client satisfies it.
type JobAPI interface {
	Dequeue(ctx context.Context, workerID string) (*thumbnail.Job, error)
	UploadBlob(ctx context.Context, r io.Reader, digest string) (string, int64, error)
	Complete(ctx context.Context, jobID int64, art thumbnail.Artifact) error
	Fail(ctx context.Context, jobID int64, errMsg string) error
}

// ModelSource fetches the model payload for a job. The asset storage
// backend lives outside this subsystem; deployments inject whatever
// reaches theirs.
type ModelSource interface {
	Fetch(ctx context.Context, modelVersionID int64, modelHash string) (io.ReadCloser, error)
}

// Worker claims and renders thumbnail jobs until stopped.
type Worker struct {
	api    JobAPI
	models ModelSource
	engine render.Engine
	cfg    config.WorkerConfig
	logger *log.Logger
	now    func() time.Time
}

// New constructs a Worker. logger may be nil.
func New(api JobAPI, models ModelSource, engine render.Engine, cfg config.WorkerConfig, logger *log.Logger) *Worker {
	if cfg.PollInterval < time.Second {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.RenderWidth <= 0 {
		cfg.RenderWidth = 256
	}
	if cfg.RenderHeight <= 0 {
		cfg.RenderHeight = 256
	}
	return &Worker{
		api:    api,
		models: models,
		engine: engine,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (w *Worker) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf("[worker %s] %s", w.cfg.WorkerID, fmt.Sprintf(format, args...))
	}
}

// Run starts the worker loop that claims and processes jobs until ctx is
// canceled. After a processed job it immediately tries again; only an
// empty queue waits out the poll interval.
func (w *Worker) Run(ctx context.Context) {
	w.logf("starting worker; poll=%s size=%dx%d", w.cfg.PollInterval, w.cfg.RenderWidth, w.cfg.RenderHeight)
	defer w.logf("worker stopped")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		job, err := w.api.Dequeue(ctx, w.cfg.WorkerID)
		if err == nil && job != nil {
			w.logf("claimed job id=%d model=%d version=%d attempt=%d/%d",
				job.ID, job.ModelID, job.ModelVersionID, job.AttemptCount, job.MaxAttempts)
			w.ProcessJob(ctx, job)
			continue
		}
		if err != nil && ctx.Err() == nil {
			w.logf("dequeue error: %v", err)
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessJob runs the render pipeline for one claimed job and reports
// the outcome. Render failures are reported with Fail so the queue can
// apply its retry budget; a failed report itself is only logged, since
// the lease sweeper reclaims the job either way.
func (w *Worker) ProcessJob(ctx context.Context, job *thumbnail.Job) {
	art, err := w.renderJob(ctx, job)
	if err != nil {
		w.logf("job %d render failed: %v", job.ID, err)
		if ferr := w.api.Fail(ctx, job.ID, err.Error()); ferr != nil {
			w.logf("job %d: report failure: %v", job.ID, ferr)
		}
		return
	}

	start := w.now()
	err = w.api.Complete(ctx, job.ID, art)
	metrics.ObserveRenderPhase(metrics.PhaseReport, w.now().Sub(start))
	if err != nil {
		w.logf("job %d: report completion: %v", job.ID, err)
		return
	}
	w.logf("job %d completed: %s (%dx%d, %d bytes)", job.ID, art.FileRef, art.Width, art.Height, art.SizeBytes)
}

// renderJob runs download, render, encode, and upload for a job,
// returning the artifact to report.
func (w *Worker) renderJob(ctx context.Context, job *thumbnail.Job) (thumbnail.Artifact, error) {
	var zero thumbnail.Artifact

	start := w.now()
	model, err := w.models.Fetch(ctx, job.ModelVersionID, job.ModelHash)
	metrics.ObserveRenderPhase(metrics.PhaseDownload, w.now().Sub(start))
	if err != nil {
		return zero, fmt.Errorf("download model: %w", err)
	}
	defer model.Close()

	scene := w.engine.NewScene()
	// Teardown runs even on failure so no geometry leaks into the next job.
	defer scene.Clear()

	start = w.now()
	if err := scene.Load(ctx, model); err != nil {
		metrics.ObserveRenderPhase(metrics.PhaseRender, w.now().Sub(start))
		return zero, fmt.Errorf("load model: %w", err)
	}
	img, err := scene.Render(ctx, w.cfg.RenderWidth, w.cfg.RenderHeight)
	metrics.ObserveRenderPhase(metrics.PhaseRender, w.now().Sub(start))
	if err != nil {
		return zero, fmt.Errorf("render frame: %w", err)
	}
	if err := render.ValidateFrame(img); err != nil {
		return zero, fmt.Errorf("validate frame: %w", err)
	}

	start = w.now()
	encoded, err := render.Encode(img, w.cfg.RenderWidth, w.cfg.RenderHeight)
	metrics.ObserveRenderPhase(metrics.PhaseEncode, w.now().Sub(start))
	if err != nil {
		return zero, fmt.Errorf("encode thumbnail: %w", err)
	}

	sum := sha256.Sum256(encoded)
	digest := "sha256:" + hex.EncodeToString(sum[:])

	start = w.now()
	fileRef, size, err := w.api.UploadBlob(ctx, bytes.NewReader(encoded), digest)
	metrics.ObserveRenderPhase(metrics.PhaseUpload, w.now().Sub(start))
	if err != nil {
		return zero, fmt.Errorf("upload thumbnail: %w", err)
	}
	if size == 0 {
		size = int64(len(encoded))
	}

	return thumbnail.Artifact{
		FileRef:   fileRef,
		SizeBytes: size,
		Width:     w.cfg.RenderWidth,
		Height:    w.cfg.RenderHeight,
	}, nil
}
