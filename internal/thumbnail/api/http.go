package api

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

// Package api implements the HTTP control plane for the thumbnail
// subsystem. Workers claim and settle jobs through it; clients enqueue,
// inspect records, stream the rendered file, and subscribe to state
// changes over SSE.
//
// Endpoints implemented in this file:
//   - POST /api/v1/thumbnail-jobs
//   - POST /api/v1/thumbnail-jobs/dequeue
//   - GET  /api/v1/thumbnail-jobs/{id}
//   - POST /api/v1/thumbnail-jobs/{id}/complete
//   - POST /api/v1/thumbnail-jobs/{id}/fail
//   - POST /api/v1/thumbnail-jobs/{id}/retry      (admin)
//   - POST /api/v1/thumbnail-blobs
//   - GET  /api/v1/models/{id}/thumbnail
//   - GET  /api/v1/models/{id}/thumbnail/file
//   - POST /api/v1/models/{id}/thumbnail/regenerate  (admin)
//   - GET  /api/v1/models/{id}/thumbnail/events   (SSE)
import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"meshvault/internal/thumbnail/notify"
	"meshvault/internal/thumbnail/queue"
	"meshvault/internal/thumbnail/store"
	"meshvault/pkg/auth"
	"meshvault/pkg/thumbnail"
)

// Queue defines the job operations the API needs.
// The queue service (internal/thumbnail/queue.Service) satisfies it.
type Queue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*thumbnail.Job, error)
	Dequeue(ctx context.Context, workerID string) (*thumbnail.Job, error)
	Complete(ctx context.Context, jobID int64, art thumbnail.Artifact) (*thumbnail.Job, error)
	Fail(ctx context.Context, jobID int64, errMsg string) (*thumbnail.Job, error)
	Retry(ctx context.Context, jobID int64) (*thumbnail.Job, error)
	Regenerate(ctx context.Context, modelID int64) (*thumbnail.Job, error)
	GetJob(ctx context.Context, jobID int64) (*thumbnail.Job, []thumbnail.Transition, error)
}

// RecordReader defines the record lookups the API needs.
type RecordReader interface {
	Get(ctx context.Context, modelVersionID int64) (*thumbnail.Record, error)
	GetForModel(ctx context.Context, modelID int64) (*thumbnail.Record, error)
}

// RegenLimiter gates regeneration requests per client.
// middleware.RateLimiter satisfies it.
type RegenLimiter interface {
	AllowRequest(r *http.Request) bool
}

// BlobStore defines the blob operations the API needs.
type BlobStore interface {
	Write(r io.Reader, expectedRef string) (string, int64, error)
	Open(ref string) (io.ReadCloser, error)
	Exists(ref string) (bool, error)
}

// API is the HTTP layer for the thumbnail controller.
type API struct {
	Queue   Queue
	Records RecordReader
	Blobs   BlobStore

	// Hub is optional; nil disables the SSE endpoint.
	Hub *notify.Hub

	// RegenLimiter is optional; when set it rate-limits regeneration
	// requests per client, since each accepted one costs a full render.
	RegenLimiter RegenLimiter

	// AdminTokenHash is the bcrypt hash guarding admin endpoints.
	// Empty disables them.
	AdminTokenHash string

	// Logger is optional; if nil, logging is suppressed.
	Logger *log.Logger
	// Now allows tests to control timestamps.
	Now func() time.Time
}

// New constructs an API with its required dependencies.
func New(q Queue, rec RecordReader, blobs BlobStore, hub *notify.Hub, adminTokenHash string, logger *log.Logger) *API {
	return &API{
		Queue:          q,
		Records:        rec,
		Blobs:          blobs,
		Hub:            hub,
		AdminTokenHash: adminTokenHash,
		Logger:         logger,
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

// Register attaches the API handlers to a mux under the expected routes.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/thumbnail-jobs", a.jobsHandler)
	mux.HandleFunc("/api/v1/thumbnail-jobs/", a.jobSubHandler)
	mux.HandleFunc("/api/v1/thumbnail-blobs", a.blobsHandler)
	mux.HandleFunc("/api/v1/models/", a.modelHandler)
}

// --------------- Models ---------------

// EnqueueJobRequest is the payload for POST /api/v1/thumbnail-jobs.
type EnqueueJobRequest struct {
	ModelID            int64  `json:"modelId"`
	ModelVersionID     int64  `json:"modelVersionId"`
	ModelHash          string `json:"modelHash"`
	MaxAttempts        int    `json:"maxAttempts,omitempty"`
	LockTimeoutMinutes int    `json:"lockTimeoutMinutes,omitempty"`
}

// DequeueRequest is the payload for POST /api/v1/thumbnail-jobs/dequeue.
type DequeueRequest struct {
	WorkerID string `json:"workerId"`
}

// FailJobRequest is the payload for POST /api/v1/thumbnail-jobs/{id}/fail.
type FailJobRequest struct {
	ErrorMessage string `json:"errorMessage"`
}

// GetJobResponse is returned for GET /api/v1/thumbnail-jobs/{id}.
type GetJobResponse struct {
	Job         *thumbnail.Job  `json:"job"`
	Transitions []TransitionDTO `json:"transitions"`
}

// TransitionDTO is a user-facing audit entry for GetJobResponse.
type TransitionDTO struct {
	Time     time.Time `json:"time"`
	Level    string    `json:"level"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Message  string    `json:"message"`
	WorkerID *string   `json:"workerId,omitempty"`
}

// BlobUploadResponse is returned for POST /api/v1/thumbnail-blobs.
type BlobUploadResponse struct {
	FileRef   string `json:"fileRef"`
	SizeBytes int64  `json:"sizeBytes"`
}

// jsonError is a simple error envelope for API responses.
type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (a *API) logf(format string, args ...any) {
	if a.Logger != nil {
		a.Logger.Printf(format, args...)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeQueueError maps queue error kinds onto HTTP statuses.
func writeQueueError(w http.ResponseWriter, err error) {
	switch queue.KindOf(err) {
	case queue.KindValidation:
		writeJSON(w, http.StatusBadRequest, jsonError{Error: "invalid_request", Message: err.Error()})
	case queue.KindNotFound:
		writeJSON(w, http.StatusNotFound, jsonError{Error: "not_found", Message: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "internal error"})
	}
}

// --------------- Routing ---------------

func (a *API) jobsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.handleEnqueue(w, r)
	default:
		http.NotFound(w, r)
	}
}

// jobSubHandler routes /api/v1/thumbnail-jobs/{id}[/action] and the
// dequeue collection endpoint.
func (a *API) jobSubHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/thumbnail-jobs/")
	if rest == "dequeue" {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		a.handleDequeue(w, r)
		return
	}

	idPart, action, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		http.NotFound(w, r)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		a.handleGetJob(w, r, id)
	case action == "complete" && r.Method == http.MethodPost:
		a.handleComplete(w, r, id)
	case action == "fail" && r.Method == http.MethodPost:
		a.handleFail(w, r, id)
	case action == "retry" && r.Method == http.MethodPost:
		a.handleRetry(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

// modelHandler routes /api/v1/models/{id}/thumbnail[...].
func (a *API) modelHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/models/")
	idPart, sub, _ := strings.Cut(rest, "/")
	modelID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || modelID <= 0 {
		http.NotFound(w, r)
		return
	}

	switch {
	case sub == "thumbnail" && r.Method == http.MethodGet:
		a.handleGetModelThumbnail(w, r, modelID)
	case sub == "thumbnail/file" && r.Method == http.MethodGet:
		a.handleGetModelThumbnailFile(w, r, modelID)
	case sub == "thumbnail/regenerate" && r.Method == http.MethodPost:
		a.handleRegenerate(w, r, modelID)
	case sub == "thumbnail/events" && r.Method == http.MethodGet:
		a.handleModelEvents(w, r, modelID)
	default:
		http.NotFound(w, r)
	}
}

// --------------- Job handlers ---------------

func (a *API) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_json",
			Message: "Request body could not be parsed as JSON",
		})
		return
	}

	job, err := a.Queue.Enqueue(r.Context(), queue.EnqueueRequest{
		ModelID:            req.ModelID,
		ModelVersionID:     req.ModelVersionID,
		ModelHash:          req.ModelHash,
		MaxAttempts:        req.MaxAttempts,
		LockTimeoutMinutes: req.LockTimeoutMinutes,
	})
	if err != nil {
		a.logf("enqueue model=%d version=%d: %v", req.ModelID, req.ModelVersionID, err)
		writeQueueError(w, err)
		return
	}
	// 202: the render happens asynchronously. The body may be an existing
	// in-flight job when the hash deduplicated.
	writeJSON(w, http.StatusAccepted, job)
}

func (a *API) handleDequeue(w http.ResponseWriter, r *http.Request) {
	var req DequeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_json",
			Message: "Request body could not be parsed as JSON",
		})
		return
	}
	if strings.TrimSpace(req.WorkerID) == "" {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_request",
			Message: "workerId is required",
		})
		return
	}

	job, err := a.Queue.Dequeue(r.Context(), req.WorkerID)
	if err != nil {
		a.logf("dequeue worker=%s: %v", req.WorkerID, err)
		writeQueueError(w, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request, id int64) {
	job, trs, err := a.Queue.GetJob(r.Context(), id)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, GetJobResponse{
		Job:         job,
		Transitions: toTransitionDTOs(trs),
	})
}

func (a *API) handleComplete(w http.ResponseWriter, r *http.Request, id int64) {
	var art thumbnail.Artifact
	if err := json.NewDecoder(r.Body).Decode(&art); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_json",
			Message: "Request body could not be parsed as JSON",
		})
		return
	}

	// The fileRef must point at an uploaded blob before the record can
	// advertise it.
	if art.FileRef != "" && a.Blobs != nil {
		ok, err := a.Blobs.Exists(art.FileRef)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, jsonError{
				Error:   "invalid_request",
				Message: fmt.Sprintf("invalid fileRef: %v", err),
			})
			return
		}
		if !ok {
			writeJSON(w, http.StatusBadRequest, jsonError{
				Error:   "invalid_request",
				Message: fmt.Sprintf("fileRef %s has not been uploaded", art.FileRef),
			})
			return
		}
	}

	job, err := a.Queue.Complete(r.Context(), id, art)
	if err != nil {
		a.logf("complete job=%d: %v", id, err)
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleFail(w http.ResponseWriter, r *http.Request, id int64) {
	var req FailJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_json",
			Message: "Request body could not be parsed as JSON",
		})
		return
	}

	job, err := a.Queue.Fail(r.Context(), id, req.ErrorMessage)
	if err != nil {
		a.logf("fail job=%d: %v", id, err)
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleRetry(w http.ResponseWriter, r *http.Request, id int64) {
	if !a.authorizeAdmin(w, r) {
		return
	}
	job, err := a.Queue.Retry(r.Context(), id)
	if err != nil {
		a.logf("retry job=%d: %v", id, err)
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// --------------- Blob handlers ---------------

func (a *API) blobsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if a.Blobs == nil {
		writeJSON(w, http.StatusServiceUnavailable, jsonError{
			Error:   "unavailable",
			Message: "blob storage is not configured",
		})
		return
	}

	// The optional Thumbnail-Digest header lets the worker assert the
	// expected content hash; a mismatch rejects the upload.
	expected := r.Header.Get("Thumbnail-Digest")
	ref, n, err := a.Blobs.Write(r.Body, expected)
	if err != nil {
		a.logf("blob upload: %v", err)
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "upload_failed",
			Message: err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusCreated, BlobUploadResponse{FileRef: ref, SizeBytes: n})
}

// --------------- Model thumbnail handlers ---------------

func (a *API) handleGetModelThumbnail(w http.ResponseWriter, r *http.Request, modelID int64) {
	rec, err := a.Records.GetForModel(r.Context(), modelID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, jsonError{
			Error:   "not_found",
			Message: fmt.Sprintf("no thumbnail record for model %d", modelID),
		})
		return
	}
	if err != nil {
		a.logf("get thumbnail model=%d: %v", modelID, err)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleGetModelThumbnailFile(w http.ResponseWriter, r *http.Request, modelID int64) {
	rec, err := a.Records.GetForModel(r.Context(), modelID)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		a.logf("get thumbnail file model=%d: %v", modelID, err)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "internal error"})
		return
	}
	if rec.Status != thumbnail.RecordStatusReady || rec.FileRef == nil {
		// 409: the record exists but the artifact is not ready to serve.
		writeJSON(w, http.StatusConflict, jsonError{
			Error:   "not_ready",
			Message: fmt.Sprintf("thumbnail for model %d is %s", modelID, rec.Status),
		})
		return
	}
	if a.Blobs == nil {
		writeJSON(w, http.StatusServiceUnavailable, jsonError{
			Error:   "unavailable",
			Message: "blob storage is not configured",
		})
		return
	}

	f, err := a.Blobs.Open(*rec.FileRef)
	if err != nil {
		a.logf("open blob %s for model=%d: %v", *rec.FileRef, modelID, err)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "internal error"})
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if rec.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(rec.SizeBytes, 10))
	}
	if _, err := io.Copy(w, f); err != nil {
		a.logf("stream blob %s: %v", *rec.FileRef, err)
	}
}

func (a *API) handleRegenerate(w http.ResponseWriter, r *http.Request, modelID int64) {
	if !a.authorizeAdmin(w, r) {
		return
	}
	if a.RegenLimiter != nil && !a.RegenLimiter.AllowRequest(r) {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, jsonError{
			Error:   "rate_limit_exceeded",
			Message: "Too many regeneration requests. Please try again later.",
		})
		return
	}
	job, err := a.Queue.Regenerate(r.Context(), modelID)
	if err != nil {
		a.logf("regenerate model=%d: %v", modelID, err)
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleModelEvents streams thumbnail state changes for a model as
// server-sent events until the client disconnects.
func (a *API) handleModelEvents(w http.ResponseWriter, r *http.Request, modelID int64) {
	if a.Hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, jsonError{
			Error:   "unavailable",
			Message: "event streaming is not enabled",
		})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "streaming unsupported"})
		return
	}

	ch, cancel := a.Hub.Subscribe(notify.TopicModelActiveVersion(modelID))
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				a.logf("sse marshal: %v", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}

// --------------- Helpers ---------------

// authorizeAdmin enforces the admin bearer token. It writes the error
// response itself and reports whether the request may proceed.
func (a *API) authorizeAdmin(w http.ResponseWriter, r *http.Request) bool {
	if a.AdminTokenHash == "" {
		writeJSON(w, http.StatusForbidden, jsonError{
			Error:   "forbidden",
			Message: "admin endpoints are disabled",
		})
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		writeJSON(w, http.StatusUnauthorized, jsonError{
			Error:   "unauthorized",
			Message: "missing bearer token",
		})
		return false
	}
	if err := auth.VerifyToken(token, a.AdminTokenHash); err != nil {
		writeJSON(w, http.StatusUnauthorized, jsonError{
			Error:   "unauthorized",
			Message: "invalid bearer token",
		})
		return false
	}
	return true
}

func toTransitionDTOs(trs []thumbnail.Transition) []TransitionDTO {
	out := make([]TransitionDTO, 0, len(trs))
	for _, tr := range trs {
		out = append(out, TransitionDTO{
			Time:     tr.Time,
			Level:    tr.Level.String(),
			From:     tr.From.String(),
			To:       tr.To.String(),
			Message:  tr.Message,
			WorkerID: tr.WorkerID,
		})
	}
	return out
}
