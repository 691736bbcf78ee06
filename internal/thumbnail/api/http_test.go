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

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"meshvault/internal/thumbnail/notify"
	"meshvault/internal/thumbnail/queue"
	"meshvault/internal/thumbnail/store"
	"meshvault/pkg/auth"
	"meshvault/pkg/thumbnail"
)

// fakeQueue implements Queue with overridable function fields.
type fakeQueue struct {
	enqueue    func(ctx context.Context, req queue.EnqueueRequest) (*thumbnail.Job, error)
	dequeue    func(ctx context.Context, workerID string) (*thumbnail.Job, error)
	complete   func(ctx context.Context, jobID int64, art thumbnail.Artifact) (*thumbnail.Job, error)
	fail       func(ctx context.Context, jobID int64, errMsg string) (*thumbnail.Job, error)
	retry      func(ctx context.Context, jobID int64) (*thumbnail.Job, error)
	regenerate func(ctx context.Context, modelID int64) (*thumbnail.Job, error)
	getJob     func(ctx context.Context, jobID int64) (*thumbnail.Job, []thumbnail.Transition, error)
}

func (f *fakeQueue) Enqueue(ctx context.Context, req queue.EnqueueRequest) (*thumbnail.Job, error) {
	return f.enqueue(ctx, req)
}

func (f *fakeQueue) Dequeue(ctx context.Context, workerID string) (*thumbnail.Job, error) {
	return f.dequeue(ctx, workerID)
}

func (f *fakeQueue) Complete(ctx context.Context, jobID int64, art thumbnail.Artifact) (*thumbnail.Job, error) {
	return f.complete(ctx, jobID, art)
}

func (f *fakeQueue) Fail(ctx context.Context, jobID int64, errMsg string) (*thumbnail.Job, error) {
	return f.fail(ctx, jobID, errMsg)
}

func (f *fakeQueue) Retry(ctx context.Context, jobID int64) (*thumbnail.Job, error) {
	return f.retry(ctx, jobID)
}

func (f *fakeQueue) Regenerate(ctx context.Context, modelID int64) (*thumbnail.Job, error) {
	return f.regenerate(ctx, modelID)
}

func (f *fakeQueue) GetJob(ctx context.Context, jobID int64) (*thumbnail.Job, []thumbnail.Transition, error) {
	return f.getJob(ctx, jobID)
}

// fakeRecords implements RecordReader over a map keyed by model ID.
type fakeRecords struct {
	byModel map[int64]*thumbnail.Record
}

func (f *fakeRecords) Get(_ context.Context, versionID int64) (*thumbnail.Record, error) {
	for _, rec := range f.byModel {
		if rec.ModelVersionID == versionID {
			return rec, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeRecords) GetForModel(_ context.Context, modelID int64) (*thumbnail.Record, error) {
	rec, ok := f.byModel[modelID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

// fakeBlobs implements BlobStore in memory.
type fakeBlobs struct {
	blobs map[string][]byte
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{blobs: map[string][]byte{}} }

func (f *fakeBlobs) Write(r io.Reader, expectedRef string) (string, int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, err
	}
	sum := sha256.Sum256(data)
	ref := "sha256:" + hex.EncodeToString(sum[:])
	if expectedRef != "" && expectedRef != ref {
		return "", 0, fmt.Errorf("digest mismatch: got %s, expected %s", ref, expectedRef)
	}
	f.blobs[ref] = data
	return ref, int64(len(data)), nil
}

func (f *fakeBlobs) Open(ref string) (io.ReadCloser, error) {
	data, ok := f.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", ref)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeBlobs) Exists(ref string) (bool, error) {
	_, ok := f.blobs[ref]
	return ok, nil
}

// denyLimiter rejects every request.
type denyLimiter struct{}

func (denyLimiter) AllowRequest(*http.Request) bool { return false }

func newTestAPI(q *fakeQueue, rec *fakeRecords, blobs *fakeBlobs) (*API, *http.ServeMux) {
	if rec == nil {
		rec = &fakeRecords{byModel: map[int64]*thumbnail.Record{}}
	}
	a := New(q, rec, blobs, nil, "", nil)
	mux := http.NewServeMux()
	a.Register(mux)
	return a, mux
}

func postJSON(t *testing.T, mux *http.ServeMux, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestEnqueueEndpoint(t *testing.T) {
	var got queue.EnqueueRequest
	q := &fakeQueue{
		enqueue: func(_ context.Context, req queue.EnqueueRequest) (*thumbnail.Job, error) {
			got = req
			job := thumbnail.NewJob(req.ModelID, req.ModelVersionID, req.ModelHash, 3, 10)
			job.ID = 42
			return &job, nil
		},
	}
	_, mux := newTestAPI(q, nil, nil)

	hash := strings.Repeat("ab", 32)
	rr := postJSON(t, mux, "/api/v1/thumbnail-jobs", EnqueueJobRequest{
		ModelID: 1, ModelVersionID: 10, ModelHash: hash,
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body %s", rr.Code, rr.Body)
	}
	if got.ModelHash != hash {
		t.Fatalf("queue saw hash %q", got.ModelHash)
	}
	var job thumbnail.Job
	if err := json.Unmarshal(rr.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if job.ID != 42 {
		t.Fatalf("job id = %d", job.ID)
	}
}

func TestEnqueueEndpointErrors(t *testing.T) {
	q := &fakeQueue{
		enqueue: func(context.Context, queue.EnqueueRequest) (*thumbnail.Job, error) {
			return nil, &queue.Error{Kind: queue.KindValidation, Err: fmt.Errorf("model hash must be 64 characters")}
		},
	}
	_, mux := newTestAPI(q, nil, nil)

	// Malformed JSON.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/thumbnail-jobs", strings.NewReader("{nope"))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad json status = %d", rr.Code)
	}

	// Validation failure from the queue.
	rr = postJSON(t, mux, "/api/v1/thumbnail-jobs", EnqueueJobRequest{ModelID: 1, ModelVersionID: 10, ModelHash: "short"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("validation status = %d", rr.Code)
	}
	var envelope jsonError
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if envelope.Error != "invalid_request" {
		t.Fatalf("error code = %s", envelope.Error)
	}
}

func TestDequeueEndpoint(t *testing.T) {
	job := thumbnail.NewJob(1, 10, strings.Repeat("ab", 32), 3, 10)
	job.ID = 7
	empty := false
	q := &fakeQueue{
		dequeue: func(_ context.Context, workerID string) (*thumbnail.Job, error) {
			if workerID != "worker-1" {
				t.Errorf("workerID = %s", workerID)
			}
			if empty {
				return nil, nil
			}
			return &job, nil
		},
	}
	_, mux := newTestAPI(q, nil, nil)

	rr := postJSON(t, mux, "/api/v1/thumbnail-jobs/dequeue", DequeueRequest{WorkerID: "worker-1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	empty = true
	rr = postJSON(t, mux, "/api/v1/thumbnail-jobs/dequeue", DequeueRequest{WorkerID: "worker-1"})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("empty queue status = %d, want 204", rr.Code)
	}

	rr = postJSON(t, mux, "/api/v1/thumbnail-jobs/dequeue", DequeueRequest{WorkerID: "  "})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("blank worker status = %d, want 400", rr.Code)
	}
}

func TestGetJobEndpoint(t *testing.T) {
	job := thumbnail.NewJob(1, 10, strings.Repeat("ab", 32), 3, 10)
	job.ID = 7
	q := &fakeQueue{
		getJob: func(_ context.Context, jobID int64) (*thumbnail.Job, []thumbnail.Transition, error) {
			if jobID != 7 {
				return nil, nil, &queue.Error{Kind: queue.KindNotFound, Err: fmt.Errorf("job %d not found", jobID)}
			}
			trs := []thumbnail.Transition{
				{JobID: 7, Level: thumbnail.TransitionLevelInfo, From: thumbnail.JobStatusPending, To: thumbnail.JobStatusPending, Message: "enqueued"},
			}
			return &job, trs, nil
		},
	}
	_, mux := newTestAPI(q, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/thumbnail-jobs/7", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp GetJobResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Job == nil || resp.Job.ID != 7 || len(resp.Transitions) != 1 {
		t.Fatalf("response: %+v", resp)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/thumbnail-jobs/999", nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing job status = %d", rr.Code)
	}
}

func TestCompleteEndpointChecksBlobExists(t *testing.T) {
	completed := false
	job := thumbnail.NewJob(1, 10, strings.Repeat("ab", 32), 3, 10)
	job.ID = 7
	q := &fakeQueue{
		complete: func(_ context.Context, jobID int64, art thumbnail.Artifact) (*thumbnail.Job, error) {
			completed = true
			return &job, nil
		},
	}
	blobs := newFakeBlobs()
	_, mux := newTestAPI(q, nil, blobs)

	art := thumbnail.Artifact{FileRef: "sha256:" + strings.Repeat("ab", 32), SizeBytes: 4, Width: 256, Height: 256}
	rr := postJSON(t, mux, "/api/v1/thumbnail-jobs/7/complete", art)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown fileRef status = %d, want 400", rr.Code)
	}
	if completed {
		t.Fatalf("queue.Complete called with unknown fileRef")
	}

	ref, _, err := blobs.Write(bytes.NewReader([]byte("png!")), "")
	if err != nil {
		t.Fatalf("seed blob: %v", err)
	}
	art.FileRef = ref
	rr = postJSON(t, mux, "/api/v1/thumbnail-jobs/7/complete", art)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", rr.Code, rr.Body)
	}
	if !completed {
		t.Fatalf("queue.Complete not called")
	}
}

func TestFailEndpoint(t *testing.T) {
	var gotMsg string
	job := thumbnail.NewJob(1, 10, strings.Repeat("ab", 32), 3, 10)
	job.ID = 7
	q := &fakeQueue{
		fail: func(_ context.Context, jobID int64, errMsg string) (*thumbnail.Job, error) {
			gotMsg = errMsg
			return &job, nil
		},
	}
	_, mux := newTestAPI(q, nil, nil)

	rr := postJSON(t, mux, "/api/v1/thumbnail-jobs/7/fail", FailJobRequest{ErrorMessage: "render timed out"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if gotMsg != "render timed out" {
		t.Fatalf("message = %q", gotMsg)
	}
}

func TestRetryEndpointAuth(t *testing.T) {
	retried := false
	job := thumbnail.NewJob(1, 10, strings.Repeat("ab", 32), 3, 10)
	job.ID = 7
	q := &fakeQueue{
		retry: func(_ context.Context, jobID int64) (*thumbnail.Job, error) {
			retried = true
			return &job, nil
		},
	}
	a, mux := newTestAPI(q, nil, nil)

	// Admin endpoints disabled without a configured hash.
	rr := postJSON(t, mux, "/api/v1/thumbnail-jobs/7/retry", struct{}{})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("disabled status = %d, want 403", rr.Code)
	}

	hash, err := auth.HashToken("admin-token")
	if err != nil {
		t.Fatalf("HashToken failed: %v", err)
	}
	a.AdminTokenHash = hash

	req := httptest.NewRequest(http.MethodPost, "/api/v1/thumbnail-jobs/7/retry", strings.NewReader("{}"))
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d, want 401", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/thumbnail-jobs/7/retry", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer wrong-token")
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d, want 401", rr.Code)
	}
	if retried {
		t.Fatalf("retry ran without authorization")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/thumbnail-jobs/7/retry", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer admin-token")
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("authorized status = %d; body %s", rr.Code, rr.Body)
	}
	if !retried {
		t.Fatalf("retry not called")
	}
}

func TestBlobUploadEndpoint(t *testing.T) {
	blobs := newFakeBlobs()
	_, mux := newTestAPI(&fakeQueue{}, nil, blobs)

	data := []byte("encoded png bytes")
	sum := sha256.Sum256(data)
	ref := "sha256:" + hex.EncodeToString(sum[:])

	req := httptest.NewRequest(http.MethodPost, "/api/v1/thumbnail-blobs", bytes.NewReader(data))
	req.Header.Set("Thumbnail-Digest", ref)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d; body %s", rr.Code, rr.Body)
	}
	var resp BlobUploadResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.FileRef != ref || resp.SizeBytes != int64(len(data)) {
		t.Fatalf("response: %+v", resp)
	}

	// Digest mismatch rejected.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/thumbnail-blobs", bytes.NewReader(data))
	req.Header.Set("Thumbnail-Digest", "sha256:"+strings.Repeat("0", 64))
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("mismatch status = %d, want 400", rr.Code)
	}
}

func TestGetModelThumbnail(t *testing.T) {
	rec := &fakeRecords{byModel: map[int64]*thumbnail.Record{
		1: {ModelVersionID: 10, ModelID: 1, Status: thumbnail.RecordStatusPending, CreatedAt: time.Now().UTC()},
	}}
	_, mux := newTestAPI(&fakeQueue{}, rec, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models/1/thumbnail", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got thumbnail.Record
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if got.ModelVersionID != 10 || got.Status != thumbnail.RecordStatusPending {
		t.Fatalf("record: %+v", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/models/99/thumbnail", nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing record status = %d", rr.Code)
	}
}

func TestGetModelThumbnailFile(t *testing.T) {
	blobs := newFakeBlobs()
	data := []byte("the png")
	ref, _, err := blobs.Write(bytes.NewReader(data), "")
	if err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	now := time.Now().UTC()
	rec := &fakeRecords{byModel: map[int64]*thumbnail.Record{
		1: {ModelVersionID: 10, ModelID: 1, Status: thumbnail.RecordStatusReady, FileRef: &ref, SizeBytes: int64(len(data)), Width: 256, Height: 256, CreatedAt: now, ProcessedAt: &now},
		2: {ModelVersionID: 20, ModelID: 2, Status: thumbnail.RecordStatusProcessing, CreatedAt: now},
	}}
	_, mux := newTestAPI(&fakeQueue{}, rec, blobs)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models/1/thumbnail/file", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", rr.Code, rr.Body)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content type = %s", ct)
	}
	if !bytes.Equal(rr.Body.Bytes(), data) {
		t.Fatalf("body mismatch")
	}

	// Record exists but artifact not ready.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/models/2/thumbnail/file", nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("not-ready status = %d, want 409", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/models/99/thumbnail/file", nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing record status = %d", rr.Code)
	}
}

func TestRegenerateEndpoint(t *testing.T) {
	job := thumbnail.NewJob(1, 10, strings.Repeat("ab", 32), 3, 10)
	job.ID = 8
	calls := 0
	q := &fakeQueue{
		regenerate: func(_ context.Context, modelID int64) (*thumbnail.Job, error) {
			if modelID != 1 {
				t.Errorf("modelID = %d", modelID)
			}
			calls++
			return &job, nil
		},
	}
	a, mux := newTestAPI(q, nil, nil)

	regenerate := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/models/1/thumbnail/regenerate", strings.NewReader("{}"))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		return rr
	}

	// Regenerate is an admin endpoint: disabled without a configured hash.
	if rr := regenerate(""); rr.Code != http.StatusForbidden {
		t.Fatalf("disabled status = %d, want 403", rr.Code)
	}

	hash, err := auth.HashToken("admin-token")
	if err != nil {
		t.Fatalf("HashToken failed: %v", err)
	}
	a.AdminTokenHash = hash

	if rr := regenerate(""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d, want 401", rr.Code)
	}
	if rr := regenerate("wrong-token"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d, want 401", rr.Code)
	}
	if calls != 0 {
		t.Fatalf("regenerate ran without authorization")
	}

	rr := regenerate("admin-token")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body %s", rr.Code, rr.Body)
	}
	if calls != 1 {
		t.Fatalf("regenerate not called")
	}

	// An authorized request still pays the per-client rate limit.
	a.RegenLimiter = denyLimiter{}
	rr = regenerate("admin-token")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("limited status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("Retry-After header missing")
	}
	if calls != 1 {
		t.Fatalf("rate-limited regenerate reached the queue")
	}
}

func TestModelEventsRequiresHub(t *testing.T) {
	_, mux := newTestAPI(&fakeQueue{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models/1/thumbnail/events", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestModelEventsStreamsUntilDisconnect(t *testing.T) {
	hub := notify.NewHub(nil)
	a, mux := newTestAPI(&fakeQueue{}, nil, nil)
	a.Hub = hub

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/models/1/thumbnail/events", nil).WithContext(ctx)
	rr := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		mux.ServeHTTP(rr, req)
	}()

	// Let the handler subscribe before publishing.
	time.Sleep(100 * time.Millisecond)
	hub.Publish(context.Background(), notify.Event{
		Type:           notify.EventThumbnailStatusChanged,
		ModelID:        1,
		ModelVersionID: 10,
		Status:         thumbnail.RecordStatusReady,
	})
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %s", ct)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "event: "+string(notify.EventThumbnailStatusChanged)) {
		t.Fatalf("event frame missing from body: %q", body)
	}
	if !strings.Contains(body, `"status":"ready"`) {
		t.Fatalf("payload missing from body: %q", body)
	}
}
