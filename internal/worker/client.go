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

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"meshvault/pkg/thumbnail"
)

// Client talks to the thumbnail controller's HTTP API on behalf of a
// render worker.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient constructs a Client for the given controller base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// apiError mirrors the controller's JSON error envelope.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// blobUploadResponse mirrors the controller's blob upload response.
type blobUploadResponse struct {
	FileRef   string `json:"fileRef"`
	SizeBytes int64  `json:"sizeBytes"`
}

// Dequeue claims the next pending job, or returns (nil, nil) when the
// queue is empty.
func (c *Client) Dequeue(ctx context.Context, workerID string) (*thumbnail.Job, error) {
	body, err := json.Marshal(map[string]string{"workerId": workerID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/thumbnail-jobs/dequeue", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dequeue request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var job thumbnail.Job
		if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		return &job, nil
	default:
		return nil, c.responseError("dequeue", resp)
	}
}

// UploadBlob streams a rendered thumbnail to the controller and returns
// the content-addressed fileRef. digest, when non-empty, asserts the
// expected content hash in "sha256:<hex>" form.
func (c *Client) UploadBlob(ctx context.Context, r io.Reader, digest string) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/thumbnail-blobs", r)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "image/png")
	if digest != "" {
		req.Header.Set("Thumbnail-Digest", digest)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("blob upload request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", 0, c.responseError("blob upload", resp)
	}
	var out blobUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, fmt.Errorf("decode blob response: %w", err)
	}
	return out.FileRef, out.SizeBytes, nil
}

// Complete reports a successful render with its artifact.
func (c *Client) Complete(ctx context.Context, jobID int64, art thumbnail.Artifact) error {
	return c.postJSON(ctx, fmt.Sprintf("/api/v1/thumbnail-jobs/%d/complete", jobID), art)
}

// Fail reports a failed attempt with its error message.
func (c *Client) Fail(ctx context.Context, jobID int64, errMsg string) error {
	return c.postJSON(ctx, fmt.Sprintf("/api/v1/thumbnail-jobs/%d/fail", jobID), map[string]string{
		"errorMessage": errMsg,
	})
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.responseError(path, resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) responseError(op string, resp *http.Response) error {
	var envelope apiError
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&envelope); err == nil && envelope.Error != "" {
		return fmt.Errorf("%s: %s (%s): %s", op, resp.Status, envelope.Error, envelope.Message)
	}
	return fmt.Errorf("%s: unexpected status %s", op, resp.Status)
}
