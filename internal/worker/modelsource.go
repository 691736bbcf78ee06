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
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// HTTPModelSource fetches model payloads from the asset service over
// HTTP, addressed by content hash.
type HTTPModelSource struct {
	baseURL string
	http    *http.Client
}

// NewHTTPModelSource constructs a source rooted at baseURL; the model is
// fetched from "<baseURL>/<modelHash>".
func NewHTTPModelSource(baseURL string) *HTTPModelSource {
	return &HTTPModelSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// Fetch downloads the model payload for the given hash.
func (s *HTTPModelSource) Fetch(ctx context.Context, modelVersionID int64, modelHash string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/"+modelHash, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch model %s: %w", modelHash, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch model %s: unexpected status %s", modelHash, resp.Status)
	}
	return resp.Body, nil
}

// DirModelSource reads model payloads from a local directory, one file
// per content hash. Used by tests and single-host deployments that mount
// the asset volume directly.
type DirModelSource struct {
	root string
}

// NewDirModelSource constructs a source reading "<root>/<modelHash>".
func NewDirModelSource(root string) *DirModelSource {
	return &DirModelSource{root: root}
}

// Fetch opens the model payload file for the given hash.
func (s *DirModelSource) Fetch(ctx context.Context, modelVersionID int64, modelHash string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.root, modelHash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("model %s not found", modelHash)
		}
		return nil, fmt.Errorf("open model %s: %w", modelHash, err)
	}
	return f, nil
}
