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

// Package blob stores rendered thumbnail images as content-addressed
// files. A thumbnail record's fileRef is a "sha256:<hex>" digest into
// this store, so identical renders deduplicate on disk.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Store is a filesystem-backed content-addressed blob store.
// Writes are atomic (temp file plus rename) and deduplicating.
type Store struct {
	root string
	mu   sync.Mutex
}

// New creates a blob store rooted at the given path. The directory
// structure is created if it doesn't exist.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("blob store root cannot be empty")
	}

	s := &Store{root: root}
	if err := os.MkdirAll(filepath.Join(root, "blobs", "sha256"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create tmp directory: %w", err)
	}
	return s, nil
}

// Path returns the filesystem path for a blob with the given ref.
// The ref must be in the format "sha256:hexhexhex".
func (s *Store) Path(ref string) (string, error) {
	if len(ref) < 8 || ref[:7] != "sha256:" {
		return "", fmt.Errorf("invalid blob ref format: %s", ref)
	}
	hexPart := ref[7:]
	if len(hexPart) != 64 {
		return "", fmt.Errorf("invalid sha256 ref length: %s", ref)
	}
	return filepath.Join(s.root, "blobs", "sha256", hexPart), nil
}

// Exists reports whether a blob with the given ref is in the store.
func (s *Store) Exists(ref string) (bool, error) {
	path, err := s.Path(ref)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check blob existence: %w", err)
}

// Size returns the size in bytes of the blob with the given ref.
// Returns an error if the blob doesn't exist.
func (s *Store) Size(ref string) (int64, error) {
	path, err := s.Path(ref)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("blob not found: %s", ref)
		}
		return 0, fmt.Errorf("failed to stat blob: %w", err)
	}
	return info.Size(), nil
}

// Open opens a blob for reading. The caller is responsible for closing
// the returned reader.
func (s *Store) Open(ref string) (io.ReadCloser, error) {
	path, err := s.Path(ref)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob not found: %s", ref)
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}

// Write stores a blob with atomic rename, computing the sha256 ref of the
// content while writing. When expectedRef is non-empty the content must
// hash to it. Returns the actual ref and the byte count written.
func (s *Store) Write(r io.Reader, expectedRef string) (string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Each upload gets its own temp file; the name never collides even
	// across restarts that left stale files behind.
	tmpPath := filepath.Join(s.root, "tmp", "upload-"+uuid.NewString())
	tmpFile, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	defer func() {
		if tmpFile != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	hash := sha256.New()
	n, err := io.Copy(tmpFile, io.TeeReader(r, hash))
	if err != nil {
		return "", 0, fmt.Errorf("failed to write blob data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return "", 0, fmt.Errorf("failed to sync blob data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to close temp file: %w", err)
	}
	tmpFile = nil // Prevent deferred cleanup

	ref := "sha256:" + hex.EncodeToString(hash.Sum(nil))
	if expectedRef != "" && ref != expectedRef {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("ref mismatch: expected %s, got %s", expectedRef, ref)
	}

	finalPath, err := s.Path(ref)
	if err != nil {
		os.Remove(tmpPath)
		return "", 0, err
	}

	// Already stored: identical content, keep the existing file.
	if _, err := os.Stat(finalPath); err == nil {
		os.Remove(tmpPath)
		return ref, n, nil
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return ref, n, nil
}

// Delete removes a blob from the store. Missing blobs are not an error.
func (s *Store) Delete(ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.Path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}
