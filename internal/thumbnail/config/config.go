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

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"meshvault/pkg/thumbnail"
)

// ControllerConfig holds configuration for the thumbnail controller service.
type ControllerConfig struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string

	// DatabasePath is the SQLite database file path.
	DatabasePath string

	// BlobRoot is the root directory for thumbnail blob storage.
	BlobRoot string

	// MaxAttempts is the default attempt budget for new jobs.
	MaxAttempts int

	// LockTimeout is the default worker lease duration.
	LockTimeout time.Duration

	// SweepInterval is how often the lease sweeper scans for expired claims.
	SweepInterval time.Duration

	// AdminTokenHash is the bcrypt hash guarding admin endpoints.
	// Empty disables them.
	AdminTokenHash string

	// EnableEvents enables the in-process event hub and the SSE endpoint.
	// When disabled the service runs the no-op bus.
	EnableEvents bool
}

// DefaultControllerConfig returns the default controller configuration.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		ListenAddr:    ":8080",
		DatabasePath:  "/var/lib/meshvault/thumbnails.db",
		BlobRoot:      "/var/lib/meshvault/thumbnails",
		MaxAttempts:   thumbnail.DefaultMaxAttempts,
		LockTimeout:   time.Duration(thumbnail.DefaultLockTimeoutMinutes) * time.Minute,
		SweepInterval: 30 * time.Second,
		EnableEvents:  true,
	}
}

// LoadControllerConfigFromEnv loads controller configuration from
// environment variables, starting from defaults.
func LoadControllerConfigFromEnv() (ControllerConfig, error) {
	cfg := DefaultControllerConfig()

	if val := os.Getenv("THUMBNAIL_LISTEN_ADDR"); val != "" {
		cfg.ListenAddr = val
	}

	if val := os.Getenv("THUMBNAIL_DB_PATH"); val != "" {
		cfg.DatabasePath = val
	}

	if val := os.Getenv("THUMBNAIL_BLOB_ROOT"); val != "" {
		cfg.BlobRoot = val
	}

	if val := os.Getenv("THUMBNAIL_MAX_ATTEMPTS"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid THUMBNAIL_MAX_ATTEMPTS: %w", err)
		}
		if num < 1 || num > 20 {
			return cfg, fmt.Errorf("THUMBNAIL_MAX_ATTEMPTS must be between 1 and 20")
		}
		cfg.MaxAttempts = num
	}

	if val := os.Getenv("THUMBNAIL_LOCK_TIMEOUT"); val != "" {
		duration, err := time.ParseDuration(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid THUMBNAIL_LOCK_TIMEOUT: %w", err)
		}
		if duration < 1*time.Minute {
			return cfg, fmt.Errorf("THUMBNAIL_LOCK_TIMEOUT must be at least 1 minute")
		}
		cfg.LockTimeout = duration
	}

	if val := os.Getenv("THUMBNAIL_SWEEP_INTERVAL"); val != "" {
		duration, err := time.ParseDuration(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid THUMBNAIL_SWEEP_INTERVAL: %w", err)
		}
		if duration < 1*time.Second {
			return cfg, fmt.Errorf("THUMBNAIL_SWEEP_INTERVAL must be at least 1 second")
		}
		cfg.SweepInterval = duration
	}

	if val := os.Getenv("THUMBNAIL_ADMIN_TOKEN_HASH"); val != "" {
		cfg.AdminTokenHash = val
	}

	if val := os.Getenv("THUMBNAIL_ENABLE_EVENTS"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid THUMBNAIL_ENABLE_EVENTS value: %w", err)
		}
		cfg.EnableEvents = enabled
	}

	return cfg, nil
}

// Validate checks if the controller configuration is valid.
func (c *ControllerConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("THUMBNAIL_LISTEN_ADDR cannot be empty")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("THUMBNAIL_DB_PATH cannot be empty")
	}
	if c.BlobRoot == "" {
		return fmt.Errorf("THUMBNAIL_BLOB_ROOT cannot be empty")
	}
	if c.MaxAttempts < 1 || c.MaxAttempts > 20 {
		return fmt.Errorf("THUMBNAIL_MAX_ATTEMPTS must be between 1 and 20")
	}
	if c.LockTimeout < 1*time.Minute {
		return fmt.Errorf("THUMBNAIL_LOCK_TIMEOUT must be at least 1 minute")
	}
	if c.SweepInterval < 1*time.Second {
		return fmt.Errorf("THUMBNAIL_SWEEP_INTERVAL must be at least 1 second")
	}
	return nil
}

// WorkerConfig holds configuration for the thumbnail render worker.
type WorkerConfig struct {
	// APIBaseURL is the controller base URL, e.g. "http://localhost:8080".
	APIBaseURL string

	// WorkerID identifies this worker in job claims. Must be unique per
	// process instance: two workers sharing a hostname, or a restarted
	// worker racing its own stale lease, must never present the same
	// claim identity.
	WorkerID string

	// PollInterval is the delay between empty dequeue polls.
	PollInterval time.Duration

	// RenderWidth and RenderHeight are the output thumbnail dimensions.
	RenderWidth  int
	RenderHeight int

	// ModelSourceURL fetches model payloads over HTTP by content hash.
	// Takes precedence over ModelSourceDir when both are set.
	ModelSourceURL string

	// ModelSourceDir reads model payloads from a local directory, one
	// file per content hash.
	ModelSourceDir string
}

// DefaultWorkerConfig returns the default worker configuration. The
// generated WorkerID is unique per process instance; set
// THUMBNAIL_WORKER_ID to pin it.
func DefaultWorkerConfig() WorkerConfig {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return WorkerConfig{
		APIBaseURL:   "http://localhost:8080",
		WorkerID:     fmt.Sprintf("%s-%d-%s", host, time.Now().Unix(), uuid.NewString()),
		PollInterval: 5 * time.Second,
		RenderWidth:  256,
		RenderHeight: 256,
	}
}

// LoadWorkerConfigFromEnv loads worker configuration from environment
// variables, starting from defaults.
func LoadWorkerConfigFromEnv() (WorkerConfig, error) {
	cfg := DefaultWorkerConfig()

	if val := os.Getenv("THUMBNAIL_API_BASE_URL"); val != "" {
		cfg.APIBaseURL = val
	}

	if val := os.Getenv("THUMBNAIL_WORKER_ID"); val != "" {
		cfg.WorkerID = val
	}

	if val := os.Getenv("THUMBNAIL_POLL_INTERVAL_MS"); val != "" {
		ms, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid THUMBNAIL_POLL_INTERVAL_MS: %w", err)
		}
		if ms < 1000 {
			return cfg, fmt.Errorf("THUMBNAIL_POLL_INTERVAL_MS must be at least 1000")
		}
		cfg.PollInterval = time.Duration(ms) * time.Millisecond
	}

	if val := os.Getenv("THUMBNAIL_RENDER_WIDTH"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid THUMBNAIL_RENDER_WIDTH: %w", err)
		}
		if num < 16 || num > 4096 {
			return cfg, fmt.Errorf("THUMBNAIL_RENDER_WIDTH must be between 16 and 4096")
		}
		cfg.RenderWidth = num
	}

	if val := os.Getenv("THUMBNAIL_RENDER_HEIGHT"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid THUMBNAIL_RENDER_HEIGHT: %w", err)
		}
		if num < 16 || num > 4096 {
			return cfg, fmt.Errorf("THUMBNAIL_RENDER_HEIGHT must be between 16 and 4096")
		}
		cfg.RenderHeight = num
	}

	if val := os.Getenv("THUMBNAIL_MODEL_SOURCE_URL"); val != "" {
		cfg.ModelSourceURL = val
	}

	if val := os.Getenv("THUMBNAIL_MODEL_SOURCE_DIR"); val != "" {
		cfg.ModelSourceDir = val
	}

	return cfg, nil
}

// Validate checks if the worker configuration is valid.
func (c *WorkerConfig) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("THUMBNAIL_API_BASE_URL cannot be empty")
	}
	if c.WorkerID == "" {
		return fmt.Errorf("THUMBNAIL_WORKER_ID cannot be empty")
	}
	if c.PollInterval < 1*time.Second {
		return fmt.Errorf("THUMBNAIL_POLL_INTERVAL_MS must be at least 1000")
	}
	if c.RenderWidth < 16 || c.RenderWidth > 4096 {
		return fmt.Errorf("THUMBNAIL_RENDER_WIDTH must be between 16 and 4096")
	}
	if c.RenderHeight < 16 || c.RenderHeight > 4096 {
		return fmt.Errorf("THUMBNAIL_RENDER_HEIGHT must be between 16 and 4096")
	}
	if c.ModelSourceURL == "" && c.ModelSourceDir == "" {
		return fmt.Errorf("one of THUMBNAIL_MODEL_SOURCE_URL or THUMBNAIL_MODEL_SOURCE_DIR is required")
	}
	return nil
}
