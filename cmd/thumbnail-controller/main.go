package main

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
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshvault/internal/metrics"
	"meshvault/internal/thumbnail/api"
	"meshvault/internal/thumbnail/blob"
	"meshvault/internal/thumbnail/config"
	"meshvault/internal/thumbnail/middleware"
	"meshvault/internal/thumbnail/notify"
	"meshvault/internal/thumbnail/queue"
	"meshvault/internal/thumbnail/records"
	"meshvault/internal/thumbnail/store"
	"meshvault/pkg/auth"
)

// parseConfig builds the configuration from env + flags.
// Flags override environment variables.
func parseConfig() (config.ControllerConfig, error) {
	cfg, err := config.LoadControllerConfigFromEnv()
	if err != nil {
		return cfg, err
	}

	flag.StringVar(&cfg.ListenAddr, "addr", cfg.ListenAddr, "HTTP listen address (env THUMBNAIL_LISTEN_ADDR)")
	flag.StringVar(&cfg.DatabasePath, "db", cfg.DatabasePath, "SQLite DB path (env THUMBNAIL_DB_PATH)")
	flag.StringVar(&cfg.BlobRoot, "blob-root", cfg.BlobRoot, "Thumbnail blob storage root (env THUMBNAIL_BLOB_ROOT)")
	flag.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Default job attempt budget (env THUMBNAIL_MAX_ATTEMPTS)")
	flag.DurationVar(&cfg.LockTimeout, "lock-timeout", cfg.LockTimeout, "Default worker lease duration (env THUMBNAIL_LOCK_TIMEOUT)")
	flag.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "Lease sweeper interval (env THUMBNAIL_SWEEP_INTERVAL)")
	flag.BoolVar(&cfg.EnableEvents, "enable-events", cfg.EnableEvents, "Enable the in-process event hub and SSE endpoint (env THUMBNAIL_ENABLE_EVENTS)")

	flag.Parse()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func logConfig(cfg config.ControllerConfig) {
	log.Printf("thumbnail-controller configuration:")
	log.Printf("  addr=%s", cfg.ListenAddr)
	log.Printf("  db=%s", cfg.DatabasePath)
	log.Printf("  blob_root=%s", cfg.BlobRoot)
	log.Printf("  max_attempts=%d", cfg.MaxAttempts)
	log.Printf("  lock_timeout=%s", cfg.LockTimeout)
	log.Printf("  sweep_interval=%s", cfg.SweepInterval)
	log.Printf("  admin_endpoints=%v", cfg.AdminTokenHash != "")
	log.Printf("  events=%v", cfg.EnableEvents)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newMux(ap *api.API, st *store.Store) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, err := st.CountJobsByStatus(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	})
	mux.Handle("/metrics", metrics.Handler())

	ap.Register(mux)

	return middleware.SecurityHeaders(middleware.DefaultSecurityHeadersConfig())(mux)
}

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC | log.Lmsgprefix)
	log.SetPrefix("[thumbnail-controller] ")

	cfg, err := parseConfig()
	if err != nil {
		log.Printf("invalid configuration: %v", err)
		os.Exit(1)
	}
	logConfig(cfg)

	if cfg.AdminTokenHash != "" && !auth.IsHashed(cfg.AdminTokenHash) {
		log.Printf("THUMBNAIL_ADMIN_TOKEN_HASH must be a bcrypt hash, not a raw token")
		os.Exit(1)
	}

	st, err := store.Open(context.Background(), cfg.DatabasePath)
	if err != nil {
		log.Printf("failed to open store: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	blobs, err := blob.New(cfg.BlobRoot)
	if err != nil {
		log.Printf("failed to open blob store: %v", err)
		os.Exit(1)
	}

	var bus notify.Bus = notify.Noop{}
	var hub *notify.Hub
	if cfg.EnableEvents {
		hub = notify.NewHub(log.Default())
		bus = hub
	}

	rec := records.New(st, bus, log.Default())
	q := queue.New(st, rec, queue.Config{
		SweepInterval:             cfg.SweepInterval,
		DefaultMaxAttempts:        cfg.MaxAttempts,
		DefaultLockTimeoutMinutes: int(cfg.LockTimeout / time.Minute),
	}, log.Default())

	regenLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
	defer regenLimiter.Stop()

	ap := api.New(q, rec, blobs, hub, cfg.AdminTokenHash, log.Default())
	ap.RegenLimiter = regenLimiter

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	go q.RunSweeper(sweepCtx)

	// No WriteTimeout: the SSE endpoint holds responses open.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newMux(ap, st),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal: %s, initiating graceful shutdown...", sig)
	case err := <-errCh:
		log.Printf("server error: %v", err)
	}

	sweepCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	} else {
		log.Printf("server stopped gracefully")
	}
}
