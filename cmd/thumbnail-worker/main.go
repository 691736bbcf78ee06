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
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"meshvault/internal/thumbnail/config"
	"meshvault/internal/worker"
	"meshvault/internal/worker/render"
)

// parseConfig builds the configuration from env + flags.
// Flags override environment variables.
func parseConfig() (config.WorkerConfig, error) {
	cfg, err := config.LoadWorkerConfigFromEnv()
	if err != nil {
		return cfg, err
	}

	flag.StringVar(&cfg.APIBaseURL, "api", cfg.APIBaseURL, "Controller base URL (env THUMBNAIL_API_BASE_URL)")
	flag.StringVar(&cfg.WorkerID, "worker-id", cfg.WorkerID, "Worker identifier, unique per instance by default (env THUMBNAIL_WORKER_ID)")
	flag.DurationVar(&cfg.PollInterval, "poll", cfg.PollInterval, "Empty-queue poll interval (env THUMBNAIL_POLL_INTERVAL_MS)")
	flag.IntVar(&cfg.RenderWidth, "width", cfg.RenderWidth, "Thumbnail width (env THUMBNAIL_RENDER_WIDTH)")
	flag.IntVar(&cfg.RenderHeight, "height", cfg.RenderHeight, "Thumbnail height (env THUMBNAIL_RENDER_HEIGHT)")
	flag.StringVar(&cfg.ModelSourceURL, "model-url", cfg.ModelSourceURL, "Model source base URL (env THUMBNAIL_MODEL_SOURCE_URL)")
	flag.StringVar(&cfg.ModelSourceDir, "model-dir", cfg.ModelSourceDir, "Model source directory (env THUMBNAIL_MODEL_SOURCE_DIR)")

	flag.Parse()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC | log.Lmsgprefix)
	log.SetPrefix("[thumbnail-worker] ")

	cfg, err := parseConfig()
	if err != nil {
		log.Printf("invalid configuration: %v", err)
		os.Exit(1)
	}
	log.Printf("thumbnail-worker configuration:")
	log.Printf("  api=%s", cfg.APIBaseURL)
	log.Printf("  worker_id=%s", cfg.WorkerID)
	log.Printf("  poll=%s", cfg.PollInterval)
	log.Printf("  size=%dx%d", cfg.RenderWidth, cfg.RenderHeight)

	var models worker.ModelSource
	switch {
	case cfg.ModelSourceURL != "":
		models = worker.NewHTTPModelSource(cfg.ModelSourceURL)
		log.Printf("  model_source=%s", cfg.ModelSourceURL)
	default:
		models = worker.NewDirModelSource(cfg.ModelSourceDir)
		log.Printf("  model_source=dir:%s", cfg.ModelSourceDir)
	}

	client := worker.NewClient(cfg.APIBaseURL)
	w := worker.New(client, models, render.NewSolidEngine(), cfg, log.Default())

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal: %s, finishing current job...", sig)
		cancel()
		// Second signal forces exit.
		<-sigCh
		log.Printf("forced exit")
		os.Exit(1)
	}()

	w.Run(ctx)
	log.Printf("worker exited")
}
