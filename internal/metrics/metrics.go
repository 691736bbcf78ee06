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

package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsEnqueued  *prometheus.CounterVec
	jobsClaimed   prometheus.Counter
	jobsCompleted prometheus.Counter
	jobFailures   *prometheus.CounterVec
	jobsCancelled prometheus.Counter
	jobsRetried   prometheus.Counter
	leaseSweeps   prometheus.Counter
	queueDepth    *prometheus.GaugeVec
	renderPhase   *prometheus.HistogramVec
)

// Render phase labels observed by the worker.
const (
	PhaseDownload = "download"
	PhaseRender   = "render"
	PhaseEncode   = "encode"
	PhaseUpload   = "upload"
	PhaseReport   = "report"
)

// Failure outcome labels.
const (
	OutcomeRetry = "retry"
	OutcomeDead  = "dead"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncEnqueued records an enqueue; deduped marks requests that matched an
// in-flight job instead of creating one.
func IncEnqueued(deduped bool) {
	label := "false"
	if deduped {
		label = "true"
	}
	mu.RLock()
	defer mu.RUnlock()
	if jobsEnqueued != nil {
		jobsEnqueued.WithLabelValues(label).Inc()
	}
}

// IncClaimed records a successful dequeue.
func IncClaimed() {
	mu.RLock()
	defer mu.RUnlock()
	if jobsClaimed != nil {
		jobsClaimed.Inc()
	}
}

// IncCompleted records a job reaching completed.
func IncCompleted() {
	mu.RLock()
	defer mu.RUnlock()
	if jobsCompleted != nil {
		jobsCompleted.Inc()
	}
}

// IncFailure records a job failure with its outcome (retry or dead).
func IncFailure(outcome string) {
	label := sanitizeLabel(outcome, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if jobFailures != nil {
		jobFailures.WithLabelValues(label).Inc()
	}
}

// AddCancelled records n jobs moved to cancelled.
func AddCancelled(n int) {
	if n <= 0 {
		return
	}
	mu.RLock()
	defer mu.RUnlock()
	if jobsCancelled != nil {
		jobsCancelled.Add(float64(n))
	}
}

// IncRetried records an admin retry reset.
func IncRetried() {
	mu.RLock()
	defer mu.RUnlock()
	if jobsRetried != nil {
		jobsRetried.Inc()
	}
}

// AddLeaseSwept records n jobs returned to pending by the lease sweeper.
func AddLeaseSwept(n int) {
	if n <= 0 {
		return
	}
	mu.RLock()
	defer mu.RUnlock()
	if leaseSweeps != nil {
		leaseSweeps.Add(float64(n))
	}
}

// SetQueueDepth sets the gauge for the number of jobs in a status.
func SetQueueDepth(status string, n int) {
	label := sanitizeLabel(status, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if queueDepth != nil {
		queueDepth.WithLabelValues(label).Set(float64(n))
	}
}

// ObserveRenderPhase records the duration of a worker phase.
func ObserveRenderPhase(phase string, duration time.Duration) {
	label := sanitizeLabel(phase, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if renderPhase != nil {
		renderPhase.WithLabelValues(label).Observe(durationSeconds(duration))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	enq := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshvault",
		Subsystem: "thumbnails",
		Name:      "jobs_enqueued_total",
		Help:      "Total enqueue requests, split by whether they deduplicated onto an in-flight job.",
	}, []string{"dedup"})

	claimed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meshvault",
		Subsystem: "thumbnails",
		Name:      "jobs_claimed_total",
		Help:      "Total jobs claimed by workers.",
	})

	completed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meshvault",
		Subsystem: "thumbnails",
		Name:      "jobs_completed_total",
		Help:      "Total jobs completed successfully.",
	})

	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshvault",
		Subsystem: "thumbnails",
		Name:      "job_failures_total",
		Help:      "Total job failures grouped by outcome (retry or dead).",
	}, []string{"outcome"})

	cancelled := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meshvault",
		Subsystem: "thumbnails",
		Name:      "jobs_cancelled_total",
		Help:      "Total jobs cancelled because their model became obsolete.",
	})

	retried := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meshvault",
		Subsystem: "thumbnails",
		Name:      "jobs_retried_total",
		Help:      "Total admin retry resets.",
	})

	sweeps := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meshvault",
		Subsystem: "thumbnails",
		Name:      "lease_sweeps_total",
		Help:      "Total jobs returned to pending by the lease sweeper.",
	})

	depth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "meshvault",
		Subsystem: "thumbnails",
		Name:      "queue_depth",
		Help:      "Number of jobs per status.",
	}, []string{"status"})

	phaseHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "meshvault",
		Subsystem: "thumbnails",
		Name:      "render_phase_duration_seconds",
		Help:      "Duration of worker phases (download, render, encode, upload, report).",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"phase"})

	registry.MustRegister(enq, claimed, completed, failures, cancelled, retried, sweeps, depth, phaseHist)

	reg = registry
	jobsEnqueued = enq
	jobsClaimed = claimed
	jobsCompleted = completed
	jobFailures = failures
	jobsCancelled = cancelled
	jobsRetried = retried
	leaseSweeps = sweeps
	queueDepth = depth
	renderPhase = phaseHist
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
