// Copyright 2025 The Uciforge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the daemon's Prometheus counters and histograms,
// scraped by the HTTP server's /metrics endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsStarted counts every run a project's engine has started, labeled
	// by project and pipeline.
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uciforge_runs_started_total",
			Help: "Total pipeline runs started, by project and pipeline",
		},
		[]string{"project", "pipeline"},
	)

	// RunsFinished counts runs that reached a terminal status.
	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uciforge_runs_finished_total",
			Help: "Total pipeline runs reaching a terminal status, by project, pipeline and status",
		},
		[]string{"project", "pipeline", "status"},
	)

	// JobsFinished counts individual job outcomes across all runs.
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uciforge_jobs_finished_total",
			Help: "Total jobs reaching a terminal status, by pipeline and status",
		},
		[]string{"pipeline", "status"},
	)

	// StageWaitSeconds observes how long a job waited to acquire its stage
	// guard before running, surfacing lock contention from pkg/locks.
	StageWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uciforge_stage_wait_seconds",
			Help:    "Time a job spent waiting to acquire its stage guard",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pipeline", "stage"},
	)

	// HTTPRequestDuration observes API request latency by route and status.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uciforge_http_request_duration_seconds",
			Help:    "HTTP API request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// ObserveStageWait records the time spent blocked on a stage guard.
func ObserveStageWait(pipeline, stage string, waited time.Duration) {
	StageWaitSeconds.WithLabelValues(pipeline, stage).Observe(waited.Seconds())
}
