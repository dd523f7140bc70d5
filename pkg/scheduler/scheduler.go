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

// Package scheduler walks a pipeline's job DAG: jobs become ready once
// every dependency has reached a terminal status, ready jobs run
// concurrently, and a failed or canceled dependency does not skip its
// dependents — only a job's own Enabled flag produces a Skipped status.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/uciforge/internal/metrics"
	"github.com/tombee/uciforge/pkg/locks"
	"github.com/tombee/uciforge/pkg/pipeline"
	"github.com/tombee/uciforge/pkg/rctx"
	"github.com/tombee/uciforge/pkg/runs"
)

// JobStatus is the terminal state of one job within a run.
type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobRunning  JobStatus = "running"
	JobFinished JobStatus = "finished"
	JobFailed   JobStatus = "failed"
	JobSkipped  JobStatus = "skipped"
	JobCanceled JobStatus = "canceled"
)

// JobRunner executes a single job's steps. Implemented by pkg/steps; kept
// as an interface here so the scheduler has no direct dependency on the
// container runtime.
type JobRunner interface {
	RunJob(ctx context.Context, run *runs.Run, jobID string, job *pipeline.Job) error
}

// Result is the scheduler's outcome for one run.
type Result struct {
	JobStatuses map[string]JobStatus
	Canceled    bool
}

// Scheduler runs pipelines against a shared lock manager.
type Scheduler struct {
	locks *locks.Manager
}

// New returns a Scheduler backed by the given lock manager.
func New(lockManager *locks.Manager) *Scheduler {
	return &Scheduler{locks: lockManager}
}

// CheckCycle reports an error naming the first job found on a cycle, using
// the standard tri-color DFS. It must be called (and pass) before Run.
func CheckCycle(pl *pipeline.Pipeline) error {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(pl.Jobs))
	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("cycle detected in pipeline %s: %v -> %s", pl.ID, path, id)
		}
		color[id] = gray
		job, ok := pl.Jobs[id]
		if ok {
			for _, dep := range job.Needs {
				if err := visit(dep, append(path, id)); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for id := range pl.Jobs {
		if err := visit(id, nil); err != nil {
			return err
		}
	}
	return nil
}

type jobOutcome struct {
	id     string
	status JobStatus
	err    error
}

// Run walks the DAG to completion. It assumes CheckCycle has already been
// called successfully. Every job starts Pending and is dispatched once its
// needs are all terminal; a disabled job is dispatched like any other but
// resolves immediately to Skipped without running its steps or acquiring a
// stage guard.
func (s *Scheduler) Run(ctx context.Context, run *runs.Run, pl *pipeline.Pipeline, allRepos []string, runner JobRunner) Result {
	statuses := make(map[string]JobStatus, len(pl.Jobs))
	var mu sync.Mutex

	enteredStages := make(map[string]*enteredStage)
	var stageMu sync.Mutex

	setStatus := func(id string, status JobStatus) {
		mu.Lock()
		statuses[id] = status
		mu.Unlock()
	}

	for id := range pl.Jobs {
		setStatus(id, JobPending)
	}

	outcomes := make(chan jobOutcome, len(pl.Jobs))
	dispatched := make(map[string]bool)

	// The default stage's guard is acquired eagerly, before the first
	// ready-set pop, rather than lazily on the first job that targets it.
	// This matches the original scheduler's init_run behavior and means a
	// pipeline with an overlap-restricted default stage serializes against
	// concurrent runs from the moment it starts, even if its first job
	// happens to target a different stage.
	if stage, ok := pl.Stages[pipeline.DefaultStage]; ok {
		stageGuard, repoGuard := s.locks.RunStage(pl.ID, pipeline.DefaultStage, run, stage.OverlapStrategy, pl.ID, allRepos, stage.Repos)
		enteredStages[pipeline.DefaultStage] = &enteredStage{stageGuard: stageGuard, repoGuard: repoGuard}
	}

	dispatchReady := func() int {
		mu.Lock()
		defer mu.Unlock()
		count := 0
		for id, job := range pl.Jobs {
			if dispatched[id] || statuses[id] != JobPending {
				continue
			}
			ready := true
			for _, dep := range job.Needs {
				depStatus, ok := statuses[dep]
				if !ok || depStatus == JobPending || depStatus == JobRunning {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}

			dispatched[id] = true
			count++
			statuses[id] = JobRunning
			go s.runOneJob(ctx, run, pl, id, job, runner, enteredStages, &stageMu, allRepos, outcomes)
		}
		return count
	}

	pending := func() int {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, st := range statuses {
			if st == JobPending || st == JobRunning {
				n++
			}
		}
		return n
	}

	inFlight := dispatchReady()
	for inFlight > 0 || pending() > 0 {
		if inFlight == 0 {
			// No job is running but some remain pending: they are blocked on
			// a dependency that will never finish (e.g. disabled upstream
			// already marked Skipped but not yet observed). Re-scan once
			// more; if nothing changes this is a stalled graph and we stop
			// to avoid spinning.
			newly := dispatchReady()
			if newly == 0 {
				break
			}
			inFlight += newly
			continue
		}
		outcome := <-outcomes
		inFlight--
		mu.Lock()
		finalStatus := outcome.status
		switch outcome.status {
		case JobFinished, JobCanceled, JobSkipped:
		default:
			finalStatus = JobFailed
		}
		statuses[outcome.id] = finalStatus
		mu.Unlock()
		metrics.JobsFinished.WithLabelValues(pl.ID, string(finalStatus)).Inc()
		// Disabled jobs already emitted their own JobSkipped event in
		// runOneJob; a canceled job gets JobCanceled, and a JobFinished
		// event here covers success and step failure only, matching spec's
		// run_job terminal-event table.
		if outcome.status == JobCanceled {
			run.Events().Send(rctx.NewJobCanceled(pl.ID, outcome.id))
		} else if outcome.status != JobSkipped {
			var errMsg *string
			if outcome.err != nil {
				msg := outcome.err.Error()
				errMsg = &msg
			}
			run.Events().Send(rctx.NewJobFinished(pl.ID, outcome.id, errMsg))
		}
		inFlight += dispatchReady()
	}

	stageMu.Lock()
	for _, entered := range enteredStages {
		entered.repoGuard.Release()
		entered.stageGuard.Release()
	}
	stageMu.Unlock()

	return Result{JobStatuses: statuses, Canceled: run.Canceled()}
}

type enteredStage struct {
	stageGuard *locks.StageGuard
	repoGuard  *locks.RepoReadGuard
}

func (s *Scheduler) runOneJob(
	ctx context.Context,
	run *runs.Run,
	pl *pipeline.Pipeline,
	jobID string,
	job *pipeline.Job,
	runner JobRunner,
	enteredStages map[string]*enteredStage,
	stageMu *sync.Mutex,
	allRepos []string,
	outcomes chan<- jobOutcome,
) {
	if !job.Enabled {
		run.Events().Send(rctx.NewJobSkipped(pl.ID, jobID))
		outcomes <- jobOutcome{id: jobID, status: JobSkipped}
		return
	}

	stageID := job.Stage
	if stageID == "" {
		stageID = pipeline.DefaultStage
	}
	stage := pl.Stages[stageID]
	strategy := pipeline.OverlapIgnore
	var repoPolicy *pipeline.StageRepos
	if stage != nil {
		strategy = stage.OverlapStrategy
		repoPolicy = stage.Repos
	}

	stageMu.Lock()
	_, alreadyEntered := enteredStages[stageID]
	stageMu.Unlock()
	if alreadyEntered {
		slog.Warn("stage entered twice within one run, reusing existing guard", "pipeline", pl.ID, "stage", stageID, "job", jobID)
	} else {
		waitStart := time.Now()
		stageGuard, repoGuard := s.locks.RunStage(pl.ID, stageID, run, strategy, pl.ID, allRepos, repoPolicy)
		metrics.ObserveStageWait(pl.ID, stageID, time.Since(waitStart))
		stageMu.Lock()
		enteredStages[stageID] = &enteredStage{stageGuard: stageGuard, repoGuard: repoGuard}
		stageMu.Unlock()
	}

	select {
	case <-run.Done():
		outcomes <- jobOutcome{id: jobID, status: JobCanceled}
		return
	default:
	}

	if run.DryRun() {
		outcomes <- jobOutcome{id: jobID, status: JobFinished}
		return
	}

	run.Events().Send(rctx.NewJobProgress(pl.ID, jobID, 0))
	err := runner.RunJob(ctx, run, jobID, job)

	stageMu.Lock()
	guard := enteredStages[stageID].stageGuard
	stageMu.Unlock()

	// Cancellation always wins over a mere displacement: the run's own
	// Canceled() signal is checked first, matching the original's ordering
	// in run_impl_with_run.
	if run.Canceled() {
		outcomes <- jobOutcome{id: jobID, status: JobCanceled}
		return
	}
	if guard != nil && guard.Interrupted() == locks.InterruptedDisplaced {
		outcomes <- jobOutcome{id: jobID, status: JobCanceled, err: fmt.Errorf("stage displaced")}
		return
	}

	if err != nil {
		outcomes <- jobOutcome{id: jobID, status: JobFailed, err: err}
		return
	}
	outcomes <- jobOutcome{id: jobID, status: JobFinished}
}
