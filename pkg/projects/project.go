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

// Package projects is the orchestration layer (spec §4.8's Project
// Manager) that ties the scheduler, lock manager, step executor, run
// registry, log store and integration dispatcher together into the
// "run a pipeline"/"update a repo"/"call a trigger" operations a daemon
// actually exposes.
package projects

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/uciforge/internal/metrics"
	"github.com/tombee/uciforge/pkg/errors"
	"github.com/tombee/uciforge/pkg/integrations"
	"github.com/tombee/uciforge/pkg/locks"
	"github.com/tombee/uciforge/pkg/logstore"
	"github.com/tombee/uciforge/pkg/pipeline"
	"github.com/tombee/uciforge/pkg/rctx"
	"github.com/tombee/uciforge/pkg/runs"
	"github.com/tombee/uciforge/pkg/runtime"
	"github.com/tombee/uciforge/pkg/scheduler"
	"github.com/tombee/uciforge/pkg/services"
	"github.com/tombee/uciforge/pkg/steps"

	"github.com/tombee/uciforge/internal/triggers"
)

// ProjectInfo is the summary spec §4.8's get_project_info returns: enough
// to render a dashboard without loading the full Project.
type ProjectInfo struct {
	ID    string
	Repos []string
}

// Project is one loaded project: its repos, declared pipelines, service
// definitions, and trigger table. It is stateless and cheap to discard —
// the Manager reloads it from disk on every call, per spec §4.8's
// "reloads are per-call" note.
type Project struct {
	ID       string
	Repos    *Repos
	Pipelines map[string]*pipeline.Pipeline
	Services *services.Set
	Actions  *triggers.Actions
	Networks []string
	Volumes  []string
	Links    map[string]string
}

// Info returns the project's dashboard summary.
func (p *Project) Info() ProjectInfo {
	return ProjectInfo{ID: p.ID, Repos: p.Repos.ListIDs()}
}

// Engine is the shared machinery every loaded Project drives a run
// through: the lock manager, container runtime, run registry and log
// store are process-wide singletons, while the integration dispatcher is
// selected per call since pipelines name their own integrations.
type Engine struct {
	Locks    *locks.Manager
	Runtime  *runtime.Runtime
	Registry *runs.Registry
	LogStore *logstore.Store
}

// NewEngine wires a fresh Engine from its four collaborators.
func NewEngine(lockManager *locks.Manager, rt *runtime.Runtime, registry *runs.Registry, logStore *logstore.Store) *Engine {
	return &Engine{Locks: lockManager, Runtime: rt, Registry: registry, LogStore: logStore}
}

// RunPipelineImpl executes pl to completion as a new run of p, mirroring
// the original's Project::run_pipeline_impl -> Executor::run_result call
// shape: ensure declared resources exist, register the run, announce
// Start, walk the DAG, announce the terminal event, and report job status
// to the integration dispatcher throughout.
func (e *Engine) RunPipelineImpl(ctx context.Context, p *Project, pl *pipeline.Pipeline, dryRun bool) (*runs.Run, error) {
	if err := scheduler.CheckCycle(pl); err != nil {
		return nil, err
	}

	for _, network := range pl.Networks {
		if err := e.Runtime.EnsureNetwork(ctx, network); err != nil {
			return nil, fmt.Errorf("ensuring network %s: %w", network, err)
		}
	}
	for _, volume := range pl.Volumes {
		if err := e.Runtime.EnsureVolume(ctx, volume); err != nil {
			return nil, fmt.Errorf("ensuring volume %s: %w", volume, err)
		}
	}

	run := e.Registry.StartRun(p.ID, pl.ID)
	run.SetDryRun(dryRun)
	if err := run.AttachLogStore(e.LogStore); err != nil {
		return nil, fmt.Errorf("attaching log store: %w", err)
	}
	metrics.RunsStarted.WithLabelValues(p.ID, pl.ID).Inc()

	dispatcher := integrations.NewDispatcher(integrations.FromRawConfigs(pl.Integrations))
	lifecycle := integrations.NewLifecycle(dispatcher, pl.ID, "", "")

	go e.runAndFinish(ctx, p, pl, run, lifecycle)

	return run, nil
}

func (e *Engine) runAndFinish(ctx context.Context, p *Project, pl *pipeline.Pipeline, run *runs.Run, lifecycle *integrations.Lifecycle) {
	run.Events().Send(rctx.NewStart(pl.ID))
	lifecycle.OnPipelineStart(ctx)

	for id := range pl.Jobs {
		run.Events().Send(rctx.NewJobPending(pl.ID, id))
		lifecycle.OnJobPending(ctx, id)
	}

	executor := steps.New(e.Runtime)
	runner := &steps.JobRunner{
		Executor:   executor,
		PipelineID: pl.ID,
		Resolve: func(jobID string, job *pipeline.Job) steps.Environment {
			return steps.Environment{RepoRoot: p.repoRootFor(job), Links: p.Links, Networks: pl.Networks}
		},
	}

	allRepos := p.Repos.ListIDs()
	result := scheduler.New(e.Locks).Run(ctx, run, pl, allRepos, runner)

	for id, status := range result.JobStatuses {
		switch status {
		case scheduler.JobFailed:
			lifecycle.OnJobDone(ctx, id, fmt.Errorf("job failed"))
		case scheduler.JobFinished:
			lifecycle.OnJobDone(ctx, id, nil)
		case scheduler.JobCanceled:
			lifecycle.OnJobCanceled(ctx, id)
		case scheduler.JobSkipped:
			lifecycle.OnJobSkipped(ctx, id)
		}
	}

	var finalStatus runs.Status
	switch {
	case run.Canceled():
		run.Events().Send(rctx.NewCanceled(pl.ID))
		lifecycle.OnPipelineCanceled(ctx)
		finalStatus = runs.StatusCanceled
	case result.Canceled:
		run.Events().Send(rctx.NewDisplaced(pl.ID))
		lifecycle.OnPipelineDisplaced(ctx)
		finalStatus = runs.StatusDisplaced
	case anyFailed(result.JobStatuses):
		run.Events().Send(rctx.NewFinish(pl.ID, strPtr("one or more jobs failed")))
		lifecycle.OnPipelineFail(ctx, "one or more jobs failed")
		finalStatus = runs.StatusFinished
	default:
		run.Events().Send(rctx.NewFinish(pl.ID, nil))
		lifecycle.OnPipelineDone(ctx)
		finalStatus = runs.StatusFinished
	}
	run.Finish(finalStatus)
	metrics.RunsFinished.WithLabelValues(p.ID, pl.ID, string(finalStatus)).Inc()
}

func anyFailed(statuses map[string]scheduler.JobStatus) bool {
	for _, s := range statuses {
		if s == scheduler.JobFailed {
			return true
		}
	}
	return false
}

func strPtr(s string) *string { return &s }

func (p *Project) repoRootFor(job *pipeline.Job) string {
	// A job's checkout root is its single repo if it needs exactly one;
	// multi-repo jobs are expected to use Links instead, matching the
	// original's convention of exposing every other repo as a link.
	if len(job.Needs) != 1 {
		return ""
	}
	if repo, ok := p.Repos.Get(job.Needs[0]); ok {
		return repo.Path
	}
	return ""
}

// RunPipeline runs the named declared pipeline, per spec §4.8's
// run_pipeline. dryRun requests a run that walks the DAG without executing
// any step.
func (e *Engine) RunPipeline(ctx context.Context, p *Project, pipelineID string, dryRun bool) (*runs.Run, error) {
	pl, ok := p.Pipelines[pipelineID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "pipeline", ID: pipelineID}
	}
	return e.RunPipelineImpl(ctx, p, pl, dryRun)
}

// RunServiceActions builds one synthetic pipeline per (service, action)
// pair and runs them all concurrently, matching the original's
// run_service_actions fan-out via futures::future::try_join_all.
func (e *Engine) RunServiceActions(ctx context.Context, p *Project, actions map[string]services.Action) ([]*runs.Run, error) {
	if len(actions) == 0 {
		return nil, nil
	}
	pipelines, err := p.Services.BuildActionPipelines(actions)
	if err != nil {
		return nil, err
	}

	var (
		group errgroup.Group
		runsMu []*runs.Run
	)
	for serviceID, pl := range pipelines {
		serviceID, pl := serviceID, pl
		group.Go(func() error {
			run, err := e.RunPipelineImpl(ctx, p, pl, false)
			if err != nil {
				return fmt.Errorf("service %s: %w", serviceID, err)
			}
			runsMu = append(runsMu, run)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return runsMu, nil
}

// UpdateRepo pulls/fetches repoID's latest state, reports the diff over
// p's event bus via a transient run-less rctx.Context (the update itself
// isn't a pipeline run), then feeds a RepoUpdate event into HandleEvent so
// any matching trigger fires.
func (e *Engine) UpdateRepo(ctx context.Context, p *Project, repoID, artifact string) (Diff, error) {
	bus := rctx.NewBuffered()
	bus.Send(rctx.NewPullingRepo(repoID))

	repo, ok := p.Repos.Get(repoID)
	if !ok {
		bus.Send(rctx.NewNoSuchRepo(repoID))
		return Diff{}, &errors.NotFoundError{Resource: "repo", ID: repoID}
	}

	release := e.Locks.WriteRepo(p.ID, repoID)
	diff, err := repo.Update(ctx, artifact)
	release()
	if err != nil {
		bus.Send(rctx.NewFailedToPull(repoID, err.Error()))
		return Diff{}, err
	}

	if diff.Whole {
		bus.Send(rctx.NewWholeRepoUpdated(repoID))
	} else {
		bus.Send(rctx.NewRepoPulled(repoID, diff.Changes, diff.CommitMessage))
	}

	if !diff.IsEmpty() {
		if _, err := e.HandleEvent(ctx, p, triggers.Event{
			Kind:   triggers.EventRepoUpdate,
			RepoID: repoID,
			Diff:   diff.toTrigger(),
		}); err != nil {
			slog.Error("handling repo-update event", "project", p.ID, "repo", repoID, "error", err)
		}
	}
	return diff, nil
}

// CallTrigger fires the named manual trigger, per spec §4.8's
// call_trigger.
func (e *Engine) CallTrigger(ctx context.Context, p *Project, triggerID string) ([]*runs.Run, error) {
	return e.HandleEvent(ctx, p, triggers.Event{
		Kind:      triggers.EventCall,
		ProjectID: p.ID,
		TriggerID: triggerID,
	})
}

// HandleEvent matches event against p's trigger table and starts every
// resulting pipeline run and service action concurrently.
func (e *Engine) HandleEvent(ctx context.Context, p *Project, event triggers.Event) ([]*runs.Run, error) {
	matched := p.Actions.GetMatchedActions(event)
	if matched.IsEmpty() {
		return nil, nil
	}

	var (
		group errgroup.Group
		mu    = make(chan *runs.Run, len(matched.RunPipelines))
	)
	for pipelineID := range matched.RunPipelines {
		pipelineID := pipelineID
		group.Go(func() error {
			run, err := e.RunPipeline(ctx, p, pipelineID, false)
			if err != nil {
				return err
			}
			mu <- run
			return nil
		})
	}

	serviceRuns, err := e.RunServiceActions(ctx, p, matched.Services)
	if err != nil {
		return nil, err
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	close(mu)

	result := serviceRuns
	for run := range mu {
		result = append(result, run)
	}
	return result, nil
}

// CloneMissingRepos clones every repo of p that isn't already checked
// out, reporting progress over a transient event bus, matching the
// original's Repos::clone_missing_repos.
func (e *Engine) CloneMissingRepos(ctx context.Context, p *Project, bus *rctx.Context) error {
	bus.Send(rctx.NewCloneBegin())

	var group errgroup.Group
	for id, repo := range p.Repos.ByID {
		id, repo := id, repo
		group.Go(func() error {
			bus.Send(rctx.NewCloningRepo(id))
			if err := repo.CloneIfMissing(ctx); err != nil {
				return fmt.Errorf("cloning repo %s: %w", id, err)
			}
			bus.Send(rctx.NewRepoCloned(id))
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	bus.Send(rctx.NewCloneFinish())
	return nil
}

// linksForRepos builds the Links map a pipeline's jobs see: every declared
// repo is exposed by id under root, so a shell step can reference another
// repo's checkout without being the job that needs() it.
func linksForRepos(repos *Repos) map[string]string {
	links := make(map[string]string, len(repos.ByID))
	for id, repo := range repos.ByID {
		links[id] = repo.Path
	}
	return links
}
