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

// Package runs implements the run registry described in spec §4.3: a
// project -> pipeline -> run hierarchy in which each run and each
// pipeline's run set has its own lock; the registry-wide and per-project
// mutexes are held only while a map entry is looked up or created.
package runs

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/tombee/uciforge/pkg/logstore"
	"github.com/tombee/uciforge/pkg/rctx"
)

// Status is a run's terminal or in-flight state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"
	StatusCanceled  Status = "canceled"
	StatusDisplaced Status = "displaced"
)

// Run is one execution of a pipeline. It owns the cancellation signal
// threaded through to the scheduler and step executor, and the run context
// used to publish events.
type Run struct {
	ID         string
	ProjectID  string
	PipelineID string

	mu     sync.Mutex
	status Status
	dryRun bool

	ctx    *rctx.Context
	cancel context.CancelFunc
	done   context.Context

	logStore      *logstore.Store
	logHandle     *logstore.Handle
	logUnsubscribe func()
}

// newRun allocates a Run bound to a fresh cancellation context and event
// bus. The returned Run starts in StatusRunning.
func newRun(projectID, pipelineID string) *Run {
	done, cancel := context.WithCancel(context.Background())
	return &Run{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		PipelineID: pipelineID,
		status:     StatusRunning,
		ctx:        rctx.NewBuffered(),
		cancel:     cancel,
		done:       done,
	}
}

// Events returns the run's pub/sub context for attaching subscribers.
func (r *Run) Events() *rctx.Context { return r.ctx }

// SetDryRun marks the run as a dry run: the scheduler will skip every job's
// step execution but still walk the DAG and emit normal terminal events.
// Must be called before the run starts dispatching jobs.
func (r *Run) SetDryRun(dryRun bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dryRun = dryRun
}

// DryRun reports whether this run was started with SetDryRun(true).
func (r *Run) DryRun() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dryRun
}

// AttachLogStore opens this run's JSONL log file in store and starts a
// background subscriber that persists every Log event sent on the run's
// event bus, matching spec §3's "a handle to the currently-open append log
// file" Run field. Other event types (JobProgress, ContainerLog, ...) are
// fanned out live to websocket subscribers by Events() alone and are not
// written to the JSONL file, which only records LogLine records.
func (r *Run) AttachLogStore(store *logstore.Store) error {
	handle, err := store.InitRun(r.ProjectID, r.PipelineID, r.ID)
	if err != nil {
		return err
	}
	ch, unsubscribe := r.ctx.AttachSubscriber()

	r.mu.Lock()
	r.logStore = store
	r.logHandle = handle
	r.logUnsubscribe = unsubscribe
	r.mu.Unlock()

	go func() {
		for event := range ch {
			if event.Type != rctx.EventLog {
				continue
			}
			_ = handle.Append(logstore.LogLine{
				Time:     event.Timestamp,
				Text:     event.Text,
				Level:    event.Level,
				Pipeline: event.Pipeline,
				Job:      event.JobID,
			})
		}
	}()
	return nil
}

// Cancel requests cooperative cancellation, observed at job boundaries by
// the scheduler. Implements locks.Cancelable.
func (r *Run) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == StatusRunning {
		r.cancel()
	}
}

// Canceled reports whether Cancel has been called, independent of whether
// the run has finished unwinding yet.
func (r *Run) Canceled() bool {
	select {
	case <-r.done.Done():
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed when Cancel is called.
// Step execution should select on this alongside normal work.
func (r *Run) Done() <-chan struct{} { return r.done.Done() }

// Status returns the run's current status under lock.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Finish transitions the run to a terminal status. Calling Finish a second
// time is a no-op: the first terminal status recorded wins, matching the
// "cancel beats displaced" priority resolved in SPEC_FULL.md by always
// checking Canceled() before acting on a Displaced scheduler result.
func (r *Run) Finish(status Status) {
	r.mu.Lock()
	if r.status != StatusRunning {
		r.mu.Unlock()
		return
	}
	r.status = status
	store, handle, unsubscribe := r.logStore, r.logHandle, r.logUnsubscribe
	r.mu.Unlock()

	if handle != nil {
		_ = handle.Close()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	if store != nil {
		store.MarkFinished(r.ProjectID, r.PipelineID, r.ID)
	}
}

// pipelineRuns tracks every run of one pipeline plus its most recent one,
// for the LastRun badge lookup (SPEC_FULL.md §C, "LastRun badge lookup").
type pipelineRuns struct {
	mu      sync.RWMutex
	byID    map[string]*Run
	lastRun *Run
}

func newPipelineRuns() *pipelineRuns {
	return &pipelineRuns{byID: make(map[string]*Run)}
}

func (p *pipelineRuns) add(run *Run) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[run.ID] = run
	p.lastRun = run
}

func (p *pipelineRuns) get(runID string) (*Run, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	run, ok := p.byID[runID]
	return run, ok
}

func (p *pipelineRuns) last() (*Run, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.lastRun == nil {
		return nil, false
	}
	return p.lastRun, true
}

func (p *pipelineRuns) list() []*Run {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Run, 0, len(p.byID))
	for _, run := range p.byID {
		out = append(out, run)
	}
	return out
}

// projectRuns maps pipeline id to that pipeline's run set.
type projectRuns struct {
	mu        sync.RWMutex
	pipelines map[string]*pipelineRuns
}

func newProjectRuns() *projectRuns {
	return &projectRuns{pipelines: make(map[string]*pipelineRuns)}
}

func (p *projectRuns) pipeline(id string) *pipelineRuns {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.pipelines[id]
	if !ok {
		pr = newPipelineRuns()
		p.pipelines[id] = pr
	}
	return pr
}

func (p *projectRuns) pipelineIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.pipelines))
	for id := range p.pipelines {
		out = append(out, id)
	}
	return out
}

// Registry is the top-level project -> pipeline -> run index. Each
// pipeline's runs are guarded by that pipelineRuns' RWMutex. Every lookup
// also takes the registry-wide mutex exclusively, but only for the
// project-map access, not while a pipeline's runs are read or changed.
type Registry struct {
	mu       sync.RWMutex
	projects map[string]*projectRuns
}

// NewRegistry returns an empty run registry.
func NewRegistry() *Registry {
	return &Registry{projects: make(map[string]*projectRuns)}
}

func (reg *Registry) project(id string) *projectRuns {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	pr, ok := reg.projects[id]
	if !ok {
		pr = newProjectRuns()
		reg.projects[id] = pr
	}
	return pr
}

// StartRun allocates and registers a new run of pipelineID within
// projectID.
func (reg *Registry) StartRun(projectID, pipelineID string) *Run {
	run := newRun(projectID, pipelineID)
	reg.project(projectID).pipeline(pipelineID).add(run)
	return run
}

// Run looks up a specific run by project, pipeline, and run id.
func (reg *Registry) Run(projectID, pipelineID, runID string) (*Run, bool) {
	return reg.project(projectID).pipeline(pipelineID).get(runID)
}

// LastRun returns the most recently started run of a pipeline, used to
// render the dashboard's last-run status badge.
func (reg *Registry) LastRun(projectID, pipelineID string) (*Run, bool) {
	return reg.project(projectID).pipeline(pipelineID).last()
}

// ListRuns returns every run registered for one pipeline, in no particular
// order.
func (reg *Registry) ListRuns(projectID, pipelineID string) []*Run {
	return reg.project(projectID).pipeline(pipelineID).list()
}

// ListPipelines returns the ids of every pipeline that has at least one
// recorded run within projectID.
func (reg *Registry) ListPipelines(projectID string) []string {
	return reg.project(projectID).pipelineIDs()
}

// ListProjects returns the ids of every project with at least one recorded
// run.
func (reg *Registry) ListProjects() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]string, 0, len(reg.projects))
	for id := range reg.projects {
		out = append(out, id)
	}
	return out
}

// FindRun scans the whole registry for a run id, for the daemon's
// `/ws/<run_id>` attach endpoint (spec §6), which identifies a run by id
// alone. This is an O(projects*pipelines) scan rather than a secondary
// index: websocket attach is a rare, human-initiated operation, not a hot
// path, so the simpler structure wins over the bookkeeping a global index
// would add to every StartRun.
func (reg *Registry) FindRun(runID string) (*Run, bool) {
	reg.mu.RLock()
	projects := make([]*projectRuns, 0, len(reg.projects))
	for _, p := range reg.projects {
		projects = append(projects, p)
	}
	reg.mu.RUnlock()

	for _, p := range projects {
		p.mu.RLock()
		pipelines := make([]*pipelineRuns, 0, len(p.pipelines))
		for _, pr := range p.pipelines {
			pipelines = append(pipelines, pr)
		}
		p.mu.RUnlock()

		for _, pr := range pipelines {
			if run, ok := pr.get(runID); ok {
				return run, true
			}
		}
	}
	return nil, false
}
