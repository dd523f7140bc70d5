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

package integrations

import "context"

// Lifecycle wraps a Dispatcher with the pipeline/job callback names spec
// §4.6 lists (on_pipeline_start, on_job_done, ...), binding the repo/
// revision a single run reports against so callers at the scheduler don't
// need to carry that context around.
type Lifecycle struct {
	dispatcher *Dispatcher
	pipelineID string
	repo       string
	revision   string
}

// NewLifecycle binds a Dispatcher to one run's repo/revision for GitHub
// commit statuses. repo/revision may be empty if the pipeline has no
// single associated repo; GitHub-kind integrations will then fail their
// own request and be logged/swallowed per Dispatcher.Notify.
func NewLifecycle(dispatcher *Dispatcher, pipelineID, repo, revision string) *Lifecycle {
	return &Lifecycle{dispatcher: dispatcher, pipelineID: pipelineID, repo: repo, revision: revision}
}

func (l *Lifecycle) report(jobID string, state State, description string) JobStatusReport {
	return JobStatusReport{
		Repo:        l.repo,
		Revision:    l.revision,
		PipelineID:  l.pipelineID,
		JobID:       jobID,
		State:       state,
		Description: description,
	}
}

// OnPipelineStart dispatches pipeline-level "pending" notice.
func (l *Lifecycle) OnPipelineStart(ctx context.Context) {
	l.dispatcher.Notify(ctx, l.report("", StatePending, "pipeline started"))
}

// OnPipelineDone dispatches a successful pipeline completion.
func (l *Lifecycle) OnPipelineDone(ctx context.Context) {
	l.dispatcher.Notify(ctx, l.report("", StateSuccess, "pipeline finished"))
}

// OnPipelineFail dispatches a failed pipeline completion.
func (l *Lifecycle) OnPipelineFail(ctx context.Context, message string) {
	l.dispatcher.Notify(ctx, l.report("", StateFailure, message))
}

// OnPipelineCanceled dispatches a canceled terminal pipeline status.
func (l *Lifecycle) OnPipelineCanceled(ctx context.Context) {
	l.dispatcher.Notify(ctx, l.report("", StateError, "pipeline canceled"))
}

// OnPipelineDisplaced dispatches a displaced terminal pipeline status.
func (l *Lifecycle) OnPipelineDisplaced(ctx context.Context) {
	l.dispatcher.Notify(ctx, l.report("", StateError, "pipeline displaced"))
}

// OnJobPending dispatches a job entering the Pending state.
func (l *Lifecycle) OnJobPending(ctx context.Context, jobID string) {
	l.dispatcher.Notify(ctx, l.report(jobID, StatePending, ""))
}

// OnJobSkipped dispatches a job that was skipped (disabled, or its
// dependency chain was skipped/failed).
func (l *Lifecycle) OnJobSkipped(ctx context.Context, jobID string) {
	l.dispatcher.Notify(ctx, l.report(jobID, StateSuccess, "skipped"))
}

// OnJobProgress dispatches a job's step-index progress update.
func (l *Lifecycle) OnJobProgress(ctx context.Context, jobID string, step int) {
	l.dispatcher.Notify(ctx, l.report(jobID, StatePending, "running"))
}

// OnJobDone dispatches a job's terminal status: success if err is nil,
// failure (carrying err's message) otherwise.
func (l *Lifecycle) OnJobDone(ctx context.Context, jobID string, err error) {
	if err != nil {
		l.dispatcher.Notify(ctx, l.report(jobID, StateFailure, err.Error()))
		return
	}
	l.dispatcher.Notify(ctx, l.report(jobID, StateSuccess, ""))
}

// OnJobCanceled dispatches a job's cancellation.
func (l *Lifecycle) OnJobCanceled(ctx context.Context, jobID string) {
	l.dispatcher.Notify(ctx, l.report(jobID, StateError, "canceled"))
}
