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

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/uciforge/pkg/locks"
	"github.com/tombee/uciforge/pkg/pipeline"
	"github.com/tombee/uciforge/pkg/rctx"
	"github.com/tombee/uciforge/pkg/runs"
)

type recordingRunner struct {
	mu      sync.Mutex
	ran     []string
	failOn  map[string]bool
	delay   time.Duration
}

func (r *recordingRunner) RunJob(ctx context.Context, run *runs.Run, jobID string, job *pipeline.Job) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	r.ran = append(r.ran, jobID)
	fail := r.failOn[jobID]
	r.mu.Unlock()
	if fail {
		return errors.New("boom")
	}
	return nil
}

func (r *recordingRunner) hasRun(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.ran {
		if j == id {
			return true
		}
	}
	return false
}

func simplePipeline() *pipeline.Pipeline {
	return &pipeline.Pipeline{
		ID: "pipe",
		Jobs: map[string]*pipeline.Job{
			"a": {Enabled: true},
			"b": {Enabled: true, Needs: []string{"a"}},
			"c": {Enabled: true, Needs: []string{"a"}},
			"d": {Enabled: true, Needs: []string{"b", "c"}},
		},
		Stages: map[string]*pipeline.Stage{},
	}
}

func TestCheckCycleDetectsTwoJobCycle(t *testing.T) {
	pl := &pipeline.Pipeline{
		ID: "pipe",
		Jobs: map[string]*pipeline.Job{
			"a": {Needs: []string{"b"}},
			"b": {Needs: []string{"a"}},
		},
	}
	err := CheckCycle(pl)
	assert.Error(t, err)
}

func TestCheckCycleAcceptsDAG(t *testing.T) {
	assert.NoError(t, CheckCycle(simplePipeline()))
}

func TestRunExecutesDependenciesBeforeDependents(t *testing.T) {
	reg := runs.NewRegistry()
	run := reg.StartRun("proj", "pipe")
	sched := New(locks.NewManager())
	runner := &recordingRunner{failOn: map[string]bool{}}

	result := sched.Run(context.Background(), run, simplePipeline(), nil, runner)

	require.Equal(t, JobFinished, result.JobStatuses["a"])
	require.Equal(t, JobFinished, result.JobStatuses["d"])
	assert.True(t, runner.hasRun("a"))
	assert.True(t, runner.hasRun("d"))

	posA, posD := -1, -1
	for i, id := range runner.ran {
		if id == "a" {
			posA = i
		}
		if id == "d" {
			posD = i
		}
	}
	assert.Less(t, posA, posD)
}

func TestFailedDependencyDoesNotSkipDependents(t *testing.T) {
	reg := runs.NewRegistry()
	run := reg.StartRun("proj", "pipe")
	sched := New(locks.NewManager())
	runner := &recordingRunner{failOn: map[string]bool{"a": true}}

	result := sched.Run(context.Background(), run, simplePipeline(), nil, runner)

	assert.Equal(t, JobFailed, result.JobStatuses["a"])
	assert.Equal(t, JobFinished, result.JobStatuses["b"])
	assert.Equal(t, JobFinished, result.JobStatuses["c"])
	assert.Equal(t, JobFinished, result.JobStatuses["d"])
	assert.True(t, runner.hasRun("b"))
	assert.True(t, runner.hasRun("c"))
	assert.True(t, runner.hasRun("d"))
}

func TestDisabledJobIsSkippedWithoutRunningButDependentsStillRun(t *testing.T) {
	pl := simplePipeline()
	pl.Jobs["a"].Enabled = false

	reg := runs.NewRegistry()
	run := reg.StartRun("proj", "pipe")
	sched := New(locks.NewManager())
	runner := &recordingRunner{failOn: map[string]bool{}}

	result := sched.Run(context.Background(), run, pl, nil, runner)

	assert.Equal(t, JobSkipped, result.JobStatuses["a"])
	assert.Equal(t, JobFinished, result.JobStatuses["d"])
	assert.False(t, runner.hasRun("a"))
	assert.True(t, runner.hasRun("b"))
}

func TestDisabledJobEmitsSkippedEvent(t *testing.T) {
	pl := &pipeline.Pipeline{
		ID:     "pipe",
		Jobs:   map[string]*pipeline.Job{"a": {Enabled: false}},
		Stages: map[string]*pipeline.Stage{},
	}

	reg := runs.NewRegistry()
	run := reg.StartRun("proj", "pipe")
	sched := New(locks.NewManager())
	runner := &recordingRunner{failOn: map[string]bool{}}

	sched.Run(context.Background(), run, pl, nil, runner)

	ch, detach := run.Events().AttachSubscriber()
	defer detach()

	var kinds []rctx.EventType
	for {
		select {
		case ev := <-ch:
			kinds = append(kinds, ev.Type)
		default:
			assert.Contains(t, kinds, rctx.EventJobSkipped)
			return
		}
	}
}

func TestCanceledRunMarksInFlightJobCanceled(t *testing.T) {
	pl := simplePipeline()
	reg := runs.NewRegistry()
	run := reg.StartRun("proj", "pipe")
	sched := New(locks.NewManager())
	runner := &recordingRunner{failOn: map[string]bool{}, delay: 100 * time.Millisecond}

	go func() {
		time.Sleep(10 * time.Millisecond)
		run.Cancel()
	}()

	result := sched.Run(context.Background(), run, pl, nil, runner)
	assert.True(t, result.Canceled)
	assert.Equal(t, JobCanceled, result.JobStatuses["a"])
}
