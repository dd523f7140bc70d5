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

// Package locks implements the two independent lock spaces described in
// spec §4.4: per-(pipeline,stage) overlap locks, and per-(project,repo)
// reader/writer locks.
package locks

import (
	"sync"

	"github.com/tombee/uciforge/pkg/pipeline"
)

// Interrupted is the state written into a stage lock's interruption cell.
type Interrupted int

const (
	InterruptedNone Interrupted = iota
	InterruptedDisplaced
	InterruptedCanceled
)

// Cancelable is the subset of a Run's interface the lock manager needs to
// cancel the outgoing holder under the Cancel overlap strategy.
type Cancelable interface {
	Cancel()
}

type stageLock struct {
	mu          sync.Mutex
	interrupted struct {
		sync.Mutex
		state Interrupted
	}
	currentRun Cancelable
}

// StageGuard is held by a scheduler for the duration it occupies a stage.
// Releasing it (Release) drops the mutex, if any was acquired.
type StageGuard struct {
	lock        *stageLock
	held        bool
	interrupted *stageLock
}

// Interrupted reports the current interruption state observed through this
// guard. A guard acquired under Ignore never reports anything but None.
func (g *StageGuard) Interrupted() Interrupted {
	if g.interrupted == nil {
		return InterruptedNone
	}
	g.interrupted.interrupted.Lock()
	defer g.interrupted.interrupted.Unlock()
	return g.interrupted.interrupted.state
}

// Release drops the held mutex, if any. Safe to call multiple times.
func (g *StageGuard) Release() {
	if g.held {
		g.lock.mu.Unlock()
		g.held = false
	}
}

type repoLock struct {
	mu sync.RWMutex
}

// Manager owns the sparse maps of stage and repo locks. Locks are created
// lazily on first use and outlive individual runs.
type Manager struct {
	mu       sync.Mutex
	stages   map[string]map[string]*stageLock // pipeline -> stage -> lock
	projects map[string]map[string]*repoLock  // project -> repo -> lock
}

// NewManager returns an empty lock manager.
func NewManager() *Manager {
	return &Manager{
		stages:   make(map[string]map[string]*stageLock),
		projects: make(map[string]map[string]*repoLock),
	}
}

func (m *Manager) getStageLock(pipelineID, stageID string) *stageLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	stages, ok := m.stages[pipelineID]
	if !ok {
		stages = make(map[string]*stageLock)
		m.stages[pipelineID] = stages
	}
	lock, ok := stages[stageID]
	if !ok {
		lock = &stageLock{}
		stages[stageID] = lock
	}
	return lock
}

func (m *Manager) getRepoLock(projectID, repoID string) *repoLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	repos, ok := m.projects[projectID]
	if !ok {
		repos = make(map[string]*repoLock)
		m.projects[projectID] = repos
	}
	lock, ok := repos[repoID]
	if !ok {
		lock = &repoLock{}
		repos[repoID] = lock
	}
	return lock
}

// RepoReadGuard releases a read lock acquired for a stage's duration.
type RepoReadGuard struct {
	locks []*repoLock
}

// Release drops every read lock this guard holds.
func (g *RepoReadGuard) Release() {
	for _, l := range g.locks {
		l.mu.RUnlock()
	}
	g.locks = nil
}

// acquireRepoReadLocks takes read guards on the repos named by policy,
// or on every repo in allRepos if policy requests the uniform "All" lock
// with no PerRepo override.
func (m *Manager) acquireRepoReadLocks(projectID string, allRepos []string, policy *pipeline.StageRepos) *RepoReadGuard {
	guard := &RepoReadGuard{}
	if policy == nil {
		return guard
	}

	var toLock []string
	if len(policy.PerRepo) > 0 {
		for repoID, action := range policy.PerRepo {
			if action == pipeline.RepoLock {
				toLock = append(toLock, repoID)
			}
		}
	} else if policy.All == pipeline.RepoLock {
		toLock = allRepos
	}

	for _, repoID := range toLock {
		lock := m.getRepoLock(projectID, repoID)
		lock.mu.RLock()
		guard.locks = append(guard.locks, lock)
	}
	return guard
}

// WriteRepo acquires a write guard on one repo, used by the background
// update_repo path during pull/untar. Blocks until all active stage-readers
// release, per the ordering guarantee in spec §4.4.
func (m *Manager) WriteRepo(projectID, repoID string) func() {
	lock := m.getRepoLock(projectID, repoID)
	lock.mu.Lock()
	return lock.mu.Unlock
}

// RunStage implements the acquisition protocol of spec §4.4's table,
// parameterized by strategy. repos/policy additionally gate the per-repo
// read locks held for the stage's duration (released together with the
// stage guard by the caller, since both are duration-of-stage resources).
func (m *Manager) RunStage(
	pipelineID, stageID string,
	run Cancelable,
	strategy pipeline.OverlapStrategy,
	projectID string,
	allRepos []string,
	repoPolicy *pipeline.StageRepos,
) (*StageGuard, *RepoReadGuard) {
	repoGuard := m.acquireRepoReadLocks(projectID, allRepos, repoPolicy)

	switch strategy {
	case pipeline.OverlapIgnore:
		return &StageGuard{}, repoGuard

	case pipeline.OverlapDisplace, pipeline.OverlapCancel:
		lock := m.getStageLock(pipelineID, stageID)

		interruptType := InterruptedDisplaced
		if strategy == pipeline.OverlapCancel {
			interruptType = InterruptedCanceled
		}

		// Write the interruption BEFORE awaiting the inner mutex, so the
		// outgoing holder observes it while still running.
		lock.interrupted.Lock()
		lock.interrupted.state = interruptType
		outgoing := lock.currentRun
		lock.interrupted.Unlock()

		if strategy == pipeline.OverlapCancel && outgoing != nil {
			outgoing.Cancel()
		}

		lock.mu.Lock()

		lock.interrupted.Lock()
		lock.interrupted.state = InterruptedNone
		lock.currentRun = run
		lock.interrupted.Unlock()

		return &StageGuard{lock: lock, held: true, interrupted: lock}, repoGuard

	case pipeline.OverlapWait:
		lock := m.getStageLock(pipelineID, stageID)
		lock.mu.Lock()
		lock.interrupted.Lock()
		lock.currentRun = run
		lock.interrupted.Unlock()
		return &StageGuard{lock: lock, held: true}, repoGuard

	default:
		return &StageGuard{}, repoGuard
	}
}
