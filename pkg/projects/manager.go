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

package projects

import (
	"context"

	"github.com/tombee/uciforge/pkg/rctx"
	"github.com/tombee/uciforge/pkg/runs"
)

// Manager is the stateless-per-call service spec §4.8 describes: it
// reloads a Project from disk on every operation rather than caching, and
// holds only the process-wide engine each reload is run against.
type Manager struct {
	Loader *Loader
	Engine *Engine
}

// NewManager wires a Manager from a config-rooted Loader and the shared
// Engine.
func NewManager(loader *Loader, engine *Engine) *Manager {
	return &Manager{Loader: loader, Engine: engine}
}

// ListProjects enumerates every project id under the projects root.
func (m *Manager) ListProjects() ([]string, error) {
	return m.Loader.ListProjects()
}

// GetProjectInfo loads and immediately summarizes one project.
func (m *Manager) GetProjectInfo(projectID string) (ProjectInfo, error) {
	p, err := m.Loader.Load(projectID)
	if err != nil {
		return ProjectInfo{}, err
	}
	return p.Info(), nil
}

// LoadProject loads the full project configuration fresh from disk.
func (m *Manager) LoadProject(projectID string) (*Project, error) {
	return m.Loader.Load(projectID)
}

// UpdateRepo reloads the project, then pulls/fetches repoID and dispatches
// any trigger the resulting diff matches.
func (m *Manager) UpdateRepo(ctx context.Context, projectID, repoID, artifact string) (Diff, error) {
	p, err := m.Loader.Load(projectID)
	if err != nil {
		return Diff{}, err
	}
	return m.Engine.UpdateRepo(ctx, p, repoID, artifact)
}

// CallTrigger reloads the project, then fires the named manual trigger.
func (m *Manager) CallTrigger(ctx context.Context, projectID, triggerID string) ([]*runs.Run, error) {
	p, err := m.Loader.Load(projectID)
	if err != nil {
		return nil, err
	}
	return m.Engine.CallTrigger(ctx, p, triggerID)
}

// RunPipeline reloads the project, then runs the named declared pipeline.
// When dryRun is true, the scheduler still walks the full DAG and emits
// normal job events but skips every step's actual execution.
func (m *Manager) RunPipeline(ctx context.Context, projectID, pipelineID string, dryRun bool) (*runs.Run, error) {
	p, err := m.Loader.Load(projectID)
	if err != nil {
		return nil, err
	}
	return m.Engine.RunPipeline(ctx, p, pipelineID, dryRun)
}

// Init reloads projectID and clones any of its repos that aren't already
// checked out, matching spec §4.8's init operation for a freshly
// registered project. Progress is reported on bus.
func (m *Manager) Init(ctx context.Context, projectID string, bus *rctx.Context) error {
	p, err := m.Loader.Load(projectID)
	if err != nil {
		return err
	}
	return m.Engine.CloneMissingRepos(ctx, p, bus)
}
