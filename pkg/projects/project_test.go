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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/uciforge/internal/triggers"
	"github.com/tombee/uciforge/pkg/locks"
	"github.com/tombee/uciforge/pkg/pipeline"
	"github.com/tombee/uciforge/pkg/rctx"
	"github.com/tombee/uciforge/pkg/scheduler"
	"github.com/tombee/uciforge/pkg/services"
)

func TestProjectInfo(t *testing.T) {
	p := &Project{
		ID: "demo",
		Repos: &Repos{ByID: map[string]*Repo{
			"app": {ID: "app"},
		}},
	}
	info := p.Info()
	require.Equal(t, "demo", info.ID)
	require.Equal(t, []string{"app"}, info.Repos)
}

func TestAnyFailed(t *testing.T) {
	require.False(t, anyFailed(map[string]scheduler.JobStatus{
		"a": scheduler.JobFinished,
		"b": scheduler.JobSkipped,
	}))
	require.True(t, anyFailed(map[string]scheduler.JobStatus{
		"a": scheduler.JobFinished,
		"b": scheduler.JobFailed,
	}))
}

func TestStrPtr(t *testing.T) {
	p := strPtr("boom")
	require.Equal(t, "boom", *p)
}

func TestRepoRootForSingleNeed(t *testing.T) {
	p := &Project{
		Repos: &Repos{ByID: map[string]*Repo{
			"app": {ID: "app", Path: "/checkouts/app"},
		}},
	}
	require.Equal(t, "/checkouts/app", p.repoRootFor(&pipeline.Job{Needs: []string{"app"}}))
}

func TestRepoRootForNoOrMultipleNeeds(t *testing.T) {
	p := &Project{Repos: &Repos{ByID: map[string]*Repo{}}}
	require.Equal(t, "", p.repoRootFor(&pipeline.Job{}))
	require.Equal(t, "", p.repoRootFor(&pipeline.Job{Needs: []string{"a", "b"}}))
}

func TestCloneMissingRepos(t *testing.T) {
	requireGit(t)
	source := filepath.Join(t.TempDir(), "source")
	initGitRepo(t, source)

	root := t.TempDir()
	p := &Project{
		ID: "demo",
		Repos: &Repos{ByID: map[string]*Repo{
			"app": {ID: "app", Kind: RepoRegular, Source: source, Path: filepath.Join(root, "app")},
		}},
	}

	e := &Engine{}
	bus := rctx.NewBuffered()
	require.NoError(t, e.CloneMissingRepos(context.Background(), p, bus))

	_, ok := p.Repos.Get("app")
	require.True(t, ok)
}

func TestHandleEventNoMatchReturnsNil(t *testing.T) {
	p := &Project{
		ID:      "demo",
		Actions: triggers.NewActions(map[string][]triggers.Trigger{}),
	}
	e := &Engine{}
	runs, err := e.HandleEvent(context.Background(), p, triggers.Event{Kind: triggers.EventCall, TriggerID: "nope"})
	require.NoError(t, err)
	require.Nil(t, runs)
}

func TestRunServiceActionsEmpty(t *testing.T) {
	e := &Engine{}
	runs, err := e.RunServiceActions(context.Background(), &Project{}, nil)
	require.NoError(t, err)
	require.Nil(t, runs)
}

func TestRunServiceActionsUnknownService(t *testing.T) {
	p := &Project{
		Services: &services.Set{Services: map[string]*services.Service{}},
	}
	e := &Engine{}
	_, err := e.RunServiceActions(context.Background(), p, map[string]services.Action{
		"ghost": {Kind: services.ActionStart},
	})
	require.Error(t, err)
}

func TestUpdateRepoUnknownRepo(t *testing.T) {
	p := &Project{
		ID:    "demo",
		Repos: &Repos{ByID: map[string]*Repo{}},
	}
	e := &Engine{Locks: locks.NewManager()}
	_, err := e.UpdateRepo(context.Background(), p, "ghost", "")
	require.Error(t, err)
}

func TestUpdateRepoManualWithArtifact(t *testing.T) {
	root := t.TempDir()
	dest := filepath.Join(root, "assets")
	p := &Project{
		ID: "demo",
		Repos: &Repos{ByID: map[string]*Repo{
			"assets": {ID: "assets", Kind: RepoManual, Path: dest},
		}},
		Actions: triggers.NewActions(map[string][]triggers.Trigger{}),
	}
	e := &Engine{Locks: locks.NewManager()}

	artifact := filepath.Join(root, "artifact.tar.gz")
	writeTestArtifact(t, artifact, map[string]string{"file.txt": "hi"})

	diff, err := e.UpdateRepo(context.Background(), p, "assets", artifact)
	require.NoError(t, err)
	require.True(t, diff.Whole)
}

func TestLinksForReposEngine(t *testing.T) {
	repos := &Repos{ByID: map[string]*Repo{
		"a": {ID: "a", Path: "/root/a"},
		"b": {ID: "b", Path: "/root/b"},
	}}
	links := linksForRepos(repos)
	require.Len(t, links, 2)
	require.Equal(t, "/root/a", links["a"])
	require.Equal(t, "/root/b", links["b"])
}
