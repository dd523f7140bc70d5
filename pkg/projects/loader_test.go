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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/uciforge/pkg/services"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestLoaderListProjects(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "alpha"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "beta"), 0o755))
	writeFile(t, filepath.Join(root, "not-a-project.txt"), "x")

	loader := NewLoader(root)
	ids, err := loader.ListProjects()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alpha", "beta"}, ids)
}

func TestLoaderLoadMissingProject(t *testing.T) {
	loader := NewLoader(t.TempDir())
	_, err := loader.Load("nope")
	require.Error(t, err)
}

func TestLoaderLoadFullProject(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "demo")

	writeFile(t, filepath.Join(dir, "project.yaml"), `
repos:
  app:
    path: app
    source: https://example.com/app.git
    branch: main
  assets:
    path: assets
    manual: true
services:
  web:
    image: demo/web
    ports:
      - "8080:8080"
networks:
  - demo-net
volumes:
  - demo-vol
actions:
  on-push:
    - on:
        repos_updated:
          repo: app
          patterns:
            - ".*\\.go$"
      run_pipelines:
        - build
      services:
        web:
          action: deploy
`)
	writeFile(t, filepath.Join(dir, "pipelines", "build.yaml"), `
id: build
jobs:
  test:
    enabled: true
    steps:
      - kind: run_shell
        run_shell:
          script: "go test ./..."
stages: {}
`)

	loader := NewLoader(root)
	p, err := loader.Load("demo")
	require.NoError(t, err)

	require.Equal(t, "demo", p.ID)
	require.Len(t, p.Repos.ByID, 2)

	app, ok := p.Repos.Get("app")
	require.True(t, ok)
	require.Equal(t, RepoRegular, app.Kind)
	require.Equal(t, filepath.Join(dir, "app"), app.Path)

	assets, ok := p.Repos.Get("assets")
	require.True(t, ok)
	require.Equal(t, RepoManual, assets.Kind)

	require.Contains(t, p.Services.Services, "web")
	require.Equal(t, []string{"demo-net"}, p.Networks)
	require.Equal(t, []string{"demo-vol"}, p.Volumes)

	require.Contains(t, p.Pipelines, "build")
	require.Equal(t, filepath.Join(dir, "app"), p.Links["app"])
	require.Equal(t, filepath.Join(dir, "assets"), p.Links["assets"])

	require.NotNil(t, p.Actions)
}

func TestLoaderLoadInvalidYAML(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "broken")
	writeFile(t, filepath.Join(dir, "project.yaml"), "repos: [this is not a map")

	loader := NewLoader(root)
	_, err := loader.Load("broken")
	require.Error(t, err)
}

func TestLoaderSubstitutesEnvVars(t *testing.T) {
	t.Setenv("DEMO_BRANCH", "release")

	root := t.TempDir()
	dir := filepath.Join(root, "envdemo")
	writeFile(t, filepath.Join(dir, "project.yaml"), `
repos:
  app:
    path: app
    source: https://example.com/app.git
    branch: ${DEMO_BRANCH}
`)

	loader := NewLoader(root)
	p, err := loader.Load("envdemo")
	require.NoError(t, err)
	repo, ok := p.Repos.Get("app")
	require.True(t, ok)
	require.Equal(t, "release", repo.Branch)
}

func TestDecodeServiceActionsRejectsUnknownAction(t *testing.T) {
	_, err := decodeServiceActions(map[string]rawServiceAction{
		"web": {Action: "explode"},
	})
	require.Error(t, err)
}

func TestDecodeServiceActionsAcceptsKnown(t *testing.T) {
	out, err := decodeServiceActions(map[string]rawServiceAction{
		"web": {Action: "deploy", Build: true},
	})
	require.NoError(t, err)
	require.Equal(t, services.Action{Kind: services.ActionDeploy, Build: true}, out["web"])
}

func TestLoadPipelinesEmptyDirWhenMissing(t *testing.T) {
	pipelines, err := loadPipelines(filepath.Join(t.TempDir(), "no-such-dir"))
	require.NoError(t, err)
	require.Empty(t, pipelines)
}

func TestLoadPipelinesRejectsMissingID(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "bad.yaml"), "jobs: {}")
	_, err := loadPipelines(dir)
	require.Error(t, err)
}
