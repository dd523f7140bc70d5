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
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/tombee/uciforge/internal/dynconf"
	"github.com/tombee/uciforge/internal/triggers"
	uciforgeerrors "github.com/tombee/uciforge/pkg/errors"
	"github.com/tombee/uciforge/pkg/pipeline"
	"github.com/tombee/uciforge/pkg/services"
)

// rawProject is the on-disk project.yaml schema: YAML the core never
// interprets beyond this manifest shape, per spec §1's "opaque loader"
// framing -- everything below it (params, pipeline bodies) is decoded
// straight into the domain types with no intermediate DSL.
type rawProject struct {
	Repos    map[string]rawRepo    `yaml:"repos"`
	Services map[string]rawService `yaml:"services"`
	Networks []string              `yaml:"networks"`
	Volumes  []string              `yaml:"volumes"`
	Actions  map[string][]rawTrigger `yaml:"actions"`
}

type rawRepo struct {
	Path   string `yaml:"path"`
	Source string `yaml:"source"`
	Branch string `yaml:"branch"`
	Manual bool   `yaml:"manual"`
}

type rawService struct {
	Image    string                    `yaml:"image"`
	Build    *pipeline.BuildImageSource `yaml:"build,omitempty"`
	Ports    []string                  `yaml:"ports,omitempty"`
	Volumes  map[string]string         `yaml:"volumes,omitempty"`
	Networks []string                  `yaml:"networks,omitempty"`
	Env      map[string]string         `yaml:"env,omitempty"`
	Command  []string                  `yaml:"command,omitempty"`
	Hostname string                    `yaml:"hostname,omitempty"`
	Restart  pipeline.RestartPolicy    `yaml:"restart,omitempty"`
}

type rawTrigger struct {
	On           rawOn                    `yaml:"on"`
	RunPipelines []string                 `yaml:"run_pipelines,omitempty"`
	Services     map[string]rawServiceAction `yaml:"services,omitempty"`
}

type rawOn struct {
	Call         *rawCallTrigger `yaml:"call,omitempty"`
	ReposUpdated *rawReposUpdated `yaml:"repos_updated,omitempty"`
}

type rawCallTrigger struct {
	TriggerID string `yaml:"trigger_id"`
}

type rawReposUpdated struct {
	Repo            string   `yaml:"repo"`
	Patterns        []string `yaml:"patterns,omitempty"`
	ExcludePatterns []string `yaml:"exclude_patterns,omitempty"`
	ExcludeCommits  []string `yaml:"exclude_commits,omitempty"`
}

type rawServiceAction struct {
	Action string `yaml:"action"`
	Build  bool   `yaml:"build,omitempty"`
	Follow bool   `yaml:"follow,omitempty"`
	Tail   *int   `yaml:"tail,omitempty"`
}

// Loader loads Projects from a directory tree: projectsRoot/<id>/project.yaml
// plus projectsRoot/<id>/pipelines/*.yaml.
type Loader struct {
	ProjectsRoot string
}

// NewLoader returns a Loader rooted at projectsRoot.
func NewLoader(projectsRoot string) *Loader {
	return &Loader{ProjectsRoot: projectsRoot}
}

// ListProjects enumerates the project ids present on disk, per spec
// §4.8's list_projects.
func (l *Loader) ListProjects() ([]string, error) {
	entries, err := os.ReadDir(l.ProjectsRoot)
	if err != nil {
		return nil, fmt.Errorf("reading projects root: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

func (l *Loader) projectDir(id string) string { return filepath.Join(l.ProjectsRoot, id) }

// Load reads and decodes one project's full configuration, substituting
// `${VAR}` references against the process environment first.
func (l *Loader) Load(id string) (*Project, error) {
	dir := l.projectDir(id)
	manifestPath := filepath.Join(dir, "project.yaml")
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, &uciforgeerrors.NotFoundError{Resource: "project", ID: id}
	}

	expanded, err := dynconf.Substitute(string(raw), os.Environ())
	if err != nil {
		return nil, &uciforgeerrors.ValidationError{Field: manifestPath, Message: err.Error()}
	}

	var manifest rawProject
	if err := yaml.Unmarshal([]byte(expanded), &manifest); err != nil {
		return nil, &uciforgeerrors.ValidationError{Field: manifestPath, Message: err.Error()}
	}

	repos := &Repos{ByID: make(map[string]*Repo, len(manifest.Repos))}
	for repoID, r := range manifest.Repos {
		kind := RepoRegular
		if r.Manual {
			kind = RepoManual
		}
		repos.ByID[repoID] = &Repo{
			ID:     repoID,
			Path:   resolveRepoPath(dir, r.Path),
			Kind:   kind,
			Source: r.Source,
			Branch: r.Branch,
		}
	}

	serviceSet := &services.Set{
		Services: make(map[string]*services.Service, len(manifest.Services)),
		Networks: manifest.Networks,
		Volumes:  manifest.Volumes,
	}
	for serviceID, s := range manifest.Services {
		serviceSet.Services[serviceID] = &services.Service{
			ID:       serviceID,
			Image:    s.Image,
			Build:    s.Build,
			Ports:    s.Ports,
			Volumes:  s.Volumes,
			Networks: s.Networks,
			Env:      s.Env,
			Command:  s.Command,
			Hostname: s.Hostname,
			Restart:  s.Restart,
		}
	}

	actions, err := decodeActions(id, manifest.Actions)
	if err != nil {
		return nil, &uciforgeerrors.ValidationError{Field: manifestPath, Message: err.Error()}
	}

	pipelines, err := loadPipelines(filepath.Join(dir, "pipelines"))
	if err != nil {
		return nil, err
	}

	return &Project{
		ID:        id,
		Repos:     repos,
		Pipelines: pipelines,
		Services:  serviceSet,
		Actions:   actions,
		Networks:  manifest.Networks,
		Volumes:   manifest.Volumes,
		Links:     linksForRepos(repos),
	}, nil
}

func resolveRepoPath(projectDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(projectDir, path)
}

func decodeActions(projectID string, raw map[string][]rawTrigger) (*triggers.Actions, error) {
	out := make(map[string][]triggers.Trigger, len(raw))
	for actionID, list := range raw {
		decoded := make([]triggers.Trigger, 0, len(list))
		for _, t := range list {
			on, err := decodeOn(projectID, t.On)
			if err != nil {
				return nil, fmt.Errorf("action %s: %w", actionID, err)
			}
			svcActions, err := decodeServiceActions(t.Services)
			if err != nil {
				return nil, fmt.Errorf("action %s: %w", actionID, err)
			}
			decoded = append(decoded, triggers.Trigger{
				On:           on,
				RunPipelines: t.RunPipelines,
				Services:     svcActions,
			})
		}
		out[actionID] = decoded
	}
	return triggers.NewActions(out), nil
}

func decodeOn(projectID string, raw rawOn) (triggers.On, error) {
	switch {
	case raw.Call != nil:
		return triggers.On{Kind: triggers.TriggerCall, ProjectID: projectID, TriggerID: raw.Call.TriggerID}, nil
	case raw.ReposUpdated != nil:
		patterns, err := compileAll(raw.ReposUpdated.Patterns)
		if err != nil {
			return triggers.On{}, err
		}
		excludePatterns, err := compileAll(raw.ReposUpdated.ExcludePatterns)
		if err != nil {
			return triggers.On{}, err
		}
		excludeCommits, err := compileAll(raw.ReposUpdated.ExcludeCommits)
		if err != nil {
			return triggers.On{}, err
		}
		return triggers.On{
			Kind:            triggers.TriggerReposUpdated,
			RepoID:          raw.ReposUpdated.Repo,
			Patterns:        patterns,
			ExcludePatterns: excludePatterns,
			ExcludeCommits:  excludeCommits,
		}, nil
	default:
		return triggers.On{}, fmt.Errorf("trigger must declare exactly one of call/repos_updated")
	}
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func decodeServiceActions(raw map[string]rawServiceAction) (map[string]services.Action, error) {
	out := make(map[string]services.Action, len(raw))
	for serviceID, a := range raw {
		kind := services.ActionKind(a.Action)
		switch kind {
		case services.ActionDeploy, services.ActionStart, services.ActionStop, services.ActionRestart, services.ActionLogs:
		default:
			return nil, fmt.Errorf("service %s: unknown action %q", serviceID, a.Action)
		}
		out[serviceID] = services.Action{Kind: kind, Build: a.Build, Follow: a.Follow, Tail: a.Tail}
	}
	return out, nil
}

func loadPipelines(dir string) (map[string]*pipeline.Pipeline, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]*pipeline.Pipeline{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading pipelines dir: %w", err)
	}

	out := make(map[string]*pipeline.Pipeline, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading pipeline %s: %w", path, err)
		}
		expanded, err := dynconf.Substitute(string(raw), os.Environ())
		if err != nil {
			return nil, &uciforgeerrors.ValidationError{Field: path, Message: err.Error()}
		}
		var pl pipeline.Pipeline
		if err := yaml.Unmarshal([]byte(expanded), &pl); err != nil {
			return nil, &uciforgeerrors.ValidationError{Field: path, Message: err.Error()}
		}
		if pl.ID == "" {
			return nil, &uciforgeerrors.ValidationError{Field: path, Message: "pipeline must declare an id"}
		}
		out[pl.ID] = &pl
	}
	return out, nil
}
