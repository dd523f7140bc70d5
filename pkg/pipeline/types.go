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

// Package pipeline defines the declarative data model the scheduler walks:
// pipelines, jobs, stages and steps, as produced by the (external, opaque)
// YAML configuration loader.
package pipeline

import "encoding/json"

// DefaultStage is the synthesized stage id used for jobs that declare no
// explicit stage.
const DefaultStage = "__default__"

// Pipeline is a DAG of jobs plus the stages, pre-existing resources and
// integrations it references.
type Pipeline struct {
	ID string `json:"id" yaml:"id"`

	// Jobs maps job id to its definition. The needs graph across all jobs
	// must be acyclic.
	Jobs map[string]*Job `json:"jobs" yaml:"jobs"`

	// Stages maps stage id to its overlap/lock policy.
	Stages map[string]*Stage `json:"stages" yaml:"stages"`

	// Networks and Volumes are pre-existing resource names ensured to
	// exist (idempotently) before the run starts.
	Networks []string `json:"networks,omitempty" yaml:"networks,omitempty"`
	Volumes  []string `json:"volumes,omitempty" yaml:"volumes,omitempty"`

	// Links maps a name to a host-side directory mounted into shell jobs.
	Links map[string]string `json:"links,omitempty" yaml:"links,omitempty"`

	// Integrations maps integration name to its opaque configuration.
	Integrations map[string]json.RawMessage `json:"integrations,omitempty" yaml:"integrations,omitempty"`
}

// Job is one DAG node: an ordered list of steps gated on a set of
// dependencies.
type Job struct {
	// Needs lists job ids that must finish before this job may start.
	Needs []string `json:"needs,omitempty" yaml:"needs,omitempty"`

	Steps []Step `json:"steps" yaml:"steps"`

	// Stage is the stage this job's steps execute under, if any.
	Stage string `json:"stage,omitempty" yaml:"stage,omitempty"`

	// Enabled, when false, makes the scheduler skip the job entirely.
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// OverlapStrategy governs what happens when a stage is entered while a
// prior run still holds it.
type OverlapStrategy string

const (
	OverlapIgnore    OverlapStrategy = "ignore"
	OverlapWait      OverlapStrategy = "wait"
	OverlapDisplace  OverlapStrategy = "displace"
	OverlapCancel    OverlapStrategy = "cancel"
)

// RepoLockPolicy is the per-repo lock direction a stage requests.
type RepoLockPolicy string

const (
	RepoLock   RepoLockPolicy = "lock"
	RepoUnlock RepoLockPolicy = "unlock"
)

// StageRepos is a stage's repo-lock policy: either a uniform policy applied
// to all repos touched by the run, or an explicit per-repo map.
type StageRepos struct {
	// All, when non-empty, applies to every repo in the run's repo list.
	All RepoLockPolicy `json:"all,omitempty" yaml:"all,omitempty"`

	// PerRepo, when non-empty, replaces All entirely: only the repos it maps
	// to RepoLock are locked. Nil/empty means All applies.
	PerRepo map[string]RepoLockPolicy `json:"per_repo,omitempty" yaml:"per_repo,omitempty"`
}

// Stage carries a concurrency overlap policy and optional repo-lock policy.
type Stage struct {
	OverlapStrategy OverlapStrategy `json:"overlap_strategy" yaml:"overlap_strategy"`
	Repos           *StageRepos     `json:"repos,omitempty" yaml:"repos,omitempty"`
}

// RestartPolicy mirrors the two restart policies the runtime supports.
type RestartPolicy string

const (
	RestartAlways    RestartPolicy = "always"
	RestartOnFailure RestartPolicy = "on_failure"
)

// StepKind discriminates the Step tagged-union.
type StepKind string

const (
	StepBuildImage    StepKind = "build_image"
	StepRunContainer  StepKind = "run_container"
	StepStopContainer StepKind = "stop_container"
	StepRunShell      StepKind = "run_shell"
	StepServiceLogs   StepKind = "service_logs"
	StepRequest       StepKind = "request"
	StepParallel      StepKind = "parallel"
)

// BuildImageSource is either a directory to tar-and-send, or a path to a
// pre-built tar archive. Exactly one of Directory/Tar is set.
type BuildImageSource struct {
	Directory  string `json:"directory,omitempty" yaml:"directory,omitempty"`
	Tar        string `json:"tar,omitempty" yaml:"tar,omitempty"`
	Dockerfile string `json:"dockerfile,omitempty" yaml:"dockerfile,omitempty"`
}

// BuildImageSpec builds (or, with no Source, pulls) an image tag.
type BuildImageSpec struct {
	Image  string            `json:"image" yaml:"image"`
	Tag    string            `json:"tag,omitempty" yaml:"tag,omitempty"`
	Source *BuildImageSource `json:"source,omitempty" yaml:"source,omitempty"`
}

// RunContainerSpec starts a container.
type RunContainerSpec struct {
	Name     string            `json:"name" yaml:"name"`
	Image    string            `json:"image" yaml:"image"`
	Ports    []string          `json:"ports,omitempty" yaml:"ports,omitempty"`
	Volumes  map[string]string `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	Networks []string          `json:"networks,omitempty" yaml:"networks,omitempty"`
	Env      map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Restart  RestartPolicy     `json:"restart,omitempty" yaml:"restart,omitempty"`
	Hostname string            `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	Command  []string          `json:"command,omitempty" yaml:"command,omitempty"`
}

// StopContainerSpec stops (and removes) a container by name, idempotently.
type StopContainerSpec struct {
	Name string `json:"name" yaml:"name"`
}

// RunShellSpec runs a script natively or inside a disposable container.
type RunShellSpec struct {
	Script      string            `json:"script" yaml:"script"`
	Interpreter []string          `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`
	DockerImage string            `json:"docker_image,omitempty" yaml:"docker_image,omitempty"`
	Volumes     map[string]string `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	Networks    []string          `json:"networks,omitempty" yaml:"networks,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// ServiceLogsSpec tails a container's logs.
type ServiceLogsSpec struct {
	Container string `json:"container" yaml:"container"`
	Follow    bool   `json:"follow" yaml:"follow"`
	Tail      *int   `json:"tail,omitempty" yaml:"tail,omitempty"`
}

// RequestSpec issues an HTTP call.
type RequestSpec struct {
	URL    string `json:"url" yaml:"url"`
	Method string `json:"method" yaml:"method"`
	Body   string `json:"body,omitempty" yaml:"body,omitempty"`
}

// ParallelSpec runs nested steps concurrently; it fails if any child fails
// but lets the others finish.
type ParallelSpec struct {
	Steps []Step `json:"steps" yaml:"steps"`
}

// Step is a tagged-variant union over the seven step kinds. Exactly the
// field matching Kind is populated.
type Step struct {
	Kind StepKind `json:"kind" yaml:"kind"`

	BuildImage    *BuildImageSpec    `json:"build_image,omitempty" yaml:"build_image,omitempty"`
	RunContainer  *RunContainerSpec  `json:"run_container,omitempty" yaml:"run_container,omitempty"`
	StopContainer *StopContainerSpec `json:"stop_container,omitempty" yaml:"stop_container,omitempty"`
	RunShell      *RunShellSpec      `json:"run_shell,omitempty" yaml:"run_shell,omitempty"`
	ServiceLogs   *ServiceLogsSpec   `json:"service_logs,omitempty" yaml:"service_logs,omitempty"`
	Request       *RequestSpec       `json:"request,omitempty" yaml:"request,omitempty"`
	Parallel      *ParallelSpec      `json:"parallel,omitempty" yaml:"parallel,omitempty"`
}
