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

// Package steps dispatches over the tagged Step union of spec §3/§4.5: one
// executor method per step kind, driven against a Runtime and reporting
// progress through a run's event bus.
package steps

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/tombee/uciforge/pkg/pipeline"
	"github.com/tombee/uciforge/pkg/rctx"
	"github.com/tombee/uciforge/pkg/runs"
	"github.com/tombee/uciforge/pkg/runtime"
)

// heartbeatInterval matches the original ServiceLogs task's 1s select!
// tick, used both as a keepalive and as the cadence for polling whether
// any subscriber is still attached.
const heartbeatInterval = time.Second

// Environment is the state threaded through one job's step sequence: the
// project's checkout root (for BuildImage's Directory source), its named
// links (host paths made available to native and containerized shells
// alike), and any networks a containerized RunShell container joins in
// addition to the step's own.
type Environment struct {
	RepoRoot string
	Links    map[string]string
	Networks []string
}

// Executor runs one Step at a time against a Runtime, publishing progress
// and log lines to the owning run's event bus.
type Executor struct {
	runtime *runtime.Runtime
}

// New returns an Executor backed by rt.
func New(rt *runtime.Runtime) *Executor {
	return &Executor{runtime: rt}
}

// EnvironmentResolver supplies the per-job Environment a JobRunner needs,
// since a job's repo checkout and links depend on the project owning its
// pipeline, which the scheduler has no knowledge of.
type EnvironmentResolver func(jobID string, job *pipeline.Job) Environment

// JobRunner adapts Executor to scheduler.JobRunner, running a job's Steps
// in sequence and stopping at the first failing step.
type JobRunner struct {
	Executor   *Executor
	PipelineID string
	Resolve    EnvironmentResolver
}

// RunJob executes job's Steps in order, honoring the run's cancellation
// signal between steps.
func (jr *JobRunner) RunJob(ctx context.Context, run *runs.Run, jobID string, job *pipeline.Job) error {
	var env Environment
	if jr.Resolve != nil {
		env = jr.Resolve(jobID, job)
	}
	for _, step := range job.Steps {
		select {
		case <-run.Done():
			return ctx.Err()
		default:
		}
		if err := jr.Executor.Run(ctx, run, jr.PipelineID, jobID, env, step); err != nil {
			return err
		}
	}
	return nil
}

// Run dispatches a single step by its Kind. Unknown or zero-value Kind is
// an error: the pipeline decoder is responsible for rejecting those before
// a step ever reaches execution.
func (e *Executor) Run(ctx context.Context, run *runs.Run, pipelineID, jobID string, env Environment, step pipeline.Step) error {
	switch step.Kind {
	case pipeline.StepBuildImage:
		return e.runBuildImage(ctx, env, step.BuildImage)
	case pipeline.StepRunContainer:
		return e.runRunContainer(ctx, step.RunContainer)
	case pipeline.StepStopContainer:
		return e.runStopContainer(ctx, step.StopContainer)
	case pipeline.StepRunShell:
		return e.runShell(ctx, run, pipelineID, jobID, env, step.RunShell)
	case pipeline.StepServiceLogs:
		return e.runServiceLogs(ctx, run, pipelineID, jobID, step.ServiceLogs)
	case pipeline.StepRequest:
		return e.runRequest(ctx, step.Request)
	case pipeline.StepParallel:
		return e.runParallel(ctx, run, pipelineID, jobID, env, step.Parallel)
	default:
		return fmt.Errorf("unsupported step kind %q", step.Kind)
	}
}

func (e *Executor) runBuildImage(ctx context.Context, env Environment, spec *pipeline.BuildImageSpec) error {
	if spec == nil {
		return fmt.Errorf("build_image step missing its spec")
	}
	var src runtime.BuildSource
	if spec.Source != nil {
		src.Dockerfile = spec.Source.Dockerfile
		if spec.Source.Directory != "" {
			src.Directory = filepath.Join(env.RepoRoot, spec.Source.Directory)
		}
		src.Tar = spec.Source.Tar
	}
	tag := spec.Tag
	if tag == "" {
		tag = spec.Image
	}
	return e.runtime.BuildImage(ctx, src, tag)
}

func (e *Executor) runRunContainer(ctx context.Context, spec *pipeline.RunContainerSpec) error {
	if spec == nil {
		return fmt.Errorf("run_container step missing its spec")
	}
	_, err := e.runtime.RunContainer(ctx, runtime.RunContainerSpec{
		Name:     spec.Name,
		Image:    spec.Image,
		Ports:    spec.Ports,
		Volumes:  spec.Volumes,
		Networks: spec.Networks,
		Env:      spec.Env,
		Hostname: spec.Hostname,
		Command:  spec.Command,
		Restart:  string(spec.Restart),
	})
	return err
}

func (e *Executor) runStopContainer(ctx context.Context, spec *pipeline.StopContainerSpec) error {
	if spec == nil {
		return fmt.Errorf("stop_container step missing its spec")
	}
	return e.runtime.StopContainer(ctx, spec.Name)
}

// runShell executes a RunShell step either natively (a subprocess on the
// daemon host, with links symlinked into a scratch directory) or inside a
// container (bind-mounting the script and links, then exec'ing).
func (e *Executor) runShell(ctx context.Context, run *runs.Run, pipelineID, jobID string, env Environment, spec *pipeline.RunShellSpec) error {
	if spec == nil {
		return fmt.Errorf("run_shell step missing its spec")
	}
	if spec.DockerImage != "" {
		return e.runShellContainerized(ctx, run, pipelineID, jobID, env, spec)
	}
	return e.runShellNative(ctx, run, pipelineID, jobID, env, spec)
}

func (e *Executor) runShellNative(ctx context.Context, run *runs.Run, pipelineID, jobID string, env Environment, spec *pipeline.RunShellSpec) error {
	workDir, err := os.MkdirTemp("", "uciforge-shell-*")
	if err != nil {
		return fmt.Errorf("creating shell workdir: %w", err)
	}
	defer os.RemoveAll(workDir)

	for name, target := range env.Links {
		if err := os.Symlink(target, filepath.Join(workDir, name)); err != nil {
			return fmt.Errorf("linking %s into shell workdir: %w", name, err)
		}
	}

	scriptPath := filepath.Join(workDir, "script.sh")
	if err := os.WriteFile(scriptPath, []byte(spec.Script), 0o755); err != nil {
		return fmt.Errorf("writing shell script: %w", err)
	}

	interpreter := spec.Interpreter
	if len(interpreter) == 0 {
		interpreter = []string{"/usr/bin/env", "bash"}
	}
	args := append(append([]string{}, interpreter[1:]...), scriptPath)
	cmd := exec.CommandContext(ctx, interpreter[0], args...)
	cmd.Dir = workDir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	return streamCommand(cmd, run, pipelineID, jobID)
}

// taskContextDir is the fixed in-container path a containerized RunShell
// step mounts its script and links under, matching the native path's
// scratch workdir but at a path stable across images.
const taskContextDir = "/tmp/task_context"

func (e *Executor) runShellContainerized(ctx context.Context, run *runs.Run, pipelineID, jobID string, env Environment, spec *pipeline.RunShellSpec) error {
	workDir, err := os.MkdirTemp("", "uciforge-shell-*")
	if err != nil {
		return fmt.Errorf("creating shell workdir: %w", err)
	}
	defer os.RemoveAll(workDir)

	scriptPath := filepath.Join(workDir, "script.sh")
	if err := os.WriteFile(scriptPath, []byte(spec.Script), 0o755); err != nil {
		return fmt.Errorf("writing shell script: %w", err)
	}
	containerScriptPath := taskContextDir + "/script.sh"

	volumes := map[string]string{scriptPath: containerScriptPath}
	for name, target := range env.Links {
		volumes[target] = taskContextDir + "/" + name
	}
	for hostPath, containerPath := range spec.Volumes {
		volumes[hostPath] = containerPath
	}

	containerEnv := map[string]string{}
	for k, v := range spec.Env {
		containerEnv[k] = v
	}

	containerName := fmt.Sprintf("uciforge-shell-%s", jobID)

	// The container is started idle and the script is exec'd into it,
	// rather than run as the container's own command, so the script runs
	// with its stdout/stderr attached the same way an interactive exec
	// would see them.
	id, err := e.runtime.RunContainer(ctx, runtime.RunContainerSpec{
		Name:     containerName,
		Image:    spec.DockerImage,
		Volumes:  volumes,
		Networks: append(append([]string{}, env.Networks...), spec.Networks...),
		Env:      containerEnv,
		Command:  []string{"tail", "-f", "/dev/null"},
		Workdir:  taskContextDir,
	})
	if err != nil {
		return fmt.Errorf("starting containerized shell: %w", err)
	}
	defer e.runtime.StopContainer(context.Background(), containerName)

	interpreter := spec.Interpreter
	if len(interpreter) == 0 {
		interpreter = []string{"/usr/bin/env", "bash"}
	}
	cmd := append(append([]string{}, interpreter...), containerScriptPath)

	var execEnv []string
	for k, v := range containerEnv {
		execEnv = append(execEnv, fmt.Sprintf("%s=%s", k, v))
	}

	output, err := e.runtime.Exec(ctx, id, cmd, taskContextDir, execEnv)
	if err != nil {
		return fmt.Errorf("executing containerized shell: %w", err)
	}
	return streamReader(output, run, pipelineID, jobID)
}

func streamCommand(cmd *exec.Cmd, run *runs.Run, pipelineID, jobID string) error {
	reader, writer := io.Pipe()
	cmd.Stdout = writer
	cmd.Stderr = writer

	done := make(chan error, 1)
	go func() {
		done <- cmd.Run()
		writer.Close()
	}()

	if err := streamReader(reader, run, pipelineID, jobID); err != nil {
		return err
	}
	return <-done
}

func streamReader(r io.Reader, run *runs.Run, pipelineID, jobID string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		run.Events().Send(rctx.NewLog(pipelineID, jobID, rctx.LogRegular, scanner.Text(), 0))
	}
	return scanner.Err()
}

// runServiceLogs tails a running container's output and republishes it as
// ContainerLog events, ticking a heartbeat once a second, and exiting as
// soon as no subscriber remains attached to the run (there is no point
// tailing logs nobody is watching).
func (e *Executor) runServiceLogs(ctx context.Context, run *runs.Run, pipelineID, jobID string, spec *pipeline.ServiceLogsSpec) error {
	if spec == nil {
		return fmt.Errorf("service_logs step missing its spec")
	}
	logs, err := e.runtime.ContainerLogs(ctx, spec.Container, spec.Follow, spec.Tail)
	if err != nil {
		return fmt.Errorf("attaching to %s logs: %w", spec.Container, err)
	}
	defer logs.Close()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(logs)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			run.Events().Send(rctx.NewContainerLog(spec.Container, rctx.LogRegular, line, 0))
		case <-ticker.C:
			if !run.Events().HasSubscribers() {
				return nil
			}
			run.Events().Heartbeat()
		}
	}
}

func (e *Executor) runRequest(ctx context.Context, spec *pipeline.RequestSpec) error {
	if spec == nil {
		return fmt.Errorf("request step missing its spec")
	}
	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if spec.Body != "" {
		body = bytes.NewBufferString(spec.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, spec.URL, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request to %s returned status %d", spec.URL, resp.StatusCode)
	}
	return nil
}

// runParallel fans its children out as plain goroutines sharing ctx
// unmodified, rather than an errgroup.WithContext derived context: one
// child failing must not cancel its siblings, since spec's join_all
// semantics let every child run to completion regardless of the others'
// outcome.
func (e *Executor) runParallel(ctx context.Context, run *runs.Run, pipelineID, jobID string, env Environment, spec *pipeline.ParallelSpec) error {
	if spec == nil {
		return fmt.Errorf("parallel step missing its spec")
	}

	var wg sync.WaitGroup
	errs := make([]error, len(spec.Steps))
	for i, sub := range spec.Steps {
		i, sub := i, sub
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = e.Run(ctx, run, pipelineID, jobID, env, sub)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
