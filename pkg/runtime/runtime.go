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

// Package runtime adapts the container engine operations the step executor
// needs (spec §4.5) onto the Docker Engine API.
package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// Runtime wraps a Docker Engine client with the narrow surface the step
// executor drives: build, run, stop, exec, and log tailing.
type Runtime struct {
	client *client.Client
}

// New connects to the Docker daemon named by host (empty uses the client's
// DOCKER_HOST/default-socket resolution via NewClientWithOpts).
func New(host string) (*Runtime, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	c, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Runtime{client: c}, nil
}

// Close closes the underlying Docker client.
func (r *Runtime) Close() error { return r.client.Close() }

// BuildSource names what to build an image from: a directory (tarred up
// on the fly) or a pre-built tar file, both evaluated relative to a
// project's checkout root.
type BuildSource struct {
	Directory  string
	Tar        string
	Dockerfile string
}

// BuildImage builds or pulls an image depending on the source kind: a
// Directory or Tar source triggers a local build; neither present means
// the step names a remote image to pull instead.
func (r *Runtime) BuildImage(ctx context.Context, src BuildSource, tag string) error {
	if src.Directory == "" && src.Tar == "" {
		return r.pullImage(ctx, tag)
	}

	var buildCtx io.Reader
	if src.Tar != "" {
		f, err := os.Open(src.Tar)
		if err != nil {
			return fmt.Errorf("opening build context tar: %w", err)
		}
		defer f.Close()
		buildCtx = f
	} else {
		tarball, err := tarDirectory(src.Directory)
		if err != nil {
			return fmt.Errorf("tarring build context: %w", err)
		}
		buildCtx = tarball
	}

	dockerfile := src.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	resp, err := r.client.ImageBuild(ctx, buildCtx, buildImageOptions(tag, dockerfile))
	if err != nil {
		return fmt.Errorf("building image %s: %w", tag, err)
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

func buildImageOptions(tag, dockerfile string) build.ImageBuildOptions {
	return build.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: dockerfile,
		Remove:     true,
	}
}

func (r *Runtime) pullImage(ctx context.Context, ref string) error {
	out, err := r.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer out.Close()
	_, err = io.Copy(io.Discard, out)
	return err
}

func tarDirectory(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// PortMapping is one parsed `[host_ip:]host_port:container_port[/proto]`
// entry from a RunContainer step.
type PortMapping struct {
	HostIP        string
	HostPort      string
	ContainerPort string
	Proto         string
}

// ParsePortMapping parses the host:container port syntax from spec §4.5.
func ParsePortMapping(spec string) (PortMapping, error) {
	proto := "tcp"
	if idx := strings.LastIndex(spec, "/"); idx != -1 {
		proto = spec[idx+1:]
		spec = spec[:idx]
	}

	parts := strings.Split(spec, ":")
	var m PortMapping
	switch len(parts) {
	case 2:
		m = PortMapping{HostPort: parts[0], ContainerPort: parts[1]}
	case 3:
		m = PortMapping{HostIP: parts[0], HostPort: parts[1], ContainerPort: parts[2]}
	default:
		return PortMapping{}, fmt.Errorf("invalid port mapping %q", spec)
	}
	if _, err := strconv.Atoi(m.ContainerPort); err != nil {
		return PortMapping{}, fmt.Errorf("invalid container port in %q: %w", spec, err)
	}
	m.Proto = proto
	return m, nil
}

// RunContainerSpec is the runtime-level request to create and start one
// container.
type RunContainerSpec struct {
	Name     string
	Image    string
	Ports    []string
	Volumes  map[string]string
	Networks []string
	Env      map[string]string
	Hostname string
	Command  []string
	Restart  string
	Workdir  string
}

// RunContainer creates and starts a container, replacing any existing
// container of the same name first (a redeploy of an already-running
// service must not collide on the name).
func (r *Runtime) RunContainer(ctx context.Context, spec RunContainerSpec) (string, error) {
	_ = r.client.ContainerRemove(ctx, spec.Name, container.RemoveOptions{Force: true})

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range spec.Ports {
		mapping, err := ParsePortMapping(p)
		if err != nil {
			return "", err
		}
		port := nat.Port(fmt.Sprintf("%s/%s", mapping.ContainerPort, mapping.Proto))
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{HostIP: mapping.HostIP, HostPort: mapping.HostPort})
	}

	var binds []string
	for hostPath, containerPath := range spec.Volumes {
		binds = append(binds, fmt.Sprintf("%s:%s", hostPath, containerPath))
	}

	var env []string
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	restartPolicy := container.RestartPolicy{}
	switch spec.Restart {
	case "always":
		restartPolicy.Name = container.RestartPolicyAlways
	case "on_failure":
		restartPolicy.Name = container.RestartPolicyOnFailure
	}

	resp, err := r.client.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Env:          env,
			Hostname:     spec.Hostname,
			Cmd:          spec.Command,
			WorkingDir:   spec.Workdir,
			ExposedPorts: exposed,
		},
		&container.HostConfig{
			PortBindings:  bindings,
			Binds:         binds,
			RestartPolicy: restartPolicy,
		},
		&network.NetworkingConfig{},
		nil,
		spec.Name,
	)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", spec.Name, err)
	}

	for _, netName := range spec.Networks {
		if err := r.client.NetworkConnect(ctx, netName, resp.ID, nil); err != nil {
			return "", fmt.Errorf("connecting container %s to network %s: %w", spec.Name, netName, err)
		}
	}

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("starting container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

// EnsureNetwork creates the named bridge network if it does not already
// exist, matching spec §4.7 step 2's "ensure all declared networks and
// volumes exist" before any job in the run starts.
func (r *Runtime) EnsureNetwork(ctx context.Context, name string) error {
	existing, err := r.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return fmt.Errorf("listing networks: %w", err)
	}
	for _, n := range existing {
		if n.Name == name {
			return nil
		}
	}
	_, err = r.client.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return fmt.Errorf("creating network %s: %w", name, err)
	}
	return nil
}

// EnsureVolume creates the named local volume if it does not already
// exist.
func (r *Runtime) EnsureVolume(ctx context.Context, name string) error {
	if _, err := r.client.VolumeInspect(ctx, name); err == nil {
		return nil
	}
	_, err := r.client.VolumeCreate(ctx, volume.CreateOptions{Name: name, Driver: "local"})
	if err != nil {
		return fmt.Errorf("creating volume %s: %w", name, err)
	}
	return nil
}

// StopContainer stops and removes the named container. A missing
// container is not an error: stopping an already-gone service is a no-op.
func (r *Runtime) StopContainer(ctx context.Context, name string) error {
	timeout := 10
	if err := r.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stopping container %s: %w", name, err)
	}
	if err := r.client.ContainerRemove(ctx, name, container.RemoveOptions{}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("removing container %s: %w", name, err)
	}
	return nil
}

// ContainerLogs streams stdout/stderr from a container. With follow set it
// keeps streaming new output until ctx is canceled; otherwise the stream
// ends at the current end of the log.
func (r *Runtime) ContainerLogs(ctx context.Context, name string, follow bool, tail *int) (io.ReadCloser, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: follow}
	if tail != nil {
		opts.Tail = strconv.Itoa(*tail)
	}
	return r.client.ContainerLogs(ctx, name, opts)
}

// Exec runs a command inside a running container with stdout/stderr
// merged into a single stream, mirroring the native RunShell path's
// merged-output contract.
func (r *Runtime) Exec(ctx context.Context, containerName string, cmd []string, workdir string, env []string) (io.Reader, error) {
	created, err := r.client.ContainerExecCreate(ctx, containerName, container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		WorkingDir:   workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec in %s: %w", containerName, err)
	}

	attach, err := r.client.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("attaching exec in %s: %w", containerName, err)
	}
	return attach.Reader, nil
}
