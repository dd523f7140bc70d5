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

// Package services turns a declarative Service definition and an action
// into a synthetic single-job Pipeline, per spec §4.9: service actions are
// ordinary pipeline runs, just assembled on the fly instead of loaded from
// YAML.
package services

import (
	"fmt"

	"github.com/tombee/uciforge/pkg/pipeline"
)

// Service is one deployable unit: an image tag, how to build it, and how
// to run it as a container.
type Service struct {
	ID       string
	Image    string
	Build    *pipeline.BuildImageSource
	Ports    []string
	Volumes  map[string]string
	Networks []string
	Env      map[string]string
	Command  []string
	Hostname string
	Restart  pipeline.RestartPolicy
}

func (s *Service) containerName() string { return s.ID }

func (s *Service) buildStep() pipeline.Step {
	return pipeline.Step{
		Kind: pipeline.StepBuildImage,
		BuildImage: &pipeline.BuildImageSpec{
			Image:  s.Image,
			Tag:    s.Image,
			Source: s.Build,
		},
	}
}

func (s *Service) runStep() pipeline.Step {
	return pipeline.Step{
		Kind: pipeline.StepRunContainer,
		RunContainer: &pipeline.RunContainerSpec{
			Name:     s.containerName(),
			Image:    s.Image,
			Ports:    s.Ports,
			Volumes:  s.Volumes,
			Networks: s.Networks,
			Env:      s.Env,
			Restart:  s.Restart,
			Hostname: s.Hostname,
			Command:  s.Command,
		},
	}
}

func (s *Service) stopStep() pipeline.Step {
	return pipeline.Step{
		Kind:          pipeline.StepStopContainer,
		StopContainer: &pipeline.StopContainerSpec{Name: s.containerName()},
	}
}

func (s *Service) logsStep(follow bool, tail *int) pipeline.Step {
	return pipeline.Step{
		Kind: pipeline.StepServiceLogs,
		ServiceLogs: &pipeline.ServiceLogsSpec{
			Container: s.containerName(),
			Follow:    follow,
			Tail:      tail,
		},
	}
}

// Action is the tagged union of service lifecycle actions spec §4.9 names.
type Action struct {
	Kind  ActionKind
	Build bool // Start/Restart only
	// Logs-only fields.
	Follow bool
	Tail   *int
}

type ActionKind string

const (
	ActionDeploy  ActionKind = "deploy"
	ActionStart   ActionKind = "start"
	ActionStop    ActionKind = "stop"
	ActionRestart ActionKind = "restart"
	ActionLogs    ActionKind = "logs"
)

// Steps returns the ordered step list for s performing action, per the
// literal action -> steps table in spec §4.9.
func (s *Service) Steps(action Action) ([]pipeline.Step, error) {
	switch action.Kind {
	case ActionStart:
		if action.Build {
			return []pipeline.Step{s.buildStep(), s.runStep()}, nil
		}
		return []pipeline.Step{s.runStep()}, nil
	case ActionStop:
		return []pipeline.Step{s.stopStep()}, nil
	case ActionRestart:
		if action.Build {
			return []pipeline.Step{s.buildStep(), s.stopStep(), s.runStep()}, nil
		}
		return []pipeline.Step{s.stopStep(), s.runStep()}, nil
	case ActionDeploy:
		// Deploy is equivalent to Restart{build:true}.
		return []pipeline.Step{s.buildStep(), s.stopStep(), s.runStep()}, nil
	case ActionLogs:
		return []pipeline.Step{s.logsStep(action.Follow, action.Tail)}, nil
	default:
		return nil, fmt.Errorf("unknown service action %q", action.Kind)
	}
}

// BuildPipeline assembles the synthetic single-job pipeline for one
// service action, ready to hand to the scheduler exactly like a
// YAML-loaded pipeline. networks/volumes are the project-wide declared
// sets, matching the original's run_service_actions wiring every
// project network/volume into the ad hoc pipeline regardless of which
// service is acted on.
func (s *Service) BuildPipeline(action Action, networks, volumes []string) (*pipeline.Pipeline, error) {
	steps, err := s.Steps(action)
	if err != nil {
		return nil, err
	}
	jobID := fmt.Sprintf("%s@%s", action.Kind, s.ID)
	return &pipeline.Pipeline{
		ID: "service-action",
		Jobs: map[string]*pipeline.Job{
			jobID: {Steps: steps, Enabled: true},
		},
		Stages: map[string]*pipeline.Stage{
			pipeline.DefaultStage: {OverlapStrategy: pipeline.OverlapWait},
		},
		Networks: networks,
		Volumes:  volumes,
	}, nil
}

// Set indexes a project's declared services by id, and carries the
// project-wide network/volume sets the original's run_service_actions
// wires into every synthetic pipeline.
type Set struct {
	Services map[string]*Service
	Networks []string
	Volumes  []string
}

// Get looks up a declared service by id.
func (s *Set) Get(id string) (*Service, bool) {
	svc, ok := s.Services[id]
	return svc, ok
}

// BuildActionPipelines assembles one synthetic pipeline per
// (service, action) pair, failing the whole batch if any service id is
// unknown -- matching the original's eager validation before dispatch.
func (s *Set) BuildActionPipelines(actions map[string]Action) (map[string]*pipeline.Pipeline, error) {
	out := make(map[string]*pipeline.Pipeline, len(actions))
	for serviceID, action := range actions {
		svc, ok := s.Get(serviceID)
		if !ok {
			return nil, fmt.Errorf("no such service %s to run action on", serviceID)
		}
		pl, err := svc.BuildPipeline(action, s.Networks, s.Volumes)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", serviceID, err)
		}
		out[serviceID] = pl
	}
	return out, nil
}
