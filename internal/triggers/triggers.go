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

// Package triggers matches incoming events (a manual trigger call, or a
// repo update) against a project's declared triggers, per spec §4.10.
package triggers

import (
	"regexp"

	"github.com/tombee/uciforge/pkg/services"
)

// Diff is what changed a repo update carries, mirroring pkg/projects'
// Diff: either a concrete file/commit-message changeset, or a Whole
// update where no file-level diff is meaningful (first clone, manual
// artifact repo).
type Diff struct {
	Whole         bool
	Changes       []string
	CommitMessage string
}

// EventKind discriminates Event.
type EventKind string

const (
	EventCall       EventKind = "call"
	EventRepoUpdate EventKind = "repo_update"
)

// Event is the tagged union of things that can fire a trigger.
type Event struct {
	Kind EventKind

	// Call fields.
	ProjectID string
	TriggerID string

	// RepoUpdate fields.
	RepoID string
	Diff   Diff
}

// TriggerKind discriminates Trigger.On.
type TriggerKind string

const (
	TriggerCall         TriggerKind = "call"
	TriggerReposUpdated TriggerKind = "repos_updated"
)

// On is the tagged union of what a Trigger fires on.
type On struct {
	Kind TriggerKind

	// Call fields.
	ProjectID string
	TriggerID string

	// ReposUpdated fields.
	RepoID          string
	Patterns        []*regexp.Regexp
	ExcludePatterns []*regexp.Regexp
	ExcludeCommits  []*regexp.Regexp
}

// Trigger is one entry under an action id: fires On, and when it does,
// contributes RunPipelines/Services to the matched EventActions.
type Trigger struct {
	On           On
	RunPipelines []string
	Services     map[string]services.Action
}

// checkMatched reports whether event fires t.On. The ReposUpdated branch
// preserves a quirk of the original matcher: it inspects only the first
// changed file in the diff and returns immediately, rather than scanning
// every changed file. A later include-pattern match on file #2 onward is
// never seen.
func (on On) checkMatched(event Event) bool {
	switch on.Kind {
	case TriggerCall:
		return event.Kind == EventCall && on.ProjectID == event.ProjectID && on.TriggerID == event.TriggerID
	case TriggerReposUpdated:
		if event.Kind != EventRepoUpdate || on.RepoID != event.RepoID {
			return false
		}
		if event.Diff.Whole {
			return true
		}
		for _, pattern := range on.ExcludeCommits {
			if pattern.MatchString(event.Diff.CommitMessage) {
				return false
			}
		}
		for _, diff := range event.Diff.Changes {
			matched := false
			for _, pattern := range on.Patterns {
				if pattern.MatchString(diff) {
					matched = true
				}
			}
			for _, pattern := range on.ExcludePatterns {
				if pattern.MatchString(diff) {
					matched = false
				}
			}
			return matched
		}
		return false
	default:
		return false
	}
}

// Actions is a project's full declared trigger table: action id to the
// ordered triggers that can fire it.
type Actions struct {
	actions map[string][]Trigger
}

// NewActions wraps a loaded action-id -> triggers map.
func NewActions(actions map[string][]Trigger) *Actions {
	return &Actions{actions: actions}
}

// EventActions is the union of everything every matched trigger
// contributes for one event.
type EventActions struct {
	RunPipelines map[string]struct{}
	Services     map[string]services.Action
}

// IsEmpty reports whether no trigger matched at all.
func (a EventActions) IsEmpty() bool {
	return len(a.RunPipelines) == 0 && len(a.Services) == 0
}

// GetMatchedActions evaluates every trigger across every action id
// against event and unions their contributions.
func (a *Actions) GetMatchedActions(event Event) EventActions {
	result := EventActions{
		RunPipelines: make(map[string]struct{}),
		Services:     make(map[string]services.Action),
	}
	for _, triggersForAction := range a.actions {
		for _, trigger := range triggersForAction {
			if !trigger.On.checkMatched(event) {
				continue
			}
			for _, pipelineID := range trigger.RunPipelines {
				result.RunPipelines[pipelineID] = struct{}{}
			}
			for serviceID, action := range trigger.Services {
				result.Services[serviceID] = action
			}
		}
	}
	return result
}
