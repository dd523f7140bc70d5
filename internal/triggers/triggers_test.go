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

package triggers

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/uciforge/pkg/services"
)

func TestCallTriggerMatches(t *testing.T) {
	actions := NewActions(map[string][]Trigger{
		"deploy": {{
			On:           On{Kind: TriggerCall, ProjectID: "p", TriggerID: "t"},
			RunPipelines: []string{"build"},
		}},
	})
	matched := actions.GetMatchedActions(Event{Kind: EventCall, ProjectID: "p", TriggerID: "t"})
	require.Contains(t, matched.RunPipelines, "build")
}

func TestCallTriggerMismatchedTriggerID(t *testing.T) {
	actions := NewActions(map[string][]Trigger{
		"deploy": {{On: On{Kind: TriggerCall, ProjectID: "p", TriggerID: "t"}, RunPipelines: []string{"build"}}},
	})
	matched := actions.GetMatchedActions(Event{Kind: EventCall, ProjectID: "p", TriggerID: "other"})
	require.True(t, matched.IsEmpty())
}

func TestReposUpdatedWholeAlwaysMatches(t *testing.T) {
	actions := NewActions(map[string][]Trigger{
		"a": {{On: On{Kind: TriggerReposUpdated, RepoID: "r"}, RunPipelines: []string{"build"}}},
	})
	matched := actions.GetMatchedActions(Event{Kind: EventRepoUpdate, RepoID: "r", Diff: Diff{Whole: true}})
	require.Contains(t, matched.RunPipelines, "build")
}

func TestReposUpdatedOnlyExaminesFirstChangedFile(t *testing.T) {
	// Preserves the original matcher's quirk: the include pattern matches
	// the second file but not the first, yet the trigger still fails to
	// fire because only the first file is ever inspected.
	actions := NewActions(map[string][]Trigger{
		"a": {{
			On: On{
				Kind:     TriggerReposUpdated,
				RepoID:   "r",
				Patterns: []*regexp.Regexp{regexp.MustCompile(`^src/`)},
			},
			RunPipelines: []string{"build"},
		}},
	})
	matched := actions.GetMatchedActions(Event{
		Kind:   EventRepoUpdate,
		RepoID: "r",
		Diff:   Diff{Changes: []string{"README.md", "src/main.go"}},
	})
	require.True(t, matched.IsEmpty(), "only the first changed file is examined, so a later match must not fire the trigger")
}

func TestReposUpdatedMatchesOnFirstFile(t *testing.T) {
	actions := NewActions(map[string][]Trigger{
		"a": {{
			On: On{
				Kind:     TriggerReposUpdated,
				RepoID:   "r",
				Patterns: []*regexp.Regexp{regexp.MustCompile(`^src/`)},
			},
			RunPipelines: []string{"build"},
		}},
	})
	matched := actions.GetMatchedActions(Event{
		Kind:   EventRepoUpdate,
		RepoID: "r",
		Diff:   Diff{Changes: []string{"src/main.go", "README.md"}},
	})
	require.Contains(t, matched.RunPipelines, "build")
}

func TestReposUpdatedExcludeCommitMessage(t *testing.T) {
	actions := NewActions(map[string][]Trigger{
		"a": {{
			On: On{
				Kind:           TriggerReposUpdated,
				RepoID:         "r",
				Patterns:       []*regexp.Regexp{regexp.MustCompile(`.*`)},
				ExcludeCommits: []*regexp.Regexp{regexp.MustCompile(`\[skip ci\]`)},
			},
			RunPipelines: []string{"build"},
		}},
	})
	matched := actions.GetMatchedActions(Event{
		Kind:   EventRepoUpdate,
		RepoID: "r",
		Diff:   Diff{Changes: []string{"src/main.go"}, CommitMessage: "fix: thing [skip ci]"},
	})
	require.True(t, matched.IsEmpty())
}

func TestServiceActionsUnion(t *testing.T) {
	actions := NewActions(map[string][]Trigger{
		"a": {{
			On:       On{Kind: TriggerCall, ProjectID: "p", TriggerID: "t"},
			Services: map[string]services.Action{"web": {Kind: services.ActionDeploy}},
		}},
	})
	matched := actions.GetMatchedActions(Event{Kind: EventCall, ProjectID: "p", TriggerID: "t"})
	require.Contains(t, matched.Services, "web")
}
