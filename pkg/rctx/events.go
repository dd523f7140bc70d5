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

package rctx

// LogLevel is the severity of a single log line.
type LogLevel string

const (
	LogRegular LogLevel = "Regular"
	LogError   LogLevel = "Error"
	LogWarning LogLevel = "Warning"
)

// EventType discriminates the Event tagged-union sent over the run's
// websocket wire format.
type EventType string

const (
	EventStart          EventType = "Start"
	EventFinish         EventType = "Finish"
	EventCanceled       EventType = "Canceled"
	EventDisplaced      EventType = "Displaced"
	EventJobPending     EventType = "JobPending"
	EventJobSkipped     EventType = "JobSkipped"
	EventJobProgress    EventType = "JobProgress"
	EventJobFinished    EventType = "JobFinished"
	EventJobCanceled    EventType = "JobCanceled"
	EventLog            EventType = "Log"
	EventContainerLog   EventType = "ContainerLog"
	EventPullingRepo    EventType = "PullingRepo"
	EventRepoPulled     EventType = "RepoPulled"
	EventWholeRepo      EventType = "WholeRepoUpdated"
	EventFailedToPull   EventType = "FailedToPull"
	EventNoSuchRepo     EventType = "NoSuchRepo"
	EventCloneBegin     EventType = "Begin"
	EventCloningRepo    EventType = "ClonningRepo"
	EventRepoCloned     EventType = "RepoCloned"
	EventCloneFinish    EventType = "Finish"
	EventHeartbeat      EventType = "Heartbeat"
)

// Event is the discriminated-union message carried on a run's event bus and
// serialized as JSON to websocket subscribers. Only the fields relevant to
// Type are populated.
type Event struct {
	Type EventType `json:"type"`

	Pipeline string `json:"pipeline,omitempty"`
	JobID    string `json:"job_id,omitempty"`
	Step     *int   `json:"step,omitempty"`
	Error    *string `json:"error,omitempty"`

	// Log fields.
	Level     LogLevel `json:"t,omitempty"`
	Text      string   `json:"text,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`

	// ContainerLog fields.
	Container string `json:"container,omitempty"`

	// Repo-update progress fields.
	RepoID        string   `json:"repo_id,omitempty"`
	ChangedFiles  []string `json:"changed_files,omitempty"`
	CommitMessage string   `json:"commit_message,omitempty"`
}

// NewStart builds a Start event.
func NewStart(pipeline string) Event { return Event{Type: EventStart, Pipeline: pipeline} }

// NewFinish builds a Finish event with an optional error message.
func NewFinish(pipeline string, err *string) Event {
	return Event{Type: EventFinish, Pipeline: pipeline, Error: err}
}

// NewCanceled builds a Canceled event.
func NewCanceled(pipeline string) Event { return Event{Type: EventCanceled, Pipeline: pipeline} }

// NewDisplaced builds a Displaced event.
func NewDisplaced(pipeline string) Event { return Event{Type: EventDisplaced, Pipeline: pipeline} }

// NewJobPending builds a JobPending event.
func NewJobPending(pipeline, jobID string) Event {
	return Event{Type: EventJobPending, Pipeline: pipeline, JobID: jobID}
}

// NewJobSkipped builds a JobSkipped event.
func NewJobSkipped(pipeline, jobID string) Event {
	return Event{Type: EventJobSkipped, Pipeline: pipeline, JobID: jobID}
}

// NewJobProgress builds a JobProgress event.
func NewJobProgress(pipeline, jobID string, step int) Event {
	return Event{Type: EventJobProgress, Pipeline: pipeline, JobID: jobID, Step: &step}
}

// NewJobFinished builds a JobFinished event with an optional error message.
func NewJobFinished(pipeline, jobID string, err *string) Event {
	return Event{Type: EventJobFinished, Pipeline: pipeline, JobID: jobID, Error: err}
}

// NewJobCanceled builds a JobCanceled event.
func NewJobCanceled(pipeline, jobID string) Event {
	return Event{Type: EventJobCanceled, Pipeline: pipeline, JobID: jobID}
}

// NewLog builds a Log event.
func NewLog(pipeline, jobID string, level LogLevel, text string, timestampMS int64) Event {
	return Event{
		Type:      EventLog,
		Pipeline:  pipeline,
		JobID:     jobID,
		Level:     level,
		Text:      text,
		Timestamp: timestampMS,
	}
}

// NewContainerLog builds a ContainerLog event.
func NewContainerLog(container string, level LogLevel, text string, timestampMS int64) Event {
	return Event{
		Type:      EventContainerLog,
		Container: container,
		Level:     level,
		Text:      text,
		Timestamp: timestampMS,
	}
}

// NewPullingRepo builds the event sent before a repo update begins.
func NewPullingRepo(repoID string) Event {
	return Event{Type: EventPullingRepo, RepoID: repoID}
}

// NewRepoPulled builds the event sent after a successful incremental pull.
func NewRepoPulled(repoID string, changedFiles []string, commitMessage string) Event {
	return Event{Type: EventRepoPulled, RepoID: repoID, ChangedFiles: changedFiles, CommitMessage: commitMessage}
}

// NewWholeRepoUpdated builds the event sent after a full clone or artifact
// unpack, where no file-level diff is meaningful.
func NewWholeRepoUpdated(repoID string) Event {
	return Event{Type: EventWholeRepo, RepoID: repoID}
}

// NewFailedToPull builds the event sent when a repo update fails.
func NewFailedToPull(repoID, errMsg string) Event {
	return Event{Type: EventFailedToPull, RepoID: repoID, Error: &errMsg}
}

// NewNoSuchRepo builds the event sent when update_repo names an unknown
// repo id.
func NewNoSuchRepo(repoID string) Event {
	return Event{Type: EventNoSuchRepo, RepoID: repoID}
}

// NewCloneBegin builds the event sent before the batch of missing-repo
// clones starts.
func NewCloneBegin() Event { return Event{Type: EventCloneBegin} }

// NewCloningRepo builds the event sent as one repo's clone starts.
func NewCloningRepo(repoID string) Event { return Event{Type: EventCloningRepo, RepoID: repoID} }

// NewRepoCloned builds the event sent as one repo's clone finishes.
func NewRepoCloned(repoID string) Event { return Event{Type: EventRepoCloned, RepoID: repoID} }

// NewCloneFinish builds the event sent after the batch of missing-repo
// clones finishes. It shares its wire Type with NewFinish ("Finish"); only
// the absence of a Pipeline field distinguishes a clone-batch completion
// from a pipeline completion, matching the original's separate but
// identically-named CloneMissingRepos::Finish / RunUpdate::Finish variants.
func NewCloneFinish() Event { return Event{Type: EventCloneFinish} }
