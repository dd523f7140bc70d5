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

package daemon

import (
	uciforgeerrors "github.com/tombee/uciforge/pkg/errors"
	"github.com/tombee/uciforge/pkg/runs"
)

// runSummaryT is the JSON shape of a run returned from any API endpoint.
type runSummaryT struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	PipelineID string `json:"pipeline_id"`
	Status     string `json:"status"`
	DryRun     bool   `json:"dry_run"`
}

func runSummary(run *runs.Run) runSummaryT {
	return runSummaryT{
		ID:         run.ID,
		ProjectID:  run.ProjectID,
		PipelineID: run.PipelineID,
		Status:     string(run.Status()),
		DryRun:     run.DryRun(),
	}
}

func notFoundErr(resource, id string) error {
	return &uciforgeerrors.NotFoundError{Resource: resource, ID: id}
}
