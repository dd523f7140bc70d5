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

package integrations

import (
	"context"
	"fmt"
	"net/http"
)

// GitHub posts commit statuses to the GitHub REST API.
type GitHub struct {
	Token string `yaml:"token" json:"token"`
	// BaseURL overrides the GitHub API root, defaulting to
	// https://api.github.com. Only meant to be set by tests.
	BaseURL string `yaml:"-" json:"-"`
	Client  *http.Client
}

// Kind implements Integration.
func (g *GitHub) Kind() Kind { return KindGitHub }

type githubStatusBody struct {
	State       State  `json:"state"`
	Context     string `json:"context"`
	TargetURL   string `json:"target_url,omitempty"`
	Description string `json:"description,omitempty"`
}

// SetJobStatus posts a commit status to
// https://api.github.com/repos/{repo}/statuses/{rev}, using report.Repo in
// "owner/name" form and report.Revision as the commit SHA.
func (g *GitHub) SetJobStatus(ctx context.Context, report JobStatusReport) error {
	base := g.BaseURL
	if base == "" {
		base = "https://api.github.com"
	}
	url := fmt.Sprintf("%s/repos/%s/statuses/%s", base, report.Repo, report.Revision)
	body := githubStatusBody{
		State:       report.State,
		Context:     fmt.Sprintf("%s/%s", report.PipelineID, report.JobID),
		TargetURL:   report.TargetURL,
		Description: report.Description,
	}
	headers := map[string]string{
		"Authorization": "Bearer " + g.Token,
		"Accept":        "application/vnd.github+json",
	}
	return postJSON(ctx, g.Client, url, headers, body)
}
