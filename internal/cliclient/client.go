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

// Package cliclient is the uciforge CLI's only way of talking to the
// daemon: a small HTTP client with no business logic of its own, matching
// SPEC_FULL.md's description of the CLI as "consumers of the HTTP/
// WebSocket surface".
package cliclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Client talks to a running uciforged over HTTP.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// New returns a Client pointed at baseURL (e.g. "http://127.0.0.1:8090"),
// authenticating with token if non-empty.
func New(baseURL, token string) *Client {
	return &Client{BaseURL: baseURL, Token: token, HTTP: &http.Client{}}
}

// APIError is returned when the daemon responds with a non-2xx status.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("uciforged returned %d: %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("calling uciforged: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return &APIError{Status: resp.StatusCode, Message: string(data)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListProjects returns every known project id.
func (c *Client) ListProjects(ctx context.Context) ([]string, error) {
	var out struct {
		Projects []string `json:"projects"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/projects", nil, &out); err != nil {
		return nil, err
	}
	return out.Projects, nil
}

// ProjectInfo is the dashboard summary returned by GetProject.
type ProjectInfo struct {
	ID    string   `json:"ID"`
	Repos []string `json:"Repos"`
}

// GetProject fetches one project's summary.
func (c *Client) GetProject(ctx context.Context, projectID string) (ProjectInfo, error) {
	var out ProjectInfo
	err := c.do(ctx, http.MethodGet, "/api/projects/"+projectID, nil, &out)
	return out, err
}

// RunSummary is the JSON shape the daemon returns for a run.
type RunSummary struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	PipelineID string `json:"pipeline_id"`
	Status     string `json:"status"`
	DryRun     bool   `json:"dry_run"`
}

// RunPipeline triggers pipelineID within projectID, optionally as a dry run.
func (c *Client) RunPipeline(ctx context.Context, projectID, pipelineID string, dryRun bool) (RunSummary, error) {
	var out RunSummary
	path := fmt.Sprintf("/api/projects/%s/pipelines/%s/run", projectID, pipelineID)
	err := c.do(ctx, http.MethodPost, path, map[string]bool{"dry_run": dryRun}, &out)
	return out, err
}

// ListRuns returns every run recorded for one pipeline.
func (c *Client) ListRuns(ctx context.Context, projectID, pipelineID string) ([]RunSummary, error) {
	var out struct {
		Runs []RunSummary `json:"runs"`
	}
	path := fmt.Sprintf("/api/projects/%s/pipelines/%s/runs", projectID, pipelineID)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Runs, err
}

// GetRun fetches one run's current status.
func (c *Client) GetRun(ctx context.Context, projectID, pipelineID, runID string) (RunSummary, error) {
	var out RunSummary
	path := fmt.Sprintf("/api/projects/%s/pipelines/%s/runs/%s", projectID, pipelineID, runID)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// CancelRun requests cooperative cancellation of a running run.
func (c *Client) CancelRun(ctx context.Context, projectID, pipelineID, runID string) error {
	path := fmt.Sprintf("/api/projects/%s/pipelines/%s/runs/%s/cancel", projectID, pipelineID, runID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// StreamRunLog fetches the run's JSONL log as a newline-delimited stream
// and writes each raw line to w.
func (c *Client) StreamRunLog(ctx context.Context, projectID, pipelineID, runID string, w io.Writer) error {
	path := fmt.Sprintf("/api/projects/%s/pipelines/%s/runs/%s/log", projectID, pipelineID, runID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("calling uciforged: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return &APIError{Status: resp.StatusCode, Message: string(data)}
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// UpdateRepo pulls repoID's latest state, optionally from an uploaded
// artifact path, and returns the resulting diff as raw JSON (the diff
// shape is opaque to the CLI, matching spec's "no business logic" rule).
func (c *Client) UpdateRepo(ctx context.Context, projectID, repoID, artifact string) (json.RawMessage, error) {
	var out json.RawMessage
	path := fmt.Sprintf("/api/projects/%s/repos/%s/update", projectID, repoID)
	if artifact != "" {
		path += "?artifact=" + artifact
	}
	err := c.do(ctx, http.MethodPost, path, nil, &out)
	return out, err
}

// CallTrigger fires triggerID within projectID and returns the runs it
// started.
func (c *Client) CallTrigger(ctx context.Context, projectID, triggerID string) ([]RunSummary, error) {
	var out struct {
		Runs []RunSummary `json:"runs"`
	}
	path := fmt.Sprintf("/api/projects/%s/triggers/%s", projectID, triggerID)
	err := c.do(ctx, http.MethodPost, path, nil, &out)
	return out.Runs, err
}
