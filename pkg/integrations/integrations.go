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

// Package integrations implements the closed set of external notifiers
// described in spec §4.6: GitHub commit statuses and Telegram messages,
// dispatched in parallel with per-integration failures swallowed.
package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// Kind is the closed enum of integration types. A pipeline's Integrations
// map is keyed by integration name; Kind is read from each entry's "type"
// field, per spec §3's Integrations field.
type Kind string

const (
	KindGitHub   Kind = "github"
	KindTelegram Kind = "telegram"
)

// State is a GitHub commit status state, lowercase per the wire contract
// this repo exposes (the original Rust source capitalizes "Error"
// inconsistently with its siblings; that inconsistency is not carried
// forward here).
type State string

const (
	StatePending State = "pending"
	StateSuccess State = "success"
	StateFailure State = "failure"
	StateError   State = "error"
)

// Integration is one configured notifier instance.
type Integration interface {
	Kind() Kind
	// SetJobStatus reports a job's outcome, e.g. as a GitHub commit status
	// or a Telegram message, depending on Kind.
	SetJobStatus(ctx context.Context, job JobStatusReport) error
}

// JobStatusReport carries everything an Integration might need to render a
// status update, independent of which Kind ends up consuming it.
type JobStatusReport struct {
	Repo        string
	Revision    string
	PipelineID  string
	JobID       string
	State       State
	TargetURL   string
	Description string
	NotifyJobs  bool
}

// config is the opaque per-integration YAML config, decoded minimally to
// determine which concrete Integration to build.
type config struct {
	Type Kind `yaml:"type" json:"type"`
}

// FromRawConfigs decodes a pipeline's Integrations map (name -> raw config)
// into concrete Integration instances. An integration whose config fails
// to decode is logged and dropped rather than failing the whole pipeline
// load, mirroring the per-integration non-fatal load failures this
// implementation recovers from the original's Integrations::from_map.
func FromRawConfigs(raw map[string]json.RawMessage) map[string]Integration {
	out := make(map[string]Integration, len(raw))
	for name, data := range raw {
		var c config
		if err := json.Unmarshal(data, &c); err != nil {
			slog.Warn("dropping integration with unparsable config", "name", name, "error", err)
			continue
		}
		integration, err := build(c.Type, data)
		if err != nil {
			slog.Warn("dropping integration with unsupported config", "name", name, "type", c.Type, "error", err)
			continue
		}
		out[name] = integration
	}
	return out
}

func build(kind Kind, data json.RawMessage) (Integration, error) {
	switch kind {
	case KindGitHub:
		var gh GitHub
		if err := json.Unmarshal(data, &gh); err != nil {
			return nil, fmt.Errorf("decoding github integration: %w", err)
		}
		if gh.Client == nil {
			gh.Client = http.DefaultClient
		}
		return &gh, nil
	case KindTelegram:
		var tg Telegram
		if err := json.Unmarshal(data, &tg); err != nil {
			return nil, fmt.Errorf("decoding telegram integration: %w", err)
		}
		if tg.Client == nil {
			tg.Client = http.DefaultClient
		}
		return &tg, nil
	default:
		return nil, fmt.Errorf("unknown integration type %q", kind)
	}
}

// Dispatcher fans a status report out to every configured integration
// concurrently. Per spec, one integration's failure never blocks or fails
// the others: each error is logged and swallowed.
type Dispatcher struct {
	integrations map[string]Integration
}

// NewDispatcher wraps a set of named integrations.
func NewDispatcher(integrations map[string]Integration) *Dispatcher {
	return &Dispatcher{integrations: integrations}
}

// Notify fans report out to every integration in parallel.
func (d *Dispatcher) Notify(ctx context.Context, report JobStatusReport) {
	group, groupCtx := errgroup.WithContext(ctx)
	for name, integration := range d.integrations {
		name, integration := name, integration
		group.Go(func() error {
			if err := integration.SetJobStatus(groupCtx, report); err != nil {
				slog.Warn("integration failed to report job status", "integration", name, "job", report.JobID, "error", err)
			}
			return nil
		})
	}
	_ = group.Wait()
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("request to %s returned status %d", url, resp.StatusCode)
	}
	return nil
}
