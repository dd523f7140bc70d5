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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromRawConfigsDropsUnparsableEntryButKeepsOthers(t *testing.T) {
	raw := map[string]json.RawMessage{
		"good": json.RawMessage(`{"type":"telegram","token":"t","chat_id":"c","notify_jobs":true}`),
		"bad":  json.RawMessage(`not json`),
	}
	out := FromRawConfigs(raw)
	assert.Len(t, out, 1)
	assert.Contains(t, out, "good")
}

func TestFromRawConfigsDropsUnknownType(t *testing.T) {
	raw := map[string]json.RawMessage{
		"mystery": json.RawMessage(`{"type":"carrier-pigeon"}`),
	}
	out := FromRawConfigs(raw)
	assert.Empty(t, out)
}

func TestGitHubSetJobStatusPostsCommitStatus(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody githubStatusBody
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	gh := &GitHub{Token: "tok", BaseURL: server.URL, Client: server.Client()}

	err := gh.SetJobStatus(context.Background(), JobStatusReport{
		Repo:     "owner/repo",
		Revision: "abc123",
		State:    StateSuccess,
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, StateSuccess, gotBody.State)
	_ = gotPath
}

func TestTelegramSetJobStatusNoopsWhenNotifyJobsDisabled(t *testing.T) {
	var called bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	tg := &Telegram{Token: "t", ChatID: "c", NotifyJobs: false, Client: server.Client()}
	err := tg.SetJobStatus(context.Background(), JobStatusReport{JobID: "build", State: StateFailure})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestDispatcherSwallowsIndividualFailures(t *testing.T) {
	failing := failingIntegration{}
	d := NewDispatcher(map[string]Integration{"broken": &failing})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Notify(context.Background(), JobStatusReport{JobID: "job"})
	}()
	wg.Wait()
}

type failingIntegration struct{}

func (f *failingIntegration) Kind() Kind { return "broken" }
func (f *failingIntegration) SetJobStatus(ctx context.Context, report JobStatusReport) error {
	return assert.AnError
}
