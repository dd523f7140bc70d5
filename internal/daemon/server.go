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

// Package daemon implements the non-normative HTTP/WebSocket surface
// described in spec §6: a thin transport shell around pkg/projects.Manager,
// with no business logic of its own.
package daemon

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/uciforge/internal/daemon/auth"
	"github.com/tombee/uciforge/internal/daemon/httputil"
	"github.com/tombee/uciforge/internal/daemon/ws"
	"github.com/tombee/uciforge/internal/metrics"
	"github.com/tombee/uciforge/pkg/projects"
	"github.com/tombee/uciforge/pkg/rctx"
)

// Version is the daemon's reported build version, set by main via ldflags.
var Version = "dev"

// Router is the daemon's HTTP surface: every route is a thin adapter over
// a Manager call, built on a *http.ServeMux wrapped for middleware and
// registered with Go 1.22's "METHOD /path" mux patterns.
type Router struct {
	mux     *http.ServeMux
	manager *projects.Manager
	auth    *auth.BearerAuthenticator
	tokens  map[string]string
	handler http.Handler
}

// RouterConfig wires a Router's collaborators.
type RouterConfig struct {
	Manager *projects.Manager
	Tokens  map[string]string
}

// NewRouter builds the daemon's route table.
func NewRouter(cfg RouterConfig) *Router {
	rt := &Router{
		mux:     http.NewServeMux(),
		manager: cfg.Manager,
		auth:    auth.NewBearerAuthenticator(),
		tokens:  cfg.Tokens,
	}

	rt.mux.HandleFunc("GET /v1/health", rt.handleHealth)
	rt.mux.HandleFunc("GET /v1/version", rt.handleVersion)
	rt.mux.Handle("GET /metrics", promhttp.Handler())

	rt.mux.HandleFunc("GET /api/projects", rt.handleListProjects)
	rt.mux.HandleFunc("GET /api/projects/{project}", rt.handleGetProject)
	rt.mux.HandleFunc("POST /api/projects/{project}/init", rt.handleInitProject)
	rt.mux.HandleFunc("POST /api/projects/{project}/pipelines/{pipeline}/run", rt.handleRunPipeline)
	rt.mux.HandleFunc("GET /api/projects/{project}/pipelines/{pipeline}/runs", rt.handleListRuns)
	rt.mux.HandleFunc("GET /api/projects/{project}/pipelines/{pipeline}/runs/{run}", rt.handleGetRun)
	rt.mux.HandleFunc("POST /api/projects/{project}/pipelines/{pipeline}/runs/{run}/cancel", rt.handleCancelRun)
	rt.mux.HandleFunc("GET /api/projects/{project}/pipelines/{pipeline}/runs/{run}/log", rt.handleRunLog)
	rt.mux.HandleFunc("POST /api/projects/{project}/repos/{repo}/update", rt.handleUpdateRepo)
	rt.mux.HandleFunc("POST /api/projects/{project}/triggers/{trigger}", rt.handleCallTrigger)

	rt.mux.HandleFunc("GET /ws/{run}", rt.handleWebsocket)

	rt.handler = rt.withMetrics(rt.withAuth(rt.mux))
	return rt
}

// ServeHTTP makes Router an http.Handler, wrapping every request in the
// auth and metrics middleware chain built once in NewRouter.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.handler.ServeHTTP(w, r)
}

// withAuth rejects requests without a valid bearer token. Health, version,
// and metrics are exempt so a load balancer or scraper needn't hold a
// token.
func (rt *Router) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/health", "/v1/version", "/metrics":
			next.ServeHTTP(w, r)
			return
		}
		if len(rt.tokens) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		token, err := rt.auth.ExtractBearerToken(r)
		if err != nil {
			httputil.WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		authorized := false
		for _, secret := range rt.tokens {
			if rt.auth.VerifyToken(token, secret) {
				authorized = true
				break
			}
		}
		if !authorized {
			httputil.WriteError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withMetrics times every request and observes it against
// metrics.HTTPRequestDuration, labeled by the matched mux pattern so
// path-parameterized routes aggregate instead of fragmenting per id.
func (rt *Router) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}
		metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, route, http.StatusText(sw.status)).
			Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) handleVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"version": Version})
}

func (rt *Router) handleListProjects(w http.ResponseWriter, r *http.Request) {
	ids, err := rt.manager.ListProjects()
	if err != nil {
		writeAPIError(w, "listing projects", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"projects": ids})
}

func (rt *Router) handleGetProject(w http.ResponseWriter, r *http.Request) {
	info, err := rt.manager.GetProjectInfo(r.PathValue("project"))
	if err != nil {
		writeAPIError(w, "loading project", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, info)
}

func (rt *Router) handleInitProject(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project")
	bus := rctx.NewBuffered()
	if err := rt.manager.Init(r.Context(), projectID, bus); err != nil {
		writeAPIError(w, "initializing project", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "initialized"})
}

type runPipelineRequest struct {
	DryRun bool `json:"dry_run"`
}

func (rt *Router) handleRunPipeline(w http.ResponseWriter, r *http.Request) {
	var body runPipelineRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "decoding request body: "+err.Error())
			return
		}
	}

	run, err := rt.manager.RunPipeline(r.Context(), r.PathValue("project"), r.PathValue("pipeline"), body.DryRun)
	if err != nil {
		writeAPIError(w, "running pipeline", err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, runSummary(run))
}

func (rt *Router) handleListRuns(w http.ResponseWriter, r *http.Request) {
	p, err := rt.manager.LoadProject(r.PathValue("project"))
	if err != nil {
		writeAPIError(w, "loading project", err)
		return
	}
	if _, ok := p.Pipelines[r.PathValue("pipeline")]; !ok {
		writeAPIError(w, "listing runs", pipelineNotFound(r))
		return
	}
	list := rt.manager.Engine.Registry.ListRuns(r.PathValue("project"), r.PathValue("pipeline"))
	out := make([]runSummaryT, 0, len(list))
	for _, run := range list {
		out = append(out, runSummary(run))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (rt *Router) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := rt.manager.Engine.Registry.Run(r.PathValue("project"), r.PathValue("pipeline"), r.PathValue("run"))
	if !ok {
		writeAPIError(w, "getting run", runNotFound(r))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, runSummary(run))
}

func (rt *Router) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, ok := rt.manager.Engine.Registry.Run(r.PathValue("project"), r.PathValue("pipeline"), r.PathValue("run"))
	if !ok {
		writeAPIError(w, "canceling run", runNotFound(r))
		return
	}
	run.Cancel()
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
}

func (rt *Router) handleRunLog(w http.ResponseWriter, r *http.Request) {
	projectID, pipelineID, runID := r.PathValue("project"), r.PathValue("pipeline"), r.PathValue("run")
	if _, ok := rt.manager.Engine.Registry.Run(projectID, pipelineID, runID); !ok {
		writeAPIError(w, "reading run log", runNotFound(r))
		return
	}
	stream, err := rt.manager.Engine.LogStore.OpenLogStream(projectID, pipelineID, runID)
	if err != nil {
		writeAPIError(w, "reading run log", err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for event := range stream {
		if err := enc.Encode(event); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (rt *Router) handleUpdateRepo(w http.ResponseWriter, r *http.Request) {
	artifact := r.URL.Query().Get("artifact")
	diff, err := rt.manager.UpdateRepo(r.Context(), r.PathValue("project"), r.PathValue("repo"), artifact)
	if err != nil {
		writeAPIError(w, "updating repo", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, diff)
}

func (rt *Router) handleCallTrigger(w http.ResponseWriter, r *http.Request) {
	fired, err := rt.manager.CallTrigger(r.Context(), r.PathValue("project"), r.PathValue("trigger"))
	if err != nil {
		writeAPIError(w, "calling trigger", err)
		return
	}
	out := make([]runSummaryT, 0, len(fired))
	for _, run := range fired {
		out = append(out, runSummary(run))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (rt *Router) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	run, ok := rt.manager.Engine.Registry.FindRun(r.PathValue("run"))
	if !ok {
		writeAPIError(w, "attaching to run", runNotFound(r))
		return
	}
	ws.Serve(w, r, run.Events(), run.Done())
}

func pipelineNotFound(r *http.Request) error {
	return notFoundErr("pipeline", r.PathValue("pipeline"))
}

func runNotFound(r *http.Request) error {
	return notFoundErr("run", r.PathValue("run"))
}
