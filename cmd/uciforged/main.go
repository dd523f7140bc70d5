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

// Command uciforged runs the CI daemon: it loads projects from disk on
// demand and exposes the HTTP/WebSocket surface in internal/daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/uciforge/internal/daemon"
	"github.com/tombee/uciforge/internal/dynconf"
	"github.com/tombee/uciforge/internal/lifecycle"
	"github.com/tombee/uciforge/internal/log"
	"github.com/tombee/uciforge/pkg/locks"
	"github.com/tombee/uciforge/pkg/logstore"
	"github.com/tombee/uciforge/pkg/projects"
	"github.com/tombee/uciforge/pkg/runs"
	"github.com/tombee/uciforge/pkg/runtime"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configPath string
		pidFile    string
		dockerHost string
	)

	root := &cobra.Command{
		Use:     "uciforged",
		Short:   "Self-hosted CI daemon",
		Version: fmt.Sprintf("%s (commit %s)", version, commit),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, pidFile, dockerHost)
		},
	}
	flags := root.Flags()
	flags.StringVar(&configPath, "config", "/etc/uciforge/uciforged.yaml", "path to the daemon's service config")
	flags.StringVar(&pidFile, "pidfile", "/run/uciforged.pid", "path to the daemon's pidfile")
	flags.StringVar(&dockerHost, "docker-host", "", "Docker daemon socket (empty uses DOCKER_HOST or the default socket)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, pidFile, dockerHost string) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := dynconf.LoadServiceConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	lifecycleLog := lifecycle.NewLifecycleLogger(cfg.DataDir + "/lifecycle.log")
	_ = lifecycleLog.LogStart(version, os.Args[1:], configPath)

	pidManager := lifecycle.NewPIDFileManager(pidFile)
	if pidManager.Exists() {
		if existing, err := pidManager.Read(); err == nil && lifecycle.IsUciforgedProcess(existing) {
			_ = lifecycleLog.LogAlreadyRunning(existing)
			return fmt.Errorf("uciforged already running with pid %d", existing)
		}
		_ = lifecycleLog.LogStalePID(0, "pidfile present but process not running")
		_ = pidManager.Remove()
	}
	if err := pidManager.Create(os.Getpid()); err != nil {
		_ = lifecycleLog.LogStartFailure(err)
		return fmt.Errorf("writing pidfile: %w", err)
	}
	defer pidManager.Remove()

	rt, err := runtime.New(dockerHost)
	if err != nil {
		_ = lifecycleLog.LogStartFailure(err)
		return fmt.Errorf("connecting to container runtime: %w", err)
	}
	defer rt.Close()

	logStore, err := logstore.New(cfg.RunsLogDir)
	if err != nil {
		_ = lifecycleLog.LogStartFailure(err)
		return fmt.Errorf("opening run log store: %w", err)
	}

	registry := runs.NewRegistry()
	lockManager := locks.NewManager()
	engine := projects.NewEngine(lockManager, rt, registry, logStore)
	loader := projects.NewLoader(cfg.ProjectsRoot)
	manager := projects.NewManager(loader, engine)

	router := daemon.NewRouter(daemon.RouterConfig{Manager: manager, Tokens: cfg.Tokens})
	daemon.Version = version

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	start := time.Now()
	go func() {
		logger.Info("uciforged listening", slog.String("addr", cfg.BindAddr))
		errCh <- server.ListenAndServe()
	}()

	healthEndpoint := fmt.Sprintf("http://%s/v1/health", addrForHealthCheck(cfg.BindAddr))
	healthChecker := lifecycle.NewHealthChecker(healthEndpoint)
	go func() {
		if err := healthChecker.WaitUntilHealthy(10 * time.Second); err != nil {
			_ = lifecycleLog.LogHealthCheckFailed(healthEndpoint, 0, 0, err)
			return
		}
		_ = lifecycleLog.LogStartSuccess(os.Getpid(), 1, time.Since(start))
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			_ = lifecycleLog.LogStopFailure(os.Getpid(), err)
			return fmt.Errorf("shutting down server: %w", err)
		}
		_ = lifecycleLog.LogStopSuccess(os.Getpid(), time.Since(start))
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = lifecycleLog.LogStartFailure(err)
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	}
}

// addrForHealthCheck rewrites a bind address with no host (":8090") to
// localhost, since HealthChecker dials it as a client.
func addrForHealthCheck(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "127.0.0.1" + addr
	}
	return addr
}
