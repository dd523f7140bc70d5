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

// Command uciforge is the CLI client for uciforged: a thin consumer of
// its HTTP/WebSocket surface with no business logic of its own.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/uciforge/internal/cliclient"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	daemonURL string
	token     string
)

func newClient() *cliclient.Client {
	return cliclient.New(daemonURL, token)
}

func main() {
	root := &cobra.Command{
		Use:     "uciforge",
		Short:   "CLI client for the uciforge CI daemon",
		Version: fmt.Sprintf("%s (commit %s)", version, commit),
	}
	root.PersistentFlags().StringVar(&daemonURL, "daemon", envOr("UCIFORGE_DAEMON", "http://127.0.0.1:8090"), "uciforged base URL")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("UCIFORGE_TOKEN"), "bearer token for the daemon")

	root.AddCommand(
		newProjectsCommand(),
		newPipelinesCommand(),
		newRunsCommand(),
		newReposCommand(),
		newTriggersCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newProjectsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "Inspect configured projects",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every project id",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := newClient().ListProjects(context.Background())
			if err != nil {
				return err
			}
			return printJSON(ids)
		},
	}, &cobra.Command{
		Use:   "get <project>",
		Short: "Show one project's repos",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := newClient().GetProject(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printJSON(info)
		},
	})
	return cmd
}

func newPipelinesCommand() *cobra.Command {
	var dryRun bool
	runCmd := &cobra.Command{
		Use:   "run <project> <pipeline>",
		Short: "Run a declared pipeline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := newClient().RunPipeline(context.Background(), args[0], args[1], dryRun)
			if err != nil {
				return err
			}
			return printJSON(run)
		},
	}
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "walk the pipeline DAG without executing any step")

	cmd := &cobra.Command{
		Use:   "pipelines",
		Short: "Run and inspect pipelines",
	}
	cmd.AddCommand(runCmd)
	return cmd
}

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and control pipeline runs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list <project> <pipeline>",
		Short: "List every recorded run of a pipeline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			runList, err := newClient().ListRuns(context.Background(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(runList)
		},
	}, &cobra.Command{
		Use:   "get <project> <pipeline> <run>",
		Short: "Show one run's status",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := newClient().GetRun(context.Background(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			return printJSON(run)
		},
	}, &cobra.Command{
		Use:   "cancel <project> <pipeline> <run>",
		Short: "Request cooperative cancellation of a run",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().CancelRun(context.Background(), args[0], args[1], args[2])
		},
	}, &cobra.Command{
		Use:   "log <project> <pipeline> <run>",
		Short: "Stream a run's JSONL log to stdout",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().StreamRunLog(context.Background(), args[0], args[1], args[2], os.Stdout)
		},
	})
	return cmd
}

func newReposCommand() *cobra.Command {
	var artifact string
	updateCmd := &cobra.Command{
		Use:   "update <project> <repo>",
		Short: "Pull or fetch a repo's latest state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			diff, err := newClient().UpdateRepo(context.Background(), args[0], args[1], artifact)
			if err != nil {
				return err
			}
			return printJSON(diff)
		},
	}
	updateCmd.Flags().StringVar(&artifact, "artifact", "", "path to an uploaded artifact to apply instead of pulling")

	cmd := &cobra.Command{
		Use:   "repos",
		Short: "Manage project repos",
	}
	cmd.AddCommand(updateCmd)
	return cmd
}

func newTriggersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "triggers",
		Short: "Fire manual triggers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "call <project> <trigger>",
		Short: "Fire a manual trigger",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			runList, err := newClient().CallTrigger(context.Background(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(runList)
		},
	})
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
