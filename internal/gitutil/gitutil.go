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

// Package gitutil wraps the git CLI operations a regular-mode repo needs:
// clone, fetch/pull with a changed-files diff, and existence/commit
// queries. Every call shells out to the git binary on PATH rather than
// linking a git implementation, matching how the original runner drove
// git.
package gitutil

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// PullResult is the outcome of a successful Fetch or Pull: the files that
// changed between the local branch tip and the remote tip, and the most
// recent commit message on the remote side.
type PullResult struct {
	Changes       []string
	CommitMessage string
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func lines(out string) []string {
	var result []string
	for _, line := range strings.Split(out, "\n") {
		if line != "" {
			result = append(result, line)
		}
	}
	return result
}

// Clone clones source into path, which must not already exist.
func Clone(ctx context.Context, source, path string) error {
	_, err := git(ctx, ".", "clone", source, path)
	return err
}

// CheckExists reports whether path holds a usable git checkout: it exists
// on disk and `git status` succeeds inside it.
func CheckExists(ctx context.Context, path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if _, err := git(ctx, path, "status"); err != nil {
		return false, nil
	}
	return true, nil
}

// Fetch fetches the remote and reports what changed on origin/branch
// relative to the local branch tip, without touching the working tree.
func Fetch(ctx context.Context, path, branch string) (PullResult, error) {
	if _, err := git(ctx, path, "fetch"); err != nil {
		return PullResult{}, err
	}
	remoteBranch := "origin/" + branch

	diffOut, err := git(ctx, path, "diff", "--name-only", branch, remoteBranch)
	if err != nil {
		return PullResult{}, err
	}
	msgOut, err := git(ctx, path, "log", "--format=%B", "-n", "1", remoteBranch)
	if err != nil {
		return PullResult{}, err
	}
	return PullResult{
		Changes:       lines(diffOut),
		CommitMessage: strings.TrimRight(msgOut, "\n"),
	}, nil
}

// Pull fetches and then fast-forwards the working tree to origin/branch
// with a hard reset, returning the same diff Fetch would have.
func Pull(ctx context.Context, path, branch string) (PullResult, error) {
	result, err := Fetch(ctx, path, branch)
	if err != nil {
		return PullResult{}, err
	}
	if _, err := git(ctx, path, "checkout", branch); err != nil {
		return PullResult{}, err
	}
	if _, err := git(ctx, path, "reset", "--hard", "origin/"+branch); err != nil {
		return PullResult{}, err
	}
	return result, nil
}

// CurrentCommit returns the hash HEAD points at.
func CurrentCommit(ctx context.Context, path string) (string, error) {
	out, err := git(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	ls := lines(out)
	if len(ls) == 0 {
		return "", fmt.Errorf("no current commit in %s", path)
	}
	return ls[0], nil
}

// Archive writes a tar.gz snapshot of HEAD to destPath.
func Archive(ctx context.Context, path, destPath string) error {
	_, err := git(ctx, path, "archive", "--format", "tar.gz", "HEAD", "-o", destPath)
	return err
}
