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

package projects

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func TestDiffIsEmpty(t *testing.T) {
	require.True(t, Diff{}.IsEmpty())
	require.False(t, Diff{Whole: true}.IsEmpty())
	require.False(t, Diff{Changes: []string{"a.go"}}.IsEmpty())
}

func TestDiffToTrigger(t *testing.T) {
	d := Diff{Whole: true, Changes: []string{"a.go"}, CommitMessage: "msg"}
	trig := d.toTrigger()
	require.True(t, trig.Whole)
	require.Equal(t, []string{"a.go"}, trig.Changes)
	require.Equal(t, "msg", trig.CommitMessage)
}

func TestCloneIfMissingManualCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "manual-repo")
	repo := &Repo{ID: "m1", Path: dir, Kind: RepoManual}
	require.NoError(t, repo.CloneIfMissing(context.Background()))
	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestUpdateManualRepoRequiresArtifact(t *testing.T) {
	repo := &Repo{ID: "m1", Path: t.TempDir(), Kind: RepoManual}
	_, err := repo.Update(context.Background(), "")
	require.Error(t, err)
}

func TestUpdateRegularRepoRejectsArtifact(t *testing.T) {
	repo := &Repo{ID: "r1", Path: t.TempDir(), Kind: RepoRegular}
	_, err := repo.Update(context.Background(), "some.tar.gz")
	require.Error(t, err)
}

func TestUnpackArtifactWholeDiff(t *testing.T) {
	artifact := filepath.Join(t.TempDir(), "artifact.tar.gz")
	writeTestArtifact(t, artifact, map[string]string{"hello.txt": "hi"})

	dest := filepath.Join(t.TempDir(), "unpacked")
	repo := &Repo{ID: "m1", Path: dest, Kind: RepoManual}
	diff, err := repo.Update(context.Background(), artifact)
	require.NoError(t, err)
	require.True(t, diff.Whole)

	contents, err := os.ReadFile(filepath.Join(dest, "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "hi", string(contents))
}

func writeTestArtifact(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for name, contents := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(contents)),
		}))
		_, err := tw.Write([]byte(contents))
		require.NoError(t, err)
	}
}

func initGitRepo(t *testing.T, dir string) {
	t.Helper()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		require.NoError(t, cmd.Run())
	}
	require.NoError(t, os.MkdirAll(dir, 0o755))
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("hi"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial")
}

func TestCloneIfMissingRegularClonesFromSource(t *testing.T) {
	requireGit(t)
	source := filepath.Join(t.TempDir(), "source")
	initGitRepo(t, source)

	dest := filepath.Join(t.TempDir(), "dest")
	repo := &Repo{ID: "r1", Path: dest, Kind: RepoRegular, Source: source, Branch: "master"}
	require.NoError(t, repo.CloneIfMissing(context.Background()))

	_, err := os.Stat(filepath.Join(dest, "README"))
	require.NoError(t, err)
}

func TestReposListIDsAndGet(t *testing.T) {
	repos := &Repos{ByID: map[string]*Repo{
		"a": {ID: "a", Path: "/tmp/a"},
		"b": {ID: "b", Path: "/tmp/b"},
	}}
	ids := repos.ListIDs()
	require.Len(t, ids, 2)
	require.Contains(t, ids, "a")
	require.Contains(t, ids, "b")

	repo, ok := repos.Get("a")
	require.True(t, ok)
	require.Equal(t, "/tmp/a", repo.Path)

	_, ok = repos.Get("missing")
	require.False(t, ok)
}

func TestLinksForRepos(t *testing.T) {
	repos := &Repos{ByID: map[string]*Repo{
		"svc": {ID: "svc", Path: "/checkouts/svc"},
	}}
	links := linksForRepos(repos)
	require.Equal(t, "/checkouts/svc", links["svc"])
}
