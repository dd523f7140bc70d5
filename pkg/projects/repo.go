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
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tombee/uciforge/internal/gitutil"
	"github.com/tombee/uciforge/internal/triggers"
)

// RepoKind discriminates Repo's two management modes.
type RepoKind string

const (
	RepoRegular RepoKind = "regular"
	RepoManual  RepoKind = "manual"
)

// Repo is one of a project's declared source checkouts: either a regular
// git clone kept up to date from a branch, or a manually managed
// directory populated from an uploaded artifact.
type Repo struct {
	ID     string
	Path   string
	Kind   RepoKind
	Source string // Regular only
	Branch string // Regular only
}

// Diff is the result of one repo update: either a concrete changeset, or
// Whole when no file-level diff applies (first clone, or a manual
// artifact unpack).
type Diff struct {
	Whole         bool
	Changes       []string
	CommitMessage string
}

// IsEmpty reports whether the diff carries no changes at all -- a Whole
// diff is never empty, matching the original's Diff::is_empty.
func (d Diff) IsEmpty() bool {
	if d.Whole {
		return false
	}
	return len(d.Changes) == 0
}

// toTrigger converts a Diff into the triggers.Diff shape used for
// matching, keeping the two types independent since pkg/projects owns
// repo lifecycle and internal/triggers only needs to read it.
func (d Diff) toTrigger() triggers.Diff {
	return triggers.Diff{Whole: d.Whole, Changes: d.Changes, CommitMessage: d.CommitMessage}
}

// CloneIfMissing clones a Regular repo if its path isn't already a usable
// checkout, or creates the directory for a Manual repo so later steps can
// assume it exists.
func (r *Repo) CloneIfMissing(ctx context.Context) error {
	switch r.Kind {
	case RepoManual:
		return os.MkdirAll(r.Path, 0o755)
	default:
		exists, err := gitutil.CheckExists(ctx, r.Path)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		return gitutil.Clone(ctx, r.Source, r.Path)
	}
}

// Update refreshes the repo in place and reports what changed. artifact is
// required (and only meaningful) for Manual repos; it is an error to pass
// one for a Regular repo.
func (r *Repo) Update(ctx context.Context, artifact string) (Diff, error) {
	switch r.Kind {
	case RepoManual:
		if artifact == "" {
			return Diff{}, fmt.Errorf("repo %s is manually managed, must provide source artifact", r.ID)
		}
		if err := unpackArtifact(artifact, r.Path); err != nil {
			return Diff{}, err
		}
		return Diff{Whole: true}, nil

	default:
		if artifact != "" {
			return Diff{}, fmt.Errorf("artifact is specified for repo %s, but it's not manually managed", r.ID)
		}
		exists, err := gitutil.CheckExists(ctx, r.Path)
		if err != nil {
			return Diff{}, err
		}
		if !exists {
			if err := r.CloneIfMissing(ctx); err != nil {
				return Diff{}, err
			}
			return Diff{Whole: true}, nil
		}
		result, err := gitutil.Pull(ctx, r.Path, r.Branch)
		if err != nil {
			return Diff{}, err
		}
		return Diff{Changes: result.Changes, CommitMessage: result.CommitMessage}, nil
	}
}

// unpackArtifact replaces dir's contents with the tar.gz at artifactPath.
func unpackArtifact(artifactPath, dir string) error {
	f, err := os.Open(artifactPath)
	if err != nil {
		return fmt.Errorf("opening artifact: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("reading artifact gzip stream: %w", err)
	}
	defer gz.Close()

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clearing repo dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating repo dir: %w", err)
	}

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading artifact entry: %w", err)
		}
		target := filepath.Join(dir, header.Name)
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}

// Repos indexes a project's declared repos by id.
type Repos struct {
	ByID map[string]*Repo
}

// ListIDs returns every declared repo id, used to populate a run's
// repo-lock list before the scheduler enters any stage.
func (r *Repos) ListIDs() []string {
	ids := make([]string, 0, len(r.ByID))
	for id := range r.ByID {
		ids = append(ids, id)
	}
	return ids
}

// Get looks up a declared repo by id.
func (r *Repos) Get(id string) (*Repo, bool) {
	repo, ok := r.ByID[id]
	return repo, ok
}
