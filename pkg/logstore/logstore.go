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

// Package logstore persists per-run structured log lines as JSONL files
// under a bounded per-(project,pipeline) run queue, and streams them back.
package logstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/tombee/uciforge/pkg/rctx"
)

// DefaultQueueLimit is the number of runs kept per (project, pipeline)
// before the oldest finished one is evicted.
const DefaultQueueLimit = 1

// LogLine is one JSONL record in a run's log file.
type LogLine struct {
	Time     int64         `json:"time"`
	Text     string        `json:"text"`
	Level    rctx.LogLevel `json:"level"`
	Pipeline string        `json:"pipeline,omitempty"`
	Job      string        `json:"job,omitempty"`
}

// Store owns the runs-log directory and the bounded per-pipeline run
// queues that govern log-file retention.
type Store struct {
	dir string

	mu     sync.Mutex
	queues map[string]*pipelineQueue // key: project + "/" + pipeline
}

type pipelineQueue struct {
	pipelineID string
	limit      int
	order      []string // insertion order of run ids, oldest first
	finished   map[string]bool
}

// New wipes and recreates dir (mirroring the original's Runs::init, which
// removes any stale state from a prior process) and returns a Store rooted
// there.
func New(dir string) (*Store, error) {
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clearing runs log dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating runs log dir: %w", err)
	}
	return &Store{dir: dir, queues: make(map[string]*pipelineQueue)}, nil
}

func key(project, pipeline string) string { return project + "/" + pipeline }

func (s *Store) logPath(runID, pipelineID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%s.log", runID, pipelineID))
}

// Handle is the open, append-only log file for one active run.
type Handle struct {
	mu   sync.Mutex
	file *os.File
}

// Append writes one LogLine to the file as a JSONL record.
func (h *Handle) Append(line LogLine) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	encoded, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encoding log line: %w", err)
	}
	encoded = append(encoded, '\n')
	_, err = h.file.Write(encoded)
	return err
}

// Close finalizes the handle; subsequent Append calls are no-ops. Matches
// the original's "take the file, drop it" finalization — the file remains
// on disk, readable, until evicted.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	return err
}

// InitRun creates the run's log file, evicting the oldest run in the
// (project, pipeline) queue first if it is at capacity and that oldest run
// is already finished. A queue over capacity because the oldest run is
// still live is left over capacity rather than discarding live state.
func (s *Store) InitRun(project, pipeline, runID string) (*Handle, error) {
	s.mu.Lock()
	q, ok := s.queues[key(project, pipeline)]
	if !ok {
		q = &pipelineQueue{pipelineID: pipeline, limit: DefaultQueueLimit, finished: make(map[string]bool)}
		s.queues[key(project, pipeline)] = q
	}

	for len(q.order) >= q.limit {
		oldest := q.order[0]
		if !q.finished[oldest] {
			break
		}
		q.order = q.order[1:]
		delete(q.finished, oldest)
		if err := os.Remove(s.logPath(oldest, q.pipelineID)); err != nil && !os.IsNotExist(err) {
			s.mu.Unlock()
			return nil, fmt.Errorf("evicting old run log: %w", err)
		}
	}

	q.order = append(q.order, runID)
	s.mu.Unlock()

	file, err := os.Create(s.logPath(runID, pipeline))
	if err != nil {
		return nil, fmt.Errorf("creating run log file: %w", err)
	}
	return &Handle{file: file}, nil
}

// MarkFinished records that runID in (project, pipeline) has reached a
// terminal status, making it eligible for eviction by a future InitRun.
func (s *Store) MarkFinished(project, pipeline, runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[key(project, pipeline)]; ok {
		q.finished[runID] = true
	}
}

// OpenLogStream reopens a run's log file read-only and returns a channel of
// parsed rctx.Events, one per LogLine record. Non-event (unparsable) lines
// are skipped silently; a partially written final line (EOF mid-line) ends
// the stream without error.
func (s *Store) OpenLogStream(project, pipeline, runID string) (<-chan rctx.Event, error) {
	file, err := os.Open(s.logPath(runID, pipeline))
	if err != nil {
		return nil, fmt.Errorf("opening run log: %w", err)
	}

	out := make(chan rctx.Event, 64)
	go func() {
		defer close(out)
		defer file.Close()
		reader := bufio.NewReader(file)
		for {
			line, err := reader.ReadString('\n')
			if len(line) > 0 {
				if event, ok := parseLogLine(line); ok {
					out <- event
				}
			}
			if err != nil {
				if err != io.EOF {
					return
				}
				return
			}
		}
	}()
	return out, nil
}

func parseLogLine(line string) (rctx.Event, bool) {
	var ll LogLine
	if err := json.Unmarshal([]byte(line), &ll); err != nil {
		return rctx.Event{}, false
	}
	if ll.Pipeline == "" || ll.Job == "" {
		return rctx.Event{}, false
	}
	return rctx.NewLog(ll.Pipeline, ll.Job, ll.Level, ll.Text, ll.Time), true
}
