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

package logstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/uciforge/pkg/rctx"
)

func TestInitRunCreatesLogFile(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	handle, err := store.InitRun("proj", "pipe", "run1")
	require.NoError(t, err)
	defer handle.Close()

	_, err = os.Stat(filepath.Join(dir, "run1-pipe.log"))
	assert.NoError(t, err)
}

func TestRoundTripLogLinesPreservesOrder(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	handle, err := store.InitRun("proj", "pipe", "run1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, handle.Append(LogLine{
			Time:     int64(i),
			Text:     "line",
			Level:    rctx.LogRegular,
			Pipeline: "pipe",
			Job:      "job",
		}))
	}
	require.NoError(t, handle.Close())

	stream, err := store.OpenLogStream("proj", "pipe", "run1")
	require.NoError(t, err)

	var got []int64
	for event := range stream {
		got = append(got, event.Timestamp)
	}
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, got)
}

func TestInitRunEvictsOldestFinishedRun(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	h1, err := store.InitRun("proj", "pipe", "run1")
	require.NoError(t, err)
	require.NoError(t, h1.Close())
	store.MarkFinished("proj", "pipe", "run1")

	_, err = store.InitRun("proj", "pipe", "run2")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "run1-pipe.log"))
	assert.True(t, os.IsNotExist(err), "evicted run's log should be removed")
}

func TestInitRunKeepsLiveOldestRunEvenOverCapacity(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	h1, err := store.InitRun("proj", "pipe", "run1")
	require.NoError(t, err)
	defer h1.Close()
	// run1 is not marked finished.

	_, err = store.InitRun("proj", "pipe", "run2")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "run1-pipe.log"))
	assert.NoError(t, err, "live run must not be discarded even over capacity")
}

func TestOpenLogStreamSkipsNonEventRecords(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	handle, err := store.InitRun("proj", "pipe", "run1")
	require.NoError(t, err)
	_, err = handle.file.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, handle.Append(LogLine{Text: "real", Level: rctx.LogRegular, Pipeline: "pipe", Job: "job"}))
	require.NoError(t, handle.Close())

	stream, err := store.OpenLogStream("proj", "pipe", "run1")
	require.NoError(t, err)

	var count int
	for event := range stream {
		count++
		assert.Equal(t, "real", event.Text)
	}
	assert.Equal(t, 1, count)
}
