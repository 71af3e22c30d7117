// Copyright 2025 Tom Barlow
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

package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/lattice/internal/assets"
	"github.com/tombee/lattice/internal/taskrun"
	"github.com/tombee/lattice/pkg/deps"
	"github.com/tombee/lattice/pkg/errors"
	"github.com/tombee/lattice/pkg/executor"
	"github.com/tombee/lattice/pkg/function"
	"github.com/tombee/lattice/pkg/status"
)

// TestHelperProcess is not a real test. It is the child process started by
// the executor under test.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 4 {
		fmt.Fprintln(os.Stderr, "usage: -- task-run --spec <path>")
		os.Exit(2)
	}
	specPath := args[3]

	switch os.Getenv("LATTICE_HELPER_MODE") {
	case "crash":
		os.Exit(3)
	case "hang":
		time.Sleep(time.Minute)
		os.Exit(0)
	}

	env := taskrun.Env{Functions: function.NewRegistry(), Commands: deps.ExecRunner{}, Transfer: &assets.Transfer{}}
	if err := taskrun.RunSpecFile(context.Background(), specPath, env); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func newHelperExecutor(t *testing.T, mode string, extra executor.Config) *Executor {
	t.Helper()
	cfg := executor.Config{
		"cache_dir": t.TempDir(),
		"command":   []string{os.Args[0], "-test.run=TestHelperProcess", "--", "task-run"},
		"env":       []string{"GO_WANT_HELPER_PROCESS=1", "LATTICE_HELPER_MODE=" + mode},
	}
	e, err := New(Key, cfg.Merge(extra))
	require.NoError(t, err)
	return e.(*Executor)
}

func upload(t *testing.T, e *Executor, meta executor.TaskMetadata, p taskrun.Payload) executor.TaskRefs {
	t.Helper()
	docs, err := taskrun.Encode(p)
	require.NoError(t, err)
	tr := &assets.Transfer{}
	uris := make(map[string]string)
	for key, data := range docs {
		uri := e.UploadLocation(meta, key)
		require.NoError(t, tr.Upload(context.Background(), uri, data))
		uris[key] = uri
	}
	return taskrun.Refs(uris)
}

func TestProcess_SendPollReceive(t *testing.T) {
	ctx := context.Background()
	e := newHelperExecutor(t, "run", nil)
	meta := executor.TaskMetadata{DispatchID: "d1", NodeID: "n1"}

	assert.True(t, strings.HasPrefix(e.UploadLocation(meta, "function"), "file://"))
	assert.True(t, strings.HasSuffix(e.UploadLocation(meta, "function"), "/asset_d1-n1_function"))

	refs := upload(t, e, meta, taskrun.Payload{
		Function: function.Ref{Kind: function.KindBuiltin, Name: "mul"},
		Args:     []any{6.0, 7.0},
	})

	h, err := e.Send(ctx, refs, meta)
	require.NoError(t, err)
	assert.Equal(t, Key, h.Executor)
	assert.NotEmpty(t, h.Data["pid"])

	st, err := e.Poll(ctx, meta, h)
	require.NoError(t, err)
	assert.Equal(t, status.Completed, st)

	rr, err := e.Receive(ctx, meta, h)
	require.NoError(t, err)
	assert.Equal(t, status.Completed, rr.Status)

	data, err := (&assets.Transfer{}).Download(ctx, rr.OutputURI)
	require.NoError(t, err)
	res, err := taskrun.ReadResult(data)
	require.NoError(t, err)
	assert.JSONEq(t, "42", string(res.Output))

	_, err = e.Receive(ctx, meta, h)
	var consumed *errors.HandleConsumedError
	assert.True(t, errors.As(err, &consumed), "second receive must fail, got %v", err)
}

func TestProcess_CrashWritesFailedResult(t *testing.T) {
	ctx := context.Background()
	e := newHelperExecutor(t, "crash", nil)
	meta := executor.TaskMetadata{DispatchID: "d1", NodeID: "n1"}
	refs := upload(t, e, meta, taskrun.Payload{Function: function.Ref{Kind: function.KindBuiltin, Name: "identity"}})

	h, err := e.Send(ctx, refs, meta)
	require.NoError(t, err)

	st, err := e.Poll(ctx, meta, h)
	require.NoError(t, err)
	assert.Equal(t, status.Failed, st)
}

func TestProcess_PollTimeoutThenCancel(t *testing.T) {
	ctx := context.Background()
	e := newHelperExecutor(t, "hang", executor.Config{"poll_timeout": "100ms"})
	meta := executor.TaskMetadata{DispatchID: "d1", NodeID: "n1"}
	refs := upload(t, e, meta, taskrun.Payload{Function: function.Ref{Kind: function.KindBuiltin, Name: "identity"}})

	h, err := e.Send(ctx, refs, meta)
	require.NoError(t, err)

	_, err = e.Poll(ctx, meta, h)
	var timeout *errors.ExecutorTimeoutError
	require.True(t, errors.As(err, &timeout), "got %v", err)
	assert.True(t, errors.IsRetryable(err))

	require.NoError(t, e.Cancel(ctx, meta, h))

	e.pollTimeout = 10 * time.Second
	st, err := e.Poll(ctx, meta, h)
	require.NoError(t, err)
	assert.Equal(t, status.Failed, st)
}

func TestProcess_SendFailsForMissingCommand(t *testing.T) {
	e, err := New(Key, executor.Config{
		"cache_dir": t.TempDir(),
		"command":   []string{"/definitely/not/a/binary"},
	})
	require.NoError(t, err)

	_, err = e.(*Executor).Send(context.Background(), executor.TaskRefs{}, executor.TaskMetadata{DispatchID: "d", NodeID: "n"})
	var sub *errors.ExecutorSubmissionError
	assert.True(t, errors.As(err, &sub))
}

// startUnrelated starts a process that has nothing to do with any job.
func startUnrelated(t *testing.T) *os.Process {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess", "--", "task-run", "--spec", "unrelated")
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "LATTICE_HELPER_MODE=hang")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd.Process
}

func alive(p *os.Process) bool {
	return p.Signal(syscall.Signal(0)) == nil
}

func TestProcess_CancelOrphanLeavesFinishedJobAlone(t *testing.T) {
	e := newHelperExecutor(t, "run", nil)
	other := startUnrelated(t)

	dir := filepath.Join(e.cacheDir, "jobs", "finished")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConsumedFile), []byte(`{"output":1}`), 0o644))

	h := executor.JobHandle{Executor: Key, JobID: "finished", Data: map[string]string{"dir": dir, "pid": strconv.Itoa(other.Pid)}}
	require.NoError(t, e.Cancel(context.Background(), executor.TaskMetadata{}, h))

	assert.True(t, alive(other))
	assert.NoFileExists(t, filepath.Join(dir, ResultFile))
}

func TestProcess_CancelOrphanIgnoresReusedPID(t *testing.T) {
	ctx := context.Background()
	e := newHelperExecutor(t, "run", nil)
	other := startUnrelated(t)

	dir := filepath.Join(e.cacheDir, "jobs", "lost")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	h := executor.JobHandle{Executor: Key, JobID: "lost", Data: map[string]string{"dir": dir, "pid": strconv.Itoa(other.Pid)}}
	require.NoError(t, e.Cancel(ctx, executor.TaskMetadata{}, h))
	assert.True(t, alive(other))

	st, err := e.Poll(ctx, executor.TaskMetadata{}, h)
	require.NoError(t, err)
	assert.Equal(t, status.Failed, st)
}

func TestProcess_CancelOrphanKillsItsOwnProcess(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("orphaned jobs are only identified through /proc")
	}
	ctx := context.Background()
	e := newHelperExecutor(t, "hang", nil)
	meta := executor.TaskMetadata{DispatchID: "d1", NodeID: "n1"}
	refs := upload(t, e, meta, taskrun.Payload{Function: function.Ref{Kind: function.KindBuiltin, Name: "identity"}})

	h, err := e.Send(ctx, refs, meta)
	require.NoError(t, err)
	pid, err := strconv.Atoi(h.Data["pid"])
	require.NoError(t, err)
	proc, err := os.FindProcess(pid)
	require.NoError(t, err)
	require.True(t, alive(proc))

	// A fresh executor over the same cache dir has no record of the child.
	restarted := newHelperExecutor(t, "hang", executor.Config{"cache_dir": e.cacheDir})
	require.NoError(t, restarted.Cancel(ctx, meta, h))

	st, err := restarted.Poll(ctx, meta, h)
	require.NoError(t, err)
	assert.Equal(t, status.Failed, st)

	// The original executor reaps the child.
	assert.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		_, running := e.procs[h.JobID]
		return !running
	}, 10*time.Second, 20*time.Millisecond)
}
