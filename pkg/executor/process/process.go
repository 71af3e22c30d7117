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

// Package process runs each task in its own local subprocess.
//
// Send writes a JobSpec into a per-job directory under the cache dir and
// starts the configured command with "--spec <path>" appended. The child
// writes stdout, stderr and finally result.json into the same directory.
// Poll watches the directory with fsnotify until result.json appears.
// Receive consumes the result by renaming it to result.consumed.json.
//
// Any program that honors the JobSpec contract can serve as the command,
// which is how out-of-tree backends plug in.
package process

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/tombee/lattice/internal/assets"
	"github.com/tombee/lattice/pkg/errors"
	"github.com/tombee/lattice/pkg/executor"
	"github.com/tombee/lattice/pkg/status"
)

// Key is the registry key of the process executor.
const Key = "process"

// Job directory file names.
const (
	SpecFile     = "spec.json"
	ResultFile   = "result.json"
	ConsumedFile = "result.consumed.json"
	StdoutFile   = "stdout.log"
	StderrFile   = "stderr.log"
	ProcessLog   = "process.log"
)

// DefaultPollTimeout bounds a single Poll call.
const DefaultPollTimeout = 10 * time.Minute

// Executor is the subprocess backend.
type Executor struct {
	name        string
	cacheDir    string
	command     []string
	env         []string
	pollTimeout time.Duration
	logger      *slog.Logger

	mu    sync.Mutex
	procs map[string]*os.Process
}

// New creates a process executor. Recognized config:
//
//	cache_dir     job and upload directory (default $TMPDIR/lattice)
//	command       argv prefix (default: this binary + "task-run")
//	env           extra KEY=VALUE entries for the child environment
//	poll_timeout  time limit of one Poll call (default 10m)
func New(name string, cfg executor.Config) (executor.Executor, error) {
	cacheDir := cfg.String("cache_dir", filepath.Join(os.TempDir(), "lattice"))
	abs, err := filepath.Abs(cacheDir)
	if err != nil {
		return nil, &errors.ConfigError{Key: "cache_dir", Reason: err.Error()}
	}

	command := cfg.Strings("command", nil)
	if len(command) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, &errors.ConfigError{Key: "command", Reason: "cannot locate executable: " + err.Error()}
		}
		command = []string{self, "task-run"}
	}

	if err := os.MkdirAll(filepath.Join(abs, "jobs"), 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	return &Executor{
		name:        name,
		cacheDir:    abs,
		command:     command,
		env:         cfg.Strings("env", nil),
		pollTimeout: cfg.Duration("poll_timeout", DefaultPollTimeout),
		logger:      slog.Default().With(slog.String("executor", name)),
		procs:       make(map[string]*os.Process),
	}, nil
}

// Name implements executor.Executor.
func (e *Executor) Name() string { return e.name }

// UploadLocation implements executor.AsyncExecutor.
func (e *Executor) UploadLocation(meta executor.TaskMetadata, key string) string {
	return assets.FileURI(filepath.Join(e.cacheDir, executor.UploadName(meta, key)))
}

func (e *Executor) jobDir(jobID string) string {
	return filepath.Join(e.cacheDir, "jobs", jobID)
}

// Send implements executor.AsyncExecutor.
func (e *Executor) Send(ctx context.Context, refs executor.TaskRefs, meta executor.TaskMetadata) (executor.JobHandle, error) {
	jobID := uuid.NewString()
	dir := e.jobDir(jobID)
	fail := func(err error) (executor.JobHandle, error) {
		return executor.JobHandle{}, &errors.ExecutorSubmissionError{Executor: e.name, Cause: err}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail(err)
	}
	spec := executor.JobSpec{
		JobID:      jobID,
		Meta:       meta,
		Refs:       refs,
		ResultPath: filepath.Join(dir, ResultFile),
		StdoutPath: filepath.Join(dir, StdoutFile),
		StderrPath: filepath.Join(dir, StderrFile),
	}
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fail(err)
	}
	specPath := filepath.Join(dir, SpecFile)
	if err := assets.WriteFileAtomic(specPath, data); err != nil {
		return fail(err)
	}

	logFile, err := os.Create(filepath.Join(dir, ProcessLog))
	if err != nil {
		return fail(err)
	}

	argv := append(append([]string(nil), e.command...), "--spec", specPath)
	// The child outlives Send, so it is not bound to ctx.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), e.env...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fail(err)
	}

	e.mu.Lock()
	e.procs[jobID] = cmd.Process
	e.mu.Unlock()

	go e.wait(jobID, cmd, logFile, spec.ResultPath)

	e.logger.Debug("job started",
		slog.String("dispatch_id", meta.DispatchID),
		slog.String("node_id", meta.NodeID),
		slog.String("job_id", jobID),
		slog.Int("pid", cmd.Process.Pid))

	return executor.JobHandle{
		Executor: e.name,
		JobID:    jobID,
		Data: map[string]string{
			"dir": dir,
			"pid": strconv.Itoa(cmd.Process.Pid),
		},
	}, nil
}

// wait reaps the child and writes a failed result if it exited without
// producing one.
func (e *Executor) wait(jobID string, cmd *exec.Cmd, logFile *os.File, resultPath string) {
	err := cmd.Wait()
	logFile.Close()

	e.mu.Lock()
	delete(e.procs, jobID)
	e.mu.Unlock()

	if exists(resultPath) || exists(filepath.Join(filepath.Dir(resultPath), ConsumedFile)) {
		return
	}
	if err == nil {
		err = fmt.Errorf("process exited without writing a result")
	}
	res := executor.Failed(fmt.Errorf("task process: %w", err), "task_runtime")
	data, _ := json.Marshal(res)
	if werr := assets.WriteFileAtomic(resultPath, data); werr != nil {
		e.logger.Error("failed to record process exit", slog.String("job_id", jobID), slog.Any("error", werr))
	}
}

func (e *Executor) dirOf(h executor.JobHandle) string {
	if d := h.Data["dir"]; d != "" {
		return d
	}
	return e.jobDir(h.JobID)
}

// Poll implements executor.AsyncExecutor.
func (e *Executor) Poll(ctx context.Context, meta executor.TaskMetadata, h executor.JobHandle) (status.Status, error) {
	dir := e.dirOf(h)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return status.NewObject, fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return status.NewObject, fmt.Errorf("watching %s: %w", dir, err)
	}

	// Checked after Add so a result written in between is not missed.
	if st, ok := resultStatus(dir); ok {
		return st, nil
	}

	timer := time.NewTimer(e.pollTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return status.NewObject, ctx.Err()
		case <-timer.C:
			return status.Running, &errors.ExecutorTimeoutError{Executor: e.name, JobID: h.JobID, Limit: e.pollTimeout}
		case ev, ok := <-w.Events:
			if !ok {
				return status.NewObject, fmt.Errorf("watcher closed")
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if st, ok := resultStatus(dir); ok {
				return st, nil
			}
		case err, ok := <-w.Errors:
			if !ok {
				return status.NewObject, fmt.Errorf("watcher closed")
			}
			e.logger.Warn("job watcher error", slog.String("job_id", h.JobID), slog.Any("error", err))
		}
	}
}

func resultStatus(dir string) (status.Status, bool) {
	for _, name := range []string{ResultFile, ConsumedFile} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var res executor.TaskResult
		if err := json.Unmarshal(data, &res); err != nil {
			continue
		}
		return res.Status(), true
	}
	return status.NewObject, false
}

// Receive implements executor.AsyncExecutor.
func (e *Executor) Receive(ctx context.Context, meta executor.TaskMetadata, h executor.JobHandle) (executor.ReceiveResult, error) {
	dir := e.dirOf(h)
	src := filepath.Join(dir, ResultFile)
	dst := filepath.Join(dir, ConsumedFile)

	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) && exists(dst) {
			return executor.ReceiveResult{}, &errors.HandleConsumedError{Executor: e.name, JobID: h.JobID}
		}
		return executor.ReceiveResult{}, fmt.Errorf("receiving job %s: %w", h.JobID, err)
	}

	st, _ := resultStatus(dir)
	return executor.ReceiveResult{
		OutputURI: assets.FileURI(dst),
		StdoutURI: assets.FileURI(filepath.Join(dir, StdoutFile)),
		StderrURI: assets.FileURI(filepath.Join(dir, StderrFile)),
		Status:    st,
	}, nil
}

// Cancel implements executor.Canceller by killing the job's process.
func (e *Executor) Cancel(ctx context.Context, meta executor.TaskMetadata, h executor.JobHandle) error {
	e.mu.Lock()
	proc, ok := e.procs[h.JobID]
	e.mu.Unlock()

	if !ok {
		return e.cancelOrphan(h)
	}
	if err := proc.Kill(); err != nil && err != os.ErrProcessDone {
		return fmt.Errorf("killing job %s: %w", h.JobID, err)
	}
	return nil
}

// cancelOrphan cancels a job started by an earlier dispatcher process.
// The recorded pid is only signalled while it still runs this job's
// spec, since it may have been reused. Where /proc is unavailable the
// process is left alone.
func (e *Executor) cancelOrphan(h executor.JobHandle) error {
	dir := e.dirOf(h)
	if _, done := resultStatus(dir); done {
		return nil
	}
	pid, err := strconv.Atoi(h.Data["pid"])
	if err != nil {
		return &errors.NotFoundError{Resource: "job", ID: h.JobID}
	}

	reason := fmt.Errorf("job %s cancelled", h.JobID)
	if runsSpec(pid, filepath.Join(dir, SpecFile)) {
		proc, err := os.FindProcess(pid)
		if err != nil {
			return err
		}
		if err := proc.Kill(); err != nil && err != os.ErrProcessDone {
			return fmt.Errorf("killing job %s: %w", h.JobID, err)
		}
	} else {
		e.logger.Warn("job process not found, nothing to kill",
			slog.String("job_id", h.JobID),
			slog.Int("pid", pid))
		reason = fmt.Errorf("job %s cancelled, its process %d was gone", h.JobID, pid)
	}

	// No wait goroutine owns this job, so record the outcome here.
	data, _ := json.Marshal(executor.Failed(reason, "cancelled"))
	return assets.WriteFileAtomic(filepath.Join(dir, ResultFile), data)
}

// runsSpec reports whether pid is a live process started with specPath
// on its command line.
func runsSpec(pid int, specPath string) bool {
	cmdline, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return false
	}
	for _, arg := range bytes.Split(cmdline, []byte{0}) {
		if string(arg) == specPath {
			return true
		}
	}
	return false
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
