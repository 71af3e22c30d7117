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

package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/lattice/internal/assets"
	"github.com/tombee/lattice/internal/assets/filestore"
	"github.com/tombee/lattice/internal/controller/backend"
	"github.com/tombee/lattice/internal/controller/backend/memory"
	"github.com/tombee/lattice/internal/result"
	"github.com/tombee/lattice/internal/taskrun"
	"github.com/tombee/lattice/pkg/deps"
	"github.com/tombee/lattice/pkg/errors"
	"github.com/tombee/lattice/pkg/executor"
	"github.com/tombee/lattice/pkg/executor/local"
	"github.com/tombee/lattice/pkg/function"
	"github.com/tombee/lattice/pkg/status"
)

// fakeAsync is an async executor that runs jobs synchronously inside
// Send and keeps job artifacts in a directory.
type fakeAsync struct {
	dir       string
	functions *function.Registry

	mu           sync.Mutex
	sends        int
	cancels      int
	pollTimeouts int
}

func (f *fakeAsync) Name() string { return "fake" }

func (f *fakeAsync) UploadLocation(meta executor.TaskMetadata, key string) string {
	return assets.FileURI(filepath.Join(f.dir, meta.DispatchID, meta.NodeID, key+".json"))
}

func (f *fakeAsync) jobPath(jobID, ext string) string {
	return filepath.Join(f.dir, "jobs", jobID+ext)
}

func (f *fakeAsync) Send(ctx context.Context, refs executor.TaskRefs, meta executor.TaskMetadata) (executor.JobHandle, error) {
	f.mu.Lock()
	f.sends++
	jobID := fmt.Sprintf("job-%d", f.sends)
	f.mu.Unlock()

	spec := executor.JobSpec{
		JobID:      jobID,
		Meta:       meta,
		Refs:       refs,
		ResultPath: f.jobPath(jobID, ".result"),
		StdoutPath: f.jobPath(jobID, ".out"),
		StderrPath: f.jobPath(jobID, ".err"),
	}
	env := taskrun.Env{Functions: f.functions, Commands: deps.ExecRunner{}, Transfer: &assets.Transfer{}}
	if err := taskrun.RunSpec(ctx, spec, env); err != nil {
		return executor.JobHandle{}, err
	}
	return executor.JobHandle{Executor: "fake", JobID: jobID}, nil
}

func (f *fakeAsync) Poll(_ context.Context, _ executor.TaskMetadata, h executor.JobHandle) (status.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollTimeouts > 0 {
		f.pollTimeouts--
		return status.Running, &errors.ExecutorTimeoutError{Executor: "fake", JobID: h.JobID, Limit: time.Millisecond}
	}
	return status.Completed, nil
}

func (f *fakeAsync) Receive(_ context.Context, _ executor.TaskMetadata, h executor.JobHandle) (executor.ReceiveResult, error) {
	return executor.ReceiveResult{
		OutputURI: assets.FileURI(f.jobPath(h.JobID, ".result")),
		StdoutURI: assets.FileURI(f.jobPath(h.JobID, ".out")),
		StderrURI: assets.FileURI(f.jobPath(h.JobID, ".err")),
		Status:    status.Completed,
	}, nil
}

func (f *fakeAsync) Cancel(context.Context, executor.TaskMetadata, executor.JobHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeAsync) counts() (sends, cancels int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends, f.cancels
}

type harness struct {
	r         *Runner
	be        *memory.Backend
	store     assets.Store
	functions *function.Registry
	fake      *fakeAsync
}

func newHarness(t *testing.T, cfg Config, register func(*function.Registry)) *harness {
	t.Helper()

	functions := function.NewRegistry()
	if register != nil {
		register(functions)
	}
	store, err := filestore.New(t.TempDir(), "")
	require.NoError(t, err)
	fake := &fakeAsync{dir: t.TempDir(), functions: functions}

	execs := executor.NewRegistry()
	require.NoError(t, execs.Register(local.Key, local.New))
	require.NoError(t, execs.Register("fake", func(string, executor.Config) (executor.Executor, error) {
		return fake, nil
	}))

	be := memory.New()
	r := New(cfg, be, store, WithFunctions(functions), WithExecutors(execs))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Stop(ctx)
	})
	return &harness{r: r, be: be, store: store, functions: functions, fake: fake}
}

// run creates, starts and waits for a dispatch.
func (h *harness) run(t *testing.T, manifest string, opts ...CreateOption) (string, *result.Manifest) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := h.r.Create(ctx, []byte(manifest), opts...)
	require.NoError(t, err)
	require.NoError(t, h.r.Start(ctx, id))
	m, err := h.r.GetResult(ctx, id, true)
	require.NoError(t, err)
	return id, m
}

func (h *harness) result(t *testing.T, id string) any {
	t.Helper()
	d, ok := h.r.state.get(id)
	require.True(t, ok)
	a, ok := d.record.Asset(result.KeyResult)
	require.True(t, ok, "dispatch has no result asset")
	data, err := h.store.Get(context.Background(), a)
	require.NoError(t, err)
	var v any
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func nodeStatus(t *testing.T, m *result.Manifest, id string) status.Status {
	t.Helper()
	n, ok := m.Node(id)
	require.True(t, ok, "node %s missing from manifest", id)
	return n.Status
}

const chain = `
name: chain
nodes:
  - id: a
    function: {kind: builtin, name: add}
    args: [1, 2]
  - id: b
    function: {kind: builtin, name: mul}
    args: [{ref: a}, 10]
  - id: c
    function: {kind: builtin, name: add}
    args: [{ref: b}, 0.5]
`

func TestRunner_ChainComposes(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	id, m := h.run(t, chain)

	assert.Equal(t, status.Completed, m.Metadata.Status)
	for _, n := range []string{"a", "b", "c"} {
		assert.Equal(t, status.Completed, nodeStatus(t, m, n))
	}
	assert.Equal(t, 30.5, h.result(t, id))

	c, _ := m.Node("c")
	assert.Contains(t, c.Assets, result.KeyOutput)
	assert.Contains(t, c.Assets, result.KeyFunction)
	assert.Contains(t, m.Assets, result.KeyInputs)
	assert.Contains(t, m.Assets, result.KeyResult)
}

func TestRunner_FailureStopsDependents(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	_, m := h.run(t, `
name: failing
nodes:
  - id: a
    function: {kind: value, value: 1}
  - id: b
    function: {kind: builtin, name: fail}
    args: [{ref: a}]
    kwargs: {message: boom}
  - id: c
    function: {kind: builtin, name: identity}
    args: [{ref: b}]
  - id: d
    function: {kind: value, value: 2}
`)

	assert.Equal(t, status.Failed, m.Metadata.Status)
	assert.Equal(t, status.Completed, nodeStatus(t, m, "a"))
	assert.Equal(t, status.Failed, nodeStatus(t, m, "b"))
	assert.Equal(t, status.NewObject, nodeStatus(t, m, "c"))
	assert.Equal(t, status.Completed, nodeStatus(t, m, "d"))

	b, _ := m.Node("b")
	assert.Contains(t, b.Error, "boom")
	assert.Contains(t, b.Assets, result.KeyError)
	assert.Contains(t, m.Assets, result.KeyWorkflowError)
}

func TestRunner_BudgetNeverExceeded(t *testing.T) {
	var running, peak atomic.Int32
	h := newHarness(t, Config{MaxParallel: 2}, func(reg *function.Registry) {
		require.NoError(t, reg.Register("track", func(ctx context.Context, args []any, _ map[string]any) (any, error) {
			n := running.Add(1)
			defer running.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			return len(args), nil
		}))
	})

	manifest := "name: wide\nnodes:\n"
	for i := range 6 {
		manifest += fmt.Sprintf("  - id: n%d\n    function: {kind: builtin, name: track}\n", i)
	}
	manifest += "  - id: join\n    function: {kind: builtin, name: collect}\n    args: [{ref: n0}, {ref: n1}, {ref: n2}, {ref: n3}, {ref: n4}, {ref: n5}]\n"

	_, m := h.run(t, manifest)
	assert.Equal(t, status.Completed, m.Metadata.Status)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

// blocker registers a "block" function that signals started and waits
// for its context.
func blocker(started chan<- struct{}) func(*function.Registry) {
	var once sync.Once
	return func(reg *function.Registry) {
		_ = reg.Register("block", func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return nil, ctx.Err()
		})
	}
}

func TestRunner_CancelDispatch(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, Config{}, blocker(started))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := h.r.Create(ctx, []byte(`
name: cancel
nodes:
  - id: a
    function: {kind: value, value: 1}
  - id: b
    function: {kind: builtin, name: block}
    args: [{ref: a}]
  - id: c
    function: {kind: builtin, name: identity}
    args: [{ref: b}]
`))
	require.NoError(t, err)
	require.NoError(t, h.r.Start(ctx, id))

	select {
	case <-started:
	case <-ctx.Done():
		t.Fatal("b never started")
	}
	require.NoError(t, h.r.Cancel(ctx, id))

	m, err := h.r.GetResult(ctx, id, true)
	require.NoError(t, err)
	assert.Equal(t, status.Cancelled, m.Metadata.Status)
	assert.Equal(t, status.Completed, nodeStatus(t, m, "a"))
	assert.Equal(t, status.Cancelled, nodeStatus(t, m, "b"))
	assert.Equal(t, status.Cancelled, nodeStatus(t, m, "c"))

	b, _ := m.Node("b")
	assert.NotContains(t, b.Assets, result.KeyOutput)

	row, err := h.be.GetDispatch(ctx, id)
	require.NoError(t, err)
	assert.True(t, row.CancelRequested)

	// Cancelling again is a no-op.
	assert.NoError(t, h.r.Cancel(ctx, id))
}

func TestRunner_CancelNodes(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, Config{}, blocker(started))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := h.r.Create(ctx, []byte(`
name: partial
nodes:
  - id: a
    function: {kind: builtin, name: block}
  - id: b
    function: {kind: builtin, name: identity}
    args: [{ref: a}]
  - id: c
    function: {kind: value, value: 3}
`))
	require.NoError(t, err)
	require.NoError(t, h.r.Start(ctx, id))
	<-started

	var nf *errors.NotFoundError
	assert.True(t, errors.As(h.r.Cancel(ctx, id, "zz"), &nf))
	require.NoError(t, h.r.Cancel(ctx, id, "a"))

	m, err := h.r.GetResult(ctx, id, true)
	require.NoError(t, err)
	assert.Equal(t, status.Cancelled, m.Metadata.Status)
	assert.Equal(t, status.Cancelled, nodeStatus(t, m, "a"))
	assert.Equal(t, status.Cancelled, nodeStatus(t, m, "b"))
	assert.Equal(t, status.Completed, nodeStatus(t, m, "c"))
}

func TestRunner_CancelBeforeStart(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	id, err := h.r.Create(ctx, []byte(chain))
	require.NoError(t, err)
	require.NoError(t, h.r.Cancel(ctx, id))

	var ve *errors.ValidationError
	assert.True(t, errors.As(h.r.Start(ctx, id), &ve))

	m, err := h.r.GetResult(ctx, id, true)
	require.NoError(t, err)
	assert.Equal(t, status.Cancelled, m.Metadata.Status)
	assert.Equal(t, status.Cancelled, nodeStatus(t, m, "a"))
}

func TestRunner_CreateRejectsCycles(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	_, err := h.r.Create(context.Background(), []byte(`
name: loop
nodes:
  - id: a
    function: {kind: builtin, name: identity}
    args: [{ref: b}]
  - id: b
    function: {kind: builtin, name: identity}
    args: [{ref: a}]
`))
	var ge *errors.GraphError
	require.True(t, errors.As(err, &ge), "got %v", err)

	rows, err := h.be.ListDispatches(context.Background(), backend.DispatchFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRunner_StartTwice(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	id, _ := h.run(t, chain)

	var ve *errors.ValidationError
	assert.True(t, errors.As(h.r.Start(context.Background(), id), &ve))

	var nf *errors.NotFoundError
	assert.True(t, errors.As(h.r.Start(context.Background(), "missing"), &nf))
}

const asyncChain = `
name: async
executor: fake
nodes:
  - id: a
    function: {kind: builtin, name: add}
    args: [1, 2]
  - id: b
    function: {kind: builtin, name: mul}
    args: [{ref: a}, %d]
`

func TestRunner_AsyncExecutor(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	id, m := h.run(t, fmt.Sprintf(asyncChain, 10))

	assert.Equal(t, status.Completed, m.Metadata.Status)
	assert.Equal(t, 30.0, h.result(t, id))
	sends, _ := h.fake.counts()
	assert.Equal(t, 2, sends)

	job, err := h.be.GetJob(context.Background(), id, "b")
	require.NoError(t, err)
	assert.Equal(t, status.Completed, job.Status)
	handle, err := executor.ParseHandle(job.Handle)
	require.NoError(t, err)
	assert.Equal(t, "job-2", handle.JobID)
}

func TestRunner_ReuseSkipsUnchangedNodes(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	first, _ := h.run(t, fmt.Sprintf(asyncChain, 10))

	second, m := h.run(t, fmt.Sprintf(asyncChain, 10), WithReuse(first))
	assert.Equal(t, status.Completed, m.Metadata.Status)
	assert.Equal(t, 30.0, h.result(t, second))
	sends, _ := h.fake.counts()
	assert.Equal(t, 2, sends, "unchanged nodes must not be submitted again")

	third, m := h.run(t, fmt.Sprintf(asyncChain, 100), WithReuse(first))
	assert.Equal(t, status.Completed, m.Metadata.Status)
	assert.Equal(t, 300.0, h.result(t, third))
	sends, _ = h.fake.counts()
	assert.Equal(t, 3, sends, "only the changed node runs")
}

func TestRunner_PollRetries(t *testing.T) {
	h := newHarness(t, Config{PollRetries: 2}, nil)
	h.fake.pollTimeouts = 2

	_, m := h.run(t, fmt.Sprintf(asyncChain, 10))
	assert.Equal(t, status.Completed, m.Metadata.Status)
	_, cancels := h.fake.counts()
	assert.Zero(t, cancels)
}

func TestRunner_PollTimeoutCancelsJob(t *testing.T) {
	h := newHarness(t, Config{CancelOnTimeout: true}, nil)
	h.fake.pollTimeouts = 100

	id, m := h.run(t, fmt.Sprintf(asyncChain, 10))
	assert.Equal(t, status.Failed, m.Metadata.Status)
	assert.Equal(t, status.Failed, nodeStatus(t, m, "a"))
	assert.Equal(t, status.NewObject, nodeStatus(t, m, "b"))

	_, cancels := h.fake.counts()
	assert.Equal(t, 1, cancels)

	job, err := h.be.GetJob(context.Background(), id, "a")
	require.NoError(t, err)
	assert.True(t, job.CancelRequested)
	assert.True(t, job.CancelSuccessful)
}

func TestRunner_Postprocessing(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	id, m := h.run(t, `
name: post
nodes:
  - id: a
    function: {kind: value, value: 2}
  - id: b
    function: {kind: value, value: 3}
output:
  expr: a * 10 + b
`)
	assert.Equal(t, status.Completed, m.Metadata.Status)
	assert.Equal(t, 23.0, h.result(t, id))
}

func TestRunner_PostprocessingFailure(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	_, m := h.run(t, `
name: post
nodes:
  - id: a
    function: {kind: value, value: 0}
output:
  expr: 1 / a
`)
	// +Inf has no JSON encoding.
	assert.Equal(t, status.PostprocessingFailed, m.Metadata.Status)
}

func TestRunner_SubWorkflow(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	id, m := h.run(t, `
name: outer
nodes:
  - id: seed
    function: {kind: value, value: 5}
  - id: inner
    kwargs:
      n: {ref: seed}
    workflow:
      name: inner
      nodes:
        - id: double
          function: {kind: builtin, name: mul}
          args: [{input: n}, 2]
`)
	assert.Equal(t, status.Completed, m.Metadata.Status)
	assert.Equal(t, 10.0, h.result(t, id))

	rows, err := h.be.ListDispatches(context.Background(), backend.DispatchFilter{RootID: id})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	var child *backend.Dispatch
	for _, row := range rows {
		if row.ID != id {
			child = row
		}
	}
	require.NotNil(t, child)
	assert.Equal(t, id, child.ParentID)
	assert.Equal(t, "inner", child.ParentNodeID)
	assert.Equal(t, status.Completed, child.Status)
}

func TestRunner_Events(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := h.r.Create(ctx, []byte(chain))
	require.NoError(t, err)
	events, unsubscribe := h.r.Subscribe(id)
	defer unsubscribe()
	require.NoError(t, h.r.Start(ctx, id))

	var nodeDone []string
	for {
		select {
		case e := <-events:
			if e.Type == EventNode && e.Status == status.Completed {
				nodeDone = append(nodeDone, e.NodeID)
			}
			if e.Type == EventDispatch && e.Status.IsTerminal() {
				assert.Equal(t, status.Completed, e.Status)
				assert.Equal(t, []string{"a", "b", "c"}, nodeDone)
				return
			}
		case <-ctx.Done():
			t.Fatal("no terminal dispatch event")
		}
	}
}

func TestRunner_RecoverFailsLostNodes(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := h.r.Create(ctx, []byte(chain))
	require.NoError(t, err)

	// Simulate a dispatcher that died while a was running.
	row, err := h.be.GetDispatch(ctx, id)
	require.NoError(t, err)
	row.Status = status.Running
	require.NoError(t, h.be.UpdateDispatch(ctx, row))
	require.NoError(t, h.be.UpsertNode(ctx, &backend.Node{DispatchID: id, NodeID: "a", Name: "a", Executor: "local", Status: status.Running}))

	restarted := New(Config{}, h.be, h.store, WithFunctions(h.functions))
	n, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err := restarted.GetResult(ctx, id, true)
	require.NoError(t, err)
	assert.Equal(t, status.Failed, m.Metadata.Status)
	a, _ := m.Node("a")
	assert.Equal(t, status.Failed, a.Status)
	assert.Equal(t, lostNodeError, a.Error)
	assert.Equal(t, status.NewObject, nodeStatus(t, m, "b"))
	require.NoError(t, restarted.Stop(ctx))
}

func TestRunner_CancelPersistedDispatch(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	id, err := h.r.Create(ctx, []byte(chain))
	require.NoError(t, err)

	other := New(Config{}, h.be, h.store)
	require.NoError(t, other.Cancel(ctx, id))
	row, err := h.be.GetDispatch(ctx, id)
	require.NoError(t, err)
	assert.True(t, row.CancelRequested)
}

func TestRunner_PruneKeepsResultsReadable(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	id, _ := h.run(t, chain)

	assert.Equal(t, 1, h.r.State().Prune(0))
	_, ok := h.r.state.get(id)
	assert.False(t, ok)

	m, err := h.r.GetResult(context.Background(), id, true)
	require.NoError(t, err)
	assert.Equal(t, status.Completed, m.Metadata.Status)
	assert.Equal(t, status.Completed, nodeStatus(t, m, "c"))

	out, err := h.r.Output(context.Background(), id)
	require.NoError(t, err)
	assert.JSONEq(t, "30.5", string(out))
}

func TestRunner_Plan(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	p, err := h.r.Plan([]byte(chain+`  - id: d
    function: {kind: value, value: 1}
    executor: fake
`), nil)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"a", "d"}, {"b"}, {"c"}}, p.Levels)
	assert.Equal(t, []string{"fake", "local"}, p.Executors)
	assert.Equal(t, "node: d", p.Output)
	require.Len(t, p.Nodes, 4)
	assert.Equal(t, []string{"a"}, p.Nodes[1].Parents)
}

func TestRunner_StopRejectsNewDispatches(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	require.NoError(t, h.r.Stop(ctx))
	_, err := h.r.Create(ctx, []byte(chain))
	assert.Error(t, err)
}

func TestSlotBudget_ResumedJobsDrainBeforeAdmission(t *testing.T) {
	b := newSlotBudget(2)
	var held []bool
	for range 3 {
		ok := b.tryAcquire()
		if !ok {
			b.overdrawn++
		}
		held = append(held, ok)
	}
	require.Equal(t, []bool{true, true, false}, held)

	// A held job finishing passes its slot to the one running without.
	b.release(true)
	assert.False(t, b.tryAcquire())

	b.release(false)
	assert.True(t, b.tryAcquire())
	assert.False(t, b.tryAcquire())

	b.release(true)
	b.release(true)
	assert.True(t, b.tryAcquire())
	assert.True(t, b.tryAcquire())
}

func TestSlotBudget_UnheldJobFinishesFirst(t *testing.T) {
	b := newSlotBudget(1)
	require.True(t, b.tryAcquire())
	require.False(t, b.tryAcquire())
	b.overdrawn++

	b.release(false)
	assert.False(t, b.tryAcquire())

	b.release(true)
	assert.True(t, b.tryAcquire())
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// flakyBackend fails every dispatch update.
type flakyBackend struct {
	*memory.Backend
}

func (flakyBackend) UpdateDispatch(context.Context, *backend.Dispatch) error {
	return fmt.Errorf("disk full")
}

func TestRunner_PersistFailuresAreLogged(t *testing.T) {
	var buf lockedBuffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	store, err := filestore.New(t.TempDir(), "")
	require.NoError(t, err)

	r := New(Config{}, flakyBackend{memory.New()}, store, WithLogger(logger))
	t.Cleanup(func() { _ = r.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := r.Create(ctx, []byte(chain))
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx, id))
	m, err := r.GetResult(ctx, id, true)
	require.NoError(t, err)

	assert.Equal(t, status.Completed, m.Metadata.Status)
	assert.Contains(t, buf.String(), `"operation":"update_dispatch"`)
	assert.Contains(t, buf.String(), "dispatch starts without a persisted starting status")
}
