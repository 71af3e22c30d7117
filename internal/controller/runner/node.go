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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tombee/lattice/internal/assets"
	"github.com/tombee/lattice/internal/controller/backend"
	"github.com/tombee/lattice/internal/controller/metrics"
	"github.com/tombee/lattice/internal/log"
	"github.com/tombee/lattice/internal/manifest"
	"github.com/tombee/lattice/internal/result"
	"github.com/tombee/lattice/internal/taskrun"
	"github.com/tombee/lattice/internal/tracing"
	"github.com/tombee/lattice/pkg/deps"
	"github.com/tombee/lattice/pkg/errors"
	"github.com/tombee/lattice/pkg/executor"
	"github.com/tombee/lattice/pkg/function"
	"github.com/tombee/lattice/pkg/graph"
	"github.com/tombee/lattice/pkg/status"
)

// payloadKeys is the upload order of task payload assets.
var payloadKeys = []string{
	result.KeyFunction,
	result.KeyArgs,
	result.KeyKwargs,
	result.KeyDeps,
	result.KeyCallBefore,
	result.KeyCallAfter,
}

// lockedBuffer collects task output written from the executor's
// goroutine, which may outlive an abandoned Run.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte{}, b.buf.Bytes()...)
}

func payloadOf(n graph.Node, args []any, kwargs map[string]any) taskrun.Payload {
	p := taskrun.Payload{Function: n.Function, Args: args, Kwargs: kwargs}
	before, after := deps.Split(n.Deps)
	for _, s := range before {
		if s.Kind == deps.KindCallBefore {
			p.CallBefore = append(p.CallBefore, s)
		} else {
			p.Deps = append(p.Deps, s)
		}
	}
	p.CallAfter = after
	return p
}

// runNode executes one admitted node and reports its outcome. It never
// touches the node's status; finishNode does.
func (r *Runner) runNode(ctx context.Context, d *dispatch, id string) outcome {
	o := outcome{id: id, held: true, started: time.Now()}
	node, _ := d.def.Graph.Node(id)

	ctx, span := tracing.StartNode(ctx, r.tracer, id, node.Executor)
	o = r.runTask(ctx, d, node, span, o)
	if ctx.Err() != nil {
		o.status = status.Cancelled
	}
	span.Finish(o.status, o.err)
	return o
}

func (r *Runner) runTask(ctx context.Context, d *dispatch, node graph.Node, span *tracing.Span, o outcome) outcome {
	logger := log.WithNodeContext(r.dispatchLogger(d), node.ID, node.Executor)
	logger.Debug("node admitted")

	args, kwargs, err := r.bindArguments(ctx, d, node.ID)
	if err != nil {
		return o.failed(err)
	}
	if node.Function.Kind == function.KindWorkflow {
		return r.runSubWorkflow(ctx, d, node, kwargs, o)
	}

	p := payloadOf(node, args, kwargs)
	docs, err := taskrun.Encode(p)
	if err != nil {
		return o.failed(err)
	}
	for _, key := range []string{result.KeyFunction, result.KeyDeps, result.KeyCallBefore, result.KeyCallAfter} {
		if err := r.state.putNodeAsset(ctx, d, node.ID, key, docs[key]); err != nil {
			return o.failed(err)
		}
	}
	if node.Function.Kind == function.KindValue {
		if data, err := json.Marshal(node.Function.Value); err == nil {
			_ = r.state.putNodeAsset(ctx, d, node.ID, result.KeyValue, data)
		}
	}

	exec, err := r.executors.Get(node.Executor, node.ExecutorConfig)
	if err != nil {
		return o.failed(err)
	}
	switch e := exec.(type) {
	case executor.SyncExecutor:
		return r.runSync(ctx, d, e, p, o)
	case executor.AsyncExecutor:
		return r.runAsync(ctx, d, e, docs, span, o)
	}
	return o.failed(&errors.ConfigError{Key: "executors." + node.Executor, Reason: "executor implements neither Run nor Send"})
}

// bindArguments reads producer outputs from the asset store and binds
// them into the node's arguments.
func (r *Runner) bindArguments(ctx context.Context, d *dispatch, id string) ([]any, map[string]any, error) {
	outputs := make(map[string]any)
	for _, p := range d.def.Graph.Parents(id) {
		v, ok, err := r.state.nodeOutput(ctx, d, p)
		if err != nil {
			return nil, nil, &errors.DependencyResolutionError{NodeID: id, Kind: "input", Cause: err}
		}
		if ok {
			outputs[p] = v
		}
	}
	args, kwargs := d.def.Graph.Arguments(id, func(producer string) (any, bool) {
		v, ok := outputs[producer]
		return v, ok
	})
	return args, kwargs, nil
}

// runSync runs the wrapped body through a synchronous executor.
func (r *Runner) runSync(ctx context.Context, d *dispatch, e executor.SyncExecutor, p taskrun.Payload, o outcome) outcome {
	stdout, stderr := &lockedBuffer{}, &lockedBuffer{}
	var hookMu sync.Mutex
	var hookErrs []string

	env := taskrun.Env{Functions: r.functions, Commands: r.commands, Transfer: r.transfer}
	fn, err := taskrun.Prepare(p, env, func(err error) {
		hookMu.Lock()
		hookErrs = append(hookErrs, err.Error())
		hookMu.Unlock()
		fmt.Fprintln(stderr, err)
	})
	if err != nil {
		return o.failed(err)
	}

	ctx = function.WithOutput(ctx, function.Output{Stdout: stdout, Stderr: stderr})
	out, err := e.Run(ctx, fn, p.Args, p.Kwargs, d.meta(o.id))
	if err != nil {
		fmt.Fprintln(stderr, err)
	}
	o.stdout, o.stderr = stdout.Bytes(), stderr.Bytes()
	hookMu.Lock()
	o.hookErrors = append([]string(nil), hookErrs...)
	hookMu.Unlock()
	if err != nil {
		return o.failed(err)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return o.failed(&errors.TaskRuntimeError{NodeID: o.id, Cause: fmt.Errorf("output is not JSON-serializable: %w", err)})
	}
	o.status = status.Completed
	o.output = data
	return o
}

// transferFor returns a Transfer that authenticates against e when it
// needs it and propagates the trace context.
func (r *Runner) transferFor(e executor.Executor) *assets.Transfer {
	t := *r.transfer
	authorize := t.Authorize
	if a, ok := e.(executor.RequestAuthorizer); ok {
		authorize = a.Authorize
	}
	t.Authorize = func(req *http.Request) error {
		tracing.InjectHTTPHeaders(req.Context(), req)
		if authorize != nil {
			return authorize(req)
		}
		return nil
	}
	return &t
}

// runAsync uploads the payload, submits the job and waits for it.
func (r *Runner) runAsync(ctx context.Context, d *dispatch, e executor.AsyncExecutor, docs map[string][]byte, span *tracing.Span, o outcome) outcome {
	meta := d.meta(o.id)
	t := r.transferFor(e)

	uris := make(map[string]string, len(docs))
	for _, key := range payloadKeys {
		uri := e.UploadLocation(meta, key)
		if err := t.Upload(ctx, uri, docs[key]); err != nil {
			return o.failed(&errors.ExecutorSubmissionError{Executor: e.Name(), Address: uri, Cause: err})
		}
		r.instruments.Transferred(ctx, "upload", len(docs[key]))
		uris[key] = uri
	}

	h, err := e.Send(ctx, taskrun.Refs(uris), meta)
	if err != nil {
		return o.failed(err)
	}
	r.instruments.JobSubmitted(ctx, e.Name())
	span.SetJob(h.JobID)
	log.Trace(r.dispatchLogger(d), "job submitted",
		slog.String(log.NodeIDKey, o.id),
		slog.String(log.JobIDKey, h.JobID))

	return r.awaitNode(ctx, d, e, o.id, h, o)
}

// awaitNode polls a submitted job to completion and collects its
// artifacts. Recovered jobs enter here directly.
func (r *Runner) awaitNode(ctx context.Context, d *dispatch, e executor.AsyncExecutor, id string, h executor.JobHandle, o outcome) outcome {
	meta := d.meta(id)
	ref := jobRef{exec: e, meta: meta, handle: h}
	r.trackJob(ctx, d, ref)
	if ctx.Err() != nil {
		r.cancelJob(ctx, d, ref)
		o.status = status.Cancelled
		return o
	}
	logger := log.WithNodeContext(r.dispatchLogger(d), id, e.Name()).With(slog.String(log.JobIDKey, h.JobID))

	start := time.Now()
	st, err := r.poll(ctx, e, meta, h, logger)
	r.instruments.JobPolled(ctx, e.Name(), st.String(), time.Since(start))
	if ctx.Err() != nil {
		o.status = status.Cancelled
		return o
	}
	if err != nil {
		var te *errors.ExecutorTimeoutError
		if errors.As(err, &te) && r.cfg.CancelOnTimeout {
			r.cancelJob(ctx, d, ref)
		}
		r.jobDone(ctx, d, ref, status.Failed)
		return o.failed(err)
	}
	if st == status.Cancelled {
		r.jobDone(ctx, d, ref, status.Cancelled)
		o.status = status.Cancelled
		return o
	}

	rr, err := e.Receive(ctx, meta, h)
	if err != nil {
		r.jobDone(ctx, d, ref, status.Failed)
		return o.failed(err)
	}
	t := r.transferFor(e)
	data, err := t.Download(ctx, rr.OutputURI)
	if err != nil {
		r.jobDone(ctx, d, ref, status.Failed)
		return o.failed(fmt.Errorf("downloading result of job %s: %w", h.JobID, err))
	}
	r.instruments.Transferred(ctx, "download", len(data))
	res, err := taskrun.ReadResult(data)
	if err != nil {
		r.jobDone(ctx, d, ref, status.Failed)
		return o.failed(fmt.Errorf("decoding result of job %s: %w", h.JobID, err))
	}
	o.stdout = r.fetchLog(ctx, t, rr.StdoutURI, logger)
	o.stderr = r.fetchLog(ctx, t, rr.StderrURI, logger)
	o.hookErrors = res.HookErrors
	r.jobDone(ctx, d, ref, res.Status())

	if res.Status() == status.Completed {
		o.status = status.Completed
		o.output = res.Output
		return o
	}
	o.errType = res.ErrorType
	return o.failed(errors.New(res.Error))
}

func (r *Runner) fetchLog(ctx context.Context, t *assets.Transfer, uri string, logger *slog.Logger) []byte {
	if uri == "" {
		return nil
	}
	data, err := t.Download(ctx, uri)
	if err != nil {
		logger.Warn("failed to download task log", slog.String("uri", uri), log.Error(err))
		return nil
	}
	r.instruments.Transferred(ctx, "download", len(data))
	return data
}

// poll waits for a job, retrying time limits up to PollRetries. The job
// keeps running across retries.
func (r *Runner) poll(ctx context.Context, e executor.AsyncExecutor, meta executor.TaskMetadata, h executor.JobHandle, logger *slog.Logger) (status.Status, error) {
	for attempt := 0; ; attempt++ {
		st, err := e.Poll(ctx, meta, h)
		if err == nil {
			return st, nil
		}
		var te *errors.ExecutorTimeoutError
		if !errors.As(err, &te) || ctx.Err() != nil {
			return st, err
		}
		metrics.RecordPollTimeout(e.Name())
		if attempt >= r.cfg.PollRetries {
			return st, err
		}
		logger.Info("poll timed out, polling again",
			slog.Int("attempt", attempt+1),
			slog.Int("retries", r.cfg.PollRetries))
	}
}

// trackJob makes a job visible to Cancel and persists its handle.
func (r *Runner) trackJob(ctx context.Context, d *dispatch, ref jobRef) {
	d.mu.Lock()
	d.jobs[ref.meta.NodeID] = ref
	d.mu.Unlock()
	_ = r.state.updateJob(ctx, d.id, ref.meta.NodeID, ref.handle, func(j *backend.Job) {
		j.Status = status.Running
	})
}

func (r *Runner) jobDone(ctx context.Context, d *dispatch, ref jobRef, st status.Status) {
	_ = r.state.updateJob(ctx, d.id, ref.meta.NodeID, ref.handle, func(j *backend.Job) {
		j.Status = st
	})
}

// runSubWorkflow dispatches a node's nested workflow and waits for it.
// The node's keyword arguments become the child's inputs and the child's
// result becomes the node's output.
func (r *Runner) runSubWorkflow(ctx context.Context, d *dispatch, node graph.Node, kwargs map[string]any, o outcome) outcome {
	if _, err := d.record.SetNodeStatus(node.ID, status.DispatchingSublattice); err != nil {
		return o.failed(err)
	}
	_ = r.state.persistNode(ctx, d, node.ID)
	r.publishNode(d, node.ID)

	nested, err := manifest.ParseNested(node.Workflow)
	if err != nil {
		return o.failed(err)
	}
	childID, err := r.CreateWorkflow(ctx, nested, WithInputs(kwargs), withParent(d.id, node.ID, d.row.RootID))
	if err != nil {
		return o.failed(err)
	}
	d.mu.Lock()
	d.children = append(d.children, childID)
	d.mu.Unlock()

	if err := r.Start(ctx, childID); err != nil {
		return o.failed(err)
	}
	child, _ := r.state.get(childID)

	select {
	case <-child.done:
	case <-ctx.Done():
		_ = r.Cancel(context.WithoutCancel(ctx), childID)
		<-child.done
		o.status = status.Cancelled
		return o
	}

	if st := child.record.Status(); st != status.Completed {
		return o.failed(fmt.Errorf("sub-workflow %s ended %s", childID, st))
	}
	o.output = json.RawMessage("null")
	if a, ok := child.record.Asset(result.KeyResult); ok {
		data, err := r.state.store.Get(ctx, a)
		if err != nil {
			return o.failed(fmt.Errorf("reading result of sub-workflow %s: %w", childID, err))
		}
		o.output = data
	}
	o.status = status.Completed
	return o
}
