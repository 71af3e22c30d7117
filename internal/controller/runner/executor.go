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

// Admission loop and dispatch completion.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tombee/lattice/internal/controller/metrics"
	"github.com/tombee/lattice/internal/log"
	"github.com/tombee/lattice/internal/result"
	"github.com/tombee/lattice/internal/tracing"
	"github.com/tombee/lattice/pkg/errors"
	"github.com/tombee/lattice/pkg/executor"
	"github.com/tombee/lattice/pkg/function"
	"github.com/tombee/lattice/pkg/status"
)

// outcome is what a node goroutine reports back to the admission loop.
type outcome struct {
	id         string
	status     status.Status
	output     json.RawMessage
	stdout     []byte
	stderr     []byte
	err        error
	errType    string
	hookErrors []string

	// held is set when the node occupies a slot of the dispatch budget.
	held    bool
	started time.Time
}

func (o outcome) failed(err error) outcome {
	o.status = status.Failed
	o.err = err
	if o.errType == "" {
		o.errType = errors.TypeOf(err)
	}
	return o
}

// errorDoc is the content of an error asset.
type errorDoc struct {
	Error      string   `json:"error"`
	Type       string   `json:"type,omitempty"`
	HookErrors []string `json:"hook_errors,omitempty"`
}

func encodeError(msg, typ string, hooks []string) []byte {
	data, _ := json.Marshal(errorDoc{Error: msg, Type: typ, HookErrors: hooks})
	return data
}

// execute drives a started dispatch to a terminal status.
func (r *Runner) execute(d *dispatch) {
	defer r.wg.Done()

	logger := r.dispatchLogger(d)
	ctx, span := tracing.StartDispatch(d.ctx, r.tracer, d.id, d.row.Name)

	if err := d.record.SetStatus(status.Running); err != nil {
		logger.Warn("dispatch could not enter RUNNING", log.Error(err))
	}
	if err := r.state.persistDispatch(ctx, d); err != nil {
		logger.Warn("failed to persist dispatch", log.Error(err))
	}
	r.publishDispatch(d)
	logger.Info("dispatch running", slog.Int("max_parallel", r.cfg.MaxParallel))

	r.settleReused(ctx, d)

	budget := newSlotBudget(r.cfg.MaxParallel)
	results := make(chan outcome)
	inflight := r.resumeJobs(ctx, d, budget, results)
	if budget.overdrawn > 0 {
		logger.Warn("more resumed jobs than slots; admission waits until they drain",
			slog.Int("over_budget", budget.overdrawn))
	}

	for {
		if !d.isCancelled() {
			inflight += r.admit(ctx, d, budget, results)
		}
		if inflight == 0 {
			break
		}
		o := <-results
		inflight--
		budget.release(o.held)
		r.finishNode(ctx, d, o)
	}

	r.finish(ctx, d, span)
}

// slotBudget is a dispatch's slot semaphore. Resumed jobs that found no
// free slot still run on their backend; they are counted as overdrawn,
// and every slot freed while any of them runs passes to them instead of
// to a new node. Only the admission loop goroutine uses it.
type slotBudget struct {
	sem *semaphore.Weighted

	// overdrawn resumed jobs run without a slot
	overdrawn int

	// transferred slots are held on behalf of resumed jobs still running
	transferred int
}

func newSlotBudget(n int) *slotBudget {
	return &slotBudget{sem: semaphore.NewWeighted(int64(n))}
}

func (b *slotBudget) tryAcquire() bool {
	if !b.sem.TryAcquire(1) {
		return false
	}
	metrics.SlotAcquired()
	return true
}

// release accounts for a finished node that held a slot or not.
func (b *slotBudget) release(held bool) {
	if b.overdrawn > 0 {
		b.overdrawn--
		if held {
			b.transferred++
		}
		return
	}
	if !held {
		if b.transferred == 0 {
			return
		}
		b.transferred--
	}
	b.sem.Release(1)
	metrics.SlotReleased()
}

// admit launches every ready node a free slot allows and returns how many
// were launched. The loop never blocks on the semaphore.
func (r *Runner) admit(ctx context.Context, d *dispatch, budget *slotBudget, results chan<- outcome) int {
	launched := 0
	for _, id := range d.def.Graph.Ready(d.record) {
		if !budget.tryAcquire() {
			break
		}

		nctx, ok := r.markRunning(ctx, d, id)
		if !ok {
			budget.release(true)
			continue
		}
		launched++
		go func() {
			results <- r.runNode(nctx, d, id)
		}()
	}
	return launched
}

// markRunning moves a ready node to RUNNING and registers its context so
// Cancel can reach it. It fails if the node was cancelled meanwhile.
func (r *Runner) markRunning(ctx context.Context, d *dispatch, id string) (context.Context, bool) {
	d.mu.Lock()
	if d.cancelRequested || d.cancelled[id] {
		d.mu.Unlock()
		return nil, false
	}
	if _, err := d.record.SetNodeStatus(id, status.Running); err != nil {
		d.mu.Unlock()
		return nil, false
	}
	nctx, cancel := context.WithCancel(ctx)
	d.inflight[id] = cancel
	d.mu.Unlock()

	_ = r.state.persistNode(ctx, d, id)
	r.publishNode(d, id)
	return nctx, true
}

// settleReused completes PENDING_REUSE nodes with the assets of the
// dispatch they are reused from.
func (r *Runner) settleReused(ctx context.Context, d *dispatch) {
	if len(d.reuse) == 0 {
		return
	}
	logger := r.dispatchLogger(d)
	for _, id := range d.def.Graph.TopologicalOrder() {
		links, ok := d.reuse[id]
		if !ok || d.record.NodeStatus(id) != status.PendingReuse {
			continue
		}
		for key, a := range links {
			if err := r.state.linkNodeAsset(ctx, d, id, key, a); err != nil {
				logger.Warn("failed to link reused asset", slog.String(log.NodeIDKey, id), slog.String("key", key), log.Error(err))
			}
		}
		if _, err := d.record.SetNodeStatus(id, status.Completed); err != nil {
			continue
		}
		_ = r.state.persistNode(ctx, d, id)
		r.publishNode(d, id)
		log.Trace(logger, "node reused", slog.String(log.NodeIDKey, id))
	}
}

// finishNode records a node's outcome: assets first, then the status
// transition. Outcomes of cancelled nodes are discarded.
func (r *Runner) finishNode(ctx context.Context, d *dispatch, o outcome) {
	d.mu.Lock()
	if cancel, ok := d.inflight[o.id]; ok {
		cancel()
		delete(d.inflight, o.id)
	}
	delete(d.jobs, o.id)
	cancelled := d.cancelRequested || d.cancelled[o.id]
	d.mu.Unlock()

	node, _ := d.def.Graph.Node(o.id)
	logger := log.WithNodeContext(r.dispatchLogger(d), o.id, node.Executor)

	if cancelled || o.status == status.Cancelled {
		o.status = status.Cancelled
	} else {
		if o.stdout != nil {
			_ = r.state.putNodeAsset(ctx, d, o.id, result.KeyStdout, o.stdout)
		}
		if o.stderr != nil {
			_ = r.state.putNodeAsset(ctx, d, o.id, result.KeyStderr, o.stderr)
		}
		if o.status == status.Completed {
			output := o.output
			if len(output) == 0 {
				output = json.RawMessage("null")
			}
			if err := r.state.putNodeAsset(ctx, d, o.id, result.KeyOutput, output); err != nil {
				o = o.failed(err)
			}
		}
		if o.status != status.Completed {
			o.status = status.Failed
			if o.err == nil {
				o.err = fmt.Errorf("node %s did not complete", o.id)
			}
			msg := o.err.Error()
			d.record.SetNodeError(o.id, msg)
			_ = r.state.putNodeAsset(ctx, d, o.id, result.KeyError, encodeError(msg, o.errType, o.hookErrors))
		}
	}

	if _, err := d.record.SetNodeStatus(o.id, o.status); err != nil {
		// Cancel may already have moved the node to a terminal status.
		log.Trace(logger, "node status unchanged", log.Error(err))
	}
	_ = r.state.persistNode(ctx, d, o.id)
	r.publishNode(d, o.id)

	elapsed := time.Since(o.started)
	metrics.RecordNode(node.Executor, o.status.String(), elapsed)
	attrs := []any{log.Status(o.status), log.Duration(log.DurationKey, elapsed.Milliseconds())}
	if o.status == status.Failed {
		logger.Warn("node failed", append(attrs, log.Error(o.err))...)
	} else {
		logger.Info("node finished", attrs...)
	}
}

// finish decides the dispatch outcome once nothing is in flight.
func (r *Runner) finish(ctx context.Context, d *dispatch, span *tracing.Span) {
	logger := r.dispatchLogger(d)

	var final status.Status
	if d.isCancelled() {
		r.cancelRemaining(ctx, d)
		final = status.Cancelled
	} else {
		final = d.record.Aggregate()
		if final == status.Completed && !d.def.Graph.IsComplete(d.record) {
			final = status.Failed
			r.setError(d, "dispatch stalled: nodes remain that can never become ready")
		}
	}

	switch final {
	case status.Completed:
		final = r.produceResult(ctx, d)
	case status.Failed:
		if msg := failedSummary(d); msg != "" {
			r.setError(d, msg)
		}
	}
	d.mu.Lock()
	msg := d.errMsg
	d.mu.Unlock()
	if msg != "" {
		_ = r.state.putAsset(ctx, d, result.KeyWorkflowError, encodeError(msg, "", nil))
	}

	if err := d.record.SetStatus(final); err != nil {
		logger.Error("failed to set final dispatch status", log.Error(err))
	}
	r.markFinished(ctx, d)

	var spanErr error
	if msg != "" {
		spanErr = errors.New(msg)
	}
	span.Finish(final, spanErr)

	start, end := d.record.Times()
	attrs := []any{log.Status(final)}
	if start != nil && end != nil {
		attrs = append(attrs, log.Duration(log.DurationKey, end.Sub(*start).Milliseconds()))
	}
	if final == status.Completed {
		logger.Info("dispatch completed", attrs...)
	} else {
		logger.Warn("dispatch ended", append(attrs, slog.String("error", msg))...)
	}
}

// markFinished persists the terminal dispatch and releases waiters.
func (r *Runner) markFinished(ctx context.Context, d *dispatch) {
	d.mu.Lock()
	d.finished = true
	d.finishedAt = time.Now()
	d.mu.Unlock()

	_ = r.state.persistDispatch(ctx, d)
	r.publishDispatch(d)
	metrics.RecordDispatch(d.record.Status().String())
	d.cancel()
	close(d.done)
}

func (r *Runner) setError(d *dispatch, msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.errMsg == "" {
		d.errMsg = msg
	}
}

// cancelRemaining moves every non-terminal node to CANCELLED.
func (r *Runner) cancelRemaining(ctx context.Context, d *dispatch) {
	for _, id := range d.record.NodeIDs() {
		if d.record.NodeStatus(id).IsTerminal() {
			continue
		}
		if _, err := d.record.SetNodeStatus(id, status.Cancelled); err != nil {
			continue
		}
		_ = r.state.persistNode(ctx, d, id)
		r.publishNode(d, id)
	}
}

func failedSummary(d *dispatch) string {
	var failed []string
	for _, id := range d.record.NodeIDs() {
		if d.record.NodeStatus(id) == status.Failed {
			failed = append(failed, id)
		}
	}
	if len(failed) == 0 {
		return ""
	}
	return "failed nodes: " + strings.Join(failed, ", ")
}

// produceResult sets the workflow result. A node output is linked
// directly; an expression goes through the postprocessing states.
func (r *Runner) produceResult(ctx context.Context, d *dispatch) status.Status {
	out := d.def.Output
	if !out.IsExpr() {
		a, ok := d.record.NodeAsset(out.Node, result.KeyOutput)
		if !ok {
			r.setError(d, fmt.Sprintf("output node %s has no output", out.Node))
			return status.Failed
		}
		if err := r.state.linkAsset(ctx, d, result.KeyResult, a); err != nil {
			r.setError(d, err.Error())
			return status.Failed
		}
		return status.Completed
	}

	for _, st := range []status.Status{status.PendingPostprocessing, status.Postprocessing} {
		if err := d.record.SetStatus(st); err != nil {
			r.setError(d, err.Error())
			return status.Failed
		}
		_ = r.state.persistDispatch(ctx, d)
		r.publishDispatch(d)
	}

	value, err := r.postprocess(ctx, d, out.Expr)
	if err == nil {
		var data []byte
		if data, err = json.Marshal(value); err == nil {
			err = r.state.putAsset(ctx, d, result.KeyResult, data)
		}
	}
	if err != nil {
		r.setError(d, "postprocessing failed: "+err.Error())
		return status.PostprocessingFailed
	}
	return status.Completed
}

// postprocess evaluates the output expression with every completed
// node's output bound under its id.
func (r *Runner) postprocess(ctx context.Context, d *dispatch, source string) (any, error) {
	outputs := make(map[string]any)
	for _, id := range d.record.NodeIDs() {
		v, ok, err := r.state.nodeOutput(ctx, d, id)
		if err != nil {
			return nil, err
		}
		if ok {
			outputs[id] = v
		}
	}
	prog, err := function.CompileExpr(source)
	if err != nil {
		return nil, err
	}
	return function.Eval(prog, nil, outputs)
}

// resumeJobs relaunches polling for jobs persisted before a restart.
func (r *Runner) resumeJobs(ctx context.Context, d *dispatch, budget *slotBudget, results chan<- outcome) int {
	launched := 0
	for id, h := range d.resume {
		node, _ := d.def.Graph.Node(id)
		exec, err := r.executors.Get(node.Executor, node.ExecutorConfig)
		var async executor.AsyncExecutor
		if err == nil {
			var ok bool
			if async, ok = exec.(executor.AsyncExecutor); !ok {
				err = fmt.Errorf("executor %s cannot resume jobs", node.Executor)
			}
		}
		if err != nil {
			r.finishNode(ctx, d, outcome{id: id, started: time.Now()}.failed(err))
			continue
		}

		held := budget.tryAcquire()
		if !held {
			budget.overdrawn++
		}
		nctx, cancel := context.WithCancel(ctx)
		d.mu.Lock()
		d.inflight[id] = cancel
		d.mu.Unlock()

		launched++
		go func() {
			o := outcome{id: id, held: held, started: time.Now()}
			results <- r.awaitNode(nctx, d, async, id, h, o)
		}()
	}
	return launched
}
