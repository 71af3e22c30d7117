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
	"log/slog"
	"time"

	"github.com/tombee/lattice/internal/controller/backend"
	"github.com/tombee/lattice/internal/log"
	"github.com/tombee/lattice/pkg/errors"
	"github.com/tombee/lattice/pkg/executor"
	"github.com/tombee/lattice/pkg/status"
)

// Cancel requests cancellation of a dispatch. With node ids only those
// nodes and their descendants are cancelled and the dispatch keeps
// running. Cancelling a terminal dispatch is a no-op.
//
// Cancel does not wait: in-flight nodes are told to stop and their
// outcomes are discarded when they report back. Cancellation cascades to
// sub-workflow dispatches.
func (r *Runner) Cancel(ctx context.Context, id string, nodeIDs ...string) error {
	d, ok := r.state.get(id)
	if !ok {
		return r.cancelPersisted(ctx, id)
	}
	if len(nodeIDs) > 0 {
		return r.cancelNodes(ctx, d, nodeIDs)
	}

	d.mu.Lock()
	if d.finished || d.cancelRequested {
		d.mu.Unlock()
		return nil
	}
	d.cancelRequested = true
	started := d.started
	d.started = true
	jobs := make([]jobRef, 0, len(d.jobs))
	for _, j := range d.jobs {
		jobs = append(jobs, j)
	}
	children := append([]string(nil), d.children...)
	d.mu.Unlock()

	logger := r.dispatchLogger(d)
	logger.Info("dispatch cancel requested", slog.Int("jobs", len(jobs)))

	for _, j := range jobs {
		r.cancelJobAsync(ctx, d, j)
	}
	d.cancel()

	if started {
		_ = r.state.persistDispatch(ctx, d)
		r.publishDispatch(d)
	} else {
		// Never started: nothing will run the admission loop, so settle here.
		r.cancelRemaining(ctx, d)
		if err := d.record.SetStatus(status.Cancelled); err != nil {
			logger.Warn("failed to cancel dispatch", log.Error(err))
		}
		r.markFinished(ctx, d)
	}

	r.cascade(ctx, d, children)
	return nil
}

// cancelPersisted flags a dispatch this runner does not hold. Recover
// honours the flag.
func (r *Runner) cancelPersisted(ctx context.Context, id string) error {
	row, err := r.state.backend.GetDispatch(ctx, id)
	if err != nil {
		return err
	}
	if row.Status.IsTerminal() || row.CancelRequested {
		return nil
	}
	row.CancelRequested = true
	row.UpdatedAt = time.Now().UTC()
	return r.state.backend.UpdateDispatch(ctx, row)
}

func (r *Runner) cancelNodes(ctx context.Context, d *dispatch, nodeIDs []string) error {
	seen := make(map[string]bool)
	var targets []string
	for _, nid := range nodeIDs {
		if _, ok := d.def.Graph.Node(nid); !ok {
			return &errors.NotFoundError{Resource: "node", ID: nid}
		}
		for _, t := range append([]string{nid}, d.def.Graph.Descendants(nid)...) {
			if !seen[t] {
				seen[t] = true
				targets = append(targets, t)
			}
		}
	}

	var jobs []jobRef
	var settled []string
	d.mu.Lock()
	if d.finished {
		d.mu.Unlock()
		return nil
	}
	for _, t := range targets {
		if d.record.NodeStatus(t).IsTerminal() {
			continue
		}
		d.cancelled[t] = true
		if cancel, ok := d.inflight[t]; ok {
			cancel()
			if j, ok := d.jobs[t]; ok {
				jobs = append(jobs, j)
			}
			continue
		}
		if _, err := d.record.SetNodeStatus(t, status.Cancelled); err == nil {
			settled = append(settled, t)
		}
	}
	d.mu.Unlock()

	for _, j := range jobs {
		r.cancelJobAsync(ctx, d, j)
	}
	for _, t := range settled {
		_ = r.state.persistNode(ctx, d, t)
		r.publishNode(d, t)
	}
	r.dispatchLogger(d).Info("nodes cancel requested",
		slog.Any("nodes", targets),
		slog.Int("jobs", len(jobs)))
	return nil
}

// cascade cancels the sub-workflow dispatches of d, including children
// only known to the backend.
func (r *Runner) cascade(ctx context.Context, d *dispatch, children []string) {
	seen := make(map[string]bool, len(children))
	for _, c := range children {
		seen[c] = true
	}
	rows, err := r.state.backend.ListDispatches(ctx, backend.DispatchFilter{RootID: d.row.RootID})
	if err == nil {
		for _, row := range rows {
			if row.ParentID == d.id && !seen[row.ID] {
				seen[row.ID] = true
				children = append(children, row.ID)
			}
		}
	}
	for _, c := range children {
		if err := r.Cancel(ctx, c); err != nil {
			r.dispatchLogger(d).Warn("failed to cancel sub-workflow",
				slog.String("child_dispatch_id", c),
				log.Error(err))
		}
	}
}

func (r *Runner) cancelJobAsync(ctx context.Context, d *dispatch, ref jobRef) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.cancelJob(ctx, d, ref)
	}()
}

// cancelJob asks the executor to stop a job and records whether it did.
func (r *Runner) cancelJob(ctx context.Context, d *dispatch, ref jobRef) {
	ctx = context.WithoutCancel(ctx)
	_ = r.state.updateJob(ctx, d.id, ref.meta.NodeID, ref.handle, func(j *backend.Job) {
		j.CancelRequested = true
	})

	logger := log.WithNodeContext(r.dispatchLogger(d), ref.meta.NodeID, ref.exec.Name()).
		With(slog.String(log.JobIDKey, ref.handle.JobID))
	c, ok := ref.exec.(executor.Canceller)
	if !ok {
		logger.Debug("executor cannot cancel jobs")
		return
	}
	err := c.Cancel(ctx, ref.meta, ref.handle)
	_ = r.state.updateJob(ctx, d.id, ref.meta.NodeID, ref.handle, func(j *backend.Job) {
		j.CancelSuccessful = err == nil
	})
	if err != nil {
		logger.Warn("failed to cancel job", log.Error(err))
		return
	}
	logger.Info("job cancelled")
}
