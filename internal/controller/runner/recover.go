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

	"golang.org/x/sync/errgroup"

	"github.com/tombee/lattice/internal/assets"
	"github.com/tombee/lattice/internal/controller/backend"
	"github.com/tombee/lattice/internal/log"
	"github.com/tombee/lattice/internal/result"
	"github.com/tombee/lattice/pkg/executor"
	"github.com/tombee/lattice/pkg/status"
)

// lostNodeError is recorded on nodes that cannot be resumed after a
// restart: synchronous tasks and sub-workflows.
const lostNodeError = "node was lost when the dispatcher restarted"

// recoverable are the dispatch statuses Recover picks up.
var recoverable = []status.Status{
	status.Starting,
	status.Running,
	status.PendingPostprocessing,
	status.Postprocessing,
}

// Recover reloads dispatches a previous process left unfinished and
// restarts their admission loops. Async jobs with a persisted handle are
// polled again; other running nodes fail. It returns how many dispatches
// were resumed.
func (r *Runner) Recover(ctx context.Context) (int, error) {
	rows, err := r.state.backend.ListDispatches(ctx, backend.DispatchFilter{Statuses: recoverable})
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, row := range rows {
		if _, ok := r.state.get(row.ID); ok {
			continue
		}
		g.Go(func() error {
			return r.recoverDispatch(gctx, row.ID)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	n := 0
	for _, row := range rows {
		if _, ok := r.state.get(row.ID); ok {
			n++
		}
	}
	if n > 0 {
		r.logger.Info("recovered dispatches", slog.Int("count", n))
	}
	return n, nil
}

func (r *Runner) recoverDispatch(ctx context.Context, id string) error {
	loaded, err := r.state.load(ctx, id)
	if err != nil {
		return err
	}

	// Postprocessing restarts from the completed node set.
	d := loaded
	if st := loaded.record.Status(); st == status.PendingPostprocessing || st == status.Postprocessing {
		d = restoreAs(loaded, status.Running)
	}

	jobs, err := r.state.backend.ListJobs(ctx, id)
	if err != nil {
		return err
	}
	handles := make(map[string]executor.JobHandle, len(jobs))
	for _, j := range jobs {
		if j.Status.IsTerminal() {
			continue
		}
		if h, err := executor.ParseHandle(j.Handle); err == nil {
			handles[j.NodeID] = h
		}
	}

	logger := r.dispatchLogger(d)
	for _, nid := range d.record.NodeIDs() {
		n, _ := d.record.Node(nid)
		switch n.Status {
		case status.PendingReuse:
			d.reuse[nid] = n.Assets
		case status.Running:
			if h, ok := handles[nid]; ok {
				d.resume[nid] = h
				continue
			}
			r.failLost(ctx, d, nid)
		case status.DispatchingSublattice:
			r.failLost(ctx, d, nid)
		}
	}

	d.mu.Lock()
	d.started = true
	cancelled := d.cancelRequested
	d.mu.Unlock()
	if cancelled {
		d.cancel()
	}

	r.state.add(d)
	logger.Info("dispatch recovered",
		slog.Int("resumed_jobs", len(d.resume)),
		slog.Bool("cancel_requested", cancelled))

	r.wg.Add(1)
	go r.execute(d)
	return nil
}

// restoreAs rebuilds a loaded dispatch with a different workflow status.
func restoreAs(d *dispatch, st status.Status) *dispatch {
	start, end := d.record.Times()
	states := make([]result.NodeState, 0, len(d.record.NodeIDs()))
	for _, nid := range d.record.NodeIDs() {
		n, _ := d.record.Node(nid)
		states = append(states, n)
	}
	wf := make(map[string]assets.Asset)
	for _, key := range []string{result.KeyInputs, result.KeyGraph} {
		if a, ok := d.record.Asset(key); ok {
			wf[key] = a
		}
	}
	rec := result.Restore(d.record.Meta(), st, start, end, states, wf)
	row := d.row
	row.Status = st
	return newDispatch(row, d.def, rec)
}

func (r *Runner) failLost(ctx context.Context, d *dispatch, id string) {
	d.record.SetNodeError(id, lostNodeError)
	_ = r.state.putNodeAsset(ctx, d, id, result.KeyError, encodeError(lostNodeError, "", nil))
	if _, err := d.record.SetNodeStatus(id, status.Failed); err != nil {
		r.dispatchLogger(d).Warn("failed to fail lost node", slog.String(log.NodeIDKey, id), log.Error(err))
		return
	}
	_ = r.state.persistNode(ctx, d, id)
	log.WithNodeContext(r.dispatchLogger(d), id, "").Warn(lostNodeError)
}
