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
	"fmt"
	"log/slog"

	"github.com/tombee/lattice/internal/assets"
	"github.com/tombee/lattice/internal/log"
	"github.com/tombee/lattice/internal/result"
	"github.com/tombee/lattice/pkg/status"
)

// planReuse marks nodes whose results can be taken from a previous
// dispatch as PENDING_REUSE. A node qualifies when it is unchanged, it
// completed in prev with an output, and all its parents qualify.
//
// Assets are linked here so a recovered dispatch can still settle the
// nodes; settleReused completes them once the dispatch runs.
func (r *Runner) planReuse(ctx context.Context, d *dispatch, prevID string) error {
	prev, err := r.state.load(ctx, prevID)
	if err != nil {
		return fmt.Errorf("loading dispatch %s for reuse: %w", prevID, err)
	}

	reused := make(map[string]bool)
	for _, id := range d.def.Graph.Compare(prev.def.Graph) {
		n, ok := prev.record.Node(id)
		if !ok || n.Status != status.Completed {
			continue
		}
		if _, ok := n.Assets[result.KeyOutput]; !ok {
			continue
		}
		parentsReused := true
		for _, p := range d.def.Graph.Parents(id) {
			if !reused[p] {
				parentsReused = false
				break
			}
		}
		if !parentsReused {
			continue
		}

		links := make(map[string]assets.Asset, len(n.Assets))
		for key, a := range n.Assets {
			if key == result.KeyError {
				continue
			}
			if err := r.state.linkNodeAsset(ctx, d, id, key, a); err != nil {
				return err
			}
			links[key] = a
		}
		if _, err := d.record.SetNodeStatus(id, status.PendingReuse); err != nil {
			return err
		}
		d.reuse[id] = links
		reused[id] = true
		_ = r.state.persistNode(ctx, d, id)
	}

	logger := r.dispatchLogger(d)
	if len(reused) == 0 {
		logger.Info("no results to reuse", slog.String("previous_dispatch_id", prevID))
		return nil
	}
	if err := d.record.SetStatus(status.PendingReuse); err != nil {
		return err
	}
	_ = r.state.persistDispatch(ctx, d)
	logger.Info("reusing results",
		slog.String("previous_dispatch_id", prevID),
		slog.Int("nodes", len(reused)))
	log.Trace(logger, "reuse plan", slog.Any("nodes", keys(reused)))
	return nil
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
