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

// Package recover implements `lattice recover`.
package recover

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/lattice/internal/commands/shared"
	"github.com/tombee/lattice/internal/controller/backend"
	"github.com/tombee/lattice/internal/controller/runner"
)

// pollInterval is how often Wait checks for remaining dispatches.
var pollInterval = 250 * time.Millisecond

// NewCommand creates the recover command
func NewCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Resume dispatches left unfinished by an earlier process",
		Annotations: map[string]string{
			"group": "management",
		},
		Long: `Recover loads every dispatch the backend still records as running,
re-attaches to async jobs that were in flight, resubmits nodes whose
results were lost and drives the dispatches to completion.

Dispatches flagged by 'lattice cancel' are settled as CANCELLED.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, _, err := shared.NewController(ctx, true)
			if err != nil {
				return err
			}
			defer func() { _ = c.Shutdown(context.WithoutCancel(ctx)) }()

			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return Wait(ctx, c.Runner(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up and cancel the recovered dispatches after this long")

	return cmd
}

// Response is the --json output of recover.
type Response struct {
	shared.JSONResponse
	Dispatches []*backend.Dispatch `json:"dispatches"`
}

// Wait blocks until the runner has no active dispatch, then reports the
// outcome of every dispatch that was resumed. Cancelling ctx returns
// early with ExitCancelled; the caller's shutdown cancels what is left.
func Wait(ctx context.Context, r *runner.Runner, out io.Writer) error {
	ids := r.State().IDs()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for r.ActiveCount() > 0 {
		select {
		case <-ctx.Done():
			return shared.NewCancelledError(fmt.Sprintf("%d dispatch(es) still running", r.ActiveCount()))
		case <-ticker.C:
		}
	}

	rows := make([]*backend.Dispatch, 0, len(ids))
	failed := 0
	for _, id := range ids {
		row, err := r.Backend().GetDispatch(ctx, id)
		if err != nil {
			return shared.NewExecutionError("failed to load dispatch", err)
		}
		row.Definition = nil
		if !row.Status.IsSuccess() {
			failed++
		}
		rows = append(rows, row)
	}

	if shared.GetJSON() {
		resp := Response{JSONResponse: shared.NewResponse("recover"), Dispatches: rows}
		resp.Success = failed == 0
		if err := shared.EmitJSON(out, resp); err != nil {
			return err
		}
	} else if len(rows) == 0 {
		fmt.Fprintln(out, shared.RenderLabel("nothing to recover"))
	} else {
		for _, row := range rows {
			fmt.Fprintf(out, "%s  %s  %s\n", row.ID, row.Name, shared.RenderStatus(row.Status))
		}
	}

	if failed > 0 {
		return shared.NewExecutionError(fmt.Sprintf("%d recovered dispatch(es) did not complete", failed), nil)
	}
	return nil
}

