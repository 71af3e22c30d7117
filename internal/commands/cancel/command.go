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

// Package cancel implements `lattice cancel`.
package cancel

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tombee/lattice/internal/commands/completion"
	"github.com/tombee/lattice/internal/commands/shared"
	"github.com/tombee/lattice/internal/controller/runner"
	"github.com/tombee/lattice/pkg/errors"
)

// NewCommand creates the cancel command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <dispatch-id> [node-id...]",
		Short: "Cancel a dispatch or some of its nodes",
		Annotations: map[string]string{
			"group": "management",
		},
		Long: `Cancel requests cancellation of a persisted dispatch. The dispatch is
flagged in the backend and the process driving it (or the next
'lattice recover') settles it as CANCELLED.

Naming nodes cancels only those nodes and their descendants; this
needs the dispatch to be driven by this process.`,
		Args:              cobra.MinimumNArgs(1),
		ValidArgsFunction: completion.CompleteActiveDispatchIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, _, err := shared.NewController(ctx, false)
			if err != nil {
				return err
			}
			defer func() { _ = c.Shutdown(context.WithoutCancel(ctx)) }()
			return Cancel(ctx, c.Runner(), args[0], args[1:], cmd.OutOrStdout())
		},
	}
	return cmd
}

// Response is the --json output of cancel.
type Response struct {
	shared.JSONResponse
	DispatchID string   `json:"dispatch_id"`
	Nodes      []string `json:"nodes,omitempty"`
}

// Cancel requests cancellation of id, or of nodes within it.
func Cancel(ctx context.Context, r *runner.Runner, id string, nodes []string, out io.Writer) error {
	if err := r.Cancel(ctx, id, nodes...); err != nil {
		var nf *errors.NotFoundError
		if errors.As(err, &nf) {
			return shared.NewMissingInputError(err.Error(), err)
		}
		return shared.NewExecutionError("failed to cancel dispatch", err)
	}

	if shared.GetJSON() {
		return shared.EmitJSON(out, Response{JSONResponse: shared.NewResponse("cancel"), DispatchID: id, Nodes: nodes})
	}
	if len(nodes) > 0 {
		fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("cancel requested for %d node(s) of %s", len(nodes), id)))
		return nil
	}
	fmt.Fprintln(out, shared.RenderOK("cancel requested for "+id))
	return nil
}
