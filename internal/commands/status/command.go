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

// Package status implements `lattice status`.
package status

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/tombee/lattice/internal/cli/timeline"
	"github.com/tombee/lattice/internal/commands/completion"
	"github.com/tombee/lattice/internal/commands/shared"
	"github.com/tombee/lattice/internal/controller/backend"
	"github.com/tombee/lattice/internal/controller/runner"
	"github.com/tombee/lattice/internal/result"
	"github.com/tombee/lattice/pkg/status"
)

// NewCommand creates the status command
func NewCommand() *cobra.Command {
	var (
		statuses     []string
		root         string
		limit        int
		showTimeline bool
	)

	cmd := &cobra.Command{
		Use:   "status [dispatch-id]",
		Short: "Show persisted dispatches",
		Annotations: map[string]string{
			"group": "management",
		},
		Long: `Without arguments, status lists recent dispatches from the configured
backend. With a dispatch id it shows the output manifest of that
dispatch: every node with its status, error and assets.`,
		Example: `  lattice status
  lattice status --status RUNNING --status FAILED
  lattice status 6f1c7a0e-... --timeline
  lattice status 6f1c7a0e-... --json`,
		Args:              cobra.MaximumNArgs(1),
		ValidArgsFunction: completion.CompleteDispatchIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, _, err := shared.NewController(ctx, false)
			if err != nil {
				return err
			}
			defer func() { _ = c.Shutdown(context.WithoutCancel(ctx)) }()

			if len(args) == 1 {
				return Show(ctx, c.Runner(), args[0], showTimeline, cmd.OutOrStdout())
			}
			filter := backend.DispatchFilter{RootID: root, Limit: limit}
			for _, s := range statuses {
				st, err := status.Parse(strings.ToUpper(s))
				if err != nil {
					return shared.NewMissingInputError("invalid --status", err)
				}
				filter.Statuses = append(filter.Statuses, st)
			}
			return List(ctx, c.Runner().Backend(), filter, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringArrayVar(&statuses, "status", nil, "Only dispatches in this status (repeatable)")
	_ = cmd.RegisterFlagCompletionFunc("status", completion.CompleteStatus)
	cmd.Flags().StringVar(&root, "root", "", "Only dispatches of this root dispatch (sub-workflows)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of dispatches")
	cmd.Flags().BoolVar(&showTimeline, "timeline", false, "Draw node run times as a timeline")

	return cmd
}

// ListResponse is the --json output of status without an id.
type ListResponse struct {
	shared.JSONResponse
	Dispatches []*backend.Dispatch `json:"dispatches"`
}

// ShowResponse is the --json output of status with an id.
type ShowResponse struct {
	shared.JSONResponse
	Manifest *result.Manifest `json:"manifest"`
}

// List prints dispatches matching filter.
func List(ctx context.Context, be backend.DispatchStore, filter backend.DispatchFilter, out io.Writer) error {
	rows, err := be.ListDispatches(ctx, filter)
	if err != nil {
		return shared.NewExecutionError("failed to list dispatches", err)
	}
	if shared.GetJSON() {
		for _, r := range rows {
			r.Definition = nil
		}
		return shared.EmitJSON(out, ListResponse{JSONResponse: shared.NewResponse("status"), Dispatches: rows})
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, shared.RenderLabel("no dispatches"))
		return nil
	}

	idW, nameW := len("DISPATCH"), len("NAME")
	for _, r := range rows {
		idW = max(idW, len(r.ID))
		nameW = max(nameW, len(r.Name))
	}
	header := lipgloss.JoinHorizontal(lipgloss.Top,
		pad("DISPATCH", idW), "  ", pad("NAME", nameW), "  ", pad("STATUS", 24), "  ", "CREATED")
	fmt.Fprintln(out, shared.Render(shared.Bold, header))
	for _, r := range rows {
		name := r.Name
		if r.ParentID != "" {
			name = "↳ " + name
		}
		st := r.Status.String()
		if r.CancelRequested && !r.Status.IsTerminal() {
			st += " (cancel requested)"
		}
		fmt.Fprintf(out, "%s  %s  %s  %s\n",
			pad(r.ID, idW), pad(name, nameW), colour(r.Status, pad(st, 24)),
			shared.RenderLabel(r.CreatedAt.Local().Format(time.DateTime)))
	}
	return nil
}

// Show prints the output manifest of one dispatch, optionally with a
// timeline of node run times.
func Show(ctx context.Context, r *runner.Runner, id string, withTimeline bool, out io.Writer) error {
	m, err := r.GetResult(ctx, id, false)
	if err != nil {
		return shared.NewExecutionError("failed to load dispatch", err)
	}
	if shared.GetJSON() {
		return shared.EmitJSON(out, ShowResponse{JSONResponse: shared.NewResponse("status"), Manifest: m})
	}

	md := m.Metadata
	fmt.Fprintf(out, "%s %s\n", shared.Render(shared.Header, md.Name), colour(md.Status, md.Status.String()))
	fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("dispatch:"), md.DispatchID)
	if md.ParentDispatchID != "" {
		fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("parent:  "), md.ParentDispatchID)
	}
	if md.StartTime != nil {
		fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("started: "), md.StartTime.Local().Format(time.DateTime))
	}
	if md.StartTime != nil && md.EndTime != nil {
		fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("took:    "), md.EndTime.Sub(*md.StartTime).Round(time.Millisecond))
	}
	if ref, ok := m.Assets[result.KeyResult]; ok {
		fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("result:  "), ref.URI)
	}

	fmt.Fprintln(out)
	if withTimeline {
		tr, err := timeline.NewRenderer()
		if err != nil {
			return shared.NewMissingInputError("cannot draw timeline", err)
		}
		drawn, err := tr.Render(m, time.Now())
		if err != nil {
			fmt.Fprintln(out, shared.RenderWarn(err.Error()))
		} else {
			fmt.Fprint(out, drawn)
		}
		return nil
	}
	for _, n := range m.Nodes {
		fmt.Fprintf(out, "  %-20s %-10s %s\n", n.ID, n.Executor, colour(n.Status, n.Status.String()))
		if n.Error != "" {
			fmt.Fprintf(out, "  %-20s %s\n", "", shared.Render(shared.StatusError, n.Error))
		}
	}
	return nil
}

func pad(s string, w int) string {
	return lipgloss.NewStyle().Width(w).Render(s)
}

func colour(st status.Status, s string) string {
	switch {
	case st == status.Completed:
		return shared.Render(shared.StatusOK, s)
	case st == status.Cancelled:
		return shared.Render(shared.StatusWarn, s)
	case st.IsTerminal():
		return shared.Render(shared.StatusError, s)
	case st.IsActive():
		return shared.Render(shared.StatusInfo, s)
	}
	return s
}
