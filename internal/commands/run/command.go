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

// Package run implements `lattice run`: dispatch a workflow manifest in
// this process and wait for its result.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/lattice/internal/commands/completion"
	"github.com/tombee/lattice/internal/commands/shared"
	"github.com/tombee/lattice/internal/controller/runner"
	"github.com/tombee/lattice/internal/result"
	"github.com/tombee/lattice/pkg/status"
)

type options struct {
	inputs    []string
	inputFile string
	reuse     string
	follow    bool
	timeout   time.Duration
}

// NewCommand creates the run command
func NewCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "run <manifest>",
		Short: "Dispatch a workflow and wait for its result",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Run compiles a workflow manifest, dispatches it and waits until every
node is terminal. The workflow result is printed on success.

Inputs override the manifest's input defaults. Values are parsed as JSON
when possible, so -i n=3 binds a number and -i name=alice a string.

With --reuse, nodes whose definition and inputs are unchanged since the
given dispatch are not executed again; their outputs are reused.

Interrupting the command cancels the dispatch.`,
		Example: `  # Run a workflow
  lattice run pipeline.yaml

  # Override inputs and stream node status changes
  lattice run pipeline.yaml -i x=5 -i label=nightly --follow

  # Reuse unchanged results from an earlier dispatch
  lattice run pipeline.yaml --reuse 6f1c7a0e-...

  # Machine-readable result
  lattice run pipeline.yaml --json | jq .result`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteWorkflowFiles,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.inputs, "input", "i", nil, "Workflow input as key=value (repeatable)")
	cmd.Flags().StringVar(&opts.inputFile, "input-file", "", "JSON file of inputs (- reads stdin)")
	cmd.Flags().StringVar(&opts.reuse, "reuse", "", "Reuse unchanged node results from this dispatch id")
	_ = cmd.RegisterFlagCompletionFunc("reuse", completion.CompleteDispatchIDFlag)
	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "Print node status changes as they happen")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Cancel the dispatch after this long (0 waits forever)")

	return cmd
}

// Response is the --json output of run.
type Response struct {
	shared.JSONResponse
	DispatchID string           `json:"dispatch_id"`
	Status     string           `json:"status"`
	Result     json.RawMessage  `json:"result,omitempty"`
	Manifest   *result.Manifest `json:"manifest"`
}

func runWorkflow(cmd *cobra.Command, path string, opts options) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return shared.NewInvalidWorkflowError("failed to read manifest", err)
	}
	inputs, err := shared.ParseInputs(opts.inputFile, opts.inputs, cmd.InOrStdin())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, _, err := shared.NewController(ctx, false)
	if err != nil {
		return err
	}
	defer func() { _ = c.Shutdown(context.WithoutCancel(ctx)) }()

	return Dispatch(ctx, c.Runner(), data, inputs, opts.reuse, opts.follow, opts.timeout, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// Dispatch creates and starts a dispatch on r, waits for it and prints
// the outcome. Cancelling ctx or hitting timeout cancels the dispatch.
func Dispatch(ctx context.Context, r *runner.Runner, data []byte, inputs map[string]any, reuse string, follow bool, timeout time.Duration, out, errOut io.Writer) error {
	var createOpts []runner.CreateOption
	if inputs != nil {
		createOpts = append(createOpts, runner.WithInputs(inputs))
	}
	if reuse != "" {
		createOpts = append(createOpts, runner.WithReuse(reuse))
	}

	id, err := r.Create(ctx, data, createOpts...)
	if err != nil {
		return shared.NewInvalidWorkflowError("workflow rejected", err)
	}

	printed := make(chan struct{})
	if follow && !shared.GetJSON() {
		events, unsubscribe := r.Subscribe(id)
		defer unsubscribe()
		go func() {
			defer close(printed)
			printEvents(events, errOut)
		}()
	} else {
		close(printed)
	}

	if err := r.Start(ctx, id); err != nil {
		return shared.NewExecutionError("failed to start dispatch", err)
	}
	if !shared.GetJSON() && !shared.GetQuiet() {
		fmt.Fprintf(errOut, "%s %s\n", shared.RenderLabel("dispatch"), id)
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	m, err := r.GetResult(waitCtx, id, true)
	if err != nil {
		// Interrupted or timed out: cancel and wait for the dispatch to
		// settle so the record is final.
		bg := context.WithoutCancel(ctx)
		if cerr := r.Cancel(bg, id); cerr != nil {
			return shared.NewExecutionError("failed to cancel dispatch", cerr)
		}
		if m, err = r.GetResult(bg, id, true); err != nil {
			return shared.NewExecutionError("failed to read result", err)
		}
	}

	// Let the follower print the terminal event before the summary.
	select {
	case <-printed:
	case <-time.After(time.Second):
	}

	var output json.RawMessage
	if m.Metadata.Status == status.Completed {
		if output, err = r.Output(ctx, id); err != nil {
			return shared.NewExecutionError("failed to read result", err)
		}
	}

	if shared.GetJSON() {
		resp := Response{
			JSONResponse: shared.NewResponse("run"),
			DispatchID:   id,
			Status:       m.Metadata.Status.String(),
			Result:       output,
			Manifest:     m,
		}
		resp.Success = m.Metadata.Status == status.Completed
		if err := shared.EmitJSON(out, resp); err != nil {
			return err
		}
	} else {
		printSummary(errOut, m)
		if output != nil {
			fmt.Fprintln(out, string(output))
		}
	}

	return outcomeError(m)
}

func outcomeError(m *result.Manifest) error {
	switch m.Metadata.Status {
	case status.Completed:
		return nil
	case status.Cancelled:
		return shared.NewCancelledError(fmt.Sprintf("dispatch %s was cancelled", m.Metadata.DispatchID))
	default:
		for _, n := range m.Nodes {
			if n.Error != "" {
				return shared.NewExecutionError(fmt.Sprintf("dispatch %s %s", m.Metadata.DispatchID, m.Metadata.Status), fmt.Errorf("node %s: %s", n.ID, n.Error))
			}
		}
		return shared.NewExecutionError(fmt.Sprintf("dispatch %s %s", m.Metadata.DispatchID, m.Metadata.Status), nil)
	}
}

// printEvents prints events until the dispatch reaches a terminal state.
func printEvents(events <-chan runner.Event, w io.Writer) {
	for e := range events {
		ts := e.Timestamp.Local().Format("15:04:05.000")
		if e.Type == runner.EventDispatch {
			fmt.Fprintf(w, "%s %s %s\n", shared.RenderLabel(ts), shared.Render(shared.Bold, "dispatch"), shared.Render(shared.Header, e.Status.String()))
			if e.Status.IsTerminal() {
				return
			}
			continue
		}
		line := fmt.Sprintf("%s %s %s", shared.RenderLabel(ts), e.NodeID, e.Status.String())
		if e.Error != "" {
			line += ": " + e.Error
		}
		fmt.Fprintln(w, line)
	}
}

func printSummary(w io.Writer, m *result.Manifest) {
	md := m.Metadata
	dur := ""
	if md.StartTime != nil && md.EndTime != nil {
		dur = " in " + md.EndTime.Sub(*md.StartTime).Round(time.Millisecond).String()
	}
	fmt.Fprintf(w, "%s %s%s\n", shared.Render(shared.Bold, md.Name), statusText(md.Status), dur)
	for _, n := range m.Nodes {
		line := fmt.Sprintf("  %-24s %s", n.ID, statusText(n.Status))
		if n.Error != "" {
			line += "  " + n.Error
		}
		fmt.Fprintln(w, line)
	}
}

func statusText(st status.Status) string {
	if shared.IsTTY() {
		return shared.RenderStatus(st)
	}
	return st.String()
}
