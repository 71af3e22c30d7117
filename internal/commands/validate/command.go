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

// Package validate implements `lattice validate`.
package validate

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/tombee/lattice/internal/commands/completion"
	"github.com/tombee/lattice/internal/commands/shared"
	"github.com/tombee/lattice/internal/controller"
	"github.com/tombee/lattice/internal/controller/backend/memory"
	"github.com/tombee/lattice/internal/controller/runner"
	"github.com/tombee/lattice/schemas"
)

// NewCommand creates the validate command
func NewCommand() *cobra.Command {
	var (
		plan   bool
		schema bool
		inputs []string
	)

	cmd := &cobra.Command{
		Use:   "validate <manifest|glob>...",
		Short: "Validate workflow manifests without running them",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Validate parses and compiles workflow manifests: YAML syntax, field
rules, references between nodes, cycles, function and executor names
(including executors defined in the config file).

Arguments may be files or doublestar globs such as 'flows/**/*.yaml'.

With --plan the execution plan is printed: nodes grouped by dependency
level, the executor of each node and the workflow output.

With --schema the JSON Schema of manifests is printed instead, for
editor integration.`,
		Example: `  lattice validate pipeline.yaml
  lattice validate 'flows/**/*.{yaml,yml}'
  lattice validate pipeline.yaml --plan -i x=3
  lattice validate pipeline.yaml --plan --json
  lattice validate --schema > workflow.schema.json`,
		Args: func(cmd *cobra.Command, args []string) error {
			if schema {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.MinimumNArgs(1)(cmd, args)
		},
		ValidArgsFunction: completion.CompleteWorkflowFiles,
		RunE: func(cmd *cobra.Command, args []string) error {
			if schema {
				return PrintSchema(cmd.OutOrStdout())
			}
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			reg, err := controller.NewExecutorRegistry(cfg.Executors)
			if err != nil {
				return shared.NewConfigError("invalid executors", err)
			}
			r := runner.New(runner.Config{DefaultExecutor: cfg.Runner.DefaultExecutor}, memory.New(), nil,
				runner.WithExecutors(reg),
				runner.WithLogger(shared.NewLogger(cfg)))
			defer func() { _ = r.Stop(context.Background()) }()

			in, err := shared.ParseInputs("", inputs, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return Validate(r, args, in, plan, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&plan, "plan", false, "Print the execution plan")
	cmd.Flags().BoolVar(&schema, "schema", false, "Print the manifest JSON Schema and exit")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "Workflow input as key=value, used by the plan (repeatable)")

	return cmd
}

// PrintSchema writes the manifest JSON Schema.
func PrintSchema(out io.Writer) error {
	data, err := schemas.Workflow()
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

// FileResult is the validation outcome of one manifest.
type FileResult struct {
	Path  string            `json:"path"`
	Valid bool              `json:"valid"`
	Error *shared.JSONError `json:"error,omitempty"`
	Plan  *runner.Plan      `json:"plan,omitempty"`
}

// Response is the --json output of validate.
type Response struct {
	shared.JSONResponse
	Files []FileResult `json:"files"`
}

// Expand resolves file arguments and doublestar globs to a sorted,
// de-duplicated list of paths. A glob that matches nothing is an error.
func Expand(args []string) ([]string, error) {
	seen := make(map[string]bool)
	var paths []string
	for _, arg := range args {
		if !strings.ContainsAny(arg, "*?[{") {
			if !seen[arg] {
				seen[arg] = true
				paths = append(paths, arg)
			}
			continue
		}
		base, pattern := doublestar.SplitPattern(filepath.ToSlash(arg))
		matches, err := doublestar.Glob(os.DirFS(base), pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, shared.NewInvalidWorkflowError(fmt.Sprintf("bad pattern %q", arg), err)
		}
		if len(matches) == 0 {
			return nil, shared.NewInvalidWorkflowError(fmt.Sprintf("no manifests match %q", arg), nil)
		}
		for _, m := range matches {
			p := filepath.Join(filepath.FromSlash(base), filepath.FromSlash(m))
			if !seen[p] {
				seen[p] = true
				paths = append(paths, p)
			}
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Validate checks every manifest named by args and reports the results.
// It returns an error when any manifest is invalid.
func Validate(r *runner.Runner, args []string, inputs map[string]any, showPlan bool, out io.Writer) error {
	paths, err := Expand(args)
	if err != nil {
		return err
	}

	results := make([]FileResult, 0, len(paths))
	invalid := 0
	for _, path := range paths {
		res := FileResult{Path: path}
		data, err := os.ReadFile(path)
		if err == nil {
			res.Plan, err = r.Plan(data, inputs)
		}
		if err != nil {
			je := shared.ToJSONError(err)
			if os.IsNotExist(err) {
				je.Code = shared.ErrorCodeFileNotFound
			}
			res.Error = &je
			res.Plan = nil
			invalid++
		} else {
			res.Valid = true
			if !showPlan {
				res.Plan = nil
			}
		}
		results = append(results, res)
	}

	if shared.GetJSON() {
		resp := Response{JSONResponse: shared.NewResponse("validate"), Files: results}
		resp.Success = invalid == 0
		if err := shared.EmitJSON(out, resp); err != nil {
			return err
		}
	} else {
		for _, res := range results {
			if !res.Valid {
				fmt.Fprintln(out, shared.RenderError(fmt.Sprintf("%s: %s", res.Path, res.Error.Message)))
				if res.Error.Suggestion != "" {
					fmt.Fprintf(out, "    %s %s\n", shared.RenderLabel("suggestion:"), res.Error.Suggestion)
				}
				continue
			}
			if !shared.GetQuiet() {
				fmt.Fprintln(out, shared.RenderOK(res.Path))
			}
			if res.Plan != nil {
				printPlan(out, res.Plan)
			}
		}
	}

	if invalid > 0 {
		return shared.NewInvalidWorkflowError(fmt.Sprintf("%d of %d manifests invalid", invalid, len(results)), nil)
	}
	return nil
}

func printPlan(w io.Writer, p *runner.Plan) {
	nodes := make(map[string]runner.PlanNode, len(p.Nodes))
	for _, n := range p.Nodes {
		nodes[n.ID] = n
	}
	fmt.Fprintf(w, "  %s %s\n", shared.RenderLabel("workflow:"), p.Name)
	fmt.Fprintf(w, "  %s %s\n", shared.RenderLabel("executors:"), strings.Join(p.Executors, ", "))
	fmt.Fprintf(w, "  %s %s\n", shared.RenderLabel("output:"), p.Output)
	for i, level := range p.Levels {
		fmt.Fprintf(w, "  %s\n", shared.Render(shared.Header, fmt.Sprintf("level %d", i)))
		for _, id := range level {
			n := nodes[id]
			line := fmt.Sprintf("    %-20s %-24s %s", id, n.Function, shared.RenderLabel("on "+n.Executor))
			if len(n.Parents) > 0 {
				line += shared.RenderLabel("  after " + strings.Join(n.Parents, ", "))
			}
			fmt.Fprintln(w, line)
		}
	}
}
