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
	"sort"

	"github.com/tombee/lattice/internal/manifest"
)

// Plan is the execution plan of a manifest, computed without running
// anything.
type Plan struct {
	Name string `json:"name"`

	// Levels groups node ids by dependency depth. Nodes of one level can
	// run in parallel once the previous levels completed.
	Levels    [][]string     `json:"levels"`
	Nodes     []PlanNode     `json:"nodes"`
	Executors []string       `json:"executors"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Output    string         `json:"output"`
}

// PlanNode describes one node of a Plan.
type PlanNode struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Function string   `json:"function"`
	Executor string   `json:"executor"`
	Level    int      `json:"level"`
	Parents  []string `json:"parents,omitempty"`
	Deps     []string `json:"deps,omitempty"`
}

// Plan parses and compiles a manifest against the runner's registries
// and reports how it would execute. Nothing is persisted.
func (r *Runner) Plan(data []byte, inputs map[string]any) (*Plan, error) {
	w, err := manifest.Parse(data)
	if err != nil {
		return nil, err
	}
	def, err := manifest.Compile(w, manifest.CompileOptions{
		Functions:       r.functions,
		Executors:       r.executors.Registry(),
		DefaultExecutor: r.cfg.DefaultExecutor,
		Inputs:          inputs,
	})
	if err != nil {
		return nil, err
	}

	g := def.Graph
	level := make(map[string]int, g.Len())
	depth := 0
	for _, id := range g.TopologicalOrder() {
		l := 0
		for _, p := range g.Parents(id) {
			if level[p]+1 > l {
				l = level[p] + 1
			}
		}
		level[id] = l
		if l > depth {
			depth = l
		}
	}

	p := &Plan{Name: def.Name, Levels: make([][]string, depth+1), Inputs: def.Inputs}
	executors := make(map[string]bool)
	for _, id := range g.IDs() {
		n, _ := g.Node(id)
		pn := PlanNode{
			ID:       id,
			Name:     n.Name,
			Function: n.Function.String(),
			Executor: n.Executor,
			Level:    level[id],
			Parents:  g.Parents(id),
		}
		for _, s := range n.Deps {
			pn.Deps = append(pn.Deps, string(s.Kind))
		}
		p.Nodes = append(p.Nodes, pn)
		p.Levels[level[id]] = append(p.Levels[level[id]], id)
		executors[n.Executor] = true
	}
	for e := range executors {
		p.Executors = append(p.Executors, e)
	}
	sort.Strings(p.Executors)

	if def.Output.IsExpr() {
		p.Output = "expr: " + def.Output.Expr
	} else {
		p.Output = "node: " + def.Output.Node
	}
	return p, nil
}
