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

package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/tombee/lattice/pkg/deps"
	"github.com/tombee/lattice/pkg/errors"
	"github.com/tombee/lattice/pkg/executor"
	"github.com/tombee/lattice/pkg/function"
	"github.com/tombee/lattice/pkg/graph"
)

// Definition is a compiled workflow, ready to dispatch. It is persisted
// with the dispatch so the runner can rebuild it after a restart.
type Definition struct {
	Name   string         `json:"name"`
	Inputs map[string]any `json:"inputs,omitempty"`
	Graph  *graph.Graph   `json:"graph"`

	// Output always names either a node or an expression after Compile.
	Output Output `json:"output"`
}

// CompileOptions carries the registries Compile validates against. Nil
// registries skip the corresponding checks.
type CompileOptions struct {
	Functions *function.Registry
	Executors *executor.Registry

	// DefaultExecutor overrides DefaultExecutor.
	DefaultExecutor string

	// Inputs override the manifest's input defaults.
	Inputs map[string]any
}

// Compile turns a validated workflow into a Definition. Input bindings
// are resolved to literals here; ref bindings become graph edges.
func Compile(w *Workflow, opts CompileOptions) (*Definition, error) {
	provided := make(map[string]bool, len(opts.Inputs))
	for k := range opts.Inputs {
		provided[k] = true
	}
	if err := w.validate(0, provided); err != nil {
		return nil, err
	}

	inputs := make(map[string]any, len(w.Inputs)+len(opts.Inputs))
	for k, v := range w.Inputs {
		inputs[k] = v
	}
	for k, v := range opts.Inputs {
		inputs[k] = v
	}

	fallback := w.Executor
	if fallback == "" {
		fallback = opts.DefaultExecutor
	}
	if fallback == "" {
		fallback = DefaultExecutor
	}

	g := graph.New()
	type pending struct {
		producer, consumer string
		param              graph.Param
		optional           bool
	}
	var edges []pending

	for i := range w.Nodes {
		n := &w.Nodes[i]
		node := graph.Node{ID: n.ID, Name: n.Name, Deps: n.Deps}

		for _, spec := range n.Deps {
			if _, err := deps.Decode(spec); err != nil {
				return nil, fmt.Errorf("nodes.%s.deps: %w", n.ID, err)
			}
		}

		if n.Workflow != nil {
			nested, err := json.Marshal(n.Workflow)
			if err != nil {
				return nil, fmt.Errorf("nodes.%s.workflow: %w", n.ID, err)
			}
			node.Function = function.Ref{Kind: function.KindWorkflow, Name: n.Workflow.Name}
			node.Workflow = nested
		} else {
			node.Function = *n.Function
			if opts.Functions != nil {
				if err := opts.Functions.Validate(node.Function); err != nil {
					return nil, fmt.Errorf("nodes.%s.function: %w", n.ID, err)
				}
			}
		}

		key, cfg := resolveExecutor(w, n, fallback)
		if opts.Executors != nil && !opts.Executors.Has(key) {
			return nil, &errors.ValidationError{
				Field:      "nodes." + n.ID + ".executor",
				Message:    fmt.Sprintf("unknown executor %q", key),
				Suggestion: fmt.Sprintf("registered executors: %v", opts.Executors.Keys()),
			}
		}
		node.Executor = key
		node.ExecutorConfig = cfg

		bind := func(field string, b Binding, p graph.Param) (any, error) {
			switch {
			case b.Ref != "":
				edges = append(edges, pending{producer: b.Ref, consumer: n.ID, param: p, optional: b.Optional})
				return nil, nil
			case b.Input != "":
				v, ok := inputs[b.Input]
				if !ok {
					return nil, &errors.ValidationError{Field: field, Message: fmt.Sprintf("workflow input %q was not provided", b.Input)}
				}
				return v, nil
			default:
				return b.Value, nil
			}
		}

		if len(n.Args) > 0 {
			node.Args = make([]any, len(n.Args))
		}
		for j, b := range n.Args {
			v, err := bind(fmt.Sprintf("nodes.%s.args[%d]", n.ID, j), b, graph.Param{Position: j})
			if err != nil {
				return nil, err
			}
			node.Args[j] = v
		}
		for k, b := range n.Kwargs {
			v, err := bind(fmt.Sprintf("nodes.%s.kwargs.%s", n.ID, k), b, graph.Param{Key: k})
			if err != nil {
				return nil, err
			}
			if b.Ref != "" {
				continue
			}
			if node.Kwargs == nil {
				node.Kwargs = make(map[string]any)
			}
			node.Kwargs[k] = v
		}

		if _, err := g.AddNode(node); err != nil {
			return nil, err
		}
	}

	for _, e := range edges {
		if err := g.AddEdge(e.producer, e.consumer, e.param, e.optional); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}

	out := w.Output
	if !out.IsExpr() && out.Node == "" {
		ids := g.IDs()
		out.Node = ids[len(ids)-1]
	}

	return &Definition{Name: w.Name, Inputs: inputs, Graph: g, Output: out}, nil
}

func resolveExecutor(w *Workflow, n *Node, fallback string) (string, map[string]any) {
	name := n.Executor
	if name == "" {
		name = fallback
	}
	if def, ok := w.Executors[name]; ok {
		cfg := executor.Config(def.Config).Merge(n.ExecutorConfig)
		if len(cfg) == 0 {
			cfg = nil
		}
		return def.Type, cfg
	}
	if len(n.ExecutorConfig) == 0 {
		return name, nil
	}
	return name, n.ExecutorConfig
}

// ParseNested decodes a sub-workflow stored on a graph node.
func ParseNested(data json.RawMessage) (*Workflow, error) {
	var w Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &errors.ValidationError{Field: "workflow", Message: fmt.Sprintf("failed to decode nested workflow: %s", err.Error())}
	}
	return &w, nil
}

// Marshal encodes d for persistence.
func (d *Definition) Marshal() (json.RawMessage, error) {
	return json.Marshal(d)
}

// UnmarshalDefinition decodes a persisted Definition.
func UnmarshalDefinition(data []byte) (*Definition, error) {
	var d Definition
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode workflow definition: %w", err)
	}
	if d.Graph == nil {
		return nil, &errors.GraphError{Reason: "definition has no graph"}
	}
	return &d, nil
}
