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

// Package graph implements the transport graph: the DAG of tasks a
// workflow is compiled into, with readiness and completion queries.
//
// Nodes keep insertion order. Positional arguments are bound in
// declaration order; edges feed a producer's output into a consumer's
// positional slot or keyword.
package graph

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tombee/lattice/pkg/deps"
	"github.com/tombee/lattice/pkg/errors"
	"github.com/tombee/lattice/pkg/function"
	"github.com/tombee/lattice/pkg/status"
)

// Node is one task (electron) of the graph.
type Node struct {
	ID       string       `json:"id"`
	Name     string       `json:"name,omitempty"`
	Function function.Ref `json:"function"`

	// Args and Kwargs hold literal bindings. Slots fed by edges are left
	// nil here and filled from the producer's output.
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`

	Executor       string         `json:"executor,omitempty"`
	ExecutorConfig map[string]any `json:"executor_config,omitempty"`
	Deps           []deps.Spec    `json:"deps,omitempty"`

	// Workflow is the nested workflow definition for sub-workflow nodes.
	Workflow json.RawMessage `json:"workflow,omitempty"`
}

// Param names the consumer argument an edge feeds. An empty Key means a
// positional argument at Position.
type Param struct {
	Position int    `json:"position,omitempty"`
	Key      string `json:"key,omitempty"`
}

// IsKeyword reports whether the param is a keyword binding.
func (p Param) IsKeyword() bool { return p.Key != "" }

func (p Param) String() string {
	if p.IsKeyword() {
		return p.Key
	}
	return fmt.Sprintf("#%d", p.Position)
}

// Edge feeds Producer's output into Consumer's Param.
type Edge struct {
	Producer string `json:"producer"`
	Consumer string `json:"consumer"`
	Param    Param  `json:"param"`

	// Optional edges only require the producer to be terminal; the slot
	// is bound to nil when the producer did not complete.
	Optional bool `json:"optional,omitempty"`
}

// StatusSource reports node statuses, typically a result record.
type StatusSource interface {
	NodeStatus(id string) status.Status
}

// Graph is the transport graph. It is not safe for concurrent mutation;
// once built it is read-only and may be shared.
type Graph struct {
	order    []string
	nodes    map[string]*Node
	edges    []Edge
	incoming map[string][]int
	outgoing map[string][]int
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		nodes:    make(map[string]*Node),
		incoming: make(map[string][]int),
		outgoing: make(map[string][]int),
	}
}

// AddNode inserts a node and returns its id.
func (g *Graph) AddNode(n Node) (string, error) {
	if n.ID == "" {
		return "", &errors.GraphError{Reason: "node id is required"}
	}
	if _, exists := g.nodes[n.ID]; exists {
		return "", &errors.GraphError{Reason: "duplicate node id", Nodes: []string{n.ID}}
	}
	if n.Name == "" {
		n.Name = n.Function.String()
	}
	node := n
	g.nodes[n.ID] = &node
	g.order = append(g.order, n.ID)
	return n.ID, nil
}

// AddEdge connects producer to consumer. Both nodes must exist and the
// consumer param may be fed by at most one edge.
func (g *Graph) AddEdge(producer, consumer string, p Param, optional bool) error {
	if _, ok := g.nodes[producer]; !ok {
		return &errors.GraphError{Reason: "dangling edge: unknown producer", Nodes: []string{producer, consumer}}
	}
	if _, ok := g.nodes[consumer]; !ok {
		return &errors.GraphError{Reason: "dangling edge: unknown consumer", Nodes: []string{producer, consumer}}
	}
	if !p.IsKeyword() && p.Position < 0 {
		return &errors.GraphError{Reason: "negative argument position", Nodes: []string{producer, consumer}}
	}
	for _, i := range g.incoming[consumer] {
		if g.edges[i].Param == p {
			return &errors.GraphError{
				Reason: fmt.Sprintf("argument %s bound twice", p),
				Nodes:  []string{g.edges[i].Producer, consumer},
			}
		}
	}

	g.edges = append(g.edges, Edge{Producer: producer, Consumer: consumer, Param: p, Optional: optional})
	idx := len(g.edges) - 1
	g.incoming[consumer] = append(g.incoming[consumer], idx)
	g.outgoing[producer] = append(g.outgoing[producer], idx)
	return nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.order) }

// IDs returns node ids in insertion order.
func (g *Graph) IDs() []string {
	return append([]string(nil), g.order...)
}

// Node returns a copy of the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Edges returns a copy of all edges in insertion order.
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// InEdges returns the edges feeding id, positional edges first in
// position order, then keyword edges by key.
func (g *Graph) InEdges(id string) []Edge {
	out := make([]Edge, 0, len(g.incoming[id]))
	for _, i := range g.incoming[id] {
		out = append(out, g.edges[i])
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Param, out[j].Param
		if a.IsKeyword() != b.IsKeyword() {
			return !a.IsKeyword()
		}
		if a.IsKeyword() {
			return a.Key < b.Key
		}
		return a.Position < b.Position
	})
	return out
}

// PositionalInputs returns the positional edges feeding id in position
// order.
func (g *Graph) PositionalInputs(id string) []Edge {
	var out []Edge
	for _, e := range g.InEdges(id) {
		if !e.Param.IsKeyword() {
			out = append(out, e)
		}
	}
	return out
}

// Parents returns the distinct producers of id in insertion order.
func (g *Graph) Parents(id string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, i := range g.incoming[id] {
		p := g.edges[i].Producer
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Dependents returns the distinct direct consumers of id.
func (g *Graph) Dependents(id string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, i := range g.outgoing[id] {
		c := g.edges[i].Consumer
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// Descendants returns every node reachable from id, breadth first.
func (g *Graph) Descendants(id string) []string {
	seen := map[string]bool{id: true}
	queue := []string{id}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range g.Dependents(cur) {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
				queue = append(queue, d)
			}
		}
	}
	return out
}

// Ready returns every node that has not started and whose required
// producers have all completed, in insertion order.
func (g *Graph) Ready(src StatusSource) []string {
	var ready []string
	for _, id := range g.order {
		if src.NodeStatus(id) != status.NewObject {
			continue
		}
		if g.inputsSatisfied(id, src) {
			ready = append(ready, id)
		}
	}
	return ready
}

func (g *Graph) inputsSatisfied(id string, src StatusSource) bool {
	for _, i := range g.incoming[id] {
		e := g.edges[i]
		st := src.NodeStatus(e.Producer)
		if st.IsSuccess() {
			continue
		}
		if e.Optional && st.IsTerminal() {
			continue
		}
		return false
	}
	return true
}

// IsComplete reports whether every node is in a terminal state.
func (g *Graph) IsComplete(src StatusSource) bool {
	for _, id := range g.order {
		if !src.NodeStatus(id).IsTerminal() {
			return false
		}
	}
	return true
}

// Blocked reports whether id can never become ready because a required
// producer ended without completing.
func (g *Graph) Blocked(id string, src StatusSource) bool {
	for _, i := range g.incoming[id] {
		e := g.edges[i]
		st := src.NodeStatus(e.Producer)
		if e.Optional {
			continue
		}
		if st.IsTerminal() && !st.IsSuccess() {
			return true
		}
		if g.Blocked(e.Producer, src) {
			return true
		}
	}
	return false
}
