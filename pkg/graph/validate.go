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

package graph

import (
	"github.com/tombee/lattice/pkg/errors"
)

// Validate fails with a GraphError if the graph is empty or cyclic.
func (g *Graph) Validate() error {
	if len(g.order) == 0 {
		return &errors.GraphError{Reason: "graph has no nodes"}
	}
	if order := g.TopologicalOrder(); len(order) == len(g.order) {
		return nil
	}
	return &errors.GraphError{Reason: "cycle detected", Nodes: g.findCycle()}
}

// TopologicalOrder returns a topological order using Kahn's algorithm,
// breaking ties by insertion order. On a cyclic graph the result is
// shorter than Len().
func (g *Graph) TopologicalOrder() []string {
	index := make(map[string]int, len(g.order))
	for i, id := range g.order {
		index[id] = i
	}

	indeg := make([]int, len(g.order))
	for _, e := range g.edges {
		indeg[index[e.Consumer]]++
	}

	// ready is kept sorted by insertion index; graphs are small enough
	// that a linear insert beats a heap.
	var ready []int
	for i, d := range indeg {
		if d == 0 {
			ready = append(ready, i)
		}
	}

	out := make([]string, 0, len(g.order))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		id := g.order[n]
		out = append(out, id)
		for _, ei := range g.outgoing[id] {
			m := index[g.edges[ei].Consumer]
			indeg[m]--
			if indeg[m] == 0 {
				ready = insertSorted(ready, m)
			}
		}
	}
	return out
}

func insertSorted(s []int, v int) []int {
	i := 0
	for i < len(s) && s[i] < v {
		i++
	}
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// findCycle returns one cycle as a closed path (first == last), found by
// a DFS in insertion order so the witness is stable.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.order))
	parent := make(map[string]string, len(g.order))
	var cycle []string

	var dfs func(u string) bool
	dfs = func(u string) bool {
		color[u] = gray
		for _, v := range g.Dependents(u) {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// back edge u -> v closes v ... u -> v
				path := []string{v}
				for cur := u; cur != v; cur = parent[cur] {
					path = append(path, cur)
				}
				path = append(path, v)
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				cycle = path
				return true
			}
		}
		color[u] = black
		return false
	}

	for _, id := range g.order {
		if color[id] == white && dfs(id) {
			break
		}
	}
	return cycle
}
