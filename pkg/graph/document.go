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
	"encoding/json"
)

// Document is the serialized form of a graph, persisted with each
// dispatch so it can be rebuilt for recovery and reuse comparison.
type Document struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Document returns the serializable form of g.
func (g *Graph) Document() Document {
	doc := Document{Nodes: make([]Node, 0, len(g.order)), Edges: g.Edges()}
	for _, id := range g.order {
		doc.Nodes = append(doc.Nodes, *g.nodes[id])
	}
	return doc
}

// FromDocument rebuilds and validates a graph.
func FromDocument(doc Document) (*Graph, error) {
	g := New()
	for _, n := range doc.Nodes {
		if _, err := g.AddNode(n); err != nil {
			return nil, err
		}
	}
	for _, e := range doc.Edges {
		if err := g.AddEdge(e.Producer, e.Consumer, e.Param, e.Optional); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// MarshalJSON implements json.Marshaler.
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.Document())
}

// UnmarshalJSON implements json.Unmarshaler. The decoded graph is
// validated.
func (g *Graph) UnmarshalJSON(data []byte) error {
	built, err := Unmarshal(data)
	if err != nil {
		return err
	}
	*g = *built
	return nil
}

// Unmarshal decodes a graph previously produced by MarshalJSON.
func Unmarshal(data []byte) (*Graph, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return FromDocument(doc)
}

// Arguments assembles the positional and keyword arguments of id.
// output returns a producer's output and whether it completed; slots fed
// by an optional edge whose producer did not complete are bound to nil.
func (g *Graph) Arguments(id string, output func(producer string) (any, bool)) ([]any, map[string]any) {
	n := g.nodes[id]
	size := len(n.Args)
	for _, e := range g.InEdges(id) {
		if !e.Param.IsKeyword() && e.Param.Position+1 > size {
			size = e.Param.Position + 1
		}
	}

	args := make([]any, size)
	copy(args, n.Args)
	kwargs := make(map[string]any, len(n.Kwargs))
	for k, v := range n.Kwargs {
		kwargs[k] = v
	}

	for _, e := range g.InEdges(id) {
		v, ok := output(e.Producer)
		if !ok {
			v = nil
		}
		if e.Param.IsKeyword() {
			kwargs[e.Param.Key] = v
		} else {
			args[e.Param.Position] = v
		}
	}
	return args, kwargs
}
