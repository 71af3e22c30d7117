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
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"
)

// fingerprintInput is everything that determines a node's output other
// than its producers' outputs.
type fingerprintInput struct {
	Node  Node   `json:"node"`
	Edges []Edge `json:"edges"`
}

// Fingerprint returns a blake3 digest of the node's canonical JSON,
// including the edges feeding it. Name is excluded.
func (g *Graph) Fingerprint(id string) (string, error) {
	n, ok := g.nodes[id]
	if !ok {
		return "", nil
	}
	in := fingerprintInput{Node: *n, Edges: g.InEdges(id)}
	in.Node.Name = ""

	// encoding/json sorts map keys, which makes the encoding canonical.
	data, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	hasher := blake3.New()
	_, _ = hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Compare returns the ids of nodes whose outputs in prev can be reused:
// the node exists in prev with the same fingerprint and every parent is
// itself reusable. Results are in topological order.
func (g *Graph) Compare(prev *Graph) []string {
	if prev == nil {
		return nil
	}
	reusable := make(map[string]bool)
	var out []string
	for _, id := range g.TopologicalOrder() {
		if _, ok := prev.nodes[id]; !ok {
			continue
		}
		mine, err := g.Fingerprint(id)
		if err != nil {
			continue
		}
		theirs, err := prev.Fingerprint(id)
		if err != nil || mine != theirs {
			continue
		}
		ok := true
		for _, p := range g.Parents(id) {
			if !reusable[p] {
				ok = false
				break
			}
		}
		if ok {
			reusable[id] = true
			out = append(out, id)
		}
	}
	return out
}
