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

package result

import (
	"time"

	"github.com/tombee/lattice/internal/assets"
	"github.com/tombee/lattice/pkg/status"
)

// Node asset keys.
const (
	KeyFunction   = "function"
	KeyArgs       = "args"
	KeyKwargs     = "kwargs"
	KeyValue      = "value"
	KeyOutput     = "output"
	KeyError      = "error"
	KeyStdout     = "stdout"
	KeyStderr     = "stderr"
	KeyDeps       = "deps"
	KeyCallBefore = "call_before"
	KeyCallAfter  = "call_after"
)

// Workflow asset keys.
const (
	KeyInputs = "inputs"
	KeyResult = "result"
	// KeyWorkflowError shares its name with the node key.
	KeyWorkflowError = "error"
	// KeyGraph holds the serialized transport graph, used for reuse.
	KeyGraph = "graph"
)

// AssetRef is an asset as presented in the output manifest.
type AssetRef struct {
	DigestAlg string `json:"digest_alg"`
	Digest    string `json:"digest"`
	URI       string `json:"uri"`
}

func refOf(a assets.Asset) AssetRef {
	return AssetRef{DigestAlg: a.DigestAlgorithm, Digest: a.Digest, URI: a.RemoteURI}
}

// Metadata is the workflow-level part of the output manifest.
type Metadata struct {
	DispatchID       string        `json:"dispatch_id"`
	RootDispatchID   string        `json:"root_dispatch_id"`
	ParentDispatchID string        `json:"parent_dispatch_id,omitempty"`
	Name             string        `json:"name"`
	Status           status.Status `json:"status"`
	StartTime        *time.Time    `json:"start_time,omitempty"`
	EndTime          *time.Time    `json:"end_time,omitempty"`
}

// NodeEntry is one task in the output manifest.
type NodeEntry struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Executor  string              `json:"executor"`
	Status    status.Status       `json:"status"`
	StartTime *time.Time          `json:"start_time,omitempty"`
	EndTime   *time.Time          `json:"end_time,omitempty"`
	Error     string              `json:"error,omitempty"`
	Assets    map[string]AssetRef `json:"assets"`
}

// Manifest is the caller-facing snapshot of a dispatch.
type Manifest struct {
	Metadata Metadata            `json:"metadata"`
	Assets   map[string]AssetRef `json:"assets"`
	Nodes    []NodeEntry         `json:"nodes"`
}

// Node returns the entry for id.
func (m *Manifest) Node(id string) (NodeEntry, bool) {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeEntry{}, false
}

// FilterURIs rewrites every asset URI in place through f.
func (m *Manifest) FilterURIs(f assets.URIFilter) {
	d := m.Metadata.DispatchID
	for key, ref := range m.Assets {
		ref.URI = f.Filter(ref.URI, assets.ScopeLattice, d, "", key)
		m.Assets[key] = ref
	}
	for i := range m.Nodes {
		n := &m.Nodes[i]
		for key, ref := range n.Assets {
			ref.URI = f.Filter(ref.URI, assets.ScopeNode, d, n.ID, key)
			n.Assets[key] = ref
		}
	}
}
