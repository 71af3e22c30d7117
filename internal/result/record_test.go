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
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/lattice/internal/assets"
	"github.com/tombee/lattice/pkg/status"
)

func newTestRecord() *Record {
	r := New(Meta{DispatchID: "d1", Name: "wf"}, []NodeState{
		{ID: "a", Name: "A", Executor: "local"},
		{ID: "b", Name: "B", Executor: "process"},
	})
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return fixed }
	return r
}

func TestRecord_Transitions(t *testing.T) {
	r := newTestRecord()
	assert.Equal(t, "d1", r.Meta().RootDispatchID)

	require.NoError(t, r.SetStatus(status.Starting))
	require.NoError(t, r.SetStatus(status.Running))
	assert.Error(t, r.SetStatus(status.Starting))

	n, err := r.SetNodeStatus("a", status.Running)
	require.NoError(t, err)
	require.NotNil(t, n.StartTime)
	assert.Nil(t, n.EndTime)

	_, err = r.SetNodeStatus("a", status.Running)
	assert.Error(t, err, "a node enters RUNNING at most once")

	n, err = r.SetNodeStatus("a", status.Completed)
	require.NoError(t, err)
	require.NotNil(t, n.EndTime)

	_, err = r.SetNodeStatus("a", status.Failed)
	assert.Error(t, err, "terminal states never transition")

	_, err = r.SetNodeStatus("missing", status.Running)
	assert.Error(t, err)
}

func TestRecord_AssetsWriteOnce(t *testing.T) {
	r := newTestRecord()
	a1 := assets.Asset{DigestAlgorithm: "blake3", Digest: "aa", RemoteURI: "file:///x/aa"}
	a2 := assets.Asset{DigestAlgorithm: "blake3", Digest: "bb", RemoteURI: "file:///x/bb"}

	require.NoError(t, r.SetNodeAsset("a", KeyOutput, a1))
	require.NoError(t, r.SetNodeAsset("a", KeyOutput, a1))
	assert.Error(t, r.SetNodeAsset("a", KeyOutput, a2))

	require.NoError(t, r.SetAsset(KeyResult, a2))
	assert.Error(t, r.SetAsset(KeyResult, a1))

	got, ok := r.NodeAsset("a", KeyOutput)
	require.True(t, ok)
	assert.Equal(t, "aa", got.Digest)
}

func TestRecord_Aggregate(t *testing.T) {
	r := newTestRecord()
	_, _ = r.SetNodeStatus("a", status.Running)
	_, _ = r.SetNodeStatus("a", status.Completed)
	assert.Equal(t, status.Completed, r.Aggregate())

	_, _ = r.SetNodeStatus("b", status.Cancelled)
	assert.Equal(t, status.Cancelled, r.Aggregate())

	r2 := newTestRecord()
	_, _ = r2.SetNodeStatus("a", status.Cancelled)
	_, _ = r2.SetNodeStatus("b", status.Running)
	_, _ = r2.SetNodeStatus("b", status.Failed)
	assert.Equal(t, status.Failed, r2.Aggregate())
}

func TestRecord_SnapshotIsDeepCopy(t *testing.T) {
	r := newTestRecord()
	require.NoError(t, r.SetNodeAsset("a", KeyOutput, assets.Asset{DigestAlgorithm: "blake3", Digest: "aa", RemoteURI: "file:///aa"}))
	r.SetNodeError("b", "boom")

	m := r.Snapshot()
	m.Nodes[0].Assets[KeyOutput] = AssetRef{Digest: "mutated"}

	got, _ := r.NodeAsset("a", KeyOutput)
	assert.Equal(t, "aa", got.Digest)

	b, ok := m.Node("b")
	require.True(t, ok)
	assert.Equal(t, "boom", b.Error)
}

func TestManifest_JSONShape(t *testing.T) {
	r := newTestRecord()
	require.NoError(t, r.SetStatus(status.Starting))
	require.NoError(t, r.SetAsset(KeyInputs, assets.Asset{DigestAlgorithm: "blake3", Digest: "ff", RemoteURI: "file:///ff"}))

	data, err := json.Marshal(r.Snapshot())
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	meta := doc["metadata"].(map[string]any)
	assert.Equal(t, "d1", meta["dispatch_id"])
	assert.Equal(t, "STARTING", meta["status"])
	inputs := doc["assets"].(map[string]any)["inputs"].(map[string]any)
	assert.Equal(t, "blake3", inputs["digest_alg"])
	assert.Equal(t, "file:///ff", inputs["uri"])
	nodes := doc["nodes"].([]any)
	assert.Len(t, nodes, 2)
	assert.Equal(t, "NEW_OBJECT", nodes[0].(map[string]any)["status"])
}

func TestManifest_FilterURIs(t *testing.T) {
	r := newTestRecord()
	require.NoError(t, r.SetAsset(KeyResult, assets.Asset{Digest: "1", RemoteURI: "file:///r"}))
	require.NoError(t, r.SetNodeAsset("a", KeyStdout, assets.Asset{Digest: "2", RemoteURI: "file:///s"}))

	m := r.Snapshot()
	m.FilterURIs(assets.URIFilter{Policy: assets.PolicyHTTP, BaseURL: "http://lattice:48008/"})
	assert.Equal(t, "http://lattice:48008/api/v1/dispatches/d1/lattice/assets/result", m.Assets[KeyResult].URI)
	a, _ := m.Node("a")
	assert.Equal(t, "http://lattice:48008/api/v1/dispatches/d1/nodes/a/assets/stdout", a.Assets[KeyStdout].URI)
}

func TestRecord_ConcurrentUpdates(t *testing.T) {
	ids := make([]NodeState, 50)
	for i := range ids {
		ids[i] = NodeState{ID: string(rune('A' + i))}
	}
	r := New(Meta{DispatchID: "d"}, ids)

	var wg sync.WaitGroup
	for _, n := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := r.SetNodeStatus(id, status.Running)
			assert.NoError(t, err)
			_, err = r.SetNodeStatus(id, status.Completed)
			assert.NoError(t, err)
		}(n.ID)
	}
	wg.Wait()
	assert.Equal(t, 50, r.Counts()[status.Completed])
}
