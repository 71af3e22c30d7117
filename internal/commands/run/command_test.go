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

package run

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/lattice/internal/assets/filestore"
	"github.com/tombee/lattice/internal/commands/shared"
	"github.com/tombee/lattice/internal/controller/backend/memory"
	"github.com/tombee/lattice/internal/controller/runner"
)

const sum = `
name: sum
inputs:
  x: 1
nodes:
  - id: a
    function: {kind: builtin, name: add}
    args: [{input: x}, 2]
`

func newRunner(t *testing.T) *runner.Runner {
	t.Helper()
	store, err := filestore.New(t.TempDir(), "")
	require.NoError(t, err)
	r := runner.New(runner.Config{}, memory.New(), store)
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	return r
}

func dispatch(t *testing.T, r *runner.Runner, manifest string, inputs map[string]any, follow bool) (string, string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out, errOut bytes.Buffer
	err := Dispatch(ctx, r, []byte(manifest), inputs, "", follow, 0, &out, &errOut)
	return out.String(), errOut.String(), err
}

func TestDispatch_PrintsResult(t *testing.T) {
	out, errOut, err := dispatch(t, newRunner(t), sum, map[string]any{"x": 40.0}, true)
	require.NoError(t, err)
	assert.Equal(t, "42\n", out)
	assert.Contains(t, errOut, "COMPLETED")
	assert.Contains(t, errOut, "a ")
}

func TestDispatch_FailureExitCode(t *testing.T) {
	_, errOut, err := dispatch(t, newRunner(t), `
name: bad
nodes:
  - id: a
    function: {kind: builtin, name: fail}
    args: [boom]
`, nil, false)
	require.Error(t, err)
	assert.Equal(t, shared.ExitExecutionFailed, shared.ExitCode(err))
	assert.Contains(t, errOut, "FAILED")
	assert.Contains(t, err.Error(), "boom")
}

func TestDispatch_InvalidManifest(t *testing.T) {
	_, _, err := dispatch(t, newRunner(t), "name: w\nnodes: []", nil, false)
	assert.Equal(t, shared.ExitInvalidWorkflow, shared.ExitCode(err))
}

func TestDispatch_JSON(t *testing.T) {
	shared.SetJSONForTest(true)
	defer shared.SetJSONForTest(false)

	out, _, err := dispatch(t, newRunner(t), sum, nil, false)
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "COMPLETED", resp.Status)
	assert.JSONEq(t, "3", string(resp.Result))
	require.NotNil(t, resp.Manifest)
	assert.Equal(t, resp.DispatchID, resp.Manifest.Metadata.DispatchID)
}

func TestDispatch_TimeoutCancels(t *testing.T) {
	r := newRunner(t)
	ctx := context.Background()
	var out, errOut bytes.Buffer
	err := Dispatch(ctx, r, []byte(`
name: slow
nodes:
  - id: a
    function: {kind: builtin, name: sleep}
    args: [5]
`), nil, "", false, 50*time.Millisecond, &out, &errOut)
	require.Error(t, err)
	assert.Equal(t, shared.ExitCancelled, shared.ExitCode(err))
}
