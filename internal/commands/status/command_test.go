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

package status

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
	"github.com/tombee/lattice/internal/controller/backend"
	"github.com/tombee/lattice/internal/controller/backend/memory"
	"github.com/tombee/lattice/internal/controller/runner"
	"github.com/tombee/lattice/pkg/status"
)

func completedDispatch(t *testing.T) (*runner.Runner, string) {
	t.Helper()
	store, err := filestore.New(t.TempDir(), "")
	require.NoError(t, err)
	r := runner.New(runner.Config{}, memory.New(), store)
	t.Cleanup(func() { _ = r.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := r.Create(ctx, []byte(`
name: pair
nodes:
  - id: ok
    function: {kind: builtin, name: add}
    args: [1, 2]
  - id: bad
    function: {kind: builtin, name: fail}
    args: [broken]
`))
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx, id))
	_, err = r.GetResult(ctx, id, true)
	require.NoError(t, err)
	return r, id
}

func TestNewCommand(t *testing.T) {
	cmd := NewCommand()
	assert.Equal(t, "status [dispatch-id]", cmd.Use)
	for _, name := range []string{"status", "root", "limit", "timeline"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

func TestList(t *testing.T) {
	r, id := completedDispatch(t)

	var out bytes.Buffer
	require.NoError(t, List(context.Background(), r.Backend(), backend.DispatchFilter{}, &out))
	assert.Contains(t, out.String(), id)
	assert.Contains(t, out.String(), "pair")
	assert.Contains(t, out.String(), status.Failed.String())

	out.Reset()
	filter := backend.DispatchFilter{Statuses: []status.Status{status.Completed}}
	require.NoError(t, List(context.Background(), r.Backend(), filter, &out))
	assert.Contains(t, out.String(), "no dispatches")
}

func TestList_JSON(t *testing.T) {
	r, id := completedDispatch(t)
	shared.SetJSONForTest(true)
	defer shared.SetJSONForTest(false)

	var out bytes.Buffer
	require.NoError(t, List(context.Background(), r.Backend(), backend.DispatchFilter{}, &out))

	var resp ListResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.Len(t, resp.Dispatches, 1)
	assert.Equal(t, id, resp.Dispatches[0].ID)
	assert.Empty(t, resp.Dispatches[0].Definition)
}

func TestShow(t *testing.T) {
	r, id := completedDispatch(t)

	var out bytes.Buffer
	require.NoError(t, Show(context.Background(), r, id, false, &out))
	text := out.String()
	assert.Contains(t, text, id)
	assert.Contains(t, text, "ok")
	assert.Contains(t, text, "broken")
}

func TestShow_NotFound(t *testing.T) {
	r, _ := completedDispatch(t)
	err := Show(context.Background(), r, "missing", false, &bytes.Buffer{})
	assert.Equal(t, shared.ExitExecutionFailed, shared.ExitCode(err))
}

func TestShow_Timeline(t *testing.T) {
	r, id := completedDispatch(t)

	var out bytes.Buffer
	require.NoError(t, Show(context.Background(), r, id, true, &out))
	assert.Contains(t, out.String(), "┌")
	assert.Contains(t, out.String(), "ok")
}
