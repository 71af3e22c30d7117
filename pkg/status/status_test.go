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
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_TotalOverDisplayNames(t *testing.T) {
	for _, s := range All() {
		got, err := Parse(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	_, err := Parse("completed")
	assert.Error(t, err, "display names are case sensitive")
	_, err = Parse("DONE")
	assert.Error(t, err)
}

func TestStatus_JSONUsesDisplayName(t *testing.T) {
	type row struct {
		Status Status `json:"status"`
	}

	data, err := json.Marshal(row{Status: PendingReuse})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"PENDING_REUSE"}`, string(data))

	var back row
	require.NoError(t, json.Unmarshal([]byte(`{"status":"CANCELLED"}`), &back))
	assert.Equal(t, Cancelled, back.Status)

	assert.Error(t, json.Unmarshal([]byte(`{"status":"BOGUS"}`), &back))
}

func TestStatus_Scan(t *testing.T) {
	var s Status
	require.NoError(t, s.Scan("RUNNING"))
	assert.Equal(t, Running, s)
	require.NoError(t, s.Scan([]byte("FAILED")))
	assert.Equal(t, Failed, s)
	assert.Error(t, s.Scan(42))

	v, err := Completed.Value()
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", v)
}

func TestIsTerminal(t *testing.T) {
	terminal := map[Status]bool{Completed: true, Failed: true, Cancelled: true, PostprocessingFailed: true}
	for _, s := range All() {
		assert.Equal(t, terminal[s], s.IsTerminal(), s.String())
	}
}

func TestCheckNode(t *testing.T) {
	assert.NoError(t, CheckNode(NewObject, Running))
	assert.NoError(t, CheckNode(Running, DispatchingSublattice))
	assert.NoError(t, CheckNode(PendingReuse, Completed))

	// no re-entry into RUNNING
	assert.Error(t, CheckNode(Running, Running))
	assert.Error(t, CheckNode(DispatchingSublattice, Running))

	// terminal states are final
	for _, from := range []Status{Completed, Failed, Cancelled} {
		for _, to := range All() {
			assert.Error(t, CheckNode(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCheckWorkflow(t *testing.T) {
	path := []Status{NewObject, Starting, Running, PendingPostprocessing, Postprocessing, PostprocessingFailed}
	for i := 1; i < len(path); i++ {
		assert.NoError(t, CheckWorkflow(path[i-1], path[i]))
	}
	assert.Error(t, CheckWorkflow(NewObject, Running))
	assert.Error(t, CheckWorkflow(Postprocessing, Cancelled))
	assert.Error(t, CheckWorkflow(Completed, Running))
}
