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

package diagnostics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/lattice/internal/commands/shared"
	"github.com/tombee/lattice/internal/config"
)

func writeConfig(t *testing.T, content string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("LATTICE_DATA_DIR", dir)
	shared.SetConfigPathForTest(path)
	t.Cleanup(func() { shared.SetConfigPathForTest("") })
}

func healthyWorker(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDiagnose_Healthy(t *testing.T) {
	worker := healthyWorker(t)
	writeConfig(t, fmt.Sprintf(`backend:
  type: memory
executors:
  gpu:
    type: remote
    config:
      address: %s/
`, worker.URL))

	result := Diagnose(context.Background())
	assert.True(t, result.OverallHealthy, "%+v", result)
	assert.Empty(t, result.Recommendations)

	names := make([]string, 0, len(result.Checks))
	for _, c := range result.Checks {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"config", "backend", "assets", "executors", "worker " + worker.URL}, names)
}

func TestDiagnose_UnreachableWorker(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	addr := down.URL
	down.Close()
	writeConfig(t, fmt.Sprintf("backend:\n  type: memory\nexecutors:\n  gpu:\n    type: remote\n    config:\n      address: %s\n", addr))

	result := Diagnose(context.Background())
	assert.False(t, result.OverallHealthy)
	last := result.Checks[len(result.Checks)-1]
	assert.Equal(t, "worker "+addr, last.Name)
	assert.NotEmpty(t, last.Error)
	require.Len(t, result.Recommendations, 1)
	assert.Contains(t, result.Recommendations[0], addr)
}

func TestDiagnose_InvalidConfig(t *testing.T) {
	writeConfig(t, "backend:\n  type: cassandra\n")

	result := Diagnose(context.Background())
	assert.False(t, result.OverallHealthy)
	require.Len(t, result.Checks, 1)
	assert.Equal(t, "config", result.Checks[0].Name)
}

func TestDoctorCommand_JSON(t *testing.T) {
	writeConfig(t, "backend:\n  type: memory\n")
	shared.SetJSONForTest(true)
	defer shared.SetJSONForTest(false)

	cmd := NewDoctorCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())

	var resp DoctorResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.True(t, resp.OverallHealthy)
}

func TestDoctorCommand_Issues(t *testing.T) {
	writeConfig(t, "backend:\n  type: cassandra\n")

	cmd := NewDoctorCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SilenceUsage = true
	cmd.SetArgs([]string{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, shared.ExitConfigError, shared.ExitCode(err))
	assert.Contains(t, out.String(), "Issues Found")
}

func TestWorkerAddresses(t *testing.T) {
	got := workerAddresses(map[string]config.ExecutorConfig{
		"a":     {Type: "remote", Config: map[string]any{"address": "http://w2:8080/"}},
		"b":     {Type: "remote", Config: map[string]any{"addresses": []any{"http://w1:8080", "http://w2:8080"}}},
		"local": {Type: "process"},
	})
	assert.Equal(t, []string{"http://w1:8080", "http://w2:8080"}, got)
}
