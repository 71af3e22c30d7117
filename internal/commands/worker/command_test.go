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

package worker

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/lattice/internal/commands/shared"
	"github.com/tombee/lattice/internal/config"
)

func TestNewCommand(t *testing.T) {
	cmd := NewCommand()
	assert.Equal(t, "worker", cmd.Use)
	assert.NotNil(t, cmd.Flags().Lookup("listen"))
	assert.NotNil(t, cmd.Flags().Lookup("pid-file"))
	assert.NotNil(t, cmd.Flags().Lookup("allow-remote"))
}

func useConfig(t *testing.T, content string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("LATTICE_DATA_DIR", dir)
	t.Setenv("LATTICE_WORKER_SECRET", "")
	t.Setenv("LATTICE_WORKER_ALLOW_REMOTE", "")
	shared.SetConfigPathForTest(path)
	t.Cleanup(func() { shared.SetConfigPathForTest("") })
}

func TestNewCommand_RefusesOpenRemoteListen(t *testing.T) {
	useConfig(t, "log:\n  level: error\n")

	for _, addr := range []string{"0.0.0.0:0", ":0", "192.0.2.10:8686"} {
		t.Run(addr, func(t *testing.T) {
			cmd := NewCommand()
			cmd.SetArgs([]string{"--listen", addr})
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true

			err := cmd.ExecuteContext(context.Background())
			require.Error(t, err)
			assert.Equal(t, shared.ExitConfigError, shared.ExitCode(err))
			assert.Contains(t, err.Error(), "worker.secret")
		})
	}
}

func TestServe_HealthzAndShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.Worker.DataDir = filepath.Join(t.TempDir(), "worker")
	cfg.Worker.Secret = "s3cret"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, closeEnv, err := NewServer(ctx, cfg, logger, "test")
	require.NoError(t, err)
	defer func() { _ = closeEnv() }()
	assert.DirExists(t, filepath.Join(cfg.Worker.DataDir, "jobs"))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- Serve(ctx, ln, srv, logger, 5*time.Second) }()

	base := "http://" + ln.Addr().String()
	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Job endpoints need a token once a secret is configured.
	resp, err = http.Get(base + "/v1/jobs/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not shut down")
	}
}
