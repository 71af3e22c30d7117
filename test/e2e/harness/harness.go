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

// Package harness drives a built lattice binary for end-to-end tests.
package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

// Build compiles cmd/lattice into dir and returns the binary path.
func Build(dir string) (string, error) {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "", errors.New("cannot locate harness source")
	}
	root := filepath.Join(filepath.Dir(file), "..", "..", "..")
	bin := filepath.Join(dir, "lattice")
	cmd := exec.Command("go", "build", "-o", bin, "./cmd/lattice")
	cmd.Dir = root
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("go build: %w\n%s", err, out)
	}
	return bin, nil
}

// Harness runs lattice commands against an isolated data directory and
// config file.
type Harness struct {
	t       *testing.T
	bin     string
	dir     string
	config  string
	timeout time.Duration
}

// Option configures a Harness.
type Option func(*Harness)

// WithTimeout bounds each command. Default 60s.
func WithTimeout(d time.Duration) Option {
	return func(h *Harness) { h.timeout = d }
}

// New creates a harness for bin. extraConfig is appended to the
// generated config file.
func New(t *testing.T, bin, extraConfig string, opts ...Option) *Harness {
	t.Helper()
	h := &Harness{t: t, bin: bin, dir: t.TempDir(), timeout: 60 * time.Second}
	for _, opt := range opts {
		opt(h)
	}

	h.config = filepath.Join(h.dir, "config.yaml")
	cfg := fmt.Sprintf("data_dir: %s\nlog:\n  level: error\nbackend:\n  type: sqlite\n%s", h.dir, extraConfig)
	if err := os.WriteFile(h.config, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return h
}

// Dir returns the harness data directory.
func (h *Harness) Dir() string { return h.dir }

// WriteManifest stores a manifest in the data directory.
func (h *Harness) WriteManifest(name, content string) string {
	h.t.Helper()
	path := filepath.Join(h.dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		h.t.Fatalf("write manifest: %v", err)
	}
	return path
}

// Result is the outcome of one command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Run executes lattice with args.
func (h *Harness) Run(args ...string) Result {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.bin, append([]string{"--config", h.config}, args...)...)
	cmd.Env = append(os.Environ(), "LATTICE_DATA_DIR="+h.dir, "NO_COLOR=1")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		h.t.Fatalf("run %v: %v", args, err)
	}
	if ctx.Err() != nil {
		h.t.Fatalf("run %v: timed out after %s\nstderr: %s", args, h.timeout, res.Stderr)
	}
	return res
}

// RunJSON executes lattice with --json and decodes stdout into v. It
// returns the exit code.
func (h *Harness) RunJSON(v any, args ...string) int {
	h.t.Helper()
	res := h.Run(append([]string{"--json"}, args...)...)
	if err := json.Unmarshal(res.Stdout, v); err != nil {
		h.t.Fatalf("decode %v output: %v\nstdout: %s\nstderr: %s", args, err, res.Stdout, res.Stderr)
	}
	return res.ExitCode
}
