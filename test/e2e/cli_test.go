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

//go:build e2e

package e2e

import (
	"encoding/json"
	"fmt"
	"os"
	"testing"

	"github.com/tombee/lattice/test/e2e/harness"
)

var bin string

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "lattice-e2e")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	bin, err = harness.Build(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.RemoveAll(dir)
		os.Exit(1)
	}
	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

const pipeline = `
name: pipeline
inputs:
  x: 2
nodes:
  - id: a
    function: {kind: builtin, name: add}
    args: [{input: x}, 3]
  - id: b
    function: {kind: builtin, name: mul}
    args: [{ref: a}, 2]
    executor: %s
`

type node struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

type manifest struct {
	Metadata struct {
		DispatchID string `json:"dispatch_id"`
		Status     string `json:"status"`
	} `json:"metadata"`
	Nodes []node `json:"nodes"`
}

type runResponse struct {
	Success    bool            `json:"success"`
	DispatchID string          `json:"dispatch_id"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result"`
	Manifest   manifest        `json:"manifest"`
}

func TestRun_LocalThenStatus(t *testing.T) {
	h := harness.New(t, bin, "")
	path := h.WriteManifest("pipeline.yaml", fmt.Sprintf(pipeline, "local"))

	var run runResponse
	if code := h.RunJSON(&run, "run", path); code != 0 {
		t.Fatalf("run exit code = %d", code)
	}
	if run.Status != "COMPLETED" || string(run.Result) != "10" {
		t.Fatalf("run = %s %s, want COMPLETED 10", run.Status, run.Result)
	}

	var show struct {
		Manifest manifest `json:"manifest"`
	}
	if code := h.RunJSON(&show, "status", run.DispatchID); code != 0 {
		t.Fatalf("status exit code = %d", code)
	}
	if show.Manifest.Metadata.Status != "COMPLETED" || len(show.Manifest.Nodes) != 2 {
		t.Errorf("persisted manifest = %+v", show.Manifest)
	}

	var list struct {
		Dispatches []struct {
			ID string `json:"id"`
		} `json:"dispatches"`
	}
	h.RunJSON(&list, "status")
	found := false
	for _, d := range list.Dispatches {
		found = found || d.ID == run.DispatchID
	}
	if !found {
		t.Errorf("dispatch %s missing from status list", run.DispatchID)
	}
}

func TestRun_ProcessExecutor(t *testing.T) {
	h := harness.New(t, bin, "")
	path := h.WriteManifest("pipeline.yaml", fmt.Sprintf(pipeline, "process"))

	var run runResponse
	code := h.RunJSON(&run, "run", path, "-i", "x=5")
	if code != 0 {
		t.Fatalf("run exit code = %d, manifest %+v", code, run.Manifest)
	}
	if string(run.Result) != "16" {
		t.Errorf("result = %s, want 16", run.Result)
	}
}

func TestRun_FailedNode(t *testing.T) {
	h := harness.New(t, bin, "")
	path := h.WriteManifest("broken.yaml", `
name: broken
nodes:
  - id: boom
    function: {kind: builtin, name: fail}
    args: [kaput]
  - id: after
    function: {kind: builtin, name: identity}
    args: [{ref: boom}]
`)

	var run runResponse
	if code := h.RunJSON(&run, "run", path); code != 1 {
		t.Fatalf("run exit code = %d, want 1", code)
	}
	if run.Success || run.Status != "FAILED" {
		t.Errorf("run = %+v", run)
	}
	for _, n := range run.Manifest.Nodes {
		if n.ID == "boom" && n.Status != "FAILED" {
			t.Errorf("boom status = %s", n.Status)
		}
	}
}

func TestValidate_InvalidManifest(t *testing.T) {
	h := harness.New(t, bin, "")
	path := h.WriteManifest("cycle.yaml", `
name: loop
nodes:
  - id: a
    function: {kind: builtin, name: identity}
    args: [{ref: b}]
  - id: b
    function: {kind: builtin, name: identity}
    args: [{ref: a}]
`)

	res := h.Run("validate", path)
	if res.ExitCode != 2 {
		t.Errorf("validate exit code = %d, want 2\nstdout: %s", res.ExitCode, res.Stdout)
	}
}
