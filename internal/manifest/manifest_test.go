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

package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/lattice/pkg/errors"
	"github.com/tombee/lattice/pkg/executor"
	"github.com/tombee/lattice/pkg/function"
	"github.com/tombee/lattice/pkg/graph"
)

const pipeline = `
name: pipeline
inputs:
  x: 2
executors:
  isolated:
    type: process
    config:
      poll_timeout: 5m
nodes:
  - id: a
    function: {kind: builtin, name: add}
    args: [{input: x}, 3]
  - id: b
    function: {kind: builtin, name: mul}
    args: [{ref: a}, {value: {nested: true}}]
    kwargs:
      extra: {ref: a, optional: true}
    executor: isolated
    executor_config:
      poll_timeout: 1m
output:
  node: b
`

func registries(t *testing.T) CompileOptions {
	t.Helper()
	execs := executor.NewRegistry()
	for _, key := range []string{"local", "process"} {
		require.NoError(t, execs.Register(key, func(name string, cfg executor.Config) (executor.Executor, error) {
			return nil, nil
		}))
	}
	return CompileOptions{Functions: function.NewRegistry(), Executors: execs}
}

func TestParse_Bindings(t *testing.T) {
	w, err := Parse([]byte(pipeline))
	require.NoError(t, err)

	require.Len(t, w.Nodes, 2)
	assert.Equal(t, Binding{Input: "x"}, w.Nodes[0].Args[0])
	assert.Equal(t, Literal(3), w.Nodes[0].Args[1])
	assert.Equal(t, RefTo("a"), w.Nodes[1].Args[0])
	assert.Equal(t, map[string]any{"nested": true}, w.Nodes[1].Args[1].Value)
	assert.Equal(t, Binding{Ref: "a", Optional: true}, w.Nodes[1].Kwargs["extra"])
}

func TestParse_JSONManifest(t *testing.T) {
	w, err := Parse([]byte(`{"name":"j","nodes":[{"id":"a","function":{"kind":"value","value":1}}]}`))
	require.NoError(t, err)
	assert.Equal(t, "j", w.Name)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		field    string
	}{
		{
			name:     "missing name",
			manifest: "nodes: [{id: a, function: {kind: value}}]",
			field:    "Workflow.Name",
		},
		{
			name:     "no nodes",
			manifest: "name: w\nnodes: []",
			field:    "Workflow.Nodes",
		},
		{
			name:     "bad node id",
			manifest: "name: w\nnodes: [{id: 'a/b', function: {kind: value}}]",
			field:    "Workflow.Nodes[0].ID",
		},
		{
			name:     "duplicate id",
			manifest: "name: w\nnodes: [{id: a, function: {kind: value}}, {id: a, function: {kind: value}}]",
			field:    "nodes.a",
		},
		{
			name:     "unknown input",
			manifest: "name: w\nnodes: [{id: a, function: {kind: value}, kwargs: {k: {input: nope}}}]",
			field:    "nodes.a.kwargs.k",
		},
		{
			name:     "missing function",
			manifest: "name: w\nnodes: [{id: a}]",
			field:    "nodes.a.function",
		},
		{
			name:     "unknown output",
			manifest: "name: w\nnodes: [{id: a, function: {kind: value}}]\noutput: {node: b}",
			field:    "output.node",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.manifest))
			var ve *errors.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestParse_AmbiguousBinding(t *testing.T) {
	_, err := Parse([]byte("name: w\nnodes: [{id: a, function: {kind: value}, args: [{ref: a, input: b}]}]"))
	assert.Error(t, err)
}

func TestCompile_Pipeline(t *testing.T) {
	w, err := Parse([]byte(pipeline))
	require.NoError(t, err)

	def, err := Compile(w, registries(t))
	require.NoError(t, err)

	a, ok := def.Graph.Node("a")
	require.True(t, ok)
	assert.Equal(t, []any{2, 3}, a.Args)
	assert.Equal(t, "local", a.Executor)

	b, _ := def.Graph.Node("b")
	assert.Equal(t, "process", b.Executor)
	assert.Equal(t, map[string]any{"poll_timeout": "1m"}, b.ExecutorConfig)
	assert.Nil(t, b.Args[0])
	assert.Nil(t, b.Kwargs)

	edges := def.Graph.InEdges("b")
	require.Len(t, edges, 2)
	assert.Equal(t, graph.Edge{Producer: "a", Consumer: "b", Param: graph.Param{Position: 0}}, edges[0])
	assert.Equal(t, graph.Edge{Producer: "a", Consumer: "b", Param: graph.Param{Key: "extra"}, Optional: true}, edges[1])
	assert.Equal(t, "b", def.Output.Node)
}

func TestCompile_InputOverrideAndDefaultOutput(t *testing.T) {
	w, err := Parse([]byte(`
name: w
inputs: {x: 1}
nodes:
  - id: first
    function: {kind: builtin, name: identity}
    args: [{input: x}]
  - id: last
    function: {kind: builtin, name: identity}
    args: [{ref: first}]
`))
	require.NoError(t, err)

	opts := registries(t)
	opts.Inputs = map[string]any{"x": "override"}
	def, err := Compile(w, opts)
	require.NoError(t, err)

	first, _ := def.Graph.Node("first")
	assert.Equal(t, []any{"override"}, first.Args)
	assert.Equal(t, "last", def.Output.Node)
	assert.Equal(t, "override", def.Inputs["x"])
}

func TestCompile_RejectsUnknownRegistryEntries(t *testing.T) {
	w, err := Parse([]byte("name: w\nnodes: [{id: a, function: {kind: builtin, name: nope}}]"))
	require.NoError(t, err)
	_, err = Compile(w, registries(t))
	var nf *errors.NotFoundError
	assert.True(t, errors.As(err, &nf), "got %v", err)

	w, err = Parse([]byte("name: w\nnodes: [{id: a, function: {kind: value}, executor: gpu}]"))
	require.NoError(t, err)
	_, err = Compile(w, registries(t))
	var ve *errors.ValidationError
	require.True(t, errors.As(err, &ve), "got %v", err)
	assert.Equal(t, "nodes.a.executor", ve.Field)
}

func TestCompile_UnknownDependencyKind(t *testing.T) {
	w, err := Parse([]byte("name: w\nnodes: [{id: a, function: {kind: value}, deps: [{kind: conda}]}]"))
	require.NoError(t, err)
	_, err = Compile(w, registries(t))
	var dre *errors.DependencyResolutionError
	assert.True(t, errors.As(err, &dre), "got %v", err)
}

func TestCompile_SubWorkflow(t *testing.T) {
	w, err := Parse([]byte(`
name: outer
nodes:
  - id: seed
    function: {kind: value, value: 5}
  - id: inner
    kwargs:
      n: {ref: seed}
    workflow:
      name: inner
      nodes:
        - id: double
          function: {kind: builtin, name: mul}
          args: [{input: n}, 2]
`))
	require.NoError(t, err)

	def, err := Compile(w, registries(t))
	require.NoError(t, err)

	inner, _ := def.Graph.Node("inner")
	assert.Equal(t, function.KindWorkflow, inner.Function.Kind)
	require.NotEmpty(t, inner.Workflow)

	nested, err := ParseNested(inner.Workflow)
	require.NoError(t, err)
	opts := registries(t)
	opts.Inputs = map[string]any{"n": 5.0}
	child, err := Compile(nested, opts)
	require.NoError(t, err)
	double, _ := child.Graph.Node("double")
	assert.Equal(t, []any{5.0, 2.0}, double.Args)
}

func TestCompile_SubWorkflowMissingInput(t *testing.T) {
	_, err := Parse([]byte(`
name: outer
nodes:
  - id: inner
    workflow:
      name: inner
      nodes:
        - id: x
          function: {kind: builtin, name: identity}
          args: [{input: n}]
`))
	var ve *errors.ValidationError
	assert.True(t, errors.As(err, &ve), "got %v", err)
}

func TestParse_BadReferencesAreGraphErrors(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		reason   string
	}{
		{
			name:     "unknown node",
			manifest: "name: w\nnodes: [{id: a, function: {kind: builtin, name: identity}, args: [{ref: ghost}]}]",
			reason:   `unknown node "ghost"`,
		},
		{
			name:     "self",
			manifest: "name: w\nnodes: [{id: a, function: {kind: builtin, name: identity}, kwargs: {x: {ref: a}}}]",
			reason:   "its own node",
		},
		{
			name: "inside sub-workflow",
			manifest: `
name: outer
nodes:
  - id: sub
    workflow:
      name: inner
      nodes:
        - id: x
          function: {kind: builtin, name: identity}
          args: [{ref: ghost}]
`,
			reason: `unknown node "ghost"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.manifest))
			var ge *errors.GraphError
			require.True(t, errors.As(err, &ge), "got %v", err)
			assert.Contains(t, ge.Reason, tt.reason)

			var ve *errors.ValidationError
			assert.False(t, errors.As(err, &ve))
		})
	}
}

func TestCompile_Cycle(t *testing.T) {
	w, err := Parse([]byte(`
name: loop
nodes:
  - id: a
    function: {kind: builtin, name: identity}
    args: [{ref: b}]
  - id: b
    function: {kind: builtin, name: identity}
    args: [{ref: a}]
`))
	require.NoError(t, err)
	_, err = Compile(w, registries(t))
	var ge *errors.GraphError
	assert.True(t, errors.As(err, &ge), "got %v", err)
}

func TestDefinition_RoundTrip(t *testing.T) {
	w, err := Parse([]byte(pipeline))
	require.NoError(t, err)
	def, err := Compile(w, registries(t))
	require.NoError(t, err)

	data, err := def.Marshal()
	require.NoError(t, err)
	back, err := UnmarshalDefinition(data)
	require.NoError(t, err)

	assert.Equal(t, def.Name, back.Name)
	assert.Equal(t, def.Output, back.Output)
	assert.Equal(t, def.Graph.IDs(), back.Graph.IDs())
	assert.Equal(t, def.Graph.Edges(), back.Graph.Edges())
}

func TestBinding_JSONPreservesLiteralMaps(t *testing.T) {
	in := Literal(map[string]any{"ref": "not-a-ref"})
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Binding
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, out.IsLiteral())
	assert.Equal(t, map[string]any{"ref": "not-a-ref"}, out.Value)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(pipeline), 0o600))
	w, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "pipeline", w.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
