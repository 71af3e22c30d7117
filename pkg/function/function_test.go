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

package function

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/lattice/pkg/errors"
)

func call(t *testing.T, r *Registry, ref Ref, args []any, kwargs map[string]any) (any, error) {
	t.Helper()
	fn, err := r.Resolve(ref)
	require.NoError(t, err)
	return fn(context.Background(), args, kwargs)
}

func TestBuiltins(t *testing.T) {
	r := NewRegistry()

	out, err := call(t, r, Ref{Kind: KindBuiltin, Name: "add"}, []any{1, 2.5}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3.5, out)

	out, err = call(t, r, Ref{Kind: KindBuiltin, Name: "mul"}, []any{[]any{2.0, 3.0, 4.0}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 24.0, out)

	out, err = call(t, r, Ref{Kind: KindBuiltin, Name: "concat"}, []any{"a", "b"}, map[string]any{"sep": "-"})
	require.NoError(t, err)
	assert.Equal(t, "a-b", out)

	_, err = call(t, r, Ref{Kind: KindBuiltin, Name: "fail"}, nil, map[string]any{"message": "boom"})
	assert.EqualError(t, err, "boom")

	_, err = call(t, r, Ref{Kind: KindBuiltin, Name: "add"}, []any{"x"}, nil)
	assert.Error(t, err)
}

func TestPrintWritesStdout(t *testing.T) {
	r := NewRegistry()
	fn, err := r.Resolve(Ref{Kind: KindBuiltin, Name: "print"})
	require.NoError(t, err)

	var stdout bytes.Buffer
	ctx := WithOutput(context.Background(), Output{Stdout: &stdout})
	out, err := fn(ctx, []any{"hello", 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello 3", out)
	assert.Equal(t, "hello 3\n", stdout.String())
}

func TestSleepHonorsContext(t *testing.T) {
	r := NewRegistry()
	fn, err := r.Resolve(Ref{Kind: KindBuiltin, Name: "sleep"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = fn(ctx, []any{5}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResolve_UnknownBuiltin(t *testing.T) {
	_, err := NewRegistry().Resolve(Ref{Kind: KindBuiltin, Name: "nope"})
	var nf *errors.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestResolve_UnknownKind(t *testing.T) {
	_, err := NewRegistry().Resolve(Ref{Kind: "python", Name: "x"})
	var ve *errors.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestRegister(t *testing.T) {
	r := NewRegistry()
	double := func(_ context.Context, args []any, _ map[string]any) (any, error) {
		return args[0].(float64) * 2, nil
	}
	require.NoError(t, r.Register("double", double))
	assert.Error(t, r.Register("double", double), "duplicate names are rejected")
	assert.Contains(t, r.Names(), "double")

	out, err := call(t, r, Ref{Kind: KindBuiltin, Name: "double"}, []any{4.0}, nil)
	require.NoError(t, err)
	assert.Equal(t, 8.0, out)
}

func TestExpr(t *testing.T) {
	r := NewRegistry()

	out, err := call(t, r, Ref{Kind: KindExpr, Source: "x * 2 + args[0]"}, []any{1}, map[string]any{"x": 4})
	require.NoError(t, err)
	assert.EqualValues(t, 9, out)

	_, err = r.Resolve(Ref{Kind: KindExpr, Source: "x +"})
	assert.Error(t, err)
}

func TestJQ(t *testing.T) {
	r := NewRegistry()

	out, err := call(t, r, Ref{Kind: KindJQ, Source: "[.[] | .n] | add"},
		[]any{[]any{map[string]any{"n": 1}, map[string]any{"n": 2}}}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, out)

	out, err = call(t, r, Ref{Kind: KindJQ, Source: ".name"}, nil, map[string]any{"name": "lattice"})
	require.NoError(t, err)
	assert.Equal(t, "lattice", out)

	_, err = r.Resolve(Ref{Kind: KindJQ, Source: ".["})
	assert.Error(t, err)
}

func TestValueRef(t *testing.T) {
	out, err := call(t, NewRegistry(), Ref{Kind: KindValue, Value: map[string]any{"k": "v"}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, out)
}

func TestValidate_WorkflowRef(t *testing.T) {
	r := NewRegistry()
	assert.NoError(t, r.Validate(Ref{Kind: KindWorkflow, Name: "child"}))
	assert.Error(t, r.Validate(Ref{Kind: KindWorkflow}))
}
