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

// Package function resolves serializable function references into task
// bodies.
//
// A task never ships code. It ships a Ref naming a registered builtin, an
// expr-lang expression, a jq program, or a literal value, and whoever runs
// the task (the runner itself, a subprocess, a remote worker) resolves the
// Ref against its own Registry.
package function

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/tombee/lattice/pkg/errors"
)

// Kind selects how a Ref is resolved.
type Kind string

const (
	KindBuiltin Kind = "builtin"
	KindExpr    Kind = "expr"
	KindJQ      Kind = "jq"
	KindValue   Kind = "value"

	// KindWorkflow marks a sub-workflow node. It is never resolved into a
	// Func; the runner dispatches the nested workflow instead.
	KindWorkflow Kind = "workflow"
)

// Ref is the serializable reference to a task body.
type Ref struct {
	Kind   Kind   `json:"kind" yaml:"kind"`
	Name   string `json:"name,omitempty" yaml:"name,omitempty"`
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
	Value  any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// String renders the ref for logs and node names.
func (r Ref) String() string {
	switch r.Kind {
	case KindBuiltin, KindWorkflow:
		return string(r.Kind) + ":" + r.Name
	case KindValue:
		return "value"
	default:
		return string(r.Kind) + ":" + r.Source
	}
}

// Func is a resolved task body. Arguments and results are JSON-compatible
// values.
type Func func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Registry maps builtin names to Funcs and compiles expr and jq refs.
type Registry struct {
	mu       sync.RWMutex
	builtins map[string]Func
	exprs    *exprCache
	jq       *jqRunner
}

// NewRegistry returns a Registry preloaded with the builtin functions.
func NewRegistry() *Registry {
	r := &Registry{
		builtins: make(map[string]Func),
		exprs:    newExprCache(),
		jq:       newJQRunner(0),
	}
	registerBuiltins(r)
	return r
}

// Register adds a builtin. Registering an existing name is an error.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" || fn == nil {
		return &errors.ValidationError{Field: "function.name", Message: "name and function are required"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builtins[name]; exists {
		return &errors.ValidationError{
			Field:   "function.name",
			Message: fmt.Sprintf("function %q already registered", name),
		}
	}
	r.builtins[name] = fn
	return nil
}

// Names lists registered builtins in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.builtins))
	for name := range r.builtins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve turns a Ref into a Func. Expressions and jq programs are compiled
// here so syntax errors surface before the task is admitted.
func (r *Registry) Resolve(ref Ref) (Func, error) {
	switch ref.Kind {
	case KindBuiltin:
		r.mu.RLock()
		fn, ok := r.builtins[ref.Name]
		r.mu.RUnlock()
		if !ok {
			return nil, &errors.NotFoundError{Resource: "function", ID: ref.Name}
		}
		return fn, nil
	case KindExpr:
		return r.exprs.resolve(ref.Source)
	case KindJQ:
		return r.jq.resolve(ref.Source)
	case KindValue:
		v := ref.Value
		return func(context.Context, []any, map[string]any) (any, error) { return v, nil }, nil
	case KindWorkflow:
		return nil, &errors.ValidationError{
			Field:   "function.kind",
			Message: "workflow refs are dispatched as sub-workflows, not called",
		}
	default:
		return nil, &errors.ValidationError{
			Field:      "function.kind",
			Message:    fmt.Sprintf("unknown function kind %q", ref.Kind),
			Suggestion: "use one of builtin, expr, jq, value, workflow",
		}
	}
}

// Validate resolves ref and discards the result.
func (r *Registry) Validate(ref Ref) error {
	if ref.Kind == KindWorkflow {
		if ref.Name == "" {
			return &errors.ValidationError{Field: "function.name", Message: "workflow ref needs a name"}
		}
		return nil
	}
	_, err := r.Resolve(ref)
	return err
}

type outputKey struct{}

// Output carries the writers a task body should use for its stdout and
// stderr.
type Output struct {
	Stdout io.Writer
	Stderr io.Writer
}

// WithOutput attaches task output writers to ctx.
func WithOutput(ctx context.Context, out Output) context.Context {
	return context.WithValue(ctx, outputKey{}, out)
}

// Stdout returns the task stdout writer from ctx, or io.Discard.
func Stdout(ctx context.Context) io.Writer {
	if out, ok := ctx.Value(outputKey{}).(Output); ok && out.Stdout != nil {
		return out.Stdout
	}
	return io.Discard
}

// Stderr returns the task stderr writer from ctx, or io.Discard.
func Stderr(ctx context.Context) io.Writer {
	if out, ok := ctx.Value(outputKey{}).(Output); ok && out.Stderr != nil {
		return out.Stderr
	}
	return io.Discard
}
