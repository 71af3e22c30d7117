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
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/lattice/pkg/errors"
)

// exprCache compiles expr-lang programs once per source string.
type exprCache struct {
	mu    sync.RWMutex
	progs map[string]*vm.Program
}

func newExprCache() *exprCache {
	return &exprCache{progs: make(map[string]*vm.Program)}
}

// resolve returns a Func evaluating source with "args" and "kwargs" in
// scope. Keyword arguments are also bound as top-level variables, so
// `x * 2` works for a node called with kwargs {x: ...}.
func (c *exprCache) resolve(source string) (Func, error) {
	prog, err := c.compile(source)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "function.source",
			Message:    fmt.Sprintf("failed to compile expression: %s", err.Error()),
			Suggestion: "check expression syntax; arguments are available as args[i] and kwargs.name",
		}
	}
	return func(_ context.Context, args []any, kwargs map[string]any) (any, error) {
		return Eval(prog, args, kwargs)
	}, nil
}

func (c *exprCache) compile(source string) (*vm.Program, error) {
	c.mu.RLock()
	if prog, ok := c.progs[source]; ok {
		c.mu.RUnlock()
		return prog, nil
	}
	c.mu.RUnlock()

	prog, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.progs[source] = prog
	c.mu.Unlock()
	return prog, nil
}

// CompileExpr compiles an expr-lang program for use with Eval.
func CompileExpr(source string) (*vm.Program, error) {
	return expr.Compile(source, expr.AllowUndefinedVariables())
}

// Eval runs a compiled expression with args and kwargs bound.
func Eval(prog *vm.Program, args []any, kwargs map[string]any) (any, error) {
	env := make(map[string]any, len(kwargs)+2)
	for k, v := range kwargs {
		env[k] = v
	}
	if args == nil {
		args = []any{}
	}
	env["args"] = args
	env["kwargs"] = kwargs

	out, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("expression evaluation failed: %w", err)
	}
	return out, nil
}
