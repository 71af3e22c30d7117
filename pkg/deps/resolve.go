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

package deps

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/google/shlex"

	"github.com/tombee/lattice/pkg/errors"
	"github.com/tombee/lattice/pkg/function"
)

// Hook is a rehydrated zero-argument dependency callable.
type Hook func(ctx context.Context) error

// CommandRunner executes an argv without a shell.
type CommandRunner interface {
	Run(ctx context.Context, argv []string, stdout, stderr io.Writer) error
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Dir string
	Env []string
}

// Run implements CommandRunner.
func (r ExecRunner) Run(ctx context.Context, argv []string, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = r.Env
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

// Env is what hooks need from the process that runs them.
type Env struct {
	Functions *function.Registry
	Commands  CommandRunner
}

// Hook implements Dependency.
func (b *Bash) Hook(env Env) (Hook, error) {
	argvs := make([][]string, 0, len(b.Commands))
	for _, line := range b.Commands {
		argv, err := shlex.Split(line)
		if err != nil {
			return nil, fmt.Errorf("parsing %q: %w", line, err)
		}
		if len(argv) == 0 {
			continue
		}
		argvs = append(argvs, argv)
	}
	return commandsHook(env.Commands, argvs), nil
}

// Hook implements Dependency.
func (p *Package) Hook(env Env) (Hook, error) {
	argv := append([]string{p.Manager, "install"}, p.Packages...)
	return commandsHook(env.Commands, [][]string{argv}), nil
}

// Hook implements Dependency.
func (c *Call) Hook(env Env) (Hook, error) {
	if env.Functions == nil {
		return nil, fmt.Errorf("no function registry available")
	}
	fn, err := env.Functions.Resolve(c.Function)
	if err != nil {
		return nil, err
	}
	args, kwargs := c.Args, c.Kwargs
	return func(ctx context.Context) error {
		_, err := fn(ctx, args, kwargs)
		return err
	}, nil
}

func commandsHook(runner CommandRunner, argvs [][]string) Hook {
	if runner == nil {
		runner = ExecRunner{}
	}
	return func(ctx context.Context) error {
		for _, argv := range argvs {
			if err := runner.Run(ctx, argv, function.Stdout(ctx), function.Stderr(ctx)); err != nil {
				return fmt.Errorf("%s: %w", argv[0], err)
			}
		}
		return nil
	}
}

// Resolve rehydrates specs into ordered before and after hooks. Resolving
// the same specs twice yields hook sequences of the same length and order.
func Resolve(specs []Spec, env Env) (before, after []Hook, err error) {
	for _, s := range specs {
		dep, err := Decode(s)
		if err != nil {
			return nil, nil, err
		}
		hook, err := dep.Hook(env)
		if err != nil {
			return nil, nil, &errors.DependencyResolutionError{Kind: string(s.Kind), Cause: err}
		}
		if dep.Phase() == After {
			after = append(after, hook)
		} else {
			before = append(before, hook)
		}
	}
	return before, after, nil
}

// Outcome is the result of running a task body inside its hooks.
type Outcome struct {
	Output any
	Err    error

	// HookErrors collects call_after failures. They never replace Err.
	HookErrors []error
}

// Run executes before hooks, the body, then after hooks.
//
// A before-hook failure skips the body and the after hooks and is
// reported as a DependencyResolutionError. After hooks always run once the
// body has been attempted, even if it failed.
func Run(ctx context.Context, body function.Func, args []any, kwargs map[string]any, before, after []Hook) Outcome {
	for i, hook := range before {
		if err := hook(ctx); err != nil {
			return Outcome{Err: &errors.DependencyResolutionError{
				Kind:  string(KindCallBefore),
				Cause: fmt.Errorf("hook %d: %w", i, err),
			}}
		}
	}

	var out Outcome
	out.Output, out.Err = callBody(ctx, body, args, kwargs)

	for i, hook := range after {
		if err := hook(ctx); err != nil {
			out.HookErrors = append(out.HookErrors, fmt.Errorf("call_after hook %d: %w", i, err))
		}
	}
	return out
}

func callBody(ctx context.Context, body function.Func, args []any, kwargs map[string]any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errors.TaskRuntimeError{Cause: fmt.Errorf("%v", r), Panic: true}
		}
	}()
	out, err = body(ctx, args, kwargs)
	if err != nil {
		if _, ok := err.(*errors.TaskRuntimeError); !ok {
			err = &errors.TaskRuntimeError{Cause: err}
		}
	}
	return out, err
}

// Wrap returns a Func that runs body inside its hooks. After-hook failures
// are passed to onHookError and do not affect the returned error.
func Wrap(body function.Func, before, after []Hook, onHookError func(error)) function.Func {
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		out := Run(ctx, body, args, kwargs, before, after)
		if onHookError != nil {
			for _, err := range out.HookErrors {
				onHookError(err)
			}
		}
		return out.Output, out.Err
	}
}
