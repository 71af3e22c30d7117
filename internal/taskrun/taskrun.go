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

// Package taskrun turns a task payload into a running body wrapped in its
// dependency hooks. The runner uses it for in-process execution; the
// subprocess entrypoint and the remote worker use it to execute jobs
// described by a JobSpec.
package taskrun

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/tombee/lattice/internal/assets"
	"github.com/tombee/lattice/internal/result"
	"github.com/tombee/lattice/pkg/deps"
	"github.com/tombee/lattice/pkg/errors"
	"github.com/tombee/lattice/pkg/executor"
	"github.com/tombee/lattice/pkg/function"
)

// Payload is everything needed to run one task.
type Payload struct {
	Function   function.Ref
	Args       []any
	Kwargs     map[string]any
	Deps       []deps.Spec
	CallBefore []deps.Spec
	CallAfter  []deps.Spec
}

// Env is the execution environment of the process running the task.
type Env struct {
	Functions *function.Registry
	Commands  deps.CommandRunner
	Transfer  *assets.Transfer
}

// Encode serializes the payload into one document per asset key.
func Encode(p Payload) (map[string][]byte, error) {
	args := p.Args
	if args == nil {
		args = []any{}
	}
	kwargs := p.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	docs := map[string]any{
		result.KeyFunction:   p.Function,
		result.KeyArgs:       args,
		result.KeyKwargs:     kwargs,
		result.KeyDeps:       nonNil(p.Deps),
		result.KeyCallBefore: nonNil(p.CallBefore),
		result.KeyCallAfter:  nonNil(p.CallAfter),
	}
	out := make(map[string][]byte, len(docs))
	for key, v := range docs {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", key, err)
		}
		out[key] = data
	}
	return out, nil
}

func nonNil(specs []deps.Spec) []deps.Spec {
	if specs == nil {
		return []deps.Spec{}
	}
	return specs
}

// Refs maps the payload asset keys to their uploaded URIs.
func Refs(uris map[string]string) executor.TaskRefs {
	return executor.TaskRefs{
		Function:   uris[result.KeyFunction],
		Args:       uris[result.KeyArgs],
		Kwargs:     uris[result.KeyKwargs],
		Deps:       uris[result.KeyDeps],
		CallBefore: uris[result.KeyCallBefore],
		CallAfter:  uris[result.KeyCallAfter],
	}
}

// Load downloads and decodes the payload referenced by refs.
func Load(ctx context.Context, t *assets.Transfer, refs executor.TaskRefs) (Payload, error) {
	var p Payload
	fields := []struct {
		uri      string
		into     any
		required bool
	}{
		{refs.Function, &p.Function, true},
		{refs.Args, &p.Args, false},
		{refs.Kwargs, &p.Kwargs, false},
		{refs.Deps, &p.Deps, false},
		{refs.CallBefore, &p.CallBefore, false},
		{refs.CallAfter, &p.CallAfter, false},
	}
	for _, f := range fields {
		if f.uri == "" {
			if f.required {
				return p, fmt.Errorf("task payload is missing its function")
			}
			continue
		}
		data, err := t.Download(ctx, f.uri)
		if err != nil {
			return p, fmt.Errorf("downloading %s: %w", f.uri, err)
		}
		if err := json.Unmarshal(data, f.into); err != nil {
			return p, fmt.Errorf("decoding %s: %w", f.uri, err)
		}
	}
	return p, nil
}

// Prepare resolves the payload's function and hooks into one Func.
// After-hook failures are reported through onHookError.
func Prepare(p Payload, env Env, onHookError func(error)) (function.Func, error) {
	body, err := env.Functions.Resolve(p.Function)
	if err != nil {
		return nil, err
	}
	specs := make([]deps.Spec, 0, len(p.Deps)+len(p.CallBefore)+len(p.CallAfter))
	specs = append(specs, p.Deps...)
	specs = append(specs, p.CallBefore...)
	specs = append(specs, p.CallAfter...)

	before, after, err := deps.Resolve(specs, deps.Env{Functions: env.Functions, Commands: env.Commands})
	if err != nil {
		return nil, err
	}
	return deps.Wrap(body, before, after, onHookError), nil
}

// Execute runs the payload and captures its result. It never returns an
// error: every failure is folded into the TaskResult.
func Execute(ctx context.Context, p Payload, env Env, stdout, stderr io.Writer) executor.TaskResult {
	var hookErrs []string
	fn, err := Prepare(p, env, func(err error) {
		hookErrs = append(hookErrs, err.Error())
		fmt.Fprintln(stderr, err)
	})
	if err != nil {
		return executor.Failed(err, errors.TypeOf(err))
	}

	ctx = function.WithOutput(ctx, function.Output{Stdout: stdout, Stderr: stderr})
	out, err := fn(ctx, p.Args, p.Kwargs)
	if err != nil {
		fmt.Fprintln(stderr, err)
		res := executor.Failed(err, errors.TypeOf(err))
		res.HookErrors = hookErrs
		return res
	}

	data, err := json.Marshal(out)
	if err != nil {
		return executor.Failed(fmt.Errorf("task output is not JSON-serializable: %w", err), "task_runtime")
	}
	return executor.TaskResult{Output: data, HookErrors: hookErrs}
}

// RunSpec loads the job's payload, executes it and writes the result,
// stdout and stderr files named in spec. The result file is written last
// and atomically; its appearance marks the job terminal.
func RunSpec(ctx context.Context, spec executor.JobSpec, env Env) error {
	var stdout, stderr bytes.Buffer

	var res executor.TaskResult
	p, err := Load(ctx, env.Transfer, spec.Refs)
	if err != nil {
		res = executor.Failed(&errors.DependencyResolutionError{NodeID: spec.Meta.NodeID, Cause: err}, "dependency")
		fmt.Fprintln(&stderr, err)
	} else {
		res = Execute(ctx, p, env, &stdout, &stderr)
	}

	if err := assets.WriteFileAtomic(spec.StdoutPath, stdout.Bytes()); err != nil {
		return err
	}
	if err := assets.WriteFileAtomic(spec.StderrPath, stderr.Bytes()); err != nil {
		return err
	}
	return WriteResult(spec.ResultPath, res)
}

// WriteResult atomically writes a TaskResult document.
func WriteResult(path string, res executor.TaskResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return assets.WriteFileAtomic(path, data)
}

// ReadResult reads a TaskResult document.
func ReadResult(data []byte) (executor.TaskResult, error) {
	var res executor.TaskResult
	err := json.Unmarshal(data, &res)
	return res, err
}

// RunSpecFile is the subprocess entrypoint: it reads a JobSpec from path
// and runs it.
func RunSpecFile(ctx context.Context, path string, env Env) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var spec executor.JobSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("decoding job spec: %w", err)
	}
	return RunSpec(ctx, spec, env)
}
