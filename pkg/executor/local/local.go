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

// Package local runs tasks synchronously inside the dispatcher process.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/lattice/pkg/errors"
	"github.com/tombee/lattice/pkg/executor"
	"github.com/tombee/lattice/pkg/function"
)

// Key is the registry key of the local executor.
const Key = "local"

// Executor is the in-process synchronous backend.
type Executor struct {
	name    string
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a local executor. Recognized config: "timeout" (duration,
// zero means none).
func New(name string, cfg executor.Config) (executor.Executor, error) {
	return &Executor{
		name:    name,
		timeout: cfg.Duration("timeout", 0),
		logger:  slog.Default().With(slog.String("executor", name)),
	}, nil
}

// Name implements executor.Executor.
func (e *Executor) Name() string { return e.name }

// Run implements executor.SyncExecutor. A panic in fn is returned as a
// TaskRuntimeError; cancellation of ctx is honored even if fn ignores it.
func (e *Executor) Run(ctx context.Context, fn function.Func, args []any, kwargs map[string]any, meta executor.TaskMetadata) (any, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	type outcome struct {
		out any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &errors.TaskRuntimeError{NodeID: meta.NodeID, Cause: fmt.Errorf("%v", r), Panic: true}}
			}
		}()
		out, err := fn(ctx, args, kwargs)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		return o.out, o.err
	case <-ctx.Done():
		e.logger.Debug("task abandoned",
			slog.String("dispatch_id", meta.DispatchID),
			slog.String("node_id", meta.NodeID),
			slog.Any("error", ctx.Err()))
		return nil, ctx.Err()
	}
}
