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

package runner

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/lattice/internal/assets"
	"github.com/tombee/lattice/internal/tracing"
	"github.com/tombee/lattice/pkg/deps"
	"github.com/tombee/lattice/pkg/executor"
	"github.com/tombee/lattice/pkg/function"
)

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTracer sets the tracer for dispatch and node spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) {
		r.tracer = tracer
	}
}

// WithInstruments sets the otel instruments for job and transfer metrics.
func WithInstruments(inst *tracing.Instruments) Option {
	return func(r *Runner) {
		r.instruments = inst
	}
}

// WithFunctions sets the function registry used to compile and run
// tasks.
func WithFunctions(reg *function.Registry) Option {
	return func(r *Runner) {
		if reg != nil {
			r.functions = reg
		}
	}
}

// WithExecutors sets the executor registry.
func WithExecutors(reg *executor.Registry) Option {
	return func(r *Runner) {
		if reg != nil {
			r.executors = newExecutorCache(reg)
		}
	}
}

// WithTransfer sets how payloads and results move to and from executor
// locations.
func WithTransfer(t *assets.Transfer) Option {
	return func(r *Runner) {
		if t != nil {
			r.transfer = t
		}
	}
}

// WithURIFilter sets the policy GetResult applies to asset URIs.
func WithURIFilter(f assets.URIFilter) Option {
	return func(r *Runner) {
		r.uriFilter = f
	}
}

// WithCommandRunner sets how bash and package dependencies run for
// in-process tasks.
func WithCommandRunner(c deps.CommandRunner) Option {
	return func(r *Runner) {
		if c != nil {
			r.commands = c
		}
	}
}

// CreateOption configures a single dispatch.
type CreateOption func(*createOptions)

type createOptions struct {
	inputs       map[string]any
	reuseFrom    string
	parentID     string
	parentNodeID string
	rootID       string
}

// WithInputs overrides the workflow's input defaults.
func WithInputs(inputs map[string]any) CreateOption {
	return func(o *createOptions) {
		o.inputs = inputs
	}
}

// WithReuse reuses outputs of unchanged nodes from a previous dispatch.
func WithReuse(prevDispatchID string) CreateOption {
	return func(o *createOptions) {
		o.reuseFrom = prevDispatchID
	}
}

func withParent(parentID, parentNodeID, rootID string) CreateOption {
	return func(o *createOptions) {
		o.parentID = parentID
		o.parentNodeID = parentNodeID
		o.rootID = rootID
	}
}
