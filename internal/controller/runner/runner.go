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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/tombee/lattice/internal/assets"
	"github.com/tombee/lattice/internal/controller/backend"
	"github.com/tombee/lattice/internal/log"
	"github.com/tombee/lattice/internal/manifest"
	"github.com/tombee/lattice/internal/result"
	"github.com/tombee/lattice/internal/tracing"
	"github.com/tombee/lattice/pkg/deps"
	"github.com/tombee/lattice/pkg/errors"
	"github.com/tombee/lattice/pkg/executor"
	"github.com/tombee/lattice/pkg/executor/local"
	"github.com/tombee/lattice/pkg/function"
	"github.com/tombee/lattice/pkg/status"
)

// Config contains runner configuration.
type Config struct {
	// MaxParallel is the slot budget of each dispatch.
	MaxParallel int

	// PollRetries is how many times a timed out Poll is retried before
	// the node fails.
	PollRetries int

	// CancelOnTimeout cancels the backend job when polling gives up.
	CancelOnTimeout bool

	// DefaultExecutor is used by nodes and workflows that name none.
	DefaultExecutor string

	// Retention is how long finished dispatches stay in memory. Zero
	// keeps them until Stop.
	Retention time.Duration
}

// Runner creates and drives dispatches.
type Runner struct {
	cfg Config

	state     *StateManager
	events    *EventBus
	executors *executorCache
	functions *function.Registry
	transfer  *assets.Transfer
	commands  deps.CommandRunner
	uriFilter assets.URIFilter

	logger      *slog.Logger
	tracer      trace.Tracer
	instruments *tracing.Instruments

	// draining rejects new dispatches during shutdown
	draining atomic.Bool

	// wg tracks admission loops and resumed jobs
	wg sync.WaitGroup

	stopCleanup context.CancelFunc
}

// New creates a Runner persisting to be and storing assets in store. By
// default only the local executor is registered.
func New(cfg Config, be backend.Backend, store assets.Store, opts ...Option) *Runner {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 10
	}
	if cfg.PollRetries < 0 {
		cfg.PollRetries = 0
	}

	reg := executor.NewRegistry()
	if err := reg.Register(local.Key, local.New); err != nil {
		// Register only rejects duplicate keys.
		panic(err)
	}

	r := &Runner{
		cfg:       cfg,
		events:    NewEventBus(),
		executors: newExecutorCache(reg),
		functions: function.NewRegistry(),
		transfer:  &assets.Transfer{},
		commands:  deps.ExecRunner{},
		logger:    slog.Default(),
		tracer:    tracenoop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = log.WithComponent(r.logger, "runner")
	r.state = NewStateManager(be, store, r.logger)

	ctx, cancel := context.WithCancel(context.Background())
	r.stopCleanup = cancel
	if cfg.Retention > 0 {
		interval := min(cfg.Retention, time.Hour)
		go r.state.StartCleanupLoop(ctx, interval, cfg.Retention, r.logger)
	}
	return r
}

// State returns the dispatch table.
func (r *Runner) State() *StateManager {
	return r.state
}

// Backend returns the persistence backend.
func (r *Runner) Backend() backend.Backend {
	return r.state.backend
}

// Subscribe returns status events of a dispatch.
func (r *Runner) Subscribe(dispatchID string) (<-chan Event, func()) {
	return r.events.Subscribe(dispatchID)
}

func (r *Runner) dispatchLogger(d *dispatch) *slog.Logger {
	return log.WithDispatchContext(r.logger, d.id, d.row.RootID, d.row.Name)
}

func (r *Runner) publishDispatch(d *dispatch) {
	d.mu.Lock()
	msg := d.errMsg
	d.mu.Unlock()
	r.events.Publish(Event{Type: EventDispatch, DispatchID: d.id, Status: d.record.Status(), Error: msg})
}

func (r *Runner) publishNode(d *dispatch, id string) {
	n, _ := d.record.Node(id)
	r.events.Publish(Event{Type: EventNode, DispatchID: d.id, NodeID: id, Status: n.Status, Error: n.Error})
}

// Create parses a manifest and creates a dispatch in NEW_OBJECT. Graph
// and validation errors are returned here, before anything is persisted.
func (r *Runner) Create(ctx context.Context, data []byte, opts ...CreateOption) (string, error) {
	w, err := manifest.Parse(data)
	if err != nil {
		return "", err
	}
	return r.CreateWorkflow(ctx, w, opts...)
}

// CreateWorkflow creates a dispatch from a parsed workflow.
func (r *Runner) CreateWorkflow(ctx context.Context, w *manifest.Workflow, opts ...CreateOption) (string, error) {
	if r.draining.Load() {
		return "", fmt.Errorf("runner is shutting down")
	}
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}

	def, err := manifest.Compile(w, manifest.CompileOptions{
		Functions:       r.functions,
		Executors:       r.executors.Registry(),
		DefaultExecutor: r.cfg.DefaultExecutor,
		Inputs:          o.inputs,
	})
	if err != nil {
		return "", err
	}
	encoded, err := def.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to encode workflow definition: %w", err)
	}

	id := uuid.New().String()
	root := o.rootID
	if root == "" {
		root = id
	}
	now := time.Now().UTC()
	row := backend.Dispatch{
		ID:           id,
		RootID:       root,
		ParentID:     o.parentID,
		ParentNodeID: o.parentNodeID,
		Name:         def.Name,
		Status:       status.NewObject,
		Definition:   encoded,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	states := make([]result.NodeState, 0, def.Graph.Len())
	for _, nid := range def.Graph.IDs() {
		n, _ := def.Graph.Node(nid)
		states = append(states, result.NodeState{ID: nid, Name: n.Name, Executor: n.Executor, Status: status.NewObject})
	}
	rec := result.New(result.Meta{DispatchID: id, RootDispatchID: root, ParentDispatchID: o.parentID, Name: def.Name}, states)
	d := newDispatch(row, def, rec)

	if err := r.state.backend.CreateDispatch(ctx, &row); err != nil {
		return "", fmt.Errorf("failed to persist dispatch: %w", err)
	}
	for _, st := range states {
		if err := r.state.backend.UpsertNode(ctx, nodeRow(id, st)); err != nil {
			return "", fmt.Errorf("failed to persist node %s: %w", st.ID, err)
		}
	}

	inputs := def.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	inputData, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("workflow inputs are not JSON-serializable: %w", err)
	}
	if err := r.state.putAsset(ctx, d, result.KeyInputs, inputData); err != nil {
		return "", err
	}
	graphData, err := json.Marshal(def.Graph)
	if err != nil {
		return "", err
	}
	if err := r.state.putAsset(ctx, d, result.KeyGraph, graphData); err != nil {
		return "", err
	}

	if o.reuseFrom != "" {
		if err := r.planReuse(ctx, d, o.reuseFrom); err != nil {
			return "", err
		}
	}

	r.state.add(d)
	r.dispatchLogger(d).Info("dispatch created",
		slog.Int("nodes", def.Graph.Len()),
		slog.String("parent_dispatch_id", o.parentID))
	r.publishDispatch(d)
	return id, nil
}

// Start moves a created dispatch to STARTING and launches its admission
// loop. It returns without waiting for any node.
func (r *Runner) Start(ctx context.Context, id string) error {
	d, ok := r.state.get(id)
	if !ok {
		return &errors.NotFoundError{Resource: "dispatch", ID: id}
	}

	d.mu.Lock()
	switch {
	case d.cancelRequested:
		d.mu.Unlock()
		return &errors.ValidationError{Field: "dispatch", Message: fmt.Sprintf("dispatch %s was cancelled", id)}
	case d.started:
		d.mu.Unlock()
		return &errors.ValidationError{Field: "dispatch", Message: fmt.Sprintf("dispatch %s was already started", id)}
	}
	d.started = true
	d.mu.Unlock()

	if err := d.record.SetStatus(status.Starting); err != nil {
		return err
	}
	if err := r.state.persistDispatch(ctx, d); err != nil {
		r.dispatchLogger(d).Warn("dispatch starts without a persisted starting status", log.Error(err))
	}
	r.publishDispatch(d)

	r.wg.Add(1)
	go r.execute(d)
	return nil
}

// GetResult returns the output manifest of a dispatch. With wait it
// blocks until the dispatch is terminal or ctx is done. Dispatches not
// held in memory are rebuilt from the backend and never waited on.
func (r *Runner) GetResult(ctx context.Context, id string, wait bool) (*result.Manifest, error) {
	d, ok := r.state.get(id)
	if !ok {
		loaded, err := r.state.load(ctx, id)
		if err != nil {
			return nil, err
		}
		return r.render(loaded), nil
	}
	if wait {
		select {
		case <-d.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.render(d), nil
}

// Output returns the stored workflow result of a terminal dispatch as
// JSON. Dispatches that did not complete have none.
func (r *Runner) Output(ctx context.Context, id string) (json.RawMessage, error) {
	d, ok := r.state.get(id)
	if !ok {
		loaded, err := r.state.load(ctx, id)
		if err != nil {
			return nil, err
		}
		d = loaded
	}
	a, ok := d.record.Asset(result.KeyResult)
	if !ok {
		return nil, &errors.NotFoundError{Resource: "result", ID: id}
	}
	data, err := r.state.store.Get(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("reading result of %s: %w", id, err)
	}
	return data, nil
}

func (r *Runner) render(d *dispatch) *result.Manifest {
	m := d.record.Snapshot()
	m.FilterURIs(r.uriFilter)
	return m
}

// ActiveCount returns the number of dispatches currently executing.
func (r *Runner) ActiveCount() int {
	return r.state.ActiveCount()
}

// Stop cancels every running dispatch and waits for their loops to exit.
func (r *Runner) Stop(ctx context.Context) error {
	r.draining.Store(true)
	r.stopCleanup()
	for _, d := range r.state.all() {
		d.mu.Lock()
		running := !d.finished
		d.mu.Unlock()
		if running {
			if err := r.Cancel(ctx, d.id); err != nil {
				r.logger.Warn("failed to cancel dispatch", slog.String(log.DispatchIDKey, d.id), log.Error(err))
			}
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.executors.Close(r.logger)
		return nil
	case <-ctx.Done():
		if remaining := r.ActiveCount(); remaining > 0 {
			return fmt.Errorf("stop timeout: %d dispatch(es) still running after cancellation", remaining)
		}
		return ctx.Err()
	}
}
