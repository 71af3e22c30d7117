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
	"slices"
	"sync"
	"time"

	"github.com/tombee/lattice/internal/assets"
	"github.com/tombee/lattice/internal/controller/backend"
	"github.com/tombee/lattice/internal/controller/metrics"
	"github.com/tombee/lattice/internal/manifest"
	"github.com/tombee/lattice/internal/result"
	"github.com/tombee/lattice/pkg/errors"
	"github.com/tombee/lattice/pkg/executor"
	"github.com/tombee/lattice/pkg/status"
)

// jobRef is an in-flight async job.
type jobRef struct {
	exec   executor.AsyncExecutor
	meta   executor.TaskMetadata
	handle executor.JobHandle
}

// dispatch is the runtime state of one dispatch. The record holds task
// state; the fields below hold what the admission loop and Cancel share.
type dispatch struct {
	id     string
	def    *manifest.Definition
	record *result.Record
	row    backend.Dispatch

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu              sync.Mutex
	started         bool
	finished        bool
	finishedAt      time.Time
	cancelRequested bool
	errMsg          string
	inflight        map[string]context.CancelFunc
	cancelled       map[string]bool
	jobs            map[string]jobRef
	children        []string

	// reuse holds the asset links copied into PENDING_REUSE nodes.
	reuse map[string]map[string]assets.Asset

	// resume holds persisted job handles of nodes that were RUNNING when
	// the dispatch was recovered.
	resume map[string]executor.JobHandle
}

func newDispatch(row backend.Dispatch, def *manifest.Definition, rec *result.Record) *dispatch {
	ctx, cancel := context.WithCancel(context.Background())
	return &dispatch{
		id:              row.ID,
		def:             def,
		record:          rec,
		row:             row,
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
		cancelRequested: row.CancelRequested,
		errMsg:          row.Error,
		inflight:        make(map[string]context.CancelFunc),
		cancelled:       make(map[string]bool),
		jobs:            make(map[string]jobRef),
		reuse:           make(map[string]map[string]assets.Asset),
		resume:          make(map[string]executor.JobHandle),
	}
}

func (d *dispatch) isCancelled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelRequested
}

func (d *dispatch) nodeCancelled(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelRequested || d.cancelled[id]
}

func (d *dispatch) meta(nodeID string) executor.TaskMetadata {
	return executor.TaskMetadata{DispatchID: d.id, NodeID: nodeID}
}

// StateManager owns the dispatch table and moves record changes into the
// backend and asset store. The in-memory record is the source of truth
// while a dispatch runs; persistence failures are logged and counted.
type StateManager struct {
	mu         sync.RWMutex
	dispatches map[string]*dispatch

	// jobMu serializes read-modify-write of job records
	jobMu sync.Mutex

	backend backend.Backend
	store   assets.Store
	logger  *slog.Logger
}

// NewStateManager creates a StateManager.
func NewStateManager(be backend.Backend, store assets.Store, logger *slog.Logger) *StateManager {
	return &StateManager{
		dispatches: make(map[string]*dispatch),
		backend:    be,
		store:      store,
		logger:     logger,
	}
}

func (s *StateManager) add(d *dispatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatches[d.id] = d
}

func (s *StateManager) get(id string) (*dispatch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dispatches[id]
	return d, ok
}

func (s *StateManager) all() []*dispatch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*dispatch, 0, len(s.dispatches))
	for _, d := range s.dispatches {
		out = append(out, d)
	}
	return out
}

// IDs returns the ids of every dispatch held in memory, sorted.
func (s *StateManager) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.dispatches))
	for id := range s.dispatches {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ActiveCount returns the number of dispatches whose loop is running.
func (s *StateManager) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, d := range s.dispatches {
		d.mu.Lock()
		if d.started && !d.finished {
			n++
		}
		d.mu.Unlock()
	}
	return n
}

// persistErr logs and counts a failed write. Every write helper below
// reports through it, so callers that carry on after a failure may drop
// the returned error.
func (s *StateManager) persistErr(op string, err error, attrs ...any) {
	metrics.RecordPersistenceError(op, errors.TypeOf(err))
	s.logger.Error("persistence failed", append([]any{slog.String("operation", op), slog.Any("error", err)}, attrs...)...)
}

// dispatchRow renders the current dispatch state as a backend row.
func (s *StateManager) dispatchRow(d *dispatch) *backend.Dispatch {
	start, end := d.record.Times()
	d.mu.Lock()
	row := d.row
	row.CancelRequested = d.cancelRequested
	row.Error = d.errMsg
	d.mu.Unlock()
	row.Status = d.record.Status()
	row.StartedAt = start
	row.CompletedAt = end
	row.UpdatedAt = time.Now().UTC()
	return &row
}

func (s *StateManager) persistDispatch(ctx context.Context, d *dispatch) error {
	if err := s.backend.UpdateDispatch(context.WithoutCancel(ctx), s.dispatchRow(d)); err != nil {
		s.persistErr("update_dispatch", err, slog.String("dispatch_id", d.id))
		return err
	}
	return nil
}

func nodeRow(dispatchID string, n result.NodeState) *backend.Node {
	return &backend.Node{
		DispatchID:  dispatchID,
		NodeID:      n.ID,
		Name:        n.Name,
		Executor:    n.Executor,
		Status:      n.Status,
		Error:       n.Error,
		StartedAt:   n.StartTime,
		CompletedAt: n.EndTime,
		UpdatedAt:   time.Now().UTC(),
	}
}

func (s *StateManager) persistNode(ctx context.Context, d *dispatch, id string) error {
	n, ok := d.record.Node(id)
	if !ok {
		return &errors.NotFoundError{Resource: "node", ID: id}
	}
	if err := s.backend.UpsertNode(context.WithoutCancel(ctx), nodeRow(d.id, n)); err != nil {
		s.persistErr("upsert_node", err, slog.String("dispatch_id", d.id), slog.String("node_id", id))
		return err
	}
	return nil
}

// updateJob applies fn to the job record of a node, creating the record
// from handle when none exists yet.
func (s *StateManager) updateJob(ctx context.Context, dispatchID, nodeID string, handle executor.JobHandle, fn func(*backend.Job)) error {
	ctx = context.WithoutCancel(ctx)
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	job, err := s.backend.GetJob(ctx, dispatchID, nodeID)
	if err != nil {
		var nf *errors.NotFoundError
		if !errors.As(err, &nf) {
			s.persistErr("get_job", err, slog.String("dispatch_id", dispatchID), slog.String("node_id", nodeID))
			return err
		}
		encoded, merr := handle.Marshal()
		if merr != nil {
			return merr
		}
		job = &backend.Job{DispatchID: dispatchID, NodeID: nodeID, Handle: encoded, Status: status.Running, CreatedAt: time.Now().UTC()}
	}
	fn(job)
	job.UpdatedAt = time.Now().UTC()
	if err := s.backend.UpsertJob(ctx, job); err != nil {
		s.persistErr("upsert_job", err, slog.String("dispatch_id", dispatchID), slog.String("node_id", nodeID))
		return err
	}
	return nil
}

// linkNodeAsset records an already stored asset on a node, in the record
// and then in the backend.
func (s *StateManager) linkNodeAsset(ctx context.Context, d *dispatch, id, key string, a assets.Asset) error {
	if err := d.record.SetNodeAsset(id, key, a); err != nil {
		return err
	}
	link := &backend.AssetLink{DispatchID: d.id, NodeID: id, Key: key, Asset: a, CreatedAt: time.Now().UTC()}
	if err := s.backend.AssociateAsset(context.WithoutCancel(ctx), link); err != nil {
		s.persistErr("associate_asset", err, slog.String("dispatch_id", d.id), slog.String("node_id", id), slog.String("key", key))
		return err
	}
	return nil
}

// putNodeAsset stores data and links it to a node under key.
func (s *StateManager) putNodeAsset(ctx context.Context, d *dispatch, id, key string, data []byte) error {
	a, err := s.store.Put(context.WithoutCancel(ctx), data)
	if err != nil {
		s.persistErr("put_asset", err, slog.String("dispatch_id", d.id), slog.String("node_id", id), slog.String("key", key))
		return fmt.Errorf("storing %s asset of node %s: %w", key, id, err)
	}
	return s.linkNodeAsset(ctx, d, id, key, a)
}

// linkAsset records a workflow-level asset.
func (s *StateManager) linkAsset(ctx context.Context, d *dispatch, key string, a assets.Asset) error {
	if err := d.record.SetAsset(key, a); err != nil {
		return err
	}
	link := &backend.AssetLink{DispatchID: d.id, Key: key, Asset: a, CreatedAt: time.Now().UTC()}
	if err := s.backend.AssociateAsset(context.WithoutCancel(ctx), link); err != nil {
		s.persistErr("associate_asset", err, slog.String("dispatch_id", d.id), slog.String("key", key))
		return err
	}
	return nil
}

// putAsset stores data as a workflow-level asset.
func (s *StateManager) putAsset(ctx context.Context, d *dispatch, key string, data []byte) error {
	a, err := s.store.Put(context.WithoutCancel(ctx), data)
	if err != nil {
		s.persistErr("put_asset", err, slog.String("dispatch_id", d.id), slog.String("key", key))
		return fmt.Errorf("storing %s asset of dispatch %s: %w", key, d.id, err)
	}
	return s.linkAsset(ctx, d, key, a)
}

// readJSON loads and decodes a stored asset.
func (s *StateManager) readJSON(ctx context.Context, a assets.Asset) (any, error) {
	data, err := s.store.Get(ctx, a)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decoding asset %s: %w", a.Digest, err)
	}
	return v, nil
}

// nodeOutput returns a completed node's decoded output.
func (s *StateManager) nodeOutput(ctx context.Context, d *dispatch, id string) (any, bool, error) {
	if d.record.NodeStatus(id) != status.Completed {
		return nil, false, nil
	}
	a, ok := d.record.NodeAsset(id, result.KeyOutput)
	if !ok {
		return nil, true, nil
	}
	v, err := s.readJSON(ctx, a)
	if err != nil {
		return nil, false, fmt.Errorf("reading output of node %s: %w", id, err)
	}
	return v, true, nil
}

// load rebuilds a dispatch from its persisted rows.
func (s *StateManager) load(ctx context.Context, id string) (*dispatch, error) {
	row, err := s.backend.GetDispatch(ctx, id)
	if err != nil {
		return nil, err
	}
	def, err := manifest.UnmarshalDefinition(row.Definition)
	if err != nil {
		return nil, fmt.Errorf("dispatch %s: %w", id, err)
	}
	nodes, err := s.backend.ListNodes(ctx, id)
	if err != nil {
		return nil, err
	}
	links, err := s.backend.ListAssetLinks(ctx, id)
	if err != nil {
		return nil, err
	}

	rows := make(map[string]*backend.Node, len(nodes))
	for _, n := range nodes {
		rows[n.NodeID] = n
	}
	nodeAssets := make(map[string]map[string]assets.Asset)
	workflowAssets := make(map[string]assets.Asset)
	for _, l := range links {
		if l.NodeID == "" {
			workflowAssets[l.Key] = l.Asset
			continue
		}
		if nodeAssets[l.NodeID] == nil {
			nodeAssets[l.NodeID] = make(map[string]assets.Asset)
		}
		nodeAssets[l.NodeID][l.Key] = l.Asset
	}

	states := make([]result.NodeState, 0, def.Graph.Len())
	for _, nid := range def.Graph.IDs() {
		gn, _ := def.Graph.Node(nid)
		st := result.NodeState{ID: nid, Name: gn.Name, Executor: gn.Executor, Status: status.NewObject, Assets: nodeAssets[nid]}
		if r, ok := rows[nid]; ok {
			st.Status = r.Status
			st.Error = r.Error
			st.StartTime = r.StartedAt
			st.EndTime = r.CompletedAt
		}
		states = append(states, st)
	}

	meta := result.Meta{DispatchID: row.ID, RootDispatchID: row.RootID, ParentDispatchID: row.ParentID, Name: row.Name}
	rec := result.Restore(meta, row.Status, row.StartedAt, row.CompletedAt, states, workflowAssets)
	return newDispatch(*row, def, rec), nil
}
