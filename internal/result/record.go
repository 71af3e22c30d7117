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

// Package result holds the Result Record: the authoritative, in-memory
// state of one dispatch, and the output manifest it renders to.
//
// Every mutation goes through the record's mutex and is validated
// against the status transition tables, so concurrent node goroutines can
// update it directly. Persisting a change is the caller's job.
package result

import (
	"fmt"
	"sync"
	"time"

	"github.com/tombee/lattice/internal/assets"
	"github.com/tombee/lattice/pkg/errors"
	"github.com/tombee/lattice/pkg/status"
)

// Meta identifies a dispatch.
type Meta struct {
	DispatchID       string
	RootDispatchID   string
	ParentDispatchID string
	Name             string
}

// NodeState is the per-node part of a record.
type NodeState struct {
	ID        string
	Name      string
	Executor  string
	Status    status.Status
	StartTime *time.Time
	EndTime   *time.Time
	Error     string
	Assets    map[string]assets.Asset
}

func (n NodeState) clone() NodeState {
	out := n
	out.Assets = make(map[string]assets.Asset, len(n.Assets))
	for k, v := range n.Assets {
		out.Assets[k] = v
	}
	return out
}

// Record is the result record of one dispatch.
type Record struct {
	mu        sync.Mutex
	meta      Meta
	status    status.Status
	startTime *time.Time
	endTime   *time.Time
	order     []string
	nodes     map[string]*NodeState
	assets    map[string]assets.Asset

	now func() time.Time
}

// New creates a record in NEW_OBJECT with the given nodes, in order.
func New(meta Meta, nodes []NodeState) *Record {
	if meta.RootDispatchID == "" {
		meta.RootDispatchID = meta.DispatchID
	}
	r := &Record{
		meta:   meta,
		status: status.NewObject,
		nodes:  make(map[string]*NodeState, len(nodes)),
		assets: make(map[string]assets.Asset),
		now:    time.Now,
	}
	for _, n := range nodes {
		n := n.clone()
		r.order = append(r.order, n.ID)
		r.nodes[n.ID] = &n
	}
	return r
}

// Restore rebuilds a record from persisted state without validating
// transitions.
func Restore(meta Meta, st status.Status, start, end *time.Time, nodes []NodeState, workflowAssets map[string]assets.Asset) *Record {
	r := New(meta, nodes)
	r.status = st
	r.startTime = start
	r.endTime = end
	for k, v := range workflowAssets {
		r.assets[k] = v
	}
	return r
}

// Meta returns the dispatch identity.
func (r *Record) Meta() Meta {
	return r.meta
}

// Status returns the workflow status.
func (r *Record) Status() status.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Times returns the workflow start and end times.
func (r *Record) Times() (start, end *time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startTime, r.endTime
}

// SetStatus moves the workflow to a new status. Setting the current
// status is a no-op.
func (r *Record) SetStatus(to status.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == to {
		return nil
	}
	if err := status.CheckWorkflow(r.status, to); err != nil {
		return fmt.Errorf("dispatch %s: %w", r.meta.DispatchID, err)
	}
	r.status = to
	now := r.now().UTC()
	if to == status.Starting && r.startTime == nil {
		r.startTime = &now
	}
	if to.IsTerminal() {
		r.endTime = &now
	}
	return nil
}

// NodeStatus returns a node's status. Unknown ids report NEW_OBJECT.
func (r *Record) NodeStatus(id string) status.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		return n.Status
	}
	return status.NewObject
}

// SetNodeStatus moves a node to a new status and returns the updated
// state. Start time is stamped on entering RUNNING, end time on entering a
// terminal state.
func (r *Record) SetNodeStatus(id string, to status.Status) (NodeState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return NodeState{}, &errors.NotFoundError{Resource: "node", ID: id}
	}
	if err := status.CheckNode(n.Status, to); err != nil {
		return n.clone(), fmt.Errorf("node %s: %w", id, err)
	}
	n.Status = to
	now := r.now().UTC()
	if to == status.Running {
		n.StartTime = &now
	}
	if to.IsTerminal() {
		if n.StartTime == nil {
			n.StartTime = &now
		}
		n.EndTime = &now
	}
	return n.clone(), nil
}

// SetNodeError records a node's error message.
func (r *Record) SetNodeError(id, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		n.Error = msg
	}
}

// SetNodeAsset links an asset to a node. A key may be set again only with
// the same content.
func (r *Record) SetNodeAsset(id, key string, a assets.Asset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return &errors.NotFoundError{Resource: "node", ID: id}
	}
	if n.Assets == nil {
		n.Assets = make(map[string]assets.Asset)
	}
	return link(n.Assets, key, a, fmt.Sprintf("node %s", id))
}

// SetAsset links a workflow-level asset.
func (r *Record) SetAsset(key string, a assets.Asset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return link(r.assets, key, a, "dispatch "+r.meta.DispatchID)
}

func link(m map[string]assets.Asset, key string, a assets.Asset, owner string) error {
	if prev, ok := m[key]; ok && !prev.SameContent(a) {
		return &errors.ValidationError{
			Field:   key,
			Message: fmt.Sprintf("%s already has a %s asset with digest %s", owner, key, prev.Digest),
		}
	}
	m[key] = a
	return nil
}

// NodeAsset returns the asset linked to a node under key.
func (r *Record) NodeAsset(id, key string) (assets.Asset, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return assets.Asset{}, false
	}
	a, ok := n.Assets[key]
	return a, ok
}

// Asset returns a workflow-level asset.
func (r *Record) Asset(key string) (assets.Asset, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assets[key]
	return a, ok
}

// Node returns a copy of a node's state.
func (r *Record) Node(id string) (NodeState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return NodeState{}, false
	}
	return n.clone(), true
}

// NodeIDs returns node ids in record order.
func (r *Record) NodeIDs() []string {
	return append([]string(nil), r.order...)
}

// Counts tallies nodes per status.
func (r *Record) Counts() map[status.Status]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[status.Status]int)
	for _, n := range r.nodes {
		out[n.Status]++
	}
	return out
}

// Aggregate derives the workflow outcome from node statuses once no node
// can make progress: FAILED if any node failed, else CANCELLED if any was
// cancelled, else COMPLETED.
func (r *Record) Aggregate() status.Status {
	counts := r.Counts()
	switch {
	case counts[status.Failed] > 0:
		return status.Failed
	case counts[status.Cancelled] > 0:
		return status.Cancelled
	default:
		return status.Completed
	}
}

// Snapshot renders the record as an output manifest. The result shares
// nothing with the record.
func (r *Record) Snapshot() *Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := &Manifest{
		Metadata: Metadata{
			DispatchID:       r.meta.DispatchID,
			RootDispatchID:   r.meta.RootDispatchID,
			ParentDispatchID: r.meta.ParentDispatchID,
			Name:             r.meta.Name,
			Status:           r.status,
			StartTime:        copyTime(r.startTime),
			EndTime:          copyTime(r.endTime),
		},
		Assets: make(map[string]AssetRef, len(r.assets)),
		Nodes:  make([]NodeEntry, 0, len(r.order)),
	}
	for k, a := range r.assets {
		m.Assets[k] = refOf(a)
	}
	for _, id := range r.order {
		n := r.nodes[id]
		e := NodeEntry{
			ID:        n.ID,
			Name:      n.Name,
			Executor:  n.Executor,
			Status:    n.Status,
			StartTime: copyTime(n.StartTime),
			EndTime:   copyTime(n.EndTime),
			Error:     n.Error,
			Assets:    make(map[string]AssetRef, len(n.Assets)),
		}
		for k, a := range n.Assets {
			e.Assets[k] = refOf(a)
		}
		m.Nodes = append(m.Nodes, e)
	}
	return m
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
