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

// Package backend defines the persistence collaborator of the runner.
//
// # Interface Hierarchy
//
// Storage is split by record kind so components can depend on the
// smallest interface they need:
//
//   - DispatchStore: CreateDispatch, GetDispatch, UpdateDispatch, ListDispatches
//   - NodeStore: UpsertNode, ListNodes
//   - AssetLinkStore: AssociateAsset, ListAssetLinks
//   - JobStore: UpsertJob, GetJob, ListJobs
//
// The Backend interface composes all of these plus io.Closer.
//
// Asset links are write-once: associating a different digest with an
// existing (dispatch, node, key) fails with a ValidationError, while
// re-associating the same digest is a no-op.
package backend

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/tombee/lattice/internal/assets"
	"github.com/tombee/lattice/pkg/status"
)

// DispatchStore persists dispatch rows.
type DispatchStore interface {
	// CreateDispatch inserts a new dispatch. Duplicate ids fail.
	CreateDispatch(ctx context.Context, d *Dispatch) error

	// GetDispatch returns a dispatch or a NotFoundError.
	GetDispatch(ctx context.Context, id string) (*Dispatch, error)

	// UpdateDispatch replaces a dispatch row.
	UpdateDispatch(ctx context.Context, d *Dispatch) error

	// ListDispatches lists dispatches in creation order.
	ListDispatches(ctx context.Context, filter DispatchFilter) ([]*Dispatch, error)
}

// NodeStore persists per-node state.
type NodeStore interface {
	UpsertNode(ctx context.Context, n *Node) error
	ListNodes(ctx context.Context, dispatchID string) ([]*Node, error)
}

// AssetLinkStore persists asset associations.
type AssetLinkStore interface {
	AssociateAsset(ctx context.Context, link *AssetLink) error
	ListAssetLinks(ctx context.Context, dispatchID string) ([]*AssetLink, error)
}

// JobStore persists async job records so in-flight jobs survive a
// restart of the dispatcher.
type JobStore interface {
	UpsertJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, dispatchID, nodeID string) (*Job, error)
	ListJobs(ctx context.Context, dispatchID string) ([]*Job, error)
}

// Backend is the full persistence interface.
type Backend interface {
	DispatchStore
	NodeStore
	AssetLinkStore
	JobStore
	io.Closer
}

// Dispatch is one submitted workflow.
type Dispatch struct {
	ID           string        `json:"id"`
	RootID       string        `json:"root_id"`
	ParentID     string        `json:"parent_id,omitempty"`
	ParentNodeID string        `json:"parent_node_id,omitempty"`
	Name         string        `json:"name"`
	Status       status.Status `json:"status"`

	// Definition is the compiled workflow (graph, output, executors) as
	// produced by the runner. Opaque to backends.
	Definition json.RawMessage `json:"definition"`

	CancelRequested bool   `json:"cancel_requested"`
	Error           string `json:"error,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// DispatchFilter selects dispatches. Zero fields match everything.
type DispatchFilter struct {
	Statuses []status.Status
	RootID   string
	Limit    int
	Offset   int
}

// Matches reports whether d passes the status and root filters.
func (f DispatchFilter) Matches(d *Dispatch) bool {
	if f.RootID != "" && d.RootID != f.RootID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if d.Status == s {
			return true
		}
	}
	return false
}

// Node is the persisted state of one task.
type Node struct {
	DispatchID  string        `json:"dispatch_id"`
	NodeID      string        `json:"node_id"`
	Name        string        `json:"name"`
	Executor    string        `json:"executor"`
	Status      status.Status `json:"status"`
	Error       string        `json:"error,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// AssetLink associates an asset with a dispatch (NodeID empty) or a node.
type AssetLink struct {
	DispatchID string       `json:"dispatch_id"`
	NodeID     string       `json:"node_id,omitempty"`
	Key        string       `json:"key"`
	Asset      assets.Asset `json:"asset"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Job is an async executor job.
type Job struct {
	DispatchID string `json:"dispatch_id"`
	NodeID     string `json:"node_id"`

	// Handle is the marshaled executor.JobHandle.
	Handle string        `json:"handle"`
	Status status.Status `json:"status"`

	CancelRequested  bool `json:"cancel_requested"`
	CancelSuccessful bool `json:"cancel_successful"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
