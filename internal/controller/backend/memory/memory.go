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

// Package memory provides an in-memory backend implementation.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tombee/lattice/internal/controller/backend"
	"github.com/tombee/lattice/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ backend.DispatchStore  = (*Backend)(nil)
	_ backend.NodeStore      = (*Backend)(nil)
	_ backend.AssetLinkStore = (*Backend)(nil)
	_ backend.JobStore       = (*Backend)(nil)
	_ backend.Backend        = (*Backend)(nil)
)

// Backend is an in-memory storage backend. Records are copied on the way
// in and out so callers never share memory with the store.
type Backend struct {
	mu         sync.RWMutex
	order      []string
	dispatches map[string]*backend.Dispatch
	nodes      map[string]map[string]*backend.Node
	nodeOrder  map[string][]string
	links      map[string][]*backend.AssetLink
	jobs       map[string]map[string]*backend.Job
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		dispatches: make(map[string]*backend.Dispatch),
		nodes:      make(map[string]map[string]*backend.Node),
		nodeOrder:  make(map[string][]string),
		links:      make(map[string][]*backend.AssetLink),
		jobs:       make(map[string]map[string]*backend.Job),
	}
}

// CreateDispatch creates a new dispatch.
func (b *Backend) CreateDispatch(ctx context.Context, d *backend.Dispatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.dispatches[d.ID]; exists {
		return fmt.Errorf("dispatch already exists: %s", d.ID)
	}
	d.CreatedAt = time.Now().UTC()
	d.UpdatedAt = d.CreatedAt
	c := *d
	b.dispatches[d.ID] = &c
	b.order = append(b.order, d.ID)
	return nil
}

// GetDispatch retrieves a dispatch by ID.
func (b *Backend) GetDispatch(ctx context.Context, id string) (*backend.Dispatch, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	d, exists := b.dispatches[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "dispatch", ID: id}
	}
	c := *d
	return &c, nil
}

// UpdateDispatch updates an existing dispatch.
func (b *Backend) UpdateDispatch(ctx context.Context, d *backend.Dispatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, exists := b.dispatches[d.ID]
	if !exists {
		return &errors.NotFoundError{Resource: "dispatch", ID: d.ID}
	}
	d.CreatedAt = prev.CreatedAt
	d.UpdatedAt = time.Now().UTC()
	c := *d
	b.dispatches[d.ID] = &c
	return nil
}

// ListDispatches lists dispatches with optional filtering.
func (b *Backend) ListDispatches(ctx context.Context, filter backend.DispatchFilter) ([]*backend.Dispatch, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*backend.Dispatch
	skipped := 0
	for _, id := range b.order {
		d := b.dispatches[id]
		if !filter.Matches(d) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		c := *d
		result = append(result, &c)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

// UpsertNode inserts or replaces a node row.
func (b *Backend) UpsertNode(ctx context.Context, n *backend.Node) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, ok := b.nodes[n.DispatchID]
	if !ok {
		rows = make(map[string]*backend.Node)
		b.nodes[n.DispatchID] = rows
	}
	if _, exists := rows[n.NodeID]; !exists {
		b.nodeOrder[n.DispatchID] = append(b.nodeOrder[n.DispatchID], n.NodeID)
	}
	n.UpdatedAt = time.Now().UTC()
	c := *n
	rows[n.NodeID] = &c
	return nil
}

// ListNodes returns a dispatch's nodes in insertion order.
func (b *Backend) ListNodes(ctx context.Context, dispatchID string) ([]*backend.Node, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*backend.Node
	for _, id := range b.nodeOrder[dispatchID] {
		c := *b.nodes[dispatchID][id]
		result = append(result, &c)
	}
	return result, nil
}

// AssociateAsset records an asset link.
func (b *Backend) AssociateAsset(ctx context.Context, link *backend.AssetLink) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, l := range b.links[link.DispatchID] {
		if l.NodeID != link.NodeID || l.Key != link.Key {
			continue
		}
		if l.Asset.SameContent(link.Asset) {
			return nil
		}
		return &errors.ValidationError{
			Field:   link.Key,
			Message: fmt.Sprintf("asset link %s/%s/%s already points to %s", link.DispatchID, link.NodeID, link.Key, l.Asset.Digest),
		}
	}
	link.CreatedAt = time.Now().UTC()
	c := *link
	b.links[link.DispatchID] = append(b.links[link.DispatchID], &c)
	return nil
}

// ListAssetLinks returns every link of a dispatch.
func (b *Backend) ListAssetLinks(ctx context.Context, dispatchID string) ([]*backend.AssetLink, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*backend.AssetLink, 0, len(b.links[dispatchID]))
	for _, l := range b.links[dispatchID] {
		c := *l
		result = append(result, &c)
	}
	return result, nil
}

// UpsertJob inserts or replaces a job record.
func (b *Backend) UpsertJob(ctx context.Context, j *backend.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, ok := b.jobs[j.DispatchID]
	if !ok {
		rows = make(map[string]*backend.Job)
		b.jobs[j.DispatchID] = rows
	}
	now := time.Now().UTC()
	if prev, exists := rows[j.NodeID]; exists {
		j.CreatedAt = prev.CreatedAt
	} else {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	c := *j
	rows[j.NodeID] = &c
	return nil
}

// GetJob returns the job of a node.
func (b *Backend) GetJob(ctx context.Context, dispatchID, nodeID string) (*backend.Job, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	j, ok := b.jobs[dispatchID][nodeID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "job", ID: dispatchID + "/" + nodeID}
	}
	c := *j
	return &c, nil
}

// ListJobs returns every job of a dispatch.
func (b *Backend) ListJobs(ctx context.Context, dispatchID string) ([]*backend.Job, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*backend.Job
	for _, id := range b.nodeOrder[dispatchID] {
		if j, ok := b.jobs[dispatchID][id]; ok {
			c := *j
			result = append(result, &c)
		}
	}
	// Jobs for nodes that never had a node row.
	for id, j := range b.jobs[dispatchID] {
		if _, ok := b.nodes[dispatchID][id]; !ok {
			c := *j
			result = append(result, &c)
		}
	}
	return result, nil
}

// Close closes the backend.
func (b *Backend) Close() error {
	return nil
}
