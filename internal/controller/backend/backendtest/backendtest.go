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

// Package backendtest holds the conformance suite every backend.Backend
// implementation runs from its own tests.
package backendtest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tombee/lattice/internal/assets"
	"github.com/tombee/lattice/internal/controller/backend"
	"github.com/tombee/lattice/pkg/errors"
	"github.com/tombee/lattice/pkg/status"
)

// Factory returns a fresh, empty backend.
type Factory func(t *testing.T) backend.Backend

// Run runs the conformance suite.
func Run(t *testing.T, newBackend Factory) {
	t.Run("Dispatches", func(t *testing.T) { testDispatches(t, newBackend(t)) })
	t.Run("ListFilter", func(t *testing.T) { testListFilter(t, newBackend(t)) })
	t.Run("Nodes", func(t *testing.T) { testNodes(t, newBackend(t)) })
	t.Run("AssetLinksWriteOnce", func(t *testing.T) { testAssetLinks(t, newBackend(t)) })
	t.Run("Jobs", func(t *testing.T) { testJobs(t, newBackend(t)) })
}

// Dispatch returns a minimal dispatch row.
func Dispatch(id string, st status.Status) *backend.Dispatch {
	return &backend.Dispatch{
		ID:         id,
		RootID:     id,
		Name:       "wf-" + id,
		Status:     st,
		Definition: json.RawMessage(`{"nodes":[]}`),
	}
}

func testDispatches(t *testing.T, be backend.Backend) {
	defer be.Close()
	ctx := context.Background()

	d := Dispatch("d1", status.NewObject)
	if err := be.CreateDispatch(ctx, d); err != nil {
		t.Fatalf("CreateDispatch: %v", err)
	}
	if d.CreatedAt.IsZero() {
		t.Errorf("expected CreatedAt to be set")
	}
	if err := be.CreateDispatch(ctx, Dispatch("d1", status.NewObject)); err == nil {
		t.Errorf("expected duplicate dispatch to fail")
	}

	got, err := be.GetDispatch(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDispatch: %v", err)
	}
	if got.Name != "wf-d1" || got.Status != status.NewObject {
		t.Errorf("unexpected dispatch %+v", got)
	}
	if string(got.Definition) != `{"nodes":[]}` {
		t.Errorf("definition = %s", got.Definition)
	}

	start := time.Now().UTC().Truncate(time.Millisecond)
	got.Status = status.Running
	got.StartedAt = &start
	got.CancelRequested = true
	got.Error = "boom"
	if err := be.UpdateDispatch(ctx, got); err != nil {
		t.Fatalf("UpdateDispatch: %v", err)
	}
	got, err = be.GetDispatch(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDispatch: %v", err)
	}
	if got.Status != status.Running || !got.CancelRequested || got.Error != "boom" {
		t.Errorf("update not persisted: %+v", got)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(start) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, start)
	}

	_, err = be.GetDispatch(ctx, "missing")
	var nf *errors.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
	if err := be.UpdateDispatch(ctx, Dispatch("missing", status.Running)); !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError on update, got %v", err)
	}
}

func testListFilter(t *testing.T, be backend.Backend) {
	defer be.Close()
	ctx := context.Background()

	for _, d := range []*backend.Dispatch{
		Dispatch("a", status.Running),
		Dispatch("b", status.Completed),
		Dispatch("c", status.Running),
	} {
		if err := be.CreateDispatch(ctx, d); err != nil {
			t.Fatalf("CreateDispatch: %v", err)
		}
	}
	child := Dispatch("a-child", status.Running)
	child.RootID, child.ParentID, child.ParentNodeID = "a", "a", "n1"
	if err := be.CreateDispatch(ctx, child); err != nil {
		t.Fatalf("CreateDispatch: %v", err)
	}

	all, err := be.ListDispatches(ctx, backend.DispatchFilter{})
	if err != nil {
		t.Fatalf("ListDispatches: %v", err)
	}
	if len(all) != 4 || all[0].ID != "a" || all[3].ID != "a-child" {
		t.Errorf("expected creation order, got %d rows", len(all))
	}

	running, _ := be.ListDispatches(ctx, backend.DispatchFilter{Statuses: []status.Status{status.Running}})
	if len(running) != 3 {
		t.Errorf("expected 3 running, got %d", len(running))
	}

	tree, _ := be.ListDispatches(ctx, backend.DispatchFilter{RootID: "a"})
	if len(tree) != 2 {
		t.Errorf("expected 2 dispatches under root a, got %d", len(tree))
	}
	for _, d := range tree {
		if d.ID == "a-child" && (d.ParentID != "a" || d.ParentNodeID != "n1") {
			t.Errorf("parent links lost: %+v", d)
		}
	}

	page, _ := be.ListDispatches(ctx, backend.DispatchFilter{Limit: 2, Offset: 1})
	if len(page) != 2 || page[0].ID != "b" {
		t.Errorf("unexpected page %v", page)
	}
}

func testNodes(t *testing.T, be backend.Backend) {
	defer be.Close()
	ctx := context.Background()
	if err := be.CreateDispatch(ctx, Dispatch("d1", status.Running)); err != nil {
		t.Fatalf("CreateDispatch: %v", err)
	}

	for _, id := range []string{"n2", "n0", "n1"} {
		if err := be.UpsertNode(ctx, &backend.Node{DispatchID: "d1", NodeID: id, Name: "task-" + id, Executor: "local", Status: status.NewObject}); err != nil {
			t.Fatalf("UpsertNode: %v", err)
		}
	}
	end := time.Now().UTC().Truncate(time.Millisecond)
	if err := be.UpsertNode(ctx, &backend.Node{DispatchID: "d1", NodeID: "n0", Name: "task-n0", Executor: "local", Status: status.Failed, Error: "bad", CompletedAt: &end}); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}

	nodes, err := be.ListNodes(ctx, "d1")
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(nodes))
	}
	if nodes[0].NodeID != "n2" || nodes[1].NodeID != "n0" || nodes[2].NodeID != "n1" {
		t.Errorf("expected insertion order, got %s %s %s", nodes[0].NodeID, nodes[1].NodeID, nodes[2].NodeID)
	}
	if nodes[1].Status != status.Failed || nodes[1].Error != "bad" || nodes[1].CompletedAt == nil {
		t.Errorf("upsert not applied: %+v", nodes[1])
	}
}

func testAssetLinks(t *testing.T, be backend.Backend) {
	defer be.Close()
	ctx := context.Background()
	if err := be.CreateDispatch(ctx, Dispatch("d1", status.Running)); err != nil {
		t.Fatalf("CreateDispatch: %v", err)
	}

	a := assets.Asset{DigestAlgorithm: assets.Blake3, Digest: "aaa", StorageType: "local", ObjectKey: "aaa", RemoteURI: "file:///tmp/aaa", Size: 3}
	b := assets.Asset{DigestAlgorithm: assets.Blake3, Digest: "bbb", StorageType: "local", ObjectKey: "bbb", RemoteURI: "file:///tmp/bbb", Size: 3}

	if err := be.AssociateAsset(ctx, &backend.AssetLink{DispatchID: "d1", NodeID: "n1", Key: "output", Asset: a}); err != nil {
		t.Fatalf("AssociateAsset: %v", err)
	}
	if err := be.AssociateAsset(ctx, &backend.AssetLink{DispatchID: "d1", NodeID: "n1", Key: "output", Asset: a}); err != nil {
		t.Errorf("re-associating the same digest should succeed: %v", err)
	}
	err := be.AssociateAsset(ctx, &backend.AssetLink{DispatchID: "d1", NodeID: "n1", Key: "output", Asset: b})
	var ve *errors.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("expected ValidationError for a different digest, got %v", err)
	}
	if err := be.AssociateAsset(ctx, &backend.AssetLink{DispatchID: "d1", Key: "result", Asset: b}); err != nil {
		t.Fatalf("AssociateAsset (workflow): %v", err)
	}

	links, err := be.ListAssetLinks(ctx, "d1")
	if err != nil {
		t.Fatalf("ListAssetLinks: %v", err)
	}
	if len(links) != 2 {
		t.Fatalf("expected 2 links, got %d", len(links))
	}
	if links[0].Asset.Digest != "aaa" || links[0].Asset.RemoteURI != "file:///tmp/aaa" {
		t.Errorf("unexpected first link %+v", links[0])
	}
	if links[1].NodeID != "" || links[1].Key != "result" {
		t.Errorf("unexpected workflow link %+v", links[1])
	}
}

func testJobs(t *testing.T, be backend.Backend) {
	defer be.Close()
	ctx := context.Background()
	if err := be.CreateDispatch(ctx, Dispatch("d1", status.Running)); err != nil {
		t.Fatalf("CreateDispatch: %v", err)
	}

	_, err := be.GetJob(ctx, "d1", "n1")
	var nf *errors.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError, got %v", err)
	}

	j := &backend.Job{DispatchID: "d1", NodeID: "n1", Handle: `{"job_id":"j1"}`, Status: status.Running}
	if err := be.UpsertJob(ctx, j); err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}
	j.CancelRequested = true
	j.Status = status.Cancelled
	j.CancelSuccessful = true
	if err := be.UpsertJob(ctx, j); err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}

	got, err := be.GetJob(ctx, "d1", "n1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Handle != `{"job_id":"j1"}` || got.Status != status.Cancelled || !got.CancelRequested || !got.CancelSuccessful {
		t.Errorf("unexpected job %+v", got)
	}

	if err := be.UpsertJob(ctx, &backend.Job{DispatchID: "d1", NodeID: "n2", Handle: "{}", Status: status.Running}); err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}
	jobs, err := be.ListJobs(ctx, "d1")
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("expected 2 jobs, got %d", len(jobs))
	}
}
