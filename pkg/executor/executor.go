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

// Package executor defines the backend-agnostic protocol every execution
// backend implements.
//
// Backends implement one of two calling conventions:
//
//   - SyncExecutor.Run executes a task body to completion. Used where
//     submission latency is negligible (in-process).
//   - AsyncExecutor separates submission (Send), waiting (Poll) and result
//     retrieval (Receive). Task payloads are passed by location: the caller
//     uploads each payload to UploadLocation and hands the URIs to Send.
//
// Optional capabilities (Canceller, RequestAuthorizer, io.Closer) are
// discovered with type assertions:
//
//	if c, ok := exec.(executor.Canceller); ok {
//	    _ = c.Cancel(ctx, meta, handle)
//	}
package executor

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/tombee/lattice/pkg/function"
	"github.com/tombee/lattice/pkg/status"
)

// TaskMetadata identifies the task being executed.
type TaskMetadata struct {
	DispatchID string `json:"dispatch_id"`
	NodeID     string `json:"node_id"`
}

// TaskRefs locates a task's serialized payloads. Every field is a URI the
// backend can read.
type TaskRefs struct {
	Function   string `json:"function"`
	Args       string `json:"args"`
	Kwargs     string `json:"kwargs"`
	Deps       string `json:"deps,omitempty"`
	CallBefore string `json:"call_before,omitempty"`
	CallAfter  string `json:"call_after,omitempty"`
}

// JobHandle is an opaque, serializable token for one submitted job.
type JobHandle struct {
	Executor string            `json:"executor"`
	Address  string            `json:"address,omitempty"`
	JobID    string            `json:"job_id"`
	Data     map[string]string `json:"data,omitempty"`
}

// Marshal encodes h for persistence.
func (h JobHandle) Marshal() (string, error) {
	data, err := json.Marshal(h)
	return string(data), err
}

// ParseHandle decodes a persisted handle.
func ParseHandle(s string) (JobHandle, error) {
	var h JobHandle
	err := json.Unmarshal([]byte(s), &h)
	return h, err
}

// ReceiveResult locates a finished job's artifacts.
type ReceiveResult struct {
	OutputURI string        `json:"output_uri"`
	StdoutURI string        `json:"stdout_uri,omitempty"`
	StderrURI string        `json:"stderr_uri,omitempty"`
	Status    status.Status `json:"status"`
}

// Executor is the part every backend shares.
type Executor interface {
	// Name returns the registry key the executor was created under.
	Name() string
}

// SyncExecutor runs a task to completion in one call.
type SyncExecutor interface {
	Executor
	Run(ctx context.Context, fn function.Func, args []any, kwargs map[string]any, meta TaskMetadata) (any, error)
}

// AsyncExecutor runs tasks through the send/poll/receive job lifecycle.
type AsyncExecutor interface {
	Executor

	// Send submits the task and returns immediately. It is called at most
	// once per attempt.
	Send(ctx context.Context, refs TaskRefs, meta TaskMetadata) (JobHandle, error)

	// Poll blocks until the job is terminal or the executor's time limit
	// elapses, in which case it returns an ExecutorTimeoutError and the
	// job keeps running.
	Poll(ctx context.Context, meta TaskMetadata, h JobHandle) (status.Status, error)

	// Receive returns the job's artifact locations. A second call for the
	// same handle fails with HandleConsumedError.
	Receive(ctx context.Context, meta TaskMetadata, h JobHandle) (ReceiveResult, error)

	// UploadLocation is where the caller should put the asset named key so
	// the backend can read it. Pure function of its inputs.
	UploadLocation(meta TaskMetadata, key string) string
}

// Canceller is implemented by backends that can terminate a submitted job.
type Canceller interface {
	Cancel(ctx context.Context, meta TaskMetadata, h JobHandle) error
}

// RequestAuthorizer is implemented by backends whose upload locations and
// artifact URIs need authenticated HTTP access.
type RequestAuthorizer interface {
	Authorize(req *http.Request) error
}

// UploadName is the conventional file name for a task asset.
func UploadName(meta TaskMetadata, key string) string {
	return "asset_" + meta.DispatchID + "-" + meta.NodeID + "_" + key
}
