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

// Package worker is the HTTP server that hosts jobs for the remote
// executor. Dispatchers upload task payloads to the worker's asset area,
// submit a job, poll it, and receive its artifacts exactly once.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"

	"github.com/tombee/lattice/internal/assets"
	"github.com/tombee/lattice/internal/controller/metrics"
	"github.com/tombee/lattice/internal/log"
	"github.com/tombee/lattice/internal/taskrun"
	"github.com/tombee/lattice/internal/tracing"
	"github.com/tombee/lattice/pkg/executor"
	"github.com/tombee/lattice/pkg/status"
)

// MaxWait caps the long-poll wait of GET /v1/jobs/{id}.
const MaxWait = 30 * time.Second

// Artifact names served under /v1/jobs/{id}/artifacts/.
const (
	ArtifactResult = "result"
	ArtifactStdout = "stdout"
	ArtifactStderr = "stderr"
)

// SubmitRequest is the body of POST /v1/jobs.
type SubmitRequest struct {
	Meta executor.TaskMetadata `json:"meta"`
	Refs executor.TaskRefs     `json:"refs"`
}

// SubmitResponse is returned by POST /v1/jobs.
type SubmitResponse struct {
	JobID string `json:"job_id"`
}

// JobStatus is returned by GET /v1/jobs/{id}.
type JobStatus struct {
	JobID  string        `json:"job_id"`
	Status status.Status `json:"status"`
}

// Config configures a worker.
type Config struct {
	// DataDir holds uploaded assets and job directories.
	DataDir string

	// PublicURL is the base URL dispatchers reach this worker at. If
	// empty it is derived from each request's Host header.
	PublicURL string

	// MaxConcurrent bounds concurrently running jobs. Default 4.
	MaxConcurrent int

	// Retention bounds how long finished jobs and uploads are kept.
	Retention Retention

	Auth   AuthConfig
	Env    taskrun.Env
	Logger *slog.Logger
}

type job struct {
	id     string
	meta   executor.TaskMetadata
	dir    string
	cancel context.CancelFunc
	done   chan struct{}

	// guarded by Server.mu
	status     status.Status
	cancelled  bool
	consumed   bool
	finishedAt time.Time
	receivedAt time.Time
}

// Server is a worker. It implements http.Handler.
type Server struct {
	cfg    Config
	logger *slog.Logger
	slots  *semaphore.Weighted
	mux    *http.ServeMux
	h      http.Handler

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*job
}

// New creates a worker serving from cfg.DataDir.
func New(cfg Config) (*Server, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("worker data dir is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Env.Transfer == nil {
		cfg.Env.Transfer = &assets.Transfer{}
	}
	for _, sub := range []string{"assets", "jobs"} {
		if err := os.MkdirAll(filepath.Join(cfg.DataDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating worker dir: %w", err)
		}
	}

	ctx, stop := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		logger:  log.WithComponent(cfg.Logger, "worker"),
		slots:   semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		mux:     http.NewServeMux(),
		baseCtx: ctx,
		stop:    stop,
		jobs:    make(map[string]*job),
	}

	auth := cfg.Auth
	s.mux.HandleFunc("PUT /v1/assets/{name}", requireScope(auth, ScopeAssets, s.handlePutAsset))
	s.mux.HandleFunc("GET /v1/assets/{name}", requireScope(auth, ScopeAssets, s.handleGetAsset))
	s.mux.HandleFunc("POST /v1/jobs", requireScope(auth, ScopeJobs, s.handleSubmit))
	s.mux.HandleFunc("GET /v1/jobs/{id}", requireScope(auth, ScopeJobs, s.handleStatus))
	s.mux.HandleFunc("POST /v1/jobs/{id}/receive", requireScope(auth, ScopeJobs, s.handleReceive))
	s.mux.HandleFunc("GET /v1/jobs/{id}/artifacts/{name}", requireScope(auth, ScopeAssets, s.handleArtifact))
	s.mux.HandleFunc("DELETE /v1/jobs/{id}", requireScope(auth, ScopeJobs, s.handleCancel))
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.h = tracing.HTTPMiddleware(log.HTTPMiddleware(s.logger)(s.mux))

	if interval := cfg.Retention.interval(); interval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.cleanupLoop(ctx, interval)
		}()
	}
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.h.ServeHTTP(w, r)
}

// Shutdown cancels running jobs and the cleanup loop, and waits for jobs
// to record a result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) assetPath(name string) (string, bool) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", false
	}
	return filepath.Join(s.cfg.DataDir, "assets", name), true
}

func (s *Server) handlePutAsset(w http.ResponseWriter, r *http.Request) {
	path, ok := s.assetPath(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid asset name")
		return
	}
	data, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := assets.WriteFileAtomic(path, data); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	path, ok := s.assetPath(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid asset name")
		return
	}
	serveFile(w, path)
}

// localize maps URIs that point at this worker's asset endpoint to the
// files behind them, so jobs do not download from their own server.
func (s *Server) localize(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return uri
	}
	name, ok := strings.CutPrefix(u.Path, "/v1/assets/")
	if !ok {
		return uri
	}
	if path, ok := s.assetPath(name); ok {
		if _, err := os.Stat(path); err == nil {
			return assets.FileURI(path)
		}
	}
	return uri
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid job request: "+err.Error())
		return
	}
	if req.Refs.Function == "" {
		writeError(w, http.StatusBadRequest, "refs.function is required")
		return
	}

	refs := req.Refs
	for _, p := range []*string{&refs.Function, &refs.Args, &refs.Kwargs, &refs.Deps, &refs.CallBefore, &refs.CallAfter} {
		if *p != "" {
			*p = s.localize(*p)
		}
	}

	id := uuid.NewString()
	dir := filepath.Join(s.cfg.DataDir, "jobs", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	j := &job{id: id, meta: req.Meta, dir: dir, cancel: cancel, done: make(chan struct{}), status: status.NewObject}
	s.mu.Lock()
	s.jobs[id] = j
	s.mu.Unlock()

	spec := executor.JobSpec{
		JobID:      id,
		Meta:       req.Meta,
		Refs:       refs,
		ResultPath: filepath.Join(dir, "result.json"),
		StdoutPath: filepath.Join(dir, "stdout.log"),
		StderrPath: filepath.Join(dir, "stderr.log"),
	}

	s.wg.Add(1)
	go s.run(ctx, j, spec)

	s.logger.Info("job accepted",
		slog.String(log.JobIDKey, id),
		slog.String(log.DispatchIDKey, req.Meta.DispatchID),
		slog.String(log.NodeIDKey, req.Meta.NodeID))
	writeJSON(w, http.StatusAccepted, SubmitResponse{JobID: id})
}

func (s *Server) run(ctx context.Context, j *job, spec executor.JobSpec) {
	defer s.wg.Done()
	defer close(j.done)
	defer j.cancel()

	final := status.Failed
	defer func() {
		s.mu.Lock()
		if j.cancelled {
			final = status.Cancelled
		}
		j.status = final
		j.finishedAt = time.Now()
		s.mu.Unlock()
		metrics.RecordWorkerJob(final.String())
	}()

	if err := s.slots.Acquire(ctx, 1); err != nil {
		_ = taskrun.WriteResult(spec.ResultPath, executor.Failed(err, "cancelled"))
		return
	}
	defer s.slots.Release(1)

	s.mu.Lock()
	j.status = status.Running
	s.mu.Unlock()

	if err := taskrun.RunSpec(ctx, spec, s.cfg.Env); err != nil {
		s.logger.Error("job failed to record result", slog.String(log.JobIDKey, j.id), slog.Any("error", err))
		_ = taskrun.WriteResult(spec.ResultPath, executor.Failed(err, "internal"))
		return
	}

	data, err := os.ReadFile(spec.ResultPath)
	if err != nil {
		return
	}
	if res, err := taskrun.ReadResult(data); err == nil {
		final = res.Status()
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*job, bool) {
	id := r.PathValue("id")
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "job not found: "+id)
	}
	return j, ok
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if raw := r.URL.Query().Get("wait"); raw != "" {
		wait, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid wait: "+err.Error())
			return
		}
		wait = min(wait, MaxWait)
		timer := time.NewTimer(wait)
		select {
		case <-j.done:
		case <-timer.C:
		case <-r.Context().Done():
		}
		timer.Stop()
	}

	s.mu.Lock()
	st := j.status
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, JobStatus{JobID: j.id, Status: st})
}

func (s *Server) baseURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return strings.TrimRight(s.cfg.PublicURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookup(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	st, consumed := j.status, j.consumed
	if st.IsTerminal() && !consumed {
		j.consumed = true
		j.receivedAt = time.Now()
	}
	s.mu.Unlock()

	switch {
	case consumed:
		writeError(w, http.StatusGone, "job "+j.id+" already received")
		return
	case !st.IsTerminal():
		writeError(w, http.StatusConflict, "job "+j.id+" is "+st.String())
		return
	}

	base := s.baseURL(r) + "/v1/jobs/" + j.id + "/artifacts/"
	writeJSON(w, http.StatusOK, executor.ReceiveResult{
		OutputURI: base + ArtifactResult,
		StdoutURI: base + ArtifactStdout,
		StderrURI: base + ArtifactStderr,
		Status:    st,
	})
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var file string
	switch r.PathValue("name") {
	case ArtifactResult:
		file = "result.json"
	case ArtifactStdout:
		file = "stdout.log"
	case ArtifactStderr:
		file = "stderr.log"
	default:
		writeError(w, http.StatusNotFound, "unknown artifact")
		return
	}
	serveFile(w, filepath.Join(j.dir, file))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	if !j.status.IsTerminal() {
		j.cancelled = true
	}
	s.mu.Unlock()
	j.cancel()

	s.logger.Info("job cancelled", slog.String(log.JobIDKey, j.id))
	w.WriteHeader(http.StatusNoContent)
}
