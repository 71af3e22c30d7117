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

// Package remote runs tasks on lattice workers over HTTP.
//
// A task is pinned to one worker address, chosen deterministically from
// its dispatch and node ids, so UploadLocation and Send always agree.
// Each address gets one pooled connection: an HTTP client, a rate limiter
// pacing status polls and a cached bearer token.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/lattice/internal/tracing"
	"github.com/tombee/lattice/internal/worker"
	"github.com/tombee/lattice/pkg/errors"
	"github.com/tombee/lattice/pkg/executor"
	"github.com/tombee/lattice/pkg/httpclient"
	"github.com/tombee/lattice/pkg/status"
)

// Key is the registry key of the remote executor.
const Key = "remote"

// Defaults.
const (
	DefaultPollInterval = time.Second
	DefaultPollTimeout  = 10 * time.Minute
)

type conn struct {
	base    string
	client  *http.Client
	limiter *rate.Limiter

	mu      sync.Mutex
	token   string
	expires time.Time
}

// Executor is the remote worker backend.
type Executor struct {
	name         string
	addresses    []string
	pollInterval time.Duration
	pollTimeout  time.Duration
	auth         worker.AuthConfig
	logger       *slog.Logger

	pool *executor.Pool[*conn]
}

// New creates a remote executor. Recognized config:
//
//	address        worker base URL
//	addresses      several worker base URLs; tasks are spread over them
//	poll_interval  minimum spacing of status requests (default 1s)
//	poll_timeout   time limit of one Poll call (default 10m)
//	secret         HS256 secret shared with the workers
//	issuer         token issuer claim
//	audience       token audience claim, when workers require one
//	timeout        HTTP request timeout (default 30s)
func New(name string, cfg executor.Config) (executor.Executor, error) {
	addrs := cfg.Strings("addresses", nil)
	if a := cfg.String("address", ""); a != "" {
		addrs = append([]string{a}, addrs...)
	}
	if len(addrs) == 0 {
		return nil, &errors.ConfigError{Key: "executors." + name + ".address", Reason: "at least one worker address is required"}
	}
	for i, a := range addrs {
		u, err := url.Parse(a)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, &errors.ConfigError{Key: "executors." + name + ".address", Reason: fmt.Sprintf("invalid worker address %q", a)}
		}
		addrs[i] = strings.TrimRight(a, "/")
	}

	httpCfg := httpclient.DefaultConfig()
	httpCfg.UserAgent = "lattice-remote/1.0"
	httpCfg.Timeout = cfg.Duration("timeout", httpCfg.Timeout)
	pollInterval := cfg.Duration("poll_interval", DefaultPollInterval)
	// Long-poll requests must outlive the HTTP timeout.
	if httpCfg.Timeout < worker.MaxWait+10*time.Second {
		httpCfg.Timeout = worker.MaxWait + 10*time.Second
	}
	if err := httpCfg.Validate(); err != nil {
		return nil, &errors.ConfigError{Key: "executors." + name, Reason: err.Error(), Cause: err}
	}

	e := &Executor{
		name:         name,
		addresses:    addrs,
		pollInterval: pollInterval,
		pollTimeout:  cfg.Duration("poll_timeout", DefaultPollTimeout),
		auth: worker.AuthConfig{
			Secret:   []byte(cfg.String("secret", "")),
			Issuer:   cfg.String("issuer", "lattice"),
			Audience: cfg.String("audience", ""),
		},
		logger: slog.Default().With(slog.String("executor", name)),
	}
	e.pool = executor.NewPool(func(addr string) (*conn, error) {
		client, err := httpclient.New(httpCfg)
		if err != nil {
			return nil, err
		}
		return &conn{
			base:    addr,
			client:  client,
			limiter: rate.NewLimiter(rate.Every(pollInterval), 1),
		}, nil
	}, func(c *conn) error {
		c.client.CloseIdleConnections()
		return nil
	})
	return e, nil
}

// Name implements executor.Executor.
func (e *Executor) Name() string { return e.name }

// Close releases pooled connections.
func (e *Executor) Close() error { return e.pool.Close() }

func (e *Executor) addressFor(meta executor.TaskMetadata) string {
	if len(e.addresses) == 1 {
		return e.addresses[0]
	}
	h := fnv.New32a()
	_, _ = io.WriteString(h, meta.DispatchID+"/"+meta.NodeID)
	return e.addresses[int(h.Sum32()%uint32(len(e.addresses)))]
}

// UploadLocation implements executor.AsyncExecutor.
func (e *Executor) UploadLocation(meta executor.TaskMetadata, key string) string {
	return e.addressFor(meta) + "/v1/assets/" + url.PathEscape(executor.UploadName(meta, key))
}

// Authorize implements executor.RequestAuthorizer. Requests to hosts
// other than the configured workers are left untouched.
func (e *Executor) Authorize(req *http.Request) error {
	if !e.auth.Enabled() {
		return nil
	}
	for _, addr := range e.addresses {
		if strings.HasPrefix(req.URL.String(), addr+"/") {
			c, err := e.pool.Get(addr)
			if err != nil {
				return err
			}
			return e.setToken(c, req)
		}
	}
	return nil
}

func (e *Executor) setToken(c *conn, req *http.Request) error {
	if !e.auth.Enabled() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || time.Until(c.expires) < time.Minute {
		tok, exp, err := worker.GenerateToken(e.name, []string{worker.ScopeJobs, worker.ScopeAssets}, e.auth)
		if err != nil {
			return err
		}
		c.token, c.expires = tok, exp
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return nil
}

// do sends a request and decodes a JSON response into out. Non-2xx
// responses are returned as *statusError.
func (e *Executor) do(ctx context.Context, c *conn, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	tracing.InjectHTTPHeaders(ctx, req)
	if err := e.setToken(c, req); err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var er worker.ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&er)
		return &statusError{Code: resp.StatusCode, Message: er.Error}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

type statusError struct {
	Code    int
	Message string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("worker responded %d: %s", e.Code, e.Message)
}

func hasStatus(err error, code int) bool {
	var se *statusError
	return errors.As(err, &se) && se.Code == code
}

// permanent reports whether err is a client error that retrying cannot
// fix. 404 and 429 are handled by callers.
func permanent(err error) bool {
	var se *statusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code >= 400 && se.Code < 500 && se.Code != http.StatusNotFound && se.Code != http.StatusTooManyRequests
}

// Send implements executor.AsyncExecutor.
func (e *Executor) Send(ctx context.Context, refs executor.TaskRefs, meta executor.TaskMetadata) (executor.JobHandle, error) {
	addr := e.addressFor(meta)
	c, err := e.pool.Get(addr)
	if err != nil {
		return executor.JobHandle{}, &errors.ExecutorSubmissionError{Executor: e.name, Address: addr, Cause: err}
	}

	var resp worker.SubmitResponse
	if err := e.do(ctx, c, http.MethodPost, "/v1/jobs", worker.SubmitRequest{Meta: meta, Refs: refs}, &resp); err != nil {
		return executor.JobHandle{}, &errors.ExecutorSubmissionError{Executor: e.name, Address: addr, Cause: err}
	}

	e.logger.Debug("job submitted",
		slog.String("dispatch_id", meta.DispatchID),
		slog.String("node_id", meta.NodeID),
		slog.String("job_id", resp.JobID),
		slog.String("address", addr))
	return executor.JobHandle{Executor: e.name, Address: addr, JobID: resp.JobID}, nil
}

func (e *Executor) connFor(h executor.JobHandle) (*conn, error) {
	addr := h.Address
	if addr == "" {
		addr = e.addresses[0]
	}
	return e.pool.Get(addr)
}

// Poll implements executor.AsyncExecutor. It long-polls the worker,
// pacing requests with the connection's rate limiter.
func (e *Executor) Poll(ctx context.Context, meta executor.TaskMetadata, h executor.JobHandle) (status.Status, error) {
	c, err := e.connFor(h)
	if err != nil {
		return status.NewObject, err
	}
	deadline := time.Now().Add(e.pollTimeout)
	path := "/v1/jobs/" + url.PathEscape(h.JobID)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return status.Running, &errors.ExecutorTimeoutError{Executor: e.name, JobID: h.JobID, Limit: e.pollTimeout}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return status.NewObject, err
		}

		wait := min(remaining, worker.MaxWait)
		var js worker.JobStatus
		err := e.do(ctx, c, http.MethodGet, path+"?wait="+url.QueryEscape(wait.String()), nil, &js)
		if err != nil {
			if hasStatus(err, http.StatusNotFound) {
				return status.NewObject, &errors.NotFoundError{Resource: "job", ID: h.JobID}
			}
			if ctx.Err() != nil {
				return status.NewObject, ctx.Err()
			}
			if permanent(err) {
				return status.NewObject, fmt.Errorf("polling job %s: %w", h.JobID, err)
			}
			e.logger.Warn("poll failed", slog.String("job_id", h.JobID), slog.Any("error", err))
			continue
		}
		if js.Status.IsTerminal() {
			return js.Status, nil
		}
	}
}

// Receive implements executor.AsyncExecutor.
func (e *Executor) Receive(ctx context.Context, meta executor.TaskMetadata, h executor.JobHandle) (executor.ReceiveResult, error) {
	c, err := e.connFor(h)
	if err != nil {
		return executor.ReceiveResult{}, err
	}
	var rr executor.ReceiveResult
	err = e.do(ctx, c, http.MethodPost, "/v1/jobs/"+url.PathEscape(h.JobID)+"/receive", nil, &rr)
	if hasStatus(err, http.StatusGone) {
		return executor.ReceiveResult{}, &errors.HandleConsumedError{Executor: e.name, JobID: h.JobID}
	}
	if err != nil {
		return executor.ReceiveResult{}, fmt.Errorf("receiving job %s: %w", h.JobID, err)
	}
	return rr, nil
}

// Cancel implements executor.Canceller.
func (e *Executor) Cancel(ctx context.Context, meta executor.TaskMetadata, h executor.JobHandle) error {
	c, err := e.connFor(h)
	if err != nil {
		return err
	}
	return e.do(ctx, c, http.MethodDelete, "/v1/jobs/"+url.PathEscape(h.JobID), nil, nil)
}
