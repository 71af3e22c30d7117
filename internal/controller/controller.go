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

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tombee/lattice/internal/assets"
	"github.com/tombee/lattice/internal/assets/badgerstore"
	"github.com/tombee/lattice/internal/assets/filestore"
	"github.com/tombee/lattice/internal/assets/gcsstore"
	"github.com/tombee/lattice/internal/config"
	"github.com/tombee/lattice/internal/controller/backend"
	"github.com/tombee/lattice/internal/controller/backend/memory"
	"github.com/tombee/lattice/internal/controller/backend/sqlite"
	"github.com/tombee/lattice/internal/controller/runner"
	internallog "github.com/tombee/lattice/internal/log"
	"github.com/tombee/lattice/internal/tracing"
	"github.com/tombee/lattice/pkg/deps"
	"github.com/tombee/lattice/pkg/executor"
	"github.com/tombee/lattice/pkg/executor/local"
	"github.com/tombee/lattice/pkg/executor/process"
	"github.com/tombee/lattice/pkg/executor/remote"
	"github.com/tombee/lattice/pkg/function"
	"github.com/tombee/lattice/pkg/httpclient"
)

// Options contains controller options set by the caller.
type Options struct {
	Version string
	Logger  *slog.Logger

	// Backend and Store replace the configured ones when set. The
	// controller does not close replacements.
	Backend backend.Backend
	Store   assets.Store
}

// Controller owns a runner and everything it needs: persistence, the
// asset store, executors and telemetry providers.
type Controller struct {
	cfg      *config.Config
	logger   *slog.Logger
	runner   *runner.Runner
	backend  backend.Backend
	store    assets.Store
	provider *tracing.Provider

	ownBackend bool
	ownStore   bool

	mu      sync.Mutex
	started bool
	closed  bool
}

// New builds a controller from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Controller, error) {
	logger := opts.Logger
	if logger == nil {
		logger = internallog.New(cfg.LoggerConfig())
	}
	logger = internallog.WithComponent(logger, "controller")

	c := &Controller{cfg: cfg, logger: logger, backend: opts.Backend, store: opts.Store}
	ok := false
	defer func() {
		if !ok {
			_ = c.closeResources(context.Background())
		}
	}()

	if c.backend == nil {
		be, err := OpenBackend(cfg.Backend)
		if err != nil {
			return nil, err
		}
		c.backend, c.ownBackend = be, true
	}

	var buckets assets.BucketClient
	if c.store == nil {
		store, err := OpenStore(ctx, cfg.Assets, logger)
		if err != nil {
			return nil, err
		}
		c.store, c.ownStore = store, true
	}
	if b, isBucket := c.store.(assets.BucketClient); isBucket {
		buckets = b
	}

	tracingCfg := cfg.Tracing
	if opts.Version != "" {
		tracingCfg.ServiceVersion = opts.Version
	}
	provider, err := tracing.NewProvider(ctx, tracingCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracing provider: %w", err)
	}
	c.provider = provider
	instruments, err := tracing.NewInstruments(provider.Meter("github.com/tombee/lattice/runner"))
	if err != nil {
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}

	execs, err := NewExecutorRegistry(cfg.Executors)
	if err != nil {
		return nil, err
	}

	httpCfg := httpclient.DefaultConfig()
	httpCfg.UserAgent = "lattice-dispatcher/" + versionOr(opts.Version)
	client, err := httpclient.New(httpCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create http client: %w", err)
	}

	policy, err := assets.ParseURIPolicy(cfg.Assets.URIPolicy)
	if err != nil {
		return nil, err
	}

	c.runner = runner.New(runner.Config{
		MaxParallel:     cfg.Runner.MaxParallel,
		PollRetries:     cfg.Runner.PollRetries,
		CancelOnTimeout: cfg.Runner.CancelOnTimeout,
		DefaultExecutor: cfg.Runner.DefaultExecutor,
		Retention:       cfg.Runner.Retention,
	}, c.backend, c.store,
		runner.WithLogger(logger),
		runner.WithTracer(provider.Tracer("github.com/tombee/lattice/runner")),
		runner.WithInstruments(instruments),
		runner.WithFunctions(function.NewRegistry()),
		runner.WithExecutors(execs),
		runner.WithTransfer(&assets.Transfer{HTTP: client, Buckets: buckets}),
		runner.WithURIFilter(assets.URIFilter{Policy: policy, BaseURL: cfg.Assets.BaseURL}),
		runner.WithCommandRunner(deps.ExecRunner{}),
	)

	ok = true
	return c, nil
}

func versionOr(v string) string {
	if v == "" {
		return "dev"
	}
	return v
}

// NewExecutorRegistry returns a registry with the built-in executors and
// one alias per configured named executor.
func NewExecutorRegistry(named map[string]config.ExecutorConfig) (*executor.Registry, error) {
	reg := executor.NewRegistry()
	for key, f := range map[string]executor.Factory{
		local.Key:   local.New,
		process.Key: process.New,
		remote.Key:  remote.New,
	} {
		if err := reg.Register(key, f); err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(named))
	for name := range named {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		e := named[name]
		if err := reg.Alias(name, e.Type, executor.Config(e.Config)); err != nil {
			return nil, fmt.Errorf("executors.%s: %w", name, err)
		}
	}
	return reg, nil
}

// OpenBackend opens the configured persistence backend.
func OpenBackend(cfg config.BackendConfig) (backend.Backend, error) {
	switch cfg.Type {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		be, err := sqlite.New(sqlite.Config{Path: cfg.Path, WAL: cfg.WAL})
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite backend: %w", err)
		}
		return be, nil
	default:
		return memory.New(), nil
	}
}

// OpenStore opens the configured asset store.
func OpenStore(ctx context.Context, cfg config.AssetsConfig, logger *slog.Logger) (assets.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Store {
	case "badger":
		return badgerstore.Open(badgerstore.Config{
			Path:       cfg.Dir,
			SyncWrites: cfg.SyncWrites,
			Algorithm:  cfg.DigestAlgorithm,
			Logger:     internallog.WithComponent(logger, "badger"),
		})
	case "gcs":
		return gcsstore.New(ctx, gcsstore.Config{
			Bucket:          cfg.GCS.Bucket,
			Prefix:          cfg.GCS.Prefix,
			CredentialsFile: cfg.GCS.CredentialsFile,
			Endpoint:        cfg.GCS.Endpoint,
			Algorithm:       cfg.DigestAlgorithm,
		})
	default:
		return filestore.New(cfg.Dir, cfg.DigestAlgorithm)
	}
}

// Runner returns the controller's runner.
func (c *Controller) Runner() *runner.Runner {
	return c.runner
}

// Start recovers dispatches left unfinished by a previous process.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("controller is shut down")
	}
	if c.started {
		return nil
	}
	c.started = true

	n, err := c.runner.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover dispatches: %w", err)
	}
	if n > 0 {
		c.logger.Info("recovered dispatches", slog.Int("count", n))
	}
	return nil
}

// Shutdown stops the runner, waiting up to the configured shutdown
// timeout, then flushes telemetry and closes the stores.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	c.logger.Info("graceful shutdown initiated",
		slog.Int("active_dispatches", c.runner.ActiveCount()))

	stopCtx, cancel := context.WithTimeout(ctx, c.cfg.Runner.ShutdownTimeout)
	defer cancel()
	var errs []error
	if err := c.runner.Stop(stopCtx); err != nil {
		c.logger.Warn("runner stop timeout", internallog.Error(err))
		errs = append(errs, err)
	} else {
		c.logger.Info("runner stopped cleanly")
	}

	if err := c.closeResources(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Controller) closeResources(ctx context.Context) error {
	var errs []error
	if c.provider != nil {
		if err := c.provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
	}
	if c.ownStore && c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("asset store close: %w", err))
		}
	}
	if c.ownBackend && c.backend != nil {
		if err := c.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("backend close: %w", err))
		}
	}
	return errors.Join(errs...)
}
