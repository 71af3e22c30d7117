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

// Package worker implements `lattice worker`, the HTTP task worker the
// remote executor submits jobs to.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/lattice/internal/commands/shared"
	"github.com/tombee/lattice/internal/config"
	"github.com/tombee/lattice/internal/controller"
	"github.com/tombee/lattice/internal/lifecycle"
	internallog "github.com/tombee/lattice/internal/log"
	"github.com/tombee/lattice/internal/worker"
)

// NewCommand creates the worker command
func NewCommand() *cobra.Command {
	var (
		listen, pidFile string
		allowRemote     bool
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run an HTTP task worker",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Worker serves the job API used by the remote executor: asset upload
and download, job submission, status, result receipt and cancellation.

Requests must carry an HS256 bearer token when worker.secret (or
LATTICE_WORKER_SECRET) is set. Without a secret the worker only listens
on loopback addresses unless --allow-remote is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Worker.Listen = listen
			}
			if allowRemote {
				cfg.Worker.AllowRemote = true
			}
			if err := cfg.Worker.CheckExposure(); err != nil {
				return shared.NewConfigError("refusing to start worker", err)
			}
			logger := shared.NewLogger(cfg)
			v, _, _ := shared.GetVersion()

			if pidFile != "" {
				pf, err := lifecycle.AcquirePIDFile(pidFile)
				if err != nil {
					return shared.NewConfigError("failed to write pid file", err)
				}
				defer func() {
					if err := pf.Release(); err != nil {
						logger.Warn("failed to remove pid file", internallog.Error(err))
					}
				}()
			}

			srv, closeEnv, err := NewServer(ctx, cfg, logger, v)
			if err != nil {
				return shared.NewConfigError("failed to start worker", err)
			}
			defer func() { _ = closeEnv() }()

			ln, err := net.Listen("tcp", cfg.Worker.Listen)
			if err != nil {
				return shared.NewConfigError("failed to listen", err)
			}
			return Serve(ctx, ln, srv, logger, cfg.Runner.ShutdownTimeout)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides worker.listen)")
	cmd.Flags().StringVar(&pidFile, "pid-file", "", "Write the process id to this file while serving")
	cmd.Flags().BoolVar(&allowRemote, "allow-remote", false, "Listen on a non-loopback address without worker.secret")

	return cmd
}

// NewServer builds a worker from configuration. The returned func
// releases the task environment.
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string) (*worker.Server, func() error, error) {
	env, closeEnv, err := controller.NewTaskEnv(ctx, cfg, "lattice-worker", version)
	if err != nil {
		return nil, nil, err
	}

	auth := worker.AuthConfig{
		Issuer:    cfg.Worker.Issuer,
		Audience:  cfg.Worker.Audience,
		ClockSkew: cfg.Worker.ClockSkew,
	}
	if cfg.Worker.Secret != "" {
		auth.Secret = []byte(cfg.Worker.Secret)
	}
	srv, err := worker.New(worker.Config{
		DataDir:       cfg.Worker.DataDir,
		PublicURL:     cfg.Worker.PublicURL,
		MaxConcurrent: cfg.Worker.MaxConcurrent,
		Retention: worker.Retention{
			Finished: cfg.Worker.JobRetention,
			Received: cfg.Worker.ReceivedRetention,
		},
		Auth:   auth,
		Env:    env,
		Logger: logger,
	})
	if err != nil {
		_ = closeEnv()
		return nil, nil, err
	}
	return srv, closeEnv, nil
}

// Serve serves srv on ln until ctx is done, then drains HTTP
// connections and running jobs within shutdownTimeout.
func Serve(ctx context.Context, ln net.Listener, srv *worker.Server, logger *slog.Logger, shutdownTimeout time.Duration) error {
	httpServer := &http.Server{
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("worker listening", slog.String("addr", ln.Addr().String()))
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("worker server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("worker shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("jobs still running at shutdown", internallog.Error(err))
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
