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

package shared

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/tombee/lattice/internal/config"
	"github.com/tombee/lattice/internal/controller"
	internallog "github.com/tombee/lattice/internal/log"
)

// LoadEnv loads .env style files into the process environment without
// overriding variables that are already set. An explicit --env-file
// must exist; the default ./.env is optional.
func LoadEnv() error {
	if path := GetEnvFile(); path != "" {
		return godotenv.Load(path)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// LoadConfig reads the --config file, or the default config path when
// it exists, and applies the environment.
func LoadConfig() (*config.Config, error) {
	path := GetConfigPath()
	if path == "" {
		if p, err := config.ConfigPath(); err == nil {
			if _, statErr := os.Stat(p); statErr == nil {
				path = p
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, NewConfigError("invalid configuration", err)
	}
	if GetVerbose() && cfg.Log.Level == "info" {
		cfg.Log.Level = "debug"
	}
	if GetQuiet() {
		cfg.Log.Level = "error"
	}
	return cfg, nil
}

// NewLogger builds the process logger from cfg.
func NewLogger(cfg *config.Config) *slog.Logger {
	return internallog.New(cfg.LoggerConfig())
}

// NewController loads configuration and assembles a controller. With
// resume it also recovers dispatches left unfinished by an earlier
// process; commands that only inspect or flag persisted dispatches pass
// false. The caller must Shutdown it.
func NewController(ctx context.Context, resume bool) (*controller.Controller, *config.Config, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	v, _, _ := GetVersion()
	c, err := controller.New(ctx, cfg, controller.Options{Version: v, Logger: NewLogger(cfg)})
	if err != nil {
		return nil, nil, NewConfigError("failed to start dispatcher", err)
	}
	if resume {
		if err := c.Start(ctx); err != nil {
			_ = c.Shutdown(context.WithoutCancel(ctx))
			return nil, nil, err
		}
	}
	return c, cfg, nil
}
