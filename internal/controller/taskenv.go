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
	"fmt"

	"github.com/tombee/lattice/internal/assets"
	"github.com/tombee/lattice/internal/assets/gcsstore"
	"github.com/tombee/lattice/internal/config"
	"github.com/tombee/lattice/internal/taskrun"
	"github.com/tombee/lattice/pkg/deps"
	"github.com/tombee/lattice/pkg/function"
	"github.com/tombee/lattice/pkg/httpclient"
)

// NewTaskEnv builds the environment task runners execute in: the
// built-in functions, host commands for dependencies and an asset
// transfer for file, http(s) and, when the gcs store is configured, gs
// URIs. agent names the user agent, e.g. "lattice-worker". The returned
// func releases the bucket client.
func NewTaskEnv(ctx context.Context, cfg *config.Config, agent, version string) (taskrun.Env, func() error, error) {
	httpCfg := httpclient.DefaultConfig()
	httpCfg.UserAgent = agent + "/" + versionOr(version)
	client, err := httpclient.New(httpCfg)
	if err != nil {
		return taskrun.Env{}, nil, fmt.Errorf("failed to create http client: %w", err)
	}

	transfer := &assets.Transfer{HTTP: client}
	closer := func() error { return nil }
	if cfg.Assets.Store == "gcs" {
		gcs, err := gcsstore.New(ctx, gcsstore.Config{
			Bucket:          cfg.Assets.GCS.Bucket,
			Prefix:          cfg.Assets.GCS.Prefix,
			CredentialsFile: cfg.Assets.GCS.CredentialsFile,
			Endpoint:        cfg.Assets.GCS.Endpoint,
			Algorithm:       cfg.Assets.DigestAlgorithm,
		})
		if err != nil {
			return taskrun.Env{}, nil, err
		}
		transfer.Buckets = gcs
		closer = gcs.Close
	}

	return taskrun.Env{
		Functions: function.NewRegistry(),
		Commands:  deps.ExecRunner{},
		Transfer:  transfer,
	}, closer, nil
}
