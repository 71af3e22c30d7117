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

/*
Package controller assembles a dispatcher from configuration.

A Controller owns the runner and its collaborators: the persistence
backend (memory or sqlite), the asset store (file, badger or gcs), the
executor registry with configured aliases, and the tracing provider.

	cfg, _ := config.Load(path)
	c, err := controller.New(ctx, cfg, controller.Options{Version: version})
	if err != nil {
	    return err
	}
	defer c.Shutdown(context.Background())
	if err := c.Start(ctx); err != nil { // recovers unfinished dispatches
	    return err
	}
	id, err := c.Runner().Create(ctx, manifest)

Subpackages hold the runner, the persistence contract and its
implementations, and the prometheus metrics.
*/
package controller
