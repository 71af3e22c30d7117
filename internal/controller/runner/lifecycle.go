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

package runner

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tombee/lattice/pkg/executor"
)

// executorCache owns the executor instances used by dispatches. One
// instance exists per (key, config) pair so executors with connection
// pools share them across nodes.
type executorCache struct {
	registry *executor.Registry

	mu        sync.Mutex
	instances map[string]executor.Executor
}

func newExecutorCache(reg *executor.Registry) *executorCache {
	return &executorCache{
		registry:  reg,
		instances: make(map[string]executor.Executor),
	}
}

// Get returns the instance for key and cfg, creating it on first use.
func (c *executorCache) Get(key string, cfg map[string]any) (executor.Executor, error) {
	// encoding/json sorts map keys, so equal configs share an entry.
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("executor %s: config is not serializable: %w", key, err)
	}
	id := key + "\x00" + string(data)

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.instances[id]; ok {
		return e, nil
	}
	e, err := c.registry.New(key, executor.Config(cfg))
	if err != nil {
		return nil, err
	}
	c.instances[id] = e
	return e, nil
}

// Registry returns the underlying factory registry.
func (c *executorCache) Registry() *executor.Registry {
	return c.registry
}

// Close releases every instance that holds resources.
func (c *executorCache) Close(logger *slog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.instances {
		if closer, ok := e.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				logger.Warn("failed to close executor", slog.String("executor", e.Name()), slog.Any("error", err))
			}
		}
		delete(c.instances, id)
	}
}
