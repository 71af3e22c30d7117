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

package executor

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tombee/lattice/pkg/errors"
)

// Config is an executor's free-form configuration, as found in config
// files and per-node executor_config.
type Config map[string]any

// String returns cfg[key] as a string, or def.
func (c Config) String(key, def string) string {
	if v, ok := c[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Strings returns cfg[key] as a string slice, or def.
func (c Config) Strings(key string, def []string) []string {
	switch v := c[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return def
}

// Int returns cfg[key] as an int, or def.
func (c Config) Int(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Float returns cfg[key] as a float64, or def.
func (c Config) Float(key string, def float64) float64 {
	switch v := c[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// Duration returns cfg[key] parsed as a duration ("30s") or seconds, or def.
func (c Config) Duration(key string, def time.Duration) time.Duration {
	switch v := c[key].(type) {
	case time.Duration:
		return v
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return def
}

// Merge returns a copy of c overlaid with other.
func (c Config) Merge(other Config) Config {
	out := make(Config, len(c)+len(other))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Factory constructs an executor from its configuration.
type Factory func(name string, cfg Config) (Executor, error)

// Registry maps executor keys to factories. Built-in backends are
// registered at startup; there is no runtime code loading.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	defaults  map[string]Config
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		defaults:  make(map[string]Config),
	}
}

// Register adds a factory under key.
func (r *Registry) Register(key string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[key]; exists {
		return &errors.ValidationError{Field: "executor", Message: fmt.Sprintf("executor %q already registered", key)}
	}
	r.factories[key] = f
	return nil
}

// Alias registers name as key with fixed default configuration, e.g. a
// "gpu-cluster" entry that is a remote executor with a given address.
func (r *Registry) Alias(name, key string, defaults Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.factories[key]
	if !ok {
		return &errors.NotFoundError{Resource: "executor", ID: key}
	}
	if _, exists := r.factories[name]; exists && name != key {
		return &errors.ValidationError{Field: "executor", Message: fmt.Sprintf("executor %q already registered", name)}
	}
	r.factories[name] = f
	r.defaults[name] = defaults
	return nil
}

// New constructs the executor registered under key. cfg is layered over
// the key's defaults.
func (r *Registry) New(key string, cfg Config) (Executor, error) {
	r.mu.RLock()
	f, ok := r.factories[key]
	defaults := r.defaults[key]
	r.mu.RUnlock()
	if !ok {
		return nil, &errors.NotFoundError{Resource: "executor", ID: key}
	}
	return f(key, defaults.Merge(cfg))
}

// Has reports whether key is registered.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[key]
	return ok
}

// Keys lists registered executors in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
