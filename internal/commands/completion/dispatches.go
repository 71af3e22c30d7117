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

package completion

import (
	"context"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/lattice/internal/controller"
	"github.com/tombee/lattice/internal/controller/backend"
)

const (
	dispatchCacheTTL = 2 * time.Second
	backendTimeout   = 500 * time.Millisecond
	maxDispatches    = 50
)

type dispatchCacheEntry struct {
	dispatches []*backend.Dispatch
	expiresAt  time.Time
}

var (
	dispatchCache   *dispatchCacheEntry
	dispatchCacheMu sync.RWMutex

	// listDispatches is replaced in tests.
	listDispatches = listFromBackend
)

// CompleteDispatchIDs completes dispatch ids from the configured
// backend, newest last, described as "name (STATUS)". Results are
// cached for two seconds.
func CompleteDispatchIDs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return completeDispatches(args, false)
}

// CompleteActiveDispatchIDs completes only dispatches that have not
// reached a terminal status, for cancel.
func CompleteActiveDispatchIDs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return completeDispatches(args, true)
}

// CompleteDispatchIDFlag completes a flag that takes a dispatch id,
// such as run --reuse.
func CompleteDispatchIDFlag(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return completeDispatches(nil, false)
}

func completeDispatches(args []string, activeOnly bool) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		rows, err := cachedDispatches()
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		out := make([]string, 0, len(rows))
		for _, d := range rows {
			if activeOnly && d.Status.IsTerminal() {
				continue
			}
			out = append(out, d.ID+"\t"+d.Name+" ("+d.Status.String()+")")
		}
		return out, cobra.ShellCompDirectiveNoFileComp
	})
}

func cachedDispatches() ([]*backend.Dispatch, error) {
	dispatchCacheMu.RLock()
	if dispatchCache != nil && time.Now().Before(dispatchCache.expiresAt) {
		cached := dispatchCache.dispatches
		dispatchCacheMu.RUnlock()
		return cached, nil
	}
	dispatchCacheMu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()
	rows, err := listDispatches(ctx)
	if err != nil {
		return nil, err
	}

	dispatchCacheMu.Lock()
	dispatchCache = &dispatchCacheEntry{dispatches: rows, expiresAt: time.Now().Add(dispatchCacheTTL)}
	dispatchCacheMu.Unlock()
	return rows, nil
}

func listFromBackend(ctx context.Context) ([]*backend.Dispatch, error) {
	cfg, err := LoadConfigForCompletion()
	if err != nil || cfg == nil {
		return nil, err
	}
	// A memory backend has nothing from earlier processes.
	if cfg.Backend.Type != "sqlite" {
		return nil, nil
	}
	be, err := controller.OpenBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}
	defer be.Close()

	all, err := be.ListDispatches(ctx, backend.DispatchFilter{})
	if err != nil {
		return nil, err
	}
	if len(all) > maxDispatches {
		all = all[len(all)-maxDispatches:]
	}
	return all, nil
}
