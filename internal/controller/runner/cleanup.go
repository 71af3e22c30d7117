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
	"context"
	"log/slog"
	"time"
)

// Prune drops dispatches that finished more than retention ago from
// memory. Pruned dispatches remain readable through the backend.
func (s *StateManager) Prune(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for id, d := range s.dispatches {
		d.mu.Lock()
		expired := d.finished && d.finishedAt.Before(cutoff)
		d.mu.Unlock()
		if expired {
			delete(s.dispatches, id)
			pruned++
		}
	}
	return pruned
}

// StartCleanupLoop prunes finished dispatches every interval until ctx
// is done.
func (s *StateManager) StartCleanupLoop(ctx context.Context, interval, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("cleanup loop stopped", slog.Any("reason", ctx.Err()))
			return
		case <-ticker.C:
			if n := s.Prune(retention); n > 0 {
				logger.Info("pruned finished dispatches", slog.Int("pruned", n), slog.Duration("retention", retention))
			}
		}
	}
}
