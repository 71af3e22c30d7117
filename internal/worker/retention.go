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

package worker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tombee/lattice/internal/log"
)

// Retention bounds how long a worker keeps job state. A zero duration
// keeps that kind of state until the worker exits.
type Retention struct {
	// Finished is how long a terminal job that was never received stays
	// pollable. Uploaded assets older than this are removed too.
	Finished time.Duration

	// Received is how long a received job keeps serving its artifacts.
	Received time.Duration
}

func (r Retention) interval() time.Duration {
	shortest := time.Duration(0)
	for _, d := range []time.Duration{r.Finished, r.Received} {
		if d > 0 && (shortest == 0 || d < shortest) {
			shortest = d
		}
	}
	if shortest == 0 {
		return 0
	}
	return min(shortest, time.Minute)
}

// Prune removes expired jobs, with their directories, and stale uploads.
// It returns the number of jobs removed.
func (s *Server) Prune(now time.Time) int {
	ret := s.cfg.Retention
	var expired []*job

	s.mu.Lock()
	for id, j := range s.jobs {
		if !j.status.IsTerminal() || j.finishedAt.IsZero() {
			continue
		}
		switch {
		case j.consumed && ret.Received > 0 && now.Sub(j.receivedAt) > ret.Received,
			!j.consumed && ret.Finished > 0 && now.Sub(j.finishedAt) > ret.Finished:
			delete(s.jobs, id)
			expired = append(expired, j)
		}
	}
	s.mu.Unlock()

	for _, j := range expired {
		if err := os.RemoveAll(j.dir); err != nil {
			s.logger.Warn("failed to remove job dir", slog.String(log.JobIDKey, j.id), log.Error(err))
		}
	}
	if ret.Finished > 0 {
		s.pruneAssets(now.Add(-ret.Finished))
	}
	return len(expired)
}

func (s *Server) pruneAssets(cutoff time.Time) {
	dir := filepath.Join(s.cfg.DataDir, "assets")
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.logger.Warn("failed to list uploads", log.Error(err))
		return
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.IsDir() || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove upload", slog.String("asset", e.Name()), log.Error(err))
		}
	}
}

func (s *Server) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.Prune(now); n > 0 {
				s.logger.Info("pruned finished jobs", slog.Int("pruned", n))
			}
		}
	}
}
