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
	"sync"

	"github.com/tombee/lattice/pkg/errors"
)

// Pool holds one connection per backend address. Entries are created on
// first use and shared by later callers until Close.
type Pool[T any] struct {
	mu      sync.Mutex
	entries map[string]T
	dial    func(addr string) (T, error)
	release func(T) error
	closed  bool
}

// NewPool returns a pool that creates entries with dial and tears them
// down with release (which may be nil).
func NewPool[T any](dial func(addr string) (T, error), release func(T) error) *Pool[T] {
	return &Pool[T]{
		entries: make(map[string]T),
		dial:    dial,
		release: release,
	}
}

// Get returns the entry for addr, dialing it if needed.
func (p *Pool[T]) Get(addr string) (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var zero T
	if p.closed {
		return zero, fmt.Errorf("connection pool closed")
	}
	if c, ok := p.entries[addr]; ok {
		return c, nil
	}
	c, err := p.dial(addr)
	if err != nil {
		return zero, err
	}
	p.entries[addr] = c
	return c, nil
}

// Len returns the number of live entries.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close releases every entry. Later Gets fail.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for addr, c := range p.entries {
		if p.release != nil {
			if err := p.release(c); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			}
		}
		delete(p.entries, addr)
	}
	return errors.Join(errs...)
}
