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
	"sync"
	"time"

	"github.com/tombee/lattice/pkg/status"
)

// Event types.
const (
	EventDispatch = "dispatch"
	EventNode     = "node"
)

// Event is a status change of a dispatch or one of its nodes.
type Event struct {
	Timestamp  time.Time     `json:"timestamp"`
	Type       string        `json:"type"`
	DispatchID string        `json:"dispatch_id"`
	NodeID     string        `json:"node_id,omitempty"`
	Status     status.Status `json:"status"`
	Error      string        `json:"error,omitempty"`
}

// EventBus routes events to per-dispatch subscribers.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
}

// NewEventBus creates an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]chan Event),
	}
}

// Publish delivers e to every subscriber of its dispatch. Slow
// subscribers miss events rather than blocking the runner.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]chan Event, len(b.subscribers[e.DispatchID]))
	copy(subs, b.subscribers[e.DispatchID])
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of events for a dispatch and a function
// that removes the subscription. The channel is never closed.
func (b *EventBus) Subscribe(dispatchID string) (<-chan Event, func()) {
	ch := make(chan Event, 100)

	b.mu.Lock()
	b.subscribers[dispatchID] = append(b.subscribers[dispatchID], ch)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[dispatchID]
		for i, sub := range subs {
			if sub == ch {
				b.subscribers[dispatchID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subscribers[dispatchID]) == 0 {
			delete(b.subscribers, dispatchID)
		}
	}
	return ch, unsub
}

// SubscriberCount returns the number of subscribers for a dispatch.
func (b *EventBus) SubscriberCount(dispatchID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[dispatchID])
}
