// Copyright 2025 The Uciforge Authors
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

// Package rctx implements the per-run event bus: a single producer (the
// step executor acting on behalf of a run) fanned out to N websocket
// subscribers, with buffered replay of everything sent before the first
// subscriber attaches.
package rctx

import (
	"sync"

	"github.com/google/uuid"
)

// subscriberBuffer is how many pending events a subscriber's channel can
// hold before it is considered a laggard and pruned.
const subscriberBuffer = 256

// maxBufferEntries caps the pre-subscriber buffer so a run that nobody
// watches cannot grow without bound.
const maxBufferEntries = 10000

// Context is the per-run pub/sub bus described in spec §4.1. The zero value
// is not usable; construct with New or NewBuffered.
type Context struct {
	ID string

	mu          sync.Mutex
	subscribers []chan Event
	buffer      []Event
	buffering   bool
}

// New creates a Context with a fresh random id and buffering disabled.
func New() *Context {
	return &Context{ID: uuid.NewString()}
}

// NewBuffered creates a Context with buffering enabled: events sent before
// any subscriber attaches accumulate and are replayed, in order, to the
// first subscriber only.
func NewBuffered() *Context {
	return &Context{ID: uuid.NewString(), buffering: true}
}

// Send serializes nothing itself (the caller passes a structured Event) but
// mirrors the original's "never blocks on a slow subscriber" contract:
// delivery is a non-blocking channel send, and any subscriber whose channel
// is full or closed is pruned. If no subscriber is attached and buffering
// is enabled, the event is appended to the replay buffer instead.
func (c *Context) Send(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.subscribers) == 0 {
		if c.buffering {
			if len(c.buffer) >= maxBufferEntries {
				c.buffer = c.buffer[1:]
			}
			c.buffer = append(c.buffer, event)
		}
		return
	}

	live := c.subscribers[:0]
	for _, ch := range c.subscribers {
		select {
		case ch <- event:
			live = append(live, ch)
		default:
			// Laggard or closed receiver: drop it rather than block the
			// producer's forward progress.
			close(ch)
		}
	}
	c.subscribers = live
}

// HasSubscribers reports whether any subscriber is currently attached.
func (c *Context) HasSubscribers() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers) > 0
}

// Heartbeat sends a keepalive frame so log-tailing loops can detect a
// disconnected client without waiting on a full event.
func (c *Context) Heartbeat() {
	c.Send(Event{Type: EventHeartbeat})
}

// AttachSubscriber registers a new receiver and returns it plus an
// unsubscribe function. If this attach takes the subscriber count from 0 to
// 1 and buffering is enabled, the entire pending buffer is drained into
// this subscriber before it returns — later subscribers never see it.
func (c *Context) AttachSubscriber() (<-chan Event, func()) {
	c.mu.Lock()
	// Room for the whole pending buffer on top of the usual live-event
	// headroom, so the replay below never runs out of space.
	ch := make(chan Event, subscriberBuffer+len(c.buffer))
	wasEmpty := len(c.subscribers) == 0
	c.subscribers = append(c.subscribers, ch)

	var buffered []Event
	if wasEmpty && c.buffering && len(c.buffer) > 0 {
		buffered = c.buffer
		c.buffer = nil
	}
	c.mu.Unlock()

	for _, event := range buffered {
		select {
		case ch <- event:
		default:
			// Subscriber's channel is already saturated with replay;
			// stop rather than block attach.
			goto done
		}
	}
done:

	unsubscribe := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, sub := range c.subscribers {
			if sub == ch {
				c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
				close(ch)
				return
			}
		}
	}

	return ch, unsubscribe
}
