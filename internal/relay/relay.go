// Package relay fans session events out to any number of subscribers.
package relay

import (
	"sync"

	"github.com/voxlab/voxcoach/internal/protocol"
)

const defaultBuffer = 64

// Channel is a broadcast bus for session events. Publish never blocks; a
// subscriber that falls behind loses events rather than stalling the
// session.
type Channel struct {
	mu     sync.Mutex
	subs   map[int]chan protocol.Event
	next   int
	closed bool

	// Dropped counts events discarded because a subscriber buffer was
	// full. Optional observation hook.
	onDrop func()
}

func NewChannel() *Channel {
	return &Channel{subs: make(map[int]chan protocol.Event)}
}

// OnDrop sets a callback fired once per discarded event.
func (c *Channel) OnDrop(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDrop = fn
}

// Subscribe registers a new subscriber and returns its event channel plus
// an unsubscribe function. The channel is closed on unsubscribe or when
// the relay closes. Subscribing to a closed relay returns a closed channel.
func (c *Channel) Subscribe() (<-chan protocol.Event, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan protocol.Event, defaultBuffer)
	if c.closed {
		close(ch)
		return ch, func() {}
	}

	id := c.next
	c.next++
	c.subs[id] = ch

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

// Publish delivers ev to every live subscriber without blocking.
func (c *Channel) Publish(ev protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, sub := range c.subs {
		select {
		case sub <- ev:
		default:
			if c.onDrop != nil {
				c.onDrop()
			}
		}
	}
}

// Close terminates every subscriber channel. Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, sub := range c.subs {
		delete(c.subs, id)
		close(sub)
	}
}

// Subscribers reports the current subscriber count.
func (c *Channel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
