// Package state holds the terminal's observable sync status. The container
// is injected into whatever needs it; there is no package-level global.
package state

import (
	"sync"
	"time"
)

// Snapshot is what a status badge renders: how many sales still wait to
// sync, whether a push is in flight, and how many adjustments need review.
type Snapshot struct {
	PendingCount            int        `json:"pending_count"`
	IsSyncing               bool       `json:"is_syncing"`
	LastSyncTime            *time.Time `json:"last_sync_time,omitempty"`
	UnacknowledgedConflicts int        `json:"unacknowledged_conflicts"`
}

type Container struct {
	mu          sync.Mutex
	current     Snapshot
	subscribers map[int]chan Snapshot
	nextID      int
	closed      bool
}

func NewContainer() *Container {
	return &Container{subscribers: make(map[int]chan Snapshot)}
}

func (c *Container) Current() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Set replaces the snapshot and fans it out. Slow subscribers miss
// intermediate snapshots rather than blocking the publisher.
func (c *Container) Set(snapshot Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.current = snapshot
	for _, ch := range c.subscribers {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

// Update applies fn to the current snapshot under the lock.
func (c *Container) Update(fn func(*Snapshot)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	fn(&c.current)
	snapshot := c.current
	for _, ch := range c.subscribers {
		select {
		case ch <- snapshot:
		default:
		}
	}
	c.mu.Unlock()
}

// Subscribe returns a buffered channel of snapshots and a cancel func.
// The channel closes on cancel or container Close.
func (c *Container) Subscribe() (<-chan Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Snapshot, 8)
	if c.closed {
		close(ch)
		return ch, func() {}
	}

	id := c.nextID
	c.nextID++
	c.subscribers[id] = ch

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (c *Container) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.subscribers {
		delete(c.subscribers, id)
		close(ch)
	}
}
