// Package device holds in-process references to physical devices and the
// directory that enumerates them at start-up.
package device

import (
	"sync"
	"time"
)

// Handle is an in-process reference to one physical device and the last
// snapshot it reported. The identity never changes after creation; the
// snapshot is replaced wholesale on each poll.
type Handle struct {
	id   string
	name string

	mu        sync.RWMutex
	snapshot  Snapshot
	updatedAt time.Time
}

// NewHandle creates a handle with an optional initial payload.
func NewHandle(id, name string, initial Snapshot) *Handle {
	if name == "" {
		name = id
	}
	return &Handle{
		id:       id,
		name:     name,
		snapshot: initial,
	}
}

// ID returns the stable hardware address of the device.
func (h *Handle) ID() string {
	return h.id
}

// Name returns the human-readable device name.
func (h *Handle) Name() string {
	return h.name
}

// Snapshot returns the most recent snapshot and when it was stored.
// The returned map must be treated as read-only.
func (h *Handle) Snapshot() (Snapshot, time.Time) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshot, h.updatedAt
}

// Replace swaps in a new snapshot.
func (h *Handle) Replace(s Snapshot, at time.Time) {
	h.mu.Lock()
	h.snapshot = s
	h.updatedAt = at
	h.mu.Unlock()
}
