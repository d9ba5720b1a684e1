package sink

import (
	"context"
	"sort"
	"sync"

	"github.com/dokzlo13/meterd/internal/eventbus"
)

// Cache keeps the last published state of every entity.
type Cache struct {
	mu     sync.RWMutex
	states map[string]map[string]eventbus.State
}

// NewCache creates an empty state cache.
func NewCache() *Cache {
	return &Cache{states: make(map[string]map[string]eventbus.State)}
}

// Name implements Sink.
func (c *Cache) Name() string { return "cache" }

// Handle implements Sink. Out-of-order deliveries from the bus workers
// never overwrite a newer state.
func (c *Cache) Handle(event eventbus.Event) {
	st := event.State

	c.mu.Lock()
	defer c.mu.Unlock()

	entities, ok := c.states[st.DeviceID]
	if !ok {
		entities = make(map[string]eventbus.State)
		c.states[st.DeviceID] = entities
	}
	if prev, ok := entities[st.Entity]; ok && st.At.Before(prev.At) {
		return
	}
	entities[st.Entity] = st
}

// Get returns the last state of one entity.
func (c *Cache) Get(deviceID, entity string) (eventbus.State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.states[deviceID][entity]
	return st, ok
}

// Snapshot returns every cached state, ordered by device then entity.
func (c *Cache) Snapshot() []Payload {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Payload, 0)
	for _, entities := range c.states {
		for _, st := range entities {
			out = append(out, NewPayload(st))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Device != out[j].Device {
			return out[i].Device < out[j].Device
		}
		return out[i].Entity < out[j].Entity
	})
	return out
}

// Device returns the cached states of one device ordered by entity.
func (c *Cache) Device(deviceID string) ([]Payload, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entities, ok := c.states[deviceID]
	if !ok {
		return nil, false
	}
	out := make([]Payload, 0, len(entities))
	for _, st := range entities {
		out = append(out, NewPayload(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out, true
}

// Close implements Sink.
func (c *Cache) Close(ctx context.Context) error { return nil }
