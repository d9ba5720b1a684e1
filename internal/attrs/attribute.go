// Package attrs publishes individual snapshot values, such as battery
// levels, and device reachability as entities.
package attrs

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/meterd/internal/eventbus"
	"github.com/dokzlo13/meterd/internal/scheduler"
)

// Attribute publishes one snapshot value as an entity. The entity stays
// unavailable until the key first shows up; afterwards it keeps the last
// value seen when a snapshot omits the key.
type Attribute struct {
	deviceID  string
	entity    string
	key       string
	publisher eventbus.Publisher

	mu    sync.Mutex
	seen  bool
	value any
}

// NewAttribute creates an observer publishing snapshot key (a dotted path)
// as entity.
func NewAttribute(deviceID, entity, key string, publisher eventbus.Publisher) *Attribute {
	if key == "" {
		key = entity
	}
	return &Attribute{
		deviceID:  deviceID,
		entity:    entity,
		key:       key,
		publisher: publisher,
	}
}

// HandleUpdate implements scheduler.Observer.
func (a *Attribute) HandleUpdate(ctx context.Context, u scheduler.Update) {
	if u.Stale {
		return
	}

	a.mu.Lock()
	v, ok := u.Snapshot.Lookup(a.key)
	if ok {
		if !a.seen {
			log.Debug().Str("device", a.deviceID).Str("entity", a.entity).Msg("Attribute became available")
		}
		a.seen = true
		a.value = v
	}
	st := eventbus.State{
		DeviceID:  a.deviceID,
		Entity:    a.entity,
		Value:     a.value,
		Available: a.seen,
		At:        u.At,
	}
	a.mu.Unlock()

	a.publisher.Publish(eventbus.Event{Type: eventbus.EventTypeState, State: st})
}

// Value returns the last value and whether the key has ever been seen.
func (a *Attribute) Value() (any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.value, a.seen
}
