package energy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/meterd/internal/eventbus"
	"github.com/dokzlo13/meterd/internal/scheduler"
	"github.com/dokzlo13/meterd/internal/state"
)

// Entity names published by the meter.
const (
	EntityTotal = "energy_total"
	EntityDaily = "energy_daily"
)

// CheckpointKind is the state store kind under which meters persist.
const CheckpointKind = "energy"

const dateLayout = "2006-01-02"

// Checkpoint is the durable part of a meter, keyed by device id.
type Checkpoint struct {
	Total float64 `json:"total"`
	Daily float64 `json:"daily"`
	Date  string  `json:"date"` // Calendar date the daily total belongs to
}

// Meter is a scheduler observer that owns the reconstruction state for one
// device. It publishes the lifetime and daily totals after every fresh snapshot.
type Meter struct {
	deviceID    string
	loc         *time.Location
	publisher   eventbus.Publisher
	checkpoints *state.Typed[Checkpoint]

	mu    sync.Mutex
	state State
	daily float64
	date  string
	delta float64
}

// NewMeter creates a meter for deviceID and restores its totals from
// checkpoints when one exists. checkpoints may be nil.
func NewMeter(deviceID string, loc *time.Location, publisher eventbus.Publisher, checkpoints *state.Typed[Checkpoint]) (*Meter, error) {
	if loc == nil {
		loc = time.UTC
	}
	m := &Meter{
		deviceID:    deviceID,
		loc:         loc,
		publisher:   publisher,
		checkpoints: checkpoints,
		state:       NewState(0),
	}

	if checkpoints == nil {
		return m, nil
	}
	cp, found, err := checkpoints.Load(deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to restore energy checkpoint for %s: %w", deviceID, err)
	}
	if found {
		m.state = NewState(cp.Total)
		m.daily = cp.Daily
		m.date = cp.Date
		log.Info().
			Str("device", deviceID).
			Float64("total", cp.Total).
			Float64("daily", cp.Daily).
			Str("date", cp.Date).
			Msg("Restored energy totals")
	}
	return m, nil
}

// HandleUpdate implements scheduler.Observer.
func (m *Meter) HandleUpdate(ctx context.Context, u scheduler.Update) {
	if u.Stale {
		log.Debug().Str("device", m.deviceID).Uint64("tick", u.Seq).Msg("Skipping stale update")
		return
	}

	m.mu.Lock()
	next, added := Ingest(m.state, WindowFromSnapshot(u.Snapshot), u.At.UTC().Hour())
	m.state = next
	m.delta = added

	date := u.At.In(m.loc).Format(dateLayout)
	rolled := date != m.date
	if rolled {
		if m.date != "" {
			log.Info().Str("device", m.deviceID).Str("date", date).Float64("previous", m.daily).Msg("Resetting daily energy")
		}
		m.daily = 0
		m.date = date
	}
	m.daily += added

	cp := Checkpoint{Total: m.state.Total, Daily: m.daily, Date: m.date}
	m.mu.Unlock()

	log.Debug().
		Str("device", m.deviceID).
		Uint64("tick", u.Seq).
		Float64("added", added).
		Float64("total", cp.Total).
		Msg("Energy ingested")

	if m.checkpoints != nil && (added != 0 || rolled) {
		if err := m.checkpoints.Save(m.deviceID, cp); err != nil {
			log.Warn().Err(err).Str("device", m.deviceID).Msg("Failed to checkpoint energy totals")
		}
	}

	if m.publisher == nil {
		return
	}
	m.publisher.Publish(eventbus.Event{
		Type: eventbus.EventTypeState,
		State: eventbus.State{
			DeviceID:   m.deviceID,
			Entity:     EntityTotal,
			Value:      cp.Total,
			Available:  true,
			Attributes: map[string]any{"delta_added": added, "unit": "kWh"},
			At:         u.At,
		},
	})
	m.publisher.Publish(eventbus.Event{
		Type: eventbus.EventTypeState,
		State: eventbus.State{
			DeviceID:   m.deviceID,
			Entity:     EntityDaily,
			Value:      cp.Daily,
			Available:  true,
			Attributes: map[string]any{"date": cp.Date, "unit": "kWh"},
			At:         u.At,
		},
	})
}

// Totals returns the lifetime total, the daily total and the amount added on the last tick.
func (m *Meter) Totals() (total, daily, lastDelta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Total, m.daily, m.delta
}
