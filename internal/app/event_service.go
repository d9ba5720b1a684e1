package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/meterd/internal/config"
	"github.com/dokzlo13/meterd/internal/eventbus"
	"github.com/dokzlo13/meterd/internal/sink"
)

// EventService owns the event bus and the sinks subscribed to it.
type EventService struct {
	Bus   *eventbus.Bus
	Cache *sink.Cache
	sinks []sink.Sink
}

// NewEventService creates the bus and connects every enabled sink.
func NewEventService(cfg *config.Config) (*EventService, error) {
	s := &EventService{
		Bus:   eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize()),
		Cache: sink.NewCache(),
	}
	s.sinks = append(s.sinks, s.Cache, sink.NewLog())

	if cfg.MQTT.Enabled {
		m, err := sink.ConnectMQTT(cfg.MQTT)
		if err != nil {
			s.Stop(context.Background())
			return nil, fmt.Errorf("mqtt sink: %w", err)
		}
		s.sinks = append(s.sinks, m)
	}

	if cfg.InfluxDB.Enabled {
		i, err := sink.ConnectInflux(cfg.InfluxDB)
		if err != nil {
			s.Stop(context.Background())
			return nil, fmt.Errorf("influxdb sink: %w", err)
		}
		s.sinks = append(s.sinks, i)
	}

	if cfg.Kafka.Enabled {
		s.sinks = append(s.sinks, sink.NewKafka(cfg.Kafka))
	}

	return s, nil
}

// Start subscribes every sink to entity state events.
func (s *EventService) Start(ctx context.Context) {
	for _, sk := range s.sinks {
		s.Bus.Subscribe(eventbus.EventTypeState, sk.Handle)
		log.Info().Str("sink", sk.Name()).Msg("Sink subscribed")
	}
}

// Stop drains the bus, then closes the sinks.
func (s *EventService) Stop(ctx context.Context) error {
	s.Bus.Close(ctx)
	return s.closeSinks(ctx)
}

func (s *EventService) closeSinks(ctx context.Context) error {
	var errs []error
	for _, sk := range s.sinks {
		if err := sk.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sk.Name(), err))
		}
	}
	return errors.Join(errs...)
}
