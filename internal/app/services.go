package app

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/meterd/internal/config"
	"github.com/dokzlo13/meterd/internal/db"
	"github.com/dokzlo13/meterd/internal/device"
	"github.com/dokzlo13/meterd/internal/energy"
	"github.com/dokzlo13/meterd/internal/ledger"
	"github.com/dokzlo13/meterd/internal/poll"
	"github.com/dokzlo13/meterd/internal/state"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB     *db.DB
	Ledger *ledger.Ledger // nil when the ledger is disabled

	// State store (generic JSON store) and the energy view of it
	Store       *state.Store
	Checkpoints *state.Typed[energy.Checkpoint]

	// Device side
	Source    *poll.HTTPSource
	Directory device.Directory

	// High-level services
	Events    *EventService
	Lua       *LuaService
	Scheduler *SchedulerService
	Health    *HealthService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	// Initialize database
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	if cfg.Ledger.IsEnabled() {
		s.Ledger = ledger.New(database.DB)
	}

	s.Store = state.NewStore(database.DB)
	s.Checkpoints = state.NewTyped[energy.Checkpoint](s.Store, energy.CheckpointKind)

	s.Source = poll.NewHTTPSource(cfg.Poll.URL, cfg.Poll.Token, cfg.Poll.Timeout.Duration(), cfg.Poll.RateLimitRPS)
	s.Directory = device.NewStaticDirectory(cfg.Devices)

	// Sinks connect to their backends here so a bad broker address fails startup
	s.Events, err = NewEventService(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Lua, err = NewLuaService(cfg, database, s.Events.Bus)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Scheduler = NewSchedulerService(cfg, s.Source, s.Directory, s.Events.Bus, s.Ledger, s.Checkpoints, s.Lua)

	s.Health = NewHealthService(cfg, s.Events.Cache, s.Scheduler)

	return s, nil
}

// Start starts all services in the correct order.
func (s *Services) Start(ctx context.Context) error {
	// Sinks must be subscribed before the first tick publishes
	s.Events.Start(ctx)

	// Lua worker must run before script observers receive updates
	s.Lua.Start(ctx)

	if err := s.Scheduler.Start(ctx); err != nil {
		return err
	}

	s.Health.Start(ctx)
	s.Health.SetReady(true)
	return nil
}

// ClearCheckpoints removes all stored energy totals.
func (s *Services) ClearCheckpoints() error {
	return s.Checkpoints.Clear()
}

// Stop gracefully stops all services, upstream first: no more polls, then
// the script worker, then the bus drains into the sinks.
func (s *Services) Stop(ctx context.Context) error {
	if s.Health != nil {
		s.Health.SetReady(false)
	}

	var errs []error
	if s.Scheduler != nil {
		if err := s.Scheduler.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Lua != nil {
		s.Lua.Close()
	}
	if s.Events != nil {
		if err := s.Events.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Source != nil {
		s.Source.Close()
	}
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases resources after a failed initialization.
func (s *Services) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
	defer cancel()

	if s.Lua != nil {
		s.Lua.Close()
	}
	if s.Events != nil {
		if err := s.Events.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to stop event service")
		}
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
