package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/meterd/internal/attrs"
	"github.com/dokzlo13/meterd/internal/config"
	"github.com/dokzlo13/meterd/internal/device"
	"github.com/dokzlo13/meterd/internal/energy"
	"github.com/dokzlo13/meterd/internal/eventbus"
	"github.com/dokzlo13/meterd/internal/ledger"
	"github.com/dokzlo13/meterd/internal/poll"
	"github.com/dokzlo13/meterd/internal/scheduler"
	"github.com/dokzlo13/meterd/internal/state"
)

// SchedulerService wraps the update scheduler, wires observers for every
// configured device and runs ledger retention.
type SchedulerService struct {
	cfg         *config.Config
	Scheduler   *scheduler.Scheduler
	directory   device.Directory
	publisher   eventbus.Publisher
	ledger      *ledger.Ledger
	checkpoints *state.Typed[energy.Checkpoint]
	lua         *LuaService
}

// NewSchedulerService creates a new SchedulerService.
func NewSchedulerService(
	cfg *config.Config,
	source poll.Source,
	directory device.Directory,
	publisher eventbus.Publisher,
	l *ledger.Ledger,
	checkpoints *state.Typed[energy.Checkpoint],
	lua *LuaService,
) *SchedulerService {
	sched := scheduler.New(source, scheduler.Options{
		DefaultInterval: cfg.Poll.DefaultInterval.Duration(),
		ObserverTimeout: cfg.Scheduler.ObserverTimeout.Duration(),
		StopIdleDevices: cfg.Scheduler.StopIdleDevices,
		Ledger:          l,
	})

	return &SchedulerService{
		cfg:         cfg,
		Scheduler:   sched,
		directory:   directory,
		publisher:   publisher,
		ledger:      l,
		checkpoints: checkpoints,
		lua:         lua,
	}
}

// Start registers observers for every device in the directory, which starts
// their poll loops, and launches ledger cleanup.
func (s *SchedulerService) Start(ctx context.Context) error {
	handles, err := s.directory.Devices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}

	byID := make(map[string]config.DeviceConfig, len(s.cfg.Devices))
	for _, dev := range s.cfg.Devices {
		byID[dev.ID] = dev
	}

	for _, h := range handles {
		if err := s.Scheduler.AddDevice(h); err != nil {
			return err
		}
		dev, ok := byID[h.ID()]
		if !ok {
			dev = config.DeviceConfig{ID: h.ID(), Name: h.Name(), Interval: s.cfg.Poll.DefaultInterval}
		}
		if err := s.registerDevice(dev); err != nil {
			return fmt.Errorf("device %s: %w", h.ID(), err)
		}
	}

	if s.ledger != nil {
		go s.runLedgerCleanup(ctx)
	}
	return nil
}

// registerDevice attaches the configured observers to one device. The first
// registration fixes the poll interval, so the energy meter goes first.
func (s *SchedulerService) registerDevice(dev config.DeviceConfig) error {
	if dev.Energy.Enabled {
		loc, err := time.LoadLocation(dev.Energy.Timezone)
		if err != nil {
			return fmt.Errorf("energy timezone: %w", err)
		}
		meter, err := energy.NewMeter(dev.ID, loc, s.publisher, s.checkpoints)
		if err != nil {
			return err
		}
		if _, err := s.Scheduler.Register(dev.ID, "energy", meter, dev.Energy.Interval.Duration()); err != nil {
			return err
		}
	}

	for _, a := range dev.Attributes {
		obs := attrs.NewAttribute(dev.ID, a.Name, a.Key, s.publisher)
		if _, err := s.Scheduler.Register(dev.ID, "attr:"+a.Name, obs, a.Interval.Duration()); err != nil {
			return err
		}
	}

	if _, err := s.Scheduler.Register(dev.ID, attrs.StatusEntity, attrs.NewStatus(dev.ID, s.publisher), dev.Interval.Duration()); err != nil {
		return err
	}

	if s.lua != nil && s.lua.IsEnabled() {
		if _, err := s.Scheduler.Register(dev.ID, "script", s.lua.Observer(dev.ID, dev.Name), s.cfg.Script.Interval.Duration()); err != nil {
			return err
		}
	}

	log.Debug().
		Str("device", dev.ID).
		Bool("energy", dev.Energy.Enabled).
		Int("attributes", len(dev.Attributes)).
		Msg("Device observers registered")
	return nil
}

// Stop cancels all poll loops and waits for observers to finish.
func (s *SchedulerService) Stop(ctx context.Context) error {
	return s.Scheduler.Close(ctx)
}

// runLedgerCleanup periodically cleans up old ledger entries.
func (s *SchedulerService) runLedgerCleanup(ctx context.Context) {
	retention := s.cfg.Ledger.RetentionPeriod.Duration()
	interval := s.cfg.Ledger.RetentionInterval.Duration()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.ledger.DeleteOlderThan(retention)
			if err != nil {
				log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
			} else if deleted > 0 {
				log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
			}
		}
	}
}
