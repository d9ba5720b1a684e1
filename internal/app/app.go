// Package app wires the scheduler, observers and sinks into a runnable daemon.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/meterd/internal/config"
)

// App owns the services and their lifecycle.
type App struct {
	cfg      *config.Config
	services *Services
}

// New builds every service without starting any of them.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, services: services}, nil
}

// ResetEnergy forgets all stored energy totals so meters start from zero.
// Call it before Run.
func (a *App) ResetEnergy() error {
	return a.services.ClearCheckpoints()
}

// Run starts the services, blocks until ctx is done and then shuts down
// within the configured shutdown timeout.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.services.Start(runCtx); err != nil {
		cancel()
		a.shutdown()
		return fmt.Errorf("failed to start services: %w", err)
	}
	log.Info().
		Int("devices", len(a.cfg.Devices)).
		Bool("script", a.services.Lua.IsEnabled()).
		Msg("meterd started")

	<-runCtx.Done()
	log.Info().Msg("Shutting down...")
	cancel()
	return a.shutdown()
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.GetShutdownTimeout())
	defer cancel()
	return a.services.Stop(ctx)
}

// SignalContext returns a context cancelled by SIGINT or SIGTERM.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	return ctx
}
