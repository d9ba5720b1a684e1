package app

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/meterd/internal/config"
	"github.com/dokzlo13/meterd/internal/db"
	"github.com/dokzlo13/meterd/internal/eventbus"
	"github.com/dokzlo13/meterd/internal/kv"
	"github.com/dokzlo13/meterd/internal/script"
)

// ScriptBucket is the kv bucket scripts read and write.
const ScriptBucket = "script"

const kvCleanupInterval = 10 * time.Minute

// LuaService wraps the optional observer script runtime.
type LuaService struct {
	cfg     *config.Config
	db      *db.DB
	Runtime *script.Runtime // nil when no script is configured
}

// NewLuaService creates the runtime and loads the configured script.
func NewLuaService(cfg *config.Config, database *db.DB, publisher eventbus.Publisher) (*LuaService, error) {
	s := &LuaService{cfg: cfg, db: database}
	if !cfg.Script.IsEnabled() {
		return s, nil
	}

	path := cfg.Script.Path
	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	s.Runtime = script.NewRuntime(publisher)
	s.Runtime.UseKV(kv.NewBucket(database.DB, ScriptBucket))
	if err := s.Runtime.LoadScript(path); err != nil {
		s.Runtime.Close()
		return nil, err
	}
	return s, nil
}

// IsEnabled returns whether a script is loaded.
func (s *LuaService) IsEnabled() bool {
	return s.Runtime != nil
}

// Observer returns a scheduler observer feeding one device into the script.
func (s *LuaService) Observer(deviceID, deviceName string) *script.Observer {
	return script.NewObserver(s.Runtime, deviceID, deviceName)
}

// Start begins the Lua worker goroutine.
func (s *LuaService) Start(ctx context.Context) {
	if s.Runtime == nil {
		return
	}
	s.Runtime.Start(ctx)
	go s.runKVCleanup(ctx)
}

// runKVCleanup drops expired script values.
func (s *LuaService) runKVCleanup(ctx context.Context) {
	ticker := time.NewTicker(kvCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			deleted, err := kv.CleanupExpired(s.db.DB, now)
			if err != nil {
				log.Error().Err(err).Msg("Failed to cleanup expired kv entries")
			} else if deleted > 0 {
				log.Debug().Int64("deleted", deleted).Msg("Cleaned up expired kv entries")
			}
		}
	}
}

// Close closes the Lua runtime.
func (s *LuaService) Close() {
	if s.Runtime != nil {
		s.Runtime.Close()
	}
}
