package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/meterd/internal/config"
	"github.com/dokzlo13/meterd/internal/sink"
)

// HealthService provides HTTP health check endpoints and the last published
// state of every entity.
type HealthService struct {
	cfg       *config.Config
	cache     *sink.Cache
	scheduler *SchedulerService
	server    *http.Server
	ready     atomic.Bool
}

// NewHealthService creates a new HealthService.
func NewHealthService(cfg *config.Config, cache *sink.Cache, scheduler *SchedulerService) *HealthService {
	return &HealthService{
		cfg:       cfg,
		cache:     cache,
		scheduler: scheduler,
	}
}

// Start begins the health check server if enabled. /ready answers 503
// until SetReady(true).
func (s *HealthService) Start(ctx context.Context) {
	if !s.cfg.Healthcheck.Enabled {
		return
	}

	go s.run(ctx)
}

// SetReady flips the /ready answer.
func (s *HealthService) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *HealthService) handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
	}).Methods(http.MethodGet)

	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "starting"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":        "ready",
			"active_timers": s.scheduler.Scheduler.ActiveTimers(),
		})
	}).Methods(http.MethodGet)

	r.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"entities": s.cache.Snapshot()})
	}).Methods(http.MethodGet)

	r.HandleFunc("/state/{device}", func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["device"]
		entities, ok := s.cache.Device(deviceID)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown device", "device": deviceID})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"device": deviceID, "entities": entities})
	}).Methods(http.MethodGet)

	return handlers.LoggingHandler(accessLog{}, r)
}

// accessLog routes combined access log lines to the debug logger.
type accessLog struct{}

func (accessLog) Write(p []byte) (int, error) {
	log.Debug().Str("request", strings.TrimSpace(string(p))).Msg("Health server request")
	return len(p), nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func (s *HealthService) run(ctx context.Context) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Healthcheck.Host, s.cfg.Healthcheck.Port)

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler(),
	}

	log.Info().Str("addr", addr).Msg("Starting health check server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Health check server shutdown error")
		}
	}()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Health check server error")
	}
}
