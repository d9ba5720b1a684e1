package main

import (
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/meterd/internal/app"
	"github.com/dokzlo13/meterd/internal/config"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&configPath, "c", "config.yaml", "Path to configuration file (shorthand)")
	resetEnergy := flag.Bool("reset-energy", false, "Forget stored energy totals on startup")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", configPath).Msg("Failed to load configuration")
	}
	setupLogging(cfg.Log)

	log.Info().Str("config", configPath).Str("gateway", cfg.Poll.URL).Msg("Starting meterd")

	application, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create application")
	}

	if *resetEnergy {
		log.Info().Msg("Clearing stored energy totals (--reset-energy)")
		if err := application.ResetEnergy(); err != nil {
			log.Warn().Err(err).Msg("Failed to clear energy totals")
		}
	}

	if err := application.Run(app.SignalContext()); err != nil {
		log.Error().Err(err).Msg("meterd stopped with errors")
		os.Exit(1)
	}
}

func setupLogging(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.UseJSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05.000",
			NoColor:    !cfg.Colors,
		})
	}

	lvl, err := zerolog.ParseLevel(cfg.GetLevel())
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
