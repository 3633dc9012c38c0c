package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"argos/internal/bus"
	"argos/internal/camera"
	"argos/internal/config"
	"argos/internal/detector"
	"argos/internal/storage"
)

// restartExitCode tells the supervisor (systemd, container runtime) to start
// the process again with a fresh configuration.
const restartExitCode = 100

func main() {
	var (
		configPath = flag.String("config", "/etc/argos/argos.yaml", "Path to the configuration file")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		pretty     = flag.Bool("pretty", false, "Human-readable log output")
	)
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if *pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	os.Exit(run(*configPath))
}

func run(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error().Err(err).Str("path", configPath).Msg("configuration rejected")
		return 1
	}
	if len(cfg.Cameras) == 0 {
		log.Error().Msg("no cameras configured")
		return 1
	}

	var db *storage.Database
	if cfg.DatabasePath != "" {
		db, err = storage.Open(cfg.DatabasePath)
		if err != nil {
			log.Error().Err(err).Msg("cannot open recordings index")
			return 1
		}
		defer db.Close()
	}

	b := bus.New()
	registry := detector.NewRegistry()
	defer registry.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := range cfg.Cameras {
		cam := camera.New(&cfg.Cameras[i], cfg, db, registry, b)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := cam.Run(ctx); err != nil {
				log.Error().Err(err).Msg("camera stopped")
			}
		}()
	}
	log.Info().Int("cameras", len(cfg.Cameras)).Msg("argos started")

	// SIGINT and SIGTERM shut down cleanly; SIGHUP asks the supervisor for a
	// restart, which is how configuration reloads work.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	sig := <-signals
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	cancel()
	wg.Wait()
	b.Shutdown()

	if sig == syscall.SIGHUP {
		return restartExitCode
	}
	return 0
}
