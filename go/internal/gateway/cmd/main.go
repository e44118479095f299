package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/stagesync/go/internal/config"
	"github.com/mcdev12/stagesync/go/internal/gateway"
	"github.com/mcdev12/stagesync/go/internal/logging"
)

func main() {
	configPath := flag.String("config", os.Getenv("STAGESYNC_CONFIG"), "path to the YAML config file")
	flag.Parse()

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}

	logFile, err := logging.Setup(cfg.Logging())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up logging")
	}
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := gateway.NewHub(cfg.Gateway(), nil)

	var bus *gateway.Bus
	if busCfg, ok := cfg.Bus(); ok {
		bus, err = gateway.NewBus(hub, busCfg)
		if err != nil {
			log.Error().Err(err).Str("url", busCfg.URL).Msg("NATS control bridge disabled")
		} else {
			hub.AddObserver(bus)
		}
	}

	var mirror *gateway.RedisMirror
	if mirrorCfg, ok := cfg.Mirror(); ok {
		mirror, err = gateway.NewRedisMirror(ctx, mirrorCfg)
		if err != nil {
			log.Error().Err(err).Str("addr", mirrorCfg.Addr).Msg("Redis state mirror disabled")
		} else {
			hub.AddObserver(mirror)
		}
	}

	log.Info().
		Str("addr", cfg.Server.Addr).
		Bool("nats", bus != nil).
		Bool("redis", mirror != nil).
		Bool("allow_overtime", cfg.Timer.AllowOvertime).
		Msg("starting stagesync gateway")

	go hub.Run(ctx)

	if bus != nil {
		go func() {
			if err := bus.Start(ctx); err != nil {
				log.Error().Err(err).Msg("NATS control bridge failed")
			}
		}()
	}
	if mirror != nil {
		go mirror.Run(ctx)
	}

	if *configPath != "" {
		go func() {
			err := config.Watch(ctx, *configPath, func(next *config.Config) {
				applyReload(ctx, hub, next)
			})
			if err != nil {
				log.Error().Err(err).Msg("config watcher stopped")
			}
		}()
	}

	server := setupServer(cfg, hub)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("received shutdown signal")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	select {
	case <-hub.Done():
	case <-shutdownCtx.Done():
		log.Warn().Msg("hub did not stop in time")
	}

	if bus != nil {
		if err := bus.Stop(); err != nil {
			log.Error().Err(err).Msg("NATS drain failed")
		}
	}
	if mirror != nil {
		if err := mirror.Close(); err != nil {
			log.Error().Err(err).Msg("Redis close failed")
		}
	}

	log.Info().Msg("stagesync gateway shutdown complete")
}

// applyReload pushes hot-reloadable settings into the running gateway.
// Listener, transport and sink settings need a restart.
func applyReload(ctx context.Context, hub *gateway.Hub, cfg *config.Config) {
	if level, err := logging.ParseLevel(cfg.Log.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if err := hub.ApplyRuntime(ctx, cfg.Runtime()); err != nil {
		log.Error().Err(err).Msg("failed to apply reloaded config")
	}
}
