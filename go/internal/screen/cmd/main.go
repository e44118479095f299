package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/stagesync/go/internal/config"
	"github.com/mcdev12/stagesync/go/internal/logging"
	"github.com/mcdev12/stagesync/go/internal/screen"
)

func main() {
	configPath := flag.String("config", os.Getenv("STAGESYNC_CONFIG"), "path to the YAML config file")
	screenID := flag.String("screen", "", "screen id, overrides screen.screen_id")
	serverURL := flag.String("server", "", "gateway WebSocket URL, overrides screen.server_url")
	flag.Parse()

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

	linkCfg := cfg.ScreenLink()
	if *screenID != "" {
		linkCfg.ScreenID = *screenID
	}
	if *serverURL != "" {
		linkCfg.ServerURL = *serverURL
	}

	link, err := screen.NewLink(linkCfg, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create screen link")
	}

	link.OnConnectionChange(func(s screen.ConnState) {
		log.Info().Str("screen_id", linkCfg.ScreenID).Str("state", s.String()).Msg("gateway link state changed")
	})
	link.OnView(newRenderer(linkCfg.ScreenID).render)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("screen_id", linkCfg.ScreenID).
		Str("server", linkCfg.ServerURL).
		Msg("starting headless screen")

	if err := link.Run(ctx); err != nil {
		log.Error().Err(err).Msg("screen link stopped")
	}
	log.Info().Msg("headless screen shutdown complete")
}

// renderer logs the view only when what a viewer would see changes
type renderer struct {
	screenID string

	mu   sync.Mutex
	last string
}

func newRenderer(screenID string) *renderer {
	return &renderer{screenID: screenID}
}

func (r *renderer) render(v screen.View) {
	line := screen.FormatClock(v.Timer.CurrentTime)
	if v.HasMessage {
		line += " | " + v.Message
	}
	if len(v.VisibleElements) > 0 {
		line += " | [" + strings.Join(v.VisibleElements, ",") + "]"
	}
	r.mu.Lock()
	changed := line != r.last
	r.last = line
	r.mu.Unlock()
	if !changed {
		return
	}

	log.Info().
		Str("screen_id", r.screenID).
		Str("mode", string(v.Timer.Mode)).
		Bool("running", v.Timer.IsRunning).
		Str("label", v.Label).
		Msg(line)
}
