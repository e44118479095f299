package main

import (
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/stagesync/go/internal/config"
	"github.com/mcdev12/stagesync/go/internal/gateway"
)

func setupServer(cfg *config.Config, hub *gateway.Hub) *http.Server {
	mux := http.NewServeMux()

	// Register control API and screen links
	gateway.NewControlHandler(hub).RegisterRoutes(mux)
	gateway.NewWebSocketHandler(hub, cfg.Connection()).RegisterRoutes(mux)

	setupHealthCheck(mux)

	origins := cfg.Server.AllowedOrigins
	if cfg.AllowsAnyOrigin() {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: origins,
		AllowedHeaders: []string{"*"},
	})

	// No WriteTimeout: screen links are long-lived
	return &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h2c.NewHandler(c.Handler(mux), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func setupHealthCheck(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}
