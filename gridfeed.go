package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gridfeed/gridfeed/api"
	"github.com/gridfeed/gridfeed/bridge"
	"github.com/gridfeed/gridfeed/cfg"
	"github.com/gridfeed/gridfeed/common"
	"github.com/gridfeed/gridfeed/egress"
	_ "github.com/gridfeed/gridfeed/egress/sink"
	"github.com/gridfeed/gridfeed/hub"
	"github.com/gridfeed/gridfeed/store"
	"github.com/gridfeed/gridfeed/telemetry"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Gridfeed - Realtime Plant Readings Bridge")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx := context.Background()

	// Connect the store and install the readings schema + triggers
	log.Info().Msg("Connecting to Postgres")
	st, err := store.Open(ctx, cfg.Config.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
		return
	}
	defer st.Close()

	if err := store.EnsureSchema(ctx, st, cfg.Config.Postgres.Channel); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure readings schema")
		return
	}

	// Fan-out hub and websocket endpoint
	h := hub.NewHub()
	auth := hub.NewAuthenticator(cfg.Config.Auth.Secret, cfg.Config.Auth.Algorithms)
	realtime := hub.NewServer(h, auth, cfg.Config.Realtime)

	// Egress workers for configured sinks
	registry, err := egress.NewRegistry(cfg.Config.Sinks)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize egress registry")
		return
	}
	if err := registry.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start egress registry")
		return
	}
	defer registry.Stop()

	// Change-capture bridge: every record fans out to subscribers and
	// to the egress workers
	listener, err := bridge.NewListener(bridge.ListenerConfig{
		Factory: bridge.NewPgSource(cfg.Config.Postgres.DSN, cfg.Config.Postgres.Channel),
		Handler: func(rec *common.ChangeRecord) {
			h.Route(rec)
			registry.Dispatch(rec)
		},
		RetryInitial: time.Duration(cfg.Config.Bridge.RetryInitialMS) * time.Millisecond,
		RetryMax:     time.Duration(cfg.Config.Bridge.RetryMaxMS) * time.Millisecond,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create bridge listener")
		return
	}
	if err := listener.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start bridge listener")
		return
	}
	defer listener.Stop()

	// REST + websocket server
	handlers := api.NewHandlers(st, cfg.Config.Snapshot)
	router := api.NewRouter(handlers, realtime)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Config.HTTP.BindAddress, cfg.Config.HTTP.Port),
		Handler: router,
	}
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Metrics server
	if metricsHandler := telemetry.GetMetricsHandler(); metricsHandler != nil {
		metricsServer := &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Config.Prometheus.Address, cfg.Config.Prometheus.Port),
			Handler: metricsHandler,
		}
		go func() {
			log.Info().Str("addr", metricsServer.Addr).Msg("Metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn().Err(err).Msg("Metrics server failed")
			}
		}()
		defer metricsServer.Close()
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Int("http_port", cfg.Config.HTTP.Port).
		Str("channel", cfg.Config.Postgres.Channel).
		Int("sinks", len(cfg.Config.Sinks)).
		Msg("Gridfeed is operational")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown failed")
	}
}
