package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/nexus-im/messenger/internal/auth"
	"github.com/nexus-im/messenger/internal/config"
	"github.com/nexus-im/messenger/internal/logging"
	"github.com/nexus-im/messenger/internal/metrics"
	"github.com/nexus-im/messenger/store/document"
	"github.com/nexus-im/messenger/store/document/natskv"
	"github.com/nexus-im/messenger/store/document/postgres"
)

var addr = flag.String("addr", "", "http service address (overrides MESSENGER_ADDR)")

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("close document store")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := newServer(serverConfig{
		store:      store,
		auth:       auth.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL),
		metrics:    metrics.New(reg),
		gatherer:   reg,
		log:        log,
		heartbeat:  cfg.PresenceHeartbeat,
		staleAfter: cfg.PresenceStaleAfter,
	})

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.routes(),
	}

	serveErr := make(chan error, 1)
	log.Info().Str("addr", cfg.Addr).Str("backend", cfg.Backend).Msg("server starting")
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown http server")
	}
	// Hijacked websocket connections are not covered by Shutdown.
	if err := srv.hub.shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("sessions did not close in time")
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (document.Store, error) {
	log = log.With().Str("component", "document").Logger()
	switch strings.ToLower(cfg.Backend) {
	case config.BackendPostgres:
		store, err := postgres.Open(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendNATS:
		store, err := natskv.Open(ctx, cfg.NATSURL, cfg.NATSBucket, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		log.Warn().Msg("using in-memory document store, data is lost on restart")
		return document.NewMemory(), nil
	}
}
