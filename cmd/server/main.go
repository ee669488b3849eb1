package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chadiek/carechat/internal/agent"
	"github.com/chadiek/carechat/internal/collector"
	"github.com/chadiek/carechat/internal/config"
	httpserver "github.com/chadiek/carechat/internal/httpserver"
	"github.com/chadiek/carechat/internal/infra/persistence"
	"github.com/chadiek/carechat/internal/infra/storage"
	"github.com/chadiek/carechat/internal/observability"
	"github.com/chadiek/carechat/internal/upstream"
)

func main() {
	cfg := config.Load()
	log := observability.Setup(os.Stdout, cfg.LogFormat, cfg.LogLevel)

	store, closeStore, err := openStore(cfg)
	if err != nil {
		log.Error("store unavailable", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	opts := agent.Options{
		Transport:  newTransport(cfg),
		Store:      store,
		Collector:  collector.New(cfg.Collector(), observability.WithFields("component", "collector")),
		Shards:     cfg.SessionShards,
		RetryDelay: 100 * time.Millisecond,
	}
	if cfg.AudioArchiveEnabled() {
		archive, err := storage.NewSupabase(cfg.SupabaseURL, cfg.SupabaseServiceRoleKey, cfg.SupabaseBucket)
		if err != nil {
			log.Error("audio archive unavailable", "error", err)
			os.Exit(1)
		}
		opts.Archive = archive
		log.Info("audio archive enabled", "bucket", cfg.SupabaseBucket)
	}
	manager := agent.NewManager(opts)
	srv := httpserver.New(manager)

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server listening", "address", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	case sig := <-sigChan:
		log.Info("shutdown signal received", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("graceful shutdown failed", "error", err)
		_ = server.Close()
	}
	if err := manager.Shutdown(ctx); err != nil {
		log.Warn("session shutdown incomplete", "error", err)
	}
}

func newTransport(cfg config.Config) upstream.Transport {
	switch cfg.UpstreamProvider {
	case "openai":
		endpoint := cfg.UpstreamEndpoint
		if endpoint == config.DefaultUpstreamEndpoint {
			endpoint = ""
		}
		tr := upstream.NewOpenAI(cfg.OpenAIKey, endpoint, cfg.OpenAIModel)
		tr.RequestTimeout = cfg.ResponseTimeout
		return tr
	default:
		return upstream.NewElevenLabs(cfg.UpstreamEndpoint, cfg.UpstreamAPIKey, cfg.HandshakeTimeout)
	}
}

func openStore(cfg config.Config) (persistence.Gateway, func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	switch cfg.StoreBackend {
	case "postgres":
		pg, err := persistence.OpenPostgres(ctx, cfg.DatabaseURL, cfg.NotifyChannel, observability.WithFields("component", "postgres"))
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { _ = pg.Close() }, nil
	case "redis":
		rd, err := persistence.OpenRedis(ctx, cfg.RedisURL, cfg.RedisTTL)
		if err != nil {
			return nil, nil, err
		}
		return rd, func() { _ = rd.Close() }, nil
	default:
		observability.Logger().Warn("using in-memory store; conversation logs are lost on restart")
		return persistence.NewMemory(), func() {}, nil
	}
}
