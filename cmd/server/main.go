// Command server runs the tactical awareness backend: the HTTP surface, the
// realtime gateway, the monitor supervisor, and the threat pipeline, all in
// one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tacmap/backend/internal/config"
	"github.com/tacmap/backend/internal/gateway"
	"github.com/tacmap/backend/internal/httpapi"
	"github.com/tacmap/backend/internal/monitor"
	"github.com/tacmap/backend/internal/settings"
	"github.com/tacmap/backend/internal/store"
	"github.com/tacmap/backend/internal/teamsync"
	"github.com/tacmap/backend/internal/threat"
	"github.com/tacmap/backend/internal/vault"
)

const (
	llmBaseURL     = "https://api.x.ai"
	statsInterval  = 30 * time.Second
	shutdownGrace  = 15 * time.Second
	startupTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(log)
	log.Info("starting backend", "version", httpapi.Version, "port", cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	st, err := store.Open(startCtx, cfg.DatabaseURL, cfg.DatabaseCACert, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	cache := settings.New(st, log)
	v := vault.New(cfg.JWTSecret, cfg.EncryptionKey, cache, log)

	sync := teamsync.New(st, log)
	gw := gateway.New(v, sync, log)
	sync.SetBroadcaster(gw)

	llm := threat.NewClient(llmBaseURL, func(ctx context.Context) (string, error) {
		sealed, err := cache.GetString(ctx, settings.KeyAIAPIKey)
		if err != nil || sealed == "" {
			return sealed, err
		}
		return v.OpenString(ctx, sealed)
	}, log)

	pricing := threat.DefaultPricing()
	if path := os.Getenv("PRICING_TABLE"); path != "" {
		pricing, err = threat.LoadPricing(path)
		if err != nil {
			return err
		}
	}

	pipeline := threat.New(st, cache, llm, gw, pricing, log)
	supervisor := monitor.New(st, cache, pipeline, log)
	if err := supervisor.Run(ctx); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}

	go gw.RunStatsLoop(ctx, statsInterval)

	api := httpapi.New(st, cache, v, sync, gw, supervisor, pipeline, cfg.CORSOrigin, log)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		supervisor.Shutdown()
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}
	supervisor.Shutdown()
	log.Info("bye")
	return nil
}
