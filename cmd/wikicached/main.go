package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/halvorsen/wikicache"
	"github.com/halvorsen/wikicache/internal/config"
	"github.com/halvorsen/wikicache/internal/server"
)

// cacheAdapter lets *wikicache.Cache serve as a server.Cache: its Get
// returns *wikicache.Handle, which Go does not accept in place of a
// server.PageResult return without this wrapper.
type cacheAdapter struct{ *wikicache.Cache }

func (a cacheAdapter) Get(ctx context.Context, title string, followRedirect bool) server.PageResult {
	return a.Cache.Get(ctx, title, followRedirect)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	configPath := "config/config.yaml"
	if p := os.Getenv("WIKICACHE_CONFIG"); p != "" {
		configPath = p
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	cache, err := wikicache.New(wikicache.Config{
		URLBase:   cfg.URLBase,
		DBURL:     cfg.DBURL,
		ForceSync: cfg.ForceSync,
		Limit:     cfg.Limit,
		Verbose:   cfg.Verbose,
	})
	if err != nil {
		logger.Error("failed to start cache", "error", err)
		os.Exit(1)
	}
	defer cache.Close()

	handler := server.NewHandler(cacheAdapter{cache}, logger)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	wrapped := server.Chain(mux,
		server.RequestID,
		server.Logger(logger),
		server.Recovery(logger),
		server.CORS,
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           wrapped,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting wikicached", "port", cfg.Server.Port, "wiki", cfg.URLBase)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	logger.Info("server stopped")
}
