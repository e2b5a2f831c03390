package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/relayfeed/internal/config"
	"github.com/agentworkforce/relayfeed/internal/httpapi"
	"github.com/agentworkforce/relayfeed/internal/inbox"
	"github.com/agentworkforce/relayfeed/internal/logger"
	"github.com/agentworkforce/relayfeed/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("RELAYFEED_CONFIG"), "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log := logger.SetupDefault(os.Stdout, cfg.Server.LogLevel)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	server := httpapi.NewServer(inbox.NewStore(inbox.StoreOptions{}), buildServerConfig(cfg.Server, log, reg))

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("relayfeed listening", slog.String("addr", cfg.Server.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", slog.String("error", err.Error()))
		}
	}
}

func buildServerConfig(cfg config.ServerConfig, log *slog.Logger, reg *prometheus.Registry) httpapi.ServerConfig {
	return httpapi.ServerConfig{
		JWTSecret:          cfg.JWTSecret,
		InternalHMACSecret: cfg.InternalHMACSecret,
		RateLimit:          rate.Limit(cfg.RateLimit),
		RateBurst:          cfg.RateBurst,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		Logger:             log,
		Metrics:            metrics.NewServerCollector(reg),
		Registry:           reg,
	}
}
