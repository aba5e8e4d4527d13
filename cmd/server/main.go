package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/mesh/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/mesh/internal/adapter/driven/metrics/prometheus"
	handler "github.com/Wyydra/mesh/internal/adapter/driving/http"
	"github.com/Wyydra/mesh/internal/config"
	"github.com/Wyydra/mesh/internal/core/service"
	"github.com/Wyydra/mesh/internal/logging"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the config file (default: mesh.yaml in . or configs)")
	addr := pflag.String("addr", "", "listen address, overrides server.addr")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	l := logging.New(cfg.Log)

	hub := ws.NewHub(l)
	registry := service.NewRoomRegistry()
	metrics := prometheus.New()
	relay := service.NewSignalingRelay(registry, hub, metrics, l)
	h := handler.NewHandler(handler.Options{
		Config:         cfg.Server,
		Relay:          relay,
		Registry:       registry,
		Hub:            hub,
		Metrics:        metrics,
		MetricsHandler: metrics.Handler(),
		Log:            l,
	})

	go hub.Run()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		l.Info().Str("addr", cfg.Server.Addr).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	l.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		l.Error().Err(err).Msg("Server forced to shutdown")
	}

	hub.Stop()
	l.Info().Msg("Server exited")
}
