// Package main implements the relay entry point: it loads configuration,
// constructs the distribution engine, and serves the metrics, health, and
// websocket endpoints until a shutdown signal arrives.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PyRo1121/hetzner-sub000/config"
	"github.com/PyRo1121/hetzner-sub000/engine"
	"github.com/PyRo1121/hetzner-sub000/event"
	"github.com/PyRo1121/hetzner-sub000/gateway"
	"github.com/PyRo1121/hetzner-sub000/metric"
)

const appName = "relay"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("relay failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to JSON config file (defaults apply when omitted)")
	validate := flag.Bool("validate", false, "validate configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if *validate {
		fmt.Println("configuration is valid")
		return nil
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting relay",
		"primary", cfg.Transport.PrimaryURL,
		"secondary", cfg.Transport.SecondaryURL,
		"batch_size", cfg.Batch.Size)

	registry := metric.NewRegistry()

	eng := engine.New(cfg, logger, engine.WithMetricsRegistry(registry))
	ctx := context.Background()
	if err := eng.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}
	defer eng.Disconnect()

	var bridge *gateway.Bridge
	if cfg.HTTP.EnableWS {
		topics := make([]string, 0, len(event.Kinds()))
		for _, kind := range event.Kinds() {
			topics = append(topics, kind.String())
		}
		bridge = gateway.NewBridge(eng, topics, cfg.HTTP.WSQueueSize, logger)
		if err := bridge.RegisterMetrics(registry); err != nil {
			return fmt.Errorf("register gateway metrics: %w", err)
		}
		bridge.Start()
		defer bridge.Stop()
	}

	server := newHTTPServer(cfg, registry, eng, bridge)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http endpoint listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})).
		With("app", appName)
}

func newHTTPServer(cfg config.Config, registry *metric.Registry, eng *engine.Engine, bridge *gateway.Bridge) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry.PrometheusRegistry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		snapshot := eng.Metrics()
		w.Header().Set("Content-Type", "application/json")
		if err := eng.Ready(); err != nil {
			// Degraded, still serving cached data
			w.Header().Set("X-Relay-Status", err.Error())
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(snapshot)
	})
	if bridge != nil {
		mux.Handle("/ws", bridge)
	}

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
