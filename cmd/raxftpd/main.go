// Command raxftpd runs the FTP server daemon: load configuration, wire
// logging and metrics, and serve control connections until interrupted.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/raxftp/server/internal/config"
	"github.com/raxftp/server/internal/metrics"
	"github.com/raxftp/server/server"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "path to a TOML configuration file")
		bindAddr   = pflag.String("bind-address", "", "override the configured bind address")
		port       = pflag.Uint16P("port", "p", 0, "override the configured control port")
		root       = pflag.String("root", "", "override the configured server root directory")
		debug      = pflag.Bool("debug", false, "enable debug-level logging")
	)
	pflag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	if *bindAddr != "" {
		cfg.BindAddress = *bindAddr
	}
	if *port != 0 {
		cfg.ControlPort = *port
	}
	if *root != "" {
		cfg.ServerRoot = *root
	}

	startup, runtime := cfg.Split()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	if startup.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler(registry))
			logger.Info("metrics_listening", "addr", startup.MetricsAddr)
			if err := http.ListenAndServe(startup.MetricsAddr, mux); err != nil {
				logger.Error("metrics_server_failed", "error", err)
			}
		}()
	}

	srv, err := server.NewServer(startup, runtime,
		server.WithLogger(logger),
		server.WithMetricsCollector(collector),
	)
	if err != nil {
		log.Fatalf("construct server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting", "bind_address", startup.BindAddress, "control_port", startup.ControlPort, "server_root", startup.ServerRoot)
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Fatalf("serve: %v", err)
	}
	logger.Info("shutdown_complete")
}
