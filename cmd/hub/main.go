// Command hub runs the coordinator: it accepts shard connections, drives
// each through the handshake and session protocol, and registers shards in
// the persistent catalog.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/quantarax/shardhub/internal/catalog"
	"github.com/quantarax/shardhub/internal/config"
	"github.com/quantarax/shardhub/internal/hubserver"
	"github.com/quantarax/shardhub/internal/observability"
)

func main() {
	logger := observability.NewLogger("shardhub-hub", "1.0.0", os.Stdout)

	cfg, err := config.LoadHub()
	if err != nil {
		logger.Fatal(err, "failed to load configuration")
	}

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker("1.0.0")

	if shutdown, err := observability.InitTracing(context.Background(), "shardhub-hub"); err == nil {
		defer shutdown(context.Background())
	}

	cat, err := catalog.Open(cfg.CatalogPath)
	if err != nil {
		logger.Fatal(err, "failed to open catalog")
	}
	defer cat.Close()

	healthChecker.RegisterCheck("catalog", observability.CatalogCheck(cat.Ping))
	healthChecker.RegisterCheck("shard_listener", observability.ListenerCheck(cfg.BindShard))

	srv, err := hubserver.New(cfg.BindShard, cat, logger, metrics, cfg.PingInterval, cfg.AcceptRate, cfg.AcceptBurst)
	if err != nil {
		logger.Fatal(err, "failed to start shard listener")
	}
	defer srv.Close()
	logger.Info("shard listener bound on " + cfg.BindShard)

	go startObservabilityServer(cfg.ObservAddress, metrics, healthChecker, logger)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()

	logger.Info("hub running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutting down gracefully...")
		cancel()
		<-runErr
	case err := <-runErr:
		if err != nil {
			logger.Error(err, "accept loop exited")
			os.Exit(1)
		}
	}

	logger.Info("hub stopped")
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())

	server := &http.Server{Addr: addr, Handler: mux}
	logger.Info("observability server listening on " + addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}
