// Command shard runs a storage worker: it dials the hub, negotiates the
// session protocol, serves chunk ingest/retrieve requests against its local
// ChunkStore, and exposes the GET/PUT chunk HTTP surface directly.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/quantarax/shardhub/internal/config"
	"github.com/quantarax/shardhub/internal/httpapi"
	"github.com/quantarax/shardhub/internal/observability"
	"github.com/quantarax/shardhub/internal/pool"
	"github.com/quantarax/shardhub/internal/shardworker"
	"github.com/quantarax/shardhub/internal/store"
	"github.com/quantarax/shardhub/internal/wire"
)

// chunkPoolSize bounds the number of in-flight ingests this shard buffers
// concurrently; a conservative default since each buffer is wire.ChunkSize
// bytes.
const chunkPoolSize = 8

func main() {
	logger := observability.NewLogger("shardhub-shard", "1.0.0", os.Stdout)

	cfg, err := config.LoadShard()
	if err != nil {
		logger.Fatal(err, "failed to load configuration")
	}

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker("1.0.0")

	if shutdown, err := observability.InitTracing(context.Background(), "shardhub-shard"); err == nil {
		defer shutdown(context.Background())
	}

	st, err := store.Open(cfg.StoragePath)
	if err != nil {
		logger.Fatal(err, "failed to open chunk store")
	}
	defer st.Close()

	healthChecker.RegisterCheck("chunk_store", observability.ChunkStoreCheck(func(ctx context.Context) error {
		return st.Ping()
	}))

	chunkPool := pool.NewChunkPool(chunkPoolSize)
	bodyPool := pool.NewMessagePool(chunkPoolSize, wire.ChunkSize+1)

	worker := shardworker.New(cfg.ServerAddress, cfg.Agent, cfg.StorageChunks, cfg.QueueDepth, st, chunkPool, logger, metrics)

	httpSrv := httpapi.New(st, cfg.Agent, cfg.StorageChunks, bodyPool, logger, metrics)
	httpServer := &http.Server{Addr: cfg.HTTPAddress, Handler: httpSrv.Handler()}
	go func() {
		logger.Info("chunk HTTP listener bound on " + cfg.HTTPAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "chunk HTTP server error")
		}
	}()
	defer httpServer.Close()

	go startObservabilityServer(cfg.ObservAddress, metrics, healthChecker, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down gracefully...")
		cancel()
	}()

	// worker.Run dials with its own bounded retry (DialMaxAttempts,
	// DialRetryDelay). A failure here, short of cancellation, is an
	// unrecoverable start-up failure.
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error(err, "shard worker exited")
		os.Exit(1)
	}

	logger.Info("shard stopped")
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
