package bridge

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/compiler-explorer/compile-bridge/core/dispatch"
	"github.com/compiler-explorer/compile-bridge/core/infra/bus"
	"github.com/compiler-explorer/compile-bridge/core/infra/config"
	"github.com/compiler-explorer/compile-bridge/core/infra/logging"
	"github.com/compiler-explorer/compile-bridge/core/infra/metrics"
	"github.com/compiler-explorer/compile-bridge/core/routing"
)

const defaultShutdownTimeout = 10 * time.Second

// Run starts the compile gateway: the HTTP edge that bridges blocking
// compile requests onto the queue and waits for results via the events
// gateway. Blocks until SIGINT/SIGTERM.
func Run(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Load()
	}

	table, err := routing.NewRedisTable(cfg.RedisURL, cfg.ActiveColorKey)
	if err != nil {
		return fmt.Errorf("connect redis routing table: %w", err)
	}
	defer table.Close()

	queues, err := config.LoadQueuesConfig(cfg.QueueConfigPath)
	if err != nil {
		return fmt.Errorf("load queue config: %w", err)
	}
	resolver := routing.NewResolver(table, cfg.EnvironmentName, queues)

	queue, err := bus.NewNatsQueue(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer queue.Close()

	m := metrics.NewBridgeProm("compile_bridge")
	dispatcher := dispatch.NewDispatcher(queue, m)
	handler := NewHandler(resolver, dispatcher, cfg, m)

	mux := http.NewServeMux()
	mux.Handle("/api/compiler/", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := startMetricsServer(cfg.MetricsAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logging.Info("compile-gateway", "http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	logging.Info("compile-gateway", "stopped")
	return nil
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("metrics", "listener failed", "addr", addr, "error", err)
		}
	}()
	return srv
}
