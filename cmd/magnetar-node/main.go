// Command magnetar-node runs one tenant runtime node: it serves deployed
// apps' render/event-stream/action/API traffic to browsers and exposes a
// small admin API the control plane uses to push new deploys and poll
// status.
//
// Startup sequence:
//  1. Load configuration (JSON file or defaults plus environment overrides).
//  2. Construct the app registry, metrics, and idle-park worker pool.
//  3. Start the idle reaper.
//  4. Serve HTTP until SIGINT/SIGTERM, then drain cleanly.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/magnetar/runtime/config"
	"github.com/magnetar/runtime/isolate"
	"github.com/magnetar/runtime/logger"
	"github.com/magnetar/runtime/metrics"
	"github.com/magnetar/runtime/node"
	"github.com/magnetar/runtime/worker"
)

func main() {
	configFile := flag.String("config", "", "Path to JSON config file (optional; uses defaults if omitted)")
	flag.Parse()

	log := logger.New(logger.LevelInfo)
	log.Info("magnetar-node starting up")

	isolate.InitEngine()

	cfg, err := config.LoadNodeConfig(*configFile)
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		os.Exit(1)
	}
	log.Infof("listening on port %d, domain %s", cfg.Port, cfg.Domain)

	m := metrics.NewMetrics()
	registry := node.NewRegistry()

	pool := worker.NewWorkerPool(runtime.GOMAXPROCS(0))
	pool.Start()
	log.Infof("idle-park worker pool started with %d workers", runtime.GOMAXPROCS(0))

	reaper := node.NewReaper(registry, pool, cfg.IdleParkThreshold, cfg.ReaperInterval, log)
	reaper.Start()
	log.Infof("idle reaper scanning every %s, parking after %s idle", cfg.ReaperInterval, cfg.IdleParkThreshold)

	srv := node.NewServer(cfg, registry, m, log)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Handler(),
	}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server error: %v", err)
			os.Exit(1)
		}
	}()
	log.Info("magnetar-node is serving traffic")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Println()
	log.Infof("received signal %s; shutting down", sig)

	reaper.Stop()
	pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Errorf("graceful shutdown failed: %v", err)
	}
	for _, h := range registry.All() {
		h.Isolate.Close()
		h.Data.Stop()
		if h.Auth != nil {
			h.Auth.StopPruner()
		}
	}
	log.Info("magnetar-node shut down cleanly")
}
