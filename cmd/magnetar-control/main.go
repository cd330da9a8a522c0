// Command magnetar-control runs the fleet control plane: accepts deploy
// requests, schedules apps onto runtime nodes (auto-provisioning capacity
// via Civo when configured), and keeps the edge router's routing table in
// sync with the durable store.
//
// Startup sequence:
//  1. Load configuration (JSON file or defaults plus environment overrides).
//  2. Open the durable store, applying any pending migrations.
//  3. Construct the Civo provisioner and edge router (both optional; a
//     missing API key or admin URL simply disables that feature).
//  4. Serve HTTP until SIGINT/SIGTERM, then drain cleanly.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/magnetar/runtime/config"
	"github.com/magnetar/runtime/controlplane"
	"github.com/magnetar/runtime/controlplane/civo"
	"github.com/magnetar/runtime/controlplane/edgerouter"
	"github.com/magnetar/runtime/controlplane/store"
	"github.com/magnetar/runtime/logger"
)

func main() {
	configFile := flag.String("config", "", "Path to JSON config file (optional; uses defaults if omitted)")
	flag.Parse()

	log := logger.New(logger.LevelInfo)
	log.Info("magnetar-control starting up")

	cfg, err := config.LoadControlPlaneConfig(*configFile)
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		os.Exit(1)
	}
	log.Infof("listening on port %d, domain %s", cfg.Port, cfg.Domain)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Errorf("failed to open durable store at %q: %v", cfg.DBPath, err)
		os.Exit(1)
	}
	defer st.Close()
	log.Infof("durable store opened at %q", cfg.DBPath)

	civoClient := civo.New(nil, cfg.CivoAPIKey)
	if civoClient.IsConfigured() {
		log.Info("Civo auto-provisioning enabled")
	} else {
		log.Info("Civo API key not configured; auto-provisioning disabled, deploys fail closed with no node capacity")
	}

	var edge *edgerouter.Manager
	if cfg.CaddyAdminURL != "" {
		edge = edgerouter.New(nil, cfg.CaddyAdminURL, cfg.Domain, cfg.Port)
		log.Infof("edge router sync targeting %s", cfg.CaddyAdminURL)
	} else {
		log.Info("no Caddy admin URL configured; edge router sync disabled")
	}

	svc := controlplane.NewService(st, civoClient, edge, nil, cfg.Domain, cfg.ProvisionTimeout)
	srv := controlplane.NewServer(cfg, svc, st, log)

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
	log.Info("magnetar-control is serving traffic")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Println()
	log.Infof("received signal %s; shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Errorf("graceful shutdown failed: %v", err)
	}
	log.Info("magnetar-control shut down cleanly")
}
