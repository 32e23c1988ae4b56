// Package cmd wires the gateway's collaborators together and runs the
// service until a shutdown signal arrives.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/claude-code-gateway/gateway/internal/api"
	"github.com/claude-code-gateway/gateway/internal/auth"
	"github.com/claude-code-gateway/gateway/internal/claude"
	"github.com/claude-code-gateway/gateway/internal/config"
	"github.com/claude-code-gateway/gateway/internal/service"
	"github.com/claude-code-gateway/gateway/internal/session"
	"github.com/claude-code-gateway/gateway/internal/streaming"
	"github.com/claude-code-gateway/gateway/internal/watcher"
)

// shutdownGrace is how long in-flight requests and live streams get to
// finish after a shutdown signal.
const shutdownGrace = 30 * time.Second

// StartService builds every collaborator, starts the HTTP server, and
// blocks until SIGINT or SIGTERM.
func StartService(cfg *config.Config, configPath string) {
	store := session.NewStore(cfg.Session.TTL, cfg.Session.CleanupInterval)
	defer store.Close()

	cli := claude.NewClient(claude.Config{
		CLIPath: cfg.Claude.Path,
		CWD:     cfg.Claude.CWD,
	})
	provider := auth.NewEnvProvider()
	svc := service.New(service.ClientRunner{Client: cli}, store, provider, cfg.MaxTimeout)
	streams := streaming.NewManager(cfg.HeartbeatInterval)

	server := api.NewServer(cfg, api.Deps{
		Service:  svc,
		Store:    store,
		CLI:      cli,
		Provider: provider,
		Streams:  streams,
	})

	// Probe the CLI once at startup so a missing binary is visible in the
	// logs immediately rather than on the first request.
	probeCtx, probeCancel := context.WithTimeout(context.Background(), 15*time.Second)
	verify := cli.Verify(probeCtx)
	probeCancel()
	if verify.Available {
		log.Infof("claude CLI available: %s", verify.Version)
	} else {
		log.Warnf("claude CLI not available yet: %v", verify.Err)
	}

	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	if configPath != "" {
		w, err := watcher.NewWatcher(configPath, server.UpdateConfig)
		if err != nil {
			log.Warnf("config watcher unavailable: %v", err)
		} else if err = w.Start(watchCtx); err != nil {
			log.Warnf("config watcher failed to start: %v", err)
		} else {
			defer func() { _ = w.Stop() }()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()
	log.Infof("gateway listening on port %d", cfg.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("API server failed: %v", err)
		}
	case sig := <-sigChan:
		log.Infof("received %s, shutting down...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Stop(ctx); err != nil {
			log.Errorf("error stopping API server: %v", err)
		}
		log.Debug("cleanup completed, exiting")
	}
}
