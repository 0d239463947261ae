// Package controller implements the lablink controller CLI entry point.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	listener "lablink/internal/controller"
	"lablink/internal/ctlrpc"
	"lablink/internal/discovery"
	"lablink/internal/inventory"
	"lablink/internal/registry"
	"lablink/pkg/config"
	"lablink/pkg/logger"
)

// expiryCheckInterval is how often stale inventory records are swept.
const expiryCheckInterval = 15 * time.Second

// activityBacklog is how many fleet notices the control socket retains.
const activityBacklog = 256

// Run starts the controller daemon: the agent listener, the discovery
// responder, the control socket, and the inventory expiry sweep.
func Run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.Init(cfg.Controller.LogLevel)

	if err := cfg.ValidateSecret(); err != nil {
		return err
	}

	pingInterval, err := cfg.Controller.ParsePingInterval()
	if err != nil {
		return fmt.Errorf("parsing ping interval: %w", err)
	}
	staleThreshold, err := cfg.Controller.ParseStaleThreshold()
	if err != nil {
		return fmt.Errorf("parsing stale threshold: %w", err)
	}

	for _, dir := range []string{filepath.Dir(cfg.Controller.DBPath), filepath.Dir(cfg.Controller.CtlSocket)} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	inv, err := inventory.New(cfg.Controller.DBPath, log)
	if err != nil {
		return fmt.Errorf("opening inventory: %w", err)
	}
	defer inv.Close()

	reg := registry.New(log, inv)
	ctrl := listener.New(listener.Options{
		Port:         cfg.Controller.Port,
		PingInterval: pingInterval,
	}, reg, inv, log)

	hostname, _ := os.Hostname()
	responder := &discovery.Responder{
		Port:      cfg.Discovery.Port,
		TCPPort:   cfg.Controller.Port,
		Name:      hostname,
		Multicast: cfg.Discovery.MulticastGroup,
		Secret:    cfg.Discovery.Secret,
		Log:       log,
	}

	activity := ctlrpc.NewActivity(activityBacklog)
	svc := ctlrpc.NewService(ctrl, reg, inv, activity, log)

	log.Info().
		Int("port", cfg.Controller.Port).
		Int("discovery_port", cfg.Discovery.Port).
		Str("db_path", cfg.Controller.DBPath).
		Str("ctl_socket", cfg.Controller.CtlSocket).
		Msg("Starting lablink controller")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(ctx) })
	g.Go(func() error { return responder.Run(ctx) })
	g.Go(func() error { return ctlrpc.Serve(ctx, cfg.Controller.CtlSocket, svc, log) })
	g.Go(func() error { return inv.RunExpiry(ctx, expiryCheckInterval, staleThreshold) })
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case n := <-ctrl.Notices():
				activity.Add(n)
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info().Msg("Controller stopped")
	return nil
}
