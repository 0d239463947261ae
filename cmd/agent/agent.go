// Package agent implements the lablink agent CLI entry point.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"lablink/internal/actions"
	agentd "lablink/internal/agent"
	"lablink/internal/discovery"
	"lablink/internal/sysinfo"
	"lablink/pkg/config"
	"lablink/pkg/logger"
)

// Run starts the lab machine agent.
func Run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.Init(cfg.Agent.LogLevel)

	// Discovery needs the shared secret; a manually configured controller
	// address does not.
	if cfg.Agent.Controller == "" {
		if err := cfg.ValidateSecret(); err != nil {
			return err
		}
	}

	name := cfg.Agent.Name
	if name == "" {
		name, err = os.Hostname()
		if err != nil {
			return fmt.Errorf("no agent name configured and hostname unavailable: %w", err)
		}
	}

	heartbeat, err := cfg.Agent.ParseHeartbeatInterval()
	if err != nil {
		return fmt.Errorf("parsing heartbeat interval: %w", err)
	}
	retryBackoff, err := cfg.Agent.ParseRetryBackoff()
	if err != nil {
		return fmt.Errorf("parsing retry backoff: %w", err)
	}
	maxBackoff, err := cfg.Agent.ParseMaxBackoff()
	if err != nil {
		return fmt.Errorf("parsing max backoff: %w", err)
	}
	discoveryTimeout, err := cfg.Discovery.ParseTimeout()
	if err != nil {
		return fmt.Errorf("parsing discovery timeout: %w", err)
	}

	var info map[string]string
	if si, err := sysinfo.Collect(cfg.Discovery.NetworkRange); err != nil {
		log.Warn().Err(err).Msg("System info collection failed, hello will be bare")
	} else {
		info = si.Map()
	}

	locator := &discovery.Locator{
		Port:         cfg.Discovery.Port,
		NetworkRange: cfg.Discovery.NetworkRange,
		Multicast:    cfg.Discovery.MulticastGroup,
		Timeout:      discoveryTimeout,
		Secret:       cfg.Discovery.Secret,
		Name:         name,
		Log:          log,
	}

	exec := actions.NewExecutor(cfg.Agent.AllowExec, log)

	a := agentd.New(agentd.Options{
		Name:              name,
		Controller:        cfg.Agent.Controller,
		Info:              info,
		HeartbeatInterval: heartbeat,
		RetryBackoff:      retryBackoff,
		MaxBackoff:        maxBackoff,
		MaxRetries:        cfg.Agent.MaxRetries,
	}, locator, exec, log)

	log.Info().
		Str("name", name).
		Bool("allow_exec", cfg.Agent.AllowExec).
		Str("controller", cfg.Agent.Controller).
		Msg("Starting lablink agent")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info().Msg("Agent stopped")
	return nil
}
