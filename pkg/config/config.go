// Package config provides TOML configuration loading for lablink.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration structure.
type Config struct {
	Discovery  DiscoveryConfig  `toml:"discovery"`
	Controller ControllerConfig `toml:"controller"`
	Agent      AgentConfig      `toml:"agent"`
	Deploy     DeployConfig     `toml:"deploy"`
}

// DiscoveryConfig holds the UDP discovery settings shared by both sides.
type DiscoveryConfig struct {
	Port           int    `toml:"port"`
	Secret         string `toml:"secret"`
	MulticastGroup string `toml:"multicast_group"`
	NetworkRange   string `toml:"network_range"`
	Timeout        string `toml:"timeout"`
}

// ControllerConfig holds settings for the controller daemon.
type ControllerConfig struct {
	Port           int    `toml:"port"`
	PingInterval   string `toml:"ping_interval"`
	DBPath         string `toml:"db_path"`
	CtlSocket      string `toml:"ctl_socket"`
	StaleThreshold string `toml:"stale_threshold"`
	LogLevel       string `toml:"log_level"`
}

// AgentConfig holds settings for the agent daemon.
type AgentConfig struct {
	Controller        string `toml:"controller"`
	Name              string `toml:"name"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	RetryBackoff      string `toml:"retry_backoff"`
	MaxBackoff        string `toml:"max_backoff"`
	MaxRetries        int    `toml:"max_retries"`
	AllowExec         bool   `toml:"allow_exec"`
	LogLevel          string `toml:"log_level"`
}

// DeployConfig holds settings for pushing the agent onto remote hosts.
type DeployConfig struct {
	KnownHosts  string `toml:"known_hosts"`
	Binary      string `toml:"binary"`
	RemotePath  string `toml:"remote_path"`
	UnitPath    string `toml:"unit_path"`
	ServiceName string `toml:"service_name"`
}

// ParseTimeout parses the discovery timeout string to a time.Duration.
func (d *DiscoveryConfig) ParseTimeout() (time.Duration, error) {
	if d.Timeout == "" {
		return 5 * time.Second, nil
	}
	return time.ParseDuration(d.Timeout)
}

// ParsePingInterval parses the controller keepalive interval.
func (c *ControllerConfig) ParsePingInterval() (time.Duration, error) {
	if c.PingInterval == "" {
		return 10 * time.Second, nil
	}
	return time.ParseDuration(c.PingInterval)
}

// ParseStaleThreshold parses the inventory stale threshold.
func (c *ControllerConfig) ParseStaleThreshold() (time.Duration, error) {
	if c.StaleThreshold == "" {
		return 90 * time.Second, nil
	}
	return time.ParseDuration(c.StaleThreshold)
}

// ParseHeartbeatInterval parses the agent heartbeat interval.
func (a *AgentConfig) ParseHeartbeatInterval() (time.Duration, error) {
	if a.HeartbeatInterval == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(a.HeartbeatInterval)
}

// ParseRetryBackoff parses the initial reconnect backoff.
func (a *AgentConfig) ParseRetryBackoff() (time.Duration, error) {
	if a.RetryBackoff == "" {
		return time.Second, nil
	}
	return time.ParseDuration(a.RetryBackoff)
}

// ParseMaxBackoff parses the reconnect backoff ceiling.
func (a *AgentConfig) ParseMaxBackoff() (time.Duration, error) {
	if a.MaxBackoff == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(a.MaxBackoff)
}

// Load reads and parses a TOML config file, applying defaults for unset values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(cfg)
	cfg.expandPaths()
	return cfg, nil
}

// ValidateSecret rejects missing or placeholder discovery secrets.
func (c *Config) ValidateSecret() error {
	if c.Discovery.Secret == "" || c.Discovery.Secret == "CHANGE_ME" {
		return fmt.Errorf("discovery.secret must be set in config (not 'CHANGE_ME')")
	}
	return nil
}

func (cfg *Config) expandPaths() {
	cfg.Controller.DBPath = ExpandPath(cfg.Controller.DBPath)
	cfg.Deploy.KnownHosts = ExpandPath(cfg.Deploy.KnownHosts)
	cfg.Deploy.Binary = ExpandPath(cfg.Deploy.Binary)
}

// ExpandPath expands tilde (~) to the user's home directory.
func ExpandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	usr, err := user.Current()
	if err != nil {
		return path
	}
	if path == "~" {
		return usr.HomeDir
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(usr.HomeDir, path[2:])
	}
	return path
}

func applyDefaults(cfg *Config) {

	// Discovery defaults
	if cfg.Discovery.Port == 0 {
		cfg.Discovery.Port = 9999
	}
	if cfg.Discovery.MulticastGroup == "" {
		cfg.Discovery.MulticastGroup = "239.255.81.1"
	}
	if cfg.Discovery.Timeout == "" {
		cfg.Discovery.Timeout = "5s"
	}

	// Controller defaults
	if cfg.Controller.Port == 0 {
		cfg.Controller.Port = 9999
	}
	if cfg.Controller.PingInterval == "" {
		cfg.Controller.PingInterval = "10s"
	}
	if cfg.Controller.DBPath == "" {
		cfg.Controller.DBPath = "/var/lib/lablink/fleet.db"
	}
	if cfg.Controller.CtlSocket == "" {
		cfg.Controller.CtlSocket = "/run/lablink/controller.sock"
	}
	if cfg.Controller.StaleThreshold == "" {
		cfg.Controller.StaleThreshold = "90s"
	}
	if cfg.Controller.LogLevel == "" {
		cfg.Controller.LogLevel = "info"
	}

	// Agent defaults
	if cfg.Agent.HeartbeatInterval == "" {
		cfg.Agent.HeartbeatInterval = "30s"
	}
	if cfg.Agent.RetryBackoff == "" {
		cfg.Agent.RetryBackoff = "1s"
	}
	if cfg.Agent.MaxBackoff == "" {
		cfg.Agent.MaxBackoff = "30s"
	}
	if cfg.Agent.MaxRetries == 0 {
		cfg.Agent.MaxRetries = 5
	}
	if cfg.Agent.LogLevel == "" {
		cfg.Agent.LogLevel = "info"
	}

	// Deploy defaults
	if cfg.Deploy.KnownHosts == "" {
		cfg.Deploy.KnownHosts = "/etc/lablink/known_hosts"
	}
	if cfg.Deploy.RemotePath == "" {
		cfg.Deploy.RemotePath = "/usr/local/bin/lablink"
	}
	if cfg.Deploy.UnitPath == "" {
		cfg.Deploy.UnitPath = "/etc/systemd/system/lablink-agent.service"
	}
	if cfg.Deploy.ServiceName == "" {
		cfg.Deploy.ServiceName = "lablink-agent"
	}
}
