// Package edit opens the lablink configuration in the system editor.
package edit

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

const defaultConfigTemplate = `[discovery]
  port            = 9999
  secret          = "CHANGE_ME"
  multicast_group = "239.255.81.1"
  network_range   = "10.51.240.0/23"
  timeout         = "5s"

[controller]
  port            = 9999
  ping_interval   = "10s"
  db_path         = "/var/lib/lablink/fleet.db"
  ctl_socket      = "/run/lablink/controller.sock"
  stale_threshold = "90s"
  log_level       = "info"

[agent]
  # controller = "10.51.240.2:9999"  # skip discovery and connect here
  # name       = "lab-01"            # defaults to the hostname
  heartbeat_interval = "30s"
  retry_backoff      = "1s"
  max_backoff        = "30s"
  max_retries        = 5
  allow_exec         = false
  log_level          = "info"

[deploy]
  known_hosts  = "/etc/lablink/known_hosts"
  remote_path  = "/usr/local/bin/lablink"
  unit_path    = "/etc/systemd/system/lablink-agent.service"
  service_name = "lablink-agent"
`

// Run opens the configuration file in the system editor, creating it with
// default values first if it does not exist.
func Run(path string) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Printf("Creating new config file at %s...\n", path)
		if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0644); err != nil {
			return fmt.Errorf("writing default config: %w", err)
		}
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		for _, e := range []string{"vi", "nano", "vim"} {
			if _, err := exec.LookPath(e); err == nil {
				editor = e
				break
			}
		}
	}

	if editor == "" {
		return fmt.Errorf("no editor found ($EDITOR environment variable not set, and vi/nano/vim not in PATH)")
	}

	cmd := exec.Command(editor, path)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}
