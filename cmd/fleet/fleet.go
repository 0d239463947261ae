// Package fleet implements the fleet inspection and provisioning CLI.
package fleet

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	"lablink/internal/ctlrpc"
	"lablink/internal/deploy"
	"lablink/internal/hostsfile"
	"lablink/internal/inventory"
	"lablink/internal/registry"
	"lablink/pkg/config"
	"lablink/pkg/logger"
)

// Run dispatches the fleet subcommands.
func Run(configPath string, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	sub := "status"
	if len(args) > 0 {
		sub = args[0]
		args = args[1:]
	}

	switch sub {
	case "status":
		return showStatus(cfg)
	case "inventory":
		return showInventory(cfg, args)
	case "activity":
		return showActivity(cfg, args)
	case "deploy":
		return runDeploy(cfg, args)
	case "hosts":
		return syncHosts(cfg, args)
	default:
		printUsage()
		return fmt.Errorf("unknown fleet subcommand: %s", sub)
	}
}

func dialController(cfg *config.Config) (*ctlrpc.Client, error) {
	return ctlrpc.NewClient(cfg.Controller.CtlSocket)
}

func showStatus(cfg *config.Config) error {
	client, err := dialController(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	sessions, err := client.Snapshot()
	if err != nil {
		return fmt.Errorf("fetching sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No agents connected.")
		return nil
	}

	fmt.Printf("\n  Connected Agents (%d)\n\n", len(sessions))
	displaySessionTable(sessions)
	return nil
}

func showInventory(cfg *config.Config, args []string) error {
	activeOnly := len(args) > 0 && args[0] == "--active"

	client, err := dialController(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	records, err := client.Inventory(activeOnly)
	if err != nil {
		return fmt.Errorf("fetching inventory: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("No agents on record yet.")
		return nil
	}

	fmt.Printf("\n  Agent Inventory (%d)\n\n", len(records))
	displayInventoryTable(records)
	return nil
}

func showActivity(cfg *config.Config, args []string) error {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return fmt.Errorf("invalid notice count: %s", args[0])
		}
		limit = n
	}

	client, err := dialController(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	notices, err := client.Activity(limit)
	if err != nil {
		return fmt.Errorf("fetching activity: %w", err)
	}

	if len(notices) == 0 {
		fmt.Println("No recent activity.")
		return nil
	}

	for _, n := range notices {
		mark := "✓"
		if n.Kind == "status" && !n.OK {
			mark = "✗"
		}
		line := fmt.Sprintf("%s  %s %-20s %-10s", n.Time.Format("15:04:05"), mark, n.Identifier, n.Kind)
		if n.Action != "" {
			line += " " + string(n.Action)
		}
		if n.Detail != "" {
			line += "  " + n.Detail
		}
		fmt.Println(line)
	}
	return nil
}

func runDeploy(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: lablink fleet deploy <host-or-identifier> [user]")
	}

	log := logger.Init(cfg.Controller.LogLevel)

	host := args[0]
	user := "root"
	if len(args) > 1 {
		user = args[1]
	}

	// When the argument names a known agent, deploy to its recorded
	// address and mark the record afterwards.
	identifier := ""
	client, err := dialController(cfg)
	if err == nil {
		defer client.Close()
		if records, err := client.Inventory(false); err == nil {
			for _, r := range records {
				if r.Identifier == host {
					if ip := recordIP(r); ip != "" {
						identifier = host
						host = ip
					}
					break
				}
			}
		}
	} else {
		client = nil
	}

	port := 22
	if h, p, err := net.SplitHostPort(host); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			host, port = h, n
		}
	}

	binary := cfg.Deploy.Binary
	if binary == "" {
		binary, err = os.Executable()
		if err != nil {
			return fmt.Errorf("locating own binary: %w", err)
		}
	}

	agentConfig, err := writeAgentConfig(cfg)
	if err != nil {
		return err
	}
	defer os.Remove(agentConfig)

	fmt.Printf("Deploying agent to %s@%s:%d\n", user, host, port)
	fmt.Print("SSH password: ")
	passwordBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}
	fmt.Println()

	err = deploy.Install(deploy.Target{
		Host:     host,
		Port:     port,
		User:     user,
		Password: string(passwordBytes),
	}, deploy.Options{
		BinaryPath:     binary,
		ConfigPath:     agentConfig,
		KnownHostsPath: cfg.Deploy.KnownHosts,
		RemotePath:     cfg.Deploy.RemotePath,
		UnitPath:       cfg.Deploy.UnitPath,
		ServiceName:    cfg.Deploy.ServiceName,
		Log:            log,
	})

	for i := range passwordBytes {
		passwordBytes[i] = 0
	}

	if err != nil {
		return fmt.Errorf("deploy failed: %w", err)
	}

	if identifier != "" && client != nil {
		if err := client.MarkDeployed(identifier); err != nil {
			log.Warn().Err(err).Msg("Failed to update deploy status in inventory")
		}
	}

	fmt.Printf("✓ Agent running on %s\n", host)
	return nil
}

func syncHosts(cfg *config.Config, args []string) error {
	path := "/etc/hosts"
	if len(args) > 0 {
		path = args[0]
	}
	if path == "/etc/hosts" && os.Geteuid() != 0 {
		return fmt.Errorf("insufficient permissions to modify /etc/hosts (must be root)")
	}

	client, err := dialController(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	records, err := client.Inventory(true)
	if err != nil {
		return fmt.Errorf("fetching inventory: %w", err)
	}

	entries := hostsfile.FromRecords(records)
	if err := hostsfile.Sync(path, entries); err != nil {
		return err
	}

	fmt.Printf("✓ %d agent entries written to %s\n", len(entries), path)
	return nil
}

// writeAgentConfig renders the agent-side config carrying this
// controller's discovery settings and returns the temp file path.
func writeAgentConfig(cfg *config.Config) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "[discovery]\n")
	fmt.Fprintf(&b, "  port            = %d\n", cfg.Discovery.Port)
	fmt.Fprintf(&b, "  secret          = %q\n", cfg.Discovery.Secret)
	fmt.Fprintf(&b, "  multicast_group = %q\n", cfg.Discovery.MulticastGroup)
	if cfg.Discovery.NetworkRange != "" {
		fmt.Fprintf(&b, "  network_range   = %q\n", cfg.Discovery.NetworkRange)
	}
	fmt.Fprintf(&b, "\n[agent]\n")
	fmt.Fprintf(&b, "  log_level = %q\n", cfg.Agent.LogLevel)

	f, err := os.CreateTemp("", "lablink-agent-*.toml")
	if err != nil {
		return "", fmt.Errorf("creating temp config: %w", err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing temp config: %w", err)
	}
	f.Close()
	return f.Name(), nil
}

func recordIP(r inventory.Record) string {
	if ip := r.Info["ip"]; ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return ""
}

func displaySessionTable(sessions []registry.Summary) {
	fmt.Printf("  %-4s %-20s %-22s %-12s %-10s %-10s\n",
		"#", "Identifier", "Address", "State", "Connected", "Last Seen")
	fmt.Printf("  %s %s %s %s %s %s\n",
		strings.Repeat("─", 4),
		strings.Repeat("─", 20),
		strings.Repeat("─", 22),
		strings.Repeat("─", 12),
		strings.Repeat("─", 10),
		strings.Repeat("─", 10))

	for i, s := range sessions {
		fmt.Printf("  %-4d %-20s %-22s %-12s %-10s %-10s\n",
			i+1,
			truncate(s.Identifier, 20),
			truncate(s.RemoteAddr, 22),
			s.State,
			s.ConnectedAt.Format("15:04:05"),
			s.LastSeen.Format("15:04:05"),
		)
	}
}

func displayInventoryTable(records []inventory.Record) {
	fmt.Printf("  %-4s %-20s %-16s %-25s %-10s %-3s %-3s\n",
		"#", "Identifier", "IP Address", "OS", "Last Seen", "On", "Dep")
	fmt.Printf("  %s %s %s %s %s %s %s\n",
		strings.Repeat("─", 4),
		strings.Repeat("─", 20),
		strings.Repeat("─", 16),
		strings.Repeat("─", 25),
		strings.Repeat("─", 10),
		strings.Repeat("─", 3),
		strings.Repeat("─", 3))

	for i, r := range records {
		online := "✗"
		if r.Online {
			online = "✓"
		}
		deployed := "✗"
		if r.Deployed {
			deployed = "✓"
		}

		lastSeen := "never"
		if !r.LastSeen.IsZero() {
			if time.Since(r.LastSeen) > 24*time.Hour {
				lastSeen = r.LastSeen.Format("Jan 02")
			} else {
				lastSeen = r.LastSeen.Format("15:04:05")
			}
		}

		fmt.Printf("  %-4d %-20s %-16s %-25s %-10s %-3s %-3s\n",
			i+1,
			truncate(r.Identifier, 20),
			recordIP(r),
			truncate(r.Info["os"], 25),
			lastSeen,
			online,
			deployed,
		)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-1] + "…"
}

func printUsage() {
	fmt.Print(`Usage: lablink fleet <subcommand>

Subcommands:
  status              List agents connected right now
  inventory [--active] List every agent on record
  activity [n]        Show recent fleet events
  deploy <host> [user] Install the agent on a host over SSH
  hosts [path]        Rewrite the managed hosts block from the inventory
`)
}
