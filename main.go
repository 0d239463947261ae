// lablink — classroom fleet control over the lab network
//
// Usage:
//
//	lablink controller — run the command distribution hub
//	lablink agent      — run the lab machine agent
//	lablink send       — fan a command out to connected agents
//	lablink fleet      — inspect and provision the fleet
package main

import (
	"fmt"
	"os"

	"lablink/cmd/agent"
	"lablink/cmd/controller"
	"lablink/cmd/edit"
	"lablink/cmd/fleet"
	"lablink/cmd/send"
)

const (
	defaultSystemPath = "/etc/lablink/lablink.toml"
	defaultLocalPath  = "lablink.toml"
	version           = "1.0.2"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	configPath := ""

	// Parse --config flag if present
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" && i+1 < len(args) {
			configPath = args[i+1]
			args = append(args[:i], args[i+2:]...)
			i--
			continue
		}
		if len(arg) > 9 && arg[:9] == "--config=" {
			configPath = arg[9:]
			args = append(args[:i], args[i+1:]...)
			i--
			continue
		}
	}

	// Auto-discover config if not specified
	if configPath == "" {
		if _, err := os.Stat(defaultLocalPath); err == nil {
			configPath = defaultLocalPath
		} else {
			configPath = defaultSystemPath
		}
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	var err error

	switch subcommand {
	case "controller":
		err = controller.Run(configPath)
	case "agent":
		err = agent.Run(configPath)
	case "send":
		err = send.Run(configPath, args[1:])
	case "fleet":
		err = fleet.Run(configPath, args[1:])
	case "edit":
		err = edit.Run(configPath)
	case "version":
		fmt.Printf("lablink v%s\n", version)
		return
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`lablink v%s — classroom fleet control over the lab network

Usage:
  lablink <command> [--config <path>]

Commands:
  controller  Run the controller daemon (listener, discovery, control socket)
  agent       Run the lab machine agent (connects to the controller)
  send        Fan a command out to every connected agent
  fleet       Inspect the fleet and provision new machines
  edit        Edit the configuration file in your system editor
  version     Print version information
  help        Show this help message

Options:
  --config <path>  Path to config file (default: looks for ./%s, then %s)

Examples:
  lablink controller                       # Run the hub on the instructor machine
  lablink agent                            # Run on a lab machine
  lablink send message "lab closes at 6"   # Flash a message on every screen
  lablink send lock                        # Lock every screen
  lablink fleet status                     # Who is connected right now?
  lablink fleet deploy 10.51.240.21        # Install the agent over SSH

`, version, defaultLocalPath, defaultSystemPath)
}
