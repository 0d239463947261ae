// Package send implements the one-shot command submission CLI.
package send

import (
	"fmt"
	"strings"

	"lablink/internal/ctlrpc"
	"lablink/internal/protocol"
	"lablink/internal/registry"
	"lablink/pkg/config"
)

var usageHints = map[protocol.ActionKind]string{
	protocol.ActionMessage: "<text>",
	protocol.ActionOpenApp: "<executable>",
	protocol.ActionExec:    "<command>",
}

// Run submits one command to the running controller for fan-out to every
// connected agent.
func Run(configPath string, args []string) error {
	if len(args) == 0 {
		printActions()
		return fmt.Errorf("no action given")
	}

	kind := protocol.ActionKind(args[0])
	if !protocol.KnownAction(kind) {
		printActions()
		return fmt.Errorf("unknown action %q", args[0])
	}

	payload, err := buildPayload(kind, args[1:])
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	client, err := ctlrpc.NewClient(cfg.Controller.CtlSocket)
	if err != nil {
		return err
	}
	defer client.Close()

	report, err := client.Submit(string(kind), payload)
	if err != nil {
		return err
	}

	printReport(report)

	if len(report.Failed) > 0 {
		return fmt.Errorf("%d agent(s) missed the command", len(report.Failed))
	}
	return nil
}

func buildPayload(kind protocol.ActionKind, rest []string) (map[string]string, error) {
	switch kind {
	case protocol.ActionMessage:
		if len(rest) == 0 {
			return nil, fmt.Errorf(`message needs text, e.g.: lablink send message "lab closes in 10 minutes"`)
		}
		return map[string]string{"content": strings.Join(rest, " ")}, nil
	case protocol.ActionOpenApp:
		if len(rest) != 1 {
			return nil, fmt.Errorf("open_app needs exactly one executable name")
		}
		return map[string]string{"app": rest[0]}, nil
	case protocol.ActionExec:
		if len(rest) == 0 {
			return nil, fmt.Errorf("exec needs a shell command")
		}
		return map[string]string{"command": strings.Join(rest, " ")}, nil
	default:
		if len(rest) > 0 {
			return nil, fmt.Errorf("%s takes no arguments", kind)
		}
		return nil, nil
	}
}

func printReport(report registry.DeliveryReport) {
	if len(report.Delivered) == 0 && len(report.Failed) == 0 {
		fmt.Println("No agents connected.")
		return
	}
	if len(report.Delivered) > 0 {
		fmt.Printf("✓ Delivered to %d agent(s): %s\n", len(report.Delivered), strings.Join(report.Delivered, ", "))
	}
	for _, f := range report.Failed {
		fmt.Printf("✗ %-20s %s\n", f.Identifier, f.Reason)
	}
}

func printActions() {
	fmt.Println("Usage: lablink send <action> [arguments]")
	fmt.Println("\nActions:")
	for _, k := range protocol.Kinds() {
		if hint, ok := usageHints[k]; ok {
			fmt.Printf("  %-12s %s\n", k, hint)
		} else {
			fmt.Printf("  %s\n", k)
		}
	}
}
