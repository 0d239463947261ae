package ctlrpc

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lablink/internal/controller"
	"lablink/internal/inventory"
	"lablink/internal/protocol"
	"lablink/internal/registry"
)

// fakeDispatcher records submitted commands and answers with a fixed report.
type fakeDispatcher struct {
	mu     sync.Mutex
	cmds   []protocol.Command
	report registry.DeliveryReport
}

func (d *fakeDispatcher) Submit(ctx context.Context, cmd protocol.Command) (registry.DeliveryReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cmds = append(d.cmds, cmd)
	report := d.report
	report.Action = cmd.Action
	return report, nil
}

func (d *fakeDispatcher) submitted() []protocol.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Command(nil), d.cmds...)
}

func startService(t *testing.T, dispatcher *fakeDispatcher) (*Client, *inventory.Inventory, *Activity) {
	t.Helper()

	dir := t.TempDir()
	inv, err := inventory.New(filepath.Join(dir, "fleet.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("inventory: %v", err)
	}
	t.Cleanup(func() { inv.Close() })

	reg := registry.New(zerolog.Nop(), nil)
	activity := NewActivity(16)
	svc := NewService(dispatcher, reg, inv, activity, zerolog.Nop())

	socketPath := filepath.Join(dir, "ctl.sock")
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- Serve(ctx, socketPath, svc, zerolog.Nop()) }()
	t.Cleanup(func() {
		cancel()
		<-served
	})

	// The socket appears shortly after Serve starts listening.
	var client *Client
	deadline := time.Now().Add(2 * time.Second)
	for {
		client, err = NewClient(socketPath)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("control socket never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Cleanup(func() { client.Close() })

	return client, inv, activity
}

func TestSubmit_RoundTrip(t *testing.T) {
	dispatcher := &fakeDispatcher{report: registry.DeliveryReport{
		Delivered: []string{"lab-01", "lab-02"},
		Failed:    []registry.Failure{{Identifier: "lab-03", Reason: "write timed out"}},
	}}
	client, _, _ := startService(t, dispatcher)

	report, err := client.Submit("message", map[string]string{"content": "lab closes at 6"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if report.Action != protocol.ActionMessage {
		t.Errorf("action: got %s", report.Action)
	}
	if len(report.Delivered) != 2 || report.Delivered[0] != "lab-01" {
		t.Errorf("delivered: got %v", report.Delivered)
	}
	if len(report.Failed) != 1 || report.Failed[0].Reason != "write timed out" {
		t.Errorf("failed: got %v", report.Failed)
	}

	cmds := dispatcher.submitted()
	if len(cmds) != 1 {
		t.Fatalf("dispatcher saw %d commands, want 1", len(cmds))
	}
	if cmds[0].Payload["content"] != "lab closes at 6" {
		t.Errorf("payload: got %v", cmds[0].Payload)
	}
}

func TestSubmit_RejectsInvalidCommands(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	client, _, _ := startService(t, dispatcher)

	if _, err := client.Submit("fire-the-missiles", nil); err == nil {
		t.Error("unknown action accepted")
	}
	if _, err := client.Submit("message", nil); err == nil {
		t.Error("message without content accepted")
	}
	if n := len(dispatcher.submitted()); n != 0 {
		t.Errorf("invalid commands reached the dispatcher %d times", n)
	}
}

func TestSnapshot_EmptyFleet(t *testing.T) {
	client, _, _ := startService(t, &fakeDispatcher{})

	sessions, err := client.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("sessions: got %v, want none", sessions)
	}
}

func TestInventory_RoundTrip(t *testing.T) {
	client, inv, _ := startService(t, &fakeDispatcher{})

	inv.AgentHello("lab-01", "192.168.1.10:40000", map[string]string{"os": "Ubuntu 24.04"})
	inv.AgentHello("lab-02", "192.168.1.11:40000", nil)
	inv.AgentOffline("lab-02")

	all, err := client.Inventory(false)
	if err != nil {
		t.Fatalf("inventory failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all: got %d records, want 2", len(all))
	}
	if all[0].Identifier != "lab-01" || all[0].Info["os"] != "Ubuntu 24.04" {
		t.Errorf("record: got %+v", all[0])
	}

	active, err := client.Inventory(true)
	if err != nil {
		t.Fatalf("inventory failed: %v", err)
	}
	if len(active) != 1 || active[0].Identifier != "lab-01" {
		t.Errorf("active: got %+v", active)
	}
}

func TestActivity_RoundTrip(t *testing.T) {
	client, _, activity := startService(t, &fakeDispatcher{})

	for i := 0; i < 20; i++ {
		activity.Add(controller.Notice{
			Time:       time.Now(),
			Identifier: "lab-01",
			Kind:       protocol.EventStatus,
			Action:     protocol.ActionMessage,
			OK:         true,
		})
	}

	// The ring holds 16; ask for the last 5.
	notices, err := client.Activity(5)
	if err != nil {
		t.Fatalf("activity failed: %v", err)
	}
	if len(notices) != 5 {
		t.Fatalf("notices: got %d, want 5", len(notices))
	}
	if notices[0].Identifier != "lab-01" || notices[0].Action != protocol.ActionMessage {
		t.Errorf("notice: got %+v", notices[0])
	}

	all, err := client.Activity(0)
	if err != nil {
		t.Fatalf("activity failed: %v", err)
	}
	if len(all) != 16 {
		t.Errorf("ring retained %d notices, want 16", len(all))
	}
}

func TestMarkDeployed(t *testing.T) {
	client, inv, _ := startService(t, &fakeDispatcher{})

	inv.AgentHello("lab-01", "192.168.1.10:40000", nil)

	if err := client.MarkDeployed("lab-01"); err != nil {
		t.Fatalf("mark deployed failed: %v", err)
	}
	if err := client.MarkDeployed("ghost"); err == nil {
		t.Error("unknown agent accepted")
	}

	records, err := client.Inventory(false)
	if err != nil {
		t.Fatalf("inventory failed: %v", err)
	}
	if !records[0].Deployed || records[0].DeployedAt == nil {
		t.Errorf("record not marked: %+v", records[0])
	}
}
