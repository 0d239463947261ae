// Package ctlrpc provides Unix socket IPC between the running controller
// and the lablink command line tools.
package ctlrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	netrpc "net/rpc"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lablink/internal/controller"
	"lablink/internal/inventory"
	"lablink/internal/protocol"
	"lablink/internal/registry"
)

// submitTimeout bounds how long a CLI call may wait for the dispatcher.
const submitTimeout = 10 * time.Second

// Dispatcher accepts commands for fan-out to connected agents.
type Dispatcher interface {
	Submit(ctx context.Context, cmd protocol.Command) (registry.DeliveryReport, error)
}

// Activity is a bounded ring of recent fleet notices, safe for concurrent
// use. The controller daemon feeds it and CLI clients read it back.
type Activity struct {
	mu      sync.Mutex
	entries []controller.Notice
	max     int
}

// NewActivity returns a ring keeping at most max notices.
func NewActivity(max int) *Activity {
	return &Activity{max: max}
}

// Add appends a notice, discarding the oldest past capacity.
func (a *Activity) Add(n controller.Notice) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, n)
	if len(a.entries) > a.max {
		a.entries = a.entries[len(a.entries)-a.max:]
	}
}

// Recent returns up to limit notices, newest last. A limit of 0 returns
// everything retained.
func (a *Activity) Recent(limit int) []controller.Notice {
	a.mu.Lock()
	defer a.mu.Unlock()
	entries := a.entries
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return append([]controller.Notice(nil), entries...)
}

// Service is the RPC service exposed over the control socket.
type Service struct {
	dispatcher Dispatcher
	reg        *registry.Registry
	inv        *inventory.Inventory
	activity   *Activity
	log        zerolog.Logger
}

// NewService wires the RPC surface to the running controller pieces.
// activity may be nil when no notice feed is kept.
func NewService(dispatcher Dispatcher, reg *registry.Registry, inv *inventory.Inventory, activity *Activity, log zerolog.Logger) *Service {
	return &Service{dispatcher: dispatcher, reg: reg, inv: inv, activity: activity, log: log}
}

// SubmitArgs is the request for Submit.
type SubmitArgs struct {
	Action  string
	Payload map[string]string
}

// SubmitReply is the response for Submit.
type SubmitReply struct {
	Report registry.DeliveryReport
}

// SnapshotArgs is the request for Snapshot.
type SnapshotArgs struct{}

// SnapshotReply is the response for Snapshot.
type SnapshotReply struct {
	Sessions []registry.Summary
}

// InventoryArgs is the request for Inventory.
type InventoryArgs struct {
	ActiveOnly bool
}

// InventoryReply is the response for Inventory.
type InventoryReply struct {
	Agents []inventory.Record
}

// MarkDeployedArgs is the request for MarkDeployed.
type MarkDeployedArgs struct {
	Identifier string
}

// MarkDeployedReply is the response for MarkDeployed.
type MarkDeployedReply struct {
	Success bool
}

// ActivityArgs is the request for Activity.
type ActivityArgs struct {
	Limit int
}

// ActivityReply is the response for Activity.
type ActivityReply struct {
	Notices []controller.Notice
}

// Submit validates the command and hands it to the dispatcher for fan-out.
func (s *Service) Submit(args *SubmitArgs, reply *SubmitReply) error {
	cmd, err := protocol.NewCommand(protocol.ActionKind(args.Action), args.Payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	report, err := s.dispatcher.Submit(ctx, cmd)
	if err != nil {
		return fmt.Errorf("dispatching %s: %w", args.Action, err)
	}

	s.log.Info().
		Str("action", args.Action).
		Int("delivered", len(report.Delivered)).
		Int("failed", len(report.Failed)).
		Msg("Command submitted over control socket")

	reply.Report = report
	return nil
}

// Snapshot returns the live session table.
func (s *Service) Snapshot(args *SnapshotArgs, reply *SnapshotReply) error {
	reply.Sessions = s.reg.Snapshot()
	return nil
}

// Inventory returns stored agent records.
func (s *Service) Inventory(args *InventoryArgs, reply *InventoryReply) error {
	var (
		agents []inventory.Record
		err    error
	)
	if args.ActiveOnly {
		agents, err = s.inv.Active()
	} else {
		agents, err = s.inv.All()
	}
	if err != nil {
		return fmt.Errorf("fetching inventory: %w", err)
	}
	reply.Agents = agents
	return nil
}

// MarkDeployed marks an agent as provisioned.
func (s *Service) MarkDeployed(args *MarkDeployedArgs, reply *MarkDeployedReply) error {
	if err := s.inv.MarkDeployed(args.Identifier); err != nil {
		return fmt.Errorf("marking deployed: %w", err)
	}
	reply.Success = true
	return nil
}

// Activity returns recent fleet notices, oldest first.
func (s *Service) Activity(args *ActivityArgs, reply *ActivityReply) error {
	if s.activity == nil {
		return nil
	}
	reply.Notices = s.activity.Recent(args.Limit)
	return nil
}

// Serve listens on the Unix socket until the context is cancelled. The
// socket file is replaced on startup and removed on shutdown.
func Serve(ctx context.Context, socketPath string, svc *Service, log zerolog.Logger) error {
	server := netrpc.NewServer()
	if err := server.RegisterName("Service", svc); err != nil {
		return fmt.Errorf("registering RPC service: %w", err)
	}

	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	defer os.Remove(socketPath)

	if err := os.Chmod(socketPath, 0660); err != nil {
		log.Warn().Err(err).Msg("Failed to set socket permissions")
	}

	log.Info().Str("socket", socketPath).Msg("Control socket ready")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			listener.Close()
		case <-done:
		}
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Error().Err(err).Msg("Control socket accept error")
			continue
		}
		go server.ServeConn(conn)
	}
}

// Client talks to a running controller's control socket.
type Client struct {
	client *netrpc.Client
}

// NewClient dials the Unix socket and returns an RPC client.
func NewClient(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to control socket %s (is the controller running?): %w", socketPath, err)
	}
	return &Client{client: netrpc.NewClient(conn)}, nil
}

// Close closes the RPC client connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Submit sends a command for fan-out and returns the delivery report.
func (c *Client) Submit(action string, payload map[string]string) (registry.DeliveryReport, error) {
	args := &SubmitArgs{Action: action, Payload: payload}
	reply := &SubmitReply{}
	if err := c.client.Call("Service.Submit", args, reply); err != nil {
		return registry.DeliveryReport{}, err
	}
	return reply.Report, nil
}

// Snapshot fetches the live session table.
func (c *Client) Snapshot() ([]registry.Summary, error) {
	args := &SnapshotArgs{}
	reply := &SnapshotReply{}
	if err := c.client.Call("Service.Snapshot", args, reply); err != nil {
		return nil, err
	}
	return reply.Sessions, nil
}

// Inventory fetches stored agent records.
func (c *Client) Inventory(activeOnly bool) ([]inventory.Record, error) {
	args := &InventoryArgs{ActiveOnly: activeOnly}
	reply := &InventoryReply{}
	if err := c.client.Call("Service.Inventory", args, reply); err != nil {
		return nil, err
	}
	return reply.Agents, nil
}

// MarkDeployed tells the controller an agent has been provisioned.
func (c *Client) MarkDeployed(identifier string) error {
	args := &MarkDeployedArgs{Identifier: identifier}
	reply := &MarkDeployedReply{}
	return c.client.Call("Service.MarkDeployed", args, reply)
}

// Activity fetches recent fleet notices.
func (c *Client) Activity(limit int) ([]controller.Notice, error) {
	args := &ActivityArgs{Limit: limit}
	reply := &ActivityReply{}
	if err := c.client.Call("Service.Activity", args, reply); err != nil {
		return nil, err
	}
	return reply.Notices, nil
}
