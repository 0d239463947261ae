// Package controller accepts agent connections, keeps one session per agent
// in the registry, and fans submitted commands out to the fleet. Command
// sources never touch the registry: they submit intents over a channel and a
// single dispatch goroutine does the rest.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lablink/internal/protocol"
	"lablink/internal/registry"
)

// EventSink receives agent events for bookkeeping, typically the fleet
// inventory. Implementations must be safe for concurrent use.
type EventSink interface {
	AgentHello(id, remoteAddr string, info map[string]string)
	AgentStatus(id string, action protocol.ActionKind, ok bool, reason string)
	AgentSeen(id string)
}

// Notice is one line of fleet activity for display subscribers.
type Notice struct {
	Time       time.Time
	Identifier string
	Kind       protocol.EventKind
	Action     protocol.ActionKind
	OK         bool
	Detail     string
}

// Options tune the listener. Zero values take the defaults below.
type Options struct {
	Port             int
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

const (
	defaultPingInterval     = 10 * time.Second
	defaultHandshakeTimeout = 5 * time.Second
	defaultWriteTimeout     = 5 * time.Second
)

type submitResult struct {
	report registry.DeliveryReport
	err    error
}

type intent struct {
	cmd   protocol.Command
	reply chan submitResult
}

// Controller is the accept loop plus the command dispatch path.
type Controller struct {
	opts     Options
	registry *registry.Registry
	events   EventSink
	log      zerolog.Logger

	intents chan intent
	notices chan Notice
}

// New builds a controller around an existing registry. events may be nil.
func New(opts Options, reg *registry.Registry, events EventSink, log zerolog.Logger) *Controller {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Controller{
		opts:     opts,
		registry: reg,
		events:   events,
		log:      log,
		intents:  make(chan intent),
		notices:  make(chan Notice, 64),
	}
}

// Notices returns the activity feed. The channel is never closed; slow
// consumers lose notices rather than stall sessions.
func (c *Controller) Notices() <-chan Notice {
	return c.notices
}

// Submit hands a command to the dispatch goroutine and waits for the
// per-agent delivery report.
func (c *Controller) Submit(ctx context.Context, cmd protocol.Command) (registry.DeliveryReport, error) {
	in := intent{cmd: cmd, reply: make(chan submitResult, 1)}
	select {
	case c.intents <- in:
	case <-ctx.Done():
		return registry.DeliveryReport{}, ctx.Err()
	}
	select {
	case res := <-in.reply:
		return res.report, res.err
	case <-ctx.Done():
		return registry.DeliveryReport{}, ctx.Err()
	}
}

// Run listens on the configured port until the context is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.opts.Port))
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", c.opts.Port, err)
	}
	return c.serve(ctx, ln)
}

// serve runs the accept loop on an existing listener. On cancellation it
// closes the listener and every session socket, then waits for all session
// goroutines before returning.
func (c *Controller) serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	c.log.Info().Str("listen", ln.Addr().String()).Msg("Controller listening")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.dispatch(ctx)
	}()

	// Unblock Accept on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-done:
		}
	}()

	var failure error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				failure = err
				break
			}
			c.log.Error().Err(err).Msg("Accept failed")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.handle(ctx, conn)
		}()
	}

	wg.Wait()
	c.log.Info().Msg("Controller stopped")
	return failure
}

// dispatch is the only goroutine that broadcasts. Serializing here keeps
// command ordering stable and the registry free of caller goroutines.
func (c *Controller) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-c.intents:
			report, err := c.registry.Broadcast(in.cmd)
			if err != nil {
				c.log.Error().Err(err).Str("action", string(in.cmd.Action)).Msg("Broadcast failed")
			} else {
				c.log.Info().
					Str("action", string(in.cmd.Action)).
					Int("delivered", len(report.Delivered)).
					Int("failed", len(report.Failed)).
					Msg("Command dispatched")
			}
			in.reply <- submitResult{report, err}
		}
	}
}

// handle owns one agent connection from accept to teardown.
func (c *Controller) handle(ctx context.Context, conn net.Conn) {
	sess := newSession(conn, c.opts.WriteTimeout)
	reader := protocol.NewLineReader(conn)

	// Close the socket on shutdown even before the session is registered.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			sess.Terminate()
		case <-stop:
		}
	}()

	id, first, err := c.handshake(conn, reader)
	if err != nil {
		c.log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Connection lost during handshake")
		sess.Terminate()
		return
	}

	sess.markConnected(id)
	c.registry.Register(id, sess)
	defer c.registry.Drop(id, sess)

	if first != nil {
		c.consume(id, sess, *first)
	}

	go c.keepalive(id, sess, stop)

	for {
		line, err := reader.ReadRecord()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				c.log.Debug().Err(err).Str("agent", id).Msg("Session read failed")
			}
			sess.markDisconnected()
			c.log.Info().Str("agent", id).Msg("Agent disconnected")
			return
		}
		if len(line) == 0 {
			continue
		}

		ev, err := protocol.DecodeEvent(line)
		if err != nil {
			// Malformed input costs the record, never the connection.
			c.log.Warn().Err(err).Str("agent", id).Msg("Discarding malformed event")
			continue
		}
		c.consume(id, sess, ev)
	}
}

// handshake reads the first record under a deadline to learn the agent's
// name. A silent or unintelligible peer is identified by its address; a
// non-hello first record is returned for normal consumption.
func (c *Controller) handshake(conn net.Conn, reader *protocol.LineReader) (string, *protocol.Event, error) {
	addrID := conn.RemoteAddr().String()

	if err := conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout)); err != nil {
		return "", nil, err
	}
	line, err := reader.ReadRecord()
	if resetErr := conn.SetReadDeadline(time.Time{}); resetErr != nil {
		return "", nil, resetErr
	}
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			c.log.Debug().Str("remote", addrID).Msg("No hello within handshake window")
			return addrID, nil, nil
		}
		return "", nil, err
	}

	ev, err := protocol.DecodeEvent(line)
	if err != nil {
		c.log.Warn().Err(err).Str("remote", addrID).Msg("Discarding malformed handshake record")
		return addrID, nil, nil
	}
	if ev.Kind == protocol.EventHello {
		return ev.Name, &ev, nil
	}
	return addrID, &ev, nil
}

// consume applies one decoded event to the session and forwards it.
func (c *Controller) consume(id string, sess *session, ev protocol.Event) {
	sess.touch()

	switch ev.Kind {
	case protocol.EventHello:
		c.log.Info().Str("agent", id).Str("remote", sess.remoteAddr()).Msg("Agent hello")
		if c.events != nil {
			c.events.AgentHello(id, sess.remoteAddr(), ev.Info)
		}
		c.notify(Notice{Time: time.Now(), Identifier: id, Kind: protocol.EventHello})
	case protocol.EventStatus:
		if ev.OK {
			c.log.Info().Str("agent", id).Str("action", string(ev.Action)).Msg("Action succeeded")
		} else {
			c.log.Warn().Str("agent", id).Str("action", string(ev.Action)).Str("reason", ev.Reason).Msg("Action failed")
		}
		if c.events != nil {
			c.events.AgentStatus(id, ev.Action, ev.OK, ev.Reason)
		}
		c.notify(Notice{Time: time.Now(), Identifier: id, Kind: protocol.EventStatus, Action: ev.Action, OK: ev.OK, Detail: ev.Reason})
	case protocol.EventHeartbeat:
		if c.events != nil {
			c.events.AgentSeen(id)
		}
	}
}

// keepalive writes pings so a dead peer surfaces as a write failure instead
// of a forever-idle socket.
func (c *Controller) keepalive(id string, sess *session, stop <-chan struct{}) {
	record, err := protocol.EncodeCommand(protocol.NewPing())
	if err != nil {
		c.log.Error().Err(err).Msg("Encoding ping failed")
		return
	}

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := sess.Send(record); err != nil {
				c.log.Warn().Err(err).Str("agent", id).Msg("Keepalive failed, terminating session")
				sess.Terminate()
				return
			}
		}
	}
}

// notify drops rather than blocks: a stuck display must never stall the
// session that produced the notice.
func (c *Controller) notify(n Notice) {
	select {
	case c.notices <- n:
	default:
	}
}
