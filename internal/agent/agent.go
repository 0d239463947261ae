// Package agent keeps one machine connected to the controller: locate it when
// no address is configured, connect, announce itself, execute the commands
// that arrive, and get back on the air when the link drops. The whole
// lifecycle is one state machine driven by a single goroutine.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lablink/internal/actions"
	"lablink/internal/protocol"
)

// State names one phase of the connection lifecycle.
type State string

const (
	StateIdle       State = "idle"       // disconnected, no address known
	StateLocating   State = "locating"   // discovery in flight
	StateConnecting State = "connecting" // dialing the controller
	StateConnected  State = "connected"  // command channel live
	StateRetrying   State = "retrying"   // disconnected, known address, backing off
)

// Locator finds the controller when no address is configured.
type Locator interface {
	Locate(ctx context.Context) (string, error)
}

// Dialer opens the command channel. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options tune the agent. Zero values take the defaults below.
type Options struct {
	Name              string            // identifier sent in the hello
	Controller        string            // manual address; empty enables discovery
	Info              map[string]string // host metadata for the hello
	HeartbeatInterval time.Duration
	RetryBackoff      time.Duration // first wait after a failure
	MaxBackoff        time.Duration // backoff ceiling
	MaxRetries        int           // consecutive failures before rediscovery
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
}

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultRetryBackoff      = time.Second
	defaultMaxBackoff        = 30 * time.Second
	defaultMaxRetries        = 5
	defaultDialTimeout       = 5 * time.Second
	defaultWriteTimeout      = 5 * time.Second
)

// Agent is the client-side state machine.
type Agent struct {
	opts    Options
	locator Locator
	dialer  Dialer
	exec    actions.Executor
	log     zerolog.Logger

	// sleep is swapped out by tests to observe backoff waits.
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	state     State
	stateHook func(State)
}

// New builds an agent. The locator may be nil when a controller address is
// configured.
func New(opts Options, locator Locator, exec actions.Executor, log zerolog.Logger) *Agent {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Agent{
		opts:    opts,
		locator: locator,
		dialer:  &net.Dialer{Timeout: opts.DialTimeout},
		exec:    exec,
		log:     log,
		sleep:   sleepCtx,
		state:   StateIdle,
	}
}

// State reports the current lifecycle phase.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	prev := a.state
	a.state = s
	hook := a.stateHook
	a.mu.Unlock()

	if prev == s {
		return
	}
	a.log.Debug().Str("from", string(prev)).Str("to", string(s)).Msg("State transition")
	if hook != nil {
		hook(s)
	}
}

// Run drives the state machine until the context is cancelled. It never
// returns for any other reason: every transport failure feeds back into
// retry or rediscovery.
func (a *Agent) Run(ctx context.Context) error {
	manual := a.opts.Controller != ""
	if !manual && a.locator == nil {
		return errors.New("no controller address configured and no locator available")
	}

	address := a.opts.Controller
	failures := 0
	backoff := a.opts.RetryBackoff

	// backoffOrRediscover spaces the next attempt, falling back to discovery
	// once a discovered address has failed too many times in a row. A manual
	// address is retried forever.
	backoffOrRediscover := func() error {
		if !manual && failures >= a.opts.MaxRetries {
			a.log.Info().Int("failures", failures).Msg("Controller unreachable, falling back to rediscovery")
			address = ""
			failures = 0
			backoff = a.opts.RetryBackoff
			a.setState(StateIdle)
			return nil
		}
		a.setState(StateRetrying)
		if err := a.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff = a.nextBackoff(backoff)
		return nil
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		target := address
		if target == "" {
			a.setState(StateLocating)
			found, err := a.locator.Locate(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.log.Warn().Err(err).Msg("Discovery failed")
				a.setState(StateIdle)
				if err := a.sleep(ctx, backoff); err != nil {
					return err
				}
				backoff = a.nextBackoff(backoff)
				continue
			}
			target = found
		}

		a.setState(StateConnecting)
		conn, err := a.dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			address = target
			a.log.Warn().Err(err).Str("controller", target).Int("failures", failures).Msg("Connect failed")
			if err := backoffOrRediscover(); err != nil {
				return err
			}
			continue
		}

		address = target
		failures = 0
		backoff = a.opts.RetryBackoff
		a.setState(StateConnected)
		a.log.Info().Str("controller", target).Msg("Connected")

		err = a.session(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		failures++
		a.log.Warn().Err(err).Str("controller", target).Msg("Connection lost")
		if err := backoffOrRediscover(); err != nil {
			return err
		}
	}
}

// session runs the command channel on an established connection: hello,
// heartbeats, then the framed read loop. It returns the transport error that
// ended the session.
func (a *Agent) session(ctx context.Context, conn net.Conn) error {
	// Close the socket on shutdown so the read loop can't outlive the run.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	hello, err := protocol.EncodeEvent(protocol.NewHello(a.opts.Name, a.opts.Info))
	if err != nil {
		return fmt.Errorf("encoding hello: %w", err)
	}
	if err := a.write(conn, hello); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}

	go a.heartbeats(conn, stop)

	reader := protocol.NewLineReader(conn)
	for {
		line, err := reader.ReadRecord()
		if err != nil {
			return err
		}
		if len(line) == 0 {
			continue
		}

		cmd, err := protocol.DecodeCommand(line)
		if err != nil {
			// Malformed input costs the record, never the connection.
			a.log.Warn().Err(err).Msg("Discarding malformed command")
			continue
		}

		// Keepalives are answered by staying connected, nothing more.
		if cmd.Action == protocol.ActionPing {
			continue
		}

		a.log.Info().Str("action", string(cmd.Action)).Msg("Executing command")
		outcome := a.exec.Execute(cmd.Action, cmd.Payload)

		status, err := protocol.EncodeEvent(protocol.NewStatus(cmd.Action, outcome.OK, outcome.Reason))
		if err != nil {
			a.log.Error().Err(err).Str("action", string(cmd.Action)).Msg("Encoding status failed")
			continue
		}
		if err := a.write(conn, status); err != nil {
			return fmt.Errorf("sending status: %w", err)
		}
	}
}

// heartbeats writes liveness events until the session stops. A failed write
// closes the conn so the read loop notices.
func (a *Agent) heartbeats(conn net.Conn, stop <-chan struct{}) {
	record, err := protocol.EncodeEvent(protocol.NewHeartbeat())
	if err != nil {
		a.log.Error().Err(err).Msg("Encoding heartbeat failed")
		return
	}

	ticker := time.NewTicker(a.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := a.write(conn, record); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (a *Agent) write(conn net.Conn, record []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(a.opts.WriteTimeout)); err != nil {
		return err
	}
	_, err := conn.Write(record)
	return err
}

func (a *Agent) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > a.opts.MaxBackoff {
		next = a.opts.MaxBackoff
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
