// Package registry tracks the live agent sessions held by the controller. It
// is the single serialization point for session membership: every register,
// drop, broadcast, and snapshot goes through one lock, so no caller ever
// touches the session map directly.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lablink/internal/protocol"
)

// Session is the registry's handle on one connected agent. Implementations
// must be safe for concurrent use and Terminate must be idempotent.
type Session interface {
	// Send writes one framed record with a bounded deadline.
	Send(record []byte) error
	// Terminate closes the session's transport.
	Terminate()
	// Summary reports the session's current state for display.
	Summary() Summary
}

// Summary is a point-in-time view of one session.
type Summary struct {
	Identifier  string
	RemoteAddr  string
	ConnectedAt time.Time
	LastSeen    time.Time
	State       string
}

// Failure names an agent a broadcast could not reach and why.
type Failure struct {
	Identifier string
	Reason     string
}

// DeliveryReport is the per-agent outcome of one broadcast.
type DeliveryReport struct {
	Action    protocol.ActionKind
	Delivered []string
	Failed    []Failure
}

// Observer receives membership and delivery changes, typically to keep the
// fleet inventory current. Implementations must be safe for concurrent use.
type Observer interface {
	AgentOnline(id string)
	AgentOffline(id string)
	Delivery(id string, action protocol.ActionKind, ok bool)
}

// Registry is a goroutine-safe identifier to session map. Every session it
// holds is live; removal happens as soon as a session is evicted, dropped, or
// fails a delivery.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session

	observer Observer
	log      zerolog.Logger
}

// New builds an empty registry. The observer may be nil.
func New(log zerolog.Logger, observer Observer) *Registry {
	return &Registry{
		sessions: make(map[string]Session),
		observer: observer,
		log:      log,
	}
}

// Register inserts a session under the given identifier. An existing session
// with the same identifier is evicted: its transport is closed and the new
// session takes the slot, so one identifier never maps to two live sessions.
func (r *Registry) Register(id string, s Session) {
	r.mu.Lock()
	prev, replaced := r.sessions[id]
	r.sessions[id] = s
	r.mu.Unlock()

	if replaced && prev != s {
		prev.Terminate()
		r.log.Warn().Str("agent", id).Msg("Duplicate identifier, prior session evicted")
	}
	if r.observer != nil {
		r.observer.AgentOnline(id)
	}
	r.log.Info().Str("agent", id).Msg("Agent registered")
}

// Unregister removes the identifier and terminates its session. Absent
// identifiers are a no-op, so callers may unregister unconditionally.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	s.Terminate()
	if r.observer != nil {
		r.observer.AgentOffline(id)
	}
	r.log.Info().Str("agent", id).Msg("Agent unregistered")
}

// Drop removes the identifier only while it still maps to s, then terminates
// s. A session that was already evicted by a newer registration is terminated
// without touching the newer entry; session teardown paths use this so they
// can never unregister their replacement.
func (r *Registry) Drop(id string, s Session) {
	r.mu.Lock()
	removed := r.sessions[id] == s
	if removed {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	s.Terminate()
	if removed {
		if r.observer != nil {
			r.observer.AgentOffline(id)
		}
		r.log.Info().Str("agent", id).Msg("Agent dropped")
	}
}

// Broadcast encodes the command once and writes it to every live session.
// One agent's failure never aborts delivery to the rest: the failed session
// is dropped, its transport closed, and the failure reported per agent.
func (r *Registry) Broadcast(cmd protocol.Command) (DeliveryReport, error) {
	record, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return DeliveryReport{}, fmt.Errorf("encoding command: %w", err)
	}

	type target struct {
		id string
		s  Session
	}

	r.mu.RLock()
	targets := make([]target, 0, len(r.sessions))
	for id, s := range r.sessions {
		targets = append(targets, target{id, s})
	}
	r.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	report := DeliveryReport{Action: cmd.Action}
	for _, t := range targets {
		if err := t.s.Send(record); err != nil {
			report.Failed = append(report.Failed, Failure{Identifier: t.id, Reason: err.Error()})
			r.Drop(t.id, t.s)
			if r.observer != nil {
				r.observer.Delivery(t.id, cmd.Action, false)
			}
			r.log.Warn().Err(err).Str("agent", t.id).Str("action", string(cmd.Action)).Msg("Delivery failed, session dropped")
			continue
		}
		report.Delivered = append(report.Delivered, t.id)
		if r.observer != nil {
			r.observer.Delivery(t.id, cmd.Action, true)
		}
	}

	return report, nil
}

// Snapshot returns a point-in-time copy of every session's summary, ordered
// by identifier. The critical section only copies; summaries are built from
// each session's own state.
func (r *Registry) Snapshot() []Summary {
	r.mu.RLock()
	summaries := make([]Summary, 0, len(r.sessions))
	for _, s := range r.sessions {
		summaries = append(summaries, s.Summary())
	}
	r.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Identifier < summaries[j].Identifier })
	return summaries
}

// Count reports how many sessions are live.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
