// Package inventory provides a BoltDB-backed record of every agent the
// controller has ever seen, surviving restarts of both sides.
package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"lablink/internal/protocol"
)

var agentsBucket = []byte("agents")

// Record represents one agent in the database.
type Record struct {
	Identifier string            `json:"identifier"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Info       map[string]string `json:"info,omitempty"`
	FirstSeen  time.Time         `json:"first_seen"`
	LastSeen   time.Time         `json:"last_seen"`
	HelloCount uint64            `json:"hello_count"`
	Delivered  uint64            `json:"delivered"`
	Failed     uint64            `json:"failed"`
	Online     bool              `json:"online"`
	Deployed   bool              `json:"deployed"`
	DeployedAt *time.Time        `json:"deployed_at,omitempty"`
}

// Inventory wraps a bbolt database of agent records. It doubles as the
// listener's event sink and the registry's delivery observer, so records
// stay current without any caller plumbing.
type Inventory struct {
	db  *bolt.DB
	mu  sync.RWMutex
	log zerolog.Logger
}

// New opens or creates a BoltDB file at the given path.
func New(path string, log zerolog.Logger) (*Inventory, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(agentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating agents bucket: %w", err)
	}

	return &Inventory{db: db, log: log}, nil
}

// Close closes the underlying BoltDB.
func (inv *Inventory) Close() error {
	return inv.db.Close()
}

// AgentHello records a completed handshake, keyed by the agent's identifier.
func (inv *Inventory) AgentHello(id, remoteAddr string, info map[string]string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	err := inv.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(agentsBucket)
		key := []byte(id)

		now := time.Now()
		var record Record

		existing := b.Get(key)
		if existing != nil {
			if err := json.Unmarshal(existing, &record); err != nil {
				inv.log.Warn().Err(err).Str("agent", id).Msg("Failed to unmarshal existing record, overwriting")
				record = Record{Identifier: id, FirstSeen: now}
			}
			record.RemoteAddr = remoteAddr
			record.Info = info
			record.LastSeen = now
			record.HelloCount++
			record.Online = true

			inv.log.Debug().
				Str("agent", id).
				Str("addr", remoteAddr).
				Msg("Agent record updated")
		} else {
			record = Record{
				Identifier: id,
				RemoteAddr: remoteAddr,
				Info:       info,
				FirstSeen:  now,
				LastSeen:   now,
				HelloCount: 1,
				Online:     true,
			}

			inv.log.Info().
				Str("agent", id).
				Str("addr", remoteAddr).
				Str("os", info["os"]).
				Msg("New agent recorded")
		}

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshaling agent record: %w", err)
		}

		return b.Put(key, data)
	})
	if err != nil {
		inv.log.Error().Err(err).Str("agent", id).Msg("Database error recording hello")
	}
}

// AgentStatus refreshes the record's last-seen time when an action result
// arrives. The outcome itself is surfaced through the listener's notices.
func (inv *Inventory) AgentStatus(id string, action protocol.ActionKind, ok bool, reason string) {
	inv.touch(id, func(r *Record) { r.LastSeen = time.Now() })
}

// AgentSeen refreshes the record's last-seen time on a heartbeat.
func (inv *Inventory) AgentSeen(id string) {
	inv.touch(id, func(r *Record) { r.LastSeen = time.Now() })
}

// AgentOnline marks the record online the moment a session registers.
func (inv *Inventory) AgentOnline(id string) {
	inv.touch(id, func(r *Record) {
		r.LastSeen = time.Now()
		r.Online = true
	})
}

// AgentOffline marks the record offline when its session goes away.
func (inv *Inventory) AgentOffline(id string) {
	inv.touch(id, func(r *Record) { r.Online = false })
}

// Delivery counts one command handed to the agent's socket.
func (inv *Inventory) Delivery(id string, action protocol.ActionKind, ok bool) {
	inv.touch(id, func(r *Record) {
		if ok {
			r.Delivered++
		} else {
			r.Failed++
		}
	})
}

// touch applies fn to the record for id, creating a bare record first if
// none exists. Sessions identified by address only still get a row this way.
func (inv *Inventory) touch(id string, fn func(*Record)) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	err := inv.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(agentsBucket)
		key := []byte(id)

		now := time.Now()
		record := Record{Identifier: id, FirstSeen: now, LastSeen: now}

		if existing := b.Get(key); existing != nil {
			if err := json.Unmarshal(existing, &record); err != nil {
				inv.log.Warn().Err(err).Str("agent", id).Msg("Failed to unmarshal existing record, overwriting")
				record = Record{Identifier: id, FirstSeen: now, LastSeen: now}
			}
		}

		fn(&record)

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshaling agent record: %w", err)
		}

		return b.Put(key, data)
	})
	if err != nil {
		inv.log.Error().Err(err).Str("agent", id).Msg("Database error updating record")
	}
}

// MarkDeployed marks an agent as provisioned by the deploy workflow.
func (inv *Inventory) MarkDeployed(id string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	return inv.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(agentsBucket)
		key := []byte(id)

		existing := b.Get(key)
		if existing == nil {
			return fmt.Errorf("agent %s not found", id)
		}

		var record Record
		if err := json.Unmarshal(existing, &record); err != nil {
			return fmt.Errorf("unmarshaling record: %w", err)
		}

		now := time.Now()
		record.Deployed = true
		record.DeployedAt = &now

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}

		inv.log.Info().
			Str("agent", id).
			Msg("Agent marked deployed")

		return b.Put(key, data)
	})
}

// All returns every record, ordered by identifier.
func (inv *Inventory) All() ([]Record, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	var records []Record
	err := inv.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(agentsBucket)
		return b.ForEach(func(k, v []byte) error {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				inv.log.Warn().Err(err).Str("key", string(k)).Msg("Skipping corrupt record")
				return nil
			}
			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Identifier < records[j].Identifier })
	return records, nil
}

// Active returns only the records currently marked online.
func (inv *Inventory) Active() ([]Record, error) {
	all, err := inv.All()
	if err != nil {
		return nil, err
	}

	var active []Record
	for _, r := range all {
		if r.Online {
			active = append(active, r)
		}
	}
	return active, nil
}

// RunExpiry marks agents offline once their LastSeen exceeds the threshold.
// It checks at the given interval and blocks until the context is cancelled.
func (inv *Inventory) RunExpiry(ctx context.Context, checkInterval, threshold time.Duration) error {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			inv.expireStaleAgents(threshold)
		}
	}
}

func (inv *Inventory) expireStaleAgents(threshold time.Duration) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	cutoff := time.Now().Add(-threshold)

	err := inv.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(agentsBucket)
		return b.ForEach(func(k, v []byte) error {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return nil
			}

			if record.Online && record.LastSeen.Before(cutoff) {
				record.Online = false

				inv.log.Info().
					Str("agent", record.Identifier).
					Time("last_seen", record.LastSeen).
					Msg("Agent marked offline by expiry")

				data, err := json.Marshal(record)
				if err != nil {
					return nil
				}
				return b.Put(k, data)
			}
			return nil
		})
	})
	if err != nil {
		inv.log.Error().Err(err).Msg("Database error during expiry check")
	}
}
