package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lablink/internal/protocol"
)

// fakeSession records what the registry does to it.
type fakeSession struct {
	mu         sync.Mutex
	id         string
	records    [][]byte
	sendErr    error
	terminated bool
}

func (f *fakeSession) Send(record []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.records = append(f.records, append([]byte(nil), record...))
	return nil
}

func (f *fakeSession) Terminate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = true
}

func (f *fakeSession) Summary() Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Summary{Identifier: f.id, State: "connected", LastSeen: time.Now()}
}

func (f *fakeSession) isTerminated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated
}

func (f *fakeSession) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.records))
	copy(out, f.records)
	return out
}

// countingObserver tallies registry callbacks.
type countingObserver struct {
	mu        sync.Mutex
	online    map[string]int
	offline   map[string]int
	delivered int
	failed    int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{online: make(map[string]int), offline: make(map[string]int)}
}

func (o *countingObserver) AgentOnline(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.online[id]++
}

func (o *countingObserver) AgentOffline(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.offline[id]++
}

func (o *countingObserver) Delivery(id string, action protocol.ActionKind, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ok {
		o.delivered++
	} else {
		o.failed++
	}
}

func TestRegister_DuplicateEvictsPrior(t *testing.T) {
	r := New(zerolog.Nop(), nil)

	first := &fakeSession{id: "lab-01"}
	second := &fakeSession{id: "lab-01"}

	r.Register("lab-01", first)
	r.Register("lab-01", second)

	if r.Count() != 1 {
		t.Fatalf("Count: got %d, want 1", r.Count())
	}
	if !first.isTerminated() {
		t.Error("prior session not terminated on duplicate registration")
	}
	if second.isTerminated() {
		t.Error("replacement session terminated")
	}

	// The surviving entry must be the new session.
	cmd, err := protocol.NewMessage("still here")
	if err != nil {
		t.Fatalf("build command: %v", err)
	}
	if _, err := r.Broadcast(cmd); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	if len(second.received()) != 1 {
		t.Errorf("replacement received %d records, want 1", len(second.received()))
	}
	if len(first.received()) != 0 {
		t.Errorf("evicted session received %d records, want 0", len(first.received()))
	}
}

func TestUnregister_Idempotent(t *testing.T) {
	r := New(zerolog.Nop(), nil)

	// Absent identifier is a no-op.
	r.Unregister("ghost")

	s := &fakeSession{id: "lab-01"}
	r.Register("lab-01", s)
	r.Unregister("lab-01")
	r.Unregister("lab-01")

	if r.Count() != 0 {
		t.Errorf("Count: got %d, want 0", r.Count())
	}
	if !s.isTerminated() {
		t.Error("session not terminated on unregister")
	}
}

func TestDrop_OnlyMatchingSession(t *testing.T) {
	r := New(zerolog.Nop(), nil)

	stale := &fakeSession{id: "lab-01"}
	fresh := &fakeSession{id: "lab-01"}
	r.Register("lab-01", stale)
	r.Register("lab-01", fresh)

	// The evicted session's teardown must not unregister its replacement.
	r.Drop("lab-01", stale)

	if r.Count() != 1 {
		t.Fatalf("Count: got %d, want 1", r.Count())
	}
	if fresh.isTerminated() {
		t.Error("replacement terminated by stale drop")
	}
}

func TestBroadcast_FaultIsolation(t *testing.T) {
	obs := newCountingObserver()
	r := New(zerolog.Nop(), obs)

	healthy := &fakeSession{id: "lab-01"}
	broken := &fakeSession{id: "lab-02", sendErr: errors.New("connection reset")}
	r.Register("lab-01", healthy)
	r.Register("lab-02", broken)

	cmd, err := protocol.NewMessage("test")
	if err != nil {
		t.Fatalf("build command: %v", err)
	}
	report, err := r.Broadcast(cmd)
	if err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}

	if len(report.Delivered) != 1 || report.Delivered[0] != "lab-01" {
		t.Errorf("Delivered: got %v, want [lab-01]", report.Delivered)
	}
	if len(report.Failed) != 1 {
		t.Fatalf("Failed: got %v, want one entry", report.Failed)
	}
	if report.Failed[0].Identifier != "lab-02" {
		t.Errorf("failed identifier: got %s, want lab-02", report.Failed[0].Identifier)
	}
	if report.Failed[0].Reason == "" {
		t.Error("failure reason is empty")
	}

	// The broken session is gone, its transport closed; the healthy one stays.
	if r.Count() != 1 {
		t.Errorf("Count: got %d, want 1", r.Count())
	}
	if !broken.isTerminated() {
		t.Error("broken session not terminated")
	}
	if healthy.isTerminated() {
		t.Error("healthy session terminated")
	}

	got := healthy.received()
	if len(got) != 1 {
		t.Fatalf("healthy session received %d records, want 1", len(got))
	}
	decoded, err := protocol.DecodeCommand(got[0][:len(got[0])-1])
	if err != nil {
		t.Fatalf("decode delivered record: %v", err)
	}
	if decoded.Action != protocol.ActionMessage || decoded.Payload["content"] != "test" {
		t.Errorf("delivered command: got %+v", decoded)
	}

	if obs.delivered != 1 || obs.failed != 1 {
		t.Errorf("observer deliveries: got %d ok / %d failed, want 1/1", obs.delivered, obs.failed)
	}
	if obs.offline["lab-02"] != 1 {
		t.Errorf("offline callbacks for lab-02: got %d, want 1", obs.offline["lab-02"])
	}
}

func TestBroadcast_InvalidCommand(t *testing.T) {
	r := New(zerolog.Nop(), nil)
	r.Register("lab-01", &fakeSession{id: "lab-01"})

	_, err := r.Broadcast(protocol.Command{Action: "not_a_thing"})
	if !errors.Is(err, protocol.ErrUnknownAction) {
		t.Errorf("got %v, want ErrUnknownAction", err)
	}
}

func TestSnapshot_OrderedCopy(t *testing.T) {
	r := New(zerolog.Nop(), nil)
	for _, id := range []string{"lab-03", "lab-01", "lab-02"} {
		r.Register(id, &fakeSession{id: id})
	}

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot size: got %d, want 3", len(snap))
	}
	for i, want := range []string{"lab-01", "lab-02", "lab-03"} {
		if snap[i].Identifier != want {
			t.Errorf("snapshot[%d]: got %s, want %s", i, snap[i].Identifier, want)
		}
	}

	// Mutating the registry afterwards must not affect the snapshot.
	r.Unregister("lab-02")
	if len(snap) != 3 {
		t.Error("snapshot changed after unregister")
	}
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	r := New(zerolog.Nop(), newCountingObserver())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("lab-%02d", n)
			for j := 0; j < 50; j++ {
				s := &fakeSession{id: id}
				r.Register(id, s)
				if _, err := r.Broadcast(protocol.NewPing()); err != nil {
					t.Errorf("broadcast: %v", err)
					return
				}
				r.Snapshot()
				r.Drop(id, s)
			}
		}(i)
	}
	wg.Wait()

	if r.Count() != 0 {
		t.Errorf("Count after teardown: got %d, want 0", r.Count())
	}
}
