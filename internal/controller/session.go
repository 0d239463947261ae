package controller

import (
	"net"
	"sync"
	"time"

	"lablink/internal/registry"
)

// Session lifecycle as seen from the controller.
const (
	stateConnecting   = "connecting"
	stateConnected    = "connected"
	stateDisconnected = "disconnected"
	stateTerminated   = "terminated"
)

// session is the controller-side handle on one agent connection. The read
// loop owns the conn; everything shared is behind the mutex.
type session struct {
	conn         net.Conn
	writeTimeout time.Duration

	mu          sync.Mutex
	id          string
	state       string
	connectedAt time.Time
	lastSeen    time.Time
}

func newSession(conn net.Conn, writeTimeout time.Duration) *session {
	now := time.Now()
	return &session{
		conn:         conn,
		writeTimeout: writeTimeout,
		state:        stateConnecting,
		connectedAt:  now,
		lastSeen:     now,
	}
}

// Send writes one framed record under the write deadline. Failure means the
// peer is gone or wedged; the caller decides eviction.
func (s *session) Send(record []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	_, err := s.conn.Write(record)
	return err
}

// Terminate closes the transport. Safe to call from any goroutine, any
// number of times.
func (s *session) Terminate() {
	s.mu.Lock()
	s.state = stateTerminated
	s.mu.Unlock()
	s.conn.Close()
}

func (s *session) Summary() registry.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return registry.Summary{
		Identifier:  s.id,
		RemoteAddr:  s.conn.RemoteAddr().String(),
		ConnectedAt: s.connectedAt,
		LastSeen:    s.lastSeen,
		State:       s.state,
	}
}

func (s *session) markConnected(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	s.state = stateConnected
}

func (s *session) markDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateConnected {
		s.state = stateDisconnected
	}
}

func (s *session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
}

func (s *session) remoteAddr() string {
	return s.conn.RemoteAddr().String()
}
