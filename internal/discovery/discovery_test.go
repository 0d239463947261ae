package discovery

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// startResponder runs a responder on an ephemeral loopback port and returns
// the UDP port it answers on.
func startResponder(t *testing.T, secret string, tcpPort int) int {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	r := &Responder{
		TCPPort: tcpPort,
		Name:    "test-controller",
		Secret:  secret,
		Log:     zerolog.Nop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.serve(ctx, conn) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})

	return conn.LocalAddr().(*net.UDPAddr).Port
}

// probeConn opens a loopback UDP socket for hand-rolled probing.
func probeConn(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestResponder_AnswersValidProbe(t *testing.T) {
	secret := "test-shared-secret"
	port := startResponder(t, secret, 9999)

	conn := probeConn(t)
	probe, err := NewProbe("lab-01").Seal(secret)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	if _, err := conn.WriteToUDP(probe, dst); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, maxPacketSize)
	n, src, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("no reply: %v", err)
	}
	if !src.IP.IsLoopback() {
		t.Errorf("reply source: got %s, want loopback", src.IP)
	}

	pkt, err := Open(buf[:n], secret)
	if err != nil {
		t.Fatalf("open reply failed: %v", err)
	}
	if pkt.Kind != KindReply {
		t.Errorf("Kind: got %s, want %s", pkt.Kind, KindReply)
	}
	if pkt.Port != 9999 {
		t.Errorf("Port: got %d, want 9999", pkt.Port)
	}
	if pkt.Name != "test-controller" {
		t.Errorf("Name: got %s, want test-controller", pkt.Name)
	}
}

func TestResponder_IgnoresInvalidProbes(t *testing.T) {
	secret := "test-shared-secret"
	port := startResponder(t, secret, 9999)

	conn := probeConn(t)
	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}

	// Wrong secret.
	badSig, err := NewProbe("intruder").Seal("other-secret")
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	// Stale but properly signed.
	stale := NewProbe("lab-01")
	stale.Timestamp = time.Now().Add(-2 * time.Minute).Unix()
	staleRaw, err := stale.Seal(secret)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	// Valid signature but not a probe.
	reply, err := NewReply("copycat", 1234).Seal(secret)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	for _, raw := range [][]byte{badSig, staleRaw, reply, []byte("junk")} {
		if _, err := conn.WriteToUDP(raw, dst); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, maxPacketSize)
	if n, _, err := conn.ReadFromUDP(buf); err == nil {
		t.Fatalf("unexpected reply to invalid probe: %d bytes", n)
	}
}

func TestLocator_FindsController(t *testing.T) {
	secret := "test-shared-secret"
	port := startResponder(t, secret, 9901)

	l := &Locator{
		Port:    port,
		Server:  "127.0.0.1",
		Timeout: 2 * time.Second,
		Secret:  secret,
		Name:    "lab-01",
		Log:     zerolog.Nop(),
	}

	addr, err := l.Locate(context.Background())
	if err != nil {
		t.Fatalf("locate failed: %v", err)
	}

	want := net.JoinHostPort("127.0.0.1", strconv.Itoa(9901))
	if addr != want {
		t.Errorf("address: got %s, want %s", addr, want)
	}
}

func TestLocator_TimesOut(t *testing.T) {
	// A loopback socket that never answers.
	silent := probeConn(t)
	port := silent.LocalAddr().(*net.UDPAddr).Port

	l := &Locator{
		Port:    port,
		Server:  "127.0.0.1",
		Timeout: 200 * time.Millisecond,
		Secret:  "test-shared-secret",
		Name:    "lab-01",
		Log:     zerolog.Nop(),
	}

	start := time.Now()
	_, err := l.Locate(context.Background())
	elapsed := time.Since(start)

	if !errors.Is(err, ErrNoController) {
		t.Fatalf("got %v, want ErrNoController", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("locate blocked for %v, want bounded wait", elapsed)
	}
}

func TestLocator_IgnoresWrongSecretReply(t *testing.T) {
	// Responder signing with a different secret: the locator must keep
	// waiting and time out rather than trust the reply.
	port := startResponder(t, "other-secret", 9901)

	l := &Locator{
		Port:    port,
		Server:  "127.0.0.1",
		Timeout: 300 * time.Millisecond,
		Secret:  "test-shared-secret",
		Name:    "lab-01",
		Log:     zerolog.Nop(),
	}

	if _, err := l.Locate(context.Background()); !errors.Is(err, ErrNoController) {
		t.Fatalf("got %v, want ErrNoController", err)
	}
}

func TestLocator_Cancelled(t *testing.T) {
	silent := probeConn(t)
	port := silent.LocalAddr().(*net.UDPAddr).Port

	l := &Locator{
		Port:    port,
		Server:  "127.0.0.1",
		Timeout: 5 * time.Second,
		Secret:  "test-shared-secret",
		Name:    "lab-01",
		Log:     zerolog.Nop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := l.Locate(ctx)
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("locate ignored cancellation for %v", elapsed)
	}
}
