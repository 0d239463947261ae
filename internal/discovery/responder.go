package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
)

// maxProbesPerMin caps how many datagrams a single source may send before
// being ignored for the rest of the minute.
const maxProbesPerMin = 30

// rateTracker tracks per-source-IP packet counts for rate limiting.
type rateTracker struct {
	counts    map[string]int
	resetTime time.Time
}

func (t *rateTracker) allow(ip string, now time.Time) bool {
	if now.After(t.resetTime) {
		t.counts = make(map[string]int)
		t.resetTime = now.Add(time.Minute)
	}
	t.counts[ip]++
	return t.counts[ip] <= maxProbesPerMin
}

// Responder answers discovery probes with a signed reply advertising the
// controller's TCP port. It keeps no agent state: discovery never registers a
// connection.
type Responder struct {
	Port      int    // UDP port to listen on
	TCPPort   int    // advertised controller port
	Name      string // controller name included in replies
	Multicast string // group to join, empty disables
	Secret    string
	Log       zerolog.Logger
}

// Run listens for probes until the context is cancelled.
func (r *Responder) Run(ctx context.Context) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: r.Port})
	if err != nil {
		return fmt.Errorf("listening on UDP port %d: %w", r.Port, err)
	}
	return r.serve(ctx, conn)
}

func (r *Responder) serve(ctx context.Context, conn *net.UDPConn) error {
	defer conn.Close()

	if r.Multicast != "" {
		group := net.ParseIP(r.Multicast)
		if group == nil {
			return fmt.Errorf("invalid multicast group: %s", r.Multicast)
		}
		pc := ipv4.NewPacketConn(conn)
		if err := pc.JoinGroup(nil, &net.UDPAddr{IP: group}); err != nil {
			r.Log.Warn().Err(err).Str("group", r.Multicast).Msg("Failed to join multicast group")
		}
	}

	if err := conn.SetReadBuffer(maxPacketSize * 10); err != nil {
		r.Log.Warn().Err(err).Msg("Failed to set read buffer")
	}

	r.Log.Info().
		Str("listen", conn.LocalAddr().String()).
		Int("tcp_port", r.TCPPort).
		Msg("Discovery responder started")

	// Unblock the read on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	tracker := &rateTracker{
		counts:    make(map[string]int),
		resetTime: time.Now().Add(time.Minute),
	}

	buf := make([]byte, maxPacketSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			r.Log.Error().Err(err).Msg("Error reading from UDP")
			continue
		}

		if !tracker.allow(src.IP.String(), time.Now()) {
			r.Log.Warn().Str("src_ip", src.IP.String()).Msg("Rate limit exceeded, dropping packet")
			continue
		}

		r.answer(conn, buf[:n], src)
	}
}

func (r *Responder) answer(conn *net.UDPConn, raw []byte, src *net.UDPAddr) {
	pkt, err := Open(raw, r.Secret)
	if err != nil {
		r.Log.Warn().Err(err).Str("src", src.String()).Msg("Discarding datagram")
		return
	}
	if pkt.Kind != KindProbe {
		return
	}
	if pkt.Stale(time.Now()) {
		r.Log.Warn().Str("src", src.String()).Msg("Stale timestamp in probe")
		return
	}

	reply, err := NewReply(r.Name, r.TCPPort).Seal(r.Secret)
	if err != nil {
		r.Log.Error().Err(err).Msg("Sealing reply failed")
		return
	}
	if _, err := conn.WriteToUDP(reply, src); err != nil {
		r.Log.Error().Err(err).Str("dst", src.String()).Msg("Failed to send reply")
		return
	}

	r.Log.Debug().Str("agent", pkt.Name).Str("src", src.String()).Msg("Probe answered")
}
