package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
)

// maxPacketSize bounds a discovery datagram.
const maxPacketSize = 4096

// ErrNoController is returned when no verified reply arrives within the
// discovery timeout.
var ErrNoController = errors.New("no controller answered")

// Locator probes the local network for a controller.
type Locator struct {
	Port         int           // UDP port probes are sent to
	Server       string        // optional known controller host for a unicast probe
	NetworkRange string        // optional CIDR for a directed broadcast probe
	Multicast    string        // multicast group, empty disables
	Timeout      time.Duration // how long to wait for a reply
	Secret       string
	Name         string // agent name carried in the probe
	Log          zerolog.Logger
}

// Locate sends one signed probe to every target address and waits for the
// first verified reply. It returns the controller's TCP address as host:port,
// ErrNoController on timeout, or the context error on cancellation. It never
// waits longer than the configured timeout.
func (l *Locator) Locate(ctx context.Context) (string, error) {
	targets := l.targets()
	if len(targets) == 0 {
		return "", errors.New("no probe targets")
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return "", fmt.Errorf("opening probe socket: %w", err)
	}
	defer conn.Close()

	// Unblock the read when the caller gives up.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if l.Multicast != "" {
		pc := ipv4.NewPacketConn(conn)
		if err := pc.SetMulticastTTL(1); err != nil {
			l.Log.Warn().Err(err).Msg("Failed to set multicast TTL")
		}
	}

	probe, err := NewProbe(l.Name).Seal(l.Secret)
	if err != nil {
		return "", fmt.Errorf("sealing probe: %w", err)
	}
	for _, addr := range targets {
		if _, err := conn.WriteToUDP(probe, addr); err != nil {
			l.Log.Debug().Err(err).Str("target", addr.String()).Msg("Probe send failed")
			continue
		}
		l.Log.Debug().Str("target", addr.String()).Msg("Probe sent")
	}

	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", fmt.Errorf("setting read deadline: %w", err)
	}

	buf := make([]byte, maxPacketSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return "", ErrNoController
			}
			return "", fmt.Errorf("reading reply: %w", err)
		}

		pkt, err := Open(buf[:n], l.Secret)
		if err != nil {
			l.Log.Debug().Err(err).Str("src", src.String()).Msg("Discarding datagram")
			continue
		}
		if pkt.Kind != KindReply {
			continue
		}
		if pkt.Stale(time.Now()) {
			l.Log.Warn().Str("src", src.String()).Msg("Stale timestamp in reply")
			continue
		}

		addr := net.JoinHostPort(src.IP.String(), strconv.Itoa(pkt.Port))
		l.Log.Info().Str("controller", addr).Str("name", pkt.Name).Msg("Controller located")
		return addr, nil
	}
}

// targets resolves every address a probe should reach: the limited broadcast,
// the directed broadcast of the configured range, the multicast group, and
// the optional known server.
func (l *Locator) targets() []*net.UDPAddr {
	var targets []*net.UDPAddr

	targets = append(targets, &net.UDPAddr{IP: net.IPv4bcast, Port: l.Port})

	if l.NetworkRange != "" {
		_, ipNet, err := net.ParseCIDR(l.NetworkRange)
		if err != nil {
			l.Log.Warn().Err(err).Str("network_range", l.NetworkRange).Msg("Invalid network range")
		} else if bcast := directedBroadcastIP(ipNet); bcast != nil {
			targets = append(targets, &net.UDPAddr{IP: bcast, Port: l.Port})
		}
	}

	if l.Multicast != "" {
		group := net.ParseIP(l.Multicast)
		if group == nil {
			l.Log.Warn().Str("multicast_group", l.Multicast).Msg("Invalid multicast group")
		} else {
			targets = append(targets, &net.UDPAddr{IP: group, Port: l.Port})
		}
	}

	if l.Server != "" {
		addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(l.Server, strconv.Itoa(l.Port)))
		if err != nil {
			l.Log.Warn().Err(err).Str("server", l.Server).Msg("Failed to resolve server address")
		} else {
			targets = append(targets, addr)
		}
	}

	return targets
}

// directedBroadcastIP computes the all-hosts address of an IPv4 network.
func directedBroadcastIP(n *net.IPNet) net.IP {
	ip := n.IP.To4()
	if ip == nil {
		return nil
	}
	bcast := make(net.IP, len(ip))
	for i := range ip {
		bcast[i] = ip[i] | ^n.Mask[i]
	}
	return bcast
}
