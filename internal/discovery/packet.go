// Package discovery implements the signed UDP probe/reply exchange agents use
// to find the controller on the local network. An agent sends a probe to the
// broadcast and multicast addresses and waits for a reply carrying the
// controller's TCP port; the controller answers probes statelessly.
package discovery

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const packetVersion = 1

// Packet kinds. A probe asks "is a controller here"; a reply answers with the
// controller's TCP port.
const (
	KindProbe = "probe"
	KindReply = "reply"
)

const (
	// hmacSize is the length of the HMAC-SHA256 prefix in bytes.
	hmacSize = 32

	// maxPacketAge bounds the clock skew a packet may carry before it is
	// discarded as a replay.
	maxPacketAge = 60 * time.Second
)

var (
	ErrTruncated    = errors.New("packet too small")
	ErrBadSignature = errors.New("packet signature mismatch")
)

// Packet is one discovery datagram. On the wire it is msgpack-encoded and
// prefixed by an HMAC-SHA256 signature over the body.
type Packet struct {
	Version   uint8  `msgpack:"version"`
	Kind      string `msgpack:"kind"`
	Timestamp int64  `msgpack:"timestamp"`
	Name      string `msgpack:"name"`
	Port      int    `msgpack:"port"`
}

// NewProbe builds an agent probe.
func NewProbe(name string) Packet {
	return Packet{
		Version:   packetVersion,
		Kind:      KindProbe,
		Timestamp: time.Now().Unix(),
		Name:      name,
	}
}

// NewReply builds a controller reply advertising its TCP port.
func NewReply(name string, tcpPort int) Packet {
	return Packet{
		Version:   packetVersion,
		Kind:      KindReply,
		Timestamp: time.Now().Unix(),
		Name:      name,
		Port:      tcpPort,
	}
}

// Seal encodes the packet and prefixes the signature computed with the shared
// secret.
func (p Packet) Seal(secret string) ([]byte, error) {
	data, err := msgpack.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshaling packet: %w", err)
	}
	return append(sign(data, secret), data...), nil
}

// Open verifies and decodes a raw datagram. Callers must still check Kind and
// Stale before trusting the content.
func Open(raw []byte, secret string) (Packet, error) {
	if len(raw) <= hmacSize {
		return Packet{}, ErrTruncated
	}
	sig := raw[:hmacSize]
	data := raw[hmacSize:]
	if !verify(sig, data, secret) {
		return Packet{}, ErrBadSignature
	}

	var p Packet
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return Packet{}, fmt.Errorf("unmarshaling packet: %w", err)
	}
	if p.Version != packetVersion {
		return Packet{}, fmt.Errorf("unsupported packet version %d", p.Version)
	}
	return p, nil
}

// Stale reports whether the packet's timestamp is too far from now in either
// direction.
func (p Packet) Stale(now time.Time) bool {
	return math.Abs(float64(now.Unix()-p.Timestamp)) > maxPacketAge.Seconds()
}

func sign(data []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return mac.Sum(nil)
}

// verify performs a constant-time comparison of the expected signature
// against the provided one.
func verify(sig, data []byte, secret string) bool {
	return hmac.Equal(sig, sign(data, secret))
}
