// Package wavepacket implements the Wave connection layer (component
// C4): the 6-byte-header framing prelude that rides the first bytes of
// every peer bi-stream, and the Connect/Accept logic that turns a
// SOCKS5 "subdomain.node-id:port" target into that prelude and back.
//
// Connect splits the domain on its dots, takes the last segment as the
// node-id and joins the rest as the subdomain; Accept reconstructs the
// same triple from a decoded WavePacket plus the node-id the bi-stream
// was already addressed to.
package wavepacket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Hao2203/wavetun/internal/identity"
	"github.com/Hao2203/wavetun/internal/subdomain"
)

// MaxSubdomainLen is the largest subdomain the wire format can carry.
const MaxSubdomainLen = 253

// headerLen is the fixed size of the WavePacket header: port (u16) + subdomain_len (u32).
const headerLen = 6

// ErrSubdomainOverflow is returned when a subdomain_len field exceeds MaxSubdomainLen.
var ErrSubdomainOverflow = errors.New("wavepacket: subdomain length exceeds maximum of 253")

// ErrInvalidUTF8 is returned when the subdomain bytes are not valid UTF-8.
var ErrInvalidUTF8 = errors.New("wavepacket: subdomain is not valid UTF-8")

// ErrIncomplete indicates the buffer does not yet hold a full WavePacket;
// the caller should read more bytes and retry.
var ErrIncomplete = errors.New("wavepacket: incomplete buffer")

// Packet is the decoded form of a WavePacket prelude: a port and a
// subdomain label, both carried ahead of the application bytes on a peer
// bi-stream.
type Packet struct {
	Port      uint16
	Subdomain subdomain.Subdomain
}

// New constructs a Packet from a port and an already-validated subdomain.
func New(port uint16, sub subdomain.Subdomain) Packet {
	return Packet{Port: port, Subdomain: sub}
}

// Encode serializes the packet to its wire form: port:u16 BE,
// subdomain_len:u32 BE, subdomain bytes.
func (p Packet) Encode() []byte {
	name := p.Subdomain.String()
	buf := make([]byte, headerLen+len(name))
	binary.BigEndian.PutUint16(buf[0:2], p.Port)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(name)))
	copy(buf[headerLen:], name)
	return buf
}

// Decode attempts to parse a Packet from the front of buf. It returns
// ErrIncomplete if buf does not yet hold 6+subdomain_len bytes (the
// caller should read more and retry), ErrSubdomainOverflow if
// subdomain_len exceeds MaxSubdomainLen, or ErrInvalidUTF8 if the
// subdomain bytes are malformed. On success it returns the packet and
// the number of bytes consumed from buf.
func Decode(buf []byte) (Packet, int, error) {
	if len(buf) < headerLen {
		return Packet{}, 0, ErrIncomplete
	}

	port := binary.BigEndian.Uint16(buf[0:2])
	subLen := binary.BigEndian.Uint32(buf[2:6])

	if subLen > MaxSubdomainLen {
		return Packet{}, 0, ErrSubdomainOverflow
	}

	total := headerLen + int(subLen)
	if len(buf) < total {
		return Packet{}, 0, ErrIncomplete
	}

	sub, err := subdomain.New(string(buf[headerLen:total]))
	if err != nil {
		return Packet{}, 0, fmt.Errorf("%w: %v", ErrInvalidUTF8, err)
	}

	return Packet{Port: port, Subdomain: sub}, total, nil
}

// ReadPacket reads one WavePacket prelude off r: the fixed header first,
// then exactly subdomain_len more bytes, using a two-stage io.ReadFull
// rather than Decode's incremental-buffer contract, since r here is a
// blocking stream the server dispatcher owns exclusively.
func ReadPacket(r io.Reader) (Packet, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Packet{}, err
	}

	port := binary.BigEndian.Uint16(header[0:2])
	subLen := binary.BigEndian.Uint32(header[2:6])
	if subLen > MaxSubdomainLen {
		return Packet{}, ErrSubdomainOverflow
	}

	nameBuf := make([]byte, subLen)
	if subLen > 0 {
		if _, err := io.ReadFull(r, nameBuf); err != nil {
			return Packet{}, err
		}
	}

	sub, err := subdomain.New(string(nameBuf))
	if err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrInvalidUTF8, err)
	}

	return Packet{Port: port, Subdomain: sub}, nil
}

// Failure codes for EncodeFailure, a small error-code taxonomy for a
// router-miss response on an otherwise wire-incompatible protocol.
const (
	ErrCodeNoRoute            uint16 = 1
	ErrCodeConnectionRefused  uint16 = 2
	ErrCodeConnectionTimeout  uint16 = 3
	ErrCodeHostUnreachable    uint16 = 5
	ErrCodeNetworkUnreachable uint16 = 6
)

// maxFailureMessageLen bounds the message field to one length byte.
const maxFailureMessageLen = 255

// EncodeFailure serializes a short failure payload the server writes
// before closing a bi-stream it cannot route: a 2-byte error
// code, a 1-byte message length, then the message bytes. Carries no
// request ID, since a Wave bi-stream carries exactly one target and
// needs no request correlation.
func EncodeFailure(code uint16, message string) []byte {
	msg := []byte(message)
	if len(msg) > maxFailureMessageLen {
		msg = msg[:maxFailureMessageLen]
	}
	buf := make([]byte, 2+1+len(msg))
	binary.BigEndian.PutUint16(buf[0:2], code)
	buf[2] = byte(len(msg))
	copy(buf[3:], msg)
	return buf
}

// DecodeFailure parses a payload produced by EncodeFailure.
func DecodeFailure(buf []byte) (code uint16, message string, err error) {
	if len(buf) < 3 {
		return 0, "", fmt.Errorf("wavepacket: failure payload too short")
	}
	code = binary.BigEndian.Uint16(buf[0:2])
	msgLen := int(buf[2])
	if 3+msgLen > len(buf) {
		return 0, "", fmt.Errorf("wavepacket: failure message truncated")
	}
	return code, string(buf[3 : 3+msgLen]), nil
}

// Connection is the client-side descriptor of a tunneled target: the
// remote node-id, the subdomain to route on, and the destination port.
// It lives for the life of the bi-stream it was created for.
type Connection struct {
	NodeID    identity.NodeId
	Subdomain subdomain.Subdomain
	Port      uint16
}

// ErrInvalidTarget is returned when a SOCKS5 target domain cannot be
// split into a node-id and subdomain.
var ErrInvalidTarget = errors.New("wavepacket: invalid target domain")

// Connect parses a SOCKS5 target domain of the form
// "subdomain.<nodeid-base32>" (port supplied separately by the SOCKS5
// request) into a Connection descriptor and the WavePacket prelude bytes
// to write as the first bytes of the opened bi-stream.
//
// The last dot-separated segment is the base32 node-id; all preceding
// segments, rejoined with ".", form the subdomain. A domain with no dots
// at all (the node-id is the only segment) yields an empty subdomain —
// the "default route".
func Connect(domain string, port uint16) ([]byte, Connection, error) {
	segments := strings.Split(domain, ".")
	last := segments[len(segments)-1]

	nodeID, err := identity.ParseNodeId(last)
	if err != nil {
		return nil, Connection{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}

	subName := strings.Join(segments[:len(segments)-1], ".")
	sub, err := subdomain.New(subName)
	if err != nil {
		return nil, Connection{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}

	conn := Connection{NodeID: nodeID, Subdomain: sub, Port: port}
	packet := New(port, sub)
	return packet.Encode(), conn, nil
}

// Accept reconstructs a Connection descriptor from the node-id a
// bi-stream was accepted from and the WavePacket decoded from its
// prelude.
func Accept(nodeID identity.NodeId, packet Packet) Connection {
	return Connection{
		NodeID:    nodeID,
		Subdomain: packet.Subdomain,
		Port:      packet.Port,
	}
}

// TargetName renders the client-side SOCKS5 target domain for a
// connection: "subdomain.<nodeid>". An empty subdomain is spelled as a
// leading dot, so the wire form becomes ".<nodeid>".
func TargetName(sub subdomain.Subdomain, nodeID identity.NodeId) string {
	if sub.String() == "" {
		return "." + nodeID.String()
	}
	return sub.String() + "." + nodeID.String()
}
