// Package transport provides the peer-to-peer bi-directional stream
// abstraction (component C8): a QUIC-backed transport whose peers
// authenticate each other via a certificate binding described in
// identity.go, used by the client dispatcher to open tunneled streams
// and by the server dispatcher to accept them.
//
// The Transport/Listener/PeerConn/Stream interfaces and
// DialOptions/ListenOptions carry only a single QUIC implementation,
// since Wave needs a single "QUIC-like bi-directional stream" with no
// transport negotiation or fallback.
package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"
)

// ALPNProtocol is the ALPN identifier peers negotiate for the Wave
// overlay transport.
const ALPNProtocol = "wave"

// Transport creates and accepts peer connections.
type Transport interface {
	// Dial connects to a remote peer at addr. Peer identity is verified
	// through the certificate callback carried in opts.TLSConfig, not
	// by this call.
	Dial(ctx context.Context, addr string, opts DialOptions) (PeerConn, error)

	// Listen creates a listener for incoming connections.
	Listen(addr string, opts ListenOptions) (Listener, error)

	// Close shuts down the transport and all its listeners.
	Close() error
}

// Listener accepts incoming peer connections.
type Listener interface {
	// Accept waits for and returns the next connection.
	Accept(ctx context.Context) (PeerConn, error)

	// Addr returns the listener's network address.
	Addr() net.Addr

	// Close stops the listener.
	Close() error
}

// PeerConn represents an established connection to a peer, over which
// any number of bi-streams may be opened or accepted.
type PeerConn interface {
	// OpenStream creates a new outgoing bi-stream.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream waits for an incoming bi-stream.
	AcceptStream(ctx context.Context) (Stream, error)

	// Close terminates the connection and all its streams.
	Close() error

	// LocalAddr returns the local network address.
	LocalAddr() net.Addr

	// RemoteAddr returns the remote network address.
	RemoteAddr() net.Addr

	// IsDialer reports whether this side initiated the connection.
	IsDialer() bool
}

// Stream is a bidirectional byte stream with half-close support,
// analogous to a TCP connection but carried over the peer transport.
type Stream interface {
	io.Reader
	io.Writer

	// CloseWrite sends a half-close (FIN) — signals done sending while
	// still allowing reads.
	CloseWrite() error

	// Close fully closes the stream in both directions.
	Close() error

	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// DialOptions configures an outgoing peer connection attempt.
type DialOptions struct {
	// TLSConfig is the TLS configuration for the connection. It must
	// carry the identity-bound certificate and verification callback
	// produced by NewClientTLSConfig.
	TLSConfig *tls.Config

	// Timeout bounds the dial attempt. Zero means no timeout beyond
	// ctx's own deadline.
	Timeout time.Duration
}

// ListenOptions configures an incoming peer listener.
type ListenOptions struct {
	// TLSConfig is the TLS configuration for the listener. Required;
	// see NewServerTLSConfig.
	TLSConfig *tls.Config

	// MaxStreams is the maximum number of concurrent bi-streams per
	// connection. Zero selects DefaultMaxIncomingStreams.
	MaxStreams int
}

// DefaultDialOptions returns DialOptions with sensible defaults: a
// 20s dial timeout.
func DefaultDialOptions() DialOptions {
	return DialOptions{Timeout: 20 * time.Second}
}

// DefaultListenOptions returns ListenOptions with sensible defaults.
func DefaultListenOptions() ListenOptions {
	return ListenOptions{MaxStreams: DefaultMaxIncomingStreams}
}
