// Package peer resolves a NodeId to a dialable network address and opens
// authenticated peer connections over the transport layer.
//
// Directory keeps a mutex-guarded "static address book" shape, indexed by
// NodeId rather than by configured address, since the client dispatcher
// discovers targets as NodeIds embedded in SOCKS5 domains
// (wavepacket.Connect), not as configured addresses.
package peer

import (
	"context"
	"fmt"
	"sync"

	"github.com/Hao2203/wavetun/internal/identity"
	"github.com/Hao2203/wavetun/internal/transport"
)

// ErrUnknownPeer is returned when a NodeId has no known dial address.
var ErrUnknownPeer = fmt.Errorf("peer: no known address for node id")

// Directory maps NodeIds to dialable network addresses. It is populated
// from internal/config at startup and may be updated at runtime. It is
// safe for concurrent use: lookups share a read lock, and updates take the
// write lock, which excludes lookups while it is held.
type Directory struct {
	mu        sync.RWMutex
	addresses map[identity.NodeId]string
}

// NewDirectory creates an empty peer directory.
func NewDirectory() *Directory {
	return &Directory{addresses: make(map[identity.NodeId]string)}
}

// Set registers or updates the dial address for a NodeId.
func (d *Directory) Set(id identity.NodeId, addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addresses[id] = addr
}

// Remove forgets a NodeId's address.
func (d *Directory) Remove(id identity.NodeId) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.addresses, id)
}

// Lookup returns the dial address registered for id.
func (d *Directory) Lookup(id identity.NodeId) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.addresses[id]
	return addr, ok
}

// Len reports the number of known peers.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.addresses)
}

// Dialer opens authenticated connections to peers by NodeId, combining a
// Directory lookup with an identity-bound TLS dial over the transport.
type Dialer struct {
	local     *identity.Keypair
	transport transport.Transport
	directory *Directory
}

// NewDialer creates a Dialer that authenticates outgoing connections as
// local and verifies the remote peer's NodeId before returning.
func NewDialer(local *identity.Keypair, tr transport.Transport, dir *Directory) *Dialer {
	return &Dialer{local: local, transport: tr, directory: dir}
}

// Dial resolves remoteID to an address via the directory, then opens a
// peer connection and verifies the peer presents exactly remoteID.
func (d *Dialer) Dial(ctx context.Context, remoteID identity.NodeId) (transport.PeerConn, error) {
	addr, ok := d.directory.Lookup(remoteID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, remoteID)
	}

	clientTLS, err := transport.NewClientTLSConfig(d.local, remoteID)
	if err != nil {
		return nil, fmt.Errorf("peer: build client tls config: %w", err)
	}

	opts := transport.DefaultDialOptions()
	opts.TLSConfig = clientTLS

	conn, err := d.transport.Dial(ctx, addr, opts)
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s (%s): %w", remoteID, addr, err)
	}
	return conn, nil
}
