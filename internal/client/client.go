// Package client implements the client dispatcher (component C6): a local
// SOCKS5 listener that drives the sans-I/O socks5engine per connection,
// opens a peer bi-stream for each CONNECT target, and bridges the two once
// the peer confirms the dial.
//
// Uses an accept-loop/per-connection-goroutine shape with a
// half-close-aware relay helper, structured around the engine (C2)
// rather than doing wire I/O inline.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hao2203/wavetun/internal/address"
	"github.com/Hao2203/wavetun/internal/logging"
	"github.com/Hao2203/wavetun/internal/peer"
	"github.com/Hao2203/wavetun/internal/recovery"
	"github.com/Hao2203/wavetun/internal/socks5engine"
	"github.com/Hao2203/wavetun/internal/socks5wire"
	"github.com/Hao2203/wavetun/internal/wavepacket"
)

// Config configures a Dispatcher.
type Config struct {
	// ListenAddr is the local SOCKS5 listen address (e.g. "127.0.0.1:8182").
	ListenAddr string

	// Dialer opens authenticated peer connections by NodeId.
	Dialer *peer.Dialer

	// ConnectTimeout bounds a single CONNECT target's peer dial + stream
	// open. Zero selects DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// MaxConnections caps concurrent SOCKS5 sessions; zero is unlimited.
	MaxConnections int

	Logger *slog.Logger
}

// DefaultConnectTimeout bounds how long a peer dial may take before the
// SOCKS5 session fails with a network-unreachable reply.
const DefaultConnectTimeout = 20 * time.Second

const relayBufferSize = 32 * 1024

// Dispatcher is the client-side SOCKS5 entry point.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger

	listener net.Listener

	active   int64
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Dispatcher from cfg, applying defaults for zero fields.
func New(cfg Config) *Dispatcher {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Dispatcher{cfg: cfg, logger: logger, stopCh: make(chan struct{})}
}

// ListenAndServe binds the SOCKS5 listener and serves connections until
// ctx is cancelled or Close is called.
func (d *Dispatcher) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", d.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("client: listen %s: %w", d.cfg.ListenAddr, err)
	}
	d.listener = l

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		<-ctx.Done()
		d.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-d.stopCh:
				return nil
			default:
				d.logger.Warn("socks5 accept error", logging.KeyError, err)
				continue
			}
		}

		if d.cfg.MaxConnections > 0 && atomic.LoadInt64(&d.active) >= int64(d.cfg.MaxConnections) {
			conn.Close()
			continue
		}

		atomic.AddInt64(&d.active, 1)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer atomic.AddInt64(&d.active, -1)
			defer recovery.RecoverWithLog(d.logger, "client.handleConn")
			d.handleConn(ctx, conn)
		}()
	}
}

// Close stops the listener; in-flight sessions run to completion.
func (d *Dispatcher) Close() error {
	var err error
	d.stopOnce.Do(func() {
		close(d.stopCh)
		if d.listener != nil {
			err = d.listener.Close()
		}
	})
	return err
}

// Addr returns the listener's bound address, valid after ListenAndServe
// has started.
func (d *Dispatcher) Addr() net.Addr {
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// ActiveConnections reports the number of sessions currently being served.
func (d *Dispatcher) ActiveConnections() int64 {
	return atomic.LoadInt64(&d.active)
}

func (d *Dispatcher) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	local, err := address.FromNetAddr(conn.LocalAddr())
	if err != nil {
		d.logger.Error("socks5 session: local address", logging.KeyError, err)
		return
	}
	source, err := address.FromNetAddr(conn.RemoteAddr())
	if err != nil {
		d.logger.Error("socks5 session: remote address", logging.KeyError, err)
		return
	}

	eng := socks5engine.New(local)
	readBuf := make([]byte, 4096)
	var acc []byte

	var peerStream io.ReadWriteCloser

	for !eng.Closed() {
		n, err := conn.Read(readBuf)
		if err != nil {
			return
		}
		acc = append(acc, readBuf[:n]...)

		for {
			consumed := eng.HandleInput(socks5engine.ProtocolTCP, source, acc)
			if consumed == 0 {
				break
			}
			acc = acc[consumed:]
		}

		if d.flushTransmits(conn, eng) != nil {
			return
		}

		if d.drainEvents(ctx, eng, conn, &peerStream) {
			return
		}

		if eng.Relaying() {
			break
		}
	}

	if !eng.Relaying() || peerStream == nil {
		return
	}

	// Any bytes the client pipelined immediately after the CONNECT request
	// were buffered in acc but never handed to the engine (Relay{status=None}
	// never consumes payload) — they belong to the target, so forward them
	// before starting the steady-state copy loop.
	if len(acc) > 0 {
		if _, err := peerStream.Write(acc); err != nil {
			return
		}
	}

	if err := relay(conn, peerStream); err != nil {
		d.logger.Debug("socks5 relay ended", logging.KeyError, err)
	}
}

func (d *Dispatcher) flushTransmits(conn net.Conn, eng *socks5engine.Engine) error {
	for {
		t, ok := eng.PollTransmit()
		if !ok {
			return nil
		}
		if _, err := conn.Write(t.Data); err != nil {
			return err
		}
	}
}

// drainEvents processes pending lifecycle events, opening the peer stream
// on ConnectToTargetEvent. It returns true if the session should end.
func (d *Dispatcher) drainEvents(ctx context.Context, eng *socks5engine.Engine, conn net.Conn, peerStream *io.ReadWriteCloser) bool {
	for {
		ev, ok := eng.PollEvent()
		if !ok {
			return false
		}
		switch e := ev.(type) {
		case socks5engine.HandshakeEvent:
			// nothing to do; the method-selection reply was already queued.
		case socks5engine.ConnectToTargetEvent:
			stream, reply := d.dialTarget(ctx, e.Target)
			eng.ConnectWithStatus(reply)
			if reply == socks5wire.ReplySucceeded {
				*peerStream = stream
			}
			if err := d.flushTransmits(conn, eng); err != nil {
				return true
			}
		case socks5engine.CloseEvent:
			return true
		case socks5engine.ErrorEvent:
			d.logger.Debug("socks5 session error", logging.KeyError, e.Err)
			return true
		}
	}
}

// dialTarget resolves target to a NodeId+subdomain+port, opens a peer
// bi-stream, and writes the WavePacket prelude.
func (d *Dispatcher) dialTarget(ctx context.Context, target address.Address) (io.ReadWriteCloser, socks5wire.Reply) {
	domain, ok := target.(address.Domain)
	if !ok {
		return nil, socks5wire.ReplyAddrNotSupported
	}

	prelude, conn, err := wavepacket.Connect(domain.Name, domain.Port)
	if err != nil {
		d.logger.Debug("wave connect: parse target", logging.KeyTarget, domain.Name, logging.KeyError, err)
		return nil, socks5wire.ReplyGeneralFailure
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	peerConn, err := d.cfg.Dialer.Dial(dialCtx, conn.NodeID)
	if err != nil {
		d.logger.Debug("wave connect: peer dial", logging.KeyNodeID, conn.NodeID.ShortString(), logging.KeyError, err)
		return nil, mapDialErrorToReply(err)
	}

	stream, err := peerConn.OpenStream(dialCtx)
	if err != nil {
		peerConn.Close()
		return nil, mapDialErrorToReply(err)
	}

	if _, err := stream.Write(prelude); err != nil {
		stream.Close()
		peerConn.Close()
		return nil, mapDialErrorToReply(err)
	}

	return stream, socks5wire.ReplySucceeded
}

// mapDialErrorToReply converts a peer-dial error into the closest SOCKS5
// reply code, covering peer-directory and transport errors rather than
// raw TCP dial errors.
func mapDialErrorToReply(err error) socks5wire.Reply {
	if errors.Is(err, peer.ErrUnknownPeer) {
		return socks5wire.ReplyHostUnreachable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return socks5wire.ReplyNetworkUnreachable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return socks5wire.ReplyTTLExpired
		}
		return socks5wire.ReplyConnectionRefused
	}
	return socks5wire.ReplyGeneralFailure
}

// halfCloser is implemented by connections that can signal "done sending"
// while still allowing reads (net.TCPConn, transport.Stream).
type halfCloser interface {
	CloseWrite() error
}

// relay copies bytes bidirectionally between the SOCKS5 client connection
// and the peer stream until both directions reach EOF, half-closing the
// opposite side as each direction finishes. Grounded directly on the
// teacher's internal/socks5/handler.go relay().
func relay(client, peerStream io.ReadWriteCloser) error {
	errCh := make(chan error, 2)

	go func() {
		buf := make([]byte, relayBufferSize)
		_, err := io.CopyBuffer(peerStream, client, buf)
		if hc, ok := peerStream.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
	}()

	go func() {
		buf := make([]byte, relayBufferSize)
		_, err := io.CopyBuffer(client, peerStream, buf)
		if hc, ok := client.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
	}()

	err1 := <-errCh
	err2 := <-errCh
	if err1 != nil {
		return err1
	}
	return err2
}
