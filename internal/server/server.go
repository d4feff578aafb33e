// Package server implements the server dispatcher (component C7): a peer
// bi-stream acceptor that reads the WavePacket prelude off each stream,
// looks the subdomain up in the shared Router, dials the resolved host,
// and bridges the two connections.
//
// Grounded on internal/exit/handler.go's accept/dial/bridge shape
// (ActiveConnection tracking, connCount, graceful stopCh) and on
// internal/protocol/frame.go's FrameReader for the incremental-read idiom
// reused as wavepacket.ReadPacket.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hao2203/wavetun/internal/logging"
	"github.com/Hao2203/wavetun/internal/recovery"
	"github.com/Hao2203/wavetun/internal/router"
	"github.com/Hao2203/wavetun/internal/transport"
	"github.com/Hao2203/wavetun/internal/wavepacket"
)

// Config configures a Dispatcher.
type Config struct {
	// Listener accepts incoming peer connections (typically a *transport.QUICListener).
	Listener transport.Listener

	// Router supplies the live Subdomain -> Host snapshot. Looked up fresh
	// for every accepted stream, so hot reloads apply immediately.
	Router *router.Router

	// DialTimeout bounds the TCP dial to the resolved host.
	DialTimeout time.Duration

	Logger *slog.Logger
}

// DefaultDialTimeout matches the client dispatcher's default peer-dial timeout.
const DefaultDialTimeout = 20 * time.Second

const relayBufferSize = 32 * 1024

// noRouteMessage is written back on a router miss before the stream is
// closed, using the STREAM_OPEN_ERR error-code taxonomy via
// wavepacket.EncodeFailure instead of silently dropping the connection.
var noRouteMessage = wavepacket.EncodeFailure(wavepacket.ErrCodeNoRoute, "no route")

// Dispatcher is the server-side peer bi-stream acceptor.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger

	active int64
	wg     sync.WaitGroup

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Dispatcher from cfg, applying defaults for zero fields.
func New(cfg Config) *Dispatcher {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Dispatcher{cfg: cfg, logger: logger, stopCh: make(chan struct{})}
}

// Serve accepts peer connections until ctx is cancelled or Close is called.
func (d *Dispatcher) Serve(ctx context.Context) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		<-ctx.Done()
		d.Close()
	}()

	for {
		conn, err := d.cfg.Listener.Accept(ctx)
		if err != nil {
			select {
			case <-d.stopCh:
				return nil
			default:
				d.logger.Warn("peer accept error", logging.KeyError, err)
				continue
			}
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer recovery.RecoverWithLog(d.logger, "server.handlePeerConn")
			d.handlePeerConn(ctx, conn)
		}()
	}
}

// Close stops accepting new connections; in-flight sessions run to completion.
func (d *Dispatcher) Close() error {
	var err error
	d.stopOnce.Do(func() {
		close(d.stopCh)
		err = d.cfg.Listener.Close()
	})
	return err
}

// ActiveStreams reports the number of bi-streams currently being bridged.
func (d *Dispatcher) ActiveStreams() int64 {
	return atomic.LoadInt64(&d.active)
}

func (d *Dispatcher) handlePeerConn(ctx context.Context, conn transport.PeerConn) {
	defer conn.Close()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		atomic.AddInt64(&d.active, 1)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer atomic.AddInt64(&d.active, -1)
			defer recovery.RecoverWithLog(d.logger, "server.handleStream")
			d.handleStream(ctx, stream)
		}()
	}
}

func (d *Dispatcher) handleStream(ctx context.Context, stream transport.Stream) {
	defer stream.Close()

	packet, err := wavepacket.ReadPacket(stream)
	if err != nil {
		d.logger.Debug("wave packet decode failed", logging.KeyError, err)
		return
	}

	host, ok := d.cfg.Router.FindHost(packet.Subdomain.String())
	if !ok {
		stream.Write(noRouteMessage)
		d.logger.Debug("router miss", logging.KeySubdomain, packet.Subdomain.String())
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()

	target := net.JoinHostPort(host.String(), strconv.Itoa(int(packet.Port)))
	var dialer net.Dialer
	tcpConn, err := dialer.DialContext(dialCtx, "tcp", target)
	if err != nil {
		d.logger.Debug("exit dial failed", logging.KeyTarget, target, logging.KeyError, err)
		return
	}
	defer tcpConn.Close()

	if err := bridge(stream, tcpConn); err != nil && !errors.Is(err, io.EOF) {
		d.logger.Debug("exit bridge ended", logging.KeyError, err)
	}
}

// halfCloser is implemented by connections that can signal "done sending"
// while still allowing reads (net.TCPConn, transport.Stream).
type halfCloser interface {
	CloseWrite() error
}

// bridge copies bytes bidirectionally between a peer bi-stream and a TCP
// socket, half-closing the opposite side as each direction finishes.
// Grounded on the client dispatcher's relay() (same shape, mirrored for
// the server side of the tunnel) which is itself grounded on the
// teacher's internal/socks5/handler.go relay().
func bridge(stream transport.Stream, tcpConn net.Conn) error {
	errCh := make(chan error, 2)

	go func() {
		buf := make([]byte, relayBufferSize)
		_, err := io.CopyBuffer(tcpConn, stream, buf)
		if hc, ok := tcpConn.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
	}()

	go func() {
		buf := make([]byte, relayBufferSize)
		_, err := io.CopyBuffer(stream, tcpConn, buf)
		if hc, ok := stream.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
	}()

	err1 := <-errCh
	err2 := <-errCh
	if err1 != nil {
		return fmt.Errorf("bridge: %w", err1)
	}
	return err2
}
