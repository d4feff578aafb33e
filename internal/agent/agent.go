// Package agent wires the Wave components together into a single
// running process (component C9): it loads identity and configuration,
// builds the router and peer directory, starts the server dispatcher's
// peer listener and the client dispatcher's SOCKS5 listener, serves
// Prometheus metrics, and shuts all of them down on Stop.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Hao2203/wavetun/internal/client"
	"github.com/Hao2203/wavetun/internal/config"
	"github.com/Hao2203/wavetun/internal/identity"
	"github.com/Hao2203/wavetun/internal/logging"
	"github.com/Hao2203/wavetun/internal/metrics"
	"github.com/Hao2203/wavetun/internal/peer"
	"github.com/Hao2203/wavetun/internal/recovery"
	"github.com/Hao2203/wavetun/internal/router"
	"github.com/Hao2203/wavetun/internal/server"
	"github.com/Hao2203/wavetun/internal/transport"
)

// peerProbeConfig schedules the agent's reachability probes of configured
// peers through the exponential-backoff Reconnector: a scheduled probe
// first runs after InitialDelay, a failed probe is retried with the delay
// growing up to MaxDelay, and a peer that answers is not probed again.
var peerProbeConfig = peer.ReconnectConfig{
	InitialDelay: 30 * time.Second,
	MaxDelay:     5 * time.Minute,
	Multiplier:   2.0,
	MaxAttempts:  0,
	Jitter:       0.2,
}

// Agent owns the full set of running components for one node.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	identity  *identity.Keypair
	router    *router.Router
	directory *peer.Directory
	dialer    *peer.Dialer
	transport transport.Transport

	peerNodes   []identity.NodeId
	reconnector *peer.Reconnector

	clientDispatcher *client.Dispatcher
	serverDispatcher *server.Dispatcher
	peerListener     transport.Listener
	metricsServer    *http.Server

	mu      sync.Mutex
	running bool
	stopped chan struct{}
}

// New loads identity and builds an Agent from cfg, but does not start
// any listeners yet.
func New(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	kp, created, err := identity.LoadOrCreateKeypair(cfg.Agent.DataDir)
	if err != nil {
		return nil, fmt.Errorf("agent: load identity: %w", err)
	}
	if created {
		logger.Info("generated new node identity", logging.KeyNodeID, kp.ID.ShortString())
	}

	rb := router.NewBuilder()
	for _, r := range cfg.Routes {
		var host router.Host
		if r.Host != "" {
			ip := net.ParseIP(r.Host)
			if ip == nil {
				return nil, fmt.Errorf("agent: route %q: invalid host IP %q", r.Subdomain, r.Host)
			}
			host = router.HostIP{Addr: ip}
		} else {
			host = router.HostDomain{Name: r.Domain}
		}
		rb.Add(r.Subdomain, host)
	}
	rt := router.New(rb)
	metrics.Default().SetRoutesTotal(rt.Len())

	dir := peer.NewDirectory()
	peerNodes := make([]identity.NodeId, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		nodeID, err := identity.ParseNodeId(p.NodeID)
		if err != nil {
			return nil, fmt.Errorf("agent: peer %q: %w", p.NodeID, err)
		}
		dir.Set(nodeID, p.Addr)
		peerNodes = append(peerNodes, nodeID)
	}

	tr := transport.NewQUICTransport()
	dialer := peer.NewDialer(kp, tr, dir)

	a := &Agent{
		cfg:       cfg,
		logger:    logger,
		identity:  kp,
		router:    rt,
		directory: dir,
		dialer:    dialer,
		transport: tr,
		peerNodes: peerNodes,
		stopped:   make(chan struct{}),
	}
	a.reconnector = peer.NewReconnector(peerProbeConfig, a.probePeer)
	return a, nil
}

// probePeer dials nodeID to confirm it is still reachable, then closes the
// probe connection. Used as the Reconnector's callback: a non-nil return
// reschedules the probe with backoff; a nil return clears the pending
// state, since the reconnector exists to chase down peers that are
// currently unreachable, not to poll healthy ones forever.
func (a *Agent) probePeer(nodeID identity.NodeId) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := a.dialer.Dial(ctx, nodeID)
	if err != nil {
		a.logger.Debug("peer unreachable, will retry", logging.KeyNodeID, nodeID.ShortString(), logging.KeyError, err)
		return err
	}
	conn.Close()
	a.logger.Debug("peer reachable", logging.KeyNodeID, nodeID.ShortString())
	return nil
}

// ID returns the agent's own NodeId.
func (a *Agent) ID() identity.NodeId {
	return a.identity.ID
}

// Router returns the agent's live routing table snapshot.
func (a *Agent) Router() *router.Router {
	return a.router
}

// PeerAddr returns the address the server dispatcher's peer listener is
// bound to, once Start has succeeded. Returns nil beforehand.
func (a *Agent) PeerAddr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.peerListener == nil {
		return nil
	}
	return a.peerListener.Addr()
}

// SOCKS5Addr returns the address the client dispatcher's SOCKS5 listener
// is bound to, once Start has succeeded. Returns nil beforehand.
func (a *Agent) SOCKS5Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.clientDispatcher == nil {
		return nil
	}
	return a.clientDispatcher.Addr()
}

// Start binds the server dispatcher's peer listener and the client
// dispatcher's SOCKS5 listener, and serves /metrics if enabled. It
// returns once all listeners are bound; serving continues in background
// goroutines until Stop is called.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return errors.New("agent: already running")
	}

	serverTLS, err := transport.NewServerTLSConfig(a.identity)
	if err != nil {
		return fmt.Errorf("agent: build server tls config: %w", err)
	}
	listenOpts := transport.DefaultListenOptions()
	listenOpts.TLSConfig = serverTLS
	peerListener, err := a.transport.Listen(a.cfg.Server.ListenAddr, listenOpts)
	if err != nil {
		return fmt.Errorf("agent: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	a.peerListener = peerListener

	a.serverDispatcher = server.New(server.Config{
		Listener: peerListener,
		Router:   a.router,
		Logger:   a.logger.With(logging.KeyComponent, "server"),
	})
	go func() {
		defer recovery.RecoverWithLog(a.logger, "agent.serverDispatcher")
		if err := a.serverDispatcher.Serve(ctx); err != nil {
			a.logger.Error("server dispatcher stopped", logging.KeyError, err)
		}
	}()

	a.clientDispatcher = client.New(client.Config{
		ListenAddr:     a.cfg.SOCKS5.ListenAddr,
		Dialer:         a.dialer,
		MaxConnections: a.cfg.SOCKS5.MaxConnections,
		Logger:         a.logger.With(logging.KeyComponent, "client"),
	})
	clientErrCh := make(chan error, 1)
	go func() {
		defer recovery.RecoverWithLog(a.logger, "agent.clientDispatcher")
		clientErrCh <- a.clientDispatcher.ListenAndServe(ctx)
	}()

	// ListenAndServe binds its listener synchronously before accepting;
	// give it a brief moment so Addr() is populated for callers that
	// need it immediately (tests, "bind" command banner).
	for i := 0; i < 100 && a.clientDispatcher.Addr() == nil; i++ {
		select {
		case err := <-clientErrCh:
			return fmt.Errorf("agent: client dispatcher failed to start: %w", err)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	if a.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		a.metricsServer = &http.Server{Addr: a.cfg.Metrics.ListenAddr, Handler: mux}
		metricsLn, err := net.Listen("tcp", a.cfg.Metrics.ListenAddr)
		if err != nil {
			return fmt.Errorf("agent: listen metrics %s: %w", a.cfg.Metrics.ListenAddr, err)
		}
		go func() {
			if err := a.metricsServer.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server stopped", logging.KeyError, err)
			}
		}()
	}

	for _, nodeID := range a.peerNodes {
		a.reconnector.Schedule(nodeID)
	}

	a.running = true
	a.logger.Info("agent started",
		logging.KeyNodeID, a.identity.ID.ShortString(),
		"socks5_addr", a.clientDispatcher.Addr(),
		"peer_addr", a.peerListener.Addr())
	return nil
}

// Stop shuts down all listeners. Idempotent.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false
	a.reconnector.Stop()

	var errs []error
	if a.clientDispatcher != nil {
		if err := a.clientDispatcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.serverDispatcher != nil {
		if err := a.serverDispatcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.transport.Close(); err != nil {
		errs = append(errs, err)
	}

	close(a.stopped)
	return errors.Join(errs...)
}

// IsRunning reports whether Start has been called without a matching Stop.
func (a *Agent) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Wait blocks until Stop completes.
func (a *Agent) Wait() {
	<-a.stopped
}
