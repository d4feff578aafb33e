// Package socks5engine implements the sans-I/O SOCKS5 protocol engine
// (component C2): a pure state machine driven by byte inputs, producing
// typed transmits and lifecycle events. It never touches a socket —
// callers (the client dispatcher, or a test) own all I/O.
package socks5engine

import (
	"fmt"

	"github.com/Hao2203/wavetun/internal/address"
	"github.com/Hao2203/wavetun/internal/socks5wire"
)

// Protocol identifies the transport a Transmit should go out on.
type Protocol int

const (
	ProtocolTCP Protocol = iota
	ProtocolUDP
)

// state is the engine's internal session state.
type state int

const (
	stateInit state = iota
	stateHandshake
	stateRelay
	stateClose
)

// Transmit is an outbound segment the driver must write to the network:
// proto/local describe the engine's own socket, to is the destination
// address, and data is the bytes to send.
type Transmit struct {
	Proto Protocol
	Local address.Address
	To    address.Address
	Data  []byte
}

// Event is a lifecycle notification drained from the engine's event
// queue. It is a closed union; callers type-switch exhaustively.
type Event interface {
	isEvent()
}

// HandshakeEvent fires once the no-auth method has been selected.
type HandshakeEvent struct{}

func (HandshakeEvent) isEvent() {}

// ConnectToTargetEvent fires when a CONNECT request names a dial target;
// the driver must attempt the dial and report back via ConnectWithStatus.
type ConnectToTargetEvent struct {
	Target address.Address
}

func (ConnectToTargetEvent) isEvent() {}

// CloseEvent fires when the session has ended and offers no further output.
type CloseEvent struct {
	Reason string
}

func (CloseEvent) isEvent() {}

// ErrorEvent carries a protocol or dial error that caused (or accompanies) a close.
type ErrorEvent struct {
	Err error
}

func (ErrorEvent) isEvent() {}

// UnsupportedMethodsError is emitted when a consult request offers no
// "no auth" method.
type UnsupportedMethodsError struct {
	Methods []socks5wire.Method
}

func (e *UnsupportedMethodsError) Error() string {
	return fmt.Sprintf("socks5engine: no supported auth method offered (got %v)", e.Methods)
}

// ConnectToTargetFailedError is emitted when a dispatcher-reported dial
// failure closes a session.
type ConnectToTargetFailedError struct {
	Target address.Address
	Reply  socks5wire.Reply
}

func (e *ConnectToTargetFailedError) Error() string {
	return fmt.Sprintf("socks5engine: connect to %s failed: reply %#x", e.Target, byte(e.Reply))
}

// UnexpectedAddressTypeError is emitted when handle_input is driven with
// a non-IP source address, which this engine never expects from a TCP
// dispatcher.
type UnexpectedAddressTypeError struct{}

func (e *UnexpectedAddressTypeError) Error() string {
	return "socks5engine: unexpected non-IP source address"
}

// Engine is the sans-I/O SOCKS5 session state machine. It is owned
// exclusively by one session's driver goroutine; there is no internal
// locking.
type Engine struct {
	tcpBind address.Address

	state  state
	source address.Address
	target address.Address
	// connected is set once a Succeeded connect reply has been sent; it
	// distinguishes Relay{status=None} from Relay{status=Some(Succeeded)}.
	connected bool

	transmits []Transmit
	events    []Event
}

// New creates an engine in the Init state, bound to tcpBind (the local
// address reported as BND.ADDR in a successful CONNECT reply).
func New(tcpBind address.Address) *Engine {
	return &Engine{tcpBind: tcpBind, state: stateInit}
}

// HandleInput feeds bytes received from source on proto into the
// engine. It returns the number of bytes consumed from buf; the caller
// must retain any unconsumed suffix and retry once more data arrives.
// A return of 0 means nothing was consumed: buf does not yet hold a full
// frame, the engine is in Relay before a successful ConnectWithStatus, or
// the session is closed. A protocol error closes the session and is
// reported via the event queue, not the return value.
func (e *Engine) HandleInput(proto Protocol, source address.Address, buf []byte) int {
	switch e.state {
	case stateInit:
		return e.handleInit(proto, source, buf)
	case stateHandshake:
		return e.handleHandshake(buf)
	case stateRelay:
		return e.handleRelay(proto, source, buf)
	case stateClose:
		return 0
	default:
		panic("socks5engine: unreachable state")
	}
}

func (e *Engine) handleInit(proto Protocol, source address.Address, buf []byte) int {
	if _, ok := source.(address.IP); !ok {
		e.closeWithError(&UnexpectedAddressTypeError{})
		return 0
	}

	req, n, err := socks5wire.DecodeConsultRequest(buf)
	if err == socks5wire.ErrIncomplete {
		return 0
	}
	if err != nil {
		e.closeWithError(err)
		return n
	}

	if !req.HasMethod(socks5wire.MethodNone) {
		e.closeWithError(&UnsupportedMethodsError{Methods: req.Methods})
		return n
	}

	e.source = source
	resp := socks5wire.ConsultResponse{Method: socks5wire.MethodNone}
	e.transmits = append(e.transmits, Transmit{
		Proto: proto,
		Local: e.tcpBind,
		To:    source,
		Data:  resp.Encode(),
	})
	e.events = append(e.events, HandshakeEvent{})
	e.state = stateHandshake
	return n
}

func (e *Engine) handleHandshake(buf []byte) int {
	req, n, err := socks5wire.DecodeConnectRequest(buf)
	if err == socks5wire.ErrIncomplete {
		return 0
	}
	if err != nil {
		e.closeWithError(err)
		return n
	}
	if req.Command != socks5wire.CmdConnect {
		e.closeWithError(&socks5wire.InvalidCommandError{Command: byte(req.Command)})
		return n
	}

	e.target = req.Target
	e.events = append(e.events, ConnectToTargetEvent{Target: req.Target})
	e.state = stateRelay
	return n
}

func (e *Engine) handleRelay(proto Protocol, source address.Address, buf []byte) int {
	if !e.connected {
		// The dial outcome hasn't been reported yet; there is nothing
		// sensible to do with payload bytes until ConnectWithStatus runs.
		return 0
	}

	var to address.Address
	if address.Equal(source, e.source) {
		to = e.target
	} else {
		to = e.source
	}

	data := append([]byte(nil), buf...)
	e.transmits = append(e.transmits, Transmit{
		Proto: ProtocolTCP,
		Local: e.tcpBind,
		To:    to,
		Data:  data,
	})
	return len(buf)
}

// ConnectWithStatus reports the outcome of the dial the driver attempted
// after a ConnectToTargetEvent. It must be called exactly once per
// session, after which the engine enqueues the corresponding SOCKS5
// reply and advances to Relay (success) or Close (failure).
func (e *Engine) ConnectWithStatus(reply socks5wire.Reply) {
	if e.state != stateRelay || e.connected {
		return
	}

	if reply == socks5wire.ReplySucceeded {
		resp := socks5wire.ConnectResponse{Reply: socks5wire.ReplySucceeded, BindAddress: e.tcpBind}
		e.transmits = append(e.transmits, Transmit{
			Proto: ProtocolTCP,
			Local: e.tcpBind,
			To:    e.source,
			Data:  resp.Encode(),
		})
		e.connected = true
		return
	}

	resp := socks5wire.ConnectResponse{Reply: reply, BindAddress: e.target}
	e.transmits = append(e.transmits, Transmit{
		Proto: ProtocolTCP,
		Local: e.tcpBind,
		To:    e.source,
		Data:  resp.Encode(),
	})
	e.closeWithError(&ConnectToTargetFailedError{Target: e.target, Reply: reply})
}

// PollTransmit drains one pending outbound Transmit, if any.
func (e *Engine) PollTransmit() (Transmit, bool) {
	if len(e.transmits) == 0 {
		return Transmit{}, false
	}
	t := e.transmits[0]
	e.transmits = e.transmits[1:]
	return t, true
}

// PollEvent drains one pending lifecycle Event, if any.
func (e *Engine) PollEvent() (Event, bool) {
	if len(e.events) == 0 {
		return nil, false
	}
	ev := e.events[0]
	e.events = e.events[1:]
	return ev, true
}

// Relaying reports whether the engine has reached Relay with a confirmed
// connection (i.e. is forwarding payload bytes both ways).
func (e *Engine) Relaying() bool {
	return e.state == stateRelay && e.connected
}

// AwaitingConnect reports whether the engine has reached Relay{status=None}:
// the CONNECT target is known but the dial outcome hasn't been reported yet.
func (e *Engine) AwaitingConnect() bool {
	return e.state == stateRelay && !e.connected
}

// Closed reports whether the session has ended.
func (e *Engine) Closed() bool {
	return e.state == stateClose
}

func (e *Engine) closeWithError(err error) {
	e.events = append(e.events, ErrorEvent{Err: err})
	e.state = stateClose
}
