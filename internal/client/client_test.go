package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/Hao2203/wavetun/internal/identity"
	"github.com/Hao2203/wavetun/internal/peer"
	"github.com/Hao2203/wavetun/internal/socks5wire"
	"github.com/Hao2203/wavetun/internal/transport"
)

func TestMapDialErrorToReply(t *testing.T) {
	if got := mapDialErrorToReply(peer.ErrUnknownPeer); got != socks5wire.ReplyHostUnreachable {
		t.Errorf("ErrUnknownPeer -> %#x, want HostUnreachable", byte(got))
	}
	if got := mapDialErrorToReply(context.DeadlineExceeded); got != socks5wire.ReplyNetworkUnreachable {
		t.Errorf("DeadlineExceeded -> %#x, want NetworkUnreachable", byte(got))
	}
	if got := mapDialErrorToReply(errors.New("some other failure")); got != socks5wire.ReplyGeneralFailure {
		t.Errorf("generic error -> %#x, want GeneralFailure", byte(got))
	}
}

func TestRelay_BidirectionalCopyWithHalfClose(t *testing.T) {
	clientLocal, clientRemote := net.Pipe()
	peerLocal, peerRemote := net.Pipe()

	done := make(chan error, 1)
	go func() { done <- relay(clientLocal, peerLocal) }()

	go func() {
		buf := make([]byte, 5)
		n, _ := clientRemote.Read(buf)
		peerRemote.Write(buf[:n])
		clientRemote.Close()
	}()

	if _, err := peerRemote.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 5)
	peerRemote.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := peerRemote.Read(buf)
	if err != nil {
		t.Fatalf("expected echoed bytes, got error: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("echoed = %q, want hello", buf[:n])
	}

	peerRemote.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay() did not return after both sides closed")
	}
}

// socks5Handshake performs the method-negotiation + CONNECT request over
// conn and returns the parsed CONNECT reply code.
func socks5Handshake(t *testing.T, conn net.Conn, targetDomain string, port uint16) byte {
	t.Helper()
	conn.SetDeadline(time.Now().Add(3 * time.Second))

	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write consult request: %v", err)
	}
	methodResp := make([]byte, 2)
	if _, err := conn.Read(methodResp); err != nil {
		t.Fatalf("read consult response: %v", err)
	}
	if methodResp[0] != 0x05 || methodResp[1] != 0x00 {
		t.Fatalf("consult response = %v, want [5 0]", methodResp)
	}

	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(targetDomain))}
	req = append(req, []byte(targetDomain)...)
	req = append(req, byte(port>>8), byte(port))
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write connect request: %v", err)
	}

	head := make([]byte, 4)
	if _, err := conn.Read(head); err != nil {
		t.Fatalf("read connect response header: %v", err)
	}
	// drain part of the rest of the reply (6 bytes fits an IPv4 BND.ADDR;
	// a failure reply echoing a domain target is longer). Only REP is checked.
	rest := make([]byte, 6)
	conn.Read(rest)
	return head[1]
}

func TestDispatcher_ConnectToUnknownPeer(t *testing.T) {
	localKP, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error = %v", err)
	}
	dir := peer.NewDirectory()
	dialer := peer.NewDialer(localKP, transport.NewQUICTransport(), dir)

	d := New(Config{ListenAddr: "127.0.0.1:0", Dialer: dialer, ConnectTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- d.ListenAndServe(ctx) }()

	var addr net.Addr
	for i := 0; i < 100 && addr == nil; i++ {
		addr = d.Addr()
		if addr == nil {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if addr == nil {
		t.Fatal("dispatcher never bound a listen address")
	}

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial dispatcher: %v", err)
	}
	defer conn.Close()

	remote, err := identity.NewNodeId()
	if err != nil {
		t.Fatalf("NewNodeId() error = %v", err)
	}

	reply := socks5Handshake(t, conn, remote.String(), 443)
	if reply != byte(socks5wire.ReplyHostUnreachable) {
		t.Errorf("reply = %#x, want HostUnreachable (%#x)", reply, byte(socks5wire.ReplyHostUnreachable))
	}

	d.Close()
}
